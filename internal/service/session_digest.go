package service

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
)

// 会话摘要：逐消息的只追加哈希链，用于检测历史被复用、回滚、分叉或篡改。
//
// 摘要由定长单元拼接而成，每个非 system 消息一个单元：
//
//	unit = prefix ‖ hash8hex
//	prefix ∈ {'-', '_'}   '-' = user，'_' = 其他角色
//	hash8hex = 内容哈希的 8 位小写十六进制
//
// 单元长度固定 9 字符，|digest| = 9 × 非 system 消息数。
const digestUnitLen = 9

const (
	digestPrefixUser  = '-'
	digestPrefixOther = '_'
)

// DigestAction 一次摘要转移的分类。
type DigestAction string

const (
	DigestActionCreate   DigestAction = "create"
	DigestActionRefresh  DigestAction = "refresh"
	DigestActionAppend   DigestAction = "append"
	DigestActionRollback DigestAction = "rollback"
	DigestActionBranch   DigestAction = "branch"
)

// DigestTransition 摘要转移的判定结果。
type DigestTransition struct {
	Action      DigestAction
	OldUnits    int
	NewUnits    int
	CommonUnits int
}

// BuildMessageDigest 从消息序列构造摘要。
// system 消息跳过；空内容以带相对下标的盐哈希，避免空消息互相碰撞。
// 哈希为 xxhash 折叠到 32 位：速度优先，防篡改不依赖密码学强度。
func BuildMessageDigest(messages []Message) string {
	buf := make([]byte, 0, len(messages)*digestUnitLen)
	index := 0
	for i := range messages {
		m := &messages[i]
		if m.IsSystem() {
			continue
		}
		prefix := byte(digestPrefixOther)
		if m.IsUser() {
			prefix = digestPrefixUser
		}
		sum := xxhash.Sum64String(m.hashableContent(index))
		buf = append(buf, prefix)
		buf = append(buf, fmt.Sprintf("%08x", uint32(sum^(sum>>32)))...)
		index++
	}
	return string(buf)
}

// digestUnitCount 单元数。长度不是 9 的倍数说明摘要本身被篡改，按 0 处理。
func digestUnitCount(digest string) int {
	if len(digest)%digestUnitLen != 0 {
		return 0
	}
	return len(digest) / digestUnitLen
}

// commonDigestUnits 从左向右逐单元比较，返回连续相同的单元数。
func commonDigestUnits(oldDigest, newDigest string) int {
	oldN, newN := digestUnitCount(oldDigest), digestUnitCount(newDigest)
	limit := oldN
	if newN < limit {
		limit = newN
	}
	for i := 0; i < limit; i++ {
		start := i * digestUnitLen
		if oldDigest[start:start+digestUnitLen] != newDigest[start:start+digestUnitLen] {
			return i
		}
	}
	return limit
}

// digestUnitPrefix 第 i 个单元（0-based）的角色前缀。
func digestUnitPrefix(digest string, i int) byte {
	return digest[i*digestUnitLen]
}

// classifyDigestTransition 判定 (old, new) 之间的转移是否合法。
//
//	old 为空            → create
//	old == new          → refresh
//	无公共前缀          → SESSION_CONTENT_MISMATCH
//	new 多一个单元且 old 是精确前缀 → append；其余增长 → SESSION_APPEND_VIOLATION
//	new 是 old 的精确前缀且止于 user 单元 → rollback；否则 SESSION_ROLLBACK_VIOLATION
//	等长且在 user 单元处分叉 → branch；否则 SESSION_BRANCH_VIOLATION
//
// 回滚与分叉只允许发生在 user 回合：那是重新生成 assistant 回复的唯一合法位置，
// 其他任何转移都意味着客户端伪造或重排了历史。
func classifyDigestTransition(oldDigest, newDigest string) (DigestTransition, error) {
	oldN := digestUnitCount(oldDigest)
	newN := digestUnitCount(newDigest)

	if oldDigest == "" || oldN == 0 {
		return DigestTransition{Action: DigestActionCreate, NewUnits: newN}, nil
	}
	if oldDigest == newDigest {
		return DigestTransition{Action: DigestActionRefresh, OldUnits: oldN, NewUnits: newN, CommonUnits: oldN}, nil
	}

	c := commonDigestUnits(oldDigest, newDigest)
	transition := DigestTransition{OldUnits: oldN, NewUnits: newN, CommonUnits: c}

	if c == 0 {
		return transition, digestViolation("SESSION_CONTENT_MISMATCH", "conversation history does not match the recorded session", transition)
	}

	switch {
	case newN > oldN:
		if newN == oldN+1 && c == oldN {
			transition.Action = DigestActionAppend
			return transition, nil
		}
		return transition, digestViolation("SESSION_APPEND_VIOLATION", "appends must extend the recorded history by exactly one message", transition)

	case newN < oldN:
		if c == newN && digestUnitPrefix(newDigest, newN-1) == digestPrefixUser {
			transition.Action = DigestActionRollback
			return transition, nil
		}
		return transition, digestViolation("SESSION_ROLLBACK_VIOLATION", "rollback must truncate to a user turn of the recorded history", transition)

	default: // newN == oldN, c < newN
		if digestUnitPrefix(oldDigest, c-1) == digestPrefixUser {
			transition.Action = DigestActionBranch
			return transition, nil
		}
		return transition, digestViolation("SESSION_BRANCH_VIOLATION", "branch point must be a user turn", transition)
	}
}

func digestViolation(reason, message string, t DigestTransition) error {
	return infraerrors.Conflict(reason, message).WithMetadata(map[string]string{
		"oldCount":    strconv.Itoa(t.OldUnits),
		"newCount":    strconv.Itoa(t.NewUnits),
		"commonUnits": strconv.Itoa(t.CommonUnits),
	})
}
