package service

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SessionContext 每个请求构建一次，贯穿调度、配额、摘要校验全程。
// DigestResults 是请求内的校验缓存：调度器对多个候选账号评估时，
// 同一账号的摘要校验只做一次。
type SessionContext struct {
	APIKeyID string

	// SessionHash 请求体全文的确定性指纹，粘性绑定的 key。
	SessionHash string

	// SessionID 稳定会话标识：调用方显式携带时优先，否则退化为 SessionHash。
	SessionID string

	// IsNewSession 四个条件同时成立才为真，见 BuildSessionContext。
	IsNewSession bool

	// StickyAccountID 已存在的粘性绑定（构建上下文时预取），"" 表示无绑定。
	StickyAccountID string

	Body *RequestBody

	// DigestResults accountID → 校验结果（请求内缓存）。
	DigestResults map[string]*DigestValidationResult
}

// DigestValidationResult 单账号一次摘要校验的结果。
// Err 非空表示拒绝；Transition 在接受时描述本次转移。
type DigestValidationResult struct {
	Transition DigestTransition
	Digest     string
	Err        error
}

// SessionFingerprint 对请求体全文计算指纹，与 sticky_session key 格式对齐。
func SessionFingerprint(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// SessionIDFor 会话标识选取：显式 id 优先，否则使用指纹。
func SessionIDFor(body *RequestBody, fingerprint string) string {
	if explicit := body.ExplicitSessionID(); explicit != "" {
		return explicit
	}
	return fingerprint
}

func normalizeAccountID(accountID string) string {
	return strings.TrimSpace(accountID)
}
