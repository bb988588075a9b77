package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/relaycore/internal/service"
)

// 滑动窗口唯一会话配额的 Redis 实现
//
// 设计说明：
// 每个账号一个 zset：member=会话指纹，score=最近活跃毫秒时间戳。
// 判定全程在一个 Lua 脚本里完成：指纹已存在则刷新活跃时间 →
// 否则清理窗口外成员、数窗口内成员并与上限比较。脚本由 Redis 串行执行，
// 并发 admit 不可能同时观察到同一个"未满"状态，这是不变量
// zcard ≤ maxSessions 的唯一保证来源。
//
// key 的 EXPIRE 设为窗口长度：账号停用后整个 zset 随最后一次活跃过期。
const sessionQuotaKeyPrefix = "session_concurrency:"

// admitSessionScript 返回 {outcome, count}，outcome ∈ {added, existing, rejected}。
// count 是判定后窗口内的会话数（rejected 时为判定前的数量）。
var admitSessionScript = redis.NewScript(`
local windowStart = tonumber(ARGV[1]) - tonumber(ARGV[2]) * 1000

if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
	-- 先刷新自身 score 再清窗口，计数不含已滑出窗口的旧指纹
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', windowStart)
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	return {'existing', redis.call('ZCARD', KEYS[1])}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', windowStart)

local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	return {'rejected', count}
end

redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {'added', count + 1}
`)

type sessionQuotaCache struct {
	rdb *redis.Client
}

func NewSessionQuotaCache(rdb *redis.Client) service.SessionQuotaCache {
	return &sessionQuotaCache{rdb: rdb}
}

func sessionQuotaKey(accountID string) string {
	return sessionQuotaKeyPrefix + accountID
}

func (c *sessionQuotaCache) AdmitSession(ctx context.Context, accountID, fingerprint string, maxSessions, windowSeconds int, nowMs int64) (*service.SessionAdmitResult, error) {
	raw, err := admitSessionScript.Run(ctx, c.rdb,
		[]string{sessionQuotaKey(accountID)},
		nowMs, windowSeconds, maxSessions, fingerprint,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("admit session: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("admit session: unexpected script reply length %d", len(raw))
	}
	outcome, ok := raw[0].(string)
	if !ok {
		return nil, fmt.Errorf("admit session: unexpected script reply %T", raw[0])
	}
	count, ok := raw[1].(int64)
	if !ok {
		return nil, fmt.Errorf("admit session: unexpected script reply %T", raw[1])
	}
	return &service.SessionAdmitResult{
		Outcome: service.SessionAdmitOutcome(outcome),
		Count:   int(count),
	}, nil
}
