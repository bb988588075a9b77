package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/relaycore/internal/service"
)

// 分布式并发信号量 + 有界等待队列的 Redis 实现
//
// 设计说明：
// 信号量用 zset 表达租约集合，等待队列只是一个计数器：
//   - Key: sem:{resourceID}，member=租约 id（uuid），score=租约过期毫秒时间戳
//   - Key: concurrency:queue:{resourceID}，等待者计数，空闲 TTL 兜底防泄漏
//
// 持有者崩溃不是异常路径：租约 score 过期后会在下一次抢占时被
// ZREMRANGEBYSCORE 清掉，槽位自动归还，无需后台巡检任务。
//
// 判定必须原子（清理过期租约 → 数槽位 → 占用是一个不可分割的动作），
// 全部收敛为 Lua 脚本。当前时间由客户端以 ARGV 传入而不是在脚本里调
// TIME：脚本保持纯函数，多实例间毫秒级时钟偏差对租约判定无影响。
const (
	semKeyPrefix   = "sem:"
	queueKeyPrefix = "concurrency:queue:"
)

// acquireSlotScript 清理过期租约后尝试占用一个槽位。
// 返回 {acquired, running}。占用成功时 running 含本租约。
// 顺带给 sem key 续 PEXPIRE：所有租约都过期后整个 key 自行消失。
var acquireSlotScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local running = redis.call('ZCARD', KEYS[1])
if running >= tonumber(ARGV[2]) then
	return {0, running}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, running + 1}
`)

// enterQueueScript 原子入队。超限时回退计数并拒绝，返回 {admitted, waiting}。
// 拒绝分支返回回退后的计数，即调用前的等待者数量。
var enterQueueScript = redis.NewScript(`
local waiting = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
if waiting > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return {0, waiting - 1}
end
return {1, waiting}
`)

// leaveQueueScript 出队，计数不减到负数。
var leaveQueueScript = redis.NewScript(`
local waiting = tonumber(redis.call('GET', KEYS[1]) or '0')
if waiting > 0 then
	redis.call('DECR', KEYS[1])
end
return 0
`)

type concurrencyCache struct {
	rdb *redis.Client
}

func NewConcurrencyCache(rdb *redis.Client) service.ConcurrencyCache {
	return &concurrencyCache{rdb: rdb}
}

func semKey(resourceID string) string   { return semKeyPrefix + resourceID }
func queueKey(resourceID string) string { return queueKeyPrefix + resourceID }

func (c *concurrencyCache) TryAcquireSlot(ctx context.Context, resourceID, leaseID string, maxConcurrency int, leaseTTL time.Duration) (*service.SlotAcquireResult, error) {
	nowMs := time.Now().UnixMilli()
	expiresAtMs := nowMs + leaseTTL.Milliseconds()

	raw, err := acquireSlotScript.Run(ctx, c.rdb,
		[]string{semKey(resourceID)},
		nowMs, maxConcurrency, expiresAtMs, leaseID, leaseTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	acquired, running, err := parsePair(raw)
	if err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	return &service.SlotAcquireResult{Acquired: acquired == 1, Running: running}, nil
}

func (c *concurrencyCache) ReleaseSlot(ctx context.Context, resourceID, leaseID string) error {
	// 租约已过期被清理时 ZREM 返回 0，同样视为成功。
	if err := c.rdb.ZRem(ctx, semKey(resourceID), leaseID).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (c *concurrencyCache) EnterQueue(ctx context.Context, resourceID string, maxQueue int, idleTTL time.Duration) (*service.QueueEnterResult, error) {
	ttlSeconds := int64(idleTTL / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	raw, err := enterQueueScript.Run(ctx, c.rdb,
		[]string{queueKey(resourceID)},
		maxQueue, ttlSeconds,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("enter queue: %w", err)
	}
	admitted, waiting, err := parsePair(raw)
	if err != nil {
		return nil, fmt.Errorf("enter queue: %w", err)
	}
	return &service.QueueEnterResult{Admitted: admitted == 1, Waiting: waiting}, nil
}

func (c *concurrencyCache) LeaveQueue(ctx context.Context, resourceID string) error {
	if err := leaveQueueScript.Run(ctx, c.rdb, []string{queueKey(resourceID)}).Err(); err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}
	return nil
}

func (c *concurrencyCache) GetLoad(ctx context.Context, resourceID string) (running int, waiting int, err error) {
	pipe := c.rdb.Pipeline()
	zcardCmd := pipe.ZCard(ctx, semKey(resourceID))
	getCmd := pipe.Get(ctx, queueKey(resourceID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("get load: %w", err)
	}
	running = int(zcardCmd.Val())
	if waiting, err = getCmd.Int(); err != nil {
		if !errors.Is(err, redis.Nil) {
			return 0, 0, fmt.Errorf("get load: %w", err)
		}
		waiting = 0
	}
	return running, waiting, nil
}

// parsePair 解析脚本返回的 {flag, count} 二元组。
func parsePair(raw []interface{}) (int64, int, error) {
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply length %d", len(raw))
	}
	flag, ok := raw[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected script reply %T", raw[0])
	}
	count, ok := raw[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected script reply %T", raw[1])
	}
	return flag, int(count), nil
}
