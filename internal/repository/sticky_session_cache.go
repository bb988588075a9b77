package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/relaycore/internal/service"
)

// 粘性会话绑定缓存
// 格式: sticky_session:{sessionHash} → accountID
const stickySessionPrefix = "sticky_session:"

type stickySessionCache struct {
	rdb *redis.Client
}

func NewStickySessionCache(rdb *redis.Client) service.StickySessionCache {
	return &stickySessionCache{rdb: rdb}
}

func stickySessionKey(sessionHash string) string {
	return stickySessionPrefix + sessionHash
}

func (c *stickySessionCache) GetSessionAccountID(ctx context.Context, sessionHash string) (string, error) {
	accountID, err := c.rdb.Get(ctx, stickySessionKey(sessionHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sticky session: %w", err)
	}
	return accountID, nil
}

func (c *stickySessionCache) SetSessionAccountID(ctx context.Context, sessionHash, accountID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, stickySessionKey(sessionHash), accountID, ttl).Err(); err != nil {
		return fmt.Errorf("set sticky session: %w", err)
	}
	return nil
}

func (c *stickySessionCache) RefreshSessionTTL(ctx context.Context, sessionHash string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, stickySessionKey(sessionHash), ttl).Err(); err != nil {
		return fmt.Errorf("refresh sticky session ttl: %w", err)
	}
	return nil
}

func (c *stickySessionCache) GetSessionTTL(ctx context.Context, sessionHash string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, stickySessionKey(sessionHash)).Result()
	if err != nil {
		return 0, fmt.Errorf("get sticky session ttl: %w", err)
	}
	// -2 key 不存在，-1 无 TTL，统一按 0 返回。
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// DeleteSessionAccountID 删除粘性会话与账号的绑定关系。
// 当绑定的账号不可用（状态错误、禁用、被摘除）时调用，
// 让后续请求重新选择可用账号。
func (c *stickySessionCache) DeleteSessionAccountID(ctx context.Context, sessionHash string) error {
	if err := c.rdb.Del(ctx, stickySessionKey(sessionHash)).Err(); err != nil {
		return fmt.Errorf("delete sticky session: %w", err)
	}
	return nil
}
