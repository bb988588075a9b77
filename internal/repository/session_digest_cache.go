package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/relaycore/internal/service"
)

// 会话摘要记录缓存
//
//	claude:session:digest:{sessionID}                      权威记录
//	exclusive_session_digest:{accountID}:{sessionHash}     独占账号的归属记录
const (
	sessionDigestPrefix   = "claude:session:digest:"
	exclusiveDigestPrefix = "exclusive_session_digest:"
)

type sessionDigestCache struct {
	rdb *redis.Client
}

func NewSessionDigestCache(rdb *redis.Client) service.SessionDigestCache {
	return &sessionDigestCache{rdb: rdb}
}

func sessionDigestKey(sessionID string) string {
	return sessionDigestPrefix + sessionID
}

func exclusiveDigestKey(accountID, sessionHash string) string {
	return exclusiveDigestPrefix + accountID + ":" + sessionHash
}

func (c *sessionDigestCache) GetSessionDigest(ctx context.Context, sessionID string) (string, error) {
	digest, err := c.rdb.Get(ctx, sessionDigestKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session digest: %w", err)
	}
	return digest, nil
}

func (c *sessionDigestCache) SetSessionDigest(ctx context.Context, sessionID, digest string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, sessionDigestKey(sessionID), digest, ttl).Err(); err != nil {
		return fmt.Errorf("set session digest: %w", err)
	}
	return nil
}

func (c *sessionDigestCache) GetExclusiveSessionDigest(ctx context.Context, accountID, sessionHash string) (string, error) {
	digest, err := c.rdb.Get(ctx, exclusiveDigestKey(accountID, sessionHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get exclusive session digest: %w", err)
	}
	return digest, nil
}

func (c *sessionDigestCache) SetExclusiveSessionDigest(ctx context.Context, accountID, sessionHash, digest string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, exclusiveDigestKey(accountID, sessionHash), digest, ttl).Err(); err != nil {
		return fmt.Errorf("set exclusive session digest: %w", err)
	}
	return nil
}
