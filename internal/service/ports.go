package service

import (
	"context"
	"time"
)

// 本文件声明核心消费的存储端口，统一由 internal/repository 以 Redis 实现。
// 约定：
//   - 存储不可达或命令失败 → BACKEND_UNAVAILABLE（ServiceUnavailable）
//   - key 不存在不是错误，返回零值
//   - 所有调用可被 ctx 取消

// QueueEnterResult 入队脚本的返回。
type QueueEnterResult struct {
	// Admitted 是否成功进入等待队列。
	Admitted bool
	// Waiting 当前等待者数量（含本次，未入队时为入队前数量）。
	Waiting int
}

// SlotAcquireResult 信号量抢占脚本的返回。
type SlotAcquireResult struct {
	Acquired bool
	// Running 当前持有槽位的任务数。
	Running int
}

// ConcurrencyCache 分布式信号量 + 有界等待队列的存储端口。
//
// 键：
//
//	sem:{resourceID}               zset，member=槽位租约 id，score=租约过期毫秒
//	concurrency:queue:{resourceID} 计数器，等待者数量，空闲 TTL 兜底
type ConcurrencyCache interface {
	// EnterQueue 原子自增等待者计数并刷新 TTL；超过 maxQueue 时回退并拒绝。
	// maxQueue == 0 表示零容忍：任何等待都直接拒绝。
	EnterQueue(ctx context.Context, resourceID string, maxQueue int, idleTTL time.Duration) (*QueueEnterResult, error)

	// LeaveQueue 等待结束（被接纳 / 超时 / 断开）后自减计数，不低于 0。
	LeaveQueue(ctx context.Context, resourceID string) error

	// TryAcquireSlot 清理过期租约后尝试占用一个槽位。
	TryAcquireSlot(ctx context.Context, resourceID, leaseID string, maxConcurrency int, leaseTTL time.Duration) (*SlotAcquireResult, error)

	// ReleaseSlot 释放租约。租约已过期 / 不存在时静默成功（幂等）。
	ReleaseSlot(ctx context.Context, resourceID, leaseID string) error

	// GetLoad 读取当前 running / waiting 计数（调度打分用，允许轻微陈旧）。
	GetLoad(ctx context.Context, resourceID string) (running int, waiting int, err error)
}

// SessionAdmitOutcome 配额脚本的判定结果。
type SessionAdmitOutcome string

const (
	SessionAdmitAdded    SessionAdmitOutcome = "added"
	SessionAdmitExisting SessionAdmitOutcome = "existing"
	SessionAdmitRejected SessionAdmitOutcome = "rejected"
)

// SessionAdmitResult 配额脚本返回：判定 + 窗口内会话数。
type SessionAdmitResult struct {
	Outcome SessionAdmitOutcome
	Count   int
}

// SessionQuotaCache 滑动窗口唯一会话配额的存储端口。
// Admit 必须在服务端以单个脚本原子执行。
type SessionQuotaCache interface {
	AdmitSession(ctx context.Context, accountID, fingerprint string, maxSessions, windowSeconds int, nowMs int64) (*SessionAdmitResult, error)
}

// SessionDigestCache 会话摘要记录的存储端口。
type SessionDigestCache interface {
	// GetSessionDigest 读取 claude:session:digest:{sessionID}；不存在返回 ""。
	GetSessionDigest(ctx context.Context, sessionID string) (string, error)
	SetSessionDigest(ctx context.Context, sessionID, digest string, ttl time.Duration) error

	// Exclusive 摘要记录：exclusive_session_digest:{accountID}:{sessionHash}
	GetExclusiveSessionDigest(ctx context.Context, accountID, sessionHash string) (string, error)
	SetExclusiveSessionDigest(ctx context.Context, accountID, sessionHash, digest string, ttl time.Duration) error
}

// StickySessionCache 粘性会话绑定的存储端口（sticky_session:{sessionHash}）。
type StickySessionCache interface {
	// GetSessionAccountID 不存在时返回 ""。
	GetSessionAccountID(ctx context.Context, sessionHash string) (string, error)
	SetSessionAccountID(ctx context.Context, sessionHash, accountID string, ttl time.Duration) error
	RefreshSessionTTL(ctx context.Context, sessionHash string, ttl time.Duration) error
	// GetSessionTTL 剩余 TTL；key 不存在返回 0。
	GetSessionTTL(ctx context.Context, sessionHash string) (time.Duration, error)
	DeleteSessionAccountID(ctx context.Context, sessionHash string) error
}
