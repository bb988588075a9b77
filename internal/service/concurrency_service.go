package service

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/relaycore/internal/config"
	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
	"github.com/Wei-Shaw/relaycore/internal/pkg/logger"

	"github.com/google/uuid"
)

// 槽位等待的退避参数。
// 固定间隔轮询在高并发下会同时冲击 Redis（惊群），
// 这里使用指数退避 + ±20% 抖动分散重试时间点。
const (
	slotWaitInitialBackoff = 100 * time.Millisecond
	slotWaitBackoffFactor  = 1.5
	slotWaitMaxBackoff     = 2 * time.Second

	// defaultSlotLeaseTTL 执行超时被禁用时的租约兜底，
	// 保证崩溃的持有者最终过期、槽位不被永久占死。
	defaultSlotLeaseTTL = time.Hour
	// slotLeaseMargin 租约在执行超时之外的冗余，释放永远先于租约过期。
	slotLeaseMargin = 30 * time.Second

	// releaseTimeout 释放走后台 context：请求 context 此刻往往已取消。
	releaseTimeout = 5 * time.Second
)

// ConcurrencyService 按 resourceID 维护分布式信号量 + 有界等待队列。
// 注册表为进程内 TTL 缓存，驱逐时断开对应 limiter；跨进程状态全部在 Redis。
type ConcurrencyService struct {
	cfg   *config.Config
	cache ConcurrencyCache

	registry   *gocache.Cache // resourceID → *resourceLimiter
	registryMu sync.Mutex     // 创建 + 容量驱逐的串行点
	maxEntries int

	// configCache JSON 字符串形态配置的解析缓存（原文 → 归一化结果）。
	configCache *gocache.Cache

	// reconfigGroup 热更配置的 per-resource promise-lock（双检锁的慢路径）。
	reconfigGroup singleflight.Group

	log *zap.Logger
}

func NewConcurrencyService(cfg *config.Config, cachePort ConcurrencyCache) *ConcurrencyService {
	ttl := cfg.LimiterCacheTTL()
	registry := gocache.New(ttl, ttl/2)
	configTTL := cfg.SessionConfigCacheTTL()
	s := &ConcurrencyService{
		cfg:         cfg,
		cache:       cachePort,
		registry:    registry,
		maxEntries:  cfg.LimiterCacheMaxEntries(),
		configCache: gocache.New(configTTL, configTTL),
		log:         logger.Named("service.concurrency"),
	}
	registry.OnEvicted(func(resourceID string, value any) {
		if limiter, ok := value.(*resourceLimiter); ok {
			limiter.disconnect(s.log)
		}
	})
	return s
}

// resourceLimiter 单个资源的进程内状态。运行/等待计数只是本地统计，
// 权威计数在 Redis；disconnect 幂等。
type resourceLimiter struct {
	resourceID string
	settings   atomic.Pointer[LimiterSettings]
	running    atomic.Int64
	queued     atomic.Int64
	lastAccess atomic.Int64

	disconnectOnce sync.Once
}

func (l *resourceLimiter) disconnect(log *zap.Logger) {
	l.disconnectOnce.Do(func() {
		if log != nil {
			log.Debug("limiter evicted",
				zap.String("resource_id", l.resourceID),
				zap.Int64("local_running", l.running.Load()))
		}
	})
}

func (l *resourceLimiter) touch() {
	l.lastAccess.Store(time.Now().UnixMilli())
}

// LimiterSnapshot 对外暴露的单资源统计。
type LimiterSnapshot struct {
	ResourceID   string
	Running      int64
	Queued       int64
	Settings     *LimiterSettings
	LastAccessAt time.Time
}

// Acquire 为 resourceID 申请一个并发槽位。
// rawConfig 接受结构化配置或 JSON 字符串；signal 可为 nil（无生命周期联动）。
// 成功返回的 SlotHandle 必须被 Release —— 显式调用或由 signal 事件自动触发。
func (s *ConcurrencyService) Acquire(ctx context.Context, resourceID string, rawConfig any, signal *RequestSignal) (*SlotHandle, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, infraerrors.BadRequest("INVALID_RESOURCE_ID", "resource id must not be empty")
	}

	settings, err := s.normalizeConfig(rawConfig)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled || settings.MaxConcurrency <= 0 {
		return newNoopSlotHandle(resourceID), nil
	}

	limiter := s.limiterFor(resourceID, settings)
	return s.acquireSlot(ctx, limiter, signal)
}

// normalizeConfig 归一化限流配置。JSON 字符串形态的配置来自数据库或
// 配置面板，热路径上同一段原文反复出现，解析结果按原文缓存。
func (s *ConcurrencyService) normalizeConfig(rawConfig any) (*LimiterSettings, error) {
	key := ""
	switch v := rawConfig.(type) {
	case string:
		key = v
	case []byte:
		key = string(v)
	}
	if key != "" {
		if cached, ok := s.configCache.Get(key); ok {
			if settings, ok := cached.(*LimiterSettings); ok {
				return settings, nil
			}
		}
	}

	settings, err := NormalizeLimiterConfig(rawConfig, SettingsDefaults{
		ExecutionSeconds: int(s.cfg.DefaultExecutionTimeout() / time.Second),
	})
	if err != nil {
		return nil, err
	}
	if key != "" {
		s.configCache.SetDefault(key, settings)
	}
	return settings, nil
}

// limiterFor 返回（必要时创建）resourceID 对应的 limiter，并套用热更配置。
//
// 热更走双检锁：快路径原子读设置指针比较；变更时进入 singleflight，
// 同一资源至多一个写者，并发读者在写完成前看到旧配置。
// 活跃的 limiter 从不重建，原地替换配置即可。
func (s *ConcurrencyService) limiterFor(resourceID string, settings *LimiterSettings) *resourceLimiter {
	var limiter *resourceLimiter
	if value, ok := s.registry.Get(resourceID); ok {
		limiter, _ = value.(*resourceLimiter)
	}

	if limiter == nil {
		s.registryMu.Lock()
		if value, ok := s.registry.Get(resourceID); ok {
			limiter, _ = value.(*resourceLimiter)
		}
		if limiter == nil {
			s.evictOverCapacityLocked()
			limiter = &resourceLimiter{resourceID: resourceID}
			limiter.settings.Store(settings)
			limiter.touch()
			s.registry.SetDefault(resourceID, limiter)
			s.log.Debug("limiter created",
				zap.String("resource_id", resourceID),
				zap.Int("max_concurrency", settings.MaxConcurrency),
				zap.Int("queue_size", settings.QueueSize))
		}
		s.registryMu.Unlock()
	} else {
		// 命中即续期（age-on-access）。
		s.registry.SetDefault(resourceID, limiter)
	}
	limiter.touch()

	if current := limiter.settings.Load(); !current.equal(settings) {
		_, _, _ = s.reconfigGroup.Do(resourceID, func() (any, error) {
			if !limiter.settings.Load().equal(settings) {
				limiter.settings.Store(settings)
				s.log.Info("limiter reconfigured",
					zap.String("resource_id", resourceID),
					zap.Int("max_concurrency", settings.MaxConcurrency),
					zap.Int("queue_size", settings.QueueSize),
					zap.Int("queue_wait_seconds", settings.QueueWaitSeconds),
					zap.Int("execution_seconds", settings.ExecutionSeconds))
			}
			return nil, nil
		})
	}
	return limiter
}

// evictOverCapacityLocked 注册表达到容量上限时驱逐最久未访问的 limiter。
// 仅在创建路径触发，10k 量级的线性扫描可以接受。
func (s *ConcurrencyService) evictOverCapacityLocked() {
	if s.registry.ItemCount() < s.maxEntries {
		return
	}
	oldestKey := ""
	oldestAccess := int64(1<<63 - 1)
	for key, item := range s.registry.Items() {
		limiter, ok := item.Object.(*resourceLimiter)
		if !ok {
			continue
		}
		if access := limiter.lastAccess.Load(); access < oldestAccess {
			oldestAccess = access
			oldestKey = key
		}
	}
	if oldestKey != "" {
		s.registry.Delete(oldestKey) // OnEvicted → disconnect
	}
}

func (s *ConcurrencyService) acquireSlot(ctx context.Context, limiter *resourceLimiter, signal *RequestSignal) (*SlotHandle, error) {
	settings := limiter.settings.Load()
	leaseID := uuid.NewString()
	leaseTTL := slotLeaseTTL(settings)

	// 先抢一次：空闲资源不需要过队列，queueSize=0 时这也是唯一的机会。
	result, err := s.cache.TryAcquireSlot(ctx, limiter.resourceID, leaseID, settings.MaxConcurrency, leaseTTL)
	if err != nil {
		return nil, backendUnavailable("acquire slot", err)
	}
	if result.Acquired {
		return s.admit(limiter, settings, leaseID, signal), nil
	}

	// 入队。超过 queueSize（含 queueSize=0 的零容忍场景）立即拒绝。
	queueResult, err := s.cache.EnterQueue(ctx, limiter.resourceID, settings.QueueSize, s.cfg.QueueIdleTTL())
	if err != nil {
		return nil, backendUnavailable("enter queue", err)
	}
	if !queueResult.Admitted {
		return nil, infraerrors.TooManyRequests("QUEUE_FULL", "concurrency queue is full").WithMetadata(map[string]string{
			"currentWaiting": strconv.Itoa(queueResult.Waiting),
			"maxQueueSize":   strconv.Itoa(settings.QueueSize),
		})
	}
	limiter.queued.Add(1)
	leaveQueue := func() {
		limiter.queued.Add(-1)
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.cache.LeaveQueue(releaseCtx, limiter.resourceID); err != nil {
			s.log.Warn("leave queue failed",
				zap.String("resource_id", limiter.resourceID),
				zap.Error(err))
		}
	}

	deadline := time.NewTimer(settings.QueueWait())
	defer deadline.Stop()

	backoff := slotWaitInitialBackoff
	retry := time.NewTimer(backoff)
	defer retry.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			leaveQueue()
			return nil, clientDisconnectedErr()

		case <-signal.Done():
			leaveQueue()
			return nil, clientDisconnectedErr()

		case <-deadline.C:
			leaveQueue()
			return nil, queueWaitTimeoutErr(settings)

		case <-retry.C:
			result, err := s.cache.TryAcquireSlot(ctx, limiter.resourceID, leaseID, settings.MaxConcurrency, leaseTTL)
			if err != nil {
				leaveQueue()
				return nil, backendUnavailable("acquire slot", err)
			}
			if result.Acquired {
				leaveQueue()
				return s.admit(limiter, settings, leaseID, signal), nil
			}
			backoff = nextSlotBackoff(backoff, rng)
			retry.Reset(backoff)
		}
	}
}

// admit 槽位到手之后的收尾：挂生命周期监听、起执行超时计时器。
func (s *ConcurrencyService) admit(limiter *resourceLimiter, settings *LimiterSettings, leaseID string, signal *RequestSignal) *SlotHandle {
	limiter.running.Add(1)

	handle := &SlotHandle{
		resourceID: limiter.resourceID,
		leaseID:    leaseID,
		done:       make(chan struct{}),
	}
	handle.releaseFn = func(cause error) {
		s.releaseSlot(limiter, handle, cause)
	}

	// 先挂执行超时计时器再订阅信号：订阅瞬间信号可能已触发并同步 release，
	// 此时计时器必须已经就位，否则会留下一个游离的 AfterFunc。
	if execTimeout := settings.ExecutionTimeout(); execTimeout > 0 {
		handle.execTimer = time.AfterFunc(execTimeout, func() {
			handle.release(executionTimeoutErr(settings))
		})
	}
	if signal != nil {
		handle.detach = signal.Subscribe(func(event SignalEvent) {
			if event.IsClientDisconnect() {
				handle.release(clientDisconnectedErr())
				return
			}
			handle.release(nil)
		})
		if handle.Released() {
			handle.detach()
		}
	}
	return handle
}

// releaseSlot 确定性释放顺序：标志位 → 摘监听 → 释放远端 → 停计时器 → 统计。
// Redis 失败只记日志，不会阻断释放（租约 TTL 兜底远端泄漏）。
func (s *ConcurrencyService) releaseSlot(limiter *resourceLimiter, handle *SlotHandle, cause error) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.cache.ReleaseSlot(releaseCtx, limiter.resourceID, handle.leaseID); err != nil {
		s.log.Warn("release slot failed, lease will expire by ttl",
			zap.String("resource_id", limiter.resourceID),
			zap.String("lease_id", handle.leaseID),
			zap.Error(err))
	}
	limiter.running.Add(-1)
	limiter.touch()
	if cause != nil {
		s.log.Debug("slot auto-released",
			zap.String("resource_id", limiter.resourceID),
			zap.String("reason", infraerrors.Reason(cause)))
	}
}

// GetResourceLoad 读取资源当前负载（Redis 权威计数）。
func (s *ConcurrencyService) GetResourceLoad(ctx context.Context, resourceID string) (running, waiting int, err error) {
	running, waiting, err = s.cache.GetLoad(ctx, resourceID)
	if err != nil {
		return 0, 0, backendUnavailable("get load", err)
	}
	return running, waiting, nil
}

// Snapshot 返回进程内 limiter 的本地统计（监控用）。
func (s *ConcurrencyService) Snapshot(resourceID string) (LimiterSnapshot, bool) {
	value, ok := s.registry.Get(resourceID)
	if !ok {
		return LimiterSnapshot{}, false
	}
	limiter, ok := value.(*resourceLimiter)
	if !ok {
		return LimiterSnapshot{}, false
	}
	return LimiterSnapshot{
		ResourceID:   resourceID,
		Running:      limiter.running.Load(),
		Queued:       limiter.queued.Load(),
		Settings:     limiter.settings.Load(),
		LastAccessAt: time.UnixMilli(limiter.lastAccess.Load()),
	}, true
}

// GetSettings 当前生效的归一化配置（热更可见性测试依赖此接口）。
func (s *ConcurrencyService) GetSettings(resourceID string) (*LimiterSettings, bool) {
	snapshot, ok := s.Snapshot(resourceID)
	if !ok {
		return nil, false
	}
	return snapshot.Settings, true
}

// Close 清空注册表并断开所有 limiter。
func (s *ConcurrencyService) Close() {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	for key := range s.registry.Items() {
		s.registry.Delete(key)
	}
}

// SlotHandle 一次成功占用的并发槽位。
// Release 幂等：显式调用、生命周期事件、执行超时共用同一条释放路径，
// 计数器只会被扣减一次。
type SlotHandle struct {
	resourceID string
	leaseID    string

	released  atomic.Bool
	done      chan struct{}
	mu        sync.Mutex
	err       error
	detach    func()
	execTimer *time.Timer
	releaseFn func(cause error)

	noop bool
}

func newNoopSlotHandle(resourceID string) *SlotHandle {
	return &SlotHandle{
		resourceID: resourceID,
		done:       make(chan struct{}),
		noop:       true,
	}
}

// Release 显式释放。重复调用是 no-op。
func (h *SlotHandle) Release() {
	h.release(nil)
}

func (h *SlotHandle) release(cause error) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.detach != nil {
		h.detach()
	}
	if h.releaseFn != nil {
		h.releaseFn(cause)
	}
	if h.execTimer != nil {
		h.execTimer.Stop()
	}
	h.mu.Lock()
	h.err = cause
	h.mu.Unlock()
	close(h.done)
}

// Done 在释放（任何原因）后关闭。
func (h *SlotHandle) Done() <-chan struct{} { return h.done }

// Err 自动释放的原因：执行超时 / 客户端断开时非 nil，正常释放为 nil。
func (h *SlotHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Released reports whether the handle has been released.
func (h *SlotHandle) Released() bool { return h != nil && h.released.Load() }

// IsNoop 限流关闭时返回的空句柄。
func (h *SlotHandle) IsNoop() bool { return h != nil && h.noop }

func slotLeaseTTL(settings *LimiterSettings) time.Duration {
	if execTimeout := settings.ExecutionTimeout(); execTimeout > 0 {
		return execTimeout + slotLeaseMargin
	}
	return defaultSlotLeaseTTL
}

func nextSlotBackoff(current time.Duration, rng *rand.Rand) time.Duration {
	next := time.Duration(float64(current) * slotWaitBackoffFactor)
	if next > slotWaitMaxBackoff {
		next = slotWaitMaxBackoff
	}
	if rng == nil {
		return next
	}
	jittered := time.Duration(float64(next) * (0.8 + rng.Float64()*0.4))
	if jittered < slotWaitInitialBackoff {
		return slotWaitInitialBackoff
	}
	if jittered > slotWaitMaxBackoff {
		return slotWaitMaxBackoff
	}
	return jittered
}

func backendUnavailable(op string, err error) error {
	return infraerrors.ServiceUnavailable("BACKEND_UNAVAILABLE", op+" failed").WithCause(err)
}

func clientDisconnectedErr() error {
	return infraerrors.ClientClosed("CLIENT_DISCONNECTED", "client closed the connection")
}

func queueWaitTimeoutErr(settings *LimiterSettings) error {
	return infraerrors.GatewayTimeout("TIMEOUT", "timed out waiting for a concurrency slot").WithMetadata(map[string]string{
		"timeout":     strconv.Itoa(settings.QueueWaitSeconds),
		"timeoutMs":   strconv.Itoa(settings.QueueWaitSeconds * 1000),
		"timeoutType": "queue",
	})
}

func executionTimeoutErr(settings *LimiterSettings) error {
	return infraerrors.GatewayTimeout("TIMEOUT", "execution exceeded the configured time limit").WithMetadata(map[string]string{
		"timeout":     strconv.Itoa(settings.ExecutionSeconds),
		"timeoutMs":   strconv.Itoa(settings.ExecutionSeconds * 1000),
		"timeoutType": "execution",
	})
}
