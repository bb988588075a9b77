package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/relaycore/internal/config"
	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
)

// ==================== Stub: ConcurrencyCache ====================

type memConcurrencyCache struct {
	mu       sync.Mutex
	leases   map[string]map[string]struct{} // resourceID → leaseIDs
	waiting  map[string]int
	acquires int
	releases int
}

func newMemConcurrencyCache() *memConcurrencyCache {
	return &memConcurrencyCache{
		leases:  make(map[string]map[string]struct{}),
		waiting: make(map[string]int),
	}
}

func (c *memConcurrencyCache) TryAcquireSlot(_ context.Context, resourceID, leaseID string, maxConcurrency int, _ time.Duration) (*SlotAcquireResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.leases[resourceID]
	if len(held) >= maxConcurrency {
		return &SlotAcquireResult{Acquired: false, Running: len(held)}, nil
	}
	if held == nil {
		held = make(map[string]struct{})
		c.leases[resourceID] = held
	}
	held[leaseID] = struct{}{}
	c.acquires++
	return &SlotAcquireResult{Acquired: true, Running: len(held)}, nil
}

func (c *memConcurrencyCache) ReleaseSlot(_ context.Context, resourceID, leaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.leases[resourceID]; ok {
		if _, exists := held[leaseID]; exists {
			delete(held, leaseID)
			c.releases++
		}
	}
	return nil
}

func (c *memConcurrencyCache) EnterQueue(_ context.Context, resourceID string, maxQueue int, _ time.Duration) (*QueueEnterResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting[resourceID] >= maxQueue {
		return &QueueEnterResult{Admitted: false, Waiting: c.waiting[resourceID]}, nil
	}
	c.waiting[resourceID]++
	return &QueueEnterResult{Admitted: true, Waiting: c.waiting[resourceID]}, nil
}

func (c *memConcurrencyCache) LeaveQueue(_ context.Context, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting[resourceID] > 0 {
		c.waiting[resourceID]--
	}
	return nil
}

func (c *memConcurrencyCache) GetLoad(_ context.Context, resourceID string) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leases[resourceID]), c.waiting[resourceID], nil
}

func (c *memConcurrencyCache) activeLeases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, held := range c.leases {
		total += len(held)
	}
	return total
}

// ==================== Stub: SessionQuotaCache ====================

type memQuotaCache struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{} // accountID → fingerprints
}

func newMemQuotaCache() *memQuotaCache {
	return &memQuotaCache{entries: make(map[string]map[string]struct{})}
}

func (c *memQuotaCache) AdmitSession(_ context.Context, accountID, fingerprint string, maxSessions, _ int, _ int64) (*SessionAdmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.entries[accountID]
	if set == nil {
		set = make(map[string]struct{})
		c.entries[accountID] = set
	}
	if _, ok := set[fingerprint]; ok {
		return &SessionAdmitResult{Outcome: SessionAdmitExisting, Count: len(set)}, nil
	}
	if len(set) >= maxSessions {
		return &SessionAdmitResult{Outcome: SessionAdmitRejected, Count: len(set)}, nil
	}
	set[fingerprint] = struct{}{}
	return &SessionAdmitResult{Outcome: SessionAdmitAdded, Count: len(set)}, nil
}

// ==================== Stub: SessionDigestCache / StickySessionCache ====================

type memDigestCache struct {
	mu        sync.Mutex
	sessions  map[string]string
	exclusive map[string]string
}

func newMemDigestCache() *memDigestCache {
	return &memDigestCache{sessions: make(map[string]string), exclusive: make(map[string]string)}
}

func (c *memDigestCache) GetSessionDigest(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID], nil
}

func (c *memDigestCache) SetSessionDigest(_ context.Context, sessionID, digest string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = digest
	return nil
}

func (c *memDigestCache) GetExclusiveSessionDigest(_ context.Context, accountID, sessionHash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exclusive[accountID+":"+sessionHash], nil
}

func (c *memDigestCache) SetExclusiveSessionDigest(_ context.Context, accountID, sessionHash, digest string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exclusive[accountID+":"+sessionHash] = digest
	return nil
}

type memStickyCache struct {
	mu       sync.Mutex
	bindings map[string]string
	ttls     map[string]time.Duration
}

func newMemStickyCache() *memStickyCache {
	return &memStickyCache{bindings: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (c *memStickyCache) GetSessionAccountID(_ context.Context, sessionHash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[sessionHash], nil
}

func (c *memStickyCache) SetSessionAccountID(_ context.Context, sessionHash, accountID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[sessionHash] = accountID
	c.ttls[sessionHash] = ttl
	return nil
}

func (c *memStickyCache) RefreshSessionTTL(_ context.Context, sessionHash string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[sessionHash] = ttl
	return nil
}

func (c *memStickyCache) GetSessionTTL(_ context.Context, sessionHash string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[sessionHash], nil
}

func (c *memStickyCache) DeleteSessionAccountID(_ context.Context, sessionHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, sessionHash)
	delete(c.ttls, sessionHash)
	return nil
}

// ==================== Fixture ====================

type schedulerFixture struct {
	scheduler   *SessionSchedulerService
	concurrency *memConcurrencyCache
	quota       *memQuotaCache
	digest      *memDigestCache
	sticky      *memStickyCache
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	cfg := config.Default()
	f := &schedulerFixture{
		concurrency: newMemConcurrencyCache(),
		quota:       newMemQuotaCache(),
		digest:      newMemDigestCache(),
		sticky:      newMemStickyCache(),
	}
	concurrencySvc := NewConcurrencyService(cfg, f.concurrency)
	t.Cleanup(concurrencySvc.Close)
	f.scheduler = NewSessionSchedulerService(
		cfg,
		concurrencySvc,
		NewSessionQuotaService(f.quota),
		NewSessionDigestService(f.digest),
		f.sticky,
	)
	return f
}

func testAccount(id string, exclusive bool) *Account {
	return &Account{
		ID:                   id,
		Platform:             PlatformClaude,
		Status:               AccountStatusActive,
		ExclusiveSessionOnly: exclusive,
		Concurrency:          LimiterConfig{Enabled: true, MaxConcurrency: 2, QueueSize: 1, QueueWaitSeconds: 5},
	}
}

const freshBody = `{"model":"claude-sonnet","messages":[{"role":"user","content":"hello"}]}`
const continuedBody = `{"model":"claude-sonnet","messages":[{"role":"user","content":"hello"},{"role":"assistant","content":"hi"},{"role":"user","content":"more"}]}`

// ==================== Tests ====================

func TestBuildSessionContext_NewSessionConditions(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		sticky string
		digest string
		want   bool
	}{
		{"fresh first request", freshBody, "", "", true},
		{"assistant turn present", continuedBody, "", "", false},
		{"sticky binding exists", freshBody, "acct-1", "", false},
		{"digest record exists", freshBody, "", "-abcdefgh", false},
		{"resume flag", `{"metadata":{"resume":true},"messages":[{"role":"user","content":"hi"}]}`, "", "", false},
		{"isResume flag", `{"metadata":{"isResume":true},"messages":[{"role":"user","content":"hi"}]}`, "", "", false},
		{"sessionType resume", `{"metadata":{"sessionType":"resume"},"messages":[{"role":"user","content":"hi"}]}`, "", "", false},
		{"sessionType existing", `{"metadata":{"sessionType":"existing"},"messages":[{"role":"user","content":"hi"}]}`, "", "", false},
		{"explicit conversation id", `{"conversation_id":"conv-1","messages":[{"role":"user","content":"hi"}]}`, "", "", false},
		{"explicit session id", `{"session_id":"sess-1","messages":[{"role":"user","content":"hi"}]}`, "", "", false},
		{"user id alone stays new", `{"metadata":{"user_id":"u-1"},"messages":[{"role":"user","content":"hi"}]}`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t)
			raw := []byte(tt.body)
			if tt.sticky != "" {
				require.NoError(t, f.sticky.SetSessionAccountID(context.Background(), SessionFingerprint(raw), tt.sticky, time.Hour))
			}
			if tt.digest != "" {
				body, err := ParseRequestBody(raw)
				require.NoError(t, err)
				sessionID := SessionIDFor(body, SessionFingerprint(raw))
				require.NoError(t, f.digest.SetSessionDigest(context.Background(), sessionID, tt.digest, time.Hour))
			}

			sctx, err := f.scheduler.BuildSessionContext(context.Background(), "key-1", raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sctx.IsNewSession)
		})
	}
}

func TestBuildSessionContext_SessionIDPreference(t *testing.T) {
	f := newSchedulerFixture(t)

	raw := []byte(`{"conversation_id":"conv-42","messages":[{"role":"user","content":"hi"}]}`)
	sctx, err := f.scheduler.BuildSessionContext(context.Background(), "key-1", raw)
	require.NoError(t, err)
	assert.Equal(t, "conv-42", sctx.SessionID)
	assert.NotEmpty(t, sctx.SessionHash)
	assert.NotEqual(t, sctx.SessionHash, sctx.SessionID)

	raw = []byte(freshBody)
	sctx, err = f.scheduler.BuildSessionContext(context.Background(), "key-1", raw)
	require.NoError(t, err)
	assert.Equal(t, sctx.SessionHash, sctx.SessionID)
}

func TestFilterAccountsBySession_Exclusivity(t *testing.T) {
	accounts := []*Account{
		testAccount("A", true),
		testAccount("B", true),
		testAccount("C", false),
		testAccount("D", false),
	}

	t.Run("existing session without binding drops exclusives", func(t *testing.T) {
		f := newSchedulerFixture(t)
		sctx := &SessionContext{IsNewSession: false}
		eligible, err := f.scheduler.FilterAccountsBySession(context.Background(), sctx, accounts)
		require.NoError(t, err)
		require.Len(t, eligible, 2)
		assert.Equal(t, "C", eligible[0].ID)
		assert.Equal(t, "D", eligible[1].ID)
	})

	t.Run("sticky binding keeps the bound exclusive", func(t *testing.T) {
		f := newSchedulerFixture(t)
		sctx := &SessionContext{IsNewSession: false, StickyAccountID: "A"}
		eligible, err := f.scheduler.FilterAccountsBySession(context.Background(), sctx, accounts)
		require.NoError(t, err)
		require.Len(t, eligible, 3)
		assert.Equal(t, "A", eligible[0].ID)
		assert.Equal(t, "C", eligible[1].ID)
		assert.Equal(t, "D", eligible[2].ID)
	})

	t.Run("new session keeps everyone", func(t *testing.T) {
		f := newSchedulerFixture(t)
		sctx := &SessionContext{IsNewSession: true}
		eligible, err := f.scheduler.FilterAccountsBySession(context.Background(), sctx, accounts)
		require.NoError(t, err)
		assert.Len(t, eligible, 4)
	})

	t.Run("unschedulable accounts dropped", func(t *testing.T) {
		f := newSchedulerFixture(t)
		disabled := testAccount("E", false)
		disabled.Status = AccountStatusDisabled
		sctx := &SessionContext{IsNewSession: true}
		eligible, err := f.scheduler.FilterAccountsBySession(context.Background(), sctx, append(accounts, disabled))
		require.NoError(t, err)
		assert.Len(t, eligible, 4)
	})
}

func TestAcquireForRequest_Success(t *testing.T) {
	f := newSchedulerFixture(t)
	account := testAccount("acct-1", false)
	account.SessionQuota = SessionQuotaConfig{Enabled: true, MaxSessions: 5, WindowSeconds: 3600}

	admission, err := f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID:          "key-1",
		APIKeyConcurrency: LimiterConfig{Enabled: true, MaxConcurrency: 10, QueueSize: 5, QueueWaitSeconds: 5},
		Accounts:          []*Account{account},
		Body:              []byte(freshBody),
	})
	require.NoError(t, err)
	require.NotNil(t, admission)
	assert.Equal(t, "acct-1", admission.Account.ID)
	assert.Equal(t, SessionAdmitAdded, admission.Quota.Outcome)

	// 粘性绑定已登记。
	bound, err := f.sticky.GetSessionAccountID(context.Background(), admission.Session.SessionHash)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", bound)

	// 两级槽位都在持有中，释放后清零。
	assert.Equal(t, 2, f.concurrency.activeLeases())
	admission.Release()
	assert.Equal(t, 0, f.concurrency.activeLeases())
	admission.Release() // 幂等
	assert.Equal(t, 0, f.concurrency.activeLeases())
}

func TestAcquireForRequest_PrefersStickyAccount(t *testing.T) {
	f := newSchedulerFixture(t)
	raw := []byte(continuedBody)
	require.NoError(t, f.sticky.SetSessionAccountID(context.Background(), SessionFingerprint(raw), "D", time.Hour))

	admission, err := f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID: "key-1",
		Accounts: []*Account{testAccount("C", false), testAccount("D", false)},
		Body:     raw,
	})
	require.NoError(t, err)
	defer admission.Release()
	assert.Equal(t, "D", admission.Account.ID)
}

// 配额拒绝后，已取得的 API Key 槽位与账号槽位按 LIFO 全部回滚。
func TestAcquireForRequest_RollbackOnQuotaReject(t *testing.T) {
	f := newSchedulerFixture(t)
	account := testAccount("acct-1", false)
	account.SessionQuota = SessionQuotaConfig{Enabled: true, MaxSessions: 1, WindowSeconds: 3600}

	// 先占满配额。
	_, err := f.quota.AdmitSession(context.Background(), "acct-1", "other-fp", 1, 3600, time.Now().UnixMilli())
	require.NoError(t, err)

	_, err = f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID:          "key-1",
		APIKeyConcurrency: LimiterConfig{Enabled: true, MaxConcurrency: 10, QueueSize: 5, QueueWaitSeconds: 5},
		Accounts:          []*Account{account},
		Body:              []byte(freshBody),
	})
	require.Error(t, err)
	assert.True(t, infraerrors.IsReason(err, "SESSION_LIMIT_EXCEEDED"))

	assert.Equal(t, 0, f.concurrency.activeLeases(), "all slots must be rolled back")
	assert.Equal(t, f.concurrency.acquires, f.concurrency.releases)
}

func TestAcquireForRequest_RollbackOnDigestViolation(t *testing.T) {
	f := newSchedulerFixture(t)
	account := testAccount("acct-1", false)
	account.EnableMessageDigest = true

	raw := []byte(continuedBody)
	body, err := ParseRequestBody(raw)
	require.NoError(t, err)
	sessionID := SessionIDFor(body, SessionFingerprint(raw))
	// 预置一条与请求历史无关的摘要，触发内容不匹配。
	require.NoError(t, f.digest.SetSessionDigest(context.Background(), sessionID, "-99999999_88888888", time.Hour))

	_, err = f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID: "key-1",
		Accounts: []*Account{account},
		Body:     raw,
	})
	require.Error(t, err)
	assert.True(t, infraerrors.IsConflict(err))
	assert.Equal(t, 0, f.concurrency.activeLeases())
}

func TestAcquireForRequest_ExistingSessionOnlyExclusives(t *testing.T) {
	f := newSchedulerFixture(t)

	_, err := f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID: "key-1",
		Accounts: []*Account{testAccount("A", true), testAccount("B", true)},
		Body:     []byte(continuedBody),
	})
	require.Error(t, err)
	assert.True(t, infraerrors.IsReason(err, "SESSION_NOT_NEW"))
	assert.Equal(t, 0, f.concurrency.activeLeases())
}

func TestAcquireForRequest_FailsOverOnAccountQueueFull(t *testing.T) {
	f := newSchedulerFixture(t)
	// C 只有 1 个槽位且不排队；先占满，调度应落到 D。
	busy := testAccount("C", false)
	busy.Concurrency = LimiterConfig{Enabled: true, MaxConcurrency: 1, QueueSize: 0, QueueWaitSeconds: 5}
	result, err := f.concurrency.TryAcquireSlot(context.Background(), "C", "seed-lease", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, result.Acquired)

	admission, err := f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID: "key-1",
		Accounts: []*Account{busy, testAccount("D", false)},
		Body:     []byte(freshBody),
	})
	require.NoError(t, err)
	defer admission.Release()
	assert.Equal(t, "D", admission.Account.ID)
}

func TestRegisterBinding_RenewalBelowThreshold(t *testing.T) {
	f := newSchedulerFixture(t)
	raw := []byte(continuedBody)
	hash := SessionFingerprint(raw)
	// 剩余 TTL 低于续期阈值（默认 60 分钟）。
	require.NoError(t, f.sticky.SetSessionAccountID(context.Background(), hash, "acct-1", 30*time.Minute))

	admission, err := f.scheduler.AcquireForRequest(context.Background(), &AdmissionRequest{
		APIKeyID: "key-1",
		Accounts: []*Account{testAccount("acct-1", false)},
		Body:     raw,
	})
	require.NoError(t, err)
	defer admission.Release()

	ttl, err := f.sticky.GetSessionTTL(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, config.Default().StickySessionTTL(), ttl)
}

func TestUnbindSession(t *testing.T) {
	f := newSchedulerFixture(t)
	require.NoError(t, f.sticky.SetSessionAccountID(context.Background(), "hash-1", "acct-1", time.Hour))
	require.NoError(t, f.scheduler.UnbindSession(context.Background(), "hash-1"))

	bound, err := f.sticky.GetSessionAccountID(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Empty(t, bound)
}
