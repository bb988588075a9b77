package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/relaycore/internal/config"
	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
	"github.com/Wei-Shaw/relaycore/internal/pkg/logger"
)

// SessionSchedulerService 会话协调器：构建会话上下文、按粘性与
// 独占规则过滤候选账号、按序编排限流、配额、摘要的资源获取，并在失败时按 LIFO 回滚。
type SessionSchedulerService struct {
	cfg         *config.Config
	concurrency *ConcurrencyService
	quota       *SessionQuotaService
	digest      *SessionDigestService
	sticky      StickySessionCache
	log         *zap.Logger
}

func NewSessionSchedulerService(
	cfg *config.Config,
	concurrency *ConcurrencyService,
	quota *SessionQuotaService,
	digest *SessionDigestService,
	sticky StickySessionCache,
) *SessionSchedulerService {
	return &SessionSchedulerService{
		cfg:         cfg,
		concurrency: concurrency,
		quota:       quota,
		digest:      digest,
		sticky:      sticky,
		log:         logger.Named("service.session_scheduler"),
	}
}

// AdmissionRequest 一次入场编排的输入。
type AdmissionRequest struct {
	APIKeyID string

	// APIKeyConcurrency API Key 级限流配置，接受 LimiterConfig / JSON 串 / nil。
	APIKeyConcurrency any

	// Accounts 候选账号，调用方按优先级排好序。
	Accounts []*Account

	// Body 原始请求体。
	Body []byte

	// Signal 客户端生命周期信号，允许为 nil（无联动）。
	Signal *RequestSignal
}

// RequestAdmission 入场成功后的资源句柄集合。
// Release 释放账号槽位与 API Key 槽位（LIFO），幂等。
type RequestAdmission struct {
	Session *SessionContext
	Account *Account
	Quota   QuotaDecision

	APIKeySlot  *SlotHandle
	AccountSlot *SlotHandle
}

func (a *RequestAdmission) Release() {
	if a == nil {
		return
	}
	a.AccountSlot.Release()
	a.APIKeySlot.Release()
}

// BuildSessionContext 从请求体推导会话上下文。
//
// isNewSession 四个条件同时成立才算新会话：
//  1. 历史里没有非 user / 非 system 消息
//  2. 没有粘性绑定
//  3. 没有摘要记录
//  4. 请求体没有显式续接标记（resume / isResume / sessionType / 会话 id）
func (s *SessionSchedulerService) BuildSessionContext(ctx context.Context, apiKeyID string, raw []byte) (*SessionContext, error) {
	body, err := ParseRequestBody(raw)
	if err != nil {
		return nil, err
	}

	fingerprint := SessionFingerprint(raw)
	sctx := &SessionContext{
		APIKeyID:      apiKeyID,
		SessionHash:   fingerprint,
		SessionID:     SessionIDFor(body, fingerprint),
		Body:          body,
		DigestResults: make(map[string]*DigestValidationResult),
	}

	if fingerprint != "" {
		accountID, err := s.sticky.GetSessionAccountID(ctx, fingerprint)
		if err != nil {
			return nil, backendUnavailable("get sticky binding", err)
		}
		sctx.StickyAccountID = normalizeAccountID(accountID)
	}

	hasDigest := false
	if sctx.StickyAccountID == "" {
		hasDigest, err = s.digest.HasRecord(ctx, sctx.SessionID)
		if err != nil {
			return nil, err
		}
	}

	// metadata.user_id 只是稳定标识，不算续接标记：
	// 客户端在全新会话的第一个请求里也会带它。
	sctx.IsNewSession = !body.HasAssistantTurns() &&
		sctx.StickyAccountID == "" &&
		!hasDigest &&
		!body.HasResumeIndicator()

	return sctx, nil
}

// FilterAccountsBySession 按会话资格过滤候选账号。
//
//   - 新会话：全部合格。
//   - 已有会话且粘性绑定到 A：A 本身（即便独占）加所有非独占账号。
//   - 已有会话无绑定：剔除全部独占账号。
//   - 留下的独占候选若开启消息摘要，走摘要预校验（命中请求内缓存），
//     校验不过的剔除。
//
// 不可调度账号（status != active）一律剔除。
func (s *SessionSchedulerService) FilterAccountsBySession(ctx context.Context, sctx *SessionContext, accounts []*Account) ([]*Account, error) {
	eligible := make([]*Account, 0, len(accounts))
	for _, account := range accounts {
		if !account.IsSchedulable() {
			continue
		}
		if sctx.IsNewSession {
			eligible = append(eligible, account)
			continue
		}
		if account.ExclusiveSessionOnly {
			if sctx.StickyAccountID == "" || sctx.StickyAccountID != account.ID {
				continue
			}
			if account.EnableMessageDigest {
				if _, err := s.digest.Validate(ctx, sctx, account, false); err != nil {
					if infraerrors.IsServiceUnavailable(err) {
						return nil, err
					}
					s.log.Debug("exclusive candidate dropped by digest",
						zap.String("account_id", account.ID),
						zap.String("session_id", sctx.SessionID),
						zap.Error(err))
					continue
				}
			}
		}
		eligible = append(eligible, account)
	}
	return eligible, nil
}

// AcquireForRequest 编排一次请求入场，顺序固定：
//
//	API Key 槽位 → 选账号并取账号槽位 → 会话配额 → 摘要校验 → 绑定登记
//
// 第 1 步之后任何失败都按 LIFO 释放已持有资源后上抛。
// 摘要校验自身不碰槽位，失败时由这里走正常释放路径。
func (s *SessionSchedulerService) AcquireForRequest(ctx context.Context, req *AdmissionRequest) (*RequestAdmission, error) {
	sctx, err := s.BuildSessionContext(ctx, req.APIKeyID, req.Body)
	if err != nil {
		return nil, err
	}

	apiSlot, err := s.concurrency.Acquire(ctx, req.APIKeyID, req.APIKeyConcurrency, req.Signal)
	if err != nil {
		return nil, err
	}

	admission, err := s.admitOnAccount(ctx, sctx, req)
	if err != nil {
		apiSlot.Release()
		return nil, err
	}
	admission.APIKeySlot = apiSlot
	return admission, nil
}

// admitOnAccount 完成账号侧的入场（槽位 + 配额 + 摘要 + 绑定）。
// 返回的 admission 尚未持有 API Key 槽位。
func (s *SessionSchedulerService) admitOnAccount(ctx context.Context, sctx *SessionContext, req *AdmissionRequest) (*RequestAdmission, error) {
	candidates, err := s.FilterAccountsBySession(ctx, sctx, req.Accounts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if !sctx.IsNewSession && onlyExclusive(req.Accounts) {
			return nil, infraerrors.Conflict("SESSION_NOT_NEW", "exclusive accounts cannot adopt an existing session")
		}
		return nil, infraerrors.ServiceUnavailable("NO_AVAILABLE_ACCOUNTS", "no account is eligible for this session")
	}
	candidates = preferSticky(candidates, sctx.StickyAccountID)

	var lastErr error
	for _, account := range candidates {
		admission, err := s.tryAccount(ctx, sctx, req, account)
		if err == nil {
			return admission, nil
		}
		lastErr = err
		// 容量类失败换下一个候选；其余失败立即上抛。
		if !isCapacityRefusal(err) {
			return nil, err
		}
		s.log.Debug("candidate account refused, trying next",
			zap.String("account_id", account.ID),
			zap.String("session_id", sctx.SessionID),
			zap.Error(err))
	}
	return nil, lastErr
}

func (s *SessionSchedulerService) tryAccount(ctx context.Context, sctx *SessionContext, req *AdmissionRequest, account *Account) (*RequestAdmission, error) {
	slot, err := s.concurrency.Acquire(ctx, account.ID, account.Concurrency, req.Signal)
	if err != nil {
		return nil, err
	}

	decision, err := s.quota.Admit(ctx, account.ID, sctx.SessionHash, account.SessionQuota)
	if err != nil {
		slot.Release()
		return nil, err
	}

	if _, err := s.digest.Validate(ctx, sctx, account, sctx.IsNewSession); err != nil {
		slot.Release()
		return nil, err
	}

	s.registerOrRenewBinding(ctx, sctx, account)

	return &RequestAdmission{
		Session:     sctx,
		Account:     account,
		Quota:       decision,
		AccountSlot: slot,
	}, nil
}

// registerOrRenewBinding 选定账号后登记粘性绑定；已有同账号绑定且
// 剩余 TTL 低于续期阈值时顺延。绑定只是亲和提示，写失败降级为
// 下次重新调度，不影响本次入场。
func (s *SessionSchedulerService) registerOrRenewBinding(ctx context.Context, sctx *SessionContext, account *Account) {
	if sctx.SessionHash == "" {
		return
	}
	ttl := s.cfg.StickySessionTTL()

	if sctx.StickyAccountID == account.ID {
		remaining, err := s.sticky.GetSessionTTL(ctx, sctx.SessionHash)
		if err != nil {
			s.log.Warn("sticky ttl probe failed",
				zap.String("session_hash", sctx.SessionHash), zap.Error(err))
			return
		}
		if remaining > 0 && remaining < s.cfg.StickyRenewalThreshold() {
			if err := s.sticky.RefreshSessionTTL(ctx, sctx.SessionHash, ttl); err != nil {
				s.log.Warn("sticky ttl refresh failed",
					zap.String("session_hash", sctx.SessionHash), zap.Error(err))
			}
		}
		return
	}

	if err := s.sticky.SetSessionAccountID(ctx, sctx.SessionHash, account.ID, ttl); err != nil {
		s.log.Warn("sticky binding write failed",
			zap.String("session_hash", sctx.SessionHash),
			zap.String("account_id", account.ID),
			zap.Error(err))
	}
}

// UnbindSession 删除粘性绑定（账号被摘除时由目录侧调用）。
func (s *SessionSchedulerService) UnbindSession(ctx context.Context, sessionHash string) error {
	if sessionHash == "" {
		return nil
	}
	if err := s.sticky.DeleteSessionAccountID(ctx, sessionHash); err != nil {
		return backendUnavailable("delete sticky binding", err)
	}
	return nil
}

// preferSticky 把粘性账号挪到队首，其余保持调用方给定的顺序。
func preferSticky(accounts []*Account, stickyID string) []*Account {
	if stickyID == "" {
		return accounts
	}
	for i, account := range accounts {
		if account.ID == stickyID {
			if i == 0 {
				return accounts
			}
			ordered := make([]*Account, 0, len(accounts))
			ordered = append(ordered, account)
			ordered = append(ordered, accounts[:i]...)
			ordered = append(ordered, accounts[i+1:]...)
			return ordered
		}
	}
	return accounts
}

func onlyExclusive(accounts []*Account) bool {
	seen := false
	for _, account := range accounts {
		if !account.IsSchedulable() {
			continue
		}
		if !account.ExclusiveSessionOnly {
			return false
		}
		seen = true
	}
	return seen
}

// isCapacityRefusal 队列满 / 排队超时 / 会话配额满属于容量类失败，
// 调度器可以换下一个候选账号重试。
func isCapacityRefusal(err error) bool {
	switch {
	case infraerrors.IsReason(err, "QUEUE_FULL"),
		infraerrors.IsReason(err, "SESSION_LIMIT_EXCEEDED"):
		return true
	case infraerrors.IsGatewayTimeout(err):
		return infraerrors.IsReason(err, "TIMEOUT")
	}
	return false
}
