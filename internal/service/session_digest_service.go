package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/relaycore/internal/pkg/logger"
)

// SessionDigestService 会话摘要的校验与持久化。
//
// 校验结果写入 SessionContext.DigestResults：调度器在一次请求里
// 评估多个候选账号时，同一账号只校验一次。
//
// 读写之间没有原子性 —— 合法转移是单调的，且独占账号的会话
// 由账号级并发槽位保证同一 sessionID 同时只有一个在途请求。
type SessionDigestService struct {
	cache SessionDigestCache
	log   *zap.Logger
}

func NewSessionDigestService(cache SessionDigestCache) *SessionDigestService {
	return &SessionDigestService{
		cache: cache,
		log:   logger.Named("service.session_digest"),
	}
}

// Validate 校验账号视角下本次请求的消息历史，并在接受时落库。
//
// allowCreate 为 false 时 create 转移不写任何记录（只读探测）；
// 独占账号首次服务某会话时由调度器以 allowCreate=true 初始化。
// refresh 同样重写记录并重置 TTL：能 refresh 说明会话还活着，
// 放任记录过期会让下一次合法 append 被误判为 create。
func (s *SessionDigestService) Validate(ctx context.Context, sctx *SessionContext, account *Account, allowCreate bool) (*DigestValidationResult, error) {
	if account == nil || !account.EnableMessageDigest {
		return nil, nil
	}
	if sctx == nil || sctx.Body == nil || sctx.SessionID == "" {
		return nil, nil
	}

	if cached, ok := sctx.DigestResults[account.ID]; ok {
		return cached, cached.Err
	}

	newDigest := BuildMessageDigest(sctx.Body.Messages)
	oldDigest, err := s.cache.GetSessionDigest(ctx, sctx.SessionID)
	if err != nil {
		// 存储不可达不缓存：下一个候选账号可能命中恢复后的存储。
		return nil, backendUnavailable("get session digest", err)
	}

	transition, classifyErr := classifyDigestTransition(oldDigest, newDigest)
	result := &DigestValidationResult{
		Transition: transition,
		Digest:     newDigest,
		Err:        classifyErr,
	}
	if sctx.DigestResults == nil {
		sctx.DigestResults = make(map[string]*DigestValidationResult)
	}
	sctx.DigestResults[account.ID] = result

	if classifyErr != nil {
		s.log.Debug("digest transition rejected",
			zap.String("session_id", sctx.SessionID),
			zap.String("account_id", account.ID),
			zap.Int("old_units", transition.OldUnits),
			zap.Int("new_units", transition.NewUnits),
			zap.Int("common_units", transition.CommonUnits))
		return result, classifyErr
	}

	if transition.Action == DigestActionCreate && !allowCreate {
		return result, nil
	}

	if err := s.persist(ctx, sctx, account, newDigest); err != nil {
		return nil, err
	}
	return result, nil
}

// persist 先写权威的 per-session 记录，成功后再补写独占账号记录。
// 独占记录只服务归属检查，允许落后，写失败只记日志。
func (s *SessionDigestService) persist(ctx context.Context, sctx *SessionContext, account *Account, digest string) error {
	retention := account.SessionRetention()
	if err := s.cache.SetSessionDigest(ctx, sctx.SessionID, digest, retention); err != nil {
		return backendUnavailable("set session digest", err)
	}
	if account.ExclusiveSessionOnly && sctx.SessionHash != "" {
		if err := s.cache.SetExclusiveSessionDigest(ctx, account.ID, sctx.SessionHash, digest, retention); err != nil {
			s.log.Warn("exclusive digest write failed",
				zap.String("account_id", account.ID),
				zap.String("session_hash", sctx.SessionHash),
				zap.Error(err))
		}
	}
	return nil
}

// HasRecord 会话是否已有摘要记录（isNewSession 判定的输入之一）。
func (s *SessionDigestService) HasRecord(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	digest, err := s.cache.GetSessionDigest(ctx, sessionID)
	if err != nil {
		return false, backendUnavailable("get session digest", err)
	}
	return digest != "", nil
}

// OwnsSession 独占账号是否持有该会话的摘要记录。
func (s *SessionDigestService) OwnsSession(ctx context.Context, accountID, sessionHash string) (bool, error) {
	if accountID == "" || sessionHash == "" {
		return false, nil
	}
	digest, err := s.cache.GetExclusiveSessionDigest(ctx, accountID, sessionHash)
	if err != nil {
		return false, backendUnavailable("get exclusive session digest", err)
	}
	return digest != "", nil
}
