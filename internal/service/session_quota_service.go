package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
	"github.com/Wei-Shaw/relaycore/internal/pkg/logger"
)

// QuotaDecision 一次配额判定。
type QuotaDecision struct {
	Outcome SessionAdmitOutcome
	// Skipped 配额未启用或指纹为空，未做任何判定。
	Skipped bool
	// Current 窗口内活跃会话数（判定后）。
	Current int
	// Max / WindowSeconds 回显生效配置。
	Max           int
	WindowSeconds int
}

// SessionQuotaService 账号级滑动窗口唯一会话配额。
//
// 判定必须原子：早期实现先 ZCARD 再 ZADD 两步走，
// 两个并发请求都能观察到 n < max 并各自插入，导致超卖。
// 现在整个判定收敛为一个服务端脚本，由存储串行化。
type SessionQuotaService struct {
	cache SessionQuotaCache
	log   *zap.Logger
}

func NewSessionQuotaService(cache SessionQuotaCache) *SessionQuotaService {
	return &SessionQuotaService{
		cache: cache,
		log:   logger.Named("service.session_quota"),
	}
}

// Admit 尝试把 fingerprint 计入 accountID 的活跃会话窗口。
//
//   - 配额未启用或指纹为空 → Skipped
//   - 指纹已在窗口内 → existing，刷新活跃时间
//   - 窗口未满 → added
//   - 窗口已满 → SESSION_LIMIT_EXCEEDED（携带统计）
//
// 存储失败直接上抛 BACKEND_UNAVAILABLE：配额不做 fail-open，由调用方决策。
func (s *SessionQuotaService) Admit(ctx context.Context, accountID, fingerprint string, cfg SessionQuotaConfig) (QuotaDecision, error) {
	accountID = normalizeAccountID(accountID)
	if accountID == "" {
		return QuotaDecision{}, infraerrors.BadRequest("INVALID_ACCOUNT_ID", "account id must not be empty")
	}
	if !cfg.Enabled || strings.TrimSpace(fingerprint) == "" {
		return QuotaDecision{Skipped: true}, nil
	}

	normalized := cfg.normalized()
	result, err := s.cache.AdmitSession(ctx, accountID, fingerprint, normalized.MaxSessions, normalized.WindowSeconds, time.Now().UnixMilli())
	if err != nil {
		return QuotaDecision{}, backendUnavailable("admit session", err)
	}

	decision := QuotaDecision{
		Outcome:       result.Outcome,
		Current:       result.Count,
		Max:           normalized.MaxSessions,
		WindowSeconds: normalized.WindowSeconds,
	}
	if result.Outcome == SessionAdmitRejected {
		s.log.Debug("session quota exceeded",
			zap.String("account_id", accountID),
			zap.Int("current", result.Count),
			zap.Int("max", normalized.MaxSessions))
		return decision, infraerrors.TooManyRequests("SESSION_LIMIT_EXCEEDED", "too many active sessions in window").WithMetadata(map[string]string{
			"current": strconv.Itoa(result.Count),
			"max":     strconv.Itoa(normalized.MaxSessions),
			"window":  strconv.Itoa(normalized.WindowSeconds),
		})
	}
	return decision, nil
}
