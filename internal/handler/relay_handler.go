package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
	"github.com/Wei-Shaw/relaycore/internal/service"
)

// RelayHandler 入场控制的 HTTP 面。
//
// 账号目录在外部系统，候选账号由调用方（上层网关）随请求投递，
// 这里只做入场判定与资源编排；上游转发不在本服务内。
type RelayHandler struct {
	helper      *RelayHelper
	concurrency *service.ConcurrencyService
}

func NewRelayHandler(helper *RelayHelper, concurrency *service.ConcurrencyService) *RelayHandler {
	return &RelayHandler{helper: helper, concurrency: concurrency}
}

// admitRequest POST /v1/admission 的请求载荷。
// Body 是原样透传的聊天补全请求体（指纹与摘要都算在它上面）。
type admitRequest struct {
	APIKeyID          string             `json:"apiKeyId" binding:"required"`
	APIKeyConcurrency json.RawMessage    `json:"apiKeyConcurrency"`
	Accounts          []*service.Account `json:"accounts" binding:"required"`
	Stream            bool               `json:"stream"`
	Body              json.RawMessage    `json:"body" binding:"required"`
}

type admitResponse struct {
	SessionID    string `json:"sessionId"`
	SessionHash  string `json:"sessionHash"`
	IsNewSession bool   `json:"isNewSession"`
	AccountID    string `json:"accountId"`
	QuotaSkipped bool   `json:"quotaSkipped"`
	QuotaCurrent int    `json:"quotaCurrent,omitempty"`
	QuotaMax     int    `json:"quotaMax,omitempty"`
}

// Admit 执行一次完整入场：API Key 槽位 → 账号选择与槽位 → 配额 → 摘要。
// 持有的资源在响应写完（或客户端断开）后统一释放。
// POST /v1/admission
func (h *RelayHandler) Admit(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.helper.ErrorResponse(c, false, infraerrors.BadRequest("INVALID_REQUEST", "failed to read request body"))
		return
	}
	var req admitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.helper.ErrorResponse(c, false, infraerrors.BadRequest("INVALID_REQUEST", "invalid admission payload"))
		return
	}
	if req.APIKeyID == "" || len(req.Body) == 0 {
		h.helper.ErrorResponse(c, false, infraerrors.BadRequest("INVALID_REQUEST", "apiKeyId and body are required"))
		return
	}

	signal, stop := h.helper.BindRequestSignal(c)
	defer stop()

	streamStarted := false
	admission, err := h.helper.AcquireWithPing(c, &service.AdmissionRequest{
		APIKeyID:          req.APIKeyID,
		APIKeyConcurrency: rawConfig(req.APIKeyConcurrency),
		Accounts:          req.Accounts,
		Body:              req.Body,
		Signal:            signal,
	}, req.Stream, &streamStarted)
	if err != nil {
		h.helper.ErrorResponse(c, streamStarted, err)
		return
	}
	// 上游调用由上层网关执行；这里的入场判定返回后即释放资源，
	// 槽位的真实生命周期由网关侧通过信号事件驱动。
	defer signal.Fire(service.SignalResponseFinish)
	defer admission.Release()

	resp := admitResponse{
		SessionID:    admission.Session.SessionID,
		SessionHash:  admission.Session.SessionHash,
		IsNewSession: admission.Session.IsNewSession,
		AccountID:    admission.Account.ID,
		QuotaSkipped: admission.Quota.Skipped,
		QuotaCurrent: admission.Quota.Current,
		QuotaMax:     admission.Quota.Max,
	}
	if streamStarted {
		c.SSEvent("admission", resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Load 读取某个资源的当前负载。
// GET /v1/concurrency/:resourceId/load
func (h *RelayHandler) Load(c *gin.Context) {
	resourceID := c.Param("resourceId")
	running, waiting, err := h.concurrency.GetResourceLoad(c.Request.Context(), resourceID)
	if err != nil {
		h.helper.ErrorResponse(c, false, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resourceId": resourceID,
		"running":    running,
		"waiting":    waiting,
	})
}

func rawConfig(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
