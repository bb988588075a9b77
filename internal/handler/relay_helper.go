package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
	"github.com/Wei-Shaw/relaycore/internal/service"
)

// SSEPingFormat defines the format of SSE ping events for different platforms
type SSEPingFormat string

const (
	// SSEPingFormatClaude is the Claude/Anthropic SSE ping format
	SSEPingFormatClaude SSEPingFormat = "data: {\"type\": \"ping\"}\n\n"
	// SSEPingFormatNone indicates no ping should be sent (e.g., OpenAI has no ping spec)
	SSEPingFormatNone SSEPingFormat = ""
	// SSEPingFormatComment is an SSE comment ping for OpenAI/Codex CLI clients
	SSEPingFormatComment SSEPingFormat = ":\n\n"
)

// defaultPingInterval 流式请求排队等待时发送 ping 的间隔
const defaultPingInterval = 10 * time.Second

// RelayHelper 入场编排的 HTTP 侧胶水：
//   - 把 gin 请求生命周期桥接成 RequestSignal
//   - 排队等待期间对流式请求发送 SSE ping，防止客户端空闲超时断开
//   - 把编排错误翻译成 HTTP 响应
type RelayHelper struct {
	scheduler    *service.SessionSchedulerService
	pingFormat   SSEPingFormat
	pingInterval time.Duration
}

func NewRelayHelper(scheduler *service.SessionSchedulerService) *RelayHelper {
	return &RelayHelper{
		scheduler:    scheduler,
		pingFormat:   SSEPingFormatClaude,
		pingInterval: defaultPingInterval,
	}
}

// BindRequestSignal 把请求 context 的取消接到信号上。
// 返回的 stop 必须在请求正常走完后调用，结束监听 goroutine。
func (h *RelayHelper) BindRequestSignal(c *gin.Context) (*service.RequestSignal, func()) {
	signal := service.NewRequestSignal()
	stop := signal.BindContext(c.Request.Context())
	return signal, stop
}

// AcquireWithPing 执行入场编排；排队期间对流式请求周期性发 ping。
// streamStarted 标记响应头是否已按 SSE 写出，错误渲染路径据此分流。
func (h *RelayHelper) AcquireWithPing(c *gin.Context, req *service.AdmissionRequest, isStream bool, streamStarted *bool) (*service.RequestAdmission, error) {
	type acquireResult struct {
		admission *service.RequestAdmission
		err       error
	}
	resultCh := make(chan acquireResult, 1)
	go func() {
		admission, err := h.scheduler.AcquireForRequest(c.Request.Context(), req)
		resultCh <- acquireResult{admission, err}
	}()

	var pingCh <-chan time.Time
	if isStream && h.pingFormat != SSEPingFormatNone {
		if _, ok := c.Writer.(http.Flusher); ok {
			ticker := time.NewTicker(h.pingInterval)
			defer ticker.Stop()
			pingCh = ticker.C
		}
	}

	for {
		select {
		case result := <-resultCh:
			return result.admission, result.err
		case <-pingCh:
			h.writePing(c, streamStarted)
		}
	}
}

// writePing 首次 ping 前补齐 SSE 响应头。
func (h *RelayHelper) writePing(c *gin.Context, streamStarted *bool) {
	if !*streamStarted {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)
		*streamStarted = true
	}
	_, _ = c.Writer.WriteString(string(h.pingFormat))
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

// ErrorResponse 渲染编排错误。SSE 流已开启时以错误事件收尾，否则 JSON。
func (h *RelayHelper) ErrorResponse(c *gin.Context, streamStarted bool, err error) {
	statusCode, body := infraerrors.ToHTTP(err)
	if statusCode == http.StatusTooManyRequests && !streamStarted {
		c.Header("Retry-After", retryAfterHint(body.Metadata))
	}
	if streamStarted {
		c.SSEvent("error", body)
		if flusher, ok := c.Writer.(http.Flusher); ok {
			flusher.Flush()
		}
		return
	}
	c.JSON(statusCode, gin.H{"error": body})
}

// retryAfterHint 429 的重试提示：配额拒绝用窗口长度，队列满用固定短值。
func retryAfterHint(metadata map[string]string) string {
	if window, ok := metadata["window"]; ok && window != "" {
		return window
	}
	return "1"
}
