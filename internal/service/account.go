package service

import (
	"strings"
	"time"
)

// Platform 上游平台标识，同时也是限流配置 targetServices 的取值域。
const (
	PlatformClaude = "claude"
	PlatformGemini = "gemini"
	PlatformOpenAI = "openai"
	PlatformDroid  = "droid"
)

// recognizedPlatforms targetServices 白名单，未知取值在归一化阶段被丢弃。
var recognizedPlatforms = map[string]struct{}{
	PlatformClaude: {},
	PlatformGemini: {},
	PlatformOpenAI: {},
	PlatformDroid:  {},
}

// AccountStatus 来自外部账号目录，核心只消费不维护。
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled"
	AccountStatusError    AccountStatus = "error"
)

// Account 是账号目录投影到调度核心的只读视图。
// 持久化、OAuth、额度计费都在外部，这里只保留调度与会话亲和需要的字段。
type Account struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Platform string        `json:"platform"`
	Status   AccountStatus `json:"status"`

	// ExclusiveSessionOnly 账号只服务自己已持有的会话或全新会话。
	ExclusiveSessionOnly bool `json:"exclusiveSessionOnly"`

	// SessionRetentionSeconds 会话摘要 / 独占摘要记录的 TTL（秒）。
	SessionRetentionSeconds int `json:"sessionRetentionSeconds"`

	// EnableMessageDigest 是否对该账号的会话执行消息摘要校验。
	EnableMessageDigest bool `json:"enableMessageDigest"`

	// Concurrency 账号级并发槽位配置。
	Concurrency LimiterConfig `json:"concurrency"`

	// SessionQuota 账号级滑动窗口会话配额配置。
	SessionQuota SessionQuotaConfig `json:"sessionQuota"`
}

func (a *Account) IsSchedulable() bool {
	return a != nil && a.Status == AccountStatusActive
}

func (a *Account) IsClaude() bool {
	return a != nil && strings.EqualFold(a.Platform, PlatformClaude)
}

// SessionRetention 返回摘要记录 TTL，未配置时兜底 7 天。
func (a *Account) SessionRetention() time.Duration {
	if a == nil || a.SessionRetentionSeconds <= 0 {
		return 168 * time.Hour
	}
	return time.Duration(a.SessionRetentionSeconds) * time.Second
}

// SessionQuotaConfig 滑动窗口唯一会话配额配置。
type SessionQuotaConfig struct {
	Enabled       bool `json:"enabled"`
	MaxSessions   int  `json:"maxSessions"`
	WindowSeconds int  `json:"windowSeconds"`
}

// normalized 套用下限：maxSessions ≥ 1，windowSeconds ≥ 60。
func (c SessionQuotaConfig) normalized() SessionQuotaConfig {
	out := c
	if out.MaxSessions < 1 {
		out.MaxSessions = 1
	}
	if out.WindowSeconds < 60 {
		out.WindowSeconds = 60
	}
	return out
}
