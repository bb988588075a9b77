package service

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	infraerrors "github.com/Wei-Shaw/relaycore/internal/pkg/errors"
)

// LimiterConfig 运营侧可编辑的资源限流配置。
// 数据库/配置面板里既可能是结构化对象，也可能是 JSON 字符串，
// 字段缺失或越界的值在 normalize 阶段统一收口。
type LimiterConfig struct {
	Enabled          bool     `json:"enabled"`
	MaxConcurrency   int      `json:"maxConcurrency"`
	QueueSize        int      `json:"queueSize"`
	QueueWaitSeconds int      `json:"queueWaitSeconds"`
	ExecutionSeconds int      `json:"executionSeconds"`
	TargetServices   []string `json:"targetServices"`
}

// LimiterSettings 归一化之后的不可变配置，注册表内以指针原子替换。
type LimiterSettings struct {
	Enabled          bool
	MaxConcurrency   int
	QueueSize        int
	QueueWaitSeconds int
	// ExecutionSeconds 0 表示不限制执行时长。
	ExecutionSeconds int
	TargetServices   []string // 已过滤 + 排序，保证 equal 可按序比较
}

func (s *LimiterSettings) QueueWait() time.Duration {
	return time.Duration(s.QueueWaitSeconds) * time.Second
}

func (s *LimiterSettings) ExecutionTimeout() time.Duration {
	if s.ExecutionSeconds <= 0 {
		return 0
	}
	return time.Duration(s.ExecutionSeconds) * time.Second
}

func (s *LimiterSettings) equal(other *LimiterSettings) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Enabled != other.Enabled ||
		s.MaxConcurrency != other.MaxConcurrency ||
		s.QueueSize != other.QueueSize ||
		s.QueueWaitSeconds != other.QueueWaitSeconds ||
		s.ExecutionSeconds != other.ExecutionSeconds ||
		len(s.TargetServices) != len(other.TargetServices) {
		return false
	}
	for i := range s.TargetServices {
		if s.TargetServices[i] != other.TargetServices[i] {
			return false
		}
	}
	return true
}

// SettingsDefaults 安装级默认值，来自 config。
type SettingsDefaults struct {
	ExecutionSeconds int
}

// NormalizeLimiterConfig 接受 LimiterConfig、*LimiterConfig 或 JSON 字符串，
// 输出钳位后的 LimiterSettings：
//
//	maxConcurrency   ← max(1, floor(x))
//	queueSize        ← max(0, floor(x))    // 0 = 不排队，溢出立即拒绝
//	queueWaitSeconds ← max(1, floor(x))
//	executionSeconds ← x>0 ? floor(x) : 0（禁用）
//	targetServices   ← 仅保留 {claude, gemini, openai, droid}
func NormalizeLimiterConfig(raw any, defaults SettingsDefaults) (*LimiterSettings, error) {
	cfg, err := coerceLimiterConfig(raw)
	if err != nil {
		return nil, err
	}

	settings := &LimiterSettings{
		Enabled:          cfg.Enabled,
		MaxConcurrency:   clampMin(cfg.MaxConcurrency, 1),
		QueueSize:        clampMin(cfg.QueueSize, 0),
		QueueWaitSeconds: clampMin(cfg.QueueWaitSeconds, 1),
	}
	if cfg.ExecutionSeconds > 0 {
		settings.ExecutionSeconds = cfg.ExecutionSeconds
	} else if cfg.ExecutionSeconds == 0 && defaults.ExecutionSeconds > 0 {
		// 字段缺省（零值）回退安装默认；负值（含 JSON 显式 0）视为禁用。
		settings.ExecutionSeconds = defaults.ExecutionSeconds
	}

	seen := make(map[string]struct{}, len(cfg.TargetServices))
	for _, svc := range cfg.TargetServices {
		name := strings.ToLower(strings.TrimSpace(svc))
		if _, ok := recognizedPlatforms[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		settings.TargetServices = append(settings.TargetServices, name)
	}
	sort.Strings(settings.TargetServices)
	return settings, nil
}

func coerceLimiterConfig(raw any) (LimiterConfig, error) {
	switch v := raw.(type) {
	case nil:
		return LimiterConfig{}, nil
	case LimiterConfig:
		return v, nil
	case *LimiterConfig:
		if v == nil {
			return LimiterConfig{}, nil
		}
		return *v, nil
	case string:
		return parseLimiterConfigJSON(v)
	case []byte:
		return parseLimiterConfigJSON(string(v))
	default:
		return LimiterConfig{}, infraerrors.BadRequest("INVALID_CONFIG",
			fmt.Sprintf("unsupported concurrency config type %T", raw))
	}
}

// parseLimiterConfigJSON 用 gjson 逐字段提取：未知字段忽略，
// 数值字段接受浮点并向下取整，类型完全不符时报 INVALID_CONFIG。
func parseLimiterConfigJSON(raw string) (LimiterConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LimiterConfig{}, nil
	}
	if !gjson.Valid(trimmed) {
		return LimiterConfig{}, infraerrors.BadRequest("INVALID_CONFIG", "concurrency config is not valid JSON")
	}
	parsed := gjson.Parse(trimmed)
	if !parsed.IsObject() {
		return LimiterConfig{}, infraerrors.BadRequest("INVALID_CONFIG", "concurrency config must be a JSON object")
	}

	cfg := LimiterConfig{}
	cfg.Enabled = parsed.Get("enabled").Bool()
	cfg.MaxConcurrency = floorInt(parsed.Get("maxConcurrency"))
	cfg.QueueSize = floorInt(parsed.Get("queueSize"))
	cfg.QueueWaitSeconds = floorInt(parsed.Get("queueWaitSeconds"))
	if exec := parsed.Get("executionSeconds"); exec.Exists() {
		cfg.ExecutionSeconds = int(math.Floor(exec.Float()))
		// 显式 0 与字段缺省不同：0 是运营侧主动禁用执行超时，
		// 归一为负值走禁用分支，不回退安装默认。
		if cfg.ExecutionSeconds == 0 {
			cfg.ExecutionSeconds = -1
		}
	}
	parsed.Get("targetServices").ForEach(func(_, value gjson.Result) bool {
		cfg.TargetServices = append(cfg.TargetServices, value.String())
		return true
	})
	return cfg, nil
}

func floorInt(value gjson.Result) int {
	if !value.Exists() {
		return 0
	}
	return int(math.Floor(value.Float()))
}

func clampMin(value, minimum int) int {
	if value < minimum {
		return minimum
	}
	return value
}

// MarshalJSON 让 LimiterSettings 可以直接落日志。
func (s *LimiterSettings) MarshalJSON() ([]byte, error) {
	type view struct {
		Enabled          bool     `json:"enabled"`
		MaxConcurrency   int      `json:"maxConcurrency"`
		QueueSize        int      `json:"queueSize"`
		QueueWaitSeconds int      `json:"queueWaitSeconds"`
		ExecutionSeconds int      `json:"executionSeconds"`
		TargetServices   []string `json:"targetServices,omitempty"`
	}
	return json.Marshal(view{
		Enabled:          s.Enabled,
		MaxConcurrency:   s.MaxConcurrency,
		QueueSize:        s.QueueSize,
		QueueWaitSeconds: s.QueueWaitSeconds,
		ExecutionSeconds: s.ExecutionSeconds,
		TargetServices:   s.TargetServices,
	})
}
