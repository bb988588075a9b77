// Package config 加载并持有进程配置。
// 优先级：环境变量（RELAYCORE_ 前缀） > config.yaml > 内置默认值。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Defaults    DefaultsConfig    `mapstructure:"defaults"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Session     SessionConfig     `mapstructure:"session"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin mode: debug / release / test
}

type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	PoolSize    int    `mapstructure:"pool_size"`
	DialTimeout int    `mapstructure:"dial_timeout"` // seconds
	MaxRetries  int    `mapstructure:"max_retries"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DefaultsConfig struct {
	Concurrency DefaultsConcurrencyConfig `mapstructure:"concurrency"`
}

type DefaultsConcurrencyConfig struct {
	// ExecutionTimeout 是账号/API Key 未显式配置执行超时时的兜底值（秒）。
	ExecutionTimeout int `mapstructure:"execution_timeout"`
}

type ConcurrencyConfig struct {
	LimiterCacheTTLMs       int64 `mapstructure:"limiter_cache_ttl"`
	LimiterCacheMaxEntries  int   `mapstructure:"limiter_cache_max_entries"`
	QueueIdleTTLSeconds     int   `mapstructure:"queue_idle_ttl"`
	SessionConfigCacheTTLMs int64 `mapstructure:"session_config_cache_ttl"`
}

type SessionConfig struct {
	StickyTTLHours          int `mapstructure:"sticky_ttl_hours"`
	RenewalThresholdMinutes int `mapstructure:"renewal_threshold_minutes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.dial_timeout", 5)
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("log.level", "info")

	v.SetDefault("defaults.concurrency.execution_timeout", 300)

	v.SetDefault("concurrency.limiter_cache_ttl", 1_800_000)
	v.SetDefault("concurrency.limiter_cache_max_entries", 10_000)
	v.SetDefault("concurrency.queue_idle_ttl", 600)
	v.SetDefault("concurrency.session_config_cache_ttl", 60_000)

	v.SetDefault("session.sticky_ttl_hours", 168)
	v.SetDefault("session.renewal_threshold_minutes", 60)
}

// Load 读取配置文件（可选）并套用环境变量覆盖。
// path 为空时按惯例查找 ./config.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// 没有配置文件是合法的部署形态，全部走默认值 + 环境变量。
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the built-in defaults only.
// Tests use it to avoid touching the filesystem.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func (c *Config) DefaultExecutionTimeout() time.Duration {
	if c == nil || c.Defaults.Concurrency.ExecutionTimeout <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Defaults.Concurrency.ExecutionTimeout) * time.Second
}

func (c *Config) LimiterCacheTTL() time.Duration {
	if c == nil || c.Concurrency.LimiterCacheTTLMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Concurrency.LimiterCacheTTLMs) * time.Millisecond
}

func (c *Config) LimiterCacheMaxEntries() int {
	if c == nil || c.Concurrency.LimiterCacheMaxEntries <= 0 {
		return 10_000
	}
	return c.Concurrency.LimiterCacheMaxEntries
}

func (c *Config) QueueIdleTTL() time.Duration {
	if c == nil || c.Concurrency.QueueIdleTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Concurrency.QueueIdleTTLSeconds) * time.Second
}

func (c *Config) SessionConfigCacheTTL() time.Duration {
	if c == nil || c.Concurrency.SessionConfigCacheTTLMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.Concurrency.SessionConfigCacheTTLMs) * time.Millisecond
}

func (c *Config) StickySessionTTL() time.Duration {
	if c == nil || c.Session.StickyTTLHours <= 0 {
		return 168 * time.Hour
	}
	return time.Duration(c.Session.StickyTTLHours) * time.Hour
}

func (c *Config) StickyRenewalThreshold() time.Duration {
	if c == nil || c.Session.RenewalThresholdMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Session.RenewalThresholdMinutes) * time.Minute
}
