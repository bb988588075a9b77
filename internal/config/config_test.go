package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 300*time.Second, cfg.DefaultExecutionTimeout())
	assert.Equal(t, 30*time.Minute, cfg.LimiterCacheTTL())
	assert.Equal(t, 10_000, cfg.LimiterCacheMaxEntries())
	assert.Equal(t, 10*time.Minute, cfg.QueueIdleTTL())
	assert.Equal(t, time.Minute, cfg.SessionConfigCacheTTL())
	assert.Equal(t, 168*time.Hour, cfg.StickySessionTTL())
	assert.Equal(t, time.Hour, cfg.StickyRenewalThreshold())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
session:
  sticky_ttl_hours: 24
  renewal_threshold_minutes: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 24*time.Hour, cfg.StickySessionTTL())
	assert.Equal(t, 10*time.Minute, cfg.StickyRenewalThreshold())
	// 未覆盖的键保持默认。
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

// nil receiver 的访问器返回内置默认，调用方不需要判空。
func TestAccessors_NilReceiver(t *testing.T) {
	var cfg *Config
	assert.Equal(t, 300*time.Second, cfg.DefaultExecutionTimeout())
	assert.Equal(t, 168*time.Hour, cfg.StickySessionTTL())
	assert.Equal(t, time.Hour, cfg.StickyRenewalThreshold())
}
