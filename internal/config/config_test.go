package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Planner.MaxRetries)
	assert.Equal(t, 60, cfg.Planner.StageDurations["vegetative_care"])
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Feishu.Enabled())
	assert.Equal(t, 6*time.Hour, cfg.Feishu.AlertCooldown)
}

func TestLoadReadsYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0755))
	yaml := `
database:
  driver: sqlite
  sqlite_path: test.db
planner:
  max_retries: 3
  stage_durations:
    vegetative_care: 45
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(yaml), 0644))
	t.Chdir(dir)
	t.Setenv("SERVER_PORT", "9191")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "test.db", cfg.Database.SQLitePath)
	assert.Equal(t, 3, cfg.Planner.MaxRetries)
	assert.Equal(t, 45, cfg.Planner.StageDurations["vegetative_care"])
	// 未配置的阶段使用默认值
	assert.Equal(t, 90, cfg.Planner.StageDurations["fruit_development"])
	assert.Equal(t, 20*time.Millisecond, cfg.Planner.RetryBackoff)
}
