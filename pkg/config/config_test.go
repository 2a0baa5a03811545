package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	w := cfg.TaskWatchdog
	assert.Equal(t, 65*time.Minute, w.Watchdog.Delay)
	assert.Equal(t, 3, cfg.GetMaxRetries())
	assert.Equal(t, 15*time.Minute, w.Execution.InvokerTimeBudget)
	assert.Equal(t, 5, w.Execution.MaxConcurrentInvocations)
	assert.Equal(t, 20*time.Minute, w.Queue.VisibilityTimeout)
	assert.Equal(t, 3, w.Queue.MaxReceiveCount)
	assert.Equal(t, 5*time.Minute, w.Queue.DedupWindow)
	assert.Equal(t, time.Duration(0), w.Watchdog.WorkflowTTL)
	assert.Equal(t, "sqlite", cfg.GetDatabaseType())
}

func TestLoadEngineConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
task-watchdog:
  general:
    instance_name: "wd-test"
    log_level: "debug"
  storage:
    database:
      type: "sqlite"
      dsn: "test.db"
  execution:
    invoker_time_budget: 10m
    max_concurrent_invocations: 2
  watchdog:
    delay: 30m
    max_retries: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// 环境变量优先于配置文件
	t.Setenv("MAX_RETRIES", "6")
	t.Setenv("WORKFLOW_TTL", "24h")

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)
	w := cfg.TaskWatchdog
	assert.Equal(t, "wd-test", w.General.InstanceName)
	assert.Equal(t, 10*time.Minute, cfg.GetInvokerTimeBudget())
	assert.Equal(t, 2, cfg.GetMaxConcurrentInvocations())
	assert.Equal(t, 30*time.Minute, cfg.GetWatchdogDelay())
	assert.Equal(t, 6, cfg.GetMaxRetries())
	assert.Equal(t, 24*time.Hour, w.Watchdog.WorkflowTTL)
	// 未配置时可见性超时 = 调用预算 + 5分钟
	assert.Equal(t, 15*time.Minute, cfg.GetVisibilityTimeout())
}

func TestApplyEnvOverrides_InvalidValue(t *testing.T) {
	cfg := &EngineConfig{}
	v := viper.New()
	v.Set("watchdog_delay", "soon")
	err := ApplyEnvOverrides(cfg, v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WATCHDOG_DELAY")

	v = viper.New()
	v.Set("max_concurrent_invocations", "many")
	require.Error(t, ApplyEnvOverrides(cfg, v))
}

func TestValidateEngineConfig(t *testing.T) {
	newValid := func() *EngineConfig {
		cfg := &EngineConfig{}
		cfg.ApplyDefaults()
		return cfg
	}
	require.NoError(t, ValidateEngineConfig(newValid()))

	tests := []struct {
		name   string
		mutate func(cfg *EngineConfig)
	}{
		{"看门狗延迟不大于调用预算", func(c *EngineConfig) { c.TaskWatchdog.Watchdog.Delay = c.TaskWatchdog.Execution.InvokerTimeBudget }},
		{"可见性超时不大于调用预算", func(c *EngineConfig) { c.TaskWatchdog.Queue.VisibilityTimeout = time.Minute }},
		{"未知数据库类型", func(c *EngineConfig) { c.TaskWatchdog.Storage.Database.Type = "oracle" }},
		{"非法日志级别", func(c *EngineConfig) { c.TaskWatchdog.General.LogLevel = "verbose" }},
		{"并发数为0", func(c *EngineConfig) { c.TaskWatchdog.Execution.MaxConcurrentInvocations = 0 }},
		{"续跑次数为负数", func(c *EngineConfig) {
			n := -1
			c.TaskWatchdog.Watchdog.MaxRetries = &n
		}},
		{"邮件插件缺少收件人", func(c *EngineConfig) {
			c.TaskWatchdog.Plugins.Email.Enabled = true
			c.TaskWatchdog.Plugins.Email.SMTPHost = "smtp.example.com"
			c.TaskWatchdog.Plugins.Email.From = "wd@example.com"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newValid()
			tt.mutate(cfg)
			assert.Error(t, ValidateEngineConfig(cfg))
		})
	}

	assert.Error(t, ValidateEngineConfig(nil))
}

// 显式配置为0表示不续跑，不能被默认值覆盖；负数报错而不是被静默修正
func TestLoadEngineConfig_ExplicitMaxRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
task-watchdog:
  general:
    instance_name: "wd-test"
  watchdog:
    max_retries: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.GetMaxRetries())

	t.Setenv("MAX_RETRIES", "-2")
	_, err = LoadEngineConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
}

func TestEngineConfig_ListenAddr(t *testing.T) {
	cfg := &EngineConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, ":8080", cfg.ListenAddr())
	cfg.TaskWatchdog.Server.Host = "127.0.0.1"
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
}
