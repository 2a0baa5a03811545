package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadEngineConfig 加载框架配置
// 优先级（高到低）：环境变量 > 配置文件 > 默认值。配置文件不存在时只使用默认值和环境变量。
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("解析配置文件失败: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// 使用默认配置
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	if err := ApplyEnvOverrides(cfg, v); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := ValidateEngineConfig(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides 用环境变量覆盖配置（变量名不带前缀，如 WATCHDOG_DELAY）
func ApplyEnvOverrides(cfg *EngineConfig, v *viper.Viper) error {
	w := &cfg.TaskWatchdog

	if err := overrideDuration(v, "watchdog_delay", &w.Watchdog.Delay); err != nil {
		return err
	}
	if v.IsSet("max_retries") {
		var n int
		if err := overrideInt(v, "max_retries", &n); err != nil {
			return err
		}
		w.Watchdog.MaxRetries = &n
	}
	if err := overrideDuration(v, "invoker_time_budget", &w.Execution.InvokerTimeBudget); err != nil {
		return err
	}
	if err := overrideInt(v, "max_concurrent_invocations", &w.Execution.MaxConcurrentInvocations); err != nil {
		return err
	}
	if err := overrideDuration(v, "queue_visibility_timeout", &w.Queue.VisibilityTimeout); err != nil {
		return err
	}
	if err := overrideInt(v, "queue_max_receive_count", &w.Queue.MaxReceiveCount); err != nil {
		return err
	}
	if err := overrideDuration(v, "queue_dedup_window", &w.Queue.DedupWindow); err != nil {
		return err
	}
	if err := overrideDuration(v, "workflow_ttl", &w.Watchdog.WorkflowTTL); err != nil {
		return err
	}
	if err := overrideInt(v, "server_port", &w.Server.Port); err != nil {
		return err
	}

	overrideString(v, "trigger_signing_secret", &w.Server.SigningSecret)
	overrideString(v, "database_type", &w.Storage.Database.Type)
	overrideString(v, "database_dsn", &w.Storage.Database.DSN)
	overrideString(v, "log_level", &w.General.LogLevel)
	overrideString(v, "agent_endpoint", &w.Agent.Endpoint)
	overrideString(v, "agent_auth_token", &w.Agent.AuthToken)
	return nil
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func overrideInt(v *viper.Viper, key string, dst *int) error {
	if !v.IsSet(key) {
		return nil
	}
	n, err := strconv.Atoi(v.GetString(key))
	if err != nil {
		return fmt.Errorf("环境变量 %s 不是合法整数: %w", envName(key), err)
	}
	*dst = n
	return nil
}

func overrideDuration(v *viper.Viper, key string, dst *time.Duration) error {
	if !v.IsSet(key) {
		return nil
	}
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return fmt.Errorf("环境变量 %s 不是合法时长: %w", envName(key), err)
	}
	*dst = d
	return nil
}

func envName(key string) string {
	return strings.ToUpper(key)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
