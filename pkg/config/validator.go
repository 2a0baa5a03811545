package config

import (
	"fmt"
)

// ValidateEngineConfig 校验框架配置合法性
func ValidateEngineConfig(cfg *EngineConfig) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	w := &cfg.TaskWatchdog

	// 校验General
	if w.General.InstanceName == "" {
		return fmt.Errorf("instance_name不能为空")
	}
	if w.General.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[w.General.LogLevel] {
			return fmt.Errorf("log_level必须是debug/info/warn/error之一")
		}
	}

	// 校验Storage.Database
	validDBTypes := map[string]bool{
		"sqlite":     true,
		"postgres":   true,
		"postgresql": true,
		"mysql":      true,
		"memory":     true,
	}
	if !validDBTypes[w.Storage.Database.Type] {
		return fmt.Errorf("database.type必须是sqlite/postgres/mysql/memory之一")
	}
	if w.Storage.Database.Type != "memory" && w.Storage.Database.DSN == "" {
		return fmt.Errorf("database.dsn不能为空")
	}
	if w.Storage.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns不能为负数")
	}

	// 校验Execution
	if w.Execution.MaxConcurrentInvocations <= 0 {
		return fmt.Errorf("execution.max_concurrent_invocations必须大于0")
	}
	if w.Execution.InvokerTimeBudget <= 0 {
		return fmt.Errorf("execution.invoker_time_budget必须大于0")
	}

	// 校验Watchdog：看门狗必须在一次调用预算耗尽之后才触发
	if w.Watchdog.MaxRetries != nil && *w.Watchdog.MaxRetries < 0 {
		return fmt.Errorf("watchdog.max_retries不能为负数")
	}
	if w.Watchdog.Delay <= w.Execution.InvokerTimeBudget {
		return fmt.Errorf("watchdog.delay %v 必须大于 invoker_time_budget %v", w.Watchdog.Delay, w.Execution.InvokerTimeBudget)
	}
	if w.Watchdog.WorkflowTTL < 0 {
		return fmt.Errorf("watchdog.workflow_ttl不能为负数")
	}

	// 校验Queue：租约必须覆盖整个调用预算，否则同一消息会被并发投递
	if w.Queue.VisibilityTimeout <= w.Execution.InvokerTimeBudget {
		return fmt.Errorf("queue.visibility_timeout %v 必须大于 invoker_time_budget %v", w.Queue.VisibilityTimeout, w.Execution.InvokerTimeBudget)
	}
	if w.Queue.MaxReceiveCount <= 0 {
		return fmt.Errorf("queue.max_receive_count必须大于0")
	}

	// 校验Retry
	if !w.Execution.Retry.Disabled {
		if w.Execution.Retry.MaxAttempts < 0 {
			return fmt.Errorf("execution.retry.max_attempts不能为负数")
		}
		if w.Execution.Retry.MaxDelay > 0 && w.Execution.Retry.Delay > w.Execution.Retry.MaxDelay {
			return fmt.Errorf("execution.retry.delay不能大于max_delay")
		}
	}

	// 校验Server
	if w.Server.Port <= 0 || w.Server.Port > 65535 {
		return fmt.Errorf("server.port必须在1-65535之间")
	}

	// 校验邮件插件
	if w.Plugins.Email.Enabled {
		if w.Plugins.Email.SMTPHost == "" || w.Plugins.Email.From == "" || len(w.Plugins.Email.To) == 0 {
			return fmt.Errorf("plugins.email启用时smtp_host/from/to不能为空")
		}
	}
	return nil
}
