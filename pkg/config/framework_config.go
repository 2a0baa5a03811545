package config

import (
	"time"
)

const defaultMaxRetries = 3

// EngineConfig 引擎框架配置（对外导出）
type EngineConfig struct {
	TaskWatchdog struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
			} `yaml:"database"`
		} `yaml:"storage"`
		Execution struct {
			// InvokerTimeBudget 单次agent调用的时间预算
			InvokerTimeBudget        time.Duration `yaml:"invoker_time_budget"`
			MaxConcurrentInvocations int           `yaml:"max_concurrent_invocations"`
			PollInterval             time.Duration `yaml:"poll_interval"`
			Retry                    struct {
				Disabled    bool          `yaml:"disabled"` // 关闭后持久化写入只尝试一次
				MaxAttempts int           `yaml:"max_attempts"`
				Delay       time.Duration `yaml:"delay"`
				MaxDelay    time.Duration `yaml:"max_delay"`
			} `yaml:"retry"`
		} `yaml:"execution"`
		Watchdog struct {
			Delay          time.Duration `yaml:"delay"`
			MaxRetries     *int          `yaml:"max_retries"`  // 为空表示未配置，0 表示不续跑
			WorkflowTTL    time.Duration `yaml:"workflow_ttl"` // 0 表示不限制
			TimerGroup     string        `yaml:"timer_group"`
			SweepInterval  time.Duration `yaml:"sweep_interval"`
			ClaimTTL       time.Duration `yaml:"claim_ttl"`
			SweepBatchSize int           `yaml:"sweep_batch_size"`
		} `yaml:"watchdog"`
		Queue struct {
			VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
			MaxReceiveCount   int           `yaml:"max_receive_count"`
			DedupWindow       time.Duration `yaml:"dedup_window"`
			JanitorInterval   time.Duration `yaml:"janitor_interval"`
		} `yaml:"queue"`
		Server struct {
			Host          string        `yaml:"host"`
			Port          int           `yaml:"port"`
			Mode          string        `yaml:"mode"` // gin模式：debug/release/test
			ReadTimeout   time.Duration `yaml:"read_timeout"`
			WriteTimeout  time.Duration `yaml:"write_timeout"`
			SigningSecret string        `yaml:"signing_secret"`
		} `yaml:"server"`
		Agent struct {
			Endpoint       string        `yaml:"endpoint"`
			AuthToken      string        `yaml:"auth_token"`
			PollInterval   time.Duration `yaml:"poll_interval"`
			RequestTimeout time.Duration `yaml:"request_timeout"`
		} `yaml:"agent"`
		Plugins struct {
			Log struct {
				Enabled bool `yaml:"enabled"`
			} `yaml:"log"`
			Email struct {
				Enabled  bool     `yaml:"enabled"`
				SMTPHost string   `yaml:"smtp_host"`
				SMTPPort int      `yaml:"smtp_port"`
				Username string   `yaml:"username"`
				Password string   `yaml:"password"`
				From     string   `yaml:"from"`
				To       []string `yaml:"to"`
			} `yaml:"email"`
		} `yaml:"plugins"`
	} `yaml:"task-watchdog"`
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.TaskWatchdog.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.TaskWatchdog.Storage.Database.DSN
}

// GetMaxConcurrentInvocations 获取invoker并发上限
func (c *EngineConfig) GetMaxConcurrentInvocations() int {
	n := c.TaskWatchdog.Execution.MaxConcurrentInvocations
	if n <= 0 {
		return 5 // 默认值
	}
	return n
}

// GetInvokerTimeBudget 获取单次调用时间预算
func (c *EngineConfig) GetInvokerTimeBudget() time.Duration {
	d := c.TaskWatchdog.Execution.InvokerTimeBudget
	if d <= 0 {
		return 15 * time.Minute // 默认值
	}
	return d
}

// GetWatchdogDelay 获取看门狗延迟
func (c *EngineConfig) GetWatchdogDelay() time.Duration {
	d := c.TaskWatchdog.Watchdog.Delay
	if d <= 0 {
		return 65 * time.Minute // 默认值
	}
	return d
}

// GetMaxRetries 获取看门狗续跑次数上限，未配置时为默认值
func (c *EngineConfig) GetMaxRetries() int {
	if n := c.TaskWatchdog.Watchdog.MaxRetries; n != nil {
		return *n
	}
	return defaultMaxRetries
}

// GetVisibilityTimeout 获取队列可见性超时，默认比调用预算多5分钟
func (c *EngineConfig) GetVisibilityTimeout() time.Duration {
	d := c.TaskWatchdog.Queue.VisibilityTimeout
	if d <= 0 {
		return c.GetInvokerTimeBudget() + 5*time.Minute
	}
	return d
}

// ListenAddr 服务监听地址
func (c *EngineConfig) ListenAddr() string {
	return joinHostPort(c.TaskWatchdog.Server.Host, c.TaskWatchdog.Server.Port)
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	w := &c.TaskWatchdog

	// General默认值
	if w.General.InstanceName == "" {
		w.General.InstanceName = "task-watchdog"
	}
	if w.General.LogLevel == "" {
		w.General.LogLevel = "info"
	}
	if w.General.Env == "" {
		w.General.Env = "dev"
	}

	// Database默认值
	if w.Storage.Database.Type == "" {
		w.Storage.Database.Type = "sqlite"
	}
	if w.Storage.Database.DSN == "" && w.Storage.Database.Type == "sqlite" {
		w.Storage.Database.DSN = "task-watchdog.db"
	}
	if w.Storage.Database.MaxOpenConns <= 0 {
		w.Storage.Database.MaxOpenConns = 10
	}
	if w.Storage.Database.MaxIdleConns <= 0 {
		w.Storage.Database.MaxIdleConns = 5
	}
	if w.Storage.Database.ConnMaxLifetime <= 0 {
		w.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}

	// Execution默认值
	if w.Execution.InvokerTimeBudget <= 0 {
		w.Execution.InvokerTimeBudget = 15 * time.Minute
	}
	if w.Execution.MaxConcurrentInvocations <= 0 {
		w.Execution.MaxConcurrentInvocations = 5
	}
	if w.Execution.PollInterval <= 0 {
		w.Execution.PollInterval = 5 * time.Second
	}

	// Retry默认值（本地写入重试）
	if w.Execution.Retry.MaxAttempts <= 0 {
		w.Execution.Retry.MaxAttempts = 5
	}
	if w.Execution.Retry.Delay <= 0 {
		w.Execution.Retry.Delay = 200 * time.Millisecond
	}
	if w.Execution.Retry.MaxDelay <= 0 {
		w.Execution.Retry.MaxDelay = 5 * time.Second
	}

	// Watchdog默认值
	if w.Watchdog.Delay <= 0 {
		w.Watchdog.Delay = 65 * time.Minute
	}
	if w.Watchdog.MaxRetries == nil {
		n := defaultMaxRetries
		w.Watchdog.MaxRetries = &n
	}
	if w.Watchdog.TimerGroup == "" {
		w.Watchdog.TimerGroup = "watchdog"
	}
	if w.Watchdog.SweepInterval <= 0 {
		w.Watchdog.SweepInterval = time.Second
	}
	if w.Watchdog.ClaimTTL <= 0 {
		w.Watchdog.ClaimTTL = 5 * time.Minute
	}
	if w.Watchdog.SweepBatchSize <= 0 {
		w.Watchdog.SweepBatchSize = 100
	}

	// Queue默认值
	if w.Queue.VisibilityTimeout <= 0 {
		w.Queue.VisibilityTimeout = w.Execution.InvokerTimeBudget + 5*time.Minute
	}
	if w.Queue.MaxReceiveCount <= 0 {
		w.Queue.MaxReceiveCount = 3
	}
	if w.Queue.DedupWindow <= 0 {
		w.Queue.DedupWindow = 5 * time.Minute
	}
	if w.Queue.JanitorInterval <= 0 {
		w.Queue.JanitorInterval = time.Minute
	}

	// Server默认值
	if w.Server.Port <= 0 {
		w.Server.Port = 8080
	}
	if w.Server.Mode == "" {
		w.Server.Mode = "release"
	}
	if w.Server.ReadTimeout <= 0 {
		w.Server.ReadTimeout = 30 * time.Second
	}
	if w.Server.WriteTimeout <= 0 {
		w.Server.WriteTimeout = 30 * time.Second
	}

	// Agent默认值
	if w.Agent.PollInterval <= 0 {
		w.Agent.PollInterval = 10 * time.Second
	}
	if w.Agent.RequestTimeout <= 0 {
		w.Agent.RequestTimeout = 30 * time.Second
	}

	if w.Plugins.Email.SMTPPort <= 0 {
		w.Plugins.Email.SMTPPort = 587
	}
}
