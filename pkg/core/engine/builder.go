package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	internalstorage "github.com/LENAX/task-watchdog/internal/storage"
	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/config"
	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/plugin"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/sqlstore"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type pluginRegistration struct {
	plugin plugin.Plugin
	params map[string]string
}

// EngineBuilder 引擎构建器（链式调用）
type EngineBuilder struct {
	engineConfigPath string
	cfg              *config.EngineConfig
	agent            agent.Agent
	clock            clock.Clock
	logger           *zerolog.Logger
	repos            *storage.Repositories
	plugins          []pluginRegistration   // 已注册的插件
	pluginBindings   []plugin.PluginBinding // 插件绑定规则
	err              error
}

// NewEngineBuilder 创建引擎构建器（入口），配置路径可为空
func NewEngineBuilder(engineConfigPath string) *EngineBuilder {
	return &EngineBuilder{engineConfigPath: engineConfigPath}
}

// WithConfig 直接使用已加载的配置（链式）
func (b *EngineBuilder) WithConfig(cfg *config.EngineConfig) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if cfg == nil {
		b.err = errors.New("config cannot be nil")
		return b
	}
	b.cfg = cfg
	return b
}

// WithAgent 指定执行长任务的agent（链式），未指定时使用配置中的HTTP agent
func (b *EngineBuilder) WithAgent(ag agent.Agent) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if ag == nil {
		b.err = errors.New("agent cannot be nil")
		return b
	}
	b.agent = ag
	return b
}

// WithClock 注入时钟（链式），测试时使用 clock.NewMock()
func (b *EngineBuilder) WithClock(clk clock.Clock) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.clock = clk
	return b
}

// WithLogger 指定日志器（链式）
func (b *EngineBuilder) WithLogger(l zerolog.Logger) *EngineBuilder {
	if b.err != nil {
		return b
	}
	b.logger = &l
	return b
}

// WithRepositories 使用外部创建的存储（链式），不再按配置创建
func (b *EngineBuilder) WithRepositories(repos *storage.Repositories) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if repos == nil {
		b.err = errors.New("repositories cannot be nil")
		return b
	}
	b.repos = repos
	return b
}

// WithPlugin 注册插件（链式）
func (b *EngineBuilder) WithPlugin(p plugin.Plugin, params map[string]string) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if p == nil {
		b.err = errors.New("plugin cannot be nil")
		return b
	}
	if p.Name() == "" {
		b.err = errors.New("plugin name cannot be empty")
		return b
	}
	b.plugins = append(b.plugins, pluginRegistration{plugin: p, params: params})
	return b
}

// WithPluginBinding 绑定插件到事件（链式）
func (b *EngineBuilder) WithPluginBinding(binding plugin.PluginBinding) *EngineBuilder {
	if b.err != nil {
		return b
	}
	if binding.PluginName == "" {
		b.err = errors.New("plugin name cannot be empty")
		return b
	}
	if binding.Event == "" {
		b.err = errors.New("trigger event cannot be empty")
		return b
	}
	b.pluginBindings = append(b.pluginBindings, binding)
	return b
}

// Build 构建引擎实例（最终步骤）
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}

	// 1. 加载引擎配置
	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.LoadEngineConfig(b.engineConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load engine config failed: %w", err)
		}
		cfg = loaded
	}
	w := &cfg.TaskWatchdog

	logger := logging.New(w.General.LogLevel, w.General.Env)
	if b.logger != nil {
		logger = *b.logger
	}
	clk := b.clock
	if clk == nil {
		clk = clock.New()
	}

	// 2. agent
	ag := b.agent
	if ag == nil {
		if w.Agent.Endpoint == "" {
			return nil, errors.New("agent endpoint not configured")
		}
		ag = agent.NewHTTPAgent(agent.HTTPConfig{
			Endpoint:       w.Agent.Endpoint,
			AuthToken:      w.Agent.AuthToken,
			PollInterval:   w.Agent.PollInterval,
			RequestTimeout: w.Agent.RequestTimeout,
		}, clk, logger)
	}

	// 3. 初始化存储层
	repos := b.repos
	if repos == nil {
		created, err := internalstorage.NewRepositories(internalstorage.Options{
			Type: w.Storage.Database.Type,
			DSN:  w.Storage.Database.DSN,
			Pool: sqlstore.PoolConfig{
				MaxOpenConns:    w.Storage.Database.MaxOpenConns,
				MaxIdleConns:    w.Storage.Database.MaxIdleConns,
				ConnMaxLifetime: w.Storage.Database.ConnMaxLifetime,
			},
			Queue: queue.Options{
				MaxReceiveCount: w.Queue.MaxReceiveCount,
				DedupWindow:     w.Queue.DedupWindow,
			},
			Clock: clk,
		})
		if err != nil {
			return nil, fmt.Errorf("init storage failed: %w", err)
		}
		repos = created
	}

	// 4. 事件总线和引擎
	bus, err := events.NewBus(logger)
	if err != nil {
		return nil, fmt.Errorf("create event bus failed: %w", err)
	}
	eng, err := New(repos, ag, bus, clk, OptionsFromConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("create engine failed: %w", err)
	}

	// 5. 插件
	pm, err := b.buildPlugins(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := pm.Attach(bus); err != nil {
		return nil, fmt.Errorf("attach plugins failed: %w", err)
	}
	eng.SetPluginManager(pm)
	return eng, nil
}

// buildPlugins 注册内置插件和自定义插件
func (b *EngineBuilder) buildPlugins(cfg *config.EngineConfig, logger zerolog.Logger) (plugin.PluginManager, error) {
	p := &cfg.TaskWatchdog.Plugins
	pm := plugin.NewPluginManager(logger)

	if p.Log.Enabled {
		if err := pm.RegisterWithInit(plugin.NewLogPlugin(logger), nil); err != nil {
			return nil, err
		}
		for _, evt := range events.LifecycleEvents {
			if err := pm.Bind(plugin.PluginBinding{PluginName: "log", Event: evt}); err != nil {
				return nil, err
			}
		}
	}

	if p.Email.Enabled {
		params := map[string]string{
			"smtp_host": p.Email.SMTPHost,
			"smtp_port": strconv.Itoa(p.Email.SMTPPort),
			"username":  p.Email.Username,
			"password":  p.Email.Password,
			"from":      p.Email.From,
			"to":        strings.Join(p.Email.To, ","),
		}
		if err := pm.RegisterWithInit(plugin.NewEmailPlugin(logger), params); err != nil {
			return nil, err
		}
		for _, evt := range []events.EventType{events.EventWorkflowFailed, events.EventQueueDeadLettered} {
			if err := pm.Bind(plugin.PluginBinding{PluginName: "email", Event: evt}); err != nil {
				return nil, err
			}
		}
	}

	for _, reg := range b.plugins {
		if err := pm.RegisterWithInit(reg.plugin, reg.params); err != nil {
			return nil, fmt.Errorf("register plugin failed: %w", err)
		}
	}
	for _, binding := range b.pluginBindings {
		if err := pm.Bind(binding); err != nil {
			return nil, fmt.Errorf("bind plugin failed: %w", err)
		}
	}
	return pm, nil
}
