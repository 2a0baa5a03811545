package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/rs/zerolog"
)

// PluginBinding 插件绑定规则（对外导出）
type PluginBinding struct {
	PluginName string                     // 插件名称
	Event      events.EventType           // 触发事件
	Condition  func(data PluginData) bool // 可选：条件函数，满足条件才触发
}

// PluginData 传递给插件的数据（对外导出）
type PluginData struct {
	Event      events.EventType  // 触发事件
	WorkflowID string            // Workflow ID
	SourceKey  string            // 触发来源
	Status     string            // 状态
	RetryCount int               // 已续跑次数
	Message    string            // 错误或说明信息
	Timestamp  time.Time         // 事件时间
	Data       map[string]string // 自定义数据
}

// FromEvent 由生命周期事件构造插件数据
func FromEvent(evt *events.Event) PluginData {
	return PluginData{
		Event:      evt.Type,
		WorkflowID: evt.WorkflowID,
		SourceKey:  evt.SourceKey,
		Status:     evt.Status,
		RetryCount: evt.RetryCount,
		Message:    evt.Message,
		Timestamp:  evt.Timestamp,
		Data:       evt.Metadata,
	}
}

// PluginManager 插件管理器接口（对外导出）
type PluginManager interface {
	// Register 注册插件
	Register(plugin Plugin) error
	// RegisterWithInit 注册并初始化插件
	RegisterWithInit(plugin Plugin, params map[string]string) error
	// Bind 绑定插件到事件
	Bind(binding PluginBinding) error
	// Trigger 触发插件
	Trigger(ctx context.Context, event events.EventType, data PluginData) error
	// Attach 订阅事件总线，把已绑定的事件转交给插件
	Attach(bus *events.Bus) error
	// GetPlugin 获取已注册的插件
	GetPlugin(name string) (Plugin, bool)
	// ListPlugins 列出所有已注册的插件
	ListPlugins() []string
	// Unregister 取消注册插件
	Unregister(name string) error
}

// pluginManagerImpl 插件管理器实现（内部实现）
type pluginManagerImpl struct {
	plugins  map[string]Plugin                    // 已注册的插件（插件名称 -> 插件实例）
	bindings map[events.EventType][]PluginBinding // 事件绑定（事件类型 -> 绑定列表）
	logger   zerolog.Logger
	mu       sync.RWMutex // 读写锁
}

// NewPluginManager 创建插件管理器（对外导出）
func NewPluginManager(logger zerolog.Logger) PluginManager {
	return &pluginManagerImpl{
		plugins:  make(map[string]Plugin),
		bindings: make(map[events.EventType][]PluginBinding),
		logger:   logging.Component(logger, "plugin"),
	}
}

// Register 注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Register(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("插件不能为空")
	}

	name := plugin.Name()
	if name == "" {
		return fmt.Errorf("插件名称不能为空")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; exists {
		return fmt.Errorf("插件 %s 已注册", name)
	}

	pm.plugins[name] = plugin
	return nil
}

// RegisterWithInit 注册并初始化插件（实现PluginManager接口）
func (pm *pluginManagerImpl) RegisterWithInit(plugin Plugin, params map[string]string) error {
	if err := pm.Register(plugin); err != nil {
		return err
	}

	// 初始化插件
	if err := plugin.Init(params); err != nil {
		// 初始化失败，移除已注册的插件
		pm.mu.Lock()
		delete(pm.plugins, plugin.Name())
		pm.mu.Unlock()
		return fmt.Errorf("插件 %s 初始化失败: %w", plugin.Name(), err)
	}

	return nil
}

// Bind 绑定插件到事件（实现PluginManager接口）
func (pm *pluginManagerImpl) Bind(binding PluginBinding) error {
	if binding.PluginName == "" {
		return fmt.Errorf("插件名称不能为空")
	}

	if binding.Event == "" {
		return fmt.Errorf("触发事件不能为空")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[binding.PluginName]; !exists {
		return fmt.Errorf("插件 %s 未注册", binding.PluginName)
	}

	pm.bindings[binding.Event] = append(pm.bindings[binding.Event], binding)
	return nil
}

// Trigger 触发插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Trigger(ctx context.Context, event events.EventType, data PluginData) error {
	pm.mu.RLock()
	bindings := append([]PluginBinding(nil), pm.bindings[event]...)
	pm.mu.RUnlock()

	if len(bindings) == 0 {
		return nil // 没有绑定，直接返回
	}

	var errs []error
	for _, binding := range bindings {
		// 检查条件
		if binding.Condition != nil && !binding.Condition(data) {
			continue
		}

		pm.mu.RLock()
		plugin, exists := pm.plugins[binding.PluginName]
		pm.mu.RUnlock()

		if !exists {
			continue // 插件不存在，跳过
		}

		if err := plugin.Execute(data); err != nil {
			errs = append(errs, fmt.Errorf("插件 %s 执行失败: %w", binding.PluginName, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("触发插件失败: %w", errors.Join(errs...))
	}

	return nil
}

// Attach 订阅事件总线（实现PluginManager接口）
// 插件失败只记录日志，不让总线重投，避免重复告警
func (pm *pluginManagerImpl) Attach(bus *events.Bus) error {
	pm.mu.RLock()
	types := make([]events.EventType, 0, len(pm.bindings))
	for t, bs := range pm.bindings {
		if len(bs) > 0 {
			types = append(types, t)
		}
	}
	pm.mu.RUnlock()

	if len(types) == 0 {
		return nil
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return bus.Subscribe("plugins", types, func(evt *events.Event) error {
		if err := pm.Trigger(context.Background(), evt.Type, FromEvent(evt)); err != nil {
			pm.logger.Error().Err(err).Str("event", string(evt.Type)).Str("workflow_id", evt.WorkflowID).
				Msg("[PluginManager] 插件执行失败")
		}
		return nil
	})
}

// GetPlugin 获取已注册的插件（实现PluginManager接口）
func (pm *pluginManagerImpl) GetPlugin(name string) (Plugin, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	plugin, exists := pm.plugins[name]
	return plugin, exists
}

// ListPlugins 列出所有已注册的插件（实现PluginManager接口）
func (pm *pluginManagerImpl) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister 取消注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Unregister(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; !exists {
		return fmt.Errorf("插件 %s 未注册", name)
	}

	delete(pm.plugins, name)

	// 移除所有相关的绑定
	for event := range pm.bindings {
		filtered := make([]PluginBinding, 0)
		for _, binding := range pm.bindings[event] {
			if binding.PluginName != name {
				filtered = append(filtered, binding)
			}
		}
		pm.bindings[event] = filtered
	}

	return nil
}
