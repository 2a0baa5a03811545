package plugin

import (
	"fmt"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/rs/zerolog"
)

// LogPlugin 把生命周期事件写入结构化日志（对外导出）
type LogPlugin struct {
	name   string
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogPlugin 创建日志插件
func NewLogPlugin(logger zerolog.Logger) Plugin {
	return &LogPlugin{
		name:   "log",
		logger: logging.Component(logger, "plugin.log"),
		level:  zerolog.InfoLevel,
	}
}

// Name 插件名称（实现Plugin接口）
func (l *LogPlugin) Name() string {
	return l.name
}

// Init 初始化插件，可选参数 level
func (l *LogPlugin) Init(params map[string]string) error {
	if lv := params["level"]; lv != "" {
		level, err := zerolog.ParseLevel(lv)
		if err != nil {
			return fmt.Errorf("level参数无效: %w", err)
		}
		l.level = level
	}
	return nil
}

// Execute 写日志（实现Plugin接口）
func (l *LogPlugin) Execute(data interface{}) error {
	pd, ok := data.(PluginData)
	if !ok {
		return fmt.Errorf("插件数据类型错误")
	}
	level := l.level
	if pd.Event.IsTerminal() && pd.Status == "FAILED" && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	evt := l.logger.WithLevel(level).
		Str("event", string(pd.Event)).
		Str("workflow_id", pd.WorkflowID).
		Str("source_key", pd.SourceKey).
		Str("status", pd.Status).
		Int("retry_count", pd.RetryCount)
	if pd.Message != "" {
		evt = evt.Str("message", pd.Message)
	}
	evt.Msg("[LogPlugin] 工作流事件")
	return nil
}
