package logging

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronAdapter 把 robfig/cron 的日志转发到 zerolog
type CronAdapter struct {
	logger zerolog.Logger
}

// NewCronAdapter 创建适配器
func NewCronAdapter(l zerolog.Logger) *CronAdapter {
	return &CronAdapter{logger: l}
}

func (a *CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a *CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

var _ cron.Logger = (*CronAdapter)(nil)
