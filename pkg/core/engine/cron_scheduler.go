package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc 维护任务
type JobFunc func(ctx context.Context) error

// CronScheduler 维护任务定时调度器（对外导出）
// 用于去重表清理、队列指标采集、周期性对账等后台任务
type CronScheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	jobs    map[string]string       // 任务名 -> Cron表达式
	entries map[string]cron.EntryID // 任务名 -> cron.EntryID
	logger  zerolog.Logger
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(logger zerolog.Logger) *CronScheduler {
	l := logging.Component(logger, "cron")
	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		cron: cron.New(
			cron.WithSeconds(), // 支持秒级精度
			cron.WithChain(cron.Recover(logging.NewCronAdapter(l)), cron.SkipIfStillRunning(logging.NewCronAdapter(l))),
		),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:    make(map[string]string),
		entries: make(map[string]cron.EntryID),
		logger:  l,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterJob 注册维护任务（对外导出）
func (cs *CronScheduler) RegisterJob(name, spec string, job JobFunc) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	// 检查是否已注册
	if _, exists := cs.entries[name]; exists {
		return fmt.Errorf("任务 %s 已注册到定时调度器", name)
	}
	if spec == "" {
		return fmt.Errorf("任务 %s 未设置Cron表达式", name)
	}

	// 验证Cron表达式
	schedule, err := cs.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("任务 %s 的Cron表达式无效: %w", name, err)
	}

	entryID := cs.cron.Schedule(schedule, cron.FuncJob(func() {
		cs.runJob(name, job)
	}))

	cs.jobs[name] = spec
	cs.entries[name] = entryID

	cs.logger.Info().Str("job", name).Str("spec", spec).Msg("[Cron调度器] 已注册维护任务")
	return nil
}

// UnregisterJob 取消注册（对外导出）
func (cs *CronScheduler) UnregisterJob(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entryID, exists := cs.entries[name]
	if !exists {
		return fmt.Errorf("任务 %s 未注册到定时调度器", name)
	}

	cs.cron.Remove(entryID)
	delete(cs.jobs, name)
	delete(cs.entries, name)

	cs.logger.Info().Str("job", name).Msg("[Cron调度器] 已取消注册维护任务")
	return nil
}

// runJob 执行维护任务（内部方法）
func (cs *CronScheduler) runJob(name string, job JobFunc) {
	if err := job(cs.ctx); err != nil {
		cs.logger.Error().Err(err).Str("job", name).Msg("[Cron调度器] 维护任务执行失败")
		return
	}
	cs.logger.Debug().Str("job", name).Msg("[Cron调度器] 维护任务执行完成")
}

// Start 启动定时调度器（对外导出）
func (cs *CronScheduler) Start() {
	cs.cron.Start()
	cs.logger.Info().Msg("[Cron调度器] 已启动")
}

// Stop 停止定时调度器，等待正在执行的任务结束（对外导出）
func (cs *CronScheduler) Stop() {
	cs.cancel()
	<-cs.cron.Stop().Done()
	cs.logger.Info().Msg("[Cron调度器] 已停止")
}

// GetRegisteredJobs 获取已注册的任务名列表（对外导出）
func (cs *CronScheduler) GetRegisteredJobs() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	names := make([]string, 0, len(cs.jobs))
	for name := range cs.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
