package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FireHandler 定时器触发回调，workflow_id 为唯一参数
// 投递语义为至少一次，回调必须幂等
type FireHandler func(ctx context.Context, workflowID string) error

// Options 定时服务参数
type Options struct {
	Group         string        // 定时器所属分组（批量清理用）
	SweepInterval time.Duration // 扫描到期定时器的间隔
	ClaimTTL      time.Duration // 认领租约，超时未确认则重新触发
	BatchSize     int           // 每次扫描最多认领的数量
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Group:         "watchdog",
		SweepInterval: time.Second,
		ClaimTTL:      5 * time.Minute,
		BatchSize:     100,
	}
}

// Service 一次性定时器服务（对外导出）
// 持久化在 Repository 中，由 cron 驱动的 sweeper 触发到期定时器。
// 服务本身不保证每个workflow只有一个定时器，这个不变量由调用方维护。
type Service struct {
	repo    Repository
	clock   clock.Clock
	opts    Options
	logger  zerolog.Logger
	cron    *cron.Cron
	handler FireHandler

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewService 创建定时服务
func NewService(repo Repository, clk clock.Clock, opts Options, logger zerolog.Logger) *Service {
	d := DefaultOptions()
	if opts.Group == "" {
		opts.Group = d.Group
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = d.SweepInterval
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = d.ClaimTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if clk == nil {
		clk = clock.New()
	}
	l := logging.Component(logger, "timer")
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:   repo,
		clock:  clk,
		opts:   opts,
		logger: l,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(logging.NewCronAdapter(l)))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Group 返回定时器分组
func (s *Service) Group() string {
	return s.opts.Group
}

// SetFireHandler 设置触发回调（通常为 Watchdog.Fire）
func (s *Service) SetFireHandler(h FireHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Arm 布置一个 delay 之后触发的一次性定时器，返回句柄
func (s *Service) Arm(ctx context.Context, workflowID string, delay time.Duration) (string, error) {
	if workflowID == "" {
		return "", fmt.Errorf("workflow_id不能为空")
	}
	now := s.clock.Now().UTC()
	t := &Timer{
		Handle:     uuid.NewString(),
		WorkflowID: workflowID,
		Group:      s.opts.Group,
		State:      StateArmed,
		FireAt:     now.Add(delay),
		CreatedAt:  now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return "", fmt.Errorf("布置定时器失败: %w", err)
	}
	s.logger.Debug().Str("workflow_id", workflowID).Str("handle", t.Handle).
		Time("fire_at", t.FireAt).Msg("[Timer] 已布置定时器")
	return t.Handle, nil
}

// Disarm 撤销定时器；已触发、已撤销或不存在的句柄均为no-op
func (s *Service) Disarm(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	cancelled, err := s.repo.Cancel(ctx, handle)
	if err != nil {
		return fmt.Errorf("撤销定时器失败: %w", err)
	}
	if cancelled {
		s.logger.Debug().Str("handle", handle).Msg("[Timer] 已撤销定时器")
	}
	return nil
}

// DisarmGroup 批量撤销某分组的全部定时器，group为空时使用本服务的分组
func (s *Service) DisarmGroup(ctx context.Context, group string) (int64, error) {
	if group == "" {
		group = s.opts.Group
	}
	n, err := s.repo.CancelGroup(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("批量撤销定时器失败: %w", err)
	}
	s.logger.Info().Str("group", group).Int64("count", n).Msg("[Timer] 已批量撤销定时器")
	return n, nil
}

// Get 查询定时器
func (s *Service) Get(ctx context.Context, handle string) (*Timer, error) {
	return s.repo.Get(ctx, handle)
}

// ListLive 列出某workflow的未触发定时器
func (s *Service) ListLive(ctx context.Context, workflowID string) ([]*Timer, error) {
	return s.repo.ListLive(ctx, workflowID)
}

// FireDue 认领并触发所有到期定时器，返回成功触发的数量
// 回调失败的定时器保持FIRING，认领租约过期后会被再次触发
func (s *Service) FireDue(ctx context.Context) (int, error) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return 0, fmt.Errorf("未设置定时器触发回调")
	}

	now := s.clock.Now().UTC()
	due, err := s.repo.ClaimDue(ctx, now, now.Add(s.opts.ClaimTTL), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("认领到期定时器失败: %w", err)
	}

	fired := 0
	for _, t := range due {
		if err := handler(ctx, t.WorkflowID); err != nil {
			metrics.RecordTimerFire("error")
			s.logger.Warn().Err(err).Str("workflow_id", t.WorkflowID).Str("handle", t.Handle).
				Msg("[Timer] 触发回调失败，等待认领过期后重试")
			continue
		}
		if err := s.repo.MarkFired(ctx, t.Handle); err != nil {
			s.logger.Warn().Err(err).Str("handle", t.Handle).Msg("[Timer] 标记已触发失败")
			continue
		}
		metrics.RecordTimerFire("ok")
		fired++
	}
	return fired, nil
}

// Start 启动sweeper（对外导出）
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.opts.SweepInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.FireDue(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("[Timer] 扫描到期定时器失败")
		}
	}); err != nil {
		return fmt.Errorf("添加定时扫描任务失败: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Str("group", s.opts.Group).Dur("interval", s.opts.SweepInterval).Msg("[Timer] sweeper已启动")
	return nil
}

// Stop 停止sweeper，取消正在进行的扫描并等待其退出
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("[Timer] sweeper已停止")
}
