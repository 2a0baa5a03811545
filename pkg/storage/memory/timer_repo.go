package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/timer"
)

// TimerRepo 定时器存储的内存实现
type TimerRepo struct {
	faults
	mu     sync.Mutex
	timers map[string]*timer.Timer
}

// NewTimerRepo 创建内存定时器存储
func NewTimerRepo() *TimerRepo {
	return &TimerRepo{timers: make(map[string]*timer.Timer)}
}

// Create 保存定时器
func (r *TimerRepo) Create(ctx context.Context, t *timer.Timer) error {
	if err := r.check("create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[t.Handle]; ok {
		return fmt.Errorf("定时器句柄重复: %s", t.Handle)
	}
	c := *t
	r.timers[t.Handle] = &c
	return nil
}

// Get 按句柄查询
func (r *TimerRepo) Get(ctx context.Context, handle string) (*timer.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", timer.ErrTimerNotFound, handle)
	}
	c := *t
	return &c, nil
}

// Cancel 撤销定时器
func (r *TimerRepo) Cancel(ctx context.Context, handle string) (bool, error) {
	if err := r.check("cancel"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[handle]
	if !ok || (t.State != timer.StateArmed && t.State != timer.StateFiring) {
		return false, nil
	}
	t.State = timer.StateCancelled
	return true, nil
}

// CancelGroup 批量撤销
func (r *TimerRepo) CancelGroup(ctx context.Context, group string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.timers {
		if t.Group == group && (t.State == timer.StateArmed || t.State == timer.StateFiring) {
			t.State = timer.StateCancelled
			n++
		}
	}
	return n, nil
}

// ClaimDue 认领到期定时器
func (r *TimerRepo) ClaimDue(ctx context.Context, now, claimUntil time.Time, limit int) ([]*timer.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*timer.Timer
	for _, t := range r.timers {
		if (t.State == timer.StateArmed && !t.FireAt.After(now)) ||
			(t.State == timer.StateFiring && !t.ClaimedUntil.After(now)) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Handle < due[j].Handle
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	result := make([]*timer.Timer, 0, len(due))
	for _, t := range due {
		t.State = timer.StateFiring
		t.ClaimedUntil = claimUntil
		c := *t
		result = append(result, &c)
	}
	return result, nil
}

// MarkFired 标记已触发
func (r *TimerRepo) MarkFired(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[handle]; ok && t.State == timer.StateFiring {
		t.State = timer.StateFired
	}
	return nil
}

// ListLive 列出ARMED定时器
func (r *TimerRepo) ListLive(ctx context.Context, workflowID string) ([]*timer.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*timer.Timer
	for _, t := range r.timers {
		if t.WorkflowID == workflowID && t.State == timer.StateArmed {
			c := *t
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FireAt.Before(result[j].FireAt) })
	return result, nil
}
