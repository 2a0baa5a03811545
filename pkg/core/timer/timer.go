package timer

import (
	"context"
	"errors"
	"time"
)

// State 定时器状态
type State string

const (
	// StateArmed 已布置，等待触发
	StateArmed State = "ARMED"
	// StateFiring 已被某个sweeper认领，正在触发
	StateFiring State = "FIRING"
	// StateFired 已触发并消费
	StateFired State = "FIRED"
	// StateCancelled 已撤销
	StateCancelled State = "CANCELLED"
)

// ErrTimerNotFound 定时器不存在
var ErrTimerNotFound = errors.New("timer not found")

// Timer 一次性延迟触发器
type Timer struct {
	Handle       string    `json:"handle"`
	WorkflowID   string    `json:"workflow_id"`
	Group        string    `json:"group"`
	State        State     `json:"state"`
	FireAt       time.Time `json:"fire_at"`
	ClaimedUntil time.Time `json:"claimed_until,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsLive 尚未触发也未撤销
func (t *Timer) IsLive() bool {
	return t.State == StateArmed
}

// IsPending 仍会在未来触发（用于识别过期或重复的触发）
func (t *Timer) IsPending(now time.Time) bool {
	return t.State == StateArmed && t.FireAt.After(now)
}

// Repository 定时器持久化接口，由 storage 下的各实现提供
type Repository interface {
	// Create 保存新定时器
	Create(ctx context.Context, t *Timer) error
	// Get 按句柄查询，不存在返回 ErrTimerNotFound
	Get(ctx context.Context, handle string) (*Timer, error)
	// Cancel 撤销ARMED/FIRING定时器，返回是否实际撤销
	Cancel(ctx context.Context, handle string) (bool, error)
	// CancelGroup 批量撤销某个分组下的全部未触发定时器
	CancelGroup(ctx context.Context, group string) (int64, error)
	// ClaimDue 认领到期的定时器（含认领已过期的FIRING），置为FIRING
	ClaimDue(ctx context.Context, now, claimUntil time.Time, limit int) ([]*Timer, error)
	// MarkFired 将FIRING标记为FIRED；已被撤销则为no-op
	MarkFired(ctx context.Context, handle string) error
	// ListLive 列出某workflow的全部ARMED定时器
	ListLive(ctx context.Context, workflowID string) ([]*Timer, error)
}
