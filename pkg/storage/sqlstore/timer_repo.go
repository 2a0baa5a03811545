package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/storage/dao"
	"github.com/jmoiron/sqlx"
)

const timerColumns = `handle, workflow_id, group_name, state, fire_at, claimed_until, created_at`

// TimerRepo 定时器存储的SQL实现（对外导出）
type TimerRepo struct {
	db *sqlx.DB
}

// Create 保存定时器
func (r *TimerRepo) Create(ctx context.Context, t *timer.Timer) error {
	query := `INSERT INTO watchdog_timer (` + timerColumns + `)
		VALUES (:handle, :workflow_id, :group_name, :state, :fire_at, :claimed_until, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, timerToDAO(t)); err != nil {
		return fmt.Errorf("保存定时器失败: %w", err)
	}
	return nil
}

// Get 按句柄查询
func (r *TimerRepo) Get(ctx context.Context, handle string) (*timer.Timer, error) {
	var d dao.WatchdogTimerDAO
	query := r.db.Rebind(`SELECT ` + timerColumns + ` FROM watchdog_timer WHERE handle = ?`)
	if err := r.db.GetContext(ctx, &d, query, handle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", timer.ErrTimerNotFound, handle)
		}
		return nil, fmt.Errorf("查询定时器失败: %w", err)
	}
	return daoToTimer(&d), nil
}

// Cancel 撤销尚未完成触发的定时器
func (r *TimerRepo) Cancel(ctx context.Context, handle string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE watchdog_timer SET state = ? WHERE handle = ? AND state IN (?, ?)`),
		string(timer.StateCancelled), handle, string(timer.StateArmed), string(timer.StateFiring))
	if err != nil {
		return false, fmt.Errorf("撤销定时器失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取影响行数失败: %w", err)
	}
	return affected > 0, nil
}

// CancelGroup 批量撤销分组
func (r *TimerRepo) CancelGroup(ctx context.Context, group string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE watchdog_timer SET state = ? WHERE group_name = ? AND state IN (?, ?)`),
		string(timer.StateCancelled), group, string(timer.StateArmed), string(timer.StateFiring))
	if err != nil {
		return 0, fmt.Errorf("批量撤销定时器失败: %w", err)
	}
	return res.RowsAffected()
}

// ClaimDue 认领到期定时器
// 认领通过 state + claimed_until 的条件更新完成，多个sweeper并发时每个定时器只会被一个认领
func (r *TimerRepo) ClaimDue(ctx context.Context, now, claimUntil time.Time, limit int) ([]*timer.Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMs := toMillis(now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	var due []dao.WatchdogTimerDAO
	query := tx.Rebind(`SELECT ` + timerColumns + ` FROM watchdog_timer
		WHERE (state = ? AND fire_at <= ?) OR (state = ? AND claimed_until <= ?)
		ORDER BY fire_at, handle LIMIT ?`)
	if err := tx.SelectContext(ctx, &due, query,
		string(timer.StateArmed), nowMs, string(timer.StateFiring), nowMs, limit); err != nil {
		return nil, fmt.Errorf("查询到期定时器失败: %w", err)
	}

	claimed := make([]*timer.Timer, 0, len(due))
	for i := range due {
		d := &due[i]
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE watchdog_timer SET state = ?, claimed_until = ?
			WHERE handle = ? AND state = ? AND claimed_until = ?`),
			string(timer.StateFiring), toMillis(claimUntil), d.Handle, d.State, d.ClaimedUntil)
		if err != nil {
			return nil, fmt.Errorf("认领定时器失败: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			continue
		}
		d.State = string(timer.StateFiring)
		d.ClaimedUntil = toMillis(claimUntil)
		claimed = append(claimed, daoToTimer(d))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return claimed, nil
}

// MarkFired 标记已触发
func (r *TimerRepo) MarkFired(ctx context.Context, handle string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE watchdog_timer SET state = ? WHERE handle = ? AND state = ?`),
		string(timer.StateFired), handle, string(timer.StateFiring)); err != nil {
		return fmt.Errorf("标记定时器失败: %w", err)
	}
	return nil
}

// ListLive 列出某workflow的ARMED定时器
func (r *TimerRepo) ListLive(ctx context.Context, workflowID string) ([]*timer.Timer, error) {
	var rows []dao.WatchdogTimerDAO
	query := r.db.Rebind(`SELECT ` + timerColumns + ` FROM watchdog_timer WHERE workflow_id = ? AND state = ? ORDER BY fire_at`)
	if err := r.db.SelectContext(ctx, &rows, query, workflowID, string(timer.StateArmed)); err != nil {
		return nil, fmt.Errorf("查询定时器失败: %w", err)
	}
	result := make([]*timer.Timer, 0, len(rows))
	for i := range rows {
		result = append(result, daoToTimer(&rows[i]))
	}
	return result, nil
}

func timerToDAO(t *timer.Timer) *dao.WatchdogTimerDAO {
	return &dao.WatchdogTimerDAO{
		Handle:       t.Handle,
		WorkflowID:   t.WorkflowID,
		GroupName:    t.Group,
		State:        string(t.State),
		FireAt:       toMillis(t.FireAt),
		ClaimedUntil: toMillis(t.ClaimedUntil),
		CreatedAt:    toMillis(t.CreatedAt),
	}
}

func daoToTimer(d *dao.WatchdogTimerDAO) *timer.Timer {
	return &timer.Timer{
		Handle:       d.Handle,
		WorkflowID:   d.WorkflowID,
		Group:        d.GroupName,
		State:        timer.State(d.State),
		FireAt:       fromMillis(d.FireAt),
		ClaimedUntil: fromMillis(d.ClaimedUntil),
		CreatedAt:    fromMillis(d.CreatedAt),
	}
}
