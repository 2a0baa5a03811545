package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/dao"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
)

// maxCASAttempts 条件更新在版本冲突时的最大重读次数
const maxCASAttempts = 16

const workflowColumns = `workflow_id, status, source_key, retry_count, timer_handle, task_params,
	error_message, idempotency_key, ingest_token, version, created_at, updated_at`

// WorkflowRepo Workflow Store的SQL实现（对外导出）
type WorkflowRepo struct {
	db      *sqlx.DB
	dialect storage.Dialect
	clock   clock.Clock
}

// Put 保存新记录，workflow_id 已存在时返回 workflow.ErrAlreadyExists
// 依赖主键约束判断重复，并发写入同一 workflow_id 时只有一个成功
func (r *WorkflowRepo) Put(ctx context.Context, rec *workflow.Record) error {
	if rec == nil || rec.WorkflowID == "" {
		return fmt.Errorf("workflow_id不能为空")
	}
	if !rec.Status.IsValid() {
		return fmt.Errorf("%w: %q", workflow.ErrInvalidStatus, rec.Status)
	}
	now := r.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	query := `INSERT INTO workflow_record (` + workflowColumns + `)
		VALUES (:workflow_id, :status, :source_key, :retry_count, :timer_handle, :task_params,
		:error_message, :idempotency_key, :ingest_token, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, recordToDAO(rec)); err != nil {
		if r.dialect != nil && r.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", workflow.ErrAlreadyExists, rec.WorkflowID)
		}
		return fmt.Errorf("保存workflow失败: %w", err)
	}
	return nil
}

// Get 查询记录
func (r *WorkflowRepo) Get(ctx context.Context, workflowID string) (*workflow.Record, error) {
	var d dao.WorkflowRecordDAO
	query := r.db.Rebind(`SELECT ` + workflowColumns + ` FROM workflow_record WHERE workflow_id = ?`)
	if err := r.db.GetContext(ctx, &d, query, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, workflowID)
		}
		return nil, fmt.Errorf("查询workflow失败: %w", err)
	}
	return daoToRecord(&d), nil
}

// Update 基于version列的乐观并发更新
// 版本冲突时重读最新记录并重新执行mutator
func (r *WorkflowRepo) Update(ctx context.Context, workflowID string, mutate workflow.Mutator) (*workflow.Record, error) {
	query := `UPDATE workflow_record SET status = :status, retry_count = :retry_count,
		timer_handle = :timer_handle, error_message = :error_message,
		version = :version + 1, updated_at = :updated_at
		WHERE workflow_id = :workflow_id AND version = :version`

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := r.Get(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		next, changed, err := workflow.Apply(current, mutate)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		next.UpdatedAt = r.clock.Now().UTC()
		next.Version = current.Version

		res, err := r.db.NamedExecContext(ctx, query, recordToDAO(next))
		if err != nil {
			return nil, fmt.Errorf("更新workflow失败: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("获取影响行数失败: %w", err)
		}
		if affected == 1 {
			next.Version = current.Version + 1
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: too many concurrent updates on %s", workflow.ErrConflict, workflowID)
}

// QueryBySource 按来源查询
func (r *WorkflowRepo) QueryBySource(ctx context.Context, sourceKey string, status workflow.Status) ([]*workflow.Record, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_record WHERE source_key = ?`
	args := []interface{}{sourceKey}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, workflow_id`
	return r.selectRecords(ctx, query, args...)
}

// ListActive 列出非终态记录
func (r *WorkflowRepo) ListActive(ctx context.Context, limit int) ([]*workflow.Record, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_record WHERE status IN (?, ?) ORDER BY created_at, workflow_id`
	args := []interface{}{string(workflow.StatusPending), string(workflow.StatusRunning)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.selectRecords(ctx, query, args...)
}

// List 分页查询
func (r *WorkflowRepo) List(ctx context.Context, filter storage.WorkflowFilter) ([]*workflow.Record, int, error) {
	var conds []string
	var args []interface{}
	if filter.SourceKey != "" {
		conds = append(conds, "source_key = ?")
		args = append(args, filter.SourceKey)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*) FROM workflow_record`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("统计workflow失败: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + workflowColumns + ` FROM workflow_record` + where +
		` ORDER BY created_at DESC, workflow_id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)
	records, err := r.selectRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *WorkflowRepo) selectRecords(ctx context.Context, query string, args ...interface{}) ([]*workflow.Record, error) {
	var rows []dao.WorkflowRecordDAO
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询workflow失败: %w", err)
	}
	result := make([]*workflow.Record, 0, len(rows))
	for i := range rows {
		result = append(result, daoToRecord(&rows[i]))
	}
	return result, nil
}

func recordToDAO(rec *workflow.Record) *dao.WorkflowRecordDAO {
	return &dao.WorkflowRecordDAO{
		WorkflowID:     rec.WorkflowID,
		Status:         string(rec.Status),
		SourceKey:      rec.SourceKey,
		RetryCount:     rec.RetryCount,
		TimerHandle:    rec.TimerHandle,
		TaskParams:     sql.NullString{String: string(rec.TaskParams), Valid: len(rec.TaskParams) > 0},
		ErrorMessage:   sql.NullString{String: rec.ErrorMessage, Valid: rec.ErrorMessage != ""},
		IdempotencyKey: sql.NullString{String: rec.IdempotencyKey, Valid: rec.IdempotencyKey != ""},
		IngestToken:    sql.NullString{String: rec.IngestToken, Valid: rec.IngestToken != ""},
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
}

func daoToRecord(d *dao.WorkflowRecordDAO) *workflow.Record {
	rec := &workflow.Record{
		WorkflowID:     d.WorkflowID,
		Status:         workflow.Status(d.Status),
		SourceKey:      d.SourceKey,
		RetryCount:     d.RetryCount,
		TimerHandle:    d.TimerHandle,
		ErrorMessage:   d.ErrorMessage.String,
		IdempotencyKey: d.IdempotencyKey.String,
		IngestToken:    d.IngestToken.String,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.TaskParams.Valid && d.TaskParams.String != "" {
		rec.TaskParams = json.RawMessage(d.TaskParams.String)
	}
	return rec
}
