package dao

import (
	"database/sql"
	"time"
)

// WorkflowRecordDAO workflow_record表的数据访问对象
type WorkflowRecordDAO struct {
	WorkflowID     string         `db:"workflow_id"`
	Status         string         `db:"status"`
	SourceKey      string         `db:"source_key"`
	RetryCount     int            `db:"retry_count"`
	TimerHandle    string         `db:"timer_handle"`
	TaskParams     sql.NullString `db:"task_params"` // JSON格式存储
	ErrorMessage   sql.NullString `db:"error_message"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	IngestToken    sql.NullString `db:"ingest_token"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
