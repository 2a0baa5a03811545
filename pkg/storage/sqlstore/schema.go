package sqlstore

import "strings"

// schema 通用DDL，由各方言的 CreateTableSQL 转换
// {{AUTO_INCREMENT}} 会被替换为方言的自增主键关键字
var schema = []string{
	// Workflow记录表
	`CREATE TABLE IF NOT EXISTS workflow_record (
		workflow_id VARCHAR(64) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		source_key VARCHAR(255) NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		timer_handle VARCHAR(64) NOT NULL DEFAULT '',
		task_params TEXT,
		error_message TEXT,
		idempotency_key VARCHAR(255),
		ingest_token VARCHAR(64),
		version BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_record_source ON workflow_record(source_key, status)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_record_status ON workflow_record(status)`,

	// 工作队列表，seq 决定同一workflow内的投递顺序
	`CREATE TABLE IF NOT EXISTS queue_message (
		seq {{AUTO_INCREMENT}},
		message_id VARCHAR(64) NOT NULL UNIQUE,
		workflow_id VARCHAR(64) NOT NULL,
		message_type VARCHAR(16) NOT NULL,
		payload TEXT,
		content_hash VARCHAR(64) NOT NULL,
		receipt_handle VARCHAR(64) NOT NULL DEFAULT '',
		receive_count INTEGER NOT NULL DEFAULT 0,
		visible_at BIGINT NOT NULL,
		enqueued_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_message_group ON queue_message(workflow_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_message_visible ON queue_message(visible_at)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_message_receipt ON queue_message(receipt_handle)`,

	// 去重窗口
	`CREATE TABLE IF NOT EXISTS queue_dedup (
		content_hash VARCHAR(64) PRIMARY KEY,
		message_id VARCHAR(64) NOT NULL,
		expires_at BIGINT NOT NULL
	)`,

	// 死信
	`CREATE TABLE IF NOT EXISTS queue_dead_letter (
		message_id VARCHAR(64) PRIMARY KEY,
		workflow_id VARCHAR(64) NOT NULL,
		message_type VARCHAR(16) NOT NULL,
		payload TEXT,
		content_hash VARCHAR(64) NOT NULL,
		receive_count INTEGER NOT NULL,
		reason TEXT,
		enqueued_at BIGINT NOT NULL,
		dead_lettered_at BIGINT NOT NULL
	)`,

	// 一次性定时器
	`CREATE TABLE IF NOT EXISTS watchdog_timer (
		handle VARCHAR(64) PRIMARY KEY,
		workflow_id VARCHAR(64) NOT NULL,
		group_name VARCHAR(128) NOT NULL,
		state VARCHAR(16) NOT NULL,
		fire_at BIGINT NOT NULL,
		claimed_until BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_watchdog_timer_due ON watchdog_timer(state, fire_at)`,
	`CREATE INDEX IF NOT EXISTS idx_watchdog_timer_workflow ON watchdog_timer(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_watchdog_timer_group ON watchdog_timer(group_name)`,
}

func expandSchema(stmt, autoIncrement string) string {
	return strings.ReplaceAll(stmt, "{{AUTO_INCREMENT}}", autoIncrement)
}
