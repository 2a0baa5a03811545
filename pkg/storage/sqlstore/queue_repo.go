package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/dao"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queueColumns = `seq, message_id, workflow_id, message_type, payload, content_hash,
	receipt_handle, receive_count, visible_at, enqueued_at`

const deadLetterColumns = `message_id, workflow_id, message_type, payload, content_hash,
	receive_count, reason, enqueued_at, dead_lettered_at`

// QueueRepo Work Queue的SQL实现（对外导出）
// 按workflow_id分组FIFO：只有分组头部消息可以被租出，头部在租期间整组阻塞
type QueueRepo struct {
	db    *sqlx.DB
	clock clock.Clock
	opts  queue.Options

	hookMu sync.RWMutex
	hook   storage.DeadLetterHook
}

// SetDeadLetterHook 设置死信回调
func (r *QueueRepo) SetDeadLetterHook(hook storage.DeadLetterHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hook = hook
}

// Enqueue 入队，去重窗口内相同内容的消息被丢弃
func (r *QueueRepo) Enqueue(ctx context.Context, msg *queue.Message) (bool, error) {
	if msg == nil || msg.WorkflowID == "" {
		return false, fmt.Errorf("消息缺少workflow_id")
	}
	now := r.clock.Now().UTC()
	nowMs := toMillis(now)
	hash := msg.ContentHash()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM queue_dedup WHERE content_hash = ? AND expires_at <= ?`), hash, nowMs); err != nil {
		return false, fmt.Errorf("清理去重记录失败: %w", err)
	}
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM queue_dedup WHERE content_hash = ?`), hash); err != nil {
		return false, fmt.Errorf("查询去重记录失败: %w", err)
	}
	if n > 0 {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("提交事务失败: %w", err)
		}
		return true, nil
	}

	messageID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO queue_dedup (content_hash, message_id, expires_at) VALUES (?, ?, ?)`),
		hash, messageID, toMillis(now.Add(r.opts.DedupWindow))); err != nil {
		return false, fmt.Errorf("写入去重记录失败: %w", err)
	}

	d := &dao.QueueMessageDAO{
		MessageID:   messageID,
		WorkflowID:  msg.WorkflowID,
		MessageType: string(msg.MessageType),
		Payload:     string(msg.Payload),
		ContentHash: hash,
		VisibleAt:   nowMs,
		EnqueuedAt:  nowMs,
	}
	if err := insertMessage(ctx, tx, d); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("提交事务失败: %w", err)
	}
	return false, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, d *dao.QueueMessageDAO) error {
	query := `INSERT INTO queue_message (message_id, workflow_id, message_type, payload, content_hash,
		receipt_handle, receive_count, visible_at, enqueued_at)
		VALUES (:message_id, :workflow_id, :message_type, :payload, :content_hash,
		:receipt_handle, :receive_count, :visible_at, :enqueued_at)`
	if _, err := tx.NamedExecContext(ctx, query, d); err != nil {
		return fmt.Errorf("写入队列消息失败: %w", err)
	}
	return nil
}

// Dequeue 租出至多 maxBatch 条可见的分组头部消息
// 投递次数已达上限的头部消息在本次被转入死信
func (r *QueueRepo) Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*queue.Delivery, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	now := r.clock.Now().UTC()
	nowMs := toMillis(now)
	leaseUntil := now.Add(visibilityTimeout)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	var heads []dao.QueueMessageDAO
	query := tx.Rebind(`SELECT ` + queueColumns + ` FROM queue_message m
		WHERE m.seq = (SELECT MIN(g.seq) FROM queue_message g WHERE g.workflow_id = m.workflow_id)
		AND m.visible_at <= ?
		ORDER BY m.seq LIMIT ?`)
	if err := tx.SelectContext(ctx, &heads, query, nowMs, maxBatch); err != nil {
		return nil, fmt.Errorf("查询可投递消息失败: %w", err)
	}

	var deliveries []*queue.Delivery
	var deadLetters []*queue.DeadLetter
	for i := range heads {
		h := &heads[i]
		if h.ReceiveCount >= r.opts.MaxReceiveCount {
			dl, err := r.deadLetterInTx(ctx, tx, h, nowMs)
			if err != nil {
				return nil, err
			}
			if dl != nil {
				deadLetters = append(deadLetters, dl)
			}
			continue
		}

		receipt := uuid.NewString()
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE queue_message
			SET receive_count = receive_count + 1, visible_at = ?, receipt_handle = ?
			WHERE message_id = ? AND receive_count = ? AND visible_at = ?`),
			toMillis(leaseUntil), receipt, h.MessageID, h.ReceiveCount, h.VisibleAt)
		if err != nil {
			return nil, fmt.Errorf("租出消息失败: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			// 被其他消费者抢先租出
			continue
		}
		deliveries = append(deliveries, &queue.Delivery{
			Message:       daoToMessage(h.WorkflowID, h.MessageType, h.Payload),
			MessageID:     h.MessageID,
			ReceiptHandle: receipt,
			ReceiveCount:  h.ReceiveCount + 1,
			EnqueuedAt:    fromMillis(h.EnqueuedAt),
			LeaseUntil:    leaseUntil,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	r.notifyDeadLetters(deadLetters)
	return deliveries, nil
}

func (r *QueueRepo) deadLetterInTx(ctx context.Context, tx *sqlx.Tx, h *dao.QueueMessageDAO, nowMs int64) (*queue.DeadLetter, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM queue_message WHERE message_id = ? AND receive_count = ? AND visible_at = ?`),
		h.MessageID, h.ReceiveCount, h.VisibleAt)
	if err != nil {
		return nil, fmt.Errorf("移除毒消息失败: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return nil, nil
	}

	d := &dao.DeadLetterDAO{
		MessageID:      h.MessageID,
		WorkflowID:     h.WorkflowID,
		MessageType:    h.MessageType,
		Payload:        h.Payload,
		ContentHash:    h.ContentHash,
		ReceiveCount:   h.ReceiveCount,
		Reason:         fmt.Sprintf("%s: receive count %d reached limit %d", queue.ErrPoisonMessage, h.ReceiveCount, r.opts.MaxReceiveCount),
		EnqueuedAt:     h.EnqueuedAt,
		DeadLetteredAt: nowMs,
	}
	query := `INSERT INTO queue_dead_letter (` + deadLetterColumns + `)
		VALUES (:message_id, :workflow_id, :message_type, :payload, :content_hash,
		:receive_count, :reason, :enqueued_at, :dead_lettered_at)`
	if _, err := tx.NamedExecContext(ctx, query, d); err != nil {
		return nil, fmt.Errorf("写入死信失败: %w", err)
	}
	return daoToDeadLetter(d), nil
}

func (r *QueueRepo) notifyDeadLetters(dls []*queue.DeadLetter) {
	if len(dls) == 0 {
		return
	}
	metrics.RecordDeadLetters(len(dls))
	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook == nil {
		return
	}
	for _, dl := range dls {
		hook(dl)
	}
}

// Ack 按回执删除消息
func (r *QueueRepo) Ack(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return queue.ErrStaleReceipt
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM queue_message WHERE receipt_handle = ?`), receiptHandle)
	if err != nil {
		return fmt.Errorf("确认消息失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取影响行数失败: %w", err)
	}
	if affected == 0 {
		return queue.ErrStaleReceipt
	}
	return nil
}

// ListDeadLetters 列出死信，最近的在前
func (r *QueueRepo) ListDeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []dao.DeadLetterDAO
	query := r.db.Rebind(`SELECT ` + deadLetterColumns + ` FROM queue_dead_letter ORDER BY dead_lettered_at DESC, message_id LIMIT ?`)
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("查询死信失败: %w", err)
	}
	result := make([]*queue.DeadLetter, 0, len(rows))
	for i := range rows {
		result = append(result, daoToDeadLetter(&rows[i]))
	}
	return result, nil
}

// RedriveDeadLetter 把死信放回所属分组的尾部，投递计数清零
func (r *QueueRepo) RedriveDeadLetter(ctx context.Context, messageID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	var dl dao.DeadLetterDAO
	query := tx.Rebind(`SELECT ` + deadLetterColumns + ` FROM queue_dead_letter WHERE message_id = ?`)
	if err := tx.GetContext(ctx, &dl, query, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", queue.ErrDeadLetterNotFound, messageID)
		}
		return fmt.Errorf("查询死信失败: %w", err)
	}

	nowMs := toMillis(r.clock.Now().UTC())
	if err := insertMessage(ctx, tx, &dao.QueueMessageDAO{
		MessageID:   dl.MessageID,
		WorkflowID:  dl.WorkflowID,
		MessageType: dl.MessageType,
		Payload:     dl.Payload,
		ContentHash: dl.ContentHash,
		VisibleAt:   nowMs,
		EnqueuedAt:  nowMs,
	}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM queue_dead_letter WHERE message_id = ?`), messageID); err != nil {
		return fmt.Errorf("删除死信失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// PurgeDedup 清理过期的去重记录
func (r *QueueRepo) PurgeDedup(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM queue_dedup WHERE expires_at <= ?`), toMillis(r.clock.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("清理去重记录失败: %w", err)
	}
	return res.RowsAffected()
}

// Stats 队列概况
func (r *QueueRepo) Stats(ctx context.Context) (queue.Stats, error) {
	var st queue.Stats
	nowMs := toMillis(r.clock.Now().UTC())
	if err := r.db.GetContext(ctx, &st.Depth, `SELECT COUNT(*) FROM queue_message`); err != nil {
		return st, fmt.Errorf("统计队列深度失败: %w", err)
	}
	if err := r.db.GetContext(ctx, &st.InFlight,
		r.db.Rebind(`SELECT COUNT(*) FROM queue_message WHERE receive_count > 0 AND visible_at > ?`), nowMs); err != nil {
		return st, fmt.Errorf("统计在租消息失败: %w", err)
	}
	if err := r.db.GetContext(ctx, &st.DeadLetters, `SELECT COUNT(*) FROM queue_dead_letter`); err != nil {
		return st, fmt.Errorf("统计死信失败: %w", err)
	}
	return st, nil
}

func daoToMessage(workflowID, messageType, payload string) queue.Message {
	m := queue.Message{
		WorkflowID:  workflowID,
		MessageType: queue.MessageType(messageType),
	}
	if payload != "" {
		m.Payload = json.RawMessage(payload)
	}
	return m
}

func daoToDeadLetter(d *dao.DeadLetterDAO) *queue.DeadLetter {
	return &queue.DeadLetter{
		Message:        daoToMessage(d.WorkflowID, d.MessageType, d.Payload),
		MessageID:      d.MessageID,
		ContentHash:    d.ContentHash,
		ReceiveCount:   d.ReceiveCount,
		Reason:         d.Reason,
		EnqueuedAt:     fromMillis(d.EnqueuedAt),
		DeadLetteredAt: fromMillis(d.DeadLetteredAt),
	}
}
