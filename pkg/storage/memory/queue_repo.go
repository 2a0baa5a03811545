package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type queuedMessage struct {
	seq          int64
	id           string
	msg          queue.Message
	hash         string
	receipt      string
	receiveCount int
	visibleAt    time.Time
	enqueuedAt   time.Time
}

// QueueRepo Work Queue的内存实现，语义与SQL实现一致
type QueueRepo struct {
	faults
	mu          sync.Mutex
	clock       clock.Clock
	opts        queue.Options
	seq         int64
	messages    []*queuedMessage
	dedup       map[string]time.Time
	deadLetters map[string]*queue.DeadLetter
	hook        storage.DeadLetterHook
}

// NewQueueRepo 创建内存队列
func NewQueueRepo(clk clock.Clock, opts queue.Options) *QueueRepo {
	return &QueueRepo{
		clock:       clk,
		opts:        opts.Normalize(),
		dedup:       make(map[string]time.Time),
		deadLetters: make(map[string]*queue.DeadLetter),
	}
}

// SetDeadLetterHook 设置死信回调
func (r *QueueRepo) SetDeadLetterHook(hook storage.DeadLetterHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Enqueue 入队
func (r *QueueRepo) Enqueue(ctx context.Context, msg *queue.Message) (bool, error) {
	if err := r.check("enqueue"); err != nil {
		return false, err
	}
	if msg == nil || msg.WorkflowID == "" {
		return false, fmt.Errorf("消息缺少workflow_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	hash := msg.ContentHash()
	if exp, ok := r.dedup[hash]; ok && exp.After(now) {
		return true, nil
	}
	r.dedup[hash] = now.Add(r.opts.DedupWindow)

	r.seq++
	m := *msg
	m.Payload = append([]byte(nil), msg.Payload...)
	if len(msg.Payload) == 0 {
		m.Payload = nil
	}
	r.messages = append(r.messages, &queuedMessage{
		seq:        r.seq,
		id:         uuid.NewString(),
		msg:        m,
		hash:       hash,
		visibleAt:  now,
		enqueuedAt: now,
	})
	return false, nil
}

// Dequeue 租出分组头部消息
func (r *QueueRepo) Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*queue.Delivery, error) {
	if err := r.check("dequeue"); err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	r.mu.Lock()
	now := r.clock.Now().UTC()
	leaseUntil := now.Add(visibilityTimeout)

	seen := make(map[string]bool)
	var heads []*queuedMessage
	for _, m := range r.messages {
		if seen[m.msg.WorkflowID] {
			continue
		}
		seen[m.msg.WorkflowID] = true
		if !m.visibleAt.After(now) {
			heads = append(heads, m)
		}
		if len(heads) >= maxBatch {
			break
		}
	}

	var deliveries []*queue.Delivery
	var dls []*queue.DeadLetter
	for _, m := range heads {
		if m.receiveCount >= r.opts.MaxReceiveCount {
			dl := &queue.DeadLetter{
				Message:        m.msg,
				MessageID:      m.id,
				ContentHash:    m.hash,
				ReceiveCount:   m.receiveCount,
				Reason:         fmt.Sprintf("%s: receive count %d reached limit %d", queue.ErrPoisonMessage, m.receiveCount, r.opts.MaxReceiveCount),
				EnqueuedAt:     m.enqueuedAt,
				DeadLetteredAt: now,
			}
			r.deadLetters[m.id] = dl
			r.remove(m.id)
			dls = append(dls, dl)
			continue
		}
		m.receiveCount++
		m.receipt = uuid.NewString()
		m.visibleAt = leaseUntil
		deliveries = append(deliveries, &queue.Delivery{
			Message:       m.msg,
			MessageID:     m.id,
			ReceiptHandle: m.receipt,
			ReceiveCount:  m.receiveCount,
			EnqueuedAt:    m.enqueuedAt,
			LeaseUntil:    leaseUntil,
		})
	}
	hook := r.hook
	r.mu.Unlock()

	if len(dls) > 0 {
		metrics.RecordDeadLetters(len(dls))
		if hook != nil {
			for _, dl := range dls {
				hook(dl)
			}
		}
	}
	return deliveries, nil
}

func (r *QueueRepo) remove(id string) {
	for i, m := range r.messages {
		if m.id == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

// Ack 按回执删除
func (r *QueueRepo) Ack(ctx context.Context, receiptHandle string) error {
	if err := r.check("ack"); err != nil {
		return err
	}
	if receiptHandle == "" {
		return queue.ErrStaleReceipt
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.receipt == receiptHandle {
			r.remove(m.id)
			return nil
		}
	}
	return queue.ErrStaleReceipt
}

// ListDeadLetters 列出死信
func (r *QueueRepo) ListDeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*queue.DeadLetter, 0, len(r.deadLetters))
	for _, dl := range r.deadLetters {
		c := *dl
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DeadLetteredAt.Equal(result[j].DeadLetteredAt) {
			return result[i].DeadLetteredAt.After(result[j].DeadLetteredAt)
		}
		return result[i].MessageID < result[j].MessageID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RedriveDeadLetter 把死信放回队尾
func (r *QueueRepo) RedriveDeadLetter(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, ok := r.deadLetters[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrDeadLetterNotFound, messageID)
	}
	delete(r.deadLetters, messageID)
	now := r.clock.Now().UTC()
	r.seq++
	r.messages = append(r.messages, &queuedMessage{
		seq:        r.seq,
		id:         dl.MessageID,
		msg:        dl.Message,
		hash:       dl.ContentHash,
		visibleAt:  now,
		enqueuedAt: now,
	})
	return nil
}

// PurgeDedup 清理过期去重记录
func (r *QueueRepo) PurgeDedup(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var n int64
	for h, exp := range r.dedup {
		if !exp.After(now) {
			delete(r.dedup, h)
			n++
		}
	}
	return n, nil
}

// Stats 队列概况
func (r *QueueRepo) Stats(ctx context.Context) (queue.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	st := queue.Stats{Depth: len(r.messages), DeadLetters: len(r.deadLetters)}
	for _, m := range r.messages {
		if m.receiveCount > 0 && m.visibleAt.After(now) {
			st.InFlight++
		}
	}
	return st, nil
}
