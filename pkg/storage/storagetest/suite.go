// Package storagetest 存储实现的通用契约测试，SQL与内存实现共用
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Epoch 测试用的起始时间
var Epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// Factory 按给定时钟和队列参数创建一套全新的存储
type Factory func(t *testing.T, clk clock.Clock, opts queue.Options) *storage.Repositories

func newEnv(t *testing.T, f Factory, opts queue.Options) (*storage.Repositories, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(Epoch)
	repos := f(t, mock, opts)
	t.Cleanup(func() { repos.Close() })
	return repos, mock
}

// Run 执行全部契约测试
func Run(t *testing.T, f Factory) {
	t.Run("Workflow", func(t *testing.T) { runWorkflowTests(t, f) })
	t.Run("Queue", func(t *testing.T) { runQueueTests(t, f) })
	t.Run("Timer", func(t *testing.T) { runTimerTests(t, f) })
}

func runWorkflowTests(t *testing.T, f Factory) {
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		rec := workflow.NewRecord("wf-1", "github:42", json.RawMessage(`{"repo":"a/b"}`), mock.Now())
		rec.IdempotencyKey = "delivery-1"
		require.NoError(t, repos.Workflows.Put(ctx, rec))

		got, err := repos.Workflows.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusPending, got.Status)
		assert.Equal(t, "github:42", got.SourceKey)
		assert.Equal(t, 0, got.RetryCount)
		assert.Empty(t, got.TimerHandle)
		assert.JSONEq(t, `{"repo":"a/b"}`, string(got.TaskParams))
		assert.Equal(t, "delivery-1", got.IdempotencyKey)
		assert.True(t, got.CreatedAt.Equal(Epoch))
	})

	t.Run("PutDuplicate", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		rec := workflow.NewRecord("wf-1", "src", nil, mock.Now())
		require.NoError(t, repos.Workflows.Put(ctx, rec))
		err := repos.Workflows.Put(ctx, rec)
		assert.ErrorIs(t, err, workflow.ErrAlreadyExists)
	})

	t.Run("PutConcurrentDuplicate", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repos.Workflows.Put(ctx, workflow.NewRecord("wf-race", "src", nil, mock.Now()))
			}(i)
		}
		wg.Wait()

		created := 0
		for _, err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.ErrorIs(t, err, workflow.ErrAlreadyExists)
		}
		assert.Equal(t, 1, created)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repos, _ := newEnv(t, f, queue.DefaultOptions())
		_, err := repos.Workflows.Get(ctx, "missing")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("UpdateTransitions", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		require.NoError(t, repos.Workflows.Put(ctx, workflow.NewRecord("wf-1", "src", nil, mock.Now())))

		mock.Add(time.Minute)
		got, err := repos.Workflows.Update(ctx, "wf-1", func(r *workflow.Record) error {
			r.Status = workflow.StatusRunning
			r.TimerHandle = "h1"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusRunning, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.UpdatedAt.Equal(Epoch.Add(time.Minute)))

		got, err = repos.Workflows.Update(ctx, "wf-1", func(r *workflow.Record) error {
			r.Status = workflow.StatusCompleted
			r.TimerHandle = ""
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, got.Status)

		// 终态之后任何修改都是冲突
		_, err = repos.Workflows.Update(ctx, "wf-1", func(r *workflow.Record) error {
			r.Status = workflow.StatusFailed
			return nil
		})
		assert.ErrorIs(t, err, workflow.ErrConflict)

		stored, err := repos.Workflows.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, stored.Status)
	})

	t.Run("UpdateSkip", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		require.NoError(t, repos.Workflows.Put(ctx, workflow.NewRecord("wf-1", "src", nil, mock.Now())))
		got, err := repos.Workflows.Update(ctx, "wf-1", func(r *workflow.Record) error {
			return workflow.ErrSkipUpdate
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Version)
	})

	t.Run("UpdateMutatorErrorPassesThrough", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		require.NoError(t, repos.Workflows.Put(ctx, workflow.NewRecord("wf-1", "src", nil, mock.Now())))
		boom := errors.New("boom")
		_, err := repos.Workflows.Update(ctx, "wf-1", func(r *workflow.Record) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("ConcurrentIncrementsAreSerialized", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		require.NoError(t, repos.Workflows.Put(ctx, workflow.NewRecord("wf-1", "src", nil, mock.Now())))

		const n = 8
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repos.Workflows.Update(ctx, "wf-1", func(r *workflow.Record) error {
					r.RetryCount++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := repos.Workflows.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, n, got.RetryCount)
	})

	t.Run("QueryAndList", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		for _, id := range []string{"wf-a", "wf-b", "wf-c"} {
			mock.Add(time.Second)
			require.NoError(t, repos.Workflows.Put(ctx, workflow.NewRecord(id, "src-1", nil, mock.Now())))
		}
		require.NoError(t, repos.Workflows.Put(ctx, workflow.NewRecord("wf-x", "src-2", nil, mock.Now())))
		_, err := repos.Workflows.Update(ctx, "wf-b", func(r *workflow.Record) error {
			r.Status = workflow.StatusFailed
			return nil
		})
		require.NoError(t, err)

		bySource, err := repos.Workflows.QueryBySource(ctx, "src-1", "")
		require.NoError(t, err)
		require.Len(t, bySource, 3)
		assert.Equal(t, "wf-a", bySource[0].WorkflowID)

		failed, err := repos.Workflows.QueryBySource(ctx, "src-1", workflow.StatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "wf-b", failed[0].WorkflowID)

		active, err := repos.Workflows.ListActive(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, active, 3)

		page, total, err := repos.Workflows.List(ctx, storage.WorkflowFilter{SourceKey: "src-1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		assert.Equal(t, "wf-c", page[0].WorkflowID)
	})
}

func runQueueTests(t *testing.T, f Factory) {
	ctx := context.Background()
	vt := time.Minute

	t.Run("FIFOWithinGroup", func(t *testing.T) {
		repos, _ := newEnv(t, f, queue.DefaultOptions())
		q := repos.Queue
		_, err := q.Enqueue(ctx, &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageStart})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageResume, Payload: json.RawMessage(`{"attempt":1}`)})
		require.NoError(t, err)

		first, err := q.Dequeue(ctx, 10, vt)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, queue.MessageStart, first[0].MessageType)
		assert.Equal(t, 1, first[0].ReceiveCount)

		// 头部在租，整组阻塞
		blocked, err := q.Dequeue(ctx, 10, vt)
		require.NoError(t, err)
		assert.Empty(t, blocked)

		require.NoError(t, q.Ack(ctx, first[0].ReceiptHandle))
		second, err := q.Dequeue(ctx, 10, vt)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, queue.MessageResume, second[0].MessageType)
		assert.JSONEq(t, `{"attempt":1}`, string(second[0].Payload))
	})

	t.Run("GroupsAreIndependent", func(t *testing.T) {
		repos, _ := newEnv(t, f, queue.DefaultOptions())
		q := repos.Queue
		for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
			_, err := q.Enqueue(ctx, &queue.Message{WorkflowID: id, MessageType: queue.MessageStart})
			require.NoError(t, err)
		}
		got, err := q.Dequeue(ctx, 10, vt)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "wf-1", got[0].WorkflowID)
	})

	t.Run("DedupWindow", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.Options{MaxReceiveCount: 3, DedupWindow: 5 * time.Minute})
		q := repos.Queue
		msg := &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageStart}
		dup, err := q.Enqueue(ctx, msg)
		require.NoError(t, err)
		assert.False(t, dup)
		dup, err = q.Enqueue(ctx, msg)
		require.NoError(t, err)
		assert.True(t, dup)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Depth)

		mock.Add(5*time.Minute + time.Second)
		dup, err = q.Enqueue(ctx, msg)
		require.NoError(t, err)
		assert.False(t, dup)
	})

	t.Run("VisibilityTimeoutRedelivers", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		q := repos.Queue
		_, err := q.Enqueue(ctx, &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageStart})
		require.NoError(t, err)

		first, err := q.Dequeue(ctx, 1, vt)
		require.NoError(t, err)
		require.Len(t, first, 1)

		mock.Add(vt + time.Second)
		second, err := q.Dequeue(ctx, 1, vt)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, 2, second[0].ReceiveCount)
		assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

		// 旧回执失效
		assert.ErrorIs(t, q.Ack(ctx, first[0].ReceiptHandle), queue.ErrStaleReceipt)
		require.NoError(t, q.Ack(ctx, second[0].ReceiptHandle))
		assert.ErrorIs(t, q.Ack(ctx, second[0].ReceiptHandle), queue.ErrStaleReceipt)
	})

	t.Run("PoisonMessageGoesToDeadLetter", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.Options{MaxReceiveCount: 2, DedupWindow: time.Minute})
		q := repos.Queue

		var hooked []*queue.DeadLetter
		var hookMu sync.Mutex
		if n, ok := q.(storage.DeadLetterNotifier); ok {
			n.SetDeadLetterHook(func(dl *queue.DeadLetter) {
				hookMu.Lock()
				defer hookMu.Unlock()
				hooked = append(hooked, dl)
			})
		}

		_, err := q.Enqueue(ctx, &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageStart})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageResume, Payload: json.RawMessage(`{"attempt":1}`)})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			got, err := q.Dequeue(ctx, 1, vt)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, queue.MessageStart, got[0].MessageType)
			mock.Add(vt + time.Second)
		}

		// 第三次投递时头部转入死信，本次不返回任何消息
		got, err := q.Dequeue(ctx, 1, vt)
		require.NoError(t, err)
		assert.Empty(t, got)

		dls, err := q.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, "wf-1", dls[0].WorkflowID)
		assert.Equal(t, 2, dls[0].ReceiveCount)

		hookMu.Lock()
		assert.Len(t, hooked, 1)
		hookMu.Unlock()

		// 下一条消息成为头部
		got, err = q.Dequeue(ctx, 1, vt)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, queue.MessageResume, got[0].MessageType)
		require.NoError(t, q.Ack(ctx, got[0].ReceiptHandle))

		// 重新投递死信
		require.NoError(t, q.RedriveDeadLetter(ctx, dls[0].MessageID))
		assert.ErrorIs(t, q.RedriveDeadLetter(ctx, dls[0].MessageID), queue.ErrDeadLetterNotFound)
		got, err = q.Dequeue(ctx, 1, vt)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, queue.MessageStart, got[0].MessageType)
		assert.Equal(t, 1, got[0].ReceiveCount)
	})

	t.Run("StatsAndPurge", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.Options{MaxReceiveCount: 3, DedupWindow: time.Minute})
		q := repos.Queue
		for _, id := range []string{"wf-1", "wf-2"} {
			_, err := q.Enqueue(ctx, &queue.Message{WorkflowID: id, MessageType: queue.MessageStart})
			require.NoError(t, err)
		}
		_, err := q.Dequeue(ctx, 1, vt)
		require.NoError(t, err)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Depth: 2, InFlight: 1, DeadLetters: 0}, st)

		mock.Add(2 * time.Minute)
		n, err := q.PurgeDedup(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func runTimerTests(t *testing.T, f Factory) {
	ctx := context.Background()

	newTimer := func(handle, wf string, fireAt time.Time) *timer.Timer {
		return &timer.Timer{
			Handle:     handle,
			WorkflowID: wf,
			Group:      "watchdog",
			State:      timer.StateArmed,
			FireAt:     fireAt,
			CreatedAt:  Epoch,
		}
	}

	t.Run("ClaimDueOnlyReturnsExpired", func(t *testing.T) {
		repos, mock := newEnv(t, f, queue.DefaultOptions())
		tr := repos.Timers
		require.NoError(t, tr.Create(ctx, newTimer("h1", "wf-1", Epoch.Add(time.Minute))))
		require.NoError(t, tr.Create(ctx, newTimer("h2", "wf-2", Epoch.Add(time.Hour))))

		mock.Add(2 * time.Minute)
		now := mock.Now()
		due, err := tr.ClaimDue(ctx, now, now.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "h1", due[0].Handle)
		assert.Equal(t, timer.StateFiring, due[0].State)

		// 认领期内不会被再次认领
		again, err := tr.ClaimDue(ctx, now, now.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		// 认领过期后重新认领
		later := now.Add(2 * time.Minute)
		again, err = tr.ClaimDue(ctx, later, later.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, again, 1)

		require.NoError(t, tr.MarkFired(ctx, "h1"))
		got, err := tr.Get(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, timer.StateFired, got.State)
	})

	t.Run("CancelAndListLive", func(t *testing.T) {
		repos, _ := newEnv(t, f, queue.DefaultOptions())
		tr := repos.Timers
		require.NoError(t, tr.Create(ctx, newTimer("h1", "wf-1", Epoch.Add(time.Minute))))
		require.NoError(t, tr.Create(ctx, newTimer("h2", "wf-1", Epoch.Add(time.Hour))))

		live, err := tr.ListLive(ctx, "wf-1")
		require.NoError(t, err)
		assert.Len(t, live, 2)

		ok, err := tr.Cancel(ctx, "h1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tr.Cancel(ctx, "h1")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = tr.Cancel(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, ok)

		live, err = tr.ListLive(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, "h2", live[0].Handle)

		n, err := tr.CancelGroup(ctx, "watchdog")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = tr.Get(ctx, "missing")
		assert.ErrorIs(t, err, timer.ErrTimerNotFound)
	})
}
