package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/LENAX/task-watchdog/pkg/storage/storagetest"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock, opts queue.Options) *storage.Repositories {
		return memory.NewStore(clk, opts).Repositories()
	})
}

func TestMemoryStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore(clock.NewMock(), queue.DefaultOptions())

	s.Queue.Fail("enqueue", 2)
	msg := &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageStart}
	_, err := s.Queue.Enqueue(ctx, msg)
	assert.ErrorIs(t, err, memory.ErrInjected)
	_, err = s.Queue.Enqueue(ctx, msg)
	assert.ErrorIs(t, err, memory.ErrInjected)
	dup, err := s.Queue.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.False(t, dup)

	s.Workflows.Fail("put", 1)
	rec := workflow.NewRecord("wf-1", "src", nil, time.Now())
	assert.ErrorIs(t, s.Workflows.Put(ctx, rec), memory.ErrInjected)
	require.NoError(t, s.Workflows.Put(ctx, rec))
}
