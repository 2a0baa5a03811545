package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronScheduler_RegisterValidation(t *testing.T) {
	cs := NewCronScheduler(logging.Nop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, cs.RegisterJob("queue_stats", "@every 15s", noop))
	require.NoError(t, cs.RegisterJob("dedup_purge", "0 */5 * * * *", noop))
	require.NoError(t, cs.RegisterJob("nightly", "30 2 * * *", noop))

	assert.Error(t, cs.RegisterJob("queue_stats", "@every 1m", noop), "重复注册")
	assert.Error(t, cs.RegisterJob("empty", "", noop))
	assert.Error(t, cs.RegisterJob("broken", "not a cron", noop))

	assert.Equal(t, []string{"dedup_purge", "nightly", "queue_stats"}, cs.GetRegisteredJobs())

	require.NoError(t, cs.UnregisterJob("nightly"))
	assert.Error(t, cs.UnregisterJob("nightly"))
	assert.Equal(t, []string{"dedup_purge", "queue_stats"}, cs.GetRegisteredJobs())
}

func TestCronScheduler_RunsJobsAndStops(t *testing.T) {
	cs := NewCronScheduler(logging.Nop())
	var runs, failures atomic.Int32
	require.NoError(t, cs.RegisterJob("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return ctx.Err()
	}))
	require.NoError(t, cs.RegisterJob("failing", "@every 1s", func(context.Context) error {
		failures.Add(1)
		return errors.New("store unavailable")
	}))

	cs.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 && failures.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cs.Stop()

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "停止后不再执行")
}
