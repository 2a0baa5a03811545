package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	var seen []int
	err := fastPolicy(3).Execute(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetryPolicy_ExhaustedWrapsTransientDelivery(t *testing.T) {
	cause := errors.New("queue unavailable")
	calls := 0
	err := fastPolicy(4).Execute(context.Background(), func(context.Context, int) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, workflow.ErrTransientDelivery)
	assert.ErrorIs(t, err, cause)
}

func TestRetryPolicy_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(workflow.ErrConflict)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, workflow.ErrConflict)
	assert.NotErrorIs(t, err, workflow.ErrTransientDelivery)
	assert.Nil(t, Permanent(nil))
}

func TestRetryPolicy_NoRetryAndCancelledContext(t *testing.T) {
	calls := 0
	err := NoRetry().Execute(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = fastPolicy(3).Execute(ctx, func(context.Context, int) error {
		t.Fatal("不应在已取消的ctx上执行")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_BackoffIsCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 400*time.Millisecond, p.delay(2))
	assert.Equal(t, 800*time.Millisecond, p.delay(3))
	assert.Equal(t, time.Second, p.delay(4))
	assert.Equal(t, time.Second, p.delay(10))

	flat := RetryPolicy{BaseDelay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.delay(3))
}

// 退避等待走注入的时钟：时钟不前进就不会发起下一次尝试
func TestRetryPolicy_BackoffWaitsOnInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Hour, Multiplier: 1, Clock: mock}

	calls := make(chan int, 2)
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(context.Background(), func(_ context.Context, attempt int) error {
			calls <- attempt
			if attempt == 1 {
				return errors.New("busy")
			}
			return nil
		})
	}()

	require.Equal(t, 1, <-calls)
	select {
	case <-done:
		t.Fatal("墙上时钟流逝不应触发重试")
	case <-time.After(20 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		mock.Add(time.Hour)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, <-calls)
}
