package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/benbjohnson/clock"
)

// RetryPolicy 本地持久化写入（入库、入队、布置定时器）的指数退避重试策略
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Clock 退避等待使用的时钟，为空时使用墙上时钟
	Clock clock.Clock
}

// DefaultRetryPolicy 默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// NoRetry 只执行一次
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Multiplier: 1}
}

// permanentError 标记不可重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装一个不应重试的错误，Execute 会立即原样返回内部错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute 执行fn，失败时按退避间隔重试
// 全部尝试失败时返回同时包装 workflow.ErrTransientDelivery 和最后一次错误的error
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(p.delay(attempt)):
		}
	}
	return fmt.Errorf("%w: %d attempts: %w", workflow.ErrTransientDelivery, attempts, lastErr)
}

// delay 第attempt次失败后的等待时间
func (p RetryPolicy) delay(attempt int) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.BaseDelay) * math.Pow(m, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
