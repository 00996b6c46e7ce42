// Package middleware wraps context-aware handlers with cross-cutting
// behaviour: panic recovery, timing, retries and rate limiting.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/qbot-dev/qbot/pkg/logger"
)

type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type Middleware[Req, Resp any] func(next Func[Req, Resp]) Func[Req, Resp]

// Chain applies mws so that the first one is the outermost.
func Chain[Req, Resp any](fn Func[Req, Resp], mws ...Middleware[Req, Resp]) Func[Req, Resp] {
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return fn
}

// PanicError is returned by Recover when the wrapped handler panicked.
type PanicError struct {
	Name  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Name, e.Value)
}

func Recover[Req, Resp any](name string) Middleware[Req, Resp] {
	return func(next Func[Req, Resp]) Func[Req, Resp] {
		return func(ctx context.Context, req Req) (resp Resp, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Name: name, Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, req)
		}
	}
}

// Timed reports each call's duration to observe, or logs it at debug level
// when observe is nil.
func Timed[Req, Resp any](name string, observe func(d time.Duration, err error)) Middleware[Req, Resp] {
	return func(next Func[Req, Resp]) Func[Req, Resp] {
		return func(ctx context.Context, req Req) (Resp, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			d := time.Since(start)
			if observe != nil {
				observe(d, err)
			} else {
				logger.DebugCF("middleware", "Call finished", map[string]interface{}{
					"name":        name,
					"duration_ms": d.Milliseconds(),
					"ok":          err == nil,
				})
			}
			return resp, err
		}
	}
}

// RetryPolicy retries a call up to MaxAttempts times in total, doubling
// Delay after every failure. Retryable decides which errors are worth
// another attempt; nil retries everything except context errors.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(err error) bool
}

func Retry[Req, Resp any](name string, policy RetryPolicy) Middleware[Req, Resp] {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return func(next Func[Req, Resp]) Func[Req, Resp] {
		return func(ctx context.Context, req Req) (Resp, error) {
			delay := policy.Delay
			var resp Resp
			var err error
			for attempt := 1; ; attempt++ {
				resp, err = next(ctx, req)
				if err == nil || attempt >= policy.MaxAttempts || !retryable(policy, err) {
					return resp, err
				}

				logger.WarnCF("middleware", "Call failed, retrying", map[string]interface{}{
					"name":    name,
					"attempt": attempt,
					"delay":   delay.String(),
					"error":   err.Error(),
				})

				if delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return resp, ctx.Err()
					case <-timer.C:
					}
					delay *= 2
				}
			}
		}
	}
}

func retryable(policy RetryPolicy, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if policy.Retryable != nil {
		return policy.Retryable(err)
	}
	return true
}

// RateLimit admits at most calls concurrent calls and spaces them by
// period/calls, so no more than calls start within one period.
func RateLimit[Req, Resp any](calls int, period time.Duration) Middleware[Req, Resp] {
	if calls < 1 {
		calls = 1
	}
	sem := semaphore.NewWeighted(int64(calls))
	spacing := period / time.Duration(calls)

	return func(next Func[Req, Resp]) Func[Req, Resp] {
		return func(ctx context.Context, req Req) (Resp, error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				var zero Resp
				return zero, err
			}
			defer sem.Release(1)

			resp, err := next(ctx, req)

			if spacing > 0 {
				timer := time.NewTimer(spacing)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			return resp, err
		}
	}
}
