package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(ctx context.Context, s string) (string, error) { return s, nil }

func TestChain_OutermostFirst(t *testing.T) {
	var order []string
	tag := func(name string) Middleware[string, string] {
		return func(next Func[string, string]) Func[string, string] {
			return func(ctx context.Context, req string) (string, error) {
				order = append(order, name)
				return next(ctx, req+name)
			}
		}
	}

	fn := Chain[string, string](echo, tag("a"), tag("b"), tag("c"))
	out, err := fn(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRecover_TurnsPanicIntoError(t *testing.T) {
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		panic("bad input")
	}, Recover[string, string]("parse"))

	_, err := fn(context.Background(), "x")
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "parse", pe.Name)
	assert.Equal(t, "bad input", pe.Value)
	assert.Contains(t, err.Error(), "panic: bad input")
}

func TestTimed_ReportsDuration(t *testing.T) {
	var got time.Duration
	var gotErr error
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "", errors.New("slow failure")
	}, Timed[string, string]("slow", func(d time.Duration, err error) {
		got, gotErr = d, err
	}))

	_, err := fn(context.Background(), "")
	require.Error(t, err)
	assert.GreaterOrEqual(t, got, 10*time.Millisecond)
	assert.Equal(t, err, gotErr)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, Retry[string, string]("send", RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}))

	out, err := fn(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetry_GivesUpAndReturnsLastError(t *testing.T) {
	var calls atomic.Int32
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		calls.Add(1)
		return "", errors.New("still down")
	}, Retry[string, string]("send", RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}))

	_, err := fn(context.Background(), "")
	require.EqualError(t, err, "still down")
	assert.EqualValues(t, 2, calls.Load())
}

func TestRetry_SkipsNonRetryableErrors(t *testing.T) {
	permanent := errors.New("permanent")
	var calls atomic.Int32
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		calls.Add(1)
		return "", permanent
	}, Retry[string, string]("send", RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}))

	_, err := fn(context.Background(), "")
	require.ErrorIs(t, err, permanent)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		cancel()
		return "", errors.New("fail")
	}, Retry[string, string]("send", RetryPolicy{MaxAttempts: 5, Delay: time.Second}))

	start := time.Now()
	_, err := fn(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRateLimit_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	fn := Chain[string, string](func(ctx context.Context, s string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return strings.ToUpper(s), nil
	}, RateLimit[string, string](2, 20*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := fn(context.Background(), "x")
			assert.NoError(t, err)
			assert.Equal(t, "X", out)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRateLimit_SpacesCalls(t *testing.T) {
	fn := Chain[string, string](echo, RateLimit[string, string](1, 30*time.Millisecond))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := fn(context.Background(), "x")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
