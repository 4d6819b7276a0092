package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(name string) Config {
	return Config{
		Name:             name,
		InitialInterval:  time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		MaxElapsedTime:   50 * time.Millisecond,
		FailureThreshold: 2,
		Cooldown:         time.Minute,
	}
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	e := NewExecutor(fastConfig("retry"))
	calls := 0

	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitBreakerClosed, e.State())
}

func TestExecutor_PermanentErrorStopsImmediately(t *testing.T) {
	e := NewExecutor(fastConfig("permanent"))
	sentinel := errors.New("record exists")
	calls := 0

	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitBreakerClosed, e.State())
}

func TestExecutor_OpensAfterThresholdAndRecovers(t *testing.T) {
	e := NewExecutor(fastConfig("breaker"))
	now := time.Now()
	e.now = func() time.Time { return now }
	failing := func(context.Context) error { return errors.New("i/o timeout") }

	require.Error(t, e.Execute(context.Background(), "op", failing))
	assert.Equal(t, CircuitBreakerClosed, e.State())
	require.Error(t, e.Execute(context.Background(), "op", failing))
	assert.Equal(t, CircuitBreakerOpen, e.State())

	called := false
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	require.NoError(t, e.Execute(context.Background(), "op", func(context.Context) error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, e.State())
}

func TestExecutor_FailedTrialReopens(t *testing.T) {
	e := NewExecutor(fastConfig("trial"))
	now := time.Now()
	e.now = func() time.Time { return now }
	failing := func(context.Context) error { return errors.New("broken pipe") }

	_ = e.Execute(context.Background(), "op", failing)
	_ = e.Execute(context.Background(), "op", failing)
	require.Equal(t, CircuitBreakerOpen, e.State())

	now = now.Add(2 * time.Minute)
	calls := 0
	_ = e.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return failing(ctx)
	})
	assert.Equal(t, 1, calls, "half-open trial is a single attempt")
	assert.Equal(t, CircuitBreakerOpen, e.State())
}

func TestExecutor_ContextCancelled(t *testing.T) {
	e := NewExecutor(fastConfig("cancel"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Execute(ctx, "op", func(context.Context) error { return errors.New("unreachable") })
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "dns", classifyError(errors.New("lookup redis: no such host")))
	assert.Equal(t, "degraded", classifyError(errors.New("redis is in degraded mode, set skipped")))
	assert.Equal(t, "unknown", classifyError(errors.New("weird")))
}
