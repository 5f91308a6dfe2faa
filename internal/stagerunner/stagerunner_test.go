package stagerunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

func testPolicy() config.RetryPolicy {
	return config.RetryPolicy{
		FailureThreshold: 3,
		SuccessThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		Exponent:         2,
		Jitter:           false,
		MaxDelay:         10 * time.Millisecond,
	}
}

func TestInvoke_SucceedsFirstTry(t *testing.T) {
	r := New()
	out := r.Invoke(context.Background(), "solver", testPolicy(), func(ctx context.Context) (any, error) {
		return "done", nil
	})
	require.Equal(t, Ok, out.Kind)
	require.Equal(t, "done", out.Result)
	require.Equal(t, 1, out.Attempts)
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	r := New()
	calls := 0
	out := r.Invoke(context.Background(), "solver", testPolicy(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, errs.New(errs.Transient, "connection reset")
		}
		return "ok", nil
	})
	require.Equal(t, Ok, out.Kind)
	require.Equal(t, 2, calls)
}

func TestInvoke_PermanentFailsImmediately(t *testing.T) {
	r := New()
	calls := 0
	out := r.Invoke(context.Background(), "imager", testPolicy(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errs.New(errs.Validation, "bad input")
	})
	require.Equal(t, Failed, out.Kind)
	require.Equal(t, errs.Validation, out.ErrorKind)
	require.Equal(t, 1, calls)
}

func TestInvoke_RetryableMessageWithoutDeclaredKind(t *testing.T) {
	r := New()
	calls := 0
	out := r.Invoke(context.Background(), "applier", testPolicy(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, &plainError{"disk busy"}
		}
		return "ok", nil
	})
	require.Equal(t, Ok, out.Kind)
	require.Equal(t, 2, calls)
}

func TestInvoke_ExhaustsMaxAttemptsThenFails(t *testing.T) {
	r := New()
	calls := 0
	out := r.Invoke(context.Background(), "mosaic", testPolicy(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errs.New(errs.Transient, "timeout waiting for resource")
	})
	require.Equal(t, Failed, out.Kind)
	require.Equal(t, 3, calls) // MaxAttempts=3
}

func TestInvoke_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := New()
	policy := testPolicy()
	policy.MaxAttempts = 1 // isolate breaker behavior from per-call retries

	for i := 0; i < int(policy.FailureThreshold); i++ {
		out := r.Invoke(context.Background(), "photometry", policy, func(ctx context.Context) (any, error) {
			return nil, errs.New(errs.Transient, "network unreachable")
		})
		require.Equal(t, Failed, out.Kind)
	}

	out := r.Invoke(context.Background(), "photometry", policy, func(ctx context.Context) (any, error) {
		t.Fatal("fn must not be called while breaker is open")
		return nil, nil
	})
	require.Equal(t, Skipped, out.Kind)
}

// openThenHalfOpen drives the breaker for subsystem from closed to open by failing it
// policy.FailureThreshold times, then waits out RecoveryTimeout so the next
// call is admitted as the first half-open trial.
func openThenHalfOpen(t *testing.T, r *Runner, subsystem string, policy config.RetryPolicy) {
	t.Helper()
	policy.MaxAttempts = 1
	for i := 0; i < policy.FailureThreshold; i++ {
		out := r.Invoke(context.Background(), subsystem, policy, func(ctx context.Context) (any, error) {
			return nil, errs.New(errs.Transient, "network unreachable")
		})
		require.Equal(t, Failed, out.Kind)
	}
	time.Sleep(2 * policy.RecoveryTimeout)
}

func TestInvoke_BreakerClosesAfterSuccessThresholdHalfOpenSuccesses(t *testing.T) {
	r := New()
	policy := testPolicy()
	policy.MaxAttempts = 1
	openThenHalfOpen(t, r, "imager", policy)

	for i := 0; i < policy.SuccessThreshold; i++ {
		out := r.Invoke(context.Background(), "imager", policy, func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.Equal(t, Ok, out.Kind)
	}

	// The breaker is now closed, so a single failure must not reopen it;
	// FailureThreshold consecutive failures are required again.
	out := r.Invoke(context.Background(), "imager", policy, func(ctx context.Context) (any, error) {
		return nil, errs.New(errs.Transient, "network unreachable")
	})
	require.Equal(t, Failed, out.Kind)
}

func TestInvoke_FewerThanSuccessThresholdHalfOpenSuccessesLeavesBreakerOpenable(t *testing.T) {
	r := New()
	policy := testPolicy()
	policy.MaxAttempts = 1
	openThenHalfOpen(t, r, "mosaic", policy)

	for i := 0; i < policy.SuccessThreshold-1; i++ {
		out := r.Invoke(context.Background(), "mosaic", policy, func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.Equal(t, Ok, out.Kind)
	}

	// Still half-open: a single failure here reopens the breaker
	// immediately, proving SuccessThreshold-1 successes did not close it.
	out := r.Invoke(context.Background(), "mosaic", policy, func(ctx context.Context) (any, error) {
		return nil, errs.New(errs.Transient, "network unreachable")
	})
	require.Equal(t, Failed, out.Kind)

	out = r.Invoke(context.Background(), "mosaic", policy, func(ctx context.Context) (any, error) {
		t.Fatal("fn must not be called while breaker is open")
		return nil, nil
	})
	require.Equal(t, Skipped, out.Kind)
}

type plainError struct{ msg string }

func (e *plainError) Error() string { return e.msg }
