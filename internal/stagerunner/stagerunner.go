// Package stagerunner implements the Stage Runner (C6): the contract for
// invoking each external collaborator stage with a deadline, a retry
// policy, and a circuit breaker (spec §4.6).
//
// Grounded on spec.md §4.6. Uses github.com/sony/gobreaker (pack:
// jordigilh-kubernaut's go.mod) for the closed/open/half-open state
// machine instead of hand-rolling the transition table, and
// github.com/cenkalti/backoff/v4 (teacher) for the exponential-with-
// jitter retry schedule — backoff's RandomizationFactor=0.5 produces
// exactly the multiplicative jitter in [0.5, 1.5] spec.md §4.9 names.
package stagerunner

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

// OutcomeKind is one of the three outcomes a stage invocation can produce.
type OutcomeKind string

const (
	Ok      OutcomeKind = "ok"
	Failed  OutcomeKind = "failed"
	Skipped OutcomeKind = "skipped"
)

// Outcome is the result of one Invoke call.
type Outcome struct {
	Kind      OutcomeKind
	Result    any
	ErrorKind errs.Kind
	Message   string
	Reason    string
	Attempts  int
}

// Runner is the Stage Runner (C6): one circuit breaker per subsystem,
// lazily created from that subsystem's retry policy.
type Runner struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New() *Runner {
	return &Runner{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *Runner) breakerFor(subsystem string, policy config.RetryPolicy) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[subsystem]; ok {
		return cb
	}
	successThreshold := policy.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: subsystem,
		// gobreaker admits MaxRequests trials while half-open and closes
		// the breaker once that many succeed consecutively, so
		// MaxRequests doubles as the half-open trial count and the
		// success_threshold of spec §4.6.
		MaxRequests: uint32(successThreshold),
		Interval:    0, // counts never auto-reset in the closed state
		Timeout:     policy.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(policy.FailureThreshold)
		},
	})
	r.breakers[subsystem] = cb
	return cb
}

// retryableSubstrings is the case-insensitive message classifier from
// spec.md §4.6.
var retryableSubstrings = []string{
	"timeout", "connection", "network", "i/o", "disk", "temporary", "resource", "busy", "locked",
}

func messageIsRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Invoke runs fn under subsystem's breaker with policy's retry schedule.
// ctx carries the group-level deadline (spec §4.6 "deadline propagation").
func (r *Runner) Invoke(ctx context.Context, subsystem string, policy config.RetryPolicy, fn func(ctx context.Context) (any, error)) Outcome {
	cb := r.breakerFor(subsystem, policy)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.BaseDelay
	eb.Multiplier = policy.Exponent
	eb.MaxInterval = policy.MaxDelay
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed wall time
	if !policy.Jitter {
		eb.RandomizationFactor = 0
	}
	maxRetries := policy.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	var result any
	var lastErr error
	attempts := 0

	op := func() error {
		attempts++
		res, err := cb.Execute(func() (interface{}, error) { return fn(ctx) })
		if err != nil {
			lastErr = err
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			kind := errs.KindOf(err)
			if errs.IsRetryable(kind) || messageIsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	err := backoff.Retry(op, bo)
	switch {
	case err == nil:
		return Outcome{Kind: Ok, Result: result, Attempts: attempts}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Outcome{Kind: Skipped, Reason: "circuit open for " + subsystem, Attempts: attempts}
	default:
		return Outcome{
			Kind:      Failed,
			ErrorKind: errs.KindOf(lastErr),
			Message:   lastErr.Error(),
			Attempts:  attempts,
		}
	}
}
