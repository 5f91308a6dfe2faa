// Package recovery implements the Error-Recovery Policy (C9): the
// classification table, backoff schedule, and Failure Ledger recording
// that sit behind the Stage Runner's retry/breaker decisions (spec §4.9).
//
// Grounded on spec.md §4.9. Delay computes the backoff formula directly
// (no backoff library) and prometheus/client_golang (teacher) backs the ambient
// metrics mirroring the ledger, matching the "Operator visibility" note
// in spec.md §7 — a human should be able to answer "why is this group
// stuck" from metrics/ledger without reading stage logs.
package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/mathutil"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

// Classify implements the signal-to-kind table in spec.md §4.9, mapping
// the errs.Kind attached to err (errs.KindOf; Permanent when none is
// attached) onto a retry decision: Resource becomes Transient, Timeout
// becomes Permanent once attempt reaches maxAttempts, and MissingTable,
// Validation, Corrupt, LowVisibility and NoCalibrator become Permanent.
// The error message is not inspected.
func Classify(err error, attempt, maxAttempts int) errs.Kind {
	kind := errs.KindOf(err)
	switch kind {
	case errs.Timeout:
		if attempt >= maxAttempts {
			return errs.Permanent
		}
		return errs.Transient
	case errs.CircuitOpen:
		return errs.CircuitOpen
	case errs.Transient, errs.Resource:
		return errs.Transient
	case errs.MissingTable, errs.Validation, errs.Corrupt:
		return errs.Permanent
	case errs.LowVisibility, errs.NoCalibrator:
		return errs.Permanent
	default:
		return kind
	}
}

// Delay computes the backoff formula from spec.md §4.9:
// min(max_delay, base_delay * exponent^attempt) with multiplicative
// jitter in [0.5, 1.5].
func Delay(policy config.RetryPolicy, attempt int) time.Duration {
	raw := time.Duration(float64(policy.BaseDelay) * math.Pow(policy.Exponent, float64(attempt)))
	if policy.MaxDelay > 0 {
		raw = mathutil.ClampDuration(raw, 0, policy.MaxDelay)
	}
	out := float64(raw)
	if policy.Jitter {
		out *= 0.5 + rand.Float64()
	}
	return time.Duration(out)
}

// Ledger records failures to the failure_ledger table and mirrors them as
// Prometheus counters for diagnostics and operators; the circuit breakers
// do not read it (spec §4.9, §7 "Operator visibility").
type Ledger struct {
	db            *store.DB
	now           func() time.Time
	failuresTotal *prometheus.CounterVec
}

func NewLedger(db *store.DB, reg prometheus.Registerer) *Ledger {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contimg",
		Subsystem: "recovery",
		Name:      "failures_total",
		Help:      "Count of classified stage failures by subsystem and error kind.",
	}, []string{"subsystem", "kind"})
	if reg != nil {
		reg.MustRegister(counter)
	}
	return &Ledger{db: db, now: time.Now, failuresTotal: counter}
}

// Record appends a failure event and increments the matching metric.
func (l *Ledger) Record(ctx context.Context, subsystem string, kind errs.Kind, message string) error {
	l.failuresTotal.WithLabelValues(subsystem, string(kind)).Inc()
	_, err := l.db.Exec(ctx, `
		INSERT INTO `+store.FailureLedger+` (subsystem, error_kind, ts, message)
		VALUES (?, ?, ?, ?)
	`, subsystem, string(kind), l.now().Unix(), message)
	if err != nil {
		return fmt.Errorf("record failure ledger entry: %w", err)
	}
	return nil
}

// CountSince returns the number of ledger entries for subsystem within the
// given window, used by diagnostics (breaker state itself is
// process-local and does not consult this, per spec §5).
func (l *Ledger) CountSince(ctx context.Context, subsystem string, since time.Time) (int, error) {
	row := l.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM `+store.FailureLedger+`
		WHERE subsystem = ? AND ts >= ?
	`, subsystem, since.Unix())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count failure ledger entries: %w", err)
	}
	return n, nil
}

// Sweep deletes ledger entries older than ttl, keeping the table bounded
// (spec.md's "rolling 24h" retention note in the schema doc comment).
func (l *Ledger) Sweep(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := l.now().Add(-ttl).Unix()
	res, err := l.db.Exec(ctx, `DELETE FROM `+store.FailureLedger+` WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep failure ledger: %w", err)
	}
	return res.RowsAffected()
}

// Event mirrors a model.FailureEvent for callers that want the value type
// rather than a raw row.
type Event = model.FailureEvent
