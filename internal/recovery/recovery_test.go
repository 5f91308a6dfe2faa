package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

func TestClassify_TimeoutBecomesPermanentAfterMaxAttempts(t *testing.T) {
	err := errs.New(errs.Timeout, "deadline exceeded")
	require.Equal(t, errs.Transient, Classify(err, 1, 3))
	require.Equal(t, errs.Permanent, Classify(err, 3, 3))
}

func TestClassify_TransientAndResourceAreRetryable(t *testing.T) {
	require.Equal(t, errs.Transient, Classify(errs.New(errs.Transient, "io error"), 1, 3))
	require.Equal(t, errs.Transient, Classify(errs.New(errs.Resource, "out of memory"), 1, 3))
}

func TestClassify_ValidationIsPermanent(t *testing.T) {
	require.Equal(t, errs.Permanent, Classify(errs.New(errs.Validation, "bad field"), 1, 3))
}

func TestClassify_UnclassifiedErrorDefaultsPermanent(t *testing.T) {
	require.Equal(t, errs.Permanent, Classify(errors.New("boom"), 1, 3))
}

func TestDelay_RespectsMaxDelay(t *testing.T) {
	policy := config.RetryPolicy{BaseDelay: 5 * time.Second, Exponent: 2, MaxDelay: 20 * time.Second, Jitter: false}
	d := Delay(policy, 10) // would be far beyond max without capping
	require.Equal(t, 20*time.Second, d)
}

func TestDelay_JitterStaysInBounds(t *testing.T) {
	policy := config.RetryPolicy{BaseDelay: 10 * time.Second, Exponent: 2, MaxDelay: 10 * time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := Delay(policy, 0)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestLedger_RecordAndCount(t *testing.T) {
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, prometheus.NewRegistry())
	ctx := context.Background()
	require.NoError(t, ledger.Record(ctx, "solver", errs.Transient, "connection reset"))
	require.NoError(t, ledger.Record(ctx, "solver", errs.Transient, "connection reset again"))
	require.NoError(t, ledger.Record(ctx, "imager", errs.Permanent, "missing table"))

	n, err := ledger.CountSince(ctx, "solver", time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLedger_SweepRemovesOldEntries(t *testing.T) {
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, prometheus.NewRegistry())
	ledger.now = func() time.Time { return time.Unix(1000, 0) }
	ctx := context.Background()
	require.NoError(t, ledger.Record(ctx, "solver", errs.Transient, "old"))

	ledger.now = func() time.Time { return time.Unix(1000, 0).Add(48 * time.Hour) }
	n, err := ledger.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := ledger.CountSince(ctx, "solver", time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
