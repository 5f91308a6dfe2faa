package group

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/msreader"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

func newTestBuilder(t *testing.T, policy config.GroupPolicy) (*Builder, afero.Fs) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	fs := afero.NewMemMapFs()
	return New(db, msreader.NewFS(fs), policy), fs
}

func seedMS(t *testing.T, b *Builder, fs afero.Fs, n int, stage model.MSStage, startMid float64, stepMin float64, dec float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		mid := startMid + float64(i)*stepMin/(24*60)
		path := fmt.Sprintf("/data/ms-%03d.ms", i)
		require.NoError(t, fs.MkdirAll(path, 0o755))
		_, err := b.db.Exec(context.Background(), `
			INSERT INTO `+store.MSIndex+`
				(path, start_mjd, mid_mjd, end_mjd, declination_deg, stage, cal_applied, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		`, path, mid-0.0005, mid, mid+0.0005, dec, stage)
		require.NoError(t, err)
	}
}

func TestBuildInitial_FormsGroupOfN(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	b, fs := newTestBuilder(t, policy)
	seedMS(t, b, fs, 10, model.MSImaged, 59000.0, 5, 30.0)

	g, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Len(t, g.MSPaths, 10)
	require.Equal(t, model.GroupPending, g.Status)
}

func TestBuildInitial_NoneWhenTooFewCandidates(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	b, fs := newTestBuilder(t, policy)
	seedMS(t, b, fs, 4, model.MSImaged, 59000.0, 5, 30.0)

	g, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestBuildInitial_AsymmetricAllowsSmallerGroup(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	policy.AllowAsymmetric = true
	policy.MinAsymmetricSize = 3
	b, fs := newTestBuilder(t, policy)
	seedMS(t, b, fs, 3, model.MSImaged, 59000.0, 5, 30.0)

	g, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Len(t, g.MSPaths, 3)
}

func TestBuildInitial_RejectsGapViolation(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	b, fs := newTestBuilder(t, policy)
	seedMS(t, b, fs, 10, model.MSImaged, 59000.0, 30, 30.0) // 30 min gaps > 6 min max

	g, err := b.Next(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
	require.Nil(t, g)
}

func TestBuildInitial_RejectsDeclinationSpread(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	b, fs := newTestBuilder(t, policy)
	for i := 0; i < 10; i++ {
		mid := 59000.0 + float64(i)*5.0/(24*60)
		path := fmt.Sprintf("/data/ms-%03d.ms", i)
		require.NoError(t, fs.MkdirAll(path, 0o755))
		dec := 30.0
		if i == 9 {
			dec = 35.0 // way outside ±0.1 band
		}
		_, err := b.db.Exec(context.Background(), `
			INSERT INTO `+store.MSIndex+`
				(path, start_mjd, mid_mjd, end_mjd, declination_deg, stage, cal_applied, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		`, path, mid-0.0005, mid, mid+0.0005, dec, model.MSImaged)
		require.NoError(t, err)
	}

	g, err := b.Next(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
	require.Nil(t, g)
}

func TestNext_IdempotentOnSameFingerprint(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	b, fs := newTestBuilder(t, policy)
	seedMS(t, b, fs, 10, model.MSImaged, 59000.0, 5, 30.0)

	g1, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, g1)

	g2, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, g2)
	require.Equal(t, g1.GroupID, g2.GroupID)
}

func TestBuildInitial_PrunesMissingPaths(t *testing.T) {
	policy := config.DefaultGroupPolicy()
	b, fs := newTestBuilder(t, policy)
	seedMS(t, b, fs, 10, model.MSImaged, 59000.0, 5, 30.0)
	// remove one MS from disk; only 9 remain, below strict N=10.
	require.NoError(t, fs.RemoveAll("/data/ms-005.ms"))

	g, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, g)
}
