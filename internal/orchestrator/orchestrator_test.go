package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub003/internal/catalog"
	"github.com/dsa110/dsa110-contimg-sub003/internal/clock"
	"github.com/dsa110/dsa110-contimg-sub003/internal/collab"
	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/fileorg"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/msreader"
	"github.com/dsa110/dsa110-contimg-sub003/internal/recovery"
	"github.com/dsa110/dsa110-contimg-sub003/internal/registry"
	"github.com/dsa110/dsa110-contimg-sub003/internal/stagerunner"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

// --- fake collaborators ------------------------------------------------

type fakeSolver struct {
	rephaseCalls, bpCalls, gainCalls int
	fail                             bool
}

func (f *fakeSolver) Rephase(ctx context.Context, msPath string, source collab.ModelSource) error {
	f.rephaseCalls++
	return nil
}

func (f *fakeSolver) SolveBandpass(ctx context.Context, msPath, calField, refant, prefix string, opts collab.SolveOptions) ([]string, error) {
	f.bpCalls++
	if f.fail {
		return nil, errs.New(errs.Transient, "solver unavailable")
	}
	return []string{prefix + "_bpcal"}, nil
}

func (f *fakeSolver) SolveGains(ctx context.Context, msPath, calField, refant string, bpTables []string, prefix string, opts collab.SolveOptions) ([]string, error) {
	f.gainCalls++
	if f.fail {
		return nil, errs.New(errs.Transient, "solver unavailable")
	}
	return []string{prefix + "_gpcal", prefix + "_2gcal"}, nil
}

type fakeApplier struct {
	applyCalls int
	seedCalls  int
}

func (f *fakeApplier) Apply(ctx context.Context, msPath, field string, gainTables []string, calwt bool) error {
	f.applyCalls++
	return nil
}

func (f *fakeApplier) SeedModel(ctx context.Context, msPath string, source collab.ModelSource) error {
	f.seedCalls++
	return nil
}

type fakeImager struct {
	fs        afero.Fs
	failPaths map[string]bool
	calls     int
}

func (f *fakeImager) Image(ctx context.Context, msPath, imageBasename string, opts collab.ImageOptions) error {
	f.calls++
	if f.failPaths[msPath] {
		return errs.New(errs.Transient, "imager I/O error")
	}
	return afero.WriteFile(f.fs, imageBasename+".fits", []byte("image"), 0o644)
}

type fakeMosaicBuilder struct {
	fs    afero.Fs
	calls int
}

func (f *fakeMosaicBuilder) Build(ctx context.Context, imagePaths []string, weights []float64, outPath string) error {
	f.calls++
	return afero.WriteFile(f.fs, outPath, []byte("mosaic"), 0o644)
}

type fakeDataRegistry struct {
	registered, finalized int
}

func (f *fakeDataRegistry) Register(ctx context.Context, dataType, id, path string, metadata map[string]string, autoPublish bool) error {
	f.registered++
	return nil
}

func (f *fakeDataRegistry) Finalize(ctx context.Context, id, qaStatus, validationStatus string) error {
	f.finalized++
	return nil
}

// --- test harness --------------------------------------------------------

type harness struct {
	db      *store.DB
	fs      afero.Fs
	o       *Orchestrator
	solver  *fakeSolver
	applier *fakeApplier
	imager  *fakeImager
	mosaic  *fakeMosaicBuilder
	dreg    *fakeDataRegistry
	reader  *msreader.FakeReader
}

func newHarness(t *testing.T, sources []catalog.Source) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := afero.NewMemMapFs()
	reader := msreader.NewFakeReader()
	cat := catalog.New(db, reader, sources, 2.0, 1.4e9, 5.0)
	reg := registry.New(db, fs, 0.1)
	fileOrg := fileorg.New(fs, "/stage")
	runner := stagerunner.New()
	ledger := recovery.NewLedger(db, prometheus.NewRegistry())

	solver := &fakeSolver{}
	applier := &fakeApplier{}
	imager := &fakeImager{fs: fs, failPaths: map[string]bool{}}
	mosaic := &fakeMosaicBuilder{fs: fs}
	dreg := &fakeDataRegistry{}

	cfg := config.Default()
	cfg.Paths.MosaicsDir = "/stage/mosaics"
	cfg.Imaging.MinSuccessFraction = 0.75
	cfg.Workers.ApplyConcurrency = 2
	cfg.Workers.ImagingConcurrency = 2
	// Fast retry policies so failure-path tests don't sleep through the
	// production backoff schedule (config.Default()'s is seconds-scale).
	fastPolicy := config.RetryPolicy{
		FailureThreshold: 5, RecoveryTimeout: 50 * time.Millisecond,
		MaxAttempts: 1, BaseDelay: time.Millisecond, Exponent: 2, Jitter: false,
		MaxDelay: 5 * time.Millisecond,
	}
	cfg.Stages = config.StagePolicies{
		CalibrationSolve: fastPolicy, Imaging: fastPolicy, Mosaicking: fastPolicy, Photometry: fastPolicy,
	}

	o := New(db, reg, cat, reader, fs, fileOrg, runner, ledger, Collaborators{
		Solver: solver, Applier: applier, Imager: imager, MosaicBuilder: mosaic, DataRegistry: dreg,
	}, cfg)

	return &harness{db: db, fs: fs, o: o, solver: solver, applier: applier, imager: imager, mosaic: mosaic, dreg: dreg, reader: reader}
}

func (h *harness) seedMS(t *testing.T, path string, start, mid, end, dec float64) {
	t.Helper()
	_, err := h.db.Exec(context.Background(), `
		INSERT INTO `+store.MSIndex+` (path, start_mjd, mid_mjd, end_mjd, declination_deg, stage, cal_applied, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, path, start, mid, end, dec, model.MSConverted, time.Now().Unix())
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(h.fs, path, []byte("ms"), 0o644))
	h.reader.Put(path, msreader.FakeMS{Start: start, Mid: mid, End: end, Fields: []msreader.Field{{ID: 0, RADeg: 180, DecDeg: dec}}})
}

func (h *harness) seedGroup(t *testing.T, groupID string, paths []string, status model.GroupStatus, calMSPath string) {
	t.Helper()
	msJSON, err := json.Marshal(paths)
	require.NoError(t, err)
	now := time.Now().Unix()
	_, err = h.db.Exec(context.Background(), `
		INSERT INTO `+store.MosaicGroups+`
			(group_id, ms_paths, calibration_ms_path, status, created_at, stage_timestamps, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?)
	`, groupID, string(msJSON), calMSPath, status, now, now)
	require.NoError(t, err)
}

func (h *harness) groupStatus(t *testing.T, groupID string) model.GroupStatus {
	t.Helper()
	row := h.db.QueryRow(context.Background(), `SELECT status FROM `+store.MosaicGroups+` WHERE group_id = ?`, groupID)
	var status model.GroupStatus
	require.NoError(t, row.Scan(&status))
	return status
}

// --- tests -----------------------------------------------------------------

func TestAdvance_PendingSelectsAnchorByTransit(t *testing.T) {
	h := newHarness(t, []catalog.Source{{Name: "3C286", RADeg: 180.0, DecDeg: 37.0}})
	ctx := context.Background()

	obs := clock.Observatory{LatDeg: 37.23, LonDeg: -118.28, HeightM: 1222}
	transit, err := clock.TransitMJD(obs, 180.0, 60000.0)
	require.NoError(t, err)

	paths := []string{"/data/ms0.ms", "/data/ms1.ms", "/data/ms2.ms"}
	mids := []float64{transit - 0.003472, transit, transit + 0.003472} // 5 min apart, transit centered
	for i, p := range paths {
		h.seedMS(t, p, mids[i]-0.001, mids[i], mids[i]+0.001, 37.0)
	}
	_, err = h.db.Exec(ctx, `
		INSERT INTO `+store.BandpassCalibrators+`
			(name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_at)
		VALUES ('3C286', 180.0, 37.0, 36.9, 37.1, 'active', ?)
	`, time.Now().Unix())
	require.NoError(t, err)
	h.seedGroup(t, "g1", paths, model.GroupPending, "")

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupCalibrating, status)

	row := h.db.QueryRow(ctx, `SELECT calibration_ms_path FROM `+store.MosaicGroups+` WHERE group_id = ?`, "g1")
	var calPath string
	require.NoError(t, row.Scan(&calPath))
	require.Equal(t, paths[1], calPath)
}

func TestAdvance_PendingFailsLowVisibilityWhenTransitOutsideGroup(t *testing.T) {
	h := newHarness(t, []catalog.Source{{Name: "3C286", RADeg: 180.0, DecDeg: 37.0}})
	ctx := context.Background()

	obs := clock.Observatory{LatDeg: 37.23, LonDeg: -118.28, HeightM: 1222}
	transit, err := clock.TransitMJD(obs, 180.0, 60000.0)
	require.NoError(t, err)

	// Declination matches the known calibrator so ForDeclination finds it,
	// but the group's window sits half a sidereal day away from the actual
	// transit, so no MS can contain it.
	paths := []string{"/data/a.ms", "/data/b.ms"}
	offset := transit + 0.5
	h.seedMS(t, paths[0], offset, offset+0.001, offset+0.002, 37.0)
	h.seedMS(t, paths[1], offset+0.003, offset+0.004, offset+0.005, 37.0)
	_, err = h.db.Exec(ctx, `
		INSERT INTO `+store.BandpassCalibrators+`
			(name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_at)
		VALUES ('3C286', 180.0, 37.0, 36.9, 37.1, 'active', ?)
	`, time.Now().Unix())
	require.NoError(t, err)
	h.seedGroup(t, "g1", paths, model.GroupPending, "")

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupFailed, status)

	var failKind string
	row := h.db.QueryRow(ctx, `SELECT fail_kind FROM `+store.MosaicGroups+` WHERE group_id = ?`, "g1")
	require.NoError(t, row.Scan(&failKind))
	require.Equal(t, string(errs.LowVisibility), failKind)
	require.Equal(t, 0, h.solver.bpCalls)
}

func TestAdvance_CalibratingSkipsSolverWhenActiveAndOnDisk(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedMS(t, "/data/anchor.ms", 60000.000, 60000.000, 60000.001, 37.0)
	h.seedGroup(t, "g1", []string{"/data/anchor.ms"}, model.GroupCalibrating, "/data/anchor.ms")

	_, err := h.db.Exec(ctx, `
		INSERT INTO `+store.BandpassCalibrators+`
			(name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_at)
		VALUES ('3C286', 180.0, 37.0, 36.9, 37.1, 'active', ?)
	`, time.Now().Unix())
	require.NoError(t, err)

	for _, suffix := range []string{"_bpcal", "_gpcal", "_2gcal"} {
		require.NoError(t, h.fs.MkdirAll("/data/anchor_prefix"+suffix, 0o755))
	}
	for _, kind := range []model.SolutionKind{model.KindBP, model.KindGP, model.Kind2G} {
		_, err := h.db.Exec(ctx, `
			INSERT INTO `+store.CalibrationSets+`
				(set_name, kind, table_path, valid_start_mjd, valid_end_mjd, cal_field, refant, dec_deg, status, created_at)
			VALUES (?, ?, ?, ?, ?, '3C286', '0', 37.0, 'active', ?)
		`, "set-"+string(kind), kind, "/data/anchor_prefix"+map[model.SolutionKind]string{model.KindBP: "_bpcal", model.KindGP: "_gpcal", model.Kind2G: "_2gcal"}[kind], 59999.0, 60001.0, time.Now().Unix())
		require.NoError(t, err)
	}

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupCalibrated, status)
	require.Equal(t, 0, h.solver.bpCalls)
	require.Equal(t, 0, h.solver.gainCalls)
}

func TestAdvance_CalibratedToImaging_AppliesAllMS(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	paths := []string{"/data/ms0.ms", "/data/ms1.ms"}
	h.seedMS(t, paths[0], 60000.000, 60000.000, 60000.001, 37.0)
	h.seedMS(t, paths[1], 60000.003, 60000.004, 60000.005, 37.0)
	h.seedGroup(t, "g1", paths, model.GroupCalibrated, paths[0])

	for _, suffix := range []string{"_bpcal", "_gpcal", "_2gcal"} {
		dir := "/data/prefix" + suffix
		require.NoError(t, h.fs.MkdirAll(dir, 0o755))
		require.NoError(t, afero.WriteFile(h.fs, dir+"/table.dat", []byte("x"), 0o644))
	}
	for _, kind := range []model.SolutionKind{model.KindBP, model.KindGP, model.Kind2G} {
		suffix := map[model.SolutionKind]string{model.KindBP: "_bpcal", model.KindGP: "_gpcal", model.Kind2G: "_2gcal"}[kind]
		_, err := h.db.Exec(ctx, `
			INSERT INTO `+store.CalibrationSets+`
				(set_name, kind, table_path, valid_start_mjd, valid_end_mjd, cal_field, refant, dec_deg, status, created_at)
			VALUES (?, ?, ?, 59999.0, 60001.0, '3C286', '0', 37.0, 'active', ?)
		`, "set-"+string(kind), kind, "/data/prefix"+suffix, time.Now().Unix())
		require.NoError(t, err)
	}

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupImaging, status)
	require.Equal(t, 2, h.applier.applyCalls)

	for _, p := range paths {
		row := h.db.QueryRow(ctx, `SELECT path, stage, cal_applied FROM `+store.MSIndex+` WHERE path LIKE ?`, "%"+p[len("/data/"):])
		var newPath, stage string
		var applied bool
		require.NoError(t, row.Scan(&newPath, &stage, &applied))
		require.True(t, applied)
		require.Equal(t, string(model.MSCalibrated), stage)
	}
}

func TestAdvance_Imaging_FailsGroupBelowSuccessThreshold(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	paths := make([]string, 4)
	for i := range paths {
		paths[i] = "/data/science/ms" + string(rune('0'+i)) + ".ms"
		mid := 60000.0 + float64(i)*0.0035
		h.seedMS(t, paths[i], mid-0.001, mid, mid+0.001, 37.0)
	}
	// 2 of 4 fail; threshold is ceil(0.75*4)=3, so the group must fail.
	h.imager.failPaths[paths[0]] = true
	h.imager.failPaths[paths[1]] = true
	h.seedGroup(t, "g1", paths, model.GroupImaging, paths[0])

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupFailed, status)
}

func TestAdvance_Imaging_AcceptsAboveSuccessThreshold(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	paths := make([]string, 4)
	for i := range paths {
		paths[i] = "/data/science/img" + string(rune('0'+i)) + ".ms"
		mid := 60000.0 + float64(i)*0.0035
		h.seedMS(t, paths[i], mid-0.001, mid, mid+0.001, 37.0)
	}
	h.imager.failPaths[paths[0]] = true // only 1 of 4 fails, 3 >= ceil(0.75*4)=3
	h.seedGroup(t, "g1", paths, model.GroupImaging, paths[0])

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupImaged, status)
}

func TestAdvance_Mosaicking_RegistersAndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	paths := []string{"/data/mos/a.ms", "/data/mos/b.ms"}
	h.seedMS(t, paths[0], 60000.000, 60000.000, 60000.001, 37.0)
	h.seedMS(t, paths[1], 60000.003, 60000.004, 60000.005, 37.0)
	h.seedGroup(t, "g1", paths, model.GroupMosaicking, paths[0])

	for _, p := range paths {
		image := p + "-image"
		require.NoError(t, afero.WriteFile(h.fs, image+".fits", []byte("x"), 0o644))
		_, err := h.db.Exec(ctx, `UPDATE `+store.MSIndex+` SET imagename = ? WHERE path = ?`, image, p)
		require.NoError(t, err)
	}

	status, err := h.o.Advance(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, model.GroupCompleted, status)
	require.Equal(t, 1, h.mosaic.calls)
	require.Equal(t, 1, h.dreg.registered)
	require.Equal(t, 1, h.dreg.finalized)
}

func TestAdvance_TerminalGroupReturnsValidationError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedGroup(t, "g1", []string{"/data/x.ms"}, model.GroupCompleted, "/data/x.ms")

	_, err := h.o.Advance(ctx, "g1")
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
}
