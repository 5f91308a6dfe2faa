// Package orchestrator implements the Orchestrator State Machine (C7): the
// per-group DAG advance from pending through calibrating, calibrated,
// imaging, imaged, mosaicking, to completed (or failed at any point),
// spec §4.7.
//
// Grounded on spec.md §4.7 and
// original_source/legacy.backend/src/dsa110_contimg/mosaic/streaming_mosaic.py:1148-2533
// (solve/apply/image/mosaic flow) plus core/pipeline/orchestrator.py and
// orchestrator_v2.py for the overall state-advance shape. Uses
// github.com/alitto/pond (pack: sixy6e-go-gsf) for the per-MS worker-pool
// fan-out during calibration apply and imaging.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/spf13/afero"

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

const defaultRefant = "0"

// Collaborators bundles every external capability the orchestrator
// consumes (spec §6).
type Collaborators struct {
	Solver        collab.Solver
	Applier       collab.Applier
	Imager        collab.Imager
	MosaicBuilder collab.MosaicBuilder
	Photometry    collab.Photometry // nil if EnablePhotometry is false
	DataRegistry  collab.DataRegistry
}

// Orchestrator is the Orchestrator State Machine (C7).
type Orchestrator struct {
	db          *store.DB
	registry    *registry.Registry
	catalog     *catalog.Catalog
	reader      msreader.Reader
	fs          afero.Fs
	fileOrg     *fileorg.Organizer
	runner      *stagerunner.Runner
	ledger      *recovery.Ledger
	collab      Collaborators
	cfg         config.Config
	now         func() time.Time
}

func New(db *store.DB, reg *registry.Registry, cat *catalog.Catalog, reader msreader.Reader, fs afero.Fs, fileOrg *fileorg.Organizer, runner *stagerunner.Runner, ledger *recovery.Ledger, collaborators Collaborators, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		db: db, registry: reg, catalog: cat, reader: reader, fs: fs,
		fileOrg: fileOrg, runner: runner, ledger: ledger, collab: collaborators,
		cfg: cfg, now: time.Now,
	}
}

// observatory converts the config package's own Observatory value into
// the clock package's Observatory type.
func (o *Orchestrator) observatory() clock.Observatory {
	return clock.Observatory{
		LatDeg:  o.cfg.Observatory.LatDeg,
		LonDeg:  o.cfg.Observatory.LonDeg,
		HeightM: o.cfg.Observatory.HeightM,
	}
}

// Advance drives groupID through at most one stage transition and returns
// its resulting status. Crash-safety: every sub-step that changes durable
// state commits before the next external side effect runs (spec §4.7).
func (o *Orchestrator) Advance(ctx context.Context, groupID string) (model.GroupStatus, error) {
	g, err := o.fetchGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	switch g.Status {
	case model.GroupPending:
		err = o.advancePending(ctx, g)
	case model.GroupCalibrating:
		err = o.advanceCalibrating(ctx, g)
	case model.GroupCalibrated:
		err = o.advanceCalibratedToImaging(ctx, g)
	case model.GroupImaging:
		err = o.advanceImaging(ctx, g)
	case model.GroupImaged:
		err = o.advanceImagedToMosaicking(ctx, g)
	case model.GroupMosaicking:
		err = o.advanceMosaicking(ctx, g)
	default:
		return g.Status, errs.New(errs.Validation, "group already in terminal state: "+string(g.Status))
	}
	return g.Status, err
}

// --- pending → calibrating -------------------------------------------------

func (o *Orchestrator) advancePending(ctx context.Context, g *model.Group) error {
	entries, err := o.fetchGroupMS(ctx, g.MSPaths)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return o.failGroup(ctx, g, errs.Validation, "no MS entries found for group")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MidMJD < entries[j].MidMJD })

	groupMid := (entries[0].MidMJD + entries[len(entries)-1].MidMJD) / 2
	meanDec := meanDeclination(entries)

	// spec.md §4.7: pick the (N/2)-th MS by mid_mjd (index 4 when N=10),
	// i.e. zero-indexed position N/2-1; the single-MS group has no
	// predecessor index and anchors on itself.
	anchorIdx := len(entries)/2 - 1
	if anchorIdx < 0 {
		anchorIdx = 0
	}
	anchor := entries[anchorIdx]
	if cal, cerr := o.catalog.ForDeclination(ctx, meanDec); cerr == nil && cal != nil {
		transit, terr := clock.TransitMJD(o.observatory(), cal.RADeg, groupMid)
		if terr != nil {
			return fmt.Errorf("compute calibrator transit: %w", terr)
		}
		found := false
		for _, e := range entries {
			if transit >= e.StartMJD && transit <= e.EndMJD {
				anchor = e
				found = true
				break
			}
		}
		// The calibrator's transit must fall within some MS in the group; if
		// it does not, the group never sees adequate calibrator visibility
		// and no solve attempt can succeed (spec §8 scenario S5).
		if !found {
			return o.failGroup(ctx, g, errs.LowVisibility, fmt.Sprintf("calibrator %s transit at MJD %.6f falls outside every MS in the group", cal.Name, transit))
		}
	}

	return o.transition(ctx, g, model.GroupCalibrating, "selectCalibrationMS", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE `+store.MosaicGroups+` SET calibration_ms_path = ? WHERE group_id = ?
		`, anchor.Path, g.GroupID)
		return err
	})
}

func meanDeclination(entries []model.MSEntry) float64 {
	var sum float64
	var n int
	for _, e := range entries {
		if e.DeclinationDeg != nil {
			sum += *e.DeclinationDeg
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// --- calibrating ------------------------------------------------------------

func (o *Orchestrator) advanceCalibrating(ctx context.Context, g *model.Group) error {
	anchor, err := o.fetchMS(ctx, g.CalibrationMSPath)
	if err != nil {
		return err
	}
	decDeg := 0.0
	if anchor.DeclinationDeg != nil {
		decDeg = *anchor.DeclinationDeg
	}
	cal, err := o.catalog.ForDeclination(ctx, decDeg)
	if err != nil {
		return fmt.Errorf("lookup calibrator for anchor: %w", err)
	}
	if cal == nil {
		cal, err = o.catalog.AutoRegisterIfMissing(ctx, anchor.Path, 1.4e9)
		if err != nil {
			return o.failGroup(ctx, g, errs.NoCalibrator, "no calibrator registered for declination "+fmt.Sprintf("%.3f", decDeg))
		}
	}

	prefix := o.fileOrg.CalibrationTablePrefix(anchor.Path)
	active, err := o.registry.ActiveAt(ctx, anchor.MidMJD, decDeg)
	if err != nil {
		return fmt.Errorf("query active solutions: %w", err)
	}

	if !o.solutionUsable(active[model.KindBP]) {
		if err := o.solveAndRegister(ctx, g, *anchor, cal, prefix, model.KindBP); err != nil || g.Status == model.GroupFailed {
			return err
		}
	}
	if !o.solutionUsable(active[model.KindGP]) || !o.solutionUsable(active[model.Kind2G]) {
		if err := o.solveAndRegisterGains(ctx, g, *anchor, cal, prefix); err != nil || g.Status == model.GroupFailed {
			return err
		}
	}

	active, err = o.registry.ActiveAt(ctx, anchor.MidMJD, decDeg)
	if err != nil {
		return fmt.Errorf("re-query active solutions: %w", err)
	}
	if o.solutionUsable(active[model.KindBP]) && o.solutionUsable(active[model.KindGP]) && o.solutionUsable(active[model.Kind2G]) {
		return o.transition(ctx, g, model.GroupCalibrated, "calibrationComplete", nil)
	}
	return nil // stay in calibrating; a later tick resumes (spec §4.7 idempotence)
}

// solutionUsable implements the idempotence check in spec.md §4.7: an
// active registry entry only counts if its artifact directory still
// exists on disk.
func (o *Orchestrator) solutionUsable(s *model.SolutionSet) bool {
	if s == nil {
		return false
	}
	ok, err := afero.DirExists(o.fs, s.TablePath)
	return err == nil && ok
}

// prepareForSolve performs the two mandatory pre-solve actions in order
// (spec.md §4.7): rephase the anchor to the calibrator position, then
// populate MODEL_DATA from the catalog. Only once both succeed may the
// caller invoke the solver.
func (o *Orchestrator) prepareForSolve(ctx context.Context, g *model.Group, anchor model.MSEntry, cal *model.Calibrator) error {
	source := collab.ModelSource{RADeg: cal.RADeg, DecDeg: cal.DecDeg, FluxJy: 1.0}
	if err := o.collab.Solver.Rephase(ctx, anchor.Path, source); err != nil {
		return o.recordAndFail(ctx, g, "solver", errs.KindOf(err), "rephase anchor to calibrator: "+err.Error())
	}
	if err := o.collab.Applier.SeedModel(ctx, anchor.Path, source); err != nil {
		return o.recordAndFail(ctx, g, "applier", errs.KindOf(err), "populate model from catalog: "+err.Error())
	}
	return nil
}

func (o *Orchestrator) solveAndRegister(ctx context.Context, g *model.Group, anchor model.MSEntry, cal *model.Calibrator, prefix string, kind model.SolutionKind) error {
	if err := o.prepareForSolve(ctx, g, anchor, cal); err != nil || g.Status == model.GroupFailed {
		return err
	}
	outcome := o.runner.Invoke(ctx, "solver", o.cfg.Stages.CalibrationSolve, func(ctx context.Context) (any, error) {
		return o.collab.Solver.SolveBandpass(ctx, anchor.Path, cal.Name, defaultRefant, prefix, nil)
	})
	switch outcome.Kind {
	case stagerunner.Ok:
		transit, _ := clock.TransitMJD(o.observatory(), cal.RADeg, anchor.MidMJD)
		validStart := transit - o.cfg.Calibration.BPValidityHours/24
		validEnd := transit + o.cfg.Calibration.BPValidityHours/24
		setName := fmt.Sprintf("%s-%s", filepath.Base(prefix), kind)
		if err := o.registry.RegisterFromPrefix(ctx, setName, prefix, kind, anchorDec(anchor), cal.Name, defaultRefant, validStart, validEnd); err != nil {
			return o.recordAndFail(ctx, g, "registry", errs.KindOf(err), err.Error())
		}
		return nil
	case stagerunner.Skipped:
		return nil // circuit open; resume on a later tick
	default:
		return o.recordAndFail(ctx, g, "solver", outcome.ErrorKind, outcome.Message)
	}
}

func (o *Orchestrator) solveAndRegisterGains(ctx context.Context, g *model.Group, anchor model.MSEntry, cal *model.Calibrator, prefix string) error {
	if err := o.prepareForSolve(ctx, g, anchor, cal); err != nil || g.Status == model.GroupFailed {
		return err
	}
	outcome := o.runner.Invoke(ctx, "solver", o.cfg.Stages.CalibrationSolve, func(ctx context.Context) (any, error) {
		return o.collab.Solver.SolveGains(ctx, anchor.Path, cal.Name, defaultRefant, nil, prefix, nil)
	})
	switch outcome.Kind {
	case stagerunner.Ok:
		validStart := anchor.MidMJD - o.cfg.Calibration.GPValidityMins/(24*60)
		validEnd := anchor.MidMJD + o.cfg.Calibration.GPValidityMins/(24*60)
		dec := anchorDec(anchor)
		for _, kind := range []model.SolutionKind{model.KindGP, model.Kind2G} {
			setName := fmt.Sprintf("%s-%s", filepath.Base(prefix), kind)
			if err := o.registry.RegisterFromPrefix(ctx, setName, prefix, kind, dec, cal.Name, defaultRefant, validStart, validEnd); err != nil {
				return o.recordAndFail(ctx, g, "registry", errs.KindOf(err), err.Error())
			}
		}
		return nil
	case stagerunner.Skipped:
		return nil
	default:
		return o.recordAndFail(ctx, g, "solver", outcome.ErrorKind, outcome.Message)
	}
}

func anchorDec(e model.MSEntry) float64 {
	if e.DeclinationDeg != nil {
		return *e.DeclinationDeg
	}
	return 0
}

// --- calibrated → imaging ----------------------------------------------------

func (o *Orchestrator) advanceCalibratedToImaging(ctx context.Context, g *model.Group) error {
	entries, err := o.fetchGroupMS(ctx, g.MSPaths)
	if err != nil {
		return err
	}
	cal, err := o.catalog.ForDeclination(ctx, meanDeclination(entries))
	if err != nil {
		return fmt.Errorf("lookup calibrator for model seeding: %w", err)
	}

	pool := pond.New(o.cfg.Workers.ApplyConcurrency, 0)
	var mu sync.Mutex
	var firstErr error

	for i := range entries {
		e := entries[i]
		pool.Submit(func() {
			if err := o.applyOne(ctx, g, e, cal); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()

	if firstErr != nil {
		return firstErr
	}
	if g.Status == model.GroupFailed {
		return nil
	}
	return o.transition(ctx, g, model.GroupImaging, "applyComplete", nil)
}

func (o *Orchestrator) applyOne(ctx context.Context, g *model.Group, e model.MSEntry, cal *model.Calibrator) error {
	if e.CalApplied {
		if ok, _ := afero.DirExists(o.fs, e.Path); ok {
			return nil // idempotent: already applied and organized
		}
	}
	decDeg := anchorDec(e)
	active, err := o.registry.ActiveAt(ctx, e.MidMJD, decDeg)
	if err != nil {
		return fmt.Errorf("query active tables for %s: %w", e.Path, err)
	}
	var tables []string
	for _, kind := range []model.SolutionKind{model.KindBP, model.KindGP, model.Kind2G} {
		s := active[kind]
		if s == nil {
			return o.recordAndFail(ctx, g, "applier", errs.MissingTable, "no active "+string(kind)+" solution for "+e.Path)
		}
		ok, err := afero.Exists(o.fs, filepath.Join(s.TablePath, "table.dat"))
		if err != nil || !ok {
			return o.recordAndFail(ctx, g, "applier", errs.MissingTable, "missing table.dat under "+s.TablePath)
		}
		tables = append(tables, s.TablePath)
	}

	calField := ""
	if cal != nil {
		calField = cal.Name
	}
	outcome := o.runner.Invoke(ctx, "applier", o.cfg.Stages.CalibrationSolve, func(ctx context.Context) (any, error) {
		return nil, o.collab.Applier.Apply(ctx, e.Path, calField, tables, true)
	})
	if outcome.Kind != stagerunner.Ok {
		if outcome.Kind == stagerunner.Skipped {
			return nil
		}
		return o.recordAndFail(ctx, g, "applier", outcome.ErrorKind, outcome.Message)
	}

	newPath, err := o.fileOrg.Move(ctx, e.Path, fileorg.RoleScience, o.now())
	if err != nil {
		return err
	}
	if err := o.updateMSEntry(ctx, e.Path, newPath, model.MSCalibrated, true, nil); err != nil {
		return err
	}

	populated, err := o.reader.HasPopulatedModel(ctx, newPath)
	if err == nil && !populated && cal != nil {
		_ = o.collab.Applier.SeedModel(ctx, newPath, collab.ModelSource{RADeg: cal.RADeg, DecDeg: cal.DecDeg, FluxJy: 1.0})
	}
	return nil
}

// --- imaging ------------------------------------------------------------------

func (o *Orchestrator) advanceImaging(ctx context.Context, g *model.Group) error {
	entries, err := o.fetchGroupMS(ctx, g.MSPaths)
	if err != nil {
		return err
	}
	cal, _ := o.catalog.ForDeclination(ctx, meanDeclination(entries))

	pool := pond.New(o.cfg.Workers.ImagingConcurrency, 0)
	var mu sync.Mutex
	successCount := 0

	for i := range entries {
		e := entries[i]
		pool.Submit(func() {
			ok := o.imageOne(ctx, g, e, cal)
			if ok {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()

	threshold := int(math.Ceil(o.cfg.Imaging.MinSuccessFraction * float64(len(entries))))
	if successCount < threshold {
		return o.failGroup(ctx, g, errs.Permanent, fmt.Sprintf("only %d/%d MS imaged successfully, need >=%d", successCount, len(entries), threshold))
	}
	return o.transition(ctx, g, model.GroupImaged, fmt.Sprintf("imagingComplete (%d/%d succeeded)", successCount, len(entries)), nil)
}

func (o *Orchestrator) imageOne(ctx context.Context, g *model.Group, e model.MSEntry, cal *model.Calibrator) bool {
	base := e.Path + "-image"
	if existingImageExists(o.fs, base) {
		return true // idempotent: already imaged
	}
	if populated, err := o.reader.HasPopulatedModel(ctx, e.Path); err == nil && !populated && cal != nil {
		_ = o.collab.Applier.SeedModel(ctx, e.Path, collab.ModelSource{RADeg: cal.RADeg, DecDeg: cal.DecDeg, FluxJy: 1.0})
	}

	outcome := o.runner.Invoke(ctx, "imager", o.cfg.Stages.Imaging, func(ctx context.Context) (any, error) {
		return nil, o.collab.Imager.Image(ctx, e.Path, base, nil)
	})
	if outcome.Kind != stagerunner.Ok {
		if outcome.Kind != stagerunner.Skipped {
			_ = o.ledger.Record(ctx, "imager", outcome.ErrorKind, outcome.Message)
		}
		return false
	}
	if !existingImageExists(o.fs, base) {
		_ = o.ledger.Record(ctx, "imager", errs.MissingTable, "imager reported success but no artifact found for "+base)
		return false
	}
	_ = o.updateMSEntry(ctx, e.Path, e.Path, model.MSImaged, e.CalApplied, &base)
	return true
}

func existingImageExists(fs afero.Fs, base string) bool {
	for _, ext := range []string{".fits", ".pbcor", ".image"} {
		if ok, err := afero.Exists(fs, base+ext); err == nil && ok {
			return true
		}
	}
	return false
}

// --- imaged → mosaicking --------------------------------------------------

func (o *Orchestrator) advanceImagedToMosaicking(ctx context.Context, g *model.Group) error {
	entries, err := o.fetchGroupMS(ctx, g.MSPaths)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MidMJD < entries[j].MidMJD })
	for _, e := range entries {
		if e.ImageName == nil {
			continue // not imaged; advanceImaging accepted the group at its success threshold
		}
		if !existingImageExists(o.fs, *e.ImageName) {
			return o.failGroup(ctx, g, errs.MissingTable, "missing image artifact for "+e.Path)
		}
	}
	return o.transition(ctx, g, model.GroupMosaicking, "imagesValidated", nil)
}

// --- mosaicking → completed ------------------------------------------------

func (o *Orchestrator) advanceMosaicking(ctx context.Context, g *model.Group) error {
	entries, err := o.fetchGroupMS(ctx, g.MSPaths)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MidMJD < entries[j].MidMJD })

	var imagePaths []string
	var weights []float64
	for _, e := range entries {
		if e.ImageName == nil {
			continue
		}
		imagePaths = append(imagePaths, *e.ImageName)
		weights = append(weights, 1.0)
	}
	outPath := filepath.Join(o.cfg.Paths.MosaicsDir, g.GroupID+".fits")

	if ok, _ := afero.Exists(o.fs, outPath); !ok {
		outcome := o.runner.Invoke(ctx, "mosaic", o.cfg.Stages.Mosaicking, func(ctx context.Context) (any, error) {
			return nil, o.collab.MosaicBuilder.Build(ctx, imagePaths, weights, outPath)
		})
		if outcome.Kind != stagerunner.Ok {
			if outcome.Kind == stagerunner.Skipped {
				return nil
			}
			return o.recordAndFail(ctx, g, "mosaic", outcome.ErrorKind, outcome.Message)
		}
	}

	metadata := map[string]string{
		"group_id":  g.GroupID,
		"n_images":  fmt.Sprintf("%d", len(imagePaths)),
		"start_mjd": fmt.Sprintf("%.6f", entries[0].StartMJD),
		"end_mjd":   fmt.Sprintf("%.6f", entries[len(entries)-1].EndMJD),
	}
	if err := o.collab.DataRegistry.Register(ctx, "mosaic", g.GroupID, outPath, metadata, true); err != nil {
		return o.recordAndFail(ctx, g, "dataregistry", errs.Transient, err.Error())
	}
	if err := o.collab.DataRegistry.Finalize(ctx, g.GroupID, "passed", "passed"); err != nil {
		return o.recordAndFail(ctx, g, "dataregistry", errs.Transient, err.Error())
	}
	if o.cfg.EnablePhotometry && o.collab.Photometry != nil {
		if _, err := o.collab.Photometry.Measure(ctx, outPath, nil); err != nil {
			_ = o.ledger.Record(ctx, "photometry", errs.KindOf(err), err.Error())
		}
	}

	return o.transition(ctx, g, model.GroupCompleted, "mosaicComplete", nil)
}

// --- shared persistence helpers --------------------------------------------

func (o *Orchestrator) recordAndFail(ctx context.Context, g *model.Group, subsystem string, kind errs.Kind, message string) error {
	_ = o.ledger.Record(ctx, subsystem, kind, message)
	return o.failGroup(ctx, g, kind, message)
}

// failGroup moves g to failed, recording the reason/kind and attempt count.
// A failed group is never retried automatically; an operator must reset it
// (spec §4.7, CLI `reprocess`).
func (o *Orchestrator) failGroup(ctx context.Context, g *model.Group, kind errs.Kind, reason string) error {
	return o.transition(ctx, g, model.GroupFailed, reason, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE `+store.MosaicGroups+` SET fail_reason = ?, fail_kind = ? WHERE group_id = ?
		`, reason, string(kind), g.GroupID)
		return err
	})
}

// transition is the single transactional write of status + Group State Log
// entry every stage advance goes through (spec §4.7 crash-safety: "every
// state change is committed before the next external side effect").
func (o *Orchestrator) transition(ctx context.Context, g *model.Group, to model.GroupStatus, reason string, extra func(tx *sql.Tx) error) error {
	from := g.Status
	now := o.now()
	err := o.db.WithTx(ctx, func(tx *sql.Tx) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		g.StageTimestamps[string(to)] = now
		stageJSON, err := json.Marshal(g.StageTimestamps)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+store.MosaicGroups+`
			SET status = ?, updated_at = ?, stage_timestamps = ?
			WHERE group_id = ?
		`, to, now.Unix(), string(stageJSON), g.GroupID); err != nil {
			return fmt.Errorf("update group status: %w", err)
		}
		attempt := g.RetryCount
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+store.GroupStateLog+` (group_id, from_status, to_status, reason, ts, attempt)
			VALUES (?, ?, ?, ?, ?, ?)
		`, g.GroupID, string(from), string(to), reason, now.Unix(), attempt); err != nil {
			return fmt.Errorf("append group state log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.Status = to
	return nil
}

func (o *Orchestrator) fetchGroup(ctx context.Context, groupID string) (*model.Group, error) {
	row := o.db.QueryRow(ctx, `
		SELECT group_id, ms_paths, calibration_ms_path, status, bpcal_solved,
		       gaincal_solved, created_at, stage_timestamps, retry_count, updated_at
		FROM `+store.MosaicGroups+` WHERE group_id = ?
	`, groupID)
	var g model.Group
	var msJSON, stageJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&g.GroupID, &msJSON, &g.CalibrationMSPath, &g.Status,
		&g.BPCalSolved, &g.GainCalSolved, &createdAt, &stageJSON, &g.RetryCount, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "no such group: "+groupID)
		}
		return nil, fmt.Errorf("fetch group: %w", err)
	}
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	g.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	g.StageTimestamps = map[string]time.Time{}
	_ = json.Unmarshal([]byte(stageJSON), &g.StageTimestamps)
	if err := json.Unmarshal([]byte(msJSON), &g.MSPaths); err != nil {
		return nil, fmt.Errorf("decode ms_paths: %w", err)
	}
	return &g, nil
}

func (o *Orchestrator) fetchGroupMS(ctx context.Context, paths []string) ([]model.MSEntry, error) {
	var out []model.MSEntry
	for _, p := range paths {
		e, err := o.fetchMS(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (o *Orchestrator) fetchMS(ctx context.Context, path string) (*model.MSEntry, error) {
	row := o.db.QueryRow(ctx, `
		SELECT path, start_mjd, mid_mjd, end_mjd, declination_deg, stage, cal_applied, imagename, updated_at
		FROM `+store.MSIndex+` WHERE path = ?
	`, path)
	var e model.MSEntry
	var updatedAt int64
	if err := row.Scan(&e.Path, &e.StartMJD, &e.MidMJD, &e.EndMJD, &e.DeclinationDeg,
		&e.Stage, &e.CalApplied, &e.ImageName, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "no such MS entry: "+path)
		}
		return nil, fmt.Errorf("fetch MS entry %s: %w", path, err)
	}
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

func (o *Orchestrator) updateMSEntry(ctx context.Context, oldPath, newPath string, stage model.MSStage, calApplied bool, imageName *string) error {
	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE `+store.MSIndex+`
			SET path = ?, stage = ?, cal_applied = ?, imagename = COALESCE(?, imagename), updated_at = ?
			WHERE path = ?
		`, newPath, stage, calApplied, imageName, o.now().Unix(), oldPath)
		if err != nil {
			return fmt.Errorf("update ms_index: %w", err)
		}
		return nil
	})
}
