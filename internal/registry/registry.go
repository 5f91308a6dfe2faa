// Package registry implements the Calibration Registry (spec §4.3): a
// durable store of solution sets with validity windows, queried by
// "active at T" and written through one serialized transaction per update
// so no partial publish is ever observable.
//
// Grounded on original_source/legacy.backend/src/dsa110_contimg/mosaic/
// streaming_mosaic.py:306-436 (register_bandpass_calibrator,
// check_registry_for_calibration) for the active/superseded transaction
// shape, and erigon-lib/kv/tables.go's schema conventions for the table
// layout (see internal/store/schema.go).
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/spf13/afero"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

// Registry is the Calibration Registry (C3).
type Registry struct {
	db           *store.DB
	fs           afero.Fs
	decBandWidth float64
	now          func() time.Time
}

// New builds a Registry backed by db, checking artifacts against fs.
// decBandWidth is the declination-band width used for the at-most-one-
// active-per-band invariant (spec §3, §8 invariant 5); defaults to 0.1
// if zero.
func New(db *store.DB, fs afero.Fs, decBandWidth float64) *Registry {
	if decBandWidth <= 0 {
		decBandWidth = 0.1
	}
	return &Registry{db: db, fs: fs, decBandWidth: decBandWidth, now: time.Now}
}

// ActiveAt returns the currently active solution set, per kind, valid at
// mjd for a declination within the registry's band width of decDeg. If a
// conflict is found (more than one active set in the same kind+band), the
// newest by created_at wins and the rest are marked superseded in the same
// transaction (spec §4.3, §8 invariant 5).
func (r *Registry) ActiveAt(ctx context.Context, mjd, decDeg float64) (map[model.SolutionKind]*model.SolutionSet, error) {
	result := make(map[model.SolutionKind]*model.SolutionSet)
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT set_name, kind, table_path, valid_start_mjd, valid_end_mjd,
			       cal_field, refant, dec_deg, status, created_at
			FROM `+store.CalibrationSets+`
			WHERE status = ? AND valid_start_mjd <= ? AND valid_end_mjd >= ?
			ORDER BY kind, created_at DESC, rowid DESC
		`, model.SolutionActive, mjd, mjd)
		if err != nil {
			return fmt.Errorf("query active sets: %w", err)
		}
		defer rows.Close()

		var candidates []model.SolutionSet
		for rows.Next() {
			var s model.SolutionSet
			var createdAt int64
			if err := rows.Scan(&s.SetName, &s.Kind, &s.TablePath, &s.ValidStartMJD,
				&s.ValidEndMJD, &s.CalField, &s.Refant, &s.DecDeg, &s.Status, &createdAt); err != nil {
				return fmt.Errorf("scan active set: %w", err)
			}
			s.CreatedAt = time.Unix(createdAt, 0).UTC()
			if math.Abs(s.DecDeg-decDeg) <= r.decBandWidth {
				candidates = append(candidates, s)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		byKind := make(map[model.SolutionKind][]model.SolutionSet)
		for _, c := range candidates {
			byKind[c.Kind] = append(byKind[c.Kind], c)
		}
		for kind, sets := range byKind {
			winner := sets[0] // newest first, from ORDER BY created_at DESC (later insert wins a same-second tie)
			for _, loser := range sets[1:] {
				if _, err := tx.ExecContext(ctx, `
					UPDATE `+store.CalibrationSets+`
					SET status = ?, superseded_by = ?
					WHERE set_name = ?
				`, model.SolutionSuperseded, winner.SetName, loser.SetName); err != nil {
					return fmt.Errorf("supersede conflicting set %s: %w", loser.SetName, err)
				}
			}
			w := winner
			result[kind] = &w
		}
		return nil
	})
	return result, err
}

// Get fetches one solution set by name, including its status and
// superseded_by audit field.
func (r *Registry) Get(ctx context.Context, setName string) (*model.SolutionSet, error) {
	row := r.db.QueryRow(ctx, `
		SELECT set_name, kind, table_path, valid_start_mjd, valid_end_mjd,
		       cal_field, refant, dec_deg, status, superseded_by, created_at
		FROM `+store.CalibrationSets+` WHERE set_name = ?
	`, setName)
	var s model.SolutionSet
	var supersededBy sql.NullString
	var createdAt int64
	if err := row.Scan(&s.SetName, &s.Kind, &s.TablePath, &s.ValidStartMJD,
		&s.ValidEndMJD, &s.CalField, &s.Refant, &s.DecDeg, &s.Status, &supersededBy, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "no such solution set: "+setName)
		}
		return nil, fmt.Errorf("get solution set: %w", err)
	}
	s.SupersededBy = supersededBy.String
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &s, nil
}

// artifactSuffixes maps a solution kind to the on-disk artifact directory
// suffix produced alongside a shared prefix.
var artifactSuffixes = map[model.SolutionKind]string{
	model.KindBP: "_bpcal",
	model.KindGP: "_gpcal",
	model.Kind2G: "_2gcal",
}

// RegisterFromPrefix atomically registers setName for kind, reading its
// artifact from "<prefix><suffix>". Per spec §4.3 it verifies all three
// kind directories for prefix exist before accepting any one of them —
// a solve run produces BP/GP/2G together, so a half-finished solve must
// never be partially published.
func (r *Registry) RegisterFromPrefix(ctx context.Context, setName, prefix string, kind model.SolutionKind, decDeg float64, field, refant string, validStart, validEnd float64) error {
	if validStart >= validEnd {
		return errs.New(errs.Validation, "valid_start_mjd must be < valid_end_mjd")
	}
	for _, suffix := range artifactSuffixes {
		dir := prefix + suffix
		ok, err := afero.DirExists(r.fs, dir)
		if err != nil {
			return errs.Wrap(errs.Transient, "stat artifact dir "+dir, err)
		}
		if !ok {
			return errs.New(errs.Conflict, "missing artifact directory: "+dir)
		}
	}
	tablePath := prefix + artifactSuffixes[kind]
	now := r.now().Unix()
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+store.CalibrationSets+`
				(set_name, kind, table_path, valid_start_mjd, valid_end_mjd,
				 cal_field, refant, dec_deg, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, setName, kind, tablePath, validStart, validEnd, field, refant, decDeg, model.SolutionActive, now)
		if err != nil {
			return fmt.Errorf("insert solution set: %w", err)
		}
		return nil
	})
}

// SweepMissing marks sets whose artifact directory has disappeared as
// deleted (spec §4.3).
func (r *Registry) SweepMissing(ctx context.Context) (int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT set_name, table_path FROM `+store.CalibrationSets+`
		WHERE status != ?
	`, model.SolutionDeleted)
	if err != nil {
		return 0, fmt.Errorf("query sets for sweep: %w", err)
	}
	type candidate struct{ name, path string }
	var toCheck []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.name, &c.path); err != nil {
			rows.Close()
			return 0, err
		}
		toCheck = append(toCheck, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range toCheck {
		ok, err := afero.DirExists(r.fs, c.path)
		if err != nil {
			return removed, errs.Wrap(errs.Transient, "stat during sweep", err)
		}
		if ok {
			continue
		}
		if _, err := r.db.Exec(ctx, `
			UPDATE `+store.CalibrationSets+` SET status = ? WHERE set_name = ?
		`, model.SolutionDeleted, c.name); err != nil {
			return removed, fmt.Errorf("mark deleted: %w", err)
		}
		removed++
	}
	return removed, nil
}
