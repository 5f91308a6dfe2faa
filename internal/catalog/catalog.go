// Package catalog implements the Calibrator Catalog (spec §4.4): lookup of
// a bandpass calibrator by declination, plus auto-registration from a
// static source table when an MS's field falls near a known calibrator but
// no registration exists yet.
//
// Grounded on spec.md §4.4 and
// original_source/legacy.backend/src/dsa110_contimg/mosaic/streaming_mosaic.py:306-436
// (the same auto-registration flow C3's registry draws its transaction
// shape from — this package is the declination-band side of that flow).
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/msreader"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

// refFreqHz is the band center this catalog's sources are selected for
// (DSA-110 operates at L-band); FreqWindowHz bounds how far an MS's
// observing frequency may drift from it and still match.
const refFreqHz = 1.4e9

// Source is one entry in the static known-calibrator table (name, RA/Dec).
type Source = model.CatalogEntry

// Catalog is the Calibrator Catalog (C4).
type Catalog struct {
	db            *store.DB
	reader        msreader.Reader
	sources       []Source
	searchRadius  float64
	freqWindowHz  float64
	registerTol   float64
	now           func() time.Time
}

// New builds a Catalog over a static source table. searchRadiusDeg and
// freqWindowHz bound AutoRegisterIfMissing's match; registerTolDeg is the
// declination tolerance written into new registrations (spec §4.4/§9).
func New(db *store.DB, reader msreader.Reader, sources []Source, searchRadiusDeg, freqWindowHz, registerTolDeg float64) *Catalog {
	return &Catalog{
		db: db, reader: reader, sources: sources,
		searchRadius: searchRadiusDeg, freqWindowHz: freqWindowHz,
		registerTol: registerTolDeg, now: time.Now,
	}
}

// ForDeclination returns the active calibrator registration whose
// [dec_range_min, dec_range_max] contains decDeg, or nil if none.
func (c *Catalog) ForDeclination(ctx context.Context, decDeg float64) (*model.Calibrator, error) {
	row := c.db.QueryRow(ctx, `
		SELECT name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_at
		FROM `+store.BandpassCalibrators+`
		WHERE status = ? AND dec_range_min <= ? AND dec_range_max >= ?
		ORDER BY registered_at DESC LIMIT 1
	`, model.CalibratorActive, decDeg, decDeg)
	var cal model.Calibrator
	var registeredAt int64
	if err := row.Scan(&cal.Name, &cal.RADeg, &cal.DecDeg, &cal.DecRangeMin,
		&cal.DecRangeMax, &cal.Status, &registeredAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup calibrator by declination: %w", err)
	}
	cal.RegisteredAt = time.Unix(registeredAt, 0).UTC()
	return &cal, nil
}

// AutoRegisterIfMissing inspects msPath's fields for a known source within
// the search radius and frequency window, and writes an active ±tolerance
// registration, deactivating overlapping active bindings in the same
// transaction. Returns errs.NoCalibrator if no candidate source matches.
func (c *Catalog) AutoRegisterIfMissing(ctx context.Context, msPath string, centerFreqHz float64) (*model.Calibrator, error) {
	if c.freqWindowHz > 0 && math.Abs(centerFreqHz-refFreqHz) > c.freqWindowHz {
		return nil, errs.New(errs.NoCalibrator, "observing frequency outside catalog window for "+msPath)
	}
	fields, err := c.reader.Fields(ctx, msPath)
	if err != nil {
		return nil, fmt.Errorf("read fields for auto-registration: %w", err)
	}
	if len(fields) == 0 {
		return nil, errs.New(errs.Corrupt, "no field table for "+msPath)
	}

	var best *Source
	bestSep := math.MaxFloat64
	for i := range c.sources {
		src := &c.sources[i]
		for _, f := range fields {
			sep := angularSeparationDeg(src.RADeg, src.DecDeg, f.RADeg, f.DecDeg)
			if sep <= c.searchRadius && sep < bestSep {
				bestSep = sep
				best = src
			}
		}
	}
	if best == nil {
		return nil, errs.New(errs.NoCalibrator, "no known source within search radius for "+msPath)
	}

	cal := model.Calibrator{
		Name:         best.Name,
		RADeg:        best.RADeg,
		DecDeg:       best.DecDeg,
		DecRangeMin:  best.DecDeg - c.registerTol,
		DecRangeMax:  best.DecDeg + c.registerTol,
		Status:       model.CalibratorActive,
		RegisteredAt: c.now(),
	}
	if err := c.upsertActive(ctx, cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

// Register writes an explicit, operator-supplied calibrator registration
// (CLI `register-bpcal NAME,RA,DEC [--dec-tol DEG]`, spec §6), deactivating
// any active binding whose declination band overlaps the new one in the
// same transaction as AutoRegisterIfMissing's implicit path.
func (c *Catalog) Register(ctx context.Context, name string, raDeg, decDeg, decTolDeg float64) (*model.Calibrator, error) {
	if decTolDeg <= 0 {
		decTolDeg = c.registerTol
	}
	cal := model.Calibrator{
		Name:         name,
		RADeg:        raDeg,
		DecDeg:       decDeg,
		DecRangeMin:  decDeg - decTolDeg,
		DecRangeMax:  decDeg + decTolDeg,
		Status:       model.CalibratorActive,
		RegisteredAt: c.now(),
	}
	if err := c.upsertActive(ctx, cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

func (c *Catalog) upsertActive(ctx context.Context, cal model.Calibrator) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+store.BandpassCalibrators+`
			SET status = ?
			WHERE status = ? AND name != ? AND NOT (dec_range_max < ? OR dec_range_min > ?)
		`, model.CalibratorInactive, model.CalibratorActive, cal.Name, cal.DecRangeMin, cal.DecRangeMax); err != nil {
			return fmt.Errorf("deactivate overlapping bindings: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+store.BandpassCalibrators+`
				(name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				ra_deg = excluded.ra_deg, dec_deg = excluded.dec_deg,
				dec_range_min = excluded.dec_range_min, dec_range_max = excluded.dec_range_max,
				status = excluded.status, registered_at = excluded.registered_at
		`, cal.Name, cal.RADeg, cal.DecDeg, cal.DecRangeMin, cal.DecRangeMax, cal.Status, cal.RegisteredAt.Unix())
		if err != nil {
			return fmt.Errorf("insert calibrator registration: %w", err)
		}
		return nil
	})
}

// angularSeparationDeg is the small-angle planar approximation adequate for
// the few-degree search radii this catalog uses (no great-circle precision
// is needed at this scale).
func angularSeparationDeg(ra1, dec1, ra2, dec2 float64) float64 {
	cosDec := math.Cos(dec1 * math.Pi / 180)
	dRA := (ra1 - ra2) * cosDec
	dDec := dec1 - dec2
	return math.Hypot(dRA, dDec)
}
