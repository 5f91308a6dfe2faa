// Copyright 2021 The Erigon Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
//
// Package store is the backing state store for spec.md §6's persisted
// state layout: ms_index, mosaic_groups, calibration_sets,
// bandpass_calibrators, group_state_log, failure_ledger.
//
// The table-name-constant-with-doc-comment convention and the versioned
// schema marker below are adapted from erigon-lib/kv/tables.go; the actual
// table set is rewritten entirely for this domain.
package store

// SchemaVersion versions the table layout.
// 1.0 - initial: ms_index, mosaic_groups, calibration_sets,
//       bandpass_calibrators, group_state_log, failure_ledger.
const SchemaVersion = "1.0"

const (
	// MSIndex - one row per Measurement Set on disk.
	// key - path (unique)
	// columns - start_mjd, mid_mjd, end_mjd, declination_deg (nullable),
	// stage, cal_applied, imagename (nullable), updated_at
	MSIndex = "ms_index"

	// MosaicGroups - an ordered multiset of N MS entries forming one
	// mosaic unit.
	// key - group_id (unique)
	// columns - ms_paths (JSON array, mid_mjd order), calibration_ms_path,
	// status, bpcal_solved, gaincal_solved, created_at, stage_timestamps
	// (JSON map), retry_count
	MosaicGroups = "mosaic_groups"

	// CalibrationSets - result of solving for one anchor MS.
	// key - set_name (unique)
	// columns - kind, table_path, valid_start_mjd, valid_end_mjd,
	// cal_field, refant, status, created_at, dec_deg, superseded_by
	CalibrationSets = "calibration_sets"

	// BandpassCalibrators - declination-indexed catalog binding.
	// key - name
	// columns - ra_deg, dec_deg, dec_range_min, dec_range_max, status,
	// registered_at
	BandpassCalibrators = "bandpass_calibrators"

	// GroupStateLog - append-only record of stage transitions.
	// columns - group_id, from_status, to_status, reason, ts, attempt
	GroupStateLog = "group_state_log"

	// FailureLedger - recent failure events per (subsystem, kind) for
	// diagnostics; circuit breakers do not read it. Retention: rolling 24h.
	// columns - subsystem, error_kind, ts, message
	FailureLedger = "failure_ledger"
)

// AllTables lists every table this store owns, in creation order (no
// foreign keys cross tables, so order only matters for readability).
var AllTables = []string{
	MSIndex,
	MosaicGroups,
	CalibrationSets,
	BandpassCalibrators,
	GroupStateLog,
	FailureLedger,
}

const ddl = `
CREATE TABLE IF NOT EXISTS ` + MSIndex + ` (
	path             TEXT PRIMARY KEY,
	start_mjd        REAL NOT NULL,
	mid_mjd          REAL NOT NULL,
	end_mjd          REAL NOT NULL,
	declination_deg  REAL,
	stage            TEXT NOT NULL,
	cal_applied      INTEGER NOT NULL DEFAULT 0,
	imagename        TEXT,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ms_index_stage ON ` + MSIndex + `(stage);
CREATE INDEX IF NOT EXISTS idx_ms_index_mid_mjd ON ` + MSIndex + `(mid_mjd);

CREATE TABLE IF NOT EXISTS ` + MosaicGroups + ` (
	group_id            TEXT PRIMARY KEY,
	ms_paths            TEXT NOT NULL,
	calibration_ms_path TEXT,
	status              TEXT NOT NULL,
	bpcal_solved        INTEGER NOT NULL DEFAULT 0,
	gaincal_solved      INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	stage_timestamps    TEXT NOT NULL DEFAULT '{}',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	fail_reason         TEXT,
	fail_kind           TEXT,
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mosaic_groups_status ON ` + MosaicGroups + `(status);
CREATE INDEX IF NOT EXISTS idx_mosaic_groups_created_at ON ` + MosaicGroups + `(created_at);

CREATE TABLE IF NOT EXISTS ` + CalibrationSets + ` (
	set_name        TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	table_path      TEXT NOT NULL,
	valid_start_mjd REAL NOT NULL,
	valid_end_mjd   REAL NOT NULL,
	cal_field       TEXT NOT NULL,
	refant          TEXT NOT NULL,
	dec_deg         REAL NOT NULL,
	status          TEXT NOT NULL,
	superseded_by   TEXT,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calibration_sets_active ON ` + CalibrationSets + `(kind, status, valid_start_mjd, valid_end_mjd);

CREATE TABLE IF NOT EXISTS ` + BandpassCalibrators + ` (
	name           TEXT PRIMARY KEY,
	ra_deg         REAL NOT NULL,
	dec_deg        REAL NOT NULL,
	dec_range_min  REAL NOT NULL,
	dec_range_max  REAL NOT NULL,
	status         TEXT NOT NULL,
	registered_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bandpass_calibrators_range ON ` + BandpassCalibrators + `(dec_range_min, dec_range_max);

CREATE TABLE IF NOT EXISTS ` + GroupStateLog + ` (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id    TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	ts          INTEGER NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_group_state_log_group_id ON ` + GroupStateLog + `(group_id);

CREATE TABLE IF NOT EXISTS ` + FailureLedger + ` (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	subsystem  TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_failure_ledger_subsystem ON ` + FailureLedger + `(subsystem, error_kind, ts);
`
