// Package fileorg implements the File Organizer (C8): moves an MS between
// the ingestion path and its role-based organized location, and reconciles
// moves interrupted by a crash (spec §4.8).
//
// Grounded on spec.md §4.8 and
// original_source/legacy.backend/src/dsa110_contimg/mosaic/streaming_mosaic.py:890-997
// (_get_organized_ms_path, _organize_ms_file). Uses afero.Fs (teacher) so
// the move-then-update sequence is testable against an in-memory
// filesystem.
package fileorg

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

// Role is the destination category for an organized MS.
type Role string

const (
	RoleCalibrator Role = "calibrators"
	RoleScience    Role = "science"
	RoleFailed     Role = "failed"
)

// Organizer is the File Organizer (C8).
type Organizer struct {
	fs   afero.Fs
	root string
	now  func() time.Time
}

func New(fs afero.Fs, root string) *Organizer {
	return &Organizer{fs: fs, root: root, now: time.Now}
}

// TargetDir returns <root>/<role>/<YYYY-MM-DD>/ for t.
func (o *Organizer) TargetDir(role Role, t time.Time) string {
	return filepath.Join(o.root, string(role), t.UTC().Format("2006-01-02"))
}

// Move relocates the MS container at srcPath into role's organized
// directory for t, preserving its basename, and returns the new path.
// Move-then-update: the caller is responsible for committing the new path
// to the MS Entry in the same logical step, per spec §4.8's crash-safety
// note (move then update; on crash mid-move, Reconcile recovers at
// startup).
func (o *Organizer) Move(ctx context.Context, srcPath string, role Role, t time.Time) (string, error) {
	dir := o.TargetDir(role, t)
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.Transient, "create organized directory "+dir, err)
	}
	dest := filepath.Join(dir, filepath.Base(srcPath))
	if srcPath == dest {
		return dest, nil
	}
	exists, err := afero.Exists(o.fs, dest)
	if err != nil {
		return "", errs.Wrap(errs.Transient, "stat destination "+dest, err)
	}
	if exists {
		// already organized from a prior, interrupted run; idempotent no-op.
		return dest, nil
	}
	if err := o.fs.Rename(srcPath, dest); err != nil {
		return "", errs.Wrap(errs.Transient, fmt.Sprintf("move %s to %s", srcPath, dest), err)
	}
	return dest, nil
}

// CalibrationTablePrefix places calibration tables alongside the
// calibrator MS with a shared basename prefix (spec §4.8).
func (o *Organizer) CalibrationTablePrefix(msPath string) string {
	base := filepath.Base(msPath)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return filepath.Join(filepath.Dir(msPath), stem)
}

// IndexEntry is the minimal view Reconcile needs of one ms_index row.
type IndexEntry struct {
	Path string
	Role Role
	TS   time.Time
}

// Reconcile scans each entry's expected organized directory at startup and
// returns the entries whose on-disk path differs from the recorded path
// (the MS already moved but the index update never committed). Callers
// apply the correction to the index in their own transaction.
func (o *Organizer) Reconcile(ctx context.Context, entries []IndexEntry) (map[string]string, error) {
	corrections := make(map[string]string)
	for _, e := range entries {
		expected := filepath.Join(o.TargetDir(e.Role, e.TS), filepath.Base(e.Path))
		if expected == e.Path {
			continue
		}
		ok, err := afero.Exists(o.fs, expected)
		if err != nil {
			return nil, errs.Wrap(errs.Transient, "reconcile stat "+expected, err)
		}
		if ok {
			corrections[e.Path] = expected
		}
	}
	return corrections, nil
}
