// Package msreader defines the MS Metadata Reader (spec §4.2): pure,
// idempotent reads over an MS handle. The real implementation binds to an
// external CASA table reader, explicitly out of scope per spec.md §1 — this
// package only defines the Reader capability interface, narrowed the way
// turbo/snapshotsync/snapshotsync.go's blockReader interface narrows
// Erigon's block-storage subsystem (teacher grounding), plus a fake
// implementation for tests.
package msreader

import (
	"context"
	"os"

	"github.com/spf13/afero"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

// Field is one field-table row: id, right ascension, declination, degrees.
type Field struct {
	ID     int
	RADeg  float64
	DecDeg float64
}

// Reader is the narrow capability this core consumes from the MS format.
// Every method is a pure read and must be idempotent (spec §4.2).
type Reader interface {
	// TimeRange returns (start, mid, end) MJD for the MS at path.
	TimeRange(ctx context.Context, path string) (start, mid, end float64, err error)
	// Fields returns the field table.
	Fields(ctx context.Context, path string) ([]Field, error)
	// MeanDeclination returns the mean declination in degrees across fields.
	MeanDeclination(ctx context.Context, path string) (float64, error)
	// HasPopulatedModel reports whether MODEL_DATA exists and is non-zero
	// for at least one sampled row.
	HasPopulatedModel(ctx context.Context, path string) (bool, error)
}

// FS reports plain filesystem existence of an MS container, used by the
// Group Builder's "paths must exist on disk" validation and by the
// orchestrator's resume/idempotence checks. Backed by afero.Fs so tests
// run against an in-memory filesystem instead of real disk.
type FS struct {
	fs afero.Fs
}

func NewFS(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

func (f *FS) Exists(path string) (bool, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.NotFound, "stat ms path", err)
	}
	return info.IsDir() || info.Mode().IsRegular(), nil
}
