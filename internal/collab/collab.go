// Package collab defines the external collaborator capabilities the core
// consumes but never implements (spec §6): conversion, calibration solve/
// apply, imaging, mosaic assembly, photometry, and the external data
// registry. Implementations live outside this module; the orchestrator
// only depends on these interfaces.
package collab

import "context"

// Converter turns raw correlator output into Measurement Sets. Must be
// idempotent per input timestamp.
type Converter interface {
	Convert(ctx context.Context, inputRange TimeRange) ([]string, error)
}

// TimeRange is a half-open MJD interval.
type TimeRange struct {
	StartMJD float64
	EndMJD   float64
}

// SolveOptions carries solver tuning the core passes through unopened.
type SolveOptions map[string]string

// Solver produces calibration tables for an anchor MS.
type Solver interface {
	// Rephase shifts msPath's phase center to the calibrator position
	// given by source, the mandatory first pre-solve action (spec §4.7).
	Rephase(ctx context.Context, msPath string, source ModelSource) error
	SolveBandpass(ctx context.Context, msPath, calField, refant, prefix string, opts SolveOptions) ([]string, error)
	SolveGains(ctx context.Context, msPath, calField, refant string, bpTables []string, prefix string, opts SolveOptions) ([]string, error)
}

// Applier applies a set of gain tables to an MS in place.
type Applier interface {
	Apply(ctx context.Context, msPath, field string, gainTables []string, calwt bool) error

	// SeedModel populates MODEL_DATA for msPath from a point-source model at
	// source. Not in spec.md §6's literal collaborator list; added to give
	// spec §4.7's "seed MODEL_DATA via catalog" a concrete caller — catalog
	// (C4, a core component) supplies the RA/Dec/flux, and the Applier is
	// the nearest external collaborator already empowered to write MS
	// columns.
	SeedModel(ctx context.Context, msPath string, source ModelSource) error
}

// ModelSource is the point-source model used to seed MODEL_DATA.
type ModelSource struct {
	RADeg  float64
	DecDeg float64
	FluxJy float64
}

// ImageOptions carries imager tuning the core passes through unopened.
type ImageOptions map[string]string

// Imager produces an image (and primary-beam artifact) for one MS.
type Imager interface {
	Image(ctx context.Context, msPath, imageBasename string, opts ImageOptions) error
}

// MosaicBuilder assembles per-MS images, in order, into one mosaic
// artifact.
type MosaicBuilder interface {
	Build(ctx context.Context, imagePaths []string, weights []float64, outPath string) error
}

// Photometry is optional; it enqueues asynchronous photometry work
// against a finished mosaic.
type Photometry interface {
	Measure(ctx context.Context, mosaicPath string, config map[string]string) (jobID string, err error)
}

// DataRegistry is the external catalog a finished mosaic is published to.
type DataRegistry interface {
	Register(ctx context.Context, dataType, id, path string, metadata map[string]string, autoPublish bool) error
	Finalize(ctx context.Context, id, qaStatus, validationStatus string) error
}
