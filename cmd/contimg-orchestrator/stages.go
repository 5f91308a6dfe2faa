package main

import (
	"context"

	"github.com/dsa110/dsa110-contimg-sub003/internal/collab"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

// unimplementedStages satisfies every external collaborator interface with
// a typed Config error. Binding a real calibration solver, applier,
// imager, mosaic builder, and data registry is explicitly out of scope for
// this module (spec.md §1, §6) — a production deployment supplies its own
// implementations to orchestrator.Collaborators in place of this type.
type unimplementedStages struct{}

const unimplementedMsg = "no external stage backend bound (out of scope, spec.md §1)"

func (unimplementedStages) Rephase(context.Context, string, collab.ModelSource) error {
	return errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) SolveBandpass(context.Context, string, string, string, string, collab.SolveOptions) ([]string, error) {
	return nil, errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) SolveGains(context.Context, string, string, string, []string, string, collab.SolveOptions) ([]string, error) {
	return nil, errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) Apply(context.Context, string, string, []string, bool) error {
	return errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) SeedModel(context.Context, string, collab.ModelSource) error {
	return errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) Image(context.Context, string, string, collab.ImageOptions) error {
	return errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) Build(context.Context, []string, []float64, string) error {
	return errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) Register(context.Context, string, string, string, map[string]string, bool) error {
	return errs.New(errs.Config, unimplementedMsg)
}

func (unimplementedStages) Finalize(context.Context, string, string, string) error {
	return errs.New(errs.Config, unimplementedMsg)
}
