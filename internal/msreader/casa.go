package msreader

import (
	"context"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

// unbound is the Reader used when no real CASA table binding has been
// wired in. Binding to casacore is explicitly out of scope (spec.md §1);
// this keeps `cmd/contimg-orchestrator` linkable end-to-end while making
// the gap an explicit, typed error rather than a nil-pointer panic the
// first time a real MS needs its metadata read.
type unbound struct{}

// NewUnbound returns a Reader that fails every call with errs.Config. Use
// it to wire a complete binary before a production MS backend exists.
func NewUnbound() Reader { return unbound{} }

const unboundMsg = "no MS metadata backend bound (casacore binding out of scope, spec.md §1)"

func (unbound) TimeRange(context.Context, string) (float64, float64, float64, error) {
	return 0, 0, 0, errs.New(errs.Config, unboundMsg)
}

func (unbound) Fields(context.Context, string) ([]Field, error) {
	return nil, errs.New(errs.Config, unboundMsg)
}

func (unbound) MeanDeclination(context.Context, string) (float64, error) {
	return 0, errs.New(errs.Config, unboundMsg)
}

func (unbound) HasPopulatedModel(context.Context, string) (bool, error) {
	return false, errs.New(errs.Config, unboundMsg)
}
