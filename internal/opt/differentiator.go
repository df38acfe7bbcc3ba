package opt

import (
	"context"
	"fmt"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// DefaultStep is the forward-difference probe size.
const DefaultStep = 1e-4

// Differentiator estimates partial derivatives of an opaque loss with a
// one-sided forward difference: (f(p with name += h) - f(p)) / h.
//
// The estimate is biased (O(h)) but costs a single extra evaluation.
// Smaller steps are not always more accurate: once h approaches the
// floating-point resolution of the loss, round-off dominates the quotient.
type Differentiator struct {
	Step float64
}

func (d Differentiator) step() float64 {
	if d.Step == 0 {
		return DefaultStep
	}
	return d.Step
}

// Partial estimates df/dname at p. p itself is never modified.
// A failed evaluation is returned as an error wrapping the loss failure.
func (d Differentiator) Partial(ctx context.Context, f loss.Function, p policy.Policy, name string) (float64, error) {
	v, ok := p.Get(name)
	if !ok {
		return 0, &loss.InvalidParameterError{Name: name, Reason: "not a policy key"}
	}
	h := d.step()
	probe, err := p.With(name, v+h)
	if err != nil {
		return 0, err
	}

	base := loss.Evaluate(ctx, f, p)
	if !base.OK() {
		return 0, fmt.Errorf("base evaluation for %s: %w", name, base.Err())
	}
	bumped := loss.Evaluate(ctx, f, probe)
	if !bumped.OK() {
		return 0, fmt.Errorf("probe evaluation for %s: %w", name, bumped.Err())
	}
	return (bumped.Value() - base.Value()) / h, nil
}
