package opt

import (
	"context"
	"time"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// Optimizer defines an optimization algorithm over named policy parameters.
type Optimizer interface {
	// Name identifies the method in logs, reports and checkpoints.
	Name() string

	// Run minimizes f starting from initial. The initial policy is not modified.
	// An error is returned only for structural misconfiguration; failed loss
	// evaluations are recorded in the report's history instead.
	Run(ctx context.Context, f loss.Function, initial policy.Policy) (*Report, error)
}

// Observer is called with every snapshot as it is appended to the history,
// starting with the baseline evaluation of the initial policy.
type Observer func(policy.Snapshot)

// Report is the outcome of one optimization run.
type Report struct {
	Method string

	// Best is the minimum-loss snapshot of the whole history. It is only
	// meaningful when HasBest is true; a run where every evaluation failed
	// has no valid best policy.
	Best    policy.Snapshot
	HasBest bool

	History     *policy.History
	Signal      Signal
	Iterations  int
	Evaluations int
	Elapsed     time.Duration
}

// Initial returns the baseline snapshot of the starting policy.
func (r *Report) Initial() policy.Snapshot {
	return r.History.At(0)
}

func (r *Report) finish(start time.Time, evaluations int) {
	r.Best, r.HasBest = r.History.Best()
	r.Evaluations = evaluations
	r.Elapsed = time.Since(start)
}
