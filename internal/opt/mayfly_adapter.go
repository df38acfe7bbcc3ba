package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cwbudde/mayfly"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// MinMayflyPopulation is the smallest population the mayfly library accepts.
const MinMayflyPopulation = 20

// MayflyAdapter wraps the external Mayfly swarm optimizer as a derivative-free
// baseline over a box of uniform bounds. It uses no gradients, so it is useful
// for locating a basin before a finite-difference run refines it.
type MayflyAdapter struct {
	maxIters    int
	popSize     int
	seed        int64
	lower       float64
	upper       float64
	onIteration Observer
}

// NewMayfly creates a new Mayfly optimizer adapter
func NewMayfly(maxIters, popSize int, seed int64, lower, upper float64, onIteration Observer) (*MayflyAdapter, error) {
	if maxIters <= 0 {
		return nil, fmt.Errorf("mayfly: max iterations must be positive, got %d", maxIters)
	}
	if popSize < MinMayflyPopulation {
		return nil, fmt.Errorf("mayfly: population must be at least %d, got %d", MinMayflyPopulation, popSize)
	}
	if !(lower < upper) {
		return nil, fmt.Errorf("mayfly: lower bound %g must be below upper bound %g", lower, upper)
	}
	return &MayflyAdapter{
		maxIters:    maxIters,
		popSize:     popSize,
		seed:        seed,
		lower:       lower,
		upper:       upper,
		onIteration: onIteration,
	}, nil
}

func (m *MayflyAdapter) Name() string { return "mayfly" }

// Run executes the Mayfly optimization using the external library.
// The history holds the baseline evaluation and the swarm's global best.
func (m *MayflyAdapter) Run(ctx context.Context, f loss.Function, initial policy.Policy) (*Report, error) {
	if err := loss.Validate(f, initial); err != nil {
		return nil, fmt.Errorf("invalid optimization setup: %w", err)
	}

	start := time.Now()
	counter := loss.NewCounting(f)
	names := initial.Names()
	report := &Report{Method: m.Name(), History: &policy.History{}}
	record := func(t int, p policy.Policy, out loss.Outcome) {
		failure := ""
		if !out.OK() {
			failure = out.Err().Error()
		}
		snap := policy.NewSnapshot(t, p, out.Value(), failure)
		report.History.Append(snap)
		if m.onIteration != nil {
			m.onIteration(snap)
		}
	}

	baseline := loss.Evaluate(ctx, counter, initial)
	logOutcome(m.Name(), 0, initial, baseline)
	record(0, initial, baseline)

	// Failed and cancelled evaluations score +Inf so the swarm moves away from them.
	eval := func(x []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		p, err := fromVector(names, x)
		if err != nil {
			return math.Inf(1)
		}
		return loss.Evaluate(ctx, counter, p).Value()
	}

	// Create config for external Mayfly library
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = len(names)
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = m.lower
	config.UpperBound = m.upper
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	best, err := fromVector(names, result.GlobalBest.Position)
	if err != nil {
		return nil, err
	}
	out := loss.Ok(result.GlobalBest.Cost)
	if math.IsInf(result.GlobalBest.Cost, 0) || math.IsNaN(result.GlobalBest.Cost) {
		out = loss.Failed(&loss.NonFiniteError{Value: result.GlobalBest.Cost})
	}
	logOutcome(m.Name(), m.maxIters, best, out)
	record(m.maxIters, best, out)

	report.Iterations = m.maxIters
	report.Signal = Signal{Kind: ExhaustedIterations}
	if ctx.Err() != nil {
		report.Signal = Signal{Kind: StoppedEarly, Reason: ReasonCancelled}
	}
	report.finish(start, counter.Calls())
	logReport(report)
	return report, nil
}

func fromVector(names []string, x []float64) (policy.Policy, error) {
	if len(x) != len(names) {
		return policy.Policy{}, fmt.Errorf("position has %d values for %d parameters", len(x), len(names))
	}
	params := make([]policy.Param, len(names))
	for i, name := range names {
		params[i] = policy.Param{Name: name, Value: x[i]}
	}
	return policy.New(params...)
}
