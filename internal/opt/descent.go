package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// Settings are shared by the finite-difference optimizers.
type Settings struct {
	// LearningRate scales every update. Zero selects the method's default.
	LearningRate float64

	// Step is the forward-difference probe size. Zero selects DefaultStep.
	Step float64

	// Stopping is FixedIterations or ToleranceBased. Unset selects FixedIterations(1000).
	Stopping StoppingRule

	// Integer lists parameters rounded to the nearest integer after every update.
	Integer []string
	// IntegerAll constrains every parameter.
	IntegerAll bool

	// OnIteration receives every recorded snapshot, the baseline (iteration 0) first.
	OnIteration Observer
}

func (s Settings) withDefaults(learningRate float64) Settings {
	if s.LearningRate == 0 {
		s.LearningRate = learningRate
	}
	if s.Step == 0 {
		s.Step = DefaultStep
	}
	if s.Stopping.IsZero() {
		s.Stopping = FixedIterations(DefaultMaxIterations)
	}
	return s
}

func (s Settings) validate() error {
	if s.LearningRate <= 0 || math.IsNaN(s.LearningRate) || math.IsInf(s.LearningRate, 0) {
		return fmt.Errorf("learning rate must be a positive number, got %g", s.LearningRate)
	}
	if s.Step <= 0 || math.IsNaN(s.Step) || math.IsInf(s.Step, 0) {
		return fmt.Errorf("step must be a positive number, got %g", s.Step)
	}
	if err := s.Stopping.Validate(); err != nil {
		return fmt.Errorf("invalid stopping rule: %w", err)
	}
	return nil
}

func (s Settings) integerSet(p policy.Policy) (map[string]bool, error) {
	set := make(map[string]bool)
	if s.IntegerAll {
		for _, name := range p.Names() {
			set[name] = true
		}
		return set, nil
	}
	for _, name := range s.Integer {
		if !p.Has(name) {
			return nil, &loss.InvalidParameterError{Name: name, Reason: "integer constraint on a name that is not a policy key"}
		}
		set[name] = true
	}
	return set, nil
}

// updateRule turns a partial derivative into a new parameter value.
type updateRule interface {
	reset(names []string)
	apply(name string, value, grad float64, t int) float64
}

// descent is the coordinate-wise iteration skeleton shared by GradientDescent and Adam.
//
// Each iteration sweeps the parameters in policy order. Every partial derivative is
// estimated at the current policy, including updates already made earlier in the same
// sweep, so the step is not a true joint gradient. This mirrors the calibration
// procedure it replaces and is a known bias source when parameters interact strongly.
type descent struct {
	method   string
	settings Settings
	rule     updateRule
	patience int
}

func (d *descent) run(ctx context.Context, f loss.Function, initial policy.Policy) (*Report, error) {
	if err := loss.Validate(f, initial); err != nil {
		return nil, fmt.Errorf("invalid optimization setup: %w", err)
	}
	integer, err := d.settings.integerSet(initial)
	if err != nil {
		return nil, fmt.Errorf("invalid optimization setup: %w", err)
	}

	start := time.Now()
	counter := loss.NewCounting(f)
	diff := Differentiator{Step: d.settings.Step}
	names := initial.Names()
	maxIter := d.settings.Stopping.MaxIterations()

	current := initial.Clone()
	integerNames := make([]string, 0, len(integer))
	for _, name := range names {
		if integer[name] {
			integerNames = append(integerNames, name)
		}
	}
	if !current.IsIntegral(integerNames) {
		slog.Info("Rounding integer-constrained parameters of the initial policy",
			"method", d.method,
			"params", integerNames,
			"policy", current.String(),
		)
		for _, name := range integerNames {
			v, _ := current.Get(name)
			_ = current.Set(name, math.Round(v))
		}
	}

	report := &Report{Method: d.method, History: &policy.History{}}
	record := func(t int, out loss.Outcome) {
		failure := ""
		if !out.OK() {
			failure = out.Err().Error()
		}
		snap := policy.NewSnapshot(t, current, out.Value(), failure)
		report.History.Append(snap)
		if d.settings.OnIteration != nil {
			d.settings.OnIteration(snap)
		}
	}

	var tolerance, patience *ConvergenceTracker
	if d.settings.Stopping.Auto() {
		tolerance = NewConvergenceTracker(ConvergenceConfig{
			Patience:  d.settings.Stopping.Consecutive(),
			Threshold: d.settings.Stopping.Tolerance(),
			Reference: AgainstPrevious,
		})
	}
	if d.patience > 0 {
		patience = NewConvergenceTracker(ConvergenceConfig{
			Patience:  d.patience,
			Reference: AgainstBest,
		})
	}

	slog.Info("Starting optimization",
		"method", d.method,
		"params", names,
		"learning_rate", d.settings.LearningRate,
		"stopping", d.settings.Stopping.String(),
		"patience", d.patience,
	)

	baseline := loss.Evaluate(ctx, counter, current)
	logOutcome(d.method, 0, current, baseline)
	record(0, baseline)
	if tolerance != nil {
		tolerance.Update(baseline.Value(), baseline.OK())
	}
	if patience != nil {
		patience.Update(baseline.Value(), baseline.OK())
	}

	d.rule.reset(names)
	signal := Signal{Kind: ExhaustedIterations}

	for t := 1; t <= maxIter; t++ {
		if ctx.Err() != nil {
			signal = Signal{Kind: StoppedEarly, Reason: ReasonCancelled}
			break
		}

		before := current.Clone()
		probed := 0
		for _, name := range names {
			grad, err := diff.Partial(ctx, counter, current, name)
			if err != nil {
				if errors.Is(err, loss.ErrInvalidParameter) {
					return nil, err
				}
				slog.Warn("Derivative probe failed, parameter left unchanged",
					"method", d.method,
					"iteration", t,
					"param", name,
					"kind", loss.Kind(err),
					"error", err,
				)
				continue
			}
			probed++
			v, _ := current.Get(name)
			next := d.rule.apply(name, v, grad, t)
			if integer[name] {
				next = math.Round(next)
			}
			_ = current.Set(name, next)
		}

		out := loss.Evaluate(ctx, counter, current)
		logOutcome(d.method, t, current, out)
		record(t, out)
		report.Iterations = t

		if len(integer) > 0 && probed > 0 && current.Equal(before) {
			signal = Signal{Kind: Converged, Reason: "integer policy unchanged"}
			break
		}
		if tolerance != nil && tolerance.Update(out.Value(), out.OK()) {
			slog.Info("Loss improvement below tolerance",
				"method", d.method,
				"iteration", t,
				"tolerance", d.settings.Stopping.Tolerance(),
				"stale_iterations", tolerance.StaleCount(),
			)
			signal = Signal{Kind: Converged}
			break
		}
		if patience != nil && patience.Update(out.Value(), out.OK()) {
			slog.Info("Patience exhausted",
				"method", d.method,
				"iteration", t,
				"best_loss", patience.BestLoss(),
				"stale_iterations", patience.StaleCount(),
			)
			signal = Signal{Kind: StoppedEarly, Reason: ReasonPatience}
			break
		}
	}

	report.Signal = signal
	report.finish(start, counter.Calls())
	logReport(report)
	return report, nil
}

func logOutcome(method string, t int, p policy.Policy, out loss.Outcome) {
	if !out.OK() {
		slog.Warn("Loss evaluation failed, recorded as invalid",
			"method", method,
			"iteration", t,
			"policy", p.String(),
			"kind", loss.Kind(out.Err()),
			"error", out.Err(),
		)
		return
	}
	slog.Debug("Iteration complete",
		"method", method,
		"iteration", t,
		"policy", p.String(),
		"loss", out.Value(),
	)
}

func logReport(r *Report) {
	attrs := []any{
		"method", r.Method,
		"signal", r.Signal.String(),
		"iterations", r.Iterations,
		"evaluations", r.Evaluations,
		"elapsed", r.Elapsed,
	}
	if r.HasBest {
		attrs = append(attrs,
			"best_loss", r.Best.Loss,
			"best_iteration", r.Best.Iteration,
			"best_policy", r.Best.Policy.String(),
			"since_best", r.History.SinceBest(),
		)
	} else {
		attrs = append(attrs, "best_loss", "none")
	}
	slog.Info("Optimization finished", attrs...)
}
