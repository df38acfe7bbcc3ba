package loss

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/lequ02/econ-modelling/internal/policy"
)

// Function is the objective being minimized. Implementations may be expensive,
// impure and nondeterministic; they wrap external simulators.
type Function interface {
	// Params lists the argument names the function accepts.
	// An empty list means any name is accepted.
	Params() []string

	// Eval returns the loss for the named arguments or an error when the
	// underlying simulation fails.
	Eval(ctx context.Context, args map[string]float64) (float64, error)
}

// Func adapts a plain Go function to Function.
type Func struct {
	Names []string
	Fn    func(ctx context.Context, args map[string]float64) (float64, error)
}

// FuncOf returns a Function that accepts params and evaluates fn.
func FuncOf(params []string, fn func(ctx context.Context, args map[string]float64) (float64, error)) *Func {
	return &Func{Names: params, Fn: fn}
}

func (f *Func) Params() []string { return f.Names }

func (f *Func) Eval(ctx context.Context, args map[string]float64) (float64, error) {
	return f.Fn(ctx, args)
}

// Outcome is the tagged result of one loss evaluation: Ok(loss) or Failed(err).
type Outcome struct {
	loss float64
	err  error
}

// Ok wraps a finite loss.
func Ok(loss float64) Outcome {
	return Outcome{loss: loss}
}

// Failed wraps an evaluation failure.
func Failed(err error) Outcome {
	return Outcome{loss: math.Inf(1), err: err}
}

// OK reports whether the evaluation produced a usable loss.
func (o Outcome) OK() bool {
	return o.err == nil
}

// Value returns the loss, or +Inf for a failed evaluation so it never wins a minimization.
func (o Outcome) Value() float64 {
	if o.err != nil {
		return math.Inf(1)
	}
	return o.loss
}

// Err returns the failure, nil for Ok outcomes.
func (o Outcome) Err() error {
	return o.err
}

// Evaluate calls f on p and classifies the result.
// Errors become SimulationFailure, NaN and ±Inf become NonFiniteLoss,
// and a panic inside f is recovered as a SimulationFailure.
func Evaluate(ctx context.Context, f Function, p policy.Policy) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(&SimulationError{Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	v, err := f.Eval(ctx, p.Values())
	if err != nil {
		var simErr *SimulationError
		if errors.As(err, &simErr) {
			return Failed(err)
		}
		return Failed(&SimulationError{Err: err})
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Failed(&NonFiniteError{Value: v})
	}
	return Ok(v)
}

// Validate checks the structural preconditions of an optimization run:
// a function is present, the policy is non-empty, and every policy key is accepted by f.
func Validate(f Function, p policy.Policy) error {
	if f == nil {
		return ErrNoFunction
	}
	if p.IsZero() {
		return policy.ErrEmptyPolicy
	}
	accepted := f.Params()
	if len(accepted) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(accepted))
	for _, name := range accepted {
		allowed[name] = true
	}
	for _, name := range p.Names() {
		if !allowed[name] {
			return &InvalidParameterError{Name: name, Reason: "not accepted by the loss function"}
		}
	}
	return nil
}

// Counting wraps a Function and counts Eval calls.
type Counting struct {
	Function
	calls atomic.Int64
}

// NewCounting wraps f.
func NewCounting(f Function) *Counting {
	return &Counting{Function: f}
}

func (c *Counting) Eval(ctx context.Context, args map[string]float64) (float64, error) {
	c.calls.Add(1)
	return c.Function.Eval(ctx, args)
}

// Calls returns the number of evaluations so far.
func (c *Counting) Calls() int {
	return int(c.calls.Load())
}
