package opt

import "fmt"

// SignalKind classifies how a run ended.
type SignalKind string

const (
	Converged           SignalKind = "converged"
	StoppedEarly        SignalKind = "stopped_early"
	ExhaustedIterations SignalKind = "exhausted_iterations"
)

// Reasons attached to StoppedEarly signals.
const (
	ReasonPatience  = "patience exhausted"
	ReasonCancelled = "cancelled"
)

// Signal is the convergence outcome of a run. Callers use it to decide
// whether to trust the returned policy.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	Reason string     `json:"reason,omitempty"`
}

func (s Signal) String() string {
	if s.Reason == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
}

type stopMode int

const (
	modeUnset stopMode = iota
	modeFixed
	modeTolerance
)

// Defaults for the tolerance-based rule.
const (
	DefaultMaxIterations = 1000
	DefaultTolerance     = 1e-6
	DefaultConsecutive   = 3
)

// StoppingRule is either FixedIterations(n) or
// ToleranceBased(maxIterations, tolerance, consecutive).
type StoppingRule struct {
	mode        stopMode
	iterations  int
	tolerance   float64
	consecutive int
}

// FixedIterations runs exactly n iterations unless another criterion stops the run first.
func FixedIterations(n int) StoppingRule {
	return StoppingRule{mode: modeFixed, iterations: n}
}

// ToleranceBased runs until the per-iteration loss improvement stays at or below
// tolerance for consecutive iterations in a row, or maxIterations is reached.
func ToleranceBased(maxIterations int, tolerance float64, consecutive int) StoppingRule {
	return StoppingRule{mode: modeTolerance, iterations: maxIterations, tolerance: tolerance, consecutive: consecutive}
}

// DefaultToleranceBased is the "auto" rule.
func DefaultToleranceBased() StoppingRule {
	return ToleranceBased(DefaultMaxIterations, DefaultTolerance, DefaultConsecutive)
}

// IsZero reports whether the rule was never set.
func (r StoppingRule) IsZero() bool {
	return r.mode == modeUnset
}

// Auto reports whether this is the tolerance-based rule.
func (r StoppingRule) Auto() bool {
	return r.mode == modeTolerance
}

// MaxIterations returns the fixed count or the hard cap.
func (r StoppingRule) MaxIterations() int {
	return r.iterations
}

// Tolerance returns the improvement threshold (tolerance-based rule only).
func (r StoppingRule) Tolerance() float64 {
	return r.tolerance
}

// Consecutive returns the required run of non-improving iterations (tolerance-based rule only).
func (r StoppingRule) Consecutive() int {
	return r.consecutive
}

// Validate rejects unusable rules.
func (r StoppingRule) Validate() error {
	switch r.mode {
	case modeUnset:
		return fmt.Errorf("stopping rule is not set")
	case modeFixed:
		if r.iterations <= 0 {
			return fmt.Errorf("iterations must be positive, got %d", r.iterations)
		}
	case modeTolerance:
		if r.iterations <= 0 {
			return fmt.Errorf("max iterations must be positive, got %d", r.iterations)
		}
		if r.tolerance < 0 {
			return fmt.Errorf("tolerance cannot be negative, got %g", r.tolerance)
		}
		if r.consecutive <= 0 {
			return fmt.Errorf("consecutive must be positive, got %d", r.consecutive)
		}
	}
	return nil
}

func (r StoppingRule) String() string {
	switch r.mode {
	case modeFixed:
		return fmt.Sprintf("fixed(%d)", r.iterations)
	case modeTolerance:
		return fmt.Sprintf("auto(max=%d, tol=%g, consecutive=%d)", r.iterations, r.tolerance, r.consecutive)
	default:
		return "unset"
	}
}
