package loss

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrSimulationFailure = errors.New("simulation failure")
	ErrNonFiniteLoss     = errors.New("non-finite loss")
	ErrNoFunction        = errors.New("loss function is nil")
)

// InvalidParameterError reports a parameter name the optimizer cannot use.
// It is a programmer error and aborts the run.
type InvalidParameterError struct {
	Name   string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return "invalid parameter " + e.Name + ": " + e.Reason
}

func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// SimulationError reports that the loss function failed for a candidate policy.
type SimulationError struct {
	Err error
}

func (e *SimulationError) Error() string {
	return "simulation failure: " + e.Err.Error()
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}

func (e *SimulationError) Is(target error) bool {
	return target == ErrSimulationFailure
}

// NonFiniteError reports a NaN or infinite loss value.
type NonFiniteError struct {
	Value float64
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("non-finite loss: %v", e.Value)
}

func (e *NonFiniteError) Is(target error) bool {
	return target == ErrNonFiniteLoss
}

// Kind names the failure class of err for structured logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNonFiniteLoss):
		return "non_finite_loss"
	case errors.Is(err, ErrSimulationFailure):
		return "simulation_failure"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	default:
		return "error"
	}
}
