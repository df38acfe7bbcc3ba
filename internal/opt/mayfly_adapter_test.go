package opt

import (
	"context"
	"math"
	"testing"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// sphere: f(x) = sum(x_i^2), minimum at origin
func sphere(t *testing.T) loss.Function {
	t.Helper()
	f, err := loss.Builtin("shifted-bowl", nil)
	if err != nil {
		t.Fatalf("Failed to build objective: %v", err)
	}
	return f
}

func spherePolicy() policy.Policy {
	return policy.MustNew(
		policy.Param{Name: "x", Value: 5},
		policy.Param{Name: "y", Value: -5},
		policy.Param{Name: "z", Value: 3},
	)
}

func TestMayflyAdapterOnSphere(t *testing.T) {
	optimizer, err := NewMayfly(100, 20, 42, -10, 10, nil) // maxIters, popSize, seed, bounds
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	report, err := optimizer.Run(context.Background(), sphere(t), spherePolicy())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.HasBest {
		t.Fatal("Expected a valid best policy")
	}
	if report.Best.Policy.Len() != 3 {
		t.Fatalf("Expected 3 parameters, got %d", report.Best.Policy.Len())
	}

	// Should converge close to zero
	if report.Best.Loss > 0.1 {
		t.Errorf("Expected loss near 0, got %f", report.Best.Loss)
	}

	// Check that best params are near origin
	for _, p := range report.Best.Policy.Params() {
		if math.Abs(p.Value) > 1.0 {
			t.Errorf("Parameter %s = %f, expected near 0", p.Name, p.Value)
		}
	}

	if report.Signal.Kind != ExhaustedIterations {
		t.Errorf("Expected exhausted_iterations, got %s", report.Signal)
	}
	if report.History.Len() != 2 {
		t.Errorf("Expected baseline and best in history, got %d entries", report.History.Len())
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	p := policy.MustNew(policy.Param{Name: "x", Value: 1}, policy.Param{Name: "y", Value: 1})

	// Run twice with same seed (popSize must be >=20 for mayfly v0.1.0)
	optimizer1, _ := NewMayfly(50, 20, 123, -5, 5, nil)
	report1, err := optimizer1.Run(context.Background(), sphere(t), p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	optimizer2, _ := NewMayfly(50, 20, 123, -5, 5, nil)
	report2, err := optimizer2.Run(context.Background(), sphere(t), p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report1.Best.Loss != report2.Best.Loss {
		t.Errorf("Non-deterministic: loss1=%f, loss2=%f", report1.Best.Loss, report2.Best.Loss)
	}
}

func TestMayflyAdapterValidation(t *testing.T) {
	if _, err := NewMayfly(10, 5, 1, -1, 1, nil); err == nil {
		t.Error("Expected error for population below minimum")
	}
	if _, err := NewMayfly(10, 20, 1, 1, -1, nil); err == nil {
		t.Error("Expected error for inverted bounds")
	}
	if _, err := NewMayfly(0, 20, 1, -1, 1, nil); err == nil {
		t.Error("Expected error for zero iterations")
	}
}

func TestMayflyAdapterAllFailures(t *testing.T) {
	failing, _ := loss.Builtin("failing", nil)
	optimizer, _ := NewMayfly(5, 20, 7, -1, 1, nil)

	report, err := optimizer.Run(context.Background(), failing, policy.MustNew(policy.Param{Name: "x", Value: 0}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.HasBest {
		t.Error("Expected no valid best policy when every evaluation fails")
	}
}
