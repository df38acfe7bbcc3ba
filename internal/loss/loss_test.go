package loss

import (
	"context"
	"errors"
	"math"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lequ02/econ-modelling/internal/policy"
)

func TestEvaluate_Classification(t *testing.T) {
	ctx := context.Background()
	p := policy.MustNew(policy.Param{Name: "x", Value: 3})

	ok := Evaluate(ctx, FuncOf(nil, func(_ context.Context, a map[string]float64) (float64, error) {
		return a["x"] * 2, nil
	}), p)
	require.True(t, ok.OK())
	assert.Equal(t, 6.0, ok.Value())

	failed := Evaluate(ctx, FuncOf(nil, func(context.Context, map[string]float64) (float64, error) {
		return 0, errors.New("solver diverged")
	}), p)
	require.False(t, failed.OK())
	assert.True(t, math.IsInf(failed.Value(), 1))
	assert.ErrorIs(t, failed.Err(), ErrSimulationFailure)
	assert.Equal(t, "simulation_failure", Kind(failed.Err()))

	nan := Evaluate(ctx, FuncOf(nil, func(context.Context, map[string]float64) (float64, error) {
		return math.NaN(), nil
	}), p)
	require.False(t, nan.OK())
	assert.ErrorIs(t, nan.Err(), ErrNonFiniteLoss)
	assert.Equal(t, "non_finite_loss", Kind(nan.Err()))

	panicking := Evaluate(ctx, FuncOf(nil, func(context.Context, map[string]float64) (float64, error) {
		panic("index out of range")
	}), p)
	require.False(t, panicking.OK())
	assert.ErrorIs(t, panicking.Err(), ErrSimulationFailure)
}

func TestEvaluate_PassesCopy(t *testing.T) {
	p := policy.MustNew(policy.Param{Name: "x", Value: 1})
	f := FuncOf(nil, func(_ context.Context, a map[string]float64) (float64, error) {
		a["x"] = 100
		return 0, nil
	})

	Evaluate(context.Background(), f, p)

	v, _ := p.Get("x")
	assert.Equal(t, 1.0, v)
}

func TestValidate(t *testing.T) {
	p := policy.MustNew(policy.Param{Name: "x", Value: 1}, policy.Param{Name: "z", Value: 2})

	assert.ErrorIs(t, Validate(nil, p), ErrNoFunction)
	assert.ErrorIs(t, Validate(FuncOf(nil, nil), policy.Policy{}), policy.ErrEmptyPolicy)

	quad, err := Builtin("quadratic", nil)
	require.NoError(t, err)
	err = Validate(quad, p)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	var invalid *InvalidParameterError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "z", invalid.Name)

	bowl, err := Builtin("shifted-bowl", nil)
	require.NoError(t, err)
	assert.NoError(t, Validate(bowl, p))
}

func TestBuiltin(t *testing.T) {
	ctx := context.Background()

	quad, err := Builtin("quadratic", map[string]float64{"a": 2, "b": -8, "c": 1})
	require.NoError(t, err)
	v, err := quad.Eval(ctx, map[string]float64{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, -7.0, v)

	bowl, err := Builtin("scaled-bowl", nil)
	require.NoError(t, err)
	v, err = bowl.Eval(ctx, map[string]float64{"j": 2, "y": 3, "k": 8})
	require.NoError(t, err)
	assert.Equal(t, 41.0, v)

	_, err = Builtin("covasim", nil)
	var unknown *UnknownObjectiveError
	assert.ErrorAs(t, err, &unknown)
	assert.Contains(t, BuiltinNames(), "rosenbrock")
}

func TestCounting(t *testing.T) {
	c := NewCounting(FuncOf([]string{"x"}, func(context.Context, map[string]float64) (float64, error) {
		return 1, nil
	}))
	p := policy.MustNew(policy.Param{Name: "x", Value: 1})
	for i := 0; i < 3; i++ {
		Evaluate(context.Background(), c, p)
	}
	assert.Equal(t, 3, c.Calls())
	assert.Equal(t, []string{"x"}, c.Params())
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCommand_ParsesLastLine(t *testing.T) {
	sh := requireShell(t)
	// $0 and $1 receive the --name=value flags appended after the script.
	cmd := NewCommand(sh, []string{"-c", `cat >/dev/null; echo "running $0 $1"; echo 2.5`}, []string{"a", "b"}, time.Second)
	require.NoError(t, cmd.Check())

	v, err := cmd.Eval(context.Background(), map[string]float64{"b": 1, "a": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
}

func TestCommand_ReceivesPolicy(t *testing.T) {
	sh := requireShell(t)
	cmd := NewCommand(sh, []string{"-c", `cat; echo; echo 0`}, nil, time.Second)

	out := Evaluate(context.Background(), cmd, policy.MustNew(policy.Param{Name: "ctax_intensity", Value: 0.5}))
	require.True(t, out.OK(), "unexpected failure: %v", out.Err())
	assert.Equal(t, 0.0, out.Value())
}

func TestCommand_Failures(t *testing.T) {
	sh := requireShell(t)
	ctx := context.Background()
	p := policy.MustNew(policy.Param{Name: "x", Value: 1})

	exit := Evaluate(ctx, NewCommand(sh, []string{"-c", "echo boom >&2; exit 3"}, nil, time.Second), p)
	assert.ErrorIs(t, exit.Err(), ErrSimulationFailure)
	assert.Contains(t, exit.Err().Error(), "boom")

	garbage := Evaluate(ctx, NewCommand(sh, []string{"-c", "echo not-a-number"}, nil, time.Second), p)
	assert.ErrorIs(t, garbage.Err(), ErrSimulationFailure)

	slow := Evaluate(ctx, NewCommand(sh, []string{"-c", "sleep 5"}, nil, 50*time.Millisecond), p)
	assert.ErrorIs(t, slow.Err(), ErrSimulationFailure)
	assert.Contains(t, slow.Err().Error(), "timed out")

	nan := Evaluate(ctx, NewCommand(sh, []string{"-c", "echo NaN"}, nil, time.Second), p)
	assert.ErrorIs(t, nan.Err(), ErrNonFiniteLoss)
}

func TestCommand_CheckMissing(t *testing.T) {
	cmd := NewCommand("definitely-not-a-simulator-binary", nil, nil, 0)
	assert.Error(t, cmd.Check())
	assert.Equal(t, DefaultCommandTimeout, cmd.Timeout)
}
