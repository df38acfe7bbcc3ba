package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

func mustParse(t *testing.T, text string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(text))
	require.NoError(t, err)
	return cfg
}

func TestBuildOptimizer_Methods(t *testing.T) {
	for _, method := range []string{MethodGD, MethodAdam, MethodMayfly} {
		cfg := mustParse(t, "method: "+method+"\npolicy: {x: 3}\nobjective: {builtin: quadratic}\nstopping: {iterations: 5}")

		o, err := cfg.BuildOptimizer(nil)
		require.NoError(t, err, method)
		assert.Equal(t, method, o.Name())
	}
}

func TestBuildOptimizer_RunsEndToEnd(t *testing.T) {
	cfg := mustParse(t, `
method: gd
policy: {x: 10}
objective: {builtin: quadratic}
learning_rate: 0.1
stopping: {mode: fixed, iterations: 500}
`)
	f, err := cfg.BuildObjective()
	require.NoError(t, err)

	var observed int
	o, err := cfg.BuildOptimizer(func(policy.Snapshot) { observed++ })
	require.NoError(t, err)

	report, err := o.Run(context.Background(), f, cfg.Policy)
	require.NoError(t, err)
	require.True(t, report.HasBest)

	x, _ := report.Best.Policy.Get("x")
	assert.InDelta(t, 2.0, x, 0.05)
	assert.Equal(t, 501, observed)
}

func TestBuildOptimizer_AdamSettings(t *testing.T) {
	cfg := mustParse(t, "method: adam\npolicy: {x: 1}\nobjective: {builtin: constant}\npatience: 4\nbeta1: 0.8")

	o, err := cfg.BuildOptimizer(nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background(), loss.FuncOf(nil, func(context.Context, map[string]float64) (float64, error) {
		return 1, nil
	}), cfg.Policy)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Iterations, "patience from config")
}

func TestBuildObjective_Command(t *testing.T) {
	cfg := mustParse(t, "policy: {x: 1}\nobjective: {command: definitely-not-a-simulator-binary}")

	_, err := cfg.BuildObjective()
	assert.Error(t, err, "an uninvokable command is a configuration error")
}

func TestJobConfig(t *testing.T) {
	cfg := mustParse(t, `
method: mayfly
policy: {a: 1, b: 2}
objective: {builtin: shifted-bowl}
integer_all: true
population: 30
seed: 7
stopping: {iterations: 40}
checkpoint: {interval: 15}
`)
	jc := cfg.JobConfig()

	assert.Equal(t, "mayfly", jc.Method)
	assert.Equal(t, "shifted-bowl", jc.Objective)
	assert.False(t, jc.Command)
	assert.Equal(t, []string{"a", "b"}, jc.Params)
	assert.Equal(t, []string{"a", "b"}, jc.Integer)
	assert.Equal(t, "fixed(40)", jc.Stopping)
	assert.Equal(t, 30, jc.Population)
	assert.Equal(t, int64(7), jc.Seed)
	assert.Equal(t, 15, jc.CheckpointInterval)
}

func TestClone(t *testing.T) {
	cfg := mustParse(t, "policy: {x: 1}\nobjective: {builtin: quadratic, coefficients: {a: 2}}\ninteger: [x]")

	cp := cfg.Clone()
	require.NoError(t, cp.Policy.Set("x", 5))
	cp.Objective.Coefficients["a"] = 9
	cp.Integer[0] = "y"

	x, _ := cfg.Policy.Get("x")
	assert.Equal(t, 1.0, x)
	assert.Equal(t, 2.0, cfg.Objective.Coefficients["a"])
	assert.Equal(t, "x", cfg.Integer[0])
}
