package config

import (
	"fmt"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/opt"
	"github.com/lequ02/econ-modelling/internal/store"
)

// BuildObjective constructs the loss function. A command objective is checked
// for an executable up front: an uninvokable loss is a configuration error.
func (c *Config) BuildObjective() (loss.Function, error) {
	o := c.Objective
	if o.Builtin != "" {
		return loss.Builtin(o.Builtin, o.Coefficients)
	}
	timeout, err := o.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid timeout %s: %w", o.Timeout, err)
	}
	cmd := loss.NewCommand(o.Command, o.Args, o.Params, timeout)
	if err := cmd.Check(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// BuildOptimizer constructs the configured method. observer receives every
// history snapshot and may be nil.
func (c *Config) BuildOptimizer(observer opt.Observer) (opt.Optimizer, error) {
	rule, err := c.Stopping.Rule()
	if err != nil {
		return nil, err
	}
	settings := opt.Settings{
		LearningRate: c.LearningRate,
		Step:         c.Step,
		Stopping:     rule,
		Integer:      c.Integer,
		IntegerAll:   c.IntegerAll,
		OnIteration:  observer,
	}

	switch c.Method {
	case MethodGD:
		return opt.NewGradientDescent(settings)
	case MethodAdam:
		return opt.NewAdam(opt.AdamSettings{
			Settings: settings,
			Beta1:    c.Beta1,
			Beta2:    c.Beta2,
			Epsilon:  c.Epsilon,
			Patience: c.Patience,
		})
	case MethodMayfly:
		return opt.NewMayfly(rule.MaxIterations(), c.Population, c.Seed, c.Bounds.Lower, c.Bounds.Upper, observer)
	default:
		return nil, fmt.Errorf("unknown method: %s", c.Method)
	}
}

// JobConfig is the subset stored with checkpoints.
func (c *Config) JobConfig() store.JobConfig {
	rule, _ := c.Stopping.Rule()
	integer := c.Integer
	if c.IntegerAll {
		integer = c.Policy.Names()
	}
	jc := store.JobConfig{
		Method:             c.Method,
		Objective:          c.Objective.Name(),
		Command:            c.Objective.Command != "",
		Params:             c.Policy.Names(),
		LearningRate:       c.LearningRate,
		Stopping:           rule.String(),
		Patience:           c.Patience,
		Integer:            integer,
		CheckpointInterval: c.Checkpoint.Interval,
	}
	if c.Method == MethodMayfly {
		jc.Population = c.Population
		jc.Seed = c.Seed
	}
	return jc
}

// Clone returns a deep copy safe to modify.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Policy = c.Policy.Clone()
	cp.Integer = append([]string(nil), c.Integer...)
	cp.Objective.Args = append([]string(nil), c.Objective.Args...)
	cp.Objective.Params = append([]string(nil), c.Objective.Params...)
	if c.Objective.Coefficients != nil {
		cp.Objective.Coefficients = make(map[string]float64, len(c.Objective.Coefficients))
		for k, v := range c.Objective.Coefficients {
			cp.Objective.Coefficients[k] = v
		}
	}
	return &cp
}
