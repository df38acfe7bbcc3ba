package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/opt"
	"github.com/lequ02/econ-modelling/internal/store"
)

// Load loads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.Method {
	case MethodGD, MethodAdam, MethodMayfly:
	default:
		return fmt.Errorf("invalid method: %s (must be gd, adam, or mayfly)", c.Method)
	}

	if c.Policy.IsZero() {
		return fmt.Errorf("policy must define at least one parameter")
	}

	if err := c.validateObjective(); err != nil {
		return fmt.Errorf("objective validation failed: %w", err)
	}

	if c.LearningRate < 0 {
		return fmt.Errorf("learning_rate cannot be negative, got %g", c.LearningRate)
	}
	if c.Step < 0 {
		return fmt.Errorf("step cannot be negative, got %g", c.Step)
	}
	if _, err := c.Stopping.Rule(); err != nil {
		return fmt.Errorf("stopping validation failed: %w", err)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience cannot be negative, got %d", c.Patience)
	}

	for _, name := range c.Integer {
		if !c.Policy.Has(name) {
			return fmt.Errorf("integer parameter %s is not a policy key", name)
		}
	}

	if c.Method == MethodMayfly {
		if c.Bounds.Lower >= c.Bounds.Upper {
			return fmt.Errorf("bounds: lower %g must be below upper %g", c.Bounds.Lower, c.Bounds.Upper)
		}
		if c.Population < opt.MinMayflyPopulation {
			return fmt.Errorf("population must be at least %d, got %d", opt.MinMayflyPopulation, c.Population)
		}
	}

	switch c.Checkpoint.Store {
	case "", store.BackendFS, store.BackendSQLite:
	default:
		return fmt.Errorf("checkpoint store must be fs or sqlite, got %s", c.Checkpoint.Store)
	}
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint interval cannot be negative, got %d", c.Checkpoint.Interval)
	}

	return nil
}

func (c *Config) validateObjective() error {
	o := c.Objective
	switch {
	case o.Builtin == "" && o.Command == "":
		return fmt.Errorf("either builtin or command must be set")
	case o.Builtin != "" && o.Command != "":
		return fmt.Errorf("builtin and command are mutually exclusive")
	case o.Builtin != "":
		if _, err := loss.Builtin(o.Builtin, o.Coefficients); err != nil {
			return err
		}
	default:
		if _, err := o.GetTimeout(); err != nil {
			return fmt.Errorf("invalid timeout %s: %w", o.Timeout, err)
		}
	}
	return nil
}

// Rule converts the stopping section; zero auto fields take the defaults.
func (s Stopping) Rule() (opt.StoppingRule, error) {
	var rule opt.StoppingRule
	switch s.Mode {
	case ModeFixed, "":
		rule = opt.FixedIterations(s.Iterations)
	case ModeAuto:
		maxIter, tol, consecutive := s.MaxIterations, s.Tolerance, s.Consecutive
		if maxIter == 0 {
			maxIter = opt.DefaultMaxIterations
		}
		if tol == 0 {
			tol = opt.DefaultTolerance
		}
		if consecutive == 0 {
			consecutive = opt.DefaultConsecutive
		}
		rule = opt.ToleranceBased(maxIter, tol, consecutive)
	default:
		return opt.StoppingRule{}, fmt.Errorf("invalid mode: %s (must be fixed or auto)", s.Mode)
	}
	if err := rule.Validate(); err != nil {
		return opt.StoppingRule{}, err
	}
	return rule, nil
}
