package config

import (
	"fmt"
	"time"

	"github.com/lequ02/econ-modelling/internal/policy"
)

// Config is a complete optimization job: the initial policy, the objective and
// the method settings. The same structure is read from YAML files by the CLI
// and from JSON request bodies by the job server.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level,omitempty"`

	// Method is gd, adam or mayfly.
	Method    string        `yaml:"method" json:"method"`
	Policy    policy.Policy `yaml:"policy" json:"policy"`
	Objective Objective     `yaml:"objective" json:"objective"`

	// Zero selects the method's default learning rate.
	LearningRate float64  `yaml:"learning_rate" json:"learning_rate,omitempty"`
	Step         float64  `yaml:"step" json:"step,omitempty"`
	Stopping     Stopping `yaml:"stopping" json:"stopping"`

	// Adam only.
	Patience int     `yaml:"patience" json:"patience,omitempty"`
	Beta1    float64 `yaml:"beta1" json:"beta1,omitempty"`
	Beta2    float64 `yaml:"beta2" json:"beta2,omitempty"`
	Epsilon  float64 `yaml:"epsilon" json:"epsilon,omitempty"`

	Integer    []string `yaml:"integer" json:"integer,omitempty"`
	IntegerAll bool     `yaml:"integer_all" json:"integer_all,omitempty"`

	// Mayfly only.
	Bounds     Bounds `yaml:"bounds" json:"bounds"`
	Population int    `yaml:"population" json:"population,omitempty"`
	Seed       int64  `yaml:"seed" json:"seed,omitempty"`

	Checkpoint Checkpoint `yaml:"checkpoint" json:"checkpoint"`
}

// Objective selects the loss: a built-in analytic function or an external command.
type Objective struct {
	Builtin      string             `yaml:"builtin" json:"builtin,omitempty"`
	Coefficients map[string]float64 `yaml:"coefficients" json:"coefficients,omitempty"`

	Command string   `yaml:"command" json:"command,omitempty"`
	Args    []string `yaml:"args" json:"args,omitempty"`
	// Params restricts the accepted policy keys of a command objective.
	Params  []string `yaml:"params" json:"params,omitempty"`
	Timeout string   `yaml:"timeout" json:"timeout,omitempty"` // e.g. "10m"
}

// GetTimeout parses the command timeout; empty means the command default.
func (o Objective) GetTimeout() (time.Duration, error) {
	if o.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(o.Timeout)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout cannot be negative")
	}
	return d, nil
}

// Name identifies the objective in checkpoints and logs.
func (o Objective) Name() string {
	if o.Command != "" {
		return o.Command
	}
	return o.Builtin
}

// Stopping mirrors opt.StoppingRule: mode fixed runs Iterations,
// mode auto stops on Tolerance for Consecutive iterations or at MaxIterations.
type Stopping struct {
	Mode          string  `yaml:"mode" json:"mode"`
	Iterations    int     `yaml:"iterations" json:"iterations,omitempty"`
	MaxIterations int     `yaml:"max_iterations" json:"max_iterations,omitempty"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance,omitempty"`
	Consecutive   int     `yaml:"consecutive" json:"consecutive,omitempty"`
}

// Bounds is the search box of the mayfly baseline, shared by every parameter.
type Bounds struct {
	Lower float64 `yaml:"lower" json:"lower"`
	Upper float64 `yaml:"upper" json:"upper"`
}

// Checkpoint configures persistence of the best policy.
type Checkpoint struct {
	DataDir string `yaml:"data_dir" json:"data_dir,omitempty"`
	// Save is a standalone checkpoint file written on completion.
	Save string `yaml:"save" json:"save,omitempty"`
	// Interval is the periodic checkpoint period in seconds for server jobs (0 = disabled).
	Interval int    `yaml:"interval" json:"interval,omitempty"`
	Store    string `yaml:"store" json:"store,omitempty"` // fs or sqlite
}

// Stopping modes.
const (
	ModeFixed = "fixed"
	ModeAuto  = "auto"
)

// Methods.
const (
	MethodGD     = "gd"
	MethodAdam   = "adam"
	MethodMayfly = "mayfly"
)

// Default returns the configuration used when a file omits a field.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		Method:     MethodGD,
		Stopping:   Stopping{Mode: ModeFixed, Iterations: 1000},
		Bounds:     Bounds{Lower: -10, Upper: 10},
		Population: 20,
		Seed:       42,
		Checkpoint: Checkpoint{
			DataDir: "./data",
			Store:   "fs",
		},
	}
}
