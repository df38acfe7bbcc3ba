package store

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lequ02/econ-modelling/internal/opt"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// JobConfig holds configuration for an optimization job (checkpoint copy).
// This avoids import cycles with the config and server packages.
type JobConfig struct {
	Method    string   `json:"method"` // gd, adam, mayfly
	Objective string   `json:"objective"`
	Command   bool     `json:"command,omitempty"` // Objective is an executable path
	Params    []string `json:"params"`            // policy keys in iteration order

	LearningRate float64  `json:"learningRate,omitempty"`
	Stopping     string   `json:"stopping,omitempty"`
	Patience     int      `json:"patience,omitempty"`
	Integer      []string `json:"integer,omitempty"`
	Population   int      `json:"population,omitempty"`
	Seed         int64    `json:"seed,omitempty"`

	CheckpointInterval int `json:"checkpointInterval,omitempty"` // Checkpoint every N seconds (0 = disabled)
}

// Entry is one history record in persisted form.
// Loss is null for a failed or non-finite evaluation.
type Entry struct {
	Iteration int           `json:"iteration"`
	Policy    policy.Policy `json:"policy"`
	Loss      *float64      `json:"loss"`
	Failure   string        `json:"failure,omitempty"`
}

// EntryFrom converts an in-memory snapshot.
func EntryFrom(s policy.Snapshot) Entry {
	e := Entry{Iteration: s.Iteration, Policy: s.Policy.Clone(), Failure: s.Failure}
	if s.Valid() {
		v := s.Loss
		e.Loss = &v
	}
	return e
}

// Snapshot converts back to the in-memory form; a null loss becomes +Inf.
func (e Entry) Snapshot() policy.Snapshot {
	if e.Loss == nil {
		failure := e.Failure
		if failure == "" {
			failure = "no recorded loss"
		}
		return policy.NewSnapshot(e.Iteration, e.Policy, math.Inf(1), failure)
	}
	return policy.NewSnapshot(e.Iteration, e.Policy, *e.Loss, e.Failure)
}

// Checkpoint is the persisted best policy of a run.
//
// The first three fields are the portable record read and written by other
// tools; the rest is metadata for listing and resuming:
//
//	{"policy": {"x": 1.5}, "loss": 0.25, "iteration": 12}
//
// Loss is null when the run produced no valid evaluation. In that case Policy
// holds the initial policy so the run can still be resumed from it.
//
// Only the best policy is saved, not the optimizer's moment state. A resumed
// run starts a fresh optimizer at the stored policy, so Adam restarts its
// bias correction from iteration 1.
type Checkpoint struct {
	Policy    policy.Policy `json:"policy"`
	Loss      *float64      `json:"loss"`
	Iteration int           `json:"iteration"`

	JobID      string    `json:"jobId,omitempty"`
	Method     string    `json:"method,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Iterations int       `json:"iterations,omitempty"` // iterations completed when saved
	Timestamp  time.Time `json:"timestamp"`
	Config     JobConfig `json:"config"`
	History    []Entry   `json:"history,omitempty"`
}

// CheckpointInfo contains metadata about a checkpoint without the history.
type CheckpointInfo struct {
	JobID      string    `json:"jobId"`
	Loss       *float64  `json:"loss"`
	Iteration  int       `json:"iteration"`
	Iterations int       `json:"iterations"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Signal     string    `json:"signal"`
	Objective  string    `json:"objective"`
	Params     int       `json:"params"`
}

// NewCheckpoint creates a checkpoint of best, typically the best snapshot seen so far.
func NewCheckpoint(jobID string, best policy.Snapshot, config JobConfig) *Checkpoint {
	e := EntryFrom(best)
	return &Checkpoint{
		Policy:    e.Policy,
		Loss:      e.Loss,
		Iteration: e.Iteration,
		JobID:     jobID,
		Method:    config.Method,
		Timestamp: time.Now(),
		Config:    config,
	}
}

// FromReport creates the final checkpoint of a finished run, including its history.
// Without a valid best the initial policy is stored with a null loss.
func FromReport(jobID string, report *opt.Report, config JobConfig) *Checkpoint {
	best := report.Best
	if !report.HasBest {
		best = report.Initial()
	}
	cp := NewCheckpoint(jobID, best, config)
	cp.Method = report.Method
	cp.Signal = report.Signal.String()
	cp.Iterations = report.Iterations
	for _, s := range report.History.Entries() {
		cp.History = append(cp.History, EntryFrom(s))
	}
	return cp
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:      c.JobID,
		Loss:       c.Loss,
		Iteration:  c.Iteration,
		Iterations: c.Iterations,
		Timestamp:  c.Timestamp,
		Method:     c.Method,
		Signal:     c.Signal,
		Objective:  c.Config.Objective,
		Params:     c.Policy.Len(),
	}
}

// Best returns the stored policy as a snapshot.
func (c *Checkpoint) Best() policy.Snapshot {
	return Entry{Iteration: c.Iteration, Policy: c.Policy, Loss: c.Loss}.Snapshot()
}

// Validate checks if the checkpoint has valid data.
// Only the portable fields are required.
func (c *Checkpoint) Validate() error {
	if c.Policy.IsZero() {
		return &ValidationError{Field: "policy", Reason: "cannot be empty"}
	}
	for _, p := range c.Policy.Params() {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return &ValidationError{Field: "policy." + p.Name, Reason: "must be finite"}
		}
	}
	if c.Loss != nil && (math.IsNaN(*c.Loss) || math.IsInf(*c.Loss, 0)) {
		return &ValidationError{Field: "loss", Reason: "must be finite or null"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "iteration", Reason: "cannot be negative"}
	}
	if c.Iterations < 0 {
		return &ValidationError{Field: "iterations", Reason: "cannot be negative"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// PolicyFor returns the stored policy in the order of expected, or a
// CompatibilityError when the key sets differ.
func (c *Checkpoint) PolicyFor(expected []string) (policy.Policy, error) {
	p, err := c.Policy.Reorder(expected)
	if err != nil {
		return policy.Policy{}, &CompatibilityError{
			Field:    "policy",
			Expected: keyList(expected),
			Actual:   keyList(c.Policy.Names()),
			Err:      err,
		}
	}
	return p, nil
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
// The method may change between runs; the objective and parameter set may not.
// A portable record without a stored objective is checked on its keys only.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.Objective != "" && c.Config.Objective != config.Objective {
		return &CompatibilityError{
			Field:    "objective",
			Expected: c.Config.Objective,
			Actual:   config.Objective,
		}
	}
	if _, err := c.PolicyFor(config.Params); err != nil {
		return err
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
	Err      error
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

func (e *CompatibilityError) Unwrap() error { return e.Err }

func keyList(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return fmt.Sprintf("[%s]", strings.Join(sorted, " "))
}
