package opt

import (
	"log/slog"
	"math"
)

// Reference selects what a new loss is compared against.
type Reference int

const (
	// AgainstPrevious compares with the previous valid loss (per-iteration improvement).
	AgainstPrevious Reference = iota
	// AgainstBest compares with the best loss seen so far.
	AgainstBest
)

// ConvergenceConfig defines when a run of non-improving losses ends optimization.
type ConvergenceConfig struct {
	// Patience is the number of consecutive stale updates that triggers a stop.
	Patience int

	// Threshold is the absolute improvement a loss must exceed to count as progress.
	// Zero means any strict decrease counts.
	Threshold float64

	Reference Reference
}

// ConvergenceTracker tracks losses and detects when optimization has stalled.
// Invalid losses (failed evaluations) are ignored: they neither reset nor extend the stale run.
type ConvergenceTracker struct {
	config     ConvergenceConfig
	seen       bool
	last       float64
	best       float64
	staleCount int
}

// NewConvergenceTracker creates a new convergence tracker with the given config
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config: config,
		last:   math.Inf(1),
		best:   math.Inf(1),
	}
}

// Update records a loss and returns true once patience is exhausted.
func (c *ConvergenceTracker) Update(loss float64, valid bool) bool {
	if !valid || math.IsNaN(loss) || math.IsInf(loss, 0) {
		return false
	}

	// First valid loss only sets the reference.
	if !c.seen {
		c.seen = true
		c.last = loss
		c.best = loss
		return false
	}

	ref := c.last
	if c.config.Reference == AgainstBest {
		ref = c.best
	}
	improvement := ref - loss

	c.last = loss
	if loss < c.best {
		c.best = loss
	}

	if improvement > c.config.Threshold {
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant loss improvement",
		"loss", loss,
		"reference", ref,
		"improvement", improvement,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)
	return c.staleCount >= c.config.Patience
}

// BestLoss returns the best valid loss seen so far, +Inf if none.
func (c *ConvergenceTracker) BestLoss() float64 {
	return c.best
}

// StaleCount returns the current number of consecutive stale updates.
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}
