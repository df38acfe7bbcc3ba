package policy

import "math"

// Snapshot is an immutable copy of a policy at one iteration together with its loss.
// Iteration 0 is the baseline evaluation of the initial policy.
type Snapshot struct {
	Iteration int
	Policy    Policy
	Loss      float64
	// Failure is empty for a valid evaluation and holds the failure text otherwise.
	Failure string
}

// NewSnapshot copies p so later mutation of the live policy never reaches history.
func NewSnapshot(iteration int, p Policy, loss float64, failure string) Snapshot {
	if failure != "" || math.IsNaN(loss) || math.IsInf(loss, 0) {
		loss = math.Inf(1)
		if failure == "" {
			failure = "non-finite loss"
		}
	}
	return Snapshot{
		Iteration: iteration,
		Policy:    p.Clone(),
		Loss:      loss,
		Failure:   failure,
	}
}

// Valid reports whether the snapshot holds a real loss value.
func (s Snapshot) Valid() bool {
	return s.Failure == "" && !math.IsInf(s.Loss, 0) && !math.IsNaN(s.Loss)
}

// History is the append-only record of one optimization run.
type History struct {
	entries []Snapshot
}

// Append records a snapshot.
func (h *History) Append(s Snapshot) {
	h.entries = append(h.entries, s)
}

// Len returns the number of recorded snapshots.
func (h *History) Len() int {
	return len(h.entries)
}

// At returns the i-th snapshot.
func (h *History) At(i int) Snapshot {
	return h.entries[i]
}

// Entries returns a copy of all snapshots in recording order.
func (h *History) Entries() []Snapshot {
	return append([]Snapshot(nil), h.entries...)
}

// Best returns the valid snapshot with minimum loss, ties broken by the earliest entry.
// ok is false when no valid snapshot was recorded.
func (h *History) Best() (best Snapshot, ok bool) {
	idx := h.bestIndex()
	if idx < 0 {
		return Snapshot{}, false
	}
	return h.entries[idx], true
}

// SinceBest returns how many entries were recorded after the best one,
// or the full length when nothing valid exists.
func (h *History) SinceBest() int {
	idx := h.bestIndex()
	if idx < 0 {
		return len(h.entries)
	}
	return len(h.entries) - 1 - idx
}

func (h *History) bestIndex() int {
	idx := -1
	for i, s := range h.entries {
		if !s.Valid() {
			continue
		}
		if idx < 0 || s.Loss < h.entries[idx].Loss {
			idx = i
		}
	}
	return idx
}
