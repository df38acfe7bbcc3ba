package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lequ02/econ-modelling/internal/policy"
	"github.com/lequ02/econ-modelling/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is an alias to avoid duplication with store.JobConfig
type JobConfig = store.JobConfig

// Job represents an optimization job.
// BestLoss and InitialLoss are null until a valid evaluation exists.
type Job struct {
	ID          string        `json:"id"`
	State       JobState      `json:"state"`
	Config      JobConfig     `json:"config"`
	BestPolicy  policy.Policy `json:"bestPolicy"`
	BestLoss    *float64      `json:"bestLoss"`
	InitialLoss *float64      `json:"initialLoss"`
	Iterations  int           `json:"iterations"`
	Evaluations int           `json:"evaluations"`
	Signal      string        `json:"signal,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	Error       string        `json:"error,omitempty"`

	best    policy.Snapshot
	hasBest bool
	initial policy.Snapshot
	history []store.Entry
	cancel  context.CancelFunc
}

// Elapsed is the run time so far, or the total once finished.
func (j Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// BestSnapshot returns the best valid snapshot, falling back to the initial
// one when no evaluation has succeeded. ok is false before the baseline exists.
func (j Job) BestSnapshot() (snap policy.Snapshot, ok bool) {
	if j.hasBest {
		return j.best, true
	}
	if !j.initial.Policy.IsZero() {
		return j.initial, true
	}
	return policy.Snapshot{}, false
}

// History returns the recorded snapshots in persisted form.
func (j Job) History() []store.Entry {
	return j.history
}

// record folds one snapshot into the job's running state.
func (j *Job) record(s policy.Snapshot) {
	j.Iterations = s.Iteration
	j.history = append(j.history, store.EntryFrom(s))
	if s.Iteration == 0 {
		j.initial = s
		j.BestPolicy = s.Policy
		if s.Valid() {
			v := s.Loss
			j.InitialLoss = &v
		}
	}
	if s.Valid() && (!j.hasBest || s.Loss < j.best.Loss) {
		j.best = s
		j.hasBest = true
		j.BestPolicy = s.Policy
		v := s.Loss
		j.BestLoss = &v
	}
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config JobConfig) Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return *job
}

// GetJob returns a copy of the job, safe to read while the worker updates it.
func (jm *JobManager) GetJob(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns all jobs, oldest first
func (jm *JobManager) ListJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].StartTime.Before(jobs[k].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, *job)
		}
	}
	return runningJobs
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// Cancel requests cancellation of a pending or running job. The worker stops
// at its next iteration boundary and records the job as cancelled.
func (jm *JobManager) Cancel(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.Done() {
		return ErrJobFinished
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}
