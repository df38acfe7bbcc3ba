package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lequ02/econ-modelling/internal/config"
	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/opt"
	"github.com/lequ02/econ-modelling/internal/policy"
	"github.com/lequ02/econ-modelling/internal/store"
)

// progressInterval throttles SSE progress events.
const progressInterval = 500 * time.Millisecond

// runJob executes an optimization job in the background.
// If checkpointStore is not nil the history is traced to disk, a final checkpoint
// is saved, and with a checkpoint interval > 0 periodic checkpoints are saved too.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, cfg *config.Config, f loss.Function) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	// Check for cancellation before starting expensive operation
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", jobID, "method", job.Config.Method, "objective", job.Config.Objective)

	var trace *store.TraceWriter
	if checkpointStore != nil {
		tw, err := store.NewTraceWriter(checkpointStore.BaseDir(), jobID, false)
		if err != nil {
			slog.Warn("Trace disabled", "job_id", jobID, "error", err)
		} else {
			trace = tw
			defer func() {
				if err := trace.Close(); err != nil {
					slog.Warn("Failed to close trace", "job_id", jobID, "error", err)
				}
			}()
		}
	}

	counter := loss.NewCounting(f)
	observer := func(s policy.Snapshot) {
		evals := counter.Calls()
		jm.UpdateJob(jobID, func(j *Job) {
			j.record(s)
			j.Evaluations = evals
		})
		if trace != nil {
			if err := trace.WriteSnapshot(s); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "iteration", s.Iteration, "error", err)
			}
		}
	}

	optimizer, err := cfg.BuildOptimizer(observer)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	start := time.Now()
	done := make(chan struct{})
	var monitors sync.WaitGroup

	monitors.Add(1)
	go func() {
		defer monitors.Done()
		monitorProgress(ctx, jm, counter, jobID, start, done)
	}()

	if checkpointStore != nil && job.Config.CheckpointInterval > 0 {
		monitors.Add(1)
		go func() {
			defer monitors.Done()
			monitorCheckpoints(ctx, jm, checkpointStore, jobID, done)
		}()
	}

	report, err := optimizer.Run(ctx, counter, cfg.Policy)
	close(done)
	monitors.Wait()

	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	state := StateCompleted
	if report.Signal.Kind == opt.StoppedEarly && report.Signal.Reason == opt.ReasonCancelled {
		state = StateCancelled
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Iterations = report.Iterations
		j.Evaluations = report.Evaluations
		j.Signal = report.Signal.String()
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	if checkpointStore != nil {
		cp := store.FromReport(jobID, report, job.Config)
		if err := checkpointStore.SaveCheckpoint(jobID, cp); err != nil {
			// The in-memory result stays valid.
			slog.Warn("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
	}

	attrs := []any{
		"job_id", jobID,
		"state", state,
		"signal", report.Signal.String(),
		"iterations", report.Iterations,
		"evaluations", report.Evaluations,
		"elapsed", report.Elapsed,
	}
	if report.HasBest {
		attrs = append(attrs, "best_loss", report.Best.Loss, "best_policy", report.Best.Policy.String())
	}
	slog.Info("Job finished", attrs...)

	final, _ := jm.GetJob(jobID)
	jm.broadcaster.Broadcast(newProgressEvent(final, rate(report.Evaluations, report.Elapsed)))

	if state == StateCancelled {
		return ctx.Err()
	}
	return nil
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, counter *loss.Counting, jobID string, startTime time.Time, done chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.broadcaster.Broadcast(newProgressEvent(job, rate(counter.Calls(), time.Since(startTime))))
		}
	}
}

func rate(evals int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(evals) / elapsed.Seconds()
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)

	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(newProgressEvent(job, 0))
	}
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.Signal = opt.Signal{Kind: opt.StoppedEarly, Reason: opt.ReasonCancelled}.String()
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

// monitorCheckpoints periodically saves checkpoints during optimization
func monitorCheckpoints(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, done chan struct{}) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}

	interval := time.Duration(job.Config.CheckpointInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
				slog.Warn("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

// saveCheckpoint saves the best policy seen so far for the given job
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	best, ok := job.BestSnapshot()
	if !ok {
		slog.Debug("Skipping checkpoint, no baseline yet", "job_id", jobID)
		return nil
	}

	checkpoint := store.NewCheckpoint(jobID, best, job.Config)
	checkpoint.Iterations = job.Iterations

	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		if errors.Is(err, store.ErrCheckpointIO) {
			return err
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"iteration", job.Iterations,
		"best_iteration", best.Iteration,
		"valid", best.Valid(),
	)
	return nil
}
