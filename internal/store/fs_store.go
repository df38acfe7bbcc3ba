package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Checkpoints are stored in a directory structure: <baseDir>/jobs/<jobID>/
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks. Multiple goroutines can safely call methods
// concurrently.
type FSStore struct {
	baseDir string // Root directory for all checkpoint data (e.g., "./data")
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, ioErr("open", baseDir, fmt.Errorf("failed to create base directory: %w", err))
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (fs *FSStore) BaseDir() string { return fs.baseDir }

func (fs *FSStore) Close() error { return nil }

// jobDir returns the directory path for a given job ID.
func (fs *FSStore) jobDir(jobID string) string {
	return JobDir(fs.baseDir, jobID)
}

// checkpointPath returns the path to the checkpoint.json file for a job.
func (fs *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), "checkpoint.json")
}

// JobDir is the per-job directory holding checkpoint.json and trace.jsonl.
func JobDir(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID)
}

// SaveCheckpoint atomically saves a checkpoint for the given job.
// Uses temp file + rename pattern to ensure atomicity.
func (fs *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return ioErr("encode", jobID, err)
	}

	finalPath := fs.checkpointPath(jobID)
	if err := writeAtomic(finalPath, data); err != nil {
		return err
	}

	slog.Debug("Checkpoint saved", "jobID", jobID, "path", finalPath)
	return nil
}

// LoadCheckpoint retrieves the checkpoint for the given job.
func (fs *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	path := fs.checkpointPath(jobID)
	data, err := os.ReadFile(path)
	if notExist(err) {
		return nil, &NotFoundError{JobID: jobID}
	} else if err != nil {
		return nil, ioErr("read", path, err)
	}

	checkpoint, err := decode(path, data)
	if err != nil {
		return nil, err
	}

	slog.Debug("Checkpoint loaded", "jobID", jobID, "path", path)
	return checkpoint, nil
}

// ListCheckpoints returns metadata for all available checkpoints.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	jobsDir := filepath.Join(fs.baseDir, "jobs")

	entries, err := os.ReadDir(jobsDir)
	if notExist(err) {
		// No checkpoints exist yet, return empty slice
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, ioErr("list", jobsDir, err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		jobID := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(jobID)); notExist(err) {
			continue // Skip directories without checkpoint.json
		}

		checkpoint, err := fs.LoadCheckpoint(jobID)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "jobID", jobID, "error", err)
			continue // Skip corrupted checkpoints
		}

		info := checkpoint.ToInfo()
		info.JobID = jobID
		infos = append(infos, info)
	}

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the checkpoint and all associated artifacts.
func (fs *FSStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	jobDir := fs.jobDir(jobID)
	if _, err := os.Stat(jobDir); notExist(err) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return ioErr("delete", jobDir, err)
	}

	// Remove entire job directory and all contents
	if err := os.RemoveAll(jobDir); err != nil {
		return ioErr("delete", jobDir, err)
	}

	slog.Debug("Checkpoint deleted", "jobID", jobID, "path", jobDir)
	return nil
}
