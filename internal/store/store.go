package store

import (
	"fmt"
	"path/filepath"
)

// Store defines the interface for checkpoint persistence operations.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if checkpoint doesn't exist (for Load/Delete)
//   - Return a CheckpointIOError for I/O or serialization failures
//   - Return a ValidationError for records that decode but are unusable
type Store interface {
	// SaveCheckpoint atomically saves a checkpoint for the given job.
	// If a checkpoint already exists for this jobID, it is overwritten.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint for the given job.
	// Returns ErrNotFound if no checkpoint exists for this jobID.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all available checkpoints.
	// The returned slice may be empty if no checkpoints exist.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint and its trace for the given job.
	// Returns ErrNotFound if no checkpoint exists for this jobID.
	DeleteCheckpoint(jobID string) error

	// BaseDir is the data directory that also holds job traces.
	BaseDir() string

	Close() error
}

// Backend names accepted by Open.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// SQLiteFile is the database file name inside the data directory.
const SQLiteFile = "checkpoints.db"

// Open creates the store selected by backend rooted at dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendFS:
		return NewFSStore(dataDir)
	case BackendSQLite:
		return NewSQLiteStore(dataDir, filepath.Join(dataDir, SQLiteFile))
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %s or %s)", backend, BackendFS, BackendSQLite)
	}
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrCheckpointIO matches every persistence failure.
// Callers treat it as a warning: the in-memory best policy stays valid.
var ErrCheckpointIO = &CheckpointIOError{}

// CheckpointIOError wraps a failed read or write of checkpoint data.
type CheckpointIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	msg := "checkpoint " + e.Op + " failed"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

func (e *CheckpointIOError) Is(target error) bool {
	_, ok := target.(*CheckpointIOError)
	return ok
}

func ioErr(op, path string, err error) error {
	return &CheckpointIOError{Op: op, Path: path, Err: err}
}
