package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// WriteFile atomically writes cp as indented JSON to path.
// The parent directory is created when missing.
func WriteFile(path string, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return ioErr("encode", path, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	slog.Debug("Checkpoint written", "path", path)
	return nil
}

// ReadFile loads and validates a checkpoint written by WriteFile or by any tool
// producing the portable {"policy", "loss", "iteration"} record.
func ReadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("read", path, err)
	}
	return decode(path, data)
}

func decode(path string, data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, ioErr("decode", path, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// writeAtomic writes to a temporary file next to path and renames it into place,
// so readers never observe a partial checkpoint.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ioErr("write", path, fmt.Errorf("failed to create directory: %w", err))
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return ioErr("write", path, fmt.Errorf("failed to write temp file: %w", err))
	}

	if err := os.Rename(tempPath, path); err != nil {
		// Clean up temp file on failure
		os.Remove(tempPath)
		return ioErr("write", path, fmt.Errorf("failed to rename temp file: %w", err))
	}
	return nil
}

func notExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
