package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lequ02/econ-modelling/internal/policy"
)

// TraceEntry represents a single entry in the optimization history trace.
// Each entry is serialized as a JSON line in trace.jsonl:
//
//	{"iteration":3,"policy":{"x":2.1},"loss":0.01,"timestamp":"..."}
type TraceEntry struct {
	Entry

	// Timestamp records when this trace entry was created
	Timestamp time.Time `json:"timestamp"`
}

// NewTraceEntry stamps a history snapshot with the current time.
func NewTraceEntry(s policy.Snapshot) TraceEntry {
	return TraceEntry{Entry: EntryFrom(s), Timestamp: time.Now()}
}

// TracePath returns the location of a job's trace file.
func TracePath(baseDir, jobID string) string {
	return filepath.Join(JobDir(baseDir, jobID), "trace.jsonl")
}

// TraceWriter writes trace entries to a JSONL file.
// It uses buffered I/O for performance and is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter creates a new trace writer for the given job.
// The trace file is created at <baseDir>/jobs/<jobID>/trace.jsonl.
// If append is true, new entries are appended to existing file.
func NewTraceWriter(baseDir, jobID string, append bool) (*TraceWriter, error) {
	path := TracePath(baseDir, jobID)

	// Ensure job directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, ioErr("open", path, fmt.Errorf("failed to create job directory: %w", err))
	}

	// Open file in append or create mode
	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, ioErr("open", path, err)
	}

	writer := bufio.NewWriterSize(file, 64*1024) // 64KB buffer

	return &TraceWriter{
		file:   file,
		writer: writer,
		path:   path,
	}, nil
}

// Write appends a trace entry to the file.
// The entry is buffered and will be written on Flush() or Close().
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	// Serialize to JSON
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}

	// Write JSON line
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}

	// Write newline
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

// WriteSnapshot appends a history snapshot.
func (tw *TraceWriter) WriteSnapshot(s policy.Snapshot) error {
	return tw.Write(NewTraceEntry(s))
}

// Flush writes any buffered data to the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}

	// Also sync to disk for durability
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}

	return nil
}

// Close flushes buffered data and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	// Flush buffer first
	if err := tw.writer.Flush(); err != nil {
		tw.file.Close() // Try to close anyway
		return fmt.Errorf("failed to flush on close: %w", err)
	}

	// Close file
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}

	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries from a JSONL file.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader creates a new trace reader for the given job.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	path := TracePath(baseDir, jobID)

	file, err := os.Open(path)
	if err != nil {
		if notExist(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, ioErr("open", path, err)
	}

	scanner := bufio.NewScanner(file)
	// Set larger buffer for long lines (policies with many parameters)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max

	return &TraceReader{
		file:    file,
		scanner: scanner,
	}, nil
}

// Read reads the next trace entry from the file.
// Returns io.EOF when no more entries are available.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		// Check for error or EOF
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	line := tr.scanner.Bytes()
	var entry TraceEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}

	return &entry, nil
}

// ReadAll reads all trace entries from the file.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry

	for {
		entry, err := tr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// ReadTrace reads every entry of a job's trace.
func ReadTrace(baseDir, jobID string) ([]TraceEntry, error) {
	tr, err := NewTraceReader(baseDir, jobID)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.ReadAll()
}

// DeleteTrace removes the trace file for the given job.
// Returns nil if the file doesn't exist.
func DeleteTrace(baseDir, jobID string) error {
	path := TracePath(baseDir, jobID)

	err := os.Remove(path)
	if err != nil && !notExist(err) {
		return ioErr("delete", path, err)
	}

	return nil
}
