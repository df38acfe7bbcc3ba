package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one checkpoint row per job in a SQLite database.
// Traces stay as JSONL files under baseDir, as with FSStore.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	baseDir string
	dbPath  string
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(baseDir, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, ioErr("open", dbPath, fmt.Errorf("failed to create directory: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ioErr("open", dbPath, fmt.Errorf("failed to open database: %w", err))
	}

	s := &SQLiteStore{db: db, baseDir: baseDir, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT PRIMARY KEY,
		method TEXT,
		loss REAL,
		iteration INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return ioErr("open", s.dbPath, fmt.Errorf("failed to create table: %w", err))
	}
	return nil
}

func (s *SQLiteStore) BaseDir() string { return s.baseDir }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return ioErr("encode", jobID, err)
	}

	var loss sql.NullFloat64
	if checkpoint.Loss != nil {
		loss = sql.NullFloat64{Float64: *checkpoint.Loss, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (job_id, method, loss, iteration, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			method = excluded.method,
			loss = excluded.loss,
			iteration = excluded.iteration,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		jobID, checkpoint.Method, loss, checkpoint.Iteration, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return ioErr("save", s.dbPath, err)
	}

	slog.Debug("Checkpoint saved", "jobID", jobID, "db", s.dbPath)
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(`SELECT data FROM checkpoints WHERE job_id = ?`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, ioErr("read", s.dbPath, err)
	}
	return decode(s.dbPath, []byte(data))
}

func (s *SQLiteStore) ListCheckpoints() ([]CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT job_id, data FROM checkpoints ORDER BY job_id`)
	if err != nil {
		return nil, ioErr("list", s.dbPath, err)
	}
	defer rows.Close()

	infos := []CheckpointInfo{}
	for rows.Next() {
		var jobID, data string
		if err := rows.Scan(&jobID, &data); err != nil {
			return nil, ioErr("list", s.dbPath, err)
		}
		cp, err := decode(s.dbPath, []byte(data))
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "jobID", jobID, "error", err)
			continue
		}
		info := cp.ToInfo()
		info.JobID = jobID
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list", s.dbPath, err)
	}
	return infos, nil
}

func (s *SQLiteStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	s.mu.Lock()
	res, err := s.db.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	s.mu.Unlock()
	if err != nil {
		return ioErr("delete", s.dbPath, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &NotFoundError{JobID: jobID}
	}

	if err := os.RemoveAll(JobDir(s.baseDir, jobID)); err != nil {
		return ioErr("delete", JobDir(s.baseDir, jobID), err)
	}
	slog.Debug("Checkpoint deleted", "jobID", jobID, "db", s.dbPath)
	return nil
}
