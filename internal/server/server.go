package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lequ02/econ-modelling/internal/config"
	"github.com/lequ02/econ-modelling/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager   *JobManager
	addr         string
	server       *http.Server
	store        store.Store
	allowCommand bool

	// jobs derive their contexts from base so Shutdown can stop them all.
	base    context.Context
	stopAll context.CancelFunc
	workers sync.WaitGroup
}

// NewServer creates a new HTTP server. checkpointStore may be nil, in which
// case jobs run without traces or checkpoints. Command objectives execute
// arbitrary programs on the host and are refused unless allowCommand is set.
func NewServer(addr string, checkpointStore store.Store, allowCommand bool) *Server {
	base, stopAll := context.WithCancel(context.Background())
	s := &Server{
		jobManager:   NewJobManager(),
		addr:         addr,
		store:        checkpointStore,
		allowCommand: allowCommand,
		base:         base,
		stopAll:      stopAll,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		// No WriteTimeout: SSE streams stay open for the whole job.
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Running jobs are cancelled and
// their final checkpoints written before it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.stopAll()

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"running":   len(s.jobManager.GetRunningJobs()),
	})
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	// Parse job ID from path
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]

	if len(parts) == 1 && r.Method == http.MethodDelete {
		s.handleCancelJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Route based on subpath
	switch {
	case len(parts) == 1 || parts[1] == "status":
		s.handleGetJobStatus(w, r, jobID)
	case parts[1] == "stream":
		s.handleJobStream(w, r, jobID)
	case parts[1] == "history":
		s.handleGetJobHistory(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
// The body is a run configuration in JSON; omitted fields take the CLI defaults.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	cfg := config.Default()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("Invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if cfg.Objective.Command != "" && !s.allowCommand {
		http.Error(w, "Command objectives are disabled on this server", http.StatusForbidden)
		return
	}

	f, err := cfg.BuildObjective()
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid objective: %v", err), http.StatusBadRequest)
		return
	}

	// Create job
	job := s.jobManager.CreateJob(cfg.JobConfig())
	ctx, cancel := context.WithCancel(s.base)
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel })

	// Start worker in background
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()
		if err := runJob(ctx, s.jobManager, s.store, job.ID, cfg, f); err != nil {
			slog.Debug("Job ended with error", "job_id", job.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	elapsed := job.Elapsed()

	// Create response
	response := map[string]interface{}{
		"id":          job.ID,
		"state":       job.State,
		"config":      job.Config,
		"bestPolicy":  job.BestPolicy,
		"bestLoss":    job.BestLoss,
		"initialLoss": job.InitialLoss,
		"iterations":  job.Iterations,
		"evaluations": job.Evaluations,
		"signal":      job.Signal,
		"elapsed":     elapsed.Seconds(),
		"rate":        rate(job.Evaluations, elapsed),
		"startTime":   job.StartTime,
		"endTime":     job.EndTime,
		"error":       job.Error,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleGetJobHistory handles GET /api/v1/jobs/:id/history
// Jobs from a previous server process are served from their trace on disk.
func (s *Server) handleGetJobHistory(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if exists {
		entries := job.History()
		if entries == nil {
			entries = []store.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "entries": entries})
		return
	}

	if s.store == nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	trace, err := store.ReadTrace(s.store.BaseDir(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to read trace: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "entries": trace})
}

// handleCancelJob handles DELETE /api/v1/jobs/:id
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.jobManager.Cancel(jobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrJobFinished):
		http.Error(w, "Job already finished", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		job, _ := s.jobManager.GetJob(jobID)
		writeJSON(w, http.StatusAccepted, job)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
