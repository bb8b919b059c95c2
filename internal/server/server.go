// Package server exposes registration runs as HTTP jobs with live
// progress streaming.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/descentreg/internal/registration"
	"github.com/cwbudde/descentreg/internal/store"
)

const overlaySize = 512

// Server is the HTTP front end for registration jobs.
type Server struct {
	jobManager   *JobManager
	store        store.Store
	metrics      *Metrics
	addr         string
	server       *http.Server
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server listening on addr. Finished jobs are
// checkpointed to st when it is non-nil.
func NewServer(addr string, st store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager:   NewJobManager(),
		store:        st,
		metrics:      NewMetrics(),
		addr:         addr,
		pingInterval: 30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.Handle("/metrics", s.metrics.Handler())
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops all running jobs and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	for _, job := range s.jobManager.GetRunningJobs() {
		s.jobManager.StopJob(job.ID)
	}
	s.cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "stop":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleStopJob(w, r, jobID)
	case "overlay.png":
		s.handleGetOverlay(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// decodeSpec reads a spec from body on top of the defaults. A body that
// supplies explicit points without a synthetic block registers those
// points instead of the default circle.
func decodeSpec(body io.Reader) (registration.Spec, error) {
	data, err := io.ReadAll(io.LimitReader(body, 32<<20))
	if err != nil {
		return registration.Spec{}, err
	}

	spec := registration.DefaultSpec()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &spec); err != nil {
			return registration.Spec{}, fmt.Errorf("invalid JSON: %w", err)
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err != nil {
			return registration.Spec{}, fmt.Errorf("invalid JSON: %w", err)
		}
		if _, ok := keys["synthetic"]; !ok && len(spec.Fixed) > 0 {
			spec.Synthetic = nil
		}
	}
	return spec, spec.Validate()
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	spec, err := decodeSpec(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(spec)

	ctx, cancel := context.WithCancel(s.ctx)
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel })

	go func() {
		defer cancel()
		if err := runJob(ctx, s.jobManager, s.store, s.metrics, job.ID); err != nil {
			slog.Debug("Job ended with error", "job_id", job.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, job)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	writeJSON(w, http.StatusOK, struct {
		Job
		Elapsed float64 `json:"elapsed"`
	}{job, elapsed.Seconds()})
}

// handleStopJob handles POST /api/v1/jobs/:id/stop
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if !s.jobManager.StopJob(jobID) {
		http.Error(w, "Job is not running", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGetOverlay handles GET /api/v1/jobs/:id/overlay.png. The
// problem is rebuilt from the job's latest parameters so the running
// optimizer is never touched.
func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	spec := job.Spec
	if len(job.Parameters) > 0 {
		spec.InitialParameters = job.Parameters
	}
	problem, err := registration.Build(spec)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to build problem: %v", err), http.StatusInternalServerError)
		return
	}

	img := renderOverlay(problem.MovingPoints(), problem.MappedPoints(), overlaySize)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		slog.Error("Failed to encode PNG", "error", err)
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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
