package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/descentreg/internal/opt"
)

// ProgressEvent is one SSE update for a job.
type ProgressEvent struct {
	JobID            string    `json:"jobId"`
	State            JobState  `json:"state"`
	OptimizerState   opt.State `json:"optimizerState,omitempty"`
	Iteration        int       `json:"iteration"`
	Value            float64   `json:"value"`
	ConvergenceValue float64   `json:"convergenceValue,omitempty"`
	LearningRate     float64   `json:"learningRate"`
	StopDescription  string    `json:"stopDescription,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// terminal reports whether no further events follow this one.
func (e ProgressEvent) terminal() bool {
	switch e.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// EventBroadcaster fans job events out to SSE subscribers.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool
	lastEvent map[string]ProgressEvent
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a client for jobID. The last event, if any, is
// replayed so reconnecting clients catch up.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16)
	if eb.clients[jobID] == nil {
		eb.clients[jobID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[jobID][ch] = true

	if last, ok := eb.lastEvent[jobID]; ok {
		select {
		case ch <- last:
		default:
		}
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "clients", len(eb.clients[jobID]))
	return ch
}

func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[jobID]; ok {
		if clients[ch] {
			delete(clients, ch)
			close(ch)
		}
		if len(clients) == 0 {
			delete(eb.clients, jobID)
		}
	}
	slog.Debug("SSE client unsubscribed", "job_id", jobID)
}

// Broadcast delivers event to every subscriber of its job. Slow clients
// drop iteration events rather than block the optimizer; a terminal event
// replaces the oldest queued one instead.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.JobID] = event

	for ch := range eb.clients[event.JobID] {
		select {
		case ch <- event:
		default:
			if event.terminal() {
				// Make room so the stream can always end.
				select {
				case <-ch:
				default:
				}
				ch <- event
				continue
			}
			slog.Warn("SSE channel full, dropping event", "job_id", event.JobID, "iteration", event.Iteration)
		}
	}
}

// CleanupJob closes all subscribers of a job and forgets its last event.
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[jobID] {
		close(ch)
	}
	delete(eb.clients, jobID)
	delete(eb.lastEvent, jobID)
}

// handleJobStream serves iteration events for a job as server-sent events.
// The stream ends after a terminal event or when the client disconnects.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	initial := ProgressEvent{
		JobID:            job.ID,
		State:            job.State,
		OptimizerState:   job.OptimizerState,
		Iteration:        job.Iterations,
		Value:            job.Value,
		ConvergenceValue: job.ConvergenceValue,
		LearningRate:     job.LearningRate,
		StopDescription:  job.StopDescription,
		Timestamp:        time.Now(),
	}
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("Failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
	if initial.terminal() {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.terminal() {
				return
			}
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes event as a single "data:" frame.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
