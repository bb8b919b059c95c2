package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
)

// JobState is the lifecycle state of a job as seen by API clients.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// jobStateFor maps the optimizer's terminal state to a job state.
func jobStateFor(s opt.State) JobState {
	switch s {
	case opt.StateConverged, opt.StateMaxIterationsReached:
		return StateCompleted
	case opt.StateUserStopped:
		return StateCancelled
	case opt.StateFailed:
		return StateFailed
	case opt.StateRunning:
		return StateRunning
	}
	return StatePending
}

// Job is a registration run managed by the server.
type Job struct {
	ID               string            `json:"id"`
	State            JobState          `json:"state"`
	OptimizerState   opt.State         `json:"optimizerState"`
	Spec             registration.Spec `json:"spec"`
	Parameters       []float64         `json:"parameters,omitempty"`
	Value            float64           `json:"value"`
	InitialValue     float64           `json:"initialValue"`
	ConvergenceValue float64           `json:"convergenceValue"`
	LearningRate     float64           `json:"learningRate"`
	Iterations       int               `json:"iterations"`
	StopDescription  string            `json:"stopDescription,omitempty"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          *time.Time        `json:"endTime,omitempty"`
	Error            string            `json:"error,omitempty"`

	problem *registration.Problem
	cancel  context.CancelFunc
}

// JobManager owns all jobs. Callers get copies; mutation goes through
// UpdateJob.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job for spec.
func (jm *JobManager) CreateJob(spec registration.Spec) Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Spec:      spec,
		StartTime: time.Now(),
	}
	jm.jobs[job.ID] = job
	return job.snapshot()
}

func (j *Job) snapshot() Job {
	c := *j
	c.problem, c.cancel = nil, nil
	c.Parameters = append([]float64(nil), j.Parameters...)
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	return c
}

func (jm *JobManager) GetJob(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// ListJobs returns all jobs, oldest first.
func (jm *JobManager) ListJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].StartTime.Before(jobs[k].StartTime)
	})
	return jobs
}

// UpdateJob applies fn to the job under the write lock.
func (jm *JobManager) UpdateJob(id string, fn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	fn(job)
	return nil
}

// StopJob asks a job's optimizer to stop after its current iteration.
// It returns false for unknown or finished jobs.
func (jm *JobManager) StopJob(id string) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok || (job.State != StatePending && job.State != StateRunning) {
		return false
	}
	if job.problem != nil {
		job.problem.Optimizer().StopOptimization()
	}
	// Cancelling also covers a stop that arrives before the optimizer
	// has started iterating.
	if job.cancel != nil {
		job.cancel()
	}
	return true
}

// GetRunningJobs returns jobs that are currently iterating.
func (jm *JobManager) GetRunningJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var running []Job
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			running = append(running, job.snapshot())
		}
	}
	return running
}
