package server

import (
	"context"
	"testing"
	"time"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
)

func quickSpec(iterations int) registration.Spec {
	spec := registration.DefaultSpec()
	spec.Synthetic.Points = 20
	spec.Optimizer.NumberOfIterations = iterations
	spec.Optimizer.NumberOfWorkers = 1
	return spec
}

func TestJobManager_CreateJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(quickSpec(10))

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", job.State)
	}
	if job.Spec.Optimizer.NumberOfIterations != 10 {
		t.Error("Spec not set correctly")
	}
}

func TestJobManager_GetJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(quickSpec(10))

	retrieved, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should exist")
	}
	if retrieved.ID != job.ID {
		t.Error("Retrieved wrong job")
	}

	if _, exists := jm.GetJob("nonexistent"); exists {
		t.Error("Should not find nonexistent job")
	}
}

func TestJobManager_GetJobReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(quickSpec(10))
	jm.UpdateJob(job.ID, func(j *Job) { j.Parameters = []float64{1, 2} })

	got, _ := jm.GetJob(job.ID)
	got.Parameters[0] = 99

	again, _ := jm.GetJob(job.ID)
	if again.Parameters[0] != 1 {
		t.Errorf("Mutating a returned job leaked into the manager: %v", again.Parameters)
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager()
	if len(jm.ListJobs()) != 0 {
		t.Error("Should start with no jobs")
	}

	first := jm.CreateJob(quickSpec(10))
	time.Sleep(2 * time.Millisecond)
	second := jm.CreateJob(quickSpec(10))

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Error("Jobs should be ordered by start time")
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(quickSpec(10))

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.Iterations = 3
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateRunning || updated.Iterations != 3 {
		t.Errorf("Update not applied: %+v", updated)
	}

	if err := jm.UpdateJob("nonexistent", func(*Job) {}); err == nil {
		t.Error("Updating a missing job should fail")
	}
}

func TestJobManager_StopJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(quickSpec(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jm.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel })

	if !jm.StopJob(job.ID) {
		t.Fatal("Stopping a pending job should succeed")
	}
	if ctx.Err() == nil {
		t.Error("Stopping a pending job should cancel its context")
	}

	jm.UpdateJob(job.ID, func(j *Job) { j.State = StateCompleted })
	if jm.StopJob(job.ID) {
		t.Error("Stopping a finished job should report false")
	}
	if jm.StopJob("nonexistent") {
		t.Error("Stopping a missing job should report false")
	}
}

func TestJobManager_GetRunningJobs(t *testing.T) {
	jm := NewJobManager()
	a := jm.CreateJob(quickSpec(10))
	jm.CreateJob(quickSpec(10))
	jm.UpdateJob(a.ID, func(j *Job) { j.State = StateRunning })

	running := jm.GetRunningJobs()
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("Expected only job %s running, got %+v", a.ID, running)
	}
}

func TestJobStateFor(t *testing.T) {
	tests := []struct {
		in   opt.State
		want JobState
	}{
		{opt.StateConverged, StateCompleted},
		{opt.StateMaxIterationsReached, StateCompleted},
		{opt.StateUserStopped, StateCancelled},
		{opt.StateFailed, StateFailed},
		{opt.StateRunning, StateRunning},
		{opt.StateIdle, StatePending},
	}
	for _, tt := range tests {
		if got := jobStateFor(tt.in); got != tt.want {
			t.Errorf("jobStateFor(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
