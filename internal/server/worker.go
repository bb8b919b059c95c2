package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
	"github.com/cwbudde/descentreg/internal/store"
)

// baseDirer is implemented by stores that keep run artifacts on disk.
type baseDirer interface {
	BaseDir() string
}

// runJob builds and runs a job's registration, publishing every iteration
// to the broadcaster and metrics. When checkpointStore is set the result
// is checkpointed under the job ID, and file stores also get a trace.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, metrics *Metrics, jobID string) error {
	job, ok := jm.GetJob(jobID)
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if ctx.Err() != nil {
		markJobCancelled(jm, jobID)
		return ctx.Err()
	}

	problem, err := registration.Build(job.Spec)
	if err != nil {
		markJobFailed(jm, metrics, jobID, err)
		return err
	}

	o := problem.Optimizer()
	o.AddObserver(&progressObserver{jm: jm, metrics: metrics, jobID: jobID, optimizer: o})

	if fs, ok := checkpointStore.(baseDirer); ok {
		tw, err := store.NewTraceWriter(fs.BaseDir(), jobID, false)
		if err != nil {
			slog.Warn("Trace disabled", "job_id", jobID, "error", err)
		} else {
			defer tw.Close()
			o.AddObserver(store.NewTraceObserver(tw, o.CurrentPosition))
		}
	}

	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
		j.problem = problem
	})
	if metrics != nil {
		metrics.jobStarted()
	}
	slog.Info("Starting job", "job_id", jobID, "transform", job.Spec.Transform)

	res, runErr := problem.Run(ctx)
	if metrics != nil {
		metrics.jobStopped()
	}
	if res == nil {
		markJobFailed(jm, metrics, jobID, runErr)
		return runErr
	}

	endTime := time.Now()
	state := jobStateFor(res.State)
	if metrics != nil {
		metrics.jobFinished(jobID, state)
	}
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.OptimizerState = res.State
		j.Parameters = res.Parameters
		j.Value = finite(res.Value)
		j.InitialValue = finite(res.InitialValue)
		j.Iterations = res.Iterations
		j.LearningRate = res.LearningRate
		j.StopDescription = res.StopDescription
		j.EndTime = &endTime
		if runErr != nil {
			j.Error = runErr.Error()
		}
	})

	slog.Info("Job finished",
		"job_id", jobID,
		"state", state,
		"iterations", res.Iterations,
		"initial_value", res.InitialValue,
		"value", res.Value,
		"elapsed", res.Duration,
	)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:           jobID,
		State:           state,
		OptimizerState:  res.State,
		Iteration:       res.Iterations,
		Value:           finite(res.Value),
		LearningRate:    res.LearningRate,
		StopDescription: res.StopDescription,
		Timestamp:       endTime,
	})

	if checkpointStore != nil {
		cp := store.NewCheckpoint(jobID, job.Spec, res, 0)
		if err := checkpointStore.SaveCheckpoint(jobID, cp); err != nil {
			slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
		}
	}
	return runErr
}

// progressObserver mirrors optimizer events into the job record.
type progressObserver struct {
	jm        *JobManager
	metrics   *Metrics
	jobID     string
	optimizer *opt.GradientDescent
}

func (p *progressObserver) OnEvent(e opt.Event) {
	if e.Kind != opt.EventIteration {
		return
	}
	params := p.optimizer.CurrentPosition()
	p.jm.UpdateJob(p.jobID, func(j *Job) {
		j.OptimizerState = e.State
		j.Iterations = e.Iteration
		j.Value = finite(e.Value)
		j.ConvergenceValue = finite(e.ConvergenceValue)
		j.LearningRate = e.LearningRate
		j.Parameters = params
	})
	if p.metrics != nil {
		p.metrics.observe(p.jobID, e)
	}
	p.jm.broadcaster.Broadcast(ProgressEvent{
		JobID:            p.jobID,
		State:            StateRunning,
		Iteration:        e.Iteration,
		Value:            finite(e.Value),
		ConvergenceValue: finite(e.ConvergenceValue),
		LearningRate:     e.LearningRate,
		Timestamp:        time.Now(),
	})
}

func markJobFailed(jm *JobManager, metrics *Metrics, jobID string, err error) {
	endTime := time.Now()
	if metrics != nil {
		metrics.jobFinished(jobID, StateFailed)
	}
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateFailed, Timestamp: endTime})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateCancelled, Timestamp: endTime})
	slog.Info("Job cancelled", "job_id", jobID)
}

// finite replaces values JSON cannot encode.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
