package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
)

// Checkpoint is the persisted outcome of a run.
//
// Only the parameters are saved, not the optimizer's convergence window or
// learning rate history. Resuming builds the problem from Spec, starts it
// at Parameters and runs a fresh optimization, so the iteration counter of
// a resumed run starts at zero and Iteration here accumulates across
// resumes.
type Checkpoint struct {
	RunID        string            `json:"runId"`
	Parameters   []float64         `json:"parameters"`
	Value        float64           `json:"value"`
	InitialValue float64           `json:"initialValue"`
	Iteration    int               `json:"iteration"`
	State        opt.State         `json:"state"`
	LearningRate float64           `json:"learningRate"`
	Scales       []float64         `json:"scales,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Spec         registration.Spec `json:"spec"`
}

// CheckpointInfo is the listing view of a checkpoint.
type CheckpointInfo struct {
	RunID      string                     `json:"runId"`
	Transform  registration.TransformKind `json:"transform"`
	Parameters int                        `json:"parameters"`
	Value      float64                    `json:"value"`
	Iteration  int                        `json:"iteration"`
	State      opt.State                  `json:"state"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// NewCheckpoint captures res for runID. previousIterations is added to
// the result's iteration count so resumed runs keep a running total.
func NewCheckpoint(runID string, spec registration.Spec, res *registration.Result, previousIterations int) *Checkpoint {
	return &Checkpoint{
		RunID:        runID,
		Parameters:   append([]float64(nil), res.Parameters...),
		Value:        res.Value,
		InitialValue: res.InitialValue,
		Iteration:    previousIterations + res.Iterations,
		State:        res.State,
		LearningRate: res.LearningRate,
		Scales:       append([]float64(nil), res.Scales...),
		Timestamp:    time.Now(),
		Spec:         spec,
	}
}

func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		RunID:      c.RunID,
		Transform:  c.Spec.Transform,
		Parameters: len(c.Parameters),
		Value:      c.Value,
		Iteration:  c.Iteration,
		State:      c.State,
		Timestamp:  c.Timestamp,
	}
}

// ResumeSpec returns the spec with its initial parameters set to the
// checkpointed ones.
func (c *Checkpoint) ResumeSpec() registration.Spec {
	spec := c.Spec
	spec.InitialParameters = append([]float64(nil), c.Parameters...)
	return spec
}

// Validate reports missing or inconsistent fields.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if len(c.Parameters) == 0 {
		return &ValidationError{Field: "Parameters", Reason: "cannot be empty"}
	}
	if c.Value < 0 || math.IsNaN(c.Value) {
		return &ValidationError{Field: "Value", Reason: "must be a non-negative number"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if err := c.Spec.Validate(); err != nil {
		return &ValidationError{Field: "Spec", Reason: err.Error()}
	}
	if want := c.Spec.NumberOfParameters(); len(c.Parameters) != want {
		return &ValidationError{
			Field:  "Parameters",
			Reason: fmt.Sprintf("has %d entries, %s transform needs %d", len(c.Parameters), c.Spec.Transform, want),
		}
	}
	return nil
}

// ValidationError reports an invalid checkpoint field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible reports whether the checkpointed parameters can seed a run
// of spec.
func (c *Checkpoint) IsCompatible(spec registration.Spec) error {
	if c.Spec.Transform != spec.Transform {
		return &CompatibilityError{
			Field:    "Transform",
			Expected: string(c.Spec.Transform),
			Actual:   string(spec.Transform),
		}
	}
	if c.Spec.Dimension() != spec.Dimension() {
		return &CompatibilityError{
			Field:    "Dimension",
			Expected: fmt.Sprint(c.Spec.Dimension()),
			Actual:   fmt.Sprint(spec.Dimension()),
		}
	}
	if len(c.Parameters) != spec.NumberOfParameters() {
		return &CompatibilityError{
			Field:    "Parameters",
			Expected: fmt.Sprint(len(c.Parameters)),
			Actual:   fmt.Sprint(spec.NumberOfParameters()),
		}
	}
	return nil
}

// CompatibilityError reports a checkpoint that cannot seed a spec.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
