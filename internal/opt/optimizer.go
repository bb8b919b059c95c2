// Package opt implements the iterative optimizers that drive a metric.
package opt

import "context"

// Optimizer is an iterative optimizer bound to a metric. Start, Resume and
// the query methods belong to the control goroutine; StopOptimization may be
// called from anywhere.
type Optimizer interface {
	// StartOptimization resets the run state and iterates until a stop
	// condition is met.
	StartOptimization(ctx context.Context) error

	// ResumeOptimization continues a run that was started before.
	ResumeOptimization(ctx context.Context) error

	// StopOptimization asks a running loop to stop after the current
	// iteration.
	StopOptimization()

	CurrentIteration() int
	Value() float64
	CurrentPosition() []float64
	State() State

	AddObserver(o Observer) int
	RemoveObserver(id int)
}
