// Package scales estimates per-parameter normalization factors and the
// physical effect of a parameter step, so that a single learning rate is
// meaningful across parameters with different units.
package scales

import "github.com/cwbudde/descentreg/internal/transform"

// Estimator is consulted by the optimizer for scales and for adaptive
// learning rates.
type Estimator interface {
	// EstimateScales returns one factor per local parameter.
	EstimateScales() ([]float64, error)

	// EstimateStepScale returns the physical displacement caused by step,
	// which has already been divided by the scales.
	EstimateStepScale(step []float64) (float64, error)

	// EstimateMaximumStepSize returns the default maximum physical
	// displacement per iteration.
	EstimateMaximumStepSize() (float64, error)
}

// Source is what JacobianShift needs to know about a metric. It holds no
// ownership: the driver that created the metric keeps it alive.
type Source interface {
	NumberOfParameters() int
	NumberOfLocalParameters() int
	HasLocalSupport() bool
	MovingTransform() transform.Transform
	VirtualSamplePoints() []transform.Point
	VirtualGrid() *transform.Grid
	ComputeParameterOffsetFromVirtualIndex(index []int, numberOfLocalParameters int) int
}
