// Package transform provides the spatial transforms whose parameters the
// optimizer adjusts. A transform exclusively owns its parameter vector;
// everything else reaches it through a metric.
package transform

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Point is a location in physical space.
type Point []float64

// Transform maps points from the virtual domain into the moving space.
type Transform interface {
	// Dimension returns the spatial dimension of input and output points.
	Dimension() int

	// NumberOfParameters returns the length of the full parameter vector.
	NumberOfParameters() int

	// NumberOfLocalParameters returns the parameters per spatial location for
	// local-support transforms, or NumberOfParameters otherwise.
	NumberOfLocalParameters() int

	// HasLocalSupport reports whether the parameter count scales with the
	// resolution of the domain.
	HasLocalSupport() bool

	// Parameters returns a copy of the parameter vector.
	Parameters() []float64

	// SetParameters replaces the parameter vector.
	SetParameters(params []float64) error

	// UpdateParameters applies params += factor * update.
	UpdateParameters(update []float64, factor float64) error

	// TransformPoint maps p with the current parameters.
	TransformPoint(p Point) Point

	// JacobianWithRespectToParameters returns the Dimension x
	// NumberOfLocalParameters derivative of TransformPoint at p.
	JacobianWithRespectToParameters(p Point) *mat.Dense
}

// SizeError reports a parameter or point vector of the wrong length.
type SizeError struct {
	What     string
	Expected int
	Actual   int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: expected length %d, got %d", e.What, e.Expected, e.Actual)
}

// addScaled is the shared update rule of all transforms in this package.
func addScaled(params, update []float64, factor float64) error {
	if len(update) != len(params) {
		return &SizeError{What: "parameter update", Expected: len(params), Actual: len(update)}
	}
	floats.AddScaled(params, factor, update)
	return nil
}

func setParams(dst, src []float64) error {
	if len(src) != len(dst) {
		return &SizeError{What: "parameters", Expected: len(dst), Actual: len(src)}
	}
	copy(dst, src)
	return nil
}
