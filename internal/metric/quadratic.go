package metric

import (
	"fmt"

	"github.com/cwbudde/descentreg/internal/transform"
)

// Quadratic measures the squared distance of the transform parameters from
// a center: value = sum (p_i - c_i)^2, derivative = -2 (p_i - c_i).
type Quadratic struct {
	transform   transform.Transform
	center      []float64
	initialized bool
}

// NewQuadratic returns a quadratic bowl around center. A nil center means
// the origin.
func NewQuadratic(t transform.Transform, center []float64) *Quadratic {
	return &Quadratic{transform: t, center: center}
}

func (q *Quadratic) Initialize() error {
	if q.transform == nil {
		return &ConfigError{Field: "transform", Reason: "is not assigned"}
	}
	n := q.transform.NumberOfParameters()
	if q.center == nil {
		q.center = make([]float64, n)
	}
	if len(q.center) != n {
		return &ConfigError{Field: "center", Reason: fmt.Sprintf("has %d entries, transform has %d parameters", len(q.center), n)}
	}
	q.initialized = true
	return nil
}

func (q *Quadratic) NumberOfParameters() int { return q.transform.NumberOfParameters() }

func (q *Quadratic) NumberOfLocalParameters() int { return q.transform.NumberOfLocalParameters() }

func (q *Quadratic) HasLocalSupport() bool { return q.transform.HasLocalSupport() }

func (q *Quadratic) Parameters() []float64 { return q.transform.Parameters() }

func (q *Quadratic) SetParameters(params []float64) error {
	return q.transform.SetParameters(params)
}

func (q *Quadratic) Value() (float64, error) {
	if !q.initialized {
		return 0, errNotInitialized
	}
	var v float64
	for i, p := range q.transform.Parameters() {
		d := p - q.center[i]
		v += d * d
	}
	return v, nil
}

func (q *Quadratic) Derivative(derivative []float64) error {
	_, err := q.ValueAndDerivative(derivative)
	return err
}

func (q *Quadratic) ValueAndDerivative(derivative []float64) (float64, error) {
	if !q.initialized {
		return 0, errNotInitialized
	}
	if err := checkDerivativeSize(derivative, q.NumberOfParameters()); err != nil {
		return 0, err
	}
	var v float64
	for i, p := range q.transform.Parameters() {
		d := p - q.center[i]
		v += d * d
		derivative[i] = -2 * d
	}
	return v, nil
}

func (q *Quadratic) UpdateTransformParameters(derivative []float64, factor float64) error {
	return q.transform.UpdateParameters(derivative, factor)
}

func (q *Quadratic) ComputeParameterOffsetFromVirtualIndex(index []int, numberOfLocalParameters int) int {
	return offsetFromVirtualIndex(gridOf(q.transform), index, numberOfLocalParameters)
}
