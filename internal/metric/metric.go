// Package metric defines the similarity-measure contract driven by the
// optimizer, together with a few concrete measures.
//
// Every metric in this package returns values where lower is better and a
// derivative that improves the value when it is added to the current
// parameters. The optimizer never negates the derivative, so a metric that
// wants to be maximized must return its plain gradient instead.
package metric

import (
	"math"

	"github.com/cwbudde/descentreg/internal/transform"
)

// DegenerateValue is reported by a metric that could not find enough valid
// correspondences. It never compares as better than a real value.
const DegenerateValue = math.MaxFloat64

// Metric is the capability the optimizer needs from a similarity measure.
// The metric exclusively owns its transform; UpdateTransformParameters and
// SetParameters are the only operations that mutate the parameters.
type Metric interface {
	// Initialize checks prerequisites such as an assigned transform.
	Initialize() error

	NumberOfParameters() int
	NumberOfLocalParameters() int
	HasLocalSupport() bool

	// Parameters returns a copy of the transform parameters.
	Parameters() []float64
	SetParameters(params []float64) error

	Value() (float64, error)

	// Derivative fills derivative, which must have NumberOfParameters entries.
	Derivative(derivative []float64) error

	// ValueAndDerivative computes both in one pass and should be preferred
	// over separate calls.
	ValueAndDerivative(derivative []float64) (float64, error)

	// UpdateTransformParameters applies params += factor * derivative.
	UpdateTransformParameters(derivative []float64, factor float64) error

	// ComputeParameterOffsetFromVirtualIndex returns the offset of the
	// local-parameter block belonging to a virtual domain index.
	ComputeParameterOffsetFromVirtualIndex(index []int, numberOfLocalParameters int) int
}

// ConfigError reports a metric that cannot be evaluated as configured.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "metric configuration error"
	}
	return "metric configuration error: " + e.Field + " " + e.Reason
}

// Is matches any *ConfigError, so errors.Is(err, ErrConfiguration) works.
func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// ErrConfiguration matches every metric configuration error.
var ErrConfiguration = &ConfigError{}

var errNotInitialized = &ConfigError{Field: "metric", Reason: "used before Initialize"}

// gridded is implemented by transforms defined over a lattice.
type gridded interface {
	Grid() *transform.Grid
}

func gridOf(t transform.Transform) *transform.Grid {
	if g, ok := t.(gridded); ok {
		return g.Grid()
	}
	return nil
}

func offsetFromVirtualIndex(grid *transform.Grid, index []int, numberOfLocalParameters int) int {
	if grid == nil {
		return 0
	}
	return grid.LinearIndex(index) * numberOfLocalParameters
}

func checkDerivativeSize(derivative []float64, n int) error {
	if len(derivative) != n {
		return &transform.SizeError{What: "derivative", Expected: n, Actual: len(derivative)}
	}
	return nil
}
