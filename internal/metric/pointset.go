package metric

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/descentreg/internal/transform"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MeanSquaresPointSet compares two point sets with known correspondence.
// The fixed points live in the virtual domain and are mapped by the moving
// transform onto the moving points:
//
//	value      = 1/N sum |T(f_i) - m_i|^2
//	derivative = -2/N sum J(f_i)^T (T(f_i) - m_i)
//
// Fixed points outside the virtual domain do not count. For local-support
// transforms each contribution lands in the parameter block of the node
// nearest to f_i and is averaged per node.
type MeanSquaresPointSet struct {
	fixed     []transform.Point
	moving    []transform.Point
	transform transform.Transform
	virtual   *transform.Grid

	// MinimumValidPoints is the number of valid correspondences below which
	// the metric reports DegenerateValue. Defaults to 1.
	MinimumValidPoints int

	numberOfValidPoints int
	initialized         bool
}

// NewMeanSquaresPointSet pairs fixed[i] with moving[i].
func NewMeanSquaresPointSet(fixed, moving []transform.Point, t transform.Transform) *MeanSquaresPointSet {
	return &MeanSquaresPointSet{
		fixed:              fixed,
		moving:             moving,
		transform:          t,
		MinimumValidPoints: 1,
	}
}

// SetVirtualDomain restricts evaluation to fixed points inside grid. For
// displacement fields the field's own grid is used when none is set.
func (m *MeanSquaresPointSet) SetVirtualDomain(grid *transform.Grid) {
	m.virtual = grid
	m.initialized = false
}

func (m *MeanSquaresPointSet) Initialize() error {
	m.initialized = false
	if m.transform == nil {
		return &ConfigError{Field: "transform", Reason: "is not assigned"}
	}
	if len(m.fixed) == 0 {
		return &ConfigError{Field: "fixed points", Reason: "cannot be empty"}
	}
	if len(m.fixed) != len(m.moving) {
		return &ConfigError{
			Field:  "moving points",
			Reason: fmt.Sprintf("count %d does not match %d fixed points", len(m.moving), len(m.fixed)),
		}
	}
	dim := m.transform.Dimension()
	for i := range m.fixed {
		if len(m.fixed[i]) != dim || len(m.moving[i]) != dim {
			return &ConfigError{Field: "points", Reason: fmt.Sprintf("point %d is not %d-dimensional", i, dim)}
		}
	}
	if m.virtual == nil {
		m.virtual = gridOf(m.transform)
	}
	if m.transform.HasLocalSupport() && m.virtual == nil {
		return &ConfigError{Field: "virtual domain", Reason: "is required for local-support transforms"}
	}
	if m.virtual != nil {
		if err := m.virtual.Validate(); err != nil {
			return &ConfigError{Field: "virtual domain", Reason: err.Error()}
		}
		if m.virtual.Dimension() != dim {
			return &ConfigError{Field: "virtual domain", Reason: fmt.Sprintf("dimension %d does not match transform dimension %d", m.virtual.Dimension(), dim)}
		}
		// Local parameter blocks are addressed through virtual indices.
		if m.transform.HasLocalSupport() && !m.virtual.Equal(gridOf(m.transform)) {
			return &ConfigError{Field: "virtual domain", Reason: "must match the grid of the local-support transform"}
		}
	}
	if m.MinimumValidPoints < 1 {
		m.MinimumValidPoints = 1
	}
	m.initialized = true
	return nil
}

func (m *MeanSquaresPointSet) NumberOfParameters() int { return m.transform.NumberOfParameters() }

func (m *MeanSquaresPointSet) NumberOfLocalParameters() int {
	return m.transform.NumberOfLocalParameters()
}

func (m *MeanSquaresPointSet) HasLocalSupport() bool { return m.transform.HasLocalSupport() }

func (m *MeanSquaresPointSet) Parameters() []float64 { return m.transform.Parameters() }

func (m *MeanSquaresPointSet) SetParameters(params []float64) error {
	return m.transform.SetParameters(params)
}

// MovingTransform returns the transform being optimized.
func (m *MeanSquaresPointSet) MovingTransform() transform.Transform { return m.transform }

// VirtualGrid returns the virtual domain, or nil when unbounded.
func (m *MeanSquaresPointSet) VirtualGrid() *transform.Grid { return m.virtual }

// VirtualSamplePoints returns the fixed points that take part in evaluation.
func (m *MeanSquaresPointSet) VirtualSamplePoints() []transform.Point {
	pts := make([]transform.Point, 0, len(m.fixed))
	for _, f := range m.fixed {
		if m.insideVirtualDomain(f) {
			pts = append(pts, f)
		}
	}
	return pts
}

// NumberOfValidPoints returns the count used by the last evaluation.
func (m *MeanSquaresPointSet) NumberOfValidPoints() int { return m.numberOfValidPoints }

func (m *MeanSquaresPointSet) insideVirtualDomain(p transform.Point) bool {
	if m.virtual == nil {
		return true
	}
	_, inside := m.virtual.Index(p)
	return inside
}

func (m *MeanSquaresPointSet) Value() (float64, error) {
	if !m.initialized {
		return 0, errNotInitialized
	}
	var sum float64
	valid := 0
	for i, f := range m.fixed {
		if !m.insideVirtualDomain(f) {
			continue
		}
		diff := m.residual(i)
		sum += floats.Dot(diff, diff)
		valid++
	}
	m.numberOfValidPoints = valid
	if valid < m.MinimumValidPoints {
		m.warnDegenerate(valid)
		return DegenerateValue, nil
	}
	return sum / float64(valid), nil
}

func (m *MeanSquaresPointSet) Derivative(derivative []float64) error {
	_, err := m.ValueAndDerivative(derivative)
	return err
}

func (m *MeanSquaresPointSet) ValueAndDerivative(derivative []float64) (float64, error) {
	if !m.initialized {
		return 0, errNotInitialized
	}
	if err := checkDerivativeSize(derivative, m.NumberOfParameters()); err != nil {
		return 0, err
	}
	for i := range derivative {
		derivative[i] = 0
	}

	local := m.HasLocalSupport()
	nLocal := m.NumberOfLocalParameters()
	var perNode []int
	if local {
		perNode = make([]int, m.virtual.NumberOfNodes())
	}

	var sum float64
	valid := 0
	var contribution mat.VecDense
	for i, f := range m.fixed {
		offset := 0
		if m.virtual != nil {
			index, inside := m.virtual.Index(f)
			if !inside {
				continue
			}
			if local {
				offset = m.ComputeParameterOffsetFromVirtualIndex(index, nLocal)
				perNode[m.virtual.LinearIndex(index)]++
			}
		}
		diff := m.residual(i)
		sum += floats.Dot(diff, diff)
		valid++

		jac := m.transform.JacobianWithRespectToParameters(f)
		contribution.MulVec(jac.T(), mat.NewVecDense(len(diff), diff))
		for k := 0; k < nLocal; k++ {
			derivative[offset+k] -= 2 * contribution.AtVec(k)
		}
	}

	m.numberOfValidPoints = valid
	if valid < m.MinimumValidPoints {
		for i := range derivative {
			derivative[i] = 0
		}
		m.warnDegenerate(valid)
		return DegenerateValue, nil
	}

	if local {
		for node, count := range perNode {
			if count > 1 {
				floats.Scale(1/float64(count), derivative[node*nLocal:(node+1)*nLocal])
			}
		}
	} else {
		floats.Scale(1/float64(valid), derivative)
	}
	return sum / float64(valid), nil
}

func (m *MeanSquaresPointSet) UpdateTransformParameters(derivative []float64, factor float64) error {
	return m.transform.UpdateParameters(derivative, factor)
}

func (m *MeanSquaresPointSet) ComputeParameterOffsetFromVirtualIndex(index []int, numberOfLocalParameters int) int {
	return offsetFromVirtualIndex(m.virtual, index, numberOfLocalParameters)
}

// residual returns T(f_i) - m_i.
func (m *MeanSquaresPointSet) residual(i int) []float64 {
	mapped := m.transform.TransformPoint(m.fixed[i])
	diff := make([]float64, len(mapped))
	floats.SubTo(diff, mapped, m.moving[i])
	return diff
}

func (m *MeanSquaresPointSet) warnDegenerate(valid int) {
	slog.Warn("Too few valid points for metric evaluation",
		"valid_points", valid,
		"required", m.MinimumValidPoints,
	)
}
