package transform

import "gonum.org/v1/gonum/mat"

// DisplacementField stores one displacement vector per node of a grid.
// A point is moved by the displacement of its nearest node; points outside
// the grid are left unchanged.
type DisplacementField struct {
	grid   *Grid
	params []float64
}

// NewDisplacementField returns a zero field over grid.
func NewDisplacementField(grid *Grid) *DisplacementField {
	return &DisplacementField{
		grid:   grid,
		params: make([]float64, grid.NumberOfNodes()*grid.Dimension()),
	}
}

// Grid returns the lattice the field is defined on.
func (f *DisplacementField) Grid() *Grid { return f.grid }

func (f *DisplacementField) Dimension() int { return f.grid.Dimension() }

func (f *DisplacementField) NumberOfParameters() int { return len(f.params) }

func (f *DisplacementField) NumberOfLocalParameters() int { return f.grid.Dimension() }

func (f *DisplacementField) HasLocalSupport() bool { return true }

func (f *DisplacementField) Parameters() []float64 {
	return append([]float64(nil), f.params...)
}

func (f *DisplacementField) SetParameters(params []float64) error {
	return setParams(f.params, params)
}

func (f *DisplacementField) UpdateParameters(update []float64, factor float64) error {
	return addScaled(f.params, update, factor)
}

// Displacement returns the vector stored at a node.
func (f *DisplacementField) Displacement(index []int) []float64 {
	d := f.grid.Dimension()
	off := f.grid.LinearIndex(index) * d
	return append([]float64(nil), f.params[off:off+d]...)
}

func (f *DisplacementField) TransformPoint(p Point) Point {
	out := append(Point(nil), p...)
	idx, inside := f.grid.Index(p)
	if !inside {
		return out
	}
	d := f.grid.Dimension()
	off := f.grid.LinearIndex(idx) * d
	for i := 0; i < d; i++ {
		out[i] += f.params[off+i]
	}
	return out
}

// JacobianWithRespectToParameters is the identity with respect to the
// local displacement vector.
func (f *DisplacementField) JacobianWithRespectToParameters(_ Point) *mat.Dense {
	d := f.grid.Dimension()
	j := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		j.Set(i, i, 1)
	}
	return j
}
