package transform

import "gonum.org/v1/gonum/mat"

// Translation shifts every point by the parameter vector.
type Translation struct {
	offset []float64
}

// NewTranslation returns an identity translation in the given dimension.
func NewTranslation(dim int) *Translation {
	return &Translation{offset: make([]float64, dim)}
}

func (t *Translation) Dimension() int { return len(t.offset) }

func (t *Translation) NumberOfParameters() int { return len(t.offset) }

func (t *Translation) NumberOfLocalParameters() int { return len(t.offset) }

func (t *Translation) HasLocalSupport() bool { return false }

func (t *Translation) Parameters() []float64 {
	return append([]float64(nil), t.offset...)
}

func (t *Translation) SetParameters(params []float64) error {
	return setParams(t.offset, params)
}

func (t *Translation) UpdateParameters(update []float64, factor float64) error {
	return addScaled(t.offset, update, factor)
}

func (t *Translation) TransformPoint(p Point) Point {
	out := make(Point, len(t.offset))
	for i := range t.offset {
		out[i] = p[i] + t.offset[i]
	}
	return out
}

// JacobianWithRespectToParameters is the identity for a translation.
func (t *Translation) JacobianWithRespectToParameters(_ Point) *mat.Dense {
	d := len(t.offset)
	j := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		j.Set(i, i, 1)
	}
	return j
}
