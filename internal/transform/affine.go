package transform

import "gonum.org/v1/gonum/mat"

// Affine maps p to A*p + t. The parameter vector holds A in row-major
// order followed by t, so a 2-D affine has six parameters.
type Affine struct {
	dim    int
	params []float64
}

// NewAffine returns the identity affine transform.
func NewAffine(dim int) *Affine {
	a := &Affine{dim: dim, params: make([]float64, dim*dim+dim)}
	a.SetIdentity()
	return a
}

// SetIdentity resets the matrix to identity and the translation to zero.
func (a *Affine) SetIdentity() {
	for i := range a.params {
		a.params[i] = 0
	}
	for i := 0; i < a.dim; i++ {
		a.params[i*a.dim+i] = 1
	}
}

func (a *Affine) Dimension() int { return a.dim }

func (a *Affine) NumberOfParameters() int { return len(a.params) }

func (a *Affine) NumberOfLocalParameters() int { return len(a.params) }

func (a *Affine) HasLocalSupport() bool { return false }

func (a *Affine) Parameters() []float64 {
	return append([]float64(nil), a.params...)
}

func (a *Affine) SetParameters(params []float64) error {
	return setParams(a.params, params)
}

func (a *Affine) UpdateParameters(update []float64, factor float64) error {
	return addScaled(a.params, update, factor)
}

// Matrix returns a copy of the linear part.
func (a *Affine) Matrix() *mat.Dense {
	return mat.NewDense(a.dim, a.dim, append([]float64(nil), a.params[:a.dim*a.dim]...))
}

// Offset returns the translation part.
func (a *Affine) Offset() []float64 {
	return append([]float64(nil), a.params[a.dim*a.dim:]...)
}

func (a *Affine) TransformPoint(p Point) Point {
	var out mat.VecDense
	out.MulVec(a.Matrix(), mat.NewVecDense(a.dim, append([]float64(nil), p[:a.dim]...)))
	res := make(Point, a.dim)
	t := a.params[a.dim*a.dim:]
	for i := 0; i < a.dim; i++ {
		res[i] = out.AtVec(i) + t[i]
	}
	return res
}

// JacobianWithRespectToParameters has p along each matrix row block and
// the identity in the translation columns.
func (a *Affine) JacobianWithRespectToParameters(p Point) *mat.Dense {
	j := mat.NewDense(a.dim, len(a.params), nil)
	for i := 0; i < a.dim; i++ {
		for k := 0; k < a.dim; k++ {
			j.Set(i, i*a.dim+k, p[k])
		}
		j.Set(i, a.dim*a.dim+i, 1)
	}
	return j
}
