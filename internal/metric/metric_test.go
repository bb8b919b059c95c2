package metric

import (
	"math"
	"testing"

	"github.com/cwbudde/descentreg/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuadratic(t *testing.T) {
	tr := transform.NewTranslation(2)
	require.NoError(t, tr.SetParameters([]float64{3, -1}))
	q := NewQuadratic(tr, []float64{1, 1})
	require.NoError(t, q.Initialize())

	d := make([]float64, 2)
	v, err := q.ValueAndDerivative(d)
	require.NoError(t, err)
	assert.Equal(t, 8.0, v)
	assert.Equal(t, []float64{-4, 4}, d)

	// Adding the derivative must improve the value.
	require.NoError(t, q.UpdateTransformParameters(d, 0.25))
	v2, err := q.Value()
	require.NoError(t, err)
	assert.Less(t, v2, v)
}

func TestQuadratic_ConfigErrors(t *testing.T) {
	err := NewQuadratic(nil, nil).Initialize()
	require.ErrorIs(t, err, ErrConfiguration)

	err = NewQuadratic(transform.NewTranslation(2), []float64{1}).Initialize()
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewQuadratic(transform.NewTranslation(1), nil).Value()
	require.ErrorIs(t, err, ErrConfiguration)
}

func circle(n int, radius float64, offset []float64) []transform.Point {
	pts := make([]transform.Point, n)
	for i := range pts {
		theta := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = transform.Point{
			radius*math.Cos(theta) + offset[0],
			radius*math.Sin(theta) + offset[1],
		}
	}
	return pts
}

func TestMeanSquaresPointSet_Translation(t *testing.T) {
	fixed := circle(16, 10, []float64{0, 0})
	moving := circle(16, 10, []float64{2, -1})
	m := NewMeanSquaresPointSet(fixed, moving, transform.NewTranslation(2))
	require.NoError(t, m.Initialize())

	d := make([]float64, 2)
	v, err := m.ValueAndDerivative(d)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 1e-12)
	// -2 * (T(f) - m) = -2 * (-offset)
	assert.InDeltaSlice(t, []float64{4, -2}, d, 1e-12)
	assert.Equal(t, 16, m.NumberOfValidPoints())

	require.NoError(t, m.UpdateTransformParameters(d, 0.5))
	v, err = m.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, v, 1e-12)
}

func TestMeanSquaresPointSet_AffineDerivativeMatchesFiniteDifference(t *testing.T) {
	fixed := circle(12, 5, []float64{1, 2})
	moving := circle(12, 6, []float64{0, 3})
	aff := transform.NewAffine(2)
	require.NoError(t, aff.SetParameters([]float64{1.1, 0.1, -0.2, 0.95, 0.3, -0.4}))
	m := NewMeanSquaresPointSet(fixed, moving, aff)
	require.NoError(t, m.Initialize())

	d := make([]float64, m.NumberOfParameters())
	_, err := m.ValueAndDerivative(d)
	require.NoError(t, err)

	const h = 1e-6
	base := aff.Parameters()
	for k := range base {
		plus := append([]float64(nil), base...)
		plus[k] += h
		require.NoError(t, m.SetParameters(plus))
		vp, err := m.Value()
		require.NoError(t, err)

		minus := append([]float64(nil), base...)
		minus[k] -= h
		require.NoError(t, m.SetParameters(minus))
		vm, err := m.Value()
		require.NoError(t, err)

		grad := (vp - vm) / (2 * h)
		assert.InDelta(t, -grad, d[k], 1e-4, "parameter %d", k)
	}
}

func TestMeanSquaresPointSet_Degenerate(t *testing.T) {
	fixed := []transform.Point{{50, 50}, {60, 60}}
	moving := []transform.Point{{51, 50}, {61, 60}}
	m := NewMeanSquaresPointSet(fixed, moving, transform.NewTranslation(2))
	grid, err := transform.NewGrid([]int{10, 10}, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	m.SetVirtualDomain(grid)
	require.NoError(t, m.Initialize())

	d := []float64{7, 7}
	v, err := m.ValueAndDerivative(d)
	require.NoError(t, err)
	assert.Equal(t, DegenerateValue, v)
	assert.Equal(t, []float64{0, 0}, d)
	assert.Equal(t, 0, m.NumberOfValidPoints())
	assert.Empty(t, m.VirtualSamplePoints())
}

func TestMeanSquaresPointSet_LocalSupport(t *testing.T) {
	grid, err := transform.NewGrid([]int{3, 3}, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	field := transform.NewDisplacementField(grid)

	fixed := []transform.Point{{1, 1}, {1.1, 0.9}, {2, 0}}
	moving := []transform.Point{{2, 1}, {2.1, 0.9}, {2, 0.5}}
	m := NewMeanSquaresPointSet(fixed, moving, field)
	require.NoError(t, m.Initialize())
	assert.Same(t, grid, m.VirtualGrid())

	d := make([]float64, m.NumberOfParameters())
	_, err = m.ValueAndDerivative(d)
	require.NoError(t, err)

	center := m.ComputeParameterOffsetFromVirtualIndex([]int{1, 1}, 2)
	assert.Equal(t, 8, center)
	// Two points share the center node; both want +1 along x.
	assert.InDeltaSlice(t, []float64{2, 0}, d[center:center+2], 1e-12)

	corner := m.ComputeParameterOffsetFromVirtualIndex([]int{2, 0}, 2)
	assert.InDeltaSlice(t, []float64{0, 1}, d[corner:corner+2], 1e-12)

	require.NoError(t, m.UpdateTransformParameters(d, 0.5))
	v, err := m.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, v, 1e-12)
}

func TestMeanSquaresPointSet_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		metric *MeanSquaresPointSet
	}{
		{"no transform", NewMeanSquaresPointSet([]transform.Point{{0, 0}}, []transform.Point{{0, 0}}, nil)},
		{"empty", NewMeanSquaresPointSet(nil, nil, transform.NewTranslation(2))},
		{"count mismatch", NewMeanSquaresPointSet([]transform.Point{{0, 0}}, nil, transform.NewTranslation(2))},
		{"dimension mismatch", NewMeanSquaresPointSet([]transform.Point{{0, 0, 0}}, []transform.Point{{0, 0, 0}}, transform.NewTranslation(2))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.metric.Initialize(), ErrConfiguration)
		})
	}
}

func TestMeanSquaresPointSet_VirtualDomainMustMatchField(t *testing.T) {
	fieldGrid, err := transform.NewGrid([]int{2, 2}, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	field := transform.NewDisplacementField(fieldGrid)

	larger, err := transform.NewGrid([]int{5, 5}, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	m := NewMeanSquaresPointSet([]transform.Point{{4, 4}}, []transform.Point{{4, 5}}, field)
	m.SetVirtualDomain(larger)

	var cfgErr *ConfigError
	require.ErrorAs(t, m.Initialize(), &cfgErr)
	assert.Equal(t, "virtual domain", cfgErr.Field)
	assert.ErrorIs(t, m.Initialize(), ErrConfiguration)

	// An equal but distinct grid is accepted.
	same, err := transform.NewGrid([]int{2, 2}, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	m = NewMeanSquaresPointSet([]transform.Point{{1, 1}}, []transform.Point{{1, 2}}, field)
	m.SetVirtualDomain(same)
	require.NoError(t, m.Initialize())

	d := make([]float64, m.NumberOfParameters())
	_, err = m.ValueAndDerivative(d)
	require.NoError(t, err)
}

func TestMeanSquaresPointSet_DerivativeSize(t *testing.T) {
	m := NewMeanSquaresPointSet([]transform.Point{{0, 0}}, []transform.Point{{1, 0}}, transform.NewTranslation(2))
	require.NoError(t, m.Initialize())

	var sizeErr *transform.SizeError
	require.ErrorAs(t, m.Derivative(make([]float64, 3)), &sizeErr)
}
