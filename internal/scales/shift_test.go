package scales

import (
	"testing"

	"github.com/cwbudde/descentreg/internal/metric"
	"github.com/cwbudde/descentreg/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square() []transform.Point {
	return []transform.Point{{-2, -1}, {2, -1}, {2, 3}, {-2, 3}}
}

func newSource(t *testing.T, tr transform.Transform) Source {
	t.Helper()
	m := metric.NewMeanSquaresPointSet(square(), square(), tr)
	require.NoError(t, m.Initialize())
	return m
}

func TestJacobianShift_TranslationScalesAreIdentity(t *testing.T) {
	e := NewJacobianShift(newSource(t, transform.NewTranslation(2)))

	s, err := e.EstimateScales()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, s, 1e-12)

	step, err := e.EstimateStepScale([]float64{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, step, 1e-12)

	maxStep, err := e.EstimateMaximumStepSize()
	require.NoError(t, err)
	assert.Equal(t, 1.0, maxStep)
}

func TestJacobianShift_AffineScalesFollowCoordinates(t *testing.T) {
	e := NewJacobianShift(newSource(t, transform.NewAffine(2)))

	s, err := e.EstimateScales()
	require.NoError(t, err)
	// Matrix entries multiply x (max |x| = 2) or y (max |y| = 3).
	assert.InDeltaSlice(t, []float64{4, 9, 4, 9, 1, 1}, s, 1e-9)
}

func TestJacobianShift_ZeroShiftReplacedBySmallestNonZero(t *testing.T) {
	pts := []transform.Point{{0, 2}, {0, -1}}
	m := metric.NewMeanSquaresPointSet(pts, pts, transform.NewAffine(2))
	require.NoError(t, m.Initialize())

	s, err := NewJacobianShift(m).EstimateScales()
	require.NoError(t, err)
	// x is always zero, so the x columns borrow the translation shift.
	assert.InDeltaSlice(t, []float64{1, 4, 1, 4, 1, 1}, s, 1e-9)
}

func TestJacobianShift_LocalSupport(t *testing.T) {
	grid, err := transform.NewGrid([]int{4, 4}, []float64{0.5, 2}, []float64{0, 0})
	require.NoError(t, err)
	field := transform.NewDisplacementField(grid)
	pts := []transform.Point{{0.5, 2}, {1.5, 4}}
	m := metric.NewMeanSquaresPointSet(pts, pts, field)
	require.NoError(t, m.Initialize())
	e := NewJacobianShift(m)

	s, err := e.EstimateScales()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, s, 1e-12)

	step := make([]float64, m.NumberOfParameters())
	off := m.ComputeParameterOffsetFromVirtualIndex([]int{3, 2}, 2)
	step[off] = 6
	step[off+1] = 8
	// A node with no sample point must not count.
	far := m.ComputeParameterOffsetFromVirtualIndex([]int{0, 0}, 2)
	step[far] = 100

	scale, err := e.EstimateStepScale(step)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, scale, 1e-12)

	maxStep, err := e.EstimateMaximumStepSize()
	require.NoError(t, err)
	assert.Equal(t, 0.5, maxStep)
}

func TestJacobianShift_Errors(t *testing.T) {
	_, err := NewJacobianShift(nil).EstimateScales()
	assert.Error(t, err)

	e := NewJacobianShift(newSource(t, transform.NewTranslation(2)))
	_, err = e.EstimateStepScale([]float64{1})
	var sizeErr *transform.SizeError
	assert.ErrorAs(t, err, &sizeErr)
}
