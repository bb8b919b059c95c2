package opt

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/descentreg/internal/metric"
	"github.com/cwbudde/descentreg/internal/scales"
	"github.com/cwbudde/descentreg/internal/transform"
)

func newQuadratic(t *testing.T, dim int, start []float64) *metric.Quadratic {
	t.Helper()
	tr := transform.NewTranslation(dim)
	require.NoError(t, tr.SetParameters(start))
	m := metric.NewQuadratic(tr, nil)
	require.NoError(t, m.Initialize())
	return m
}

func manualConfig(lr float64, iterations int) Config {
	cfg := DefaultConfig()
	cfg.LearningRate = lr
	cfg.NumberOfIterations = iterations
	cfg.LearningRateEstimation = LearningRateManual
	return cfg
}

// scripted replays a fixed value sequence with a constant unit derivative,
// so the single parameter equals the number of completed updates.
type scripted struct {
	values []float64
	calls  int
	p      []float64
}

func (s *scripted) Initialize() error { return nil }

func (s *scripted) NumberOfParameters() int { return 1 }

func (s *scripted) NumberOfLocalParameters() int { return 1 }

func (s *scripted) HasLocalSupport() bool { return false }

func (s *scripted) Parameters() []float64 { return append([]float64(nil), s.p...) }
func (s *scripted) SetParameters(p []float64) error {
	s.p = append([]float64(nil), p...)
	return nil
}
func (s *scripted) Value() (float64, error) { return s.values[min(s.calls, len(s.values)-1)], nil }
func (s *scripted) Derivative(d []float64) error {
	d[0] = 1
	return nil
}
func (s *scripted) ValueAndDerivative(d []float64) (float64, error) {
	v, _ := s.Value()
	s.calls++
	d[0] = 1
	return v, nil
}
func (s *scripted) UpdateTransformParameters(d []float64, factor float64) error {
	s.p[0] += factor * d[0]
	return nil
}
func (s *scripted) ComputeParameterOffsetFromVirtualIndex([]int, int) int { return 0 }

type stubEstimator struct {
	scales    []float64
	stepScale float64
	maxStep   float64
	calls     int
}

func (e *stubEstimator) EstimateScales() ([]float64, error) { return e.scales, nil }
func (e *stubEstimator) EstimateStepScale([]float64) (float64, error) {
	e.calls++
	return e.stepScale, nil
}
func (e *stubEstimator) EstimateMaximumStepSize() (float64, error) { return e.maxStep, nil }

func TestGradientDescent_ClosedForm(t *testing.T) {
	o := NewGradientDescent(manualConfig(0.1, 3))
	o.SetMetric(newQuadratic(t, 1, []float64{10}))
	o.SetScales([]float64{1})

	var positions []float64
	o.AddObserver(ObserverFunc(func(e Event) {
		if e.Kind == EventIteration {
			positions = append(positions, o.CurrentPosition()[0])
		}
	}))

	require.NoError(t, o.StartOptimization(context.Background()))

	// derivative = -2p, so p <- p + 0.1*(-2p) = 0.8p
	require.Len(t, positions, 3)
	for n, p := range positions {
		assert.InDelta(t, 10*math.Pow(0.8, float64(n+1)), p, 1e-9)
	}
	assert.InDelta(t, 5.12, o.CurrentPosition()[0], 1e-9)
	assert.Equal(t, 3, o.CurrentIteration())
	assert.Equal(t, StateMaxIterationsReached, o.State())
	assert.True(t, o.ScalesAreIdentity())
}

func TestGradientDescent_IterationsNeverExceedMaximum(t *testing.T) {
	for _, n := range []int{0, 1, 7, 25} {
		o := NewGradientDescent(manualConfig(0.01, n))
		o.SetMetric(newQuadratic(t, 2, []float64{3, -4}))
		require.NoError(t, o.StartOptimization(context.Background()))
		assert.LessOrEqual(t, o.CurrentIteration(), n)
		assert.Equal(t, StateMaxIterationsReached, o.State())
	}
}

func TestGradientDescent_ScalesMismatchThenCorrected(t *testing.T) {
	o := NewGradientDescent(manualConfig(0.1, 5))
	o.SetMetric(newQuadratic(t, 2, []float64{1, 1}))

	o.SetScales([]float64{1, 1, 1})
	err := o.StartOptimization(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, 0, o.CurrentIteration())
	assert.Equal(t, []float64{1, 1}, o.CurrentPosition())

	o.SetScales([]float64{2, 2})
	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, 5, o.CurrentIteration())
	assert.False(t, o.ScalesAreIdentity())
}

func TestGradientDescent_ScalesIdentityTolerance(t *testing.T) {
	tests := []struct {
		name   string
		scales []float64
		want   bool
	}{
		{"unset", nil, true},
		{"exact", []float64{1, 1}, true},
		{"within tolerance", []float64{0.999, 1.005}, true},
		{"outside tolerance", []float64{1, 1.02}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewGradientDescent(manualConfig(0.1, 1))
			o.SetMetric(newQuadratic(t, 2, []float64{1, 1}))
			o.SetScales(tt.scales)
			require.NoError(t, o.StartOptimization(context.Background()))
			assert.Equal(t, tt.want, o.ScalesAreIdentity())
			assert.Len(t, o.Scales(), 2)
		})
	}
}

func TestGradientDescent_NoMetric(t *testing.T) {
	o := NewGradientDescent(DefaultConfig())
	err := o.StartOptimization(context.Background())
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, StateIdle, o.State())
}

func TestGradientDescent_InvalidConfig(t *testing.T) {
	o := NewGradientDescent(DefaultConfig())
	cfg := DefaultConfig()
	cfg.ConvergenceWindowSize = 1
	assert.True(t, errors.Is(o.SetConfig(cfg), ErrConfiguration))

	cfg = DefaultConfig()
	cfg.LearningRateEstimation = "sometimes"
	assert.Error(t, o.SetConfig(cfg))
}

func TestGradientDescent_ConvergesAtOptimum(t *testing.T) {
	cfg := manualConfig(0.25, 1000)
	cfg.MinimumConvergenceValue = 0
	cfg.ConvergenceWindowSize = 10
	o := NewGradientDescent(cfg)
	o.SetMetric(newQuadratic(t, 1, []float64{0}))

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, StateConverged, o.State())
	assert.Equal(t, 10, o.CurrentIteration())
	assert.Equal(t, 0.0, o.ConvergenceValue())
}

func TestGradientDescent_FlatteningSequenceConverges(t *testing.T) {
	// p halves every iteration until the value underflows to zero and the
	// window flattens out.
	cfg := manualConfig(0.25, 2000)
	cfg.MinimumConvergenceValue = 0
	cfg.ConvergenceWindowSize = 20
	o := NewGradientDescent(cfg)
	o.SetMetric(newQuadratic(t, 1, []float64{10}))

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, StateConverged, o.State())
	assert.Less(t, o.CurrentIteration(), 2000)
}

// linearDecrease returns n values falling by 0.1 from 1000.
func linearDecrease(n int) []float64 {
	values := make([]float64, n)
	for k := range values {
		values[k] = 1000 - 0.1*float64(k)
	}
	return values
}

func TestGradientDescent_StrictlyDecreasingSequence(t *testing.T) {
	const iterations = 200

	t.Run("zero minimum never converges", func(t *testing.T) {
		cfg := manualConfig(1, iterations)
		cfg.MinimumConvergenceValue = 0
		cfg.ConvergenceWindowSize = 10
		o := NewGradientDescent(cfg)
		o.SetMetric(&scripted{values: linearDecrease(iterations + 10), p: []float64{0}})

		require.NoError(t, o.StartOptimization(context.Background()))
		assert.Equal(t, StateMaxIterationsReached, o.State())
		assert.Equal(t, iterations, o.CurrentIteration())
		assert.Greater(t, o.ConvergenceValue(), 0.0)
	})

	t.Run("positive minimum converges", func(t *testing.T) {
		// 0.9 drop across the window over roughly 1e4 total energy.
		cfg := manualConfig(1, iterations)
		cfg.MinimumConvergenceValue = 1e-4
		cfg.ConvergenceWindowSize = 10
		o := NewGradientDescent(cfg)
		o.SetMetric(&scripted{values: linearDecrease(iterations + 10), p: []float64{0}})

		require.NoError(t, o.StartOptimization(context.Background()))
		assert.Equal(t, StateConverged, o.State())
		assert.Less(t, o.CurrentIteration(), iterations)
		assert.LessOrEqual(t, o.ConvergenceValue(), 1e-4)
	})
}

func TestGradientDescent_ReturnsBestParameters(t *testing.T) {
	cfg := manualConfig(1, 6)
	cfg.ReturnBestParametersAndValue = true
	o := NewGradientDescent(cfg)
	m := &scripted{values: []float64{5, 3, 1, 2, 4, 6}, p: []float64{0}}
	o.SetMetric(m)

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, []float64{2}, o.CurrentPosition())
	assert.Equal(t, 1.0, o.Value())
}

func TestGradientDescent_WithoutBestTrackingKeepsLastPosition(t *testing.T) {
	o := NewGradientDescent(manualConfig(1, 6))
	o.SetMetric(&scripted{values: []float64{5, 3, 1, 2, 4, 6}, p: []float64{0}})

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, []float64{6}, o.CurrentPosition())
	assert.Equal(t, 6.0, o.Value())
}

func TestGradientDescent_RefusesReentryWhileRunning(t *testing.T) {
	o := NewGradientDescent(manualConfig(0.01, 10))
	o.SetMetric(newQuadratic(t, 1, []float64{10}))

	var startErr, resumeErr, configErr error
	o.AddObserver(ObserverFunc(func(e Event) {
		if e.Kind == EventIteration && e.Iteration == 3 {
			startErr = o.StartOptimization(context.Background())
			resumeErr = o.ResumeOptimization(context.Background())
			configErr = o.SetConfig(manualConfig(1, 1))
		}
	}))

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.True(t, errors.Is(startErr, ErrAlreadyRunning), "start: %v", startErr)
	assert.True(t, errors.Is(resumeErr, ErrAlreadyRunning), "resume: %v", resumeErr)
	assert.True(t, errors.Is(configErr, ErrAlreadyRunning), "config: %v", configErr)

	assert.Equal(t, StateMaxIterationsReached, o.State())
	assert.Equal(t, 10, o.CurrentIteration())
	assert.Equal(t, 10, o.Config().NumberOfIterations)
}

func TestGradientDescent_StopFromObserver(t *testing.T) {
	o := NewGradientDescent(manualConfig(0.01, 100))
	o.SetMetric(newQuadratic(t, 1, []float64{10}))

	var kinds []EventKind
	o.AddObserver(ObserverFunc(func(e Event) {
		kinds = append(kinds, e.Kind)
		if e.Kind == EventIteration && e.Iteration == 5 {
			o.StopOptimization()
		}
	}))

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, StateUserStopped, o.State())
	assert.Equal(t, 5, o.CurrentIteration())
	require.Len(t, kinds, 7)
	assert.Equal(t, EventStart, kinds[0])
	assert.Equal(t, EventEnd, kinds[6])
}

func TestGradientDescent_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := NewGradientDescent(manualConfig(0.01, 100))
	o.SetMetric(newQuadratic(t, 1, []float64{10}))
	o.AddObserver(ObserverFunc(func(e Event) {
		if e.Iteration == 3 {
			cancel()
		}
	}))

	require.NoError(t, o.StartOptimization(ctx))
	assert.Equal(t, StateUserStopped, o.State())
	assert.Equal(t, 3, o.CurrentIteration())
}

func TestGradientDescent_Resume(t *testing.T) {
	o := NewGradientDescent(manualConfig(0.1, 10))
	o.SetMetric(newQuadratic(t, 1, []float64{10}))

	err := o.ResumeOptimization(context.Background())
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.Equal(t, StateIdle, o.State())

	id := o.AddObserver(ObserverFunc(func(e Event) {
		if e.Iteration == 4 {
			o.StopOptimization()
		}
	}))
	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, 4, o.CurrentIteration())
	o.RemoveObserver(id)

	require.NoError(t, o.ResumeOptimization(context.Background()))
	assert.Equal(t, StateMaxIterationsReached, o.State())
	assert.Equal(t, 10, o.CurrentIteration())
	assert.InDelta(t, 10*math.Pow(0.8, 10), o.CurrentPosition()[0], 1e-9)
}

func TestGradientDescent_EstimatedLearningRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumberOfIterations = 4
	o := NewGradientDescent(cfg)
	o.SetMetric(newQuadratic(t, 1, []float64{10}))
	est := &stubEstimator{scales: []float64{1}, stepScale: 4, maxStep: 2}
	o.SetScalesEstimator(est)

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, 1, est.calls)
	assert.Equal(t, 0.5, o.LearningRate())
	// p <- p + 0.5*(-2p) lands on the optimum in one step.
	assert.Equal(t, []float64{0}, o.CurrentPosition())
}

func TestGradientDescent_EstimateEveryIteration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumberOfIterations = 4
	cfg.LearningRateEstimation = LearningRateEveryIteration
	o := NewGradientDescent(cfg)
	o.SetMetric(newQuadratic(t, 1, []float64{10}))
	est := &stubEstimator{scales: []float64{1}, stepScale: 40, maxStep: 2}
	o.SetScalesEstimator(est)

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, 4, est.calls)
}

func TestGradientDescent_ZeroStepScaleKeepsLearningRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearningRate = 0.1
	cfg.NumberOfIterations = 3
	cfg.LearningRateEstimation = LearningRateEveryIteration
	o := NewGradientDescent(cfg)
	o.SetMetric(newQuadratic(t, 1, []float64{10}))
	o.SetScalesEstimator(&stubEstimator{scales: []float64{1}, stepScale: 0, maxStep: 1})

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.Equal(t, StateMaxIterationsReached, o.State())
	assert.Equal(t, 0.1, o.LearningRate())
	assert.InDelta(t, 5.12, o.CurrentPosition()[0], 1e-9)

	var nerr *NumericalError
	err := o.EstimateLearningRate()
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, 0.1, o.LearningRate())
}

func TestGradientDescent_NumericalFailureBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumberOfIterations = 10
	cfg.LearningRateEstimation = LearningRateEveryIteration
	cfg.MaxNumericalFailures = 2
	o := NewGradientDescent(cfg)
	o.SetMetric(newQuadratic(t, 1, []float64{10}))
	o.SetScalesEstimator(&stubEstimator{scales: []float64{1}, stepScale: math.NaN(), maxStep: 1})

	var end Event
	o.AddObserver(ObserverFunc(func(e Event) {
		if e.Kind == EventEnd {
			end = e
		}
	}))

	err := o.StartOptimization(context.Background())
	var nerr *NumericalError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, 2, o.CurrentIteration())
	assert.Equal(t, StateFailed, end.State)
	assert.NotEmpty(t, o.StopDescription())
}

func TestGradientDescent_EstimateLearningRateStandalone(t *testing.T) {
	o := NewGradientDescent(DefaultConfig())
	o.SetMetric(newQuadratic(t, 2, []float64{3, 4}))

	assert.True(t, errors.Is(o.EstimateLearningRate(), ErrConfiguration))

	o.SetScalesEstimator(&stubEstimator{scales: []float64{1, 1}, stepScale: 5, maxStep: 1})
	require.NoError(t, o.EstimateLearningRate())
	assert.Equal(t, 0.2, o.LearningRate())
	assert.Equal(t, StateIdle, o.State())
}

func TestGradientDescent_PointSetRegistrationWithEstimator(t *testing.T) {
	fixed := []transform.Point{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	moving := make([]transform.Point, len(fixed))
	for i, p := range fixed {
		moving[i] = transform.Point{p[0] + 3, p[1] - 2}
	}
	m := metric.NewMeanSquaresPointSet(fixed, moving, transform.NewAffine(2))
	require.NoError(t, m.Initialize())

	cfg := DefaultConfig()
	cfg.NumberOfIterations = 200
	o := NewGradientDescent(cfg)
	o.SetMetric(m)
	o.SetScalesEstimator(scales.NewJacobianShift(m))

	initial, err := m.Value()
	require.NoError(t, err)

	require.NoError(t, o.StartOptimization(context.Background()))
	assert.NotEqual(t, StateFailed, o.State())
	assert.InDeltaSlice(t, []float64{100, 100, 100, 100, 1, 1}, o.Scales(), 1e-9)
	assert.InDelta(t, 1/math.Sqrt(208), o.LearningRate(), 1e-9)

	final, err := m.Value()
	require.NoError(t, err)
	assert.Less(t, final, initial/100)
	p := o.CurrentPosition()
	assert.InDelta(t, 3, p[4], 0.1)
	assert.InDelta(t, -2, p[5], 0.1)
}

func TestGradientDescent_LocalSupportScales(t *testing.T) {
	g, err := transform.NewGrid([]int{3, 3}, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, err)
	field := transform.NewDisplacementField(g)
	m := metric.NewQuadratic(field, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, field.SetParameters(onesTimes(18, 4)))

	cfg := manualConfig(0.25, 1)
	cfg.MinChunkSize = 2
	cfg.NumberOfWorkers = 4
	o := NewGradientDescent(cfg)
	o.SetMetric(m)
	o.SetScales([]float64{1, 2})

	require.NoError(t, o.StartOptimization(context.Background()))
	// x entries move by 0.25*(-8)/1, y entries by 0.25*(-8)/2
	for i, p := range o.CurrentPosition() {
		if i%2 == 0 {
			assert.Equal(t, 2.0, p)
		} else {
			assert.Equal(t, 3.0, p)
		}
	}
}

func onesTimes(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
