package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/descentreg/internal/convergence"
	"github.com/cwbudde/descentreg/internal/metric"
	"github.com/cwbudde/descentreg/internal/parallel"
	"github.com/cwbudde/descentreg/internal/scales"
)

// identityTolerance is the largest deviation from 1 for which a scale entry
// still counts as identity.
const identityTolerance = 0.01

type bestState struct {
	value  float64
	params []float64
}

type observerEntry struct {
	id  int
	obs Observer
}

// GradientDescent updates the metric's transform by
//
//	params += learningRate * derivative ./ scales
//
// where the metric's derivative already points towards a better value. The
// run stops on window convergence, on the iteration limit, on
// StopOptimization or on context cancellation.
type GradientDescent struct {
	cfg       Config
	metric    metric.Metric
	estimator scales.Estimator

	scales            []float64
	scalesAreIdentity bool
	learningRate      float64
	maxStepSize       float64

	state           atomic.Int32
	stopRequested   atomic.Bool
	started         bool
	stopDescription string

	currentIteration  int
	value             float64
	convergenceValue  float64
	derivative        []float64
	monitor           *convergence.WindowMonitor
	best              *bestState
	numericalFailures int

	observers []observerEntry
	nextID    int
}

var _ Optimizer = (*GradientDescent)(nil)

// NewGradientDescent creates an idle optimizer with the given settings.
func NewGradientDescent(cfg Config) *GradientDescent {
	return &GradientDescent{
		cfg:              cfg,
		learningRate:     cfg.LearningRate,
		maxStepSize:      cfg.MaximumStepSizeInPhysicalUnits,
		convergenceValue: math.MaxFloat64,
	}
}

// Config returns the current settings.
func (o *GradientDescent) Config() Config { return o.cfg }

// SetConfig replaces the settings. It is refused while a run is active.
func (o *GradientDescent) SetConfig(cfg Config) error {
	if o.State() == StateRunning {
		return errors.WithStack(ErrAlreadyRunning)
	}
	if err := cfg.Validate(); err != nil {
		return configErrorf("%v", err)
	}
	o.cfg = cfg
	o.learningRate = cfg.LearningRate
	o.maxStepSize = cfg.MaximumStepSizeInPhysicalUnits
	return nil
}

func (o *GradientDescent) SetMetric(m metric.Metric) { o.metric = m }

func (o *GradientDescent) Metric() metric.Metric { return o.metric }

// SetScalesEstimator assigns the estimator used for scales and the
// learning rate. A nil estimator restores manual behavior.
func (o *GradientDescent) SetScalesEstimator(e scales.Estimator) { o.estimator = e }

// SetScales sets manual per-parameter scales. An empty slice means unit
// scales.
func (o *GradientDescent) SetScales(s []float64) {
	o.scales = append([]float64(nil), s...)
}

// Scales returns a copy of the scales in use.
func (o *GradientDescent) Scales() []float64 {
	return append([]float64(nil), o.scales...)
}

// ScalesAreIdentity reports whether the last validated scales were all
// close enough to 1 to be skipped.
func (o *GradientDescent) ScalesAreIdentity() bool { return o.scalesAreIdentity }

// SetLearningRate sets the manual learning rate.
func (o *GradientDescent) SetLearningRate(lr float64) { o.learningRate = lr }

func (o *GradientDescent) LearningRate() float64 { return o.learningRate }

func (o *GradientDescent) State() State { return State(o.state.Load()) }

// StopDescription explains why the last run ended.
func (o *GradientDescent) StopDescription() string { return o.stopDescription }

// CurrentIteration is the number of completed iterations.
func (o *GradientDescent) CurrentIteration() int { return o.currentIteration }

// Value is the last metric value, or the best one after a run that tracks
// the best parameters.
func (o *GradientDescent) Value() float64 { return o.value }

func (o *GradientDescent) ConvergenceValue() float64 { return o.convergenceValue }

// CurrentPosition returns a copy of the metric's parameters.
func (o *GradientDescent) CurrentPosition() []float64 {
	if o.metric == nil {
		return nil
	}
	return o.metric.Parameters()
}

// AddObserver registers an observer and returns its id.
func (o *GradientDescent) AddObserver(obs Observer) int {
	o.nextID++
	o.observers = append(o.observers, observerEntry{id: o.nextID, obs: obs})
	return o.nextID
}

func (o *GradientDescent) RemoveObserver(id int) {
	for i, e := range o.observers {
		if e.id == id {
			o.observers = append(o.observers[:i], o.observers[i+1:]...)
			return
		}
	}
}

// StopOptimization asks the loop to end after the current iteration. It is
// safe to call from any goroutine and has no effect when idle.
func (o *GradientDescent) StopOptimization() {
	o.stopRequested.Store(true)
}

// StartOptimization validates the configuration, resets the run state and
// iterates until a stop condition is met. Configuration problems are
// returned before any iteration runs.
func (o *GradientDescent) StartOptimization(ctx context.Context) error {
	if o.State() == StateRunning {
		return errors.WithStack(ErrAlreadyRunning)
	}
	if err := o.prepare(); err != nil {
		return err
	}

	o.currentIteration = 0
	o.value = 0
	o.best = nil
	o.numericalFailures = 0
	o.convergenceValue = math.MaxFloat64
	o.stopDescription = ""
	o.derivative = make([]float64, o.metric.NumberOfParameters())
	o.started = true

	slog.Info("Starting optimization",
		"parameters", o.metric.NumberOfParameters(),
		"iterations", o.cfg.NumberOfIterations,
		"learning_rate", o.learningRate,
		"scales_identity", o.scalesAreIdentity,
	)

	o.stopRequested.Store(false)
	o.state.Store(int32(StateRunning))
	return o.run(ctx)
}

// ResumeOptimization continues from the current parameters, iteration
// counter and convergence window. Scales and learning rate are kept.
func (o *GradientDescent) ResumeOptimization(ctx context.Context) error {
	switch {
	case o.State() == StateRunning:
		return errors.WithStack(ErrAlreadyRunning)
	case !o.started:
		return errors.WithStack(ErrNotStarted)
	case o.metric == nil:
		return configErrorf("no metric assigned")
	}
	if len(o.derivative) != o.metric.NumberOfParameters() {
		return configErrorf("metric has %d parameters, run was started with %d",
			o.metric.NumberOfParameters(), len(o.derivative))
	}

	slog.Info("Resuming optimization", "iteration", o.currentIteration)

	o.stopRequested.Store(false)
	o.state.Store(int32(StateRunning))
	return o.run(ctx)
}

// prepare performs the start-time configuration: scales, identity check,
// maximum step size and the convergence window.
func (o *GradientDescent) prepare() error {
	if o.metric == nil {
		return configErrorf("no metric assigned")
	}
	if err := o.cfg.Validate(); err != nil {
		return configErrorf("%v", err)
	}

	if o.estimator != nil && o.cfg.DoEstimateScales {
		s, err := o.estimator.EstimateScales()
		if err != nil {
			return configErrorf("estimating scales: %v", err)
		}
		o.scales = s
	}
	if err := o.validateScales(); err != nil {
		return err
	}

	if o.estimator != nil && o.cfg.LearningRateEstimation != LearningRateManual {
		if err := o.ensureMaximumStepSize(); err != nil {
			return err
		}
	}

	if o.monitor == nil || o.monitor.Size() != o.cfg.ConvergenceWindowSize {
		m, err := convergence.NewWindowMonitor(o.cfg.ConvergenceWindowSize)
		if err != nil {
			return configErrorf("%v", err)
		}
		o.monitor = m
	} else {
		o.monitor.Clear()
	}
	return nil
}

func (o *GradientDescent) validateScales() error {
	n := o.metric.NumberOfLocalParameters()
	if len(o.scales) == 0 {
		o.scales = make([]float64, n)
		for i := range o.scales {
			o.scales[i] = 1
		}
	}
	if len(o.scales) != n {
		return configErrorf("scales has %d entries, metric has %d local parameters", len(o.scales), n)
	}
	o.scalesAreIdentity = true
	for _, s := range o.scales {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return configErrorf("scales must be positive and finite, got %g", s)
		}
		if math.Abs(s-1) > identityTolerance {
			o.scalesAreIdentity = false
		}
	}
	return nil
}

func (o *GradientDescent) ensureMaximumStepSize() error {
	if o.maxStepSize > 0 {
		return nil
	}
	step, err := o.estimator.EstimateMaximumStepSize()
	if err != nil {
		return configErrorf("estimating maximum step size: %v", err)
	}
	o.maxStepSize = step
	return nil
}

func (o *GradientDescent) run(ctx context.Context) (err error) {
	o.notify(EventStart)

	for {
		if o.stopRequested.Load() {
			o.finish(StateUserStopped, "stop requested")
			break
		}
		if ctx.Err() != nil {
			o.finish(StateUserStopped, "context: "+ctx.Err().Error())
			break
		}
		if o.currentIteration >= o.cfg.NumberOfIterations {
			o.finish(StateMaxIterationsReached, fmt.Sprintf(
				"maximum number of iterations (%d) reached", o.cfg.NumberOfIterations))
			break
		}

		done, iterErr := o.iterate(ctx)
		if iterErr != nil {
			o.fail(iterErr)
			err = iterErr
			break
		}
		if done {
			break
		}
	}

	if o.State() != StateFailed {
		if restoreErr := o.restoreBest(); restoreErr != nil {
			o.fail(restoreErr)
			err = restoreErr
		}
	}

	slog.Info("Optimization finished",
		"state", o.State(),
		"reason", o.stopDescription,
		"iterations", o.currentIteration,
		"value", o.value,
	)
	o.notify(EventEnd)
	return err
}

// iterate runs one iteration and reports whether the run has stopped.
func (o *GradientDescent) iterate(ctx context.Context) (bool, error) {
	value, err := o.metric.ValueAndDerivative(o.derivative)
	if err != nil {
		return false, errors.Wrapf(err, "evaluating metric at iteration %d", o.currentIteration)
	}
	o.value = value

	if o.cfg.ReturnBestParametersAndValue && (o.best == nil || value < o.best.value) {
		o.best = &bestState{value: value, params: o.metric.Parameters()}
	}

	if !allFinite(o.derivative) {
		if err := o.numericalFailure("derivative has non-finite entries"); err != nil {
			return false, err
		}
		for i := range o.derivative {
			o.derivative[i] = 0
		}
	}

	o.modifyGradientByScales(o.derivative)
	if o.shouldEstimateLearningRate() {
		if err := o.estimateLearningRate(o.derivative); err != nil {
			if err := o.numericalFailure(err.Error()); err != nil {
				return false, err
			}
		}
	}
	o.modifyGradientByLearningRate(o.derivative)

	if err := o.metric.UpdateTransformParameters(o.derivative, 1); err != nil {
		return false, errors.Wrapf(err, "updating parameters at iteration %d", o.currentIteration)
	}
	o.currentIteration++

	o.monitor.AddEnergyValue(value)
	o.convergenceValue = o.monitor.ConvergenceValue()

	slog.Debug("Iteration complete",
		"iteration", o.currentIteration,
		"value", value,
		"convergence", o.convergenceValue,
		"learning_rate", o.learningRate,
	)

	done := true
	switch {
	case o.monitor.Full() && o.convergenceValue <= o.cfg.MinimumConvergenceValue:
		o.finish(StateConverged, fmt.Sprintf(
			"convergence value %g is at or below minimum %g", o.convergenceValue, o.cfg.MinimumConvergenceValue))
	case o.currentIteration >= o.cfg.NumberOfIterations:
		o.finish(StateMaxIterationsReached, fmt.Sprintf(
			"maximum number of iterations (%d) reached", o.cfg.NumberOfIterations))
	case o.stopRequested.Load():
		o.finish(StateUserStopped, "stop requested")
	case ctx.Err() != nil:
		o.finish(StateUserStopped, "context: "+ctx.Err().Error())
	default:
		done = false
	}

	o.notify(EventIteration)
	return done, nil
}

func (o *GradientDescent) shouldEstimateLearningRate() bool {
	if o.estimator == nil {
		return false
	}
	switch o.cfg.LearningRateEstimation {
	case LearningRateEveryIteration:
		return true
	case LearningRateOnce:
		return o.currentIteration == 0
	}
	return false
}

// EstimateLearningRate evaluates the derivative at the current position and
// sets the learning rate from it. A NumericalError leaves the rate as it
// was.
func (o *GradientDescent) EstimateLearningRate() error {
	if o.State() == StateRunning {
		return errors.WithStack(ErrAlreadyRunning)
	}
	if o.metric == nil {
		return configErrorf("no metric assigned")
	}
	if o.estimator == nil {
		return configErrorf("no scales estimator assigned")
	}
	if err := o.validateScales(); err != nil {
		return err
	}
	if err := o.ensureMaximumStepSize(); err != nil {
		return err
	}

	grad := make([]float64, o.metric.NumberOfParameters())
	if _, err := o.metric.ValueAndDerivative(grad); err != nil {
		return errors.Wrap(err, "evaluating metric for learning rate")
	}
	o.modifyGradientByScales(grad)
	return o.estimateLearningRate(grad)
}

func (o *GradientDescent) estimateLearningRate(scaledGradient []float64) error {
	stepScale, err := o.estimator.EstimateStepScale(scaledGradient)
	if err != nil {
		return &NumericalError{Iteration: o.currentIteration, Reason: "estimating step scale: " + err.Error()}
	}
	if stepScale == 0 || math.IsNaN(stepScale) || math.IsInf(stepScale, 0) {
		return &NumericalError{
			Iteration: o.currentIteration,
			Reason:    fmt.Sprintf("step scale is %g, keeping learning rate %g", stepScale, o.learningRate),
		}
	}
	o.learningRate = o.maxStepSize / stepScale
	slog.Debug("Estimated learning rate", "learning_rate", o.learningRate, "step_scale", stepScale)
	return nil
}

// numericalFailure logs a non-fatal problem and returns an error once the
// configured budget is exhausted.
func (o *GradientDescent) numericalFailure(reason string) error {
	o.numericalFailures++
	nerr := &NumericalError{Iteration: o.currentIteration, Reason: reason}
	slog.Warn("Numerical problem", "iteration", o.currentIteration, "error", reason)
	if o.cfg.MaxNumericalFailures > 0 && o.numericalFailures > o.cfg.MaxNumericalFailures {
		return errors.Wrapf(nerr, "more than %d numerical failures", o.cfg.MaxNumericalFailures)
	}
	return nil
}

func (o *GradientDescent) parallelConfig() parallel.Config {
	return parallel.Config{NumWorkers: o.cfg.NumberOfWorkers, MinChunkSize: o.cfg.MinChunkSize}
}

func (o *GradientDescent) modifyGradientByScales(d []float64) {
	if o.scalesAreIdentity {
		return
	}
	s := o.scales
	if len(s) == len(d) {
		parallel.ForRange(len(d), o.parallelConfig(), func(lo, hi int) {
			floats.Div(d[lo:hi], s[lo:hi])
		})
		return
	}
	n := len(s)
	parallel.ForRange(len(d), o.parallelConfig(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			d[i] /= s[i%n]
		}
	})
}

func (o *GradientDescent) modifyGradientByLearningRate(d []float64) {
	lr := o.learningRate
	parallel.ForRange(len(d), o.parallelConfig(), func(lo, hi int) {
		floats.Scale(lr, d[lo:hi])
	})
}

func (o *GradientDescent) restoreBest() error {
	if !o.cfg.ReturnBestParametersAndValue || o.best == nil {
		return nil
	}
	if err := o.metric.SetParameters(o.best.params); err != nil {
		return errors.Wrap(err, "restoring best parameters")
	}
	o.value = o.best.value
	return nil
}

func (o *GradientDescent) finish(s State, description string) {
	o.stopDescription = description
	o.state.Store(int32(s))
}

func (o *GradientDescent) fail(err error) {
	slog.Error("Optimization failed", "iteration", o.currentIteration, "error", err)
	o.finish(StateFailed, err.Error())
}

func (o *GradientDescent) notify(kind EventKind) {
	if len(o.observers) == 0 {
		return
	}
	e := Event{
		Kind:             kind,
		Iteration:        o.currentIteration,
		Value:            o.value,
		ConvergenceValue: o.convergenceValue,
		LearningRate:     o.learningRate,
		State:            o.State(),
		StopDescription:  o.stopDescription,
	}
	for _, entry := range append([]observerEntry(nil), o.observers...) {
		entry.obs.OnEvent(e)
	}
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
