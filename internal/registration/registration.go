// Package registration assembles a transform, a point-set metric, a scales
// estimator and the gradient descent optimizer into a runnable problem.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/descentreg/internal/metric"
	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/scales"
	"github.com/cwbudde/descentreg/internal/transform"
)

// Result summarizes a finished run.
type Result struct {
	Parameters      []float64     `json:"parameters"`
	InitialValue    float64       `json:"initialValue"`
	Value           float64       `json:"value"`
	Iterations      int           `json:"iterations"`
	State           opt.State     `json:"state"`
	StopDescription string        `json:"stopDescription"`
	LearningRate    float64       `json:"learningRate"`
	Scales          []float64     `json:"scales"`
	Duration        time.Duration `json:"duration"`
}

// Problem is a built registration, ready to run.
type Problem struct {
	spec      Spec
	fixed     []transform.Point
	moving    []transform.Point
	transform transform.Transform
	metric    *metric.MeanSquaresPointSet
	optimizer *opt.GradientDescent
}

// Build validates spec and wires the transform, metric, estimator and
// optimizer together.
func Build(spec Spec) (*Problem, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registration spec: %w", err)
	}

	fixed, moving := spec.Points()
	dim := len(fixed[0])
	if dim == 0 {
		return nil, fmt.Errorf("invalid registration spec: points have no coordinates")
	}

	var t transform.Transform
	switch spec.Transform {
	case Translation:
		t = transform.NewTranslation(dim)
	case Affine:
		t = transform.NewAffine(dim)
	case Displacement:
		t = transform.NewDisplacementField(spec.Grid)
	}
	if spec.InitialParameters != nil {
		if err := t.SetParameters(spec.InitialParameters); err != nil {
			return nil, fmt.Errorf("initial parameters: %w", err)
		}
	}

	m := metric.NewMeanSquaresPointSet(fixed, moving, t)
	if spec.MinimumValidPoints > 0 {
		m.MinimumValidPoints = spec.MinimumValidPoints
	}
	if spec.Grid != nil {
		m.SetVirtualDomain(spec.Grid)
	}
	if err := m.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize metric: %w", err)
	}

	o := opt.NewGradientDescent(spec.Optimizer)
	if err := o.SetConfig(spec.Optimizer); err != nil {
		return nil, err
	}
	o.SetMetric(m)
	if spec.UseScalesEstimator {
		o.SetScalesEstimator(scales.NewJacobianShift(m))
	} else {
		o.SetScales(spec.Scales)
	}

	return &Problem{
		spec:      spec,
		fixed:     fixed,
		moving:    moving,
		transform: t,
		metric:    m,
		optimizer: o,
	}, nil
}

func (p *Problem) Spec() Spec { return p.spec }

func (p *Problem) Optimizer() *opt.GradientDescent { return p.optimizer }

func (p *Problem) Metric() *metric.MeanSquaresPointSet { return p.metric }

func (p *Problem) Transform() transform.Transform { return p.transform }

func (p *Problem) FixedPoints() []transform.Point { return p.fixed }

func (p *Problem) MovingPoints() []transform.Point { return p.moving }

// MappedPoints returns the fixed points under the current transform.
func (p *Problem) MappedPoints() []transform.Point {
	out := make([]transform.Point, len(p.fixed))
	for i, f := range p.fixed {
		out[i] = p.transform.TransformPoint(f)
	}
	return out
}

// Run performs the optional coarse search and then gradient descent.
// Configuration errors are returned without a result. A run that fails
// part way returns both.
func (p *Problem) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	initial, err := p.metric.Value()
	if err != nil {
		return nil, fmt.Errorf("evaluate initial value: %w", err)
	}

	if cs := p.spec.CoarseSearch; cs.Enabled {
		init := opt.NewMayflyInitializer(cs.Iterations, cs.Population, cs.Seed)
		if _, err := init.Initialize(p.metric, cs.Radius); err != nil {
			return nil, fmt.Errorf("coarse search: %w", err)
		}
	}

	slog.Info("Running registration",
		"transform", p.spec.Transform,
		"points", len(p.fixed),
		"parameters", p.transform.NumberOfParameters(),
		"initial_value", initial,
	)

	runErr := p.optimizer.StartOptimization(ctx)
	if runErr != nil && p.optimizer.State() != opt.StateFailed {
		return nil, runErr
	}

	res, err := p.result(initial, time.Since(start))
	if err != nil {
		return nil, err
	}
	slog.Info("Registration finished",
		"state", res.State,
		"value", res.Value,
		"iterations", res.Iterations,
		"duration", res.Duration,
	)
	return res, runErr
}

func (p *Problem) result(initial float64, elapsed time.Duration) (*Result, error) {
	o := p.optimizer
	value := o.Value()
	if o.CurrentIteration() == 0 {
		// Nothing was evaluated by the optimizer; report where the
		// coarse search, if any, left the transform.
		v, err := p.metric.Value()
		if err != nil {
			return nil, fmt.Errorf("evaluate final value: %w", err)
		}
		value = v
	}
	return &Result{
		Parameters:      o.CurrentPosition(),
		InitialValue:    initial,
		Value:           value,
		Iterations:      o.CurrentIteration(),
		State:           o.State(),
		StopDescription: o.StopDescription(),
		LearningRate:    o.LearningRate(),
		Scales:          o.Scales(),
		Duration:        elapsed,
	}, nil
}

// Run builds spec, registers observers and runs it.
func Run(ctx context.Context, spec Spec, observers ...opt.Observer) (*Result, error) {
	p, err := Build(spec)
	if err != nil {
		return nil, err
	}
	for _, obs := range observers {
		p.Optimizer().AddObserver(obs)
	}
	return p.Run(ctx)
}
