package registration

import (
	"fmt"
	"math"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/transform"
)

// TransformKind names the transform family being optimized.
type TransformKind string

const (
	Translation  TransformKind = "translation"
	Affine       TransformKind = "affine"
	Displacement TransformKind = "displacement"
)

// Synthetic generates a point set on a circle and a moving copy shifted
// by Offset.
type Synthetic struct {
	Points int       `json:"points" yaml:"points" mapstructure:"points"`
	Radius float64   `json:"radius" yaml:"radius" mapstructure:"radius"`
	Offset []float64 `json:"offset" yaml:"offset" mapstructure:"offset"`
}

// CoarseSearch configures the population search run before descent.
type CoarseSearch struct {
	Enabled    bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Iterations int     `json:"iterations" yaml:"iterations" mapstructure:"iterations"`
	Population int     `json:"population" yaml:"population" mapstructure:"population"`
	Radius     float64 `json:"radius" yaml:"radius" mapstructure:"radius"`
	Seed       int64   `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// Spec describes one point-set registration problem.
type Spec struct {
	Transform TransformKind `json:"transform" yaml:"transform" mapstructure:"transform"`

	// Fixed and Moving are explicit correspondences. They are ignored when
	// Synthetic is set.
	Fixed     [][]float64 `json:"fixed,omitempty" yaml:"fixed,omitempty" mapstructure:"fixed"`
	Moving    [][]float64 `json:"moving,omitempty" yaml:"moving,omitempty" mapstructure:"moving"`
	Synthetic *Synthetic  `json:"synthetic,omitempty" yaml:"synthetic,omitempty" mapstructure:"synthetic"`

	// Grid is the lattice of a displacement field. It is also used as the
	// virtual domain for the other kinds when set.
	Grid *transform.Grid `json:"grid,omitempty" yaml:"grid,omitempty" mapstructure:"grid"`

	InitialParameters  []float64 `json:"initialParameters,omitempty" yaml:"initialParameters,omitempty" mapstructure:"initialParameters"`
	MinimumValidPoints int       `json:"minimumValidPoints" yaml:"minimumValidPoints" mapstructure:"minimumValidPoints"`

	// UseScalesEstimator derives scales and the learning rate from the
	// transform Jacobian. Otherwise Scales and Optimizer.LearningRate are
	// used as given.
	UseScalesEstimator bool      `json:"useScalesEstimator" yaml:"useScalesEstimator" mapstructure:"useScalesEstimator"`
	Scales             []float64 `json:"scales,omitempty" yaml:"scales,omitempty" mapstructure:"scales"`

	Optimizer    opt.Config   `json:"optimizer" yaml:"optimizer" mapstructure:"optimizer"`
	CoarseSearch CoarseSearch `json:"coarseSearch" yaml:"coarseSearch" mapstructure:"coarseSearch"`
}

// DefaultSpec registers a 100 point circle of radius 100 against a copy
// shifted by (2, 2) with an affine transform.
func DefaultSpec() Spec {
	cfg := opt.DefaultConfig()
	cfg.ReturnBestParametersAndValue = true
	return Spec{
		Transform: Affine,
		Synthetic: &Synthetic{
			Points: 100,
			Radius: 100,
			Offset: []float64{2, 2},
		},
		MinimumValidPoints: 1,
		UseScalesEstimator: true,
		Optimizer:          cfg,
		CoarseSearch: CoarseSearch{
			Iterations: 50,
			Population: 20,
			Radius:     5,
			Seed:       1,
		},
	}
}

// Validate reports problems that Build would otherwise hit later.
func (s *Spec) Validate() error {
	switch s.Transform {
	case Translation, Affine:
	case Displacement:
		if s.Grid == nil {
			return fmt.Errorf("transform %q requires a grid", s.Transform)
		}
	default:
		return fmt.Errorf("unknown transform %q", s.Transform)
	}

	if s.Grid != nil {
		if err := s.Grid.Validate(); err != nil {
			return fmt.Errorf("grid: %w", err)
		}
	}

	if s.Synthetic != nil {
		if s.Synthetic.Points < 1 {
			return fmt.Errorf("synthetic points must be positive, got %d", s.Synthetic.Points)
		}
		if s.Synthetic.Radius <= 0 {
			return fmt.Errorf("synthetic radius must be positive, got %g", s.Synthetic.Radius)
		}
		if len(s.Synthetic.Offset) != 0 && len(s.Synthetic.Offset) != 2 {
			return fmt.Errorf("synthetic offset must have 2 entries, got %d", len(s.Synthetic.Offset))
		}
	} else {
		if len(s.Fixed) == 0 {
			return fmt.Errorf("no fixed points given")
		}
		if len(s.Fixed) != len(s.Moving) {
			return fmt.Errorf("fixed has %d points, moving has %d", len(s.Fixed), len(s.Moving))
		}
	}

	if s.CoarseSearch.Enabled && s.Transform == Displacement {
		return fmt.Errorf("coarse search is not available for displacement fields")
	}
	return s.Optimizer.Validate()
}

// Points returns the fixed and moving point sets.
func (s *Spec) Points() (fixed, moving []transform.Point) {
	if s.Synthetic != nil {
		fixed = Circle(s.Synthetic.Points, s.Synthetic.Radius)
		moving = make([]transform.Point, len(fixed))
		for i, p := range fixed {
			q := append(transform.Point(nil), p...)
			for d := range s.Synthetic.Offset {
				q[d] += s.Synthetic.Offset[d]
			}
			moving[i] = q
		}
		return fixed, moving
	}
	fixed = make([]transform.Point, len(s.Fixed))
	for i, p := range s.Fixed {
		fixed[i] = append(transform.Point(nil), p...)
	}
	moving = make([]transform.Point, len(s.Moving))
	for i, p := range s.Moving {
		moving[i] = append(transform.Point(nil), p...)
	}
	return fixed, moving
}

// Circle returns n points evenly spaced on a circle around the origin.
func Circle(n int, radius float64) []transform.Point {
	pts := make([]transform.Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = transform.Point{radius * math.Cos(a), radius * math.Sin(a)}
	}
	return pts
}

// Dimension is the coordinate dimension of the point sets.
func (s *Spec) Dimension() int {
	if s.Synthetic != nil {
		return 2
	}
	if len(s.Fixed) == 0 {
		return 0
	}
	return len(s.Fixed[0])
}

// NumberOfParameters is the parameter count of the transform Build
// creates.
func (s *Spec) NumberOfParameters() int {
	dim := s.Dimension()
	switch s.Transform {
	case Translation:
		return dim
	case Affine:
		return dim*dim + dim
	case Displacement:
		if s.Grid == nil {
			return 0
		}
		return s.Grid.NumberOfNodes() * s.Grid.Dimension()
	}
	return 0
}
