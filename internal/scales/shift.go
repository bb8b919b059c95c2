package scales

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/descentreg/internal/transform"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultSmallParameterVariation is the parameter perturbation used to
// probe the sensitivity of each parameter.
const DefaultSmallParameterVariation = 0.01

// JacobianShift estimates scales from the physical shift of the virtual
// sample points. The shift of a point x under a parameter change dp is
// |J(x) dp|, where J is the transform Jacobian with respect to the
// parameters. This is exact for transforms that are linear in their
// parameters and a first-order estimate otherwise.
type JacobianShift struct {
	source Source

	// SmallParameterVariation is the probe size for EstimateScales.
	SmallParameterVariation float64
}

// NewJacobianShift returns an estimator that reads from source.
func NewJacobianShift(source Source) *JacobianShift {
	return &JacobianShift{
		source:                  source,
		SmallParameterVariation: DefaultSmallParameterVariation,
	}
}

func (e *JacobianShift) samples() ([]transform.Point, error) {
	if e.source == nil || e.source.MovingTransform() == nil {
		return nil, fmt.Errorf("scales estimator: no metric or transform assigned")
	}
	pts := e.source.VirtualSamplePoints()
	if len(pts) == 0 {
		return nil, fmt.Errorf("scales estimator: no virtual sample points")
	}
	return pts, nil
}

// EstimateScales probes each local parameter with SmallParameterVariation
// and returns (maxShift / variation)^2. Parameters that move no sample point
// get the smallest non-zero shift of the others so that no scale is zero.
func (e *JacobianShift) EstimateScales() ([]float64, error) {
	pts, err := e.samples()
	if err != nil {
		return nil, err
	}
	n := e.source.NumberOfLocalParameters()
	delta := e.SmallParameterVariation
	if delta <= 0 {
		delta = DefaultSmallParameterVariation
	}

	shifts := make([]float64, n)
	probe := make([]float64, n)
	for i := 0; i < n; i++ {
		for k := range probe {
			probe[k] = 0
		}
		probe[i] = delta
		shifts[i] = e.maximumShiftOfLocalStep(pts, probe)
	}

	minNonZero := math.Inf(1)
	for _, s := range shifts {
		if s > 0 && s < minNonZero {
			minNonZero = s
		}
	}
	if math.IsInf(minNonZero, 1) {
		return nil, fmt.Errorf("scales estimator: no parameter moves any sample point")
	}

	out := make([]float64, n)
	for i, s := range shifts {
		if s == 0 {
			s = minNonZero
		}
		out[i] = (s * s) / (delta * delta)
	}
	slog.Debug("Estimated parameter scales", "scales", out)
	return out, nil
}

// EstimateStepScale returns the largest shift of any sample point under
// step. For local-support transforms each sample point only sees the
// parameter block of its virtual domain node.
func (e *JacobianShift) EstimateStepScale(step []float64) (float64, error) {
	pts, err := e.samples()
	if err != nil {
		return 0, err
	}
	if len(step) != e.source.NumberOfParameters() {
		return 0, &transform.SizeError{What: "step", Expected: e.source.NumberOfParameters(), Actual: len(step)}
	}
	if !e.source.HasLocalSupport() {
		return e.maximumShiftOfLocalStep(pts, step), nil
	}

	grid := e.source.VirtualGrid()
	if grid == nil {
		return 0, fmt.Errorf("scales estimator: local-support transform without virtual domain")
	}
	t := e.source.MovingTransform()
	n := e.source.NumberOfLocalParameters()
	var shift mat.VecDense
	maxShift := 0.0
	for _, p := range pts {
		index, inside := grid.Index(p)
		if !inside {
			continue
		}
		off := e.source.ComputeParameterOffsetFromVirtualIndex(index, n)
		shift.MulVec(t.JacobianWithRespectToParameters(p), mat.NewVecDense(n, step[off:off+n]))
		maxShift = math.Max(maxShift, floats.Norm(shift.RawVector().Data, 2))
	}
	return maxShift, nil
}

// EstimateMaximumStepSize returns the finest spacing of the virtual domain,
// or 1 when the domain is unbounded.
func (e *JacobianShift) EstimateMaximumStepSize() (float64, error) {
	if e.source == nil {
		return 0, fmt.Errorf("scales estimator: no metric assigned")
	}
	if g := e.source.VirtualGrid(); g != nil {
		return g.MinimumSpacing(), nil
	}
	return 1, nil
}

// maximumShiftOfLocalStep applies the same local step at every sample point.
func (e *JacobianShift) maximumShiftOfLocalStep(pts []transform.Point, step []float64) float64 {
	t := e.source.MovingTransform()
	dp := mat.NewVecDense(len(step), step)
	var shift mat.VecDense
	maxShift := 0.0
	for _, p := range pts {
		shift.MulVec(t.JacobianWithRespectToParameters(p), dp)
		maxShift = math.Max(maxShift, floats.Norm(shift.RawVector().Data, 2))
	}
	return maxShift
}
