package opt

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
	"github.com/pkg/errors"

	"github.com/cwbudde/descentreg/internal/metric"
)

// MayflyInitializer runs a population search around a metric's current
// parameters to find a better starting point for gradient descent.
type MayflyInitializer struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayflyInitializer creates a coarse search. Mayfly needs a population
// of at least 20.
func NewMayflyInitializer(maxIters, popSize int, seed int64) *MayflyInitializer {
	return &MayflyInitializer{
		maxIters: maxIters,
		popSize:  max(popSize, 20),
		seed:     seed,
	}
}

// Search minimizes eval over the box [lower, upper]^dim.
func (m *MayflyInitializer) Search(eval func([]float64) float64, lower, upper float64, dim int) ([]float64, float64, error) {
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower
	config.UpperBound = upper
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, errors.Wrap(err, "mayfly search")
	}
	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}

// Initialize searches offsets within radius of the current parameters and
// moves the metric to the best point found, if it improves on the start.
// Metrics with local support are rejected since their parameter count
// grows with the grid.
func (m *MayflyInitializer) Initialize(met metric.Metric, radius float64) (float64, error) {
	if met.HasLocalSupport() {
		return 0, configErrorf("coarse search does not support local-support transforms")
	}
	if radius <= 0 {
		return 0, configErrorf("coarse search radius must be positive, got %g", radius)
	}

	start := met.Parameters()
	startValue, err := met.Value()
	if err != nil {
		return 0, errors.Wrap(err, "evaluating start position")
	}

	candidate := make([]float64, len(start))
	eval := func(offset []float64) float64 {
		for i := range candidate {
			candidate[i] = start[i] + offset[i]
		}
		if err := met.SetParameters(candidate); err != nil {
			return math.MaxFloat64
		}
		v, err := met.Value()
		if err != nil {
			return math.MaxFloat64
		}
		return v
	}

	offset, cost, err := m.Search(eval, -radius, radius, len(start))
	if err != nil {
		if restoreErr := met.SetParameters(start); restoreErr != nil {
			return startValue, errors.Wrapf(err, "restoring start position failed (%v)", restoreErr)
		}
		return startValue, err
	}

	if cost >= startValue {
		slog.Info("Coarse search found no improvement", "start_value", startValue, "best", cost)
		return startValue, met.SetParameters(start)
	}
	for i := range candidate {
		candidate[i] = start[i] + offset[i]
	}
	slog.Info("Coarse search complete", "start_value", startValue, "value", cost)
	return cost, met.SetParameters(candidate)
}
