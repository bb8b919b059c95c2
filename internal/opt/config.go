package opt

import (
	"fmt"
	"runtime"
)

// LearningRateEstimation selects when a scales estimator recomputes the
// learning rate.
type LearningRateEstimation string

const (
	// LearningRateManual always uses Config.LearningRate.
	LearningRateManual LearningRateEstimation = "manual"
	// LearningRateOnce estimates during the first iteration only.
	LearningRateOnce LearningRateEstimation = "once"
	// LearningRateEveryIteration estimates at every iteration.
	LearningRateEveryIteration LearningRateEstimation = "every-iteration"
)

// Config holds the tunables of GradientDescent.
type Config struct {
	// LearningRate is the manual learning rate. It is overridden by
	// estimation when a scales estimator is assigned.
	LearningRate float64 `json:"learningRate" yaml:"learningRate" mapstructure:"learningRate"`

	// MaximumStepSizeInPhysicalUnits bounds the physical displacement of
	// one estimated step. Zero asks the scales estimator for a default.
	MaximumStepSizeInPhysicalUnits float64 `json:"maximumStepSize" yaml:"maximumStepSize" mapstructure:"maximumStepSize"`

	NumberOfIterations int `json:"iterations" yaml:"iterations" mapstructure:"iterations"`

	// MinimumConvergenceValue and ConvergenceWindowSize configure the
	// window convergence check. A run converges once the window is full
	// and its convergence value is at or below the minimum.
	MinimumConvergenceValue float64 `json:"minimumConvergenceValue" yaml:"minimumConvergenceValue" mapstructure:"minimumConvergenceValue"`
	ConvergenceWindowSize   int     `json:"convergenceWindowSize" yaml:"convergenceWindowSize" mapstructure:"convergenceWindowSize"`

	// ReturnBestParametersAndValue keeps a copy of the best parameters seen
	// and restores them when the run ends.
	ReturnBestParametersAndValue bool `json:"returnBest" yaml:"returnBest" mapstructure:"returnBest"`

	// DoEstimateScales lets an assigned estimator replace manual scales.
	DoEstimateScales bool `json:"estimateScales" yaml:"estimateScales" mapstructure:"estimateScales"`

	LearningRateEstimation LearningRateEstimation `json:"learningRateEstimation" yaml:"learningRateEstimation" mapstructure:"learningRateEstimation"`

	// NumberOfWorkers and MinChunkSize control the elementwise worker pool.
	NumberOfWorkers int `json:"workers" yaml:"workers" mapstructure:"workers"`
	MinChunkSize    int `json:"minChunkSize" yaml:"minChunkSize" mapstructure:"minChunkSize"`

	// MaxNumericalFailures makes the run fail once more numerical errors
	// than this have occurred. Zero tolerates any number.
	MaxNumericalFailures int `json:"maxNumericalFailures" yaml:"maxNumericalFailures" mapstructure:"maxNumericalFailures"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		LearningRate:            1.0,
		NumberOfIterations:      100,
		MinimumConvergenceValue: 1e-8,
		ConvergenceWindowSize:   50,
		DoEstimateScales:        true,
		LearningRateEstimation:  LearningRateOnce,
		NumberOfWorkers:         runtime.NumCPU(),
		MinChunkSize:            256,
	}
}

// Validate reports settings that can never run.
func (c Config) Validate() error {
	if c.NumberOfIterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.NumberOfIterations)
	}
	if c.ConvergenceWindowSize < 2 {
		return fmt.Errorf("convergence window size must be at least 2, got %d", c.ConvergenceWindowSize)
	}
	if c.MaximumStepSizeInPhysicalUnits < 0 {
		return fmt.Errorf("maximum step size must not be negative, got %g", c.MaximumStepSizeInPhysicalUnits)
	}
	switch c.LearningRateEstimation {
	case LearningRateManual, LearningRateOnce, LearningRateEveryIteration:
	default:
		return fmt.Errorf("unknown learning rate estimation %q", c.LearningRateEstimation)
	}
	return nil
}
