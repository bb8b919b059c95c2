package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/cwbudde/descentreg/internal/config"
	"github.com/cwbudde/descentreg/internal/registration"
)

// specFlags maps command-line flags onto configuration keys.
var specFlags = []struct {
	name, key string
}{
	{"transform", "transform"},
	{"iterations", "optimizer.iterations"},
	{"learning-rate", "optimizer.learningRate"},
	{"max-step", "optimizer.maximumStepSize"},
	{"window", "optimizer.convergenceWindowSize"},
	{"min-convergence", "optimizer.minimumConvergenceValue"},
	{"estimation", "optimizer.learningRateEstimation"},
	{"return-best", "optimizer.returnBest"},
	{"workers", "optimizer.workers"},
	{"coarse", "coarseSearch.enabled"},
}

// addSpecFlags registers the spec override flags on fs. Defaults only
// document the built-in values; unset flags never override a file.
func addSpecFlags(fs *pflag.FlagSet) {
	def := registration.DefaultSpec()
	fs.String("config", "", "YAML or JSON registration spec")
	fs.String("transform", string(def.Transform), "Transform: translation, affine, displacement")
	fs.Int("iterations", def.Optimizer.NumberOfIterations, "Maximum number of iterations")
	fs.Float64("learning-rate", def.Optimizer.LearningRate, "Learning rate when estimation is manual")
	fs.Float64("max-step", def.Optimizer.MaximumStepSizeInPhysicalUnits, "Maximum step in physical units (0 = estimate)")
	fs.Int("window", def.Optimizer.ConvergenceWindowSize, "Convergence window size")
	fs.Float64("min-convergence", def.Optimizer.MinimumConvergenceValue, "Minimum convergence value")
	fs.String("estimation", string(def.Optimizer.LearningRateEstimation), "Learning rate estimation: manual, once, every-iteration")
	fs.Bool("return-best", def.Optimizer.ReturnBestParametersAndValue, "Return the best parameters seen instead of the last")
	fs.Int("workers", def.Optimizer.NumberOfWorkers, "Workers for parallel gradient updates")
	fs.Bool("coarse", def.CoarseSearch.Enabled, "Run a mayfly coarse search before descent")
}

// loadSpec merges defaults, the --config file, the environment and the
// flags set on fs.
func loadSpec(fs *pflag.FlagSet) (registration.Spec, error) {
	v, err := config.New()
	if err != nil {
		return registration.Spec{}, err
	}
	for _, f := range specFlags {
		flag := fs.Lookup(f.name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(f.key, flag); err != nil {
			return registration.Spec{}, fmt.Errorf("bind flag %s: %w", f.name, err)
		}
	}
	path, err := fs.GetString("config")
	if err != nil {
		return registration.Spec{}, err
	}
	return config.Load(v, path)
}
