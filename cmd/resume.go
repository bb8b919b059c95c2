package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/descentreg/internal/config"
	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
	"github.com/cwbudde/descentreg/internal/store"
)

var (
	resumeIterations int
	resumeConfig     string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a run from its checkpoint",
	Long: `Continues a checkpointed run from its saved parameters. The saved spec
is reused unless --config names a compatible one. Scales are estimated
afresh, a learning rate estimated once is carried over, and the iteration
count and trace continue.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().IntVar(&resumeIterations, "iterations", 0, "Iterations to run (0 = as in the saved spec)")
	resumeCmd.Flags().StringVar(&resumeConfig, "config", "", "Replacement spec; must be compatible with the checkpoint")
	resumeCmd.Flags().IntVar(&progressEvery, "progress-every", 10, "Log progress every N iterations (0 = never)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]

	st, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	cp, err := st.LoadCheckpoint(id)
	if err != nil {
		return err
	}

	spec, err := resumeSpec(cp, resumeConfig, resumeIterations)
	if err != nil {
		return err
	}

	slog.Info("Resuming run", "run_id", id, "from_iteration", cp.Iteration, "value", cp.Value)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := execute(ctx, spec, st, id, cp.Iteration)
	if res != nil {
		printResult(cmd.OutOrStdout(), id, res, cp.Iteration)
	}
	return err
}

// resumeSpec returns the spec to continue cp with. A replacement spec at
// path must be compatible with the checkpoint. The coarse search is
// skipped and a once-estimated learning rate is carried over.
func resumeSpec(cp *store.Checkpoint, path string, iterations int) (registration.Spec, error) {
	spec := cp.ResumeSpec()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return registration.Spec{}, err
		}
		if err := cp.IsCompatible(loaded); err != nil {
			return registration.Spec{}, fmt.Errorf("checkpoint %s: %w", cp.RunID, err)
		}
		loaded.InitialParameters = append([]float64(nil), cp.Parameters...)
		spec = loaded
	}
	if iterations > 0 {
		spec.Optimizer.NumberOfIterations = iterations
	}
	// Re-estimating from the smaller gradient near the optimum would
	// restart with a full-size step.
	if spec.Optimizer.LearningRateEstimation == opt.LearningRateOnce && cp.LearningRate > 0 {
		spec.Optimizer.LearningRate = cp.LearningRate
		spec.Optimizer.LearningRateEstimation = opt.LearningRateManual
	}
	spec.CoarseSearch.Enabled = false
	return spec, nil
}
