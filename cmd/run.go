package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/descentreg/internal/opt"
	"github.com/cwbudde/descentreg/internal/registration"
	"github.com/cwbudde/descentreg/internal/store"
)

var (
	runID         string
	noStore       bool
	progressEvery int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a registration",
	Long: `Runs a registration described by defaults, an optional --config file,
DESCENTREG_* environment variables and flags. The result is checkpointed
under --data-dir together with a per-iteration trace. Interrupting with
Ctrl-C stops after the current iteration and still saves the result.`,
	RunE: runRegistration,
}

func init() {
	addSpecFlags(runCmd.Flags())
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run ID (default: random UUID)")
	runCmd.Flags().BoolVar(&noStore, "no-store", false, "Do not write checkpoint or trace")
	runCmd.Flags().IntVar(&progressEvery, "progress-every", 10, "Log progress every N iterations (0 = never)")
	rootCmd.AddCommand(runCmd)
}

func runRegistration(cmd *cobra.Command, args []string) error {
	spec, err := loadSpec(cmd.Flags())
	if err != nil {
		return err
	}

	id := runID
	if id == "" {
		id = uuid.New().String()
	}

	var st *store.FSStore
	if !noStore {
		if st, err = store.NewFSStore(dataDir); err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := execute(ctx, spec, st, id, 0)
	if res != nil {
		printResult(cmd.OutOrStdout(), id, res, 0)
	}
	return err
}

// execute runs spec, recording a trace and a checkpoint in st when it is
// non-nil. previous is the iteration count already recorded for id.
func execute(ctx context.Context, spec registration.Spec, st *store.FSStore, id string, previous int) (*registration.Result, error) {
	problem, err := registration.Build(spec)
	if err != nil {
		return nil, err
	}
	o := problem.Optimizer()

	if progressEvery > 0 {
		o.AddObserver(progressLogger(id, previous, progressEvery))
	}

	if st != nil {
		tw, err := store.NewTraceWriter(st.BaseDir(), id, previous > 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace: %w", err)
		}
		defer tw.Close()
		trace := store.NewTraceObserver(tw, o.CurrentPosition)
		trace.Offset = previous
		o.AddObserver(trace)
	}

	slog.Info("Starting run", "run_id", id, "transform", spec.Transform, "parameters", spec.NumberOfParameters())

	res, runErr := problem.Run(ctx)
	if res == nil {
		return nil, runErr
	}

	if st != nil {
		cp := store.NewCheckpoint(id, spec, res, previous)
		if err := st.SaveCheckpoint(id, cp); err != nil {
			slog.Error("Failed to save checkpoint", "run_id", id, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	return res, runErr
}

// progressLogger logs every n-th iteration.
func progressLogger(id string, previous, n int) opt.Observer {
	return opt.ObserverFunc(func(e opt.Event) {
		if e.Kind != opt.EventIteration || e.Iteration%n != 0 {
			return
		}
		slog.Info("Progress",
			"run_id", id,
			"iteration", previous+e.Iteration,
			"value", e.Value,
			"convergence", e.ConvergenceValue,
			"learning_rate", e.LearningRate,
		)
	})
}

func printResult(w io.Writer, id string, res *registration.Result, previous int) {
	fmt.Fprintf(w, "Run %s: %s after %d iterations (%s)\n", id, res.State, previous+res.Iterations, res.StopDescription)
	fmt.Fprintf(w, "  value: %.6g -> %.6g\n", res.InitialValue, res.Value)
	fmt.Fprintf(w, "  learning rate: %.6g\n", res.LearningRate)
	fmt.Fprintf(w, "  parameters: %v\n", res.Parameters)
	fmt.Fprintf(w, "  elapsed: %s\n", res.Duration)
}
