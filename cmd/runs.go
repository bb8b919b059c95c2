package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/descentreg/internal/store"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage saved runs",
	Long:  `List, inspect and clean the checkpoints and traces of saved runs.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs",
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's checkpoint and trace summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old runs",
	Long: `Delete runs by retention policy: keep only the newest N runs, delete
runs older than N days, or both.`,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(listRunsCmd, showRunCmd, cleanRunsCmd)

	cleanRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N runs (0 = keep all)")
	cleanRunsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanRunsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tTIMESTAMP\tTRANSFORM\tSTATE\tITERATION\tVALUE\tSIZE")
	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(st.RunDir(info.RunID)); err == nil {
			sizeStr = formatBytes(size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.6g\t%s\n",
			shortID(info.RunID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Transform,
			info.State,
			info.Iteration,
			info.Value,
			sizeStr,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	cp, err := st.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run: %s\n", cp.RunID)
	fmt.Fprintf(out, "Saved: %s\n", cp.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "Transform: %s (%d parameters)\n", cp.Spec.Transform, len(cp.Parameters))
	fmt.Fprintf(out, "State: %s after %d iterations\n", cp.State, cp.Iteration)
	fmt.Fprintf(out, "Value: %.6g -> %.6g\n", cp.InitialValue, cp.Value)
	fmt.Fprintf(out, "Learning rate: %.6g\n", cp.LearningRate)
	fmt.Fprintf(out, "Parameters: %v\n", cp.Parameters)

	tr, err := store.NewTraceReader(st.BaseDir(), cp.RunID)
	if err != nil {
		fmt.Fprintln(out, "Trace: none")
		return nil
	}
	defer tr.Close()
	entries, err := tr.ReadAll()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		first, last := entries[0], entries[len(entries)-1]
		fmt.Fprintf(out, "Trace: %d entries, iterations %d..%d, value %.6g -> %.6g\n",
			len(entries), first.Iteration, last.Iteration, first.Value, last.Value)
	}
	return nil
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Println("No runs match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (iteration %d, %s)\n",
			shortID(info.RunID), info.Iteration, info.Timestamp.Format("2006-01-02 15:04:05"))
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := st.DeleteCheckpoint(info.RunID); err != nil {
			slog.Error("Failed to delete run", "run_id", info.RunID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted run", "run_id", info.RunID)
		deleted++
	}

	fmt.Printf("\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion returns runs older than olderThanDays plus all but
// the newest keepLast runs. Zero disables either rule.
func selectRunsForDeletion(infos []store.CheckpointInfo, keepLast, olderThanDays int, now time.Time) []store.CheckpointInfo {
	selected := make(map[string]bool)
	var toDelete []store.CheckpointInfo
	add := func(info store.CheckpointInfo) {
		if !selected[info.RunID] {
			selected[info.RunID] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				add(info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := append([]store.CheckpointInfo(nil), infos...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		})
		for _, info := range sorted[keepLast:] {
			add(info)
		}
	}
	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
