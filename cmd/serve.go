package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/descentreg/internal/server"
	"github.com/cwbudde/descentreg/internal/store"
)

var (
	serveAddr    string
	serveNoStore bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Starts an HTTP server that runs registrations as jobs. Progress is
streamed as server-sent events, Prometheus metrics are served at /metrics
and finished jobs are checkpointed under --data-dir.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "Do not checkpoint finished jobs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var st store.Store
	if !serveNoStore {
		fs, err := store.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		st = fs
	}

	srv := server.NewServer(serveAddr, st)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		return err
	}
	return nil
}
