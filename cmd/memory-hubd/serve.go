package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/config"
	"github.com/untoldecay/memory-hub/internal/rpc"
	"github.com/untoldecay/memory-hub/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool surface over JSON-RPC on stdin/stdout",
	Long: `Serve reads line-delimited JSON-RPC 2.0 requests from stdin and writes
responses to stdout. All diagnostics go to stderr or the configured log
file, never stdout.

Only one server may run per storage root; a file lock under the root
enforces this.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootDir := config.RootDir()
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	lockPath := filepath.Join(rootDir, "memory-hubd.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire server lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another memory-hubd is already serving %s", rootDir)
	}
	defer lock.Unlock()

	logger := newLogger()
	store := newStore()
	catalogService := catalog.NewService(store, config.CacheSize(), config.CacheTTL())
	engine := session.NewEngine(store, catalogService)

	logger.Printf("memory-hubd %s serving root %s", rpc.ServerVersion, rootDir)
	server := rpc.NewServer(engine, catalogService, os.Stdin, os.Stdout, logger)
	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
