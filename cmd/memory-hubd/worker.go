package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/config"
	"github.com/untoldecay/memory-hub/internal/types"
	"github.com/untoldecay/memory-hub/internal/watcher"
)

var (
	workerProject  string
	workerLimit    int
	workerParallel int
	workerWatch    bool
	workerInterval time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process pending catalog jobs for a project",
	Long: `Worker claims and runs pending catalog jobs (full rebuilds, incremental
refreshes, stale-pull refreshes) for one project.

Without --watch it drains up to --limit jobs and exits. With --watch it
keeps running: workspace file changes enqueue refresh jobs, and a
periodic loop drains the queue until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerProject, "project", "", "project identifier (required)")
	workerCmd.Flags().IntVar(&workerLimit, "limit", 0, "max jobs per batch (default from config)")
	workerCmd.Flags().IntVar(&workerParallel, "parallel", 1, "concurrent batches in one-shot mode")
	workerCmd.Flags().BoolVar(&workerWatch, "watch", false, "watch the workspace and keep processing")
	workerCmd.Flags().DurationVar(&workerInterval, "interval", 5*time.Second, "queue poll interval in watch mode")
	_ = workerCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limit := workerLimit
	if limit <= 0 {
		limit = config.WorkerBatch()
	}

	store := newStore()
	service := catalog.NewService(store, config.CacheSize(), config.CacheTTL())

	if !workerWatch {
		stats, err := runBatches(ctx, service, limit)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(stats)
	}

	logger := newLogger()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		w := watcher.New(store, workerProject, config.WatchDebounce(), logger)
		return w.Run(ctx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(workerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				stats, err := service.ProcessJobs(ctx, workerProject, limit)
				if err != nil {
					logger.Printf("job batch failed: %v", err)
					continue
				}
				if stats.Processed > 0 {
					logger.Printf("processed %d job(s): %d ok, %d failed, %d lock retries",
						stats.Processed, stats.Succeeded, stats.Failed, stats.LockFailures)
				}
			}
		}
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}

// runBatches drains up to limit jobs per worker, optionally in parallel.
// Leases guarantee each job is claimed by exactly one worker.
func runBatches(ctx context.Context, service *catalog.Service, limit int) (types.BatchStats, error) {
	workers := workerParallel
	if workers <= 1 {
		return service.ProcessJobs(ctx, workerProject, limit)
	}

	var mu sync.Mutex
	var total types.BatchStats
	group, ctx := errgroup.WithContext(ctx)
	for range workers {
		group.Go(func() error {
			stats, err := service.ProcessJobs(ctx, workerProject, limit)
			if err != nil {
				return err
			}
			mu.Lock()
			total.Processed += stats.Processed
			total.Succeeded += stats.Succeeded
			total.Failed += stats.Failed
			total.LockFailures += stats.LockFailures
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return total, err
	}
	return total, nil
}
