package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/memory-hub/internal/catalog"
	"github.com/untoldecay/memory-hub/internal/config"
)

var healthProject string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report catalog freshness and coverage for a project",
	Long: `Health prints the catalog health report as JSON: freshness (fresh,
stale or unknown), catalog version, file coverage, pending job count,
drift score and the memory/catalog consistency status.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthProject, "project", "", "project identifier (required)")
	_ = healthCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	service := catalog.NewService(newStore(), config.CacheSize(), config.CacheTTL())
	health, err := service.HealthCheck(context.Background(), healthProject)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(health)
}
