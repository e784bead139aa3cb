package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/memory-hub/internal/acceptance"
)

var (
	acceptMinProjects int
	acceptMinSamples  int
	acceptOverallRate float64
	acceptProjectRate float64
)

var acceptanceCmd = &cobra.Command{
	Use:   "acceptance <samples.jsonl>",
	Short: "Evaluate handoff hit-rate samples against the acceptance bar",
	Long: `Acceptance reads graded handoff samples (one JSON object per line) and
reports hit rates overall, per category and per project. The command
exits non-zero when the sample set misses any threshold.`,
	Args: cobra.ExactArgs(1),
	RunE: runAcceptance,
}

func init() {
	defaults := acceptance.DefaultThresholds()
	acceptanceCmd.Flags().IntVar(&acceptMinProjects, "min-projects", defaults.MinProjects,
		"minimum distinct projects in the sample set")
	acceptanceCmd.Flags().IntVar(&acceptMinSamples, "min-samples", defaults.MinSamplesPerProject,
		"minimum samples per project")
	acceptanceCmd.Flags().Float64Var(&acceptOverallRate, "overall-rate", defaults.OverallRate,
		"required overall hit rate")
	acceptanceCmd.Flags().Float64Var(&acceptProjectRate, "project-rate", defaults.ProjectRate,
		"required per-project hit rate")
	rootCmd.AddCommand(acceptanceCmd)
}

func runAcceptance(cmd *cobra.Command, args []string) error {
	samples, err := acceptance.LoadSamplesFile(args[0])
	if err != nil {
		return err
	}

	report := acceptance.SummarizeHitRate(samples, acceptance.Thresholds{
		MinProjects:          acceptMinProjects,
		MinSamplesPerProject: acceptMinSamples,
		OverallRate:          acceptOverallRate,
		ProjectRate:          acceptProjectRate,
	})

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return err
	}
	if !report.Pass {
		return fmt.Errorf("acceptance failed with %d violation(s)", len(report.Violations))
	}
	return nil
}
