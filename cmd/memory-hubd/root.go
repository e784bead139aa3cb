package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/memory-hub/internal/config"
	"github.com/untoldecay/memory-hub/internal/storage"
)

var (
	flagRootDir   string
	flagWorkspace string
)

var rootCmd = &cobra.Command{
	Use:   "memory-hubd",
	Short: "Versioned role memory and catalog daemon for coding agents",
	Long: `memory-hubd keeps per-project session memory (role state, open loops,
handoff packets) and a workspace catalog in SQLite databases under a
storage root, and serves them to agent clients over JSON-RPC on stdio.

Examples:
  memory-hubd serve                     # JSON-RPC server on stdin/stdout
  memory-hubd worker --project myapp    # drain pending catalog jobs once
  memory-hubd worker --project myapp --watch
  memory-hubd health --project myapp
  memory-hubd acceptance samples.jsonl`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		// Flags win over environment and config file.
		if cmd.Flags().Changed("root-dir") {
			config.Set("root-dir", flagRootDir)
		}
		if cmd.Flags().Changed("workspace") {
			config.Set("workspace-root", flagWorkspace)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRootDir, "root-dir", "",
		"storage root holding per-project databases (default ~/.memory-hub)")
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "",
		"workspace root for catalog indexing (default: working directory)")
}

func newStore() *storage.Store {
	return storage.New(config.RootDir(), config.WorkspaceRoot())
}

// newLogger routes logs to the configured rotating file, or to stderr when no
// log file is set. Serving on stdio means stdout is reserved for responses.
func newLogger() *log.Logger {
	var out io.Writer = os.Stderr
	if path := config.LogFile(); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.LogMaxSizeMB(),
			MaxBackups: config.LogMaxBackups(),
		}
	}
	return log.New(out, "", log.LstdFlags|log.LUTC)
}
