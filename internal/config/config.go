// Package config wraps viper for daemon settings. Precedence: environment
// (MEMHUB_ prefix) over config file over defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/untoldecay/memory-hub/internal/storage"
)

var v *viper.Viper

// Initialize sets up the viper singleton. Call once at startup before any
// getter.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Config file precedence: project .memory-hub/config.yaml (walking up
	// from the working directory), then the user config dir, then home.
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".memory-hub", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "memory-hub", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".memory-hub", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("MEMHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("root-dir", storage.DefaultRoot())
	v.SetDefault("workspace-root", "")
	v.SetDefault("lease-seconds", storage.DefaultLeaseSeconds)
	v.SetDefault("worker-batch", 20)
	v.SetDefault("cache-size", 256)
	v.SetDefault("cache-ttl", "30m")
	v.SetDefault("handoff-ttl-hours", storage.DefaultHandoffTTLHours)
	v.SetDefault("watch-debounce", "2s")
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 10)
	v.SetDefault("log-max-backups", 3)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	return nil
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// RootDir is the storage root holding per-project databases.
func RootDir() string { return ensure().GetString("root-dir") }

// WorkspaceRoot overrides the workspace used for catalog indexing; empty
// means the process working directory.
func WorkspaceRoot() string { return ensure().GetString("workspace-root") }

// LeaseSeconds is the catalog job lease window.
func LeaseSeconds() int { return ensure().GetInt("lease-seconds") }

// WorkerBatch is the per-batch job limit for the worker.
func WorkerBatch() int { return ensure().GetInt("worker-batch") }

// CacheSize is the brief cache capacity.
func CacheSize() int { return ensure().GetInt("cache-size") }

// CacheTTL is the brief cache entry lifetime.
func CacheTTL() time.Duration { return ensure().GetDuration("cache-ttl") }

// HandoffTTLHours is the handoff packet lifetime.
func HandoffTTLHours() int { return ensure().GetInt("handoff-ttl-hours") }

// WatchDebounce is how long the watcher coalesces change bursts before
// enqueueing a refresh.
func WatchDebounce() time.Duration { return ensure().GetDuration("watch-debounce") }

// LogFile is the rotating log destination; empty logs to stderr.
func LogFile() string { return ensure().GetString("log-file") }

// LogMaxSizeMB is the rotation threshold for the log file.
func LogMaxSizeMB() int { return ensure().GetInt("log-max-size-mb") }

// LogMaxBackups is how many rotated log files are kept.
func LogMaxBackups() int { return ensure().GetInt("log-max-backups") }

// Set overrides a key, primarily for tests and CLI flag binding.
func Set(key string, value any) { ensure().Set(key, value) }
