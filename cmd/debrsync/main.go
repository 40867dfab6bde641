// Package main implements the debrsync command-line tool for mirroring APT repositories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/debrsync/debrsync/internal/mirror"
)

const defaultConfigPath = "/etc/debrsync/debrsync.toml"

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "debrsync",
	Short: "Reconcile a local Debian/APT package archive mirror against upstream",
	Long: `debrsync downloads and reconciles a local mirror of one or more Debian/APT
package archives, publishing a crash-safe, atomically-updated tree.

Find more information at: https://github.com/debrsync/debrsync`,
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Synchronize every configured repository and publish the result",
	Long: `Fetches each repository's release manifest and indices, downloads every
modified archive file into a staging tree, then publishes the staging tree
onto the published mirror and garbage-collects files no longer referenced.

Usage:
  # Synchronize using the default configuration file
  debrsync mirror

  # Use a custom configuration file
  debrsync mirror --config /path/to/debrsync.toml

  # Force re-download of every index regardless of timestamps
  debrsync mirror --force

  # Suppress progress output except for errors
  debrsync mirror --quiet`,
	RunE: runMirror,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Garbage-collect the published mirror without fetching anything",
	Long: `Re-parses the already-published indices for every repository flagged
clean_enabled and removes any published file they no longer reference.`,
	RunE: runClean,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and archive list",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("debrsync %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(mirrorCmd, cleanCmd, validateCmd, versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "settings file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	mirrorCmd.Flags().Bool("force", false, "force re-download of every index regardless of timestamps")
	mirrorCmd.Flags().BoolP("quiet", "q", false, "suppress progress output except for errors")
	mirrorCmd.Flags().Bool("verbose-errors", false, "show detailed error information including stack traces")
}

// formatError returns a human-friendly error message, optionally with a
// full stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

// loadSettings decodes the TOML settings file at configPath and applies
// overrides from command-line flags.
func loadSettings(cmd *cobra.Command) (*mirror.Settings, error) {
	settings := mirror.NewSettings()
	if _, err := toml.DecodeFile(configPath, settings); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "settings file not found: %s", configPath)
		}
		return nil, errors.Wrap(err, "decoding settings file")
	}

	if logLevel != "" {
		settings.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		settings.Log.Level = "error"
	}
	if err := settings.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "applying log config")
	}

	if force, _ := cmd.Flags().GetBool("force"); force {
		settings.ForceUpdate = true
	}

	if err := settings.Check(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	return settings, nil
}

// loadRepositories reads and parses the archive list named by the
// settings' archive_list path.
func loadRepositories(settings *mirror.Settings) ([]*mirror.RepositoryConfig, error) {
	f, err := os.Open(settings.ArchiveList) // #nosec G304 - operator-supplied path from Settings
	if err != nil {
		return nil, errors.Wrap(err, "opening archive list")
	}
	defer f.Close()

	repos, err := mirror.ParseArchiveList(f, settings.DefaultArch)
	if err != nil {
		return nil, errors.Wrap(err, "parsing archive list")
	}
	return repos, nil
}

func runMirror(cmd *cobra.Command, _ []string) error {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")

	settings, err := loadSettings(cmd)
	if err != nil {
		slog.Error("failed to load settings", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if quiet {
		settings.Quiet = true
	}

	repos, err := loadRepositories(settings)
	if err != nil {
		slog.Error("failed to load archive list", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	orch := mirror.NewOrchestrator(settings, repos)
	stats, err := orch.Mirror(context.Background())
	if err != nil {
		slog.Error("mirror run failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	slog.Info("mirror run complete",
		"repositories_synced", stats.RepositoriesSynced,
		"repositories_skipped", stats.RepositoriesSkipped,
		"bytes_fetched", stats.BytesFetched,
		"bytes_reclaimed", stats.BytesReclaimed,
		"files_removed", stats.FilesRemoved,
	)
	return nil
}

func runClean(cmd *cobra.Command, _ []string) error {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	settings, err := loadSettings(cmd)
	if err != nil {
		slog.Error("failed to load settings", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	repos, err := loadRepositories(settings)
	if err != nil {
		slog.Error("failed to load archive list", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	orch := mirror.NewOrchestrator(settings, repos)
	stats, err := orch.Clean(context.Background())
	if err != nil {
		slog.Error("clean run failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	slog.Info("clean run complete",
		"repositories_cleaned", stats.RepositoriesSynced,
		"repositories_skipped", stats.RepositoriesSkipped,
		"bytes_reclaimed", stats.BytesReclaimed,
		"files_removed", stats.FilesRemoved,
	)
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	repos, err := loadRepositories(settings)
	if err != nil {
		slog.Error("failed to load archive list", "error", err)
		os.Exit(1)
	}

	slog.Info("settings and archive list are valid", "repositories", len(repos))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
