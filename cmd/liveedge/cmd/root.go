// Package cmd implements the CLI commands for liveedge.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/liveedge/internal/config"
	"github.com/jmylchreest/liveedge/internal/observability"
	"github.com/jmylchreest/liveedge/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// cfg is loaded before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "liveedge",
	Short:   "Live fMP4 edge player and publisher",
	Version: version.Short(),
	Long: `liveedge plays live fragmented MP4 streams delivered over WebSocket or
QUIC into a bounded in-memory buffer, keeping the play cursor near the live
edge and trimming stale media as it goes.

It also ships a synthetic live publisher for exercising players end to end.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// initLogging references rootCmd.PersistentFlags.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		return initLogging()
	}

	// These flags are not bound to viper: they only override config and
	// environment values when explicitly set.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./liveedge.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads defaults, the config file and LIVEEDGE_* overrides.
func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = loaded
	return nil
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (LIVEEDGE_LOGGING_LEVEL, LIVEEDGE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, text)
func initLogging() error {
	flags := rootCmd.PersistentFlags()
	overrideString(flags, "log-level", &cfg.Logging.Level)
	overrideString(flags, "log-format", &cfg.Logging.Format)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	// Handle "warning" as an alias for "warn"
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}

	// Logs go to stderr so command output stays parseable.
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
	return nil
}

// The override helpers copy a flag onto a config field only when the user
// set it, so flag defaults never mask env or file values.

func overrideString(fs *pflag.FlagSet, name string, dst *string) {
	if fs.Changed(name) {
		*dst, _ = fs.GetString(name)
	}
}

func overrideBool(fs *pflag.FlagSet, name string, dst *bool) {
	if fs.Changed(name) {
		*dst, _ = fs.GetBool(name)
	}
}

func overrideInt(fs *pflag.FlagSet, name string, dst *int) {
	if fs.Changed(name) {
		*dst, _ = fs.GetInt(name)
	}
}

func overrideFloat64(fs *pflag.FlagSet, name string, dst *float64) {
	if fs.Changed(name) {
		*dst, _ = fs.GetFloat64(name)
	}
}

func overrideStrings(fs *pflag.FlagSet, name string, dst *[]string) {
	if fs.Changed(name) {
		*dst, _ = fs.GetStringSlice(name)
	}
}
