package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/liveedge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing liveedge configuration.`,
}

var configDumpDefaults bool

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults, overlaid with
the config file and LIVEEDGE_* environment variables.

Redirect the output to a file to create a configuration template:

  liveedge config dump --defaults > liveedge.yaml

Environment variables use the LIVEEDGE_ prefix and underscores for nesting.
Example: player.window.trim_to -> LIVEEDGE_PLAYER_WINDOW_TRIM_TO`,
	RunE: runConfigDump,
}

func init() {
	configDumpCmd.Flags().BoolVar(&configDumpDefaults, "defaults", false, "ignore the config file and environment")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	out := cfg
	if configDumpDefaults {
		v := viper.New()
		config.SetDefaults(v)
		defaults, err := config.Decode(v)
		if err != nil {
			return fmt.Errorf("decoding defaults: %w", err)
		}
		out = defaults
	}
	return writeConfig(cmd.OutOrStdout(), out)
}

// writeConfig prints cfg as commented YAML. Durations and byte sizes are
// written in their human-readable forms.
func writeConfig(w io.Writer, c *config.Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := `# liveedge configuration
#
# Duration format: 250ms, 10s, 168h
# Size format: 64MB (SI), 64MiB (binary)
#
# Environment variable overrides use the LIVEEDGE_ prefix:
#   LIVEEDGE_PLAYER_URL, LIVEEDGE_PLAYER_WINDOW_TRIM_TO
#   LIVEEDGE_SINK_MAX_BUFFERED_BYTES, LIVEEDGE_API_ENABLED
#   LIVEEDGE_PUBLISH_STREAMS (comma separated)

`
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
