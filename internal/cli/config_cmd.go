package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/mendhq/mend/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage mend configuration",
	Long:  `Show and modify mend configuration values.`,
}

var configJSONFlag bool

func init() {
	configShowCmd.Flags().BoolVar(&configJSONFlag, "json", false, "Output raw JSON without formatting")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		if cfg == nil {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
		}

		// Redact secrets before display.
		redacted := redactConfig(cfg)

		var data []byte
		var err error
		if configJSONFlag {
			data, err = json.Marshal(redacted)
		} else {
			data, err = json.MarshalIndent(redacted, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// redactConfig returns a copy of the config with secret fields masked.
func redactConfig(cfg *config.Config) *config.Config {
	copy := *cfg
	if copy.GitHub.Token != "" {
		copy.GitHub.Token = "***"
	}
	// Webhook URLs often embed tokens.
	if copy.Notify.URL != "" {
		copy.Notify.URL = "***"
	}
	return &copy
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long: `Set a configuration value using a dotted key path.

The value is written to the user config file (~/.config/mend/mend.jsonc,
or the path given with --config). The file is created if it does not
exist.

Note: JSONC comments are not preserved on write.

Examples:
  mend config set llm.model "gpt-4o"
  mend config set server.port 4170
  mend config set pipeline.commit_window 10`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		rawValue := args[1]

		// Determine value type: try bool, then number, then string.
		var value any
		if b, err := strconv.ParseBool(rawValue); err == nil {
			value = b
		} else if i, err := strconv.ParseInt(rawValue, 10, 64); err == nil {
			value = i
		} else if f, err := strconv.ParseFloat(rawValue, 64); err == nil {
			value = f
		} else {
			value = rawValue
		}

		path := configPath
		if path == "" {
			path = os.Getenv("MEND_CONFIG")
		}
		if path == "" {
			path = config.DefaultPath()
		}
		if path == "" {
			return fmt.Errorf("cannot determine config path, pass --config")
		}

		// Read the existing file or start with an empty JSON object.
		// Comments are stripped: sjson requires plain JSON.
		var existing []byte
		if data, err := os.ReadFile(path); err == nil {
			existing = jsonc.ToJSON(data)
		} else {
			existing = []byte("{}")
		}

		updated, err := sjson.SetBytes(existing, key, value)
		if err != nil {
			return fmt.Errorf("setting key %q: %w", key, err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, updated, 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
		return nil
	},
}
