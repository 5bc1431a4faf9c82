package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mendhq/mend/internal/config"
	"github.com/mendhq/mend/internal/logging"
)

var (
	verbose    bool
	configPath string
	appConfig  *config.Config

	rootCmd = &cobra.Command{
		Use:     "mend",
		Short:   "Automated incident remediation for deployed applications",
		Version: config.Version,
		Long: `Mend watches deployed applications for runtime errors and turns them into
fix pull requests. Apps report errors to the mend daemon over a webhook;
mend deduplicates them into incidents, traces each one back through recent
commits with an LLM, and opens a PR with the proposed fix.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.config/mend/mend.jsonc)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			defaults := config.DefaultConfig()
			cfg = &defaults
		}
		appConfig = cfg
		logging.Setup(appConfig.Logging.Level, appConfig.Logging.Format, verbose)
		if err != nil {
			slog.Warn("failed to load config, using defaults", "error", err)
		}
		if configPath != "" {
			// A forked daemon child re-reads the same file.
			os.Setenv("MEND_CONFIG", configPath)
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(incidentsCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
