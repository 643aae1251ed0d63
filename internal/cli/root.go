// Package cli implements the accessguard command line.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"accessguard/config"
	"accessguard/internal/logger"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "accessguard",
	Short:         "Network access reconciliation and incident-driven enforcement",
	Long:          "Keeps firewall access sets consistent with the authoritative device records,\nturns sensor notices into incidents and blocks attacking devices.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := config.FindConfigFile(configPath)
		loaded, err := config.LoadConfig(path)
		if err != nil {
			if !os.IsNotExist(err) || configPath != "" {
				return fmt.Errorf("failed to load config: %w", err)
			}
			loaded = &config.Config{}
		}
		config.ApplyDefaults(loaded)
		cfg = loaded

		lc := cfg.AccessGuard.Logging
		if err := logger.Init(logger.Options{Enabled: lc.Enabled, Level: lc.Level, File: lc.File, Console: lc.Console}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debugf("Config loaded from: %s", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to accessguard.yml")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
