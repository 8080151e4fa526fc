package main

import (
	"github.com/spf13/cobra"

	"pkgspawn/config"
)

var (
	configDirFlag string
	logsPathFlag  string
	niceFlag      int
	debugFlag     bool
)

var rootCmd = &cobra.Command{
	Use:   "spawnctl",
	Short: "drive a persistent dispatcher helper process",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config-dir", "", "directory containing spawn.ini (defaults to /etc/pkgspawn)")
	rootCmd.PersistentFlags().StringVar(&logsPathFlag, "logs-path", "", "override the configured logs directory")
	rootCmd.PersistentFlags().IntVar(&niceFlag, "nice", 0, "override BackendSpawnNiceValue")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable verbose dispatcher tracing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
}

func loadConfigFromFlags(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configDirFlag)
	if err != nil {
		return nil, err
	}
	if logsPathFlag != "" {
		cfg.LogsPath = logsPathFlag
	}
	if cmd.Flags().Changed("nice") {
		cfg.BackendSpawnNiceValue = niceFlag
	}
	if debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.SetConfig(cfg)
	return cfg, nil
}
