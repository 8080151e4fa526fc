package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkgspawn/history"
)

var historyLimitFlag int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list recent dispatcher runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 20, "maximum number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := history.OpenStore(filepath.Join(cfg.LogsPath, "spawn-history.db"))
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	runs, err := store.Recent(historyLimitFlag)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	for _, run := range runs {
		status := run.ExitKind
		if status == "" {
			status = "running"
		}
		fmt.Printf("%s  %-18s  %s\n",
			run.StartedAt.Format("2006-01-02 15:04:05"),
			status,
			strings.Join(run.Argv, " "),
		)
	}
	return nil
}
