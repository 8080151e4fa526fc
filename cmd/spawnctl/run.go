package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"pkgspawn/history"
	"pkgspawn/log"
	"pkgspawn/spawn"
)

var watchFlag bool

var runCmd = &cobra.Command{
	Use:   "run -- <argv...>",
	Short: "launch a dispatcher and stream its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&watchFlag, "watch", false, "open a full-screen event monitor instead of printing to stdout")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := log.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("opening logger: %w", err)
	}
	defer logger.Close()

	store, err := history.OpenStore(filepath.Join(cfg.LogsPath, "spawn-history.db"))
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	recorder := history.NewRecorder(store, logger)
	waiter := newExitWaiter()

	var monitor *watchMonitor
	sinks := multiSink{recorder, waiter}
	if watchFlag {
		monitor = newWatchMonitor(args, nil)
		sinks = append(sinks, monitor)
	} else {
		sinks = append(sinks, stdoutSink{})
	}

	s := spawn.New(cfg.BackendSpawnNiceValue, cfg.PollInterval, cfg.KillDelay, sinks, logger)
	defer s.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.Kill()
	}()

	if _, err := recorder.Start(args); err != nil {
		logger.Error("failed to record run start: %v", err)
	}

	if err := s.Launch(args, os.Environ()); err != nil {
		return fmt.Errorf("launch failed: %w", err)
	}

	if monitor != nil {
		monitor.onQuit = func() { s.Kill() }
		go func() {
			kind := <-waiter.done
			monitor.OnExit(kind)
			monitor.quit()
		}()
		return monitor.Run()
	}

	kind := <-waiter.done
	if kind != spawn.ExitSuccess {
		return fmt.Errorf("dispatcher exited: %s", kind)
	}
	return nil
}
