// Command verigo is a checksum-verified incremental backup tool. It mirrors
// configured input paths into a backup directory, keeps a coreutils-style
// checksum manifest alongside the data, and can re-verify the backup against
// that manifest at any time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/verigo/verigo/pkg/buildinfo"
	"github.com/verigo/verigo/pkg/config"
	"github.com/verigo/verigo/pkg/engine"
	"github.com/verigo/verigo/pkg/plog"
)

// Exit codes: 0 success, 1 error, 2 cancelled.
const (
	exitOK        = 0
	exitError     = 1
	exitCancelled = 2
)

var (
	configPath   string
	logLevel     string
	quiet        bool
	recalculate  bool
	progressTick = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "verigo",
		Short:         buildinfo.Name + " is a checksum-verified incremental backup tool",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default \""+config.ConfigFileName+"\")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level: 'debug', 'info', 'notice', 'warn', 'error'")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Run an incremental backup of the configured input paths",
		RunE:  runBackup,
	}
	backupCmd.Flags().BoolVar(&recalculate, "recalculate", false, "distrust the manifest and rehash the backup contents first")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Verify the backup contents against the checksum manifest",
		RunE:  runValidate,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a default config file to edit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Generate(config.NewDefault(), configPath)
		},
	}

	root.AddCommand(backupCmd, validateCmd, initCmd)

	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrCancelled):
		plog.Notice(buildinfo.Name + " run cancelled")
		return exitCancelled
	default:
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		return exitError
	}
}

// loadRunConfig loads and validates the config, applying CLI overrides.
func loadRunConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if recalculate {
		cfg.RecalculateChecksum = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	plog.SetQuiet(quiet)
	plog.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// newRunEngine builds the engine and wires the interrupt signal to a
// cooperative cancel. A second interrupt exits immediately.
func newRunEngine(ctx context.Context, cfg config.Config) (*engine.Engine, func()) {
	eng := engine.New(ctx, cfg)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Notice("Interrupt received, stopping after the current operation (press again to force quit)")
		eng.Cancel()
		<-sigChan
		plog.Error("Forced exit")
		os.Exit(exitCancelled)
	}()

	watchSignals(eng, sigChan)

	stopProgress := startProgressLog(eng)
	cleanup := func() {
		stopProgress()
		signal.Stop(sigChan)
	}
	return eng, cleanup
}

// startProgressLog periodically logs a progress snapshot for long runs.
func startProgressLog(eng *engine.Engine) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressTick)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				snap := eng.Snapshot()
				plog.Info("Progress",
					"stage", snap.Stage.String(),
					"paused", snap.Paused,
					"checksums_ok", snap.ChecksumsOK,
					"copied_ok", snap.CopiedOK,
					"elapsed", snap.Elapsed.Round(time.Second),
					"remaining_estimate", snap.EstimatedRemainingTotal.Round(time.Second),
				)
			}
		}
	}()
	return func() { close(done) }
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
	eng, cleanup := newRunEngine(cmd.Context(), cfg)
	defer cleanup()

	start := time.Now()
	err = eng.ExecuteBackup()
	duration := time.Since(start).Round(time.Millisecond)
	if err != nil {
		logFailedPaths(eng.Errors())
		return err
	}
	plog.Info(buildinfo.Name+" backup finished successfully", "duration", duration)
	return nil
}

// logFailedPaths recaps the per-path failures of a run in deterministic order.
func logFailedPaths(errs map[string]error) {
	if len(errs) == 0 {
		return
	}
	paths := make([]string, 0, len(errs))
	for p := range errs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	plog.Notice("Paths with failed operations", "count", len(paths))
	for _, p := range paths {
		plog.Notice("Failed path", "path", p, "error", errs[p])
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	plog.Info("Starting "+buildinfo.Name+" validation", "version", buildinfo.Version, "pid", os.Getpid())
	eng, cleanup := newRunEngine(cmd.Context(), cfg)
	defer cleanup()

	start := time.Now()
	result, err := eng.ExecuteValidate()
	duration := time.Since(start).Round(time.Millisecond)
	if err != nil {
		return err
	}
	if !result.Clean() {
		return fmt.Errorf("validation failed: %d ok, %d mismatched, %d missing, %d lost",
			result.OK, result.Mismatch, result.Missing, result.Lost)
	}
	plog.Info(buildinfo.Name+" validation passed", "files", result.OK, "duration", duration)
	return nil
}
