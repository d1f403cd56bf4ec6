package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/cmd"
	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/imap"
	"github.com/dhcgn/imap-to-mbox/mbox"
	"github.com/dhcgn/imap-to-mbox/progress"
	"github.com/dhcgn/imap-to-mbox/runner"
	"github.com/dhcgn/imap-to-mbox/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imap-to-mbox",
		Short: "Archive IMAP folders into local mbox files",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := cmd.SetupLogger(cfg.LogLevel, cfg.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-to-mbox", "host", cfg.IMAPHost, "folders", cfg.Folders, "allFolders", cfg.AllFolders, "archive", cfg.ArchiveDir, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterConnectionFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	if err := cmd.AddCommands(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register commands: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	progress.NewProgressReporter(r, progress.New(cfg.LogLevel), logger)
	if cfg.MetricsFile != "" {
		stats.NewMetrics(cfg.MetricsFile).Subscribe(r, logger)
	}

	if _, err := imap.NewScanner(imap.OptionsFromConfig(cfg), cfg.Folders, cfg.AllFolders, r, logger); err != nil {
		return fmt.Errorf("imap.NewScanner: %w", err)
	}
	if _, err := mbox.NewArchiver(cfg.ArchiveDir, r, logger); err != nil {
		return fmt.Errorf("mbox.NewArchiver: %w", err)
	}

	return r.Start()
}
