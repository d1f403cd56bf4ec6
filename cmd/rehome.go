package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/rehome"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

func newRehomeCmd() (*cobra.Command, error) {
	var (
		batchSize int
		dryRun    bool
	)

	c := &cobra.Command{
		Use:   "rehome",
		Short: "Sort archived messages into per-year mbox files",
		Long: "Moves every message of the flat per-folder mbox files into <year>/<folder>.mbox.\n" +
			"Create a file named " + rehome.StopFile + " in the archive directory to stop after the current batch.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadLocal(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := SetupLogger(cfg.LogLevel, cfg.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			tracker, err := state.NewSQLTracker(cfg.StateDir, !dryRun)
			if err != nil {
				return err
			}
			defer tracker.Close()

			r, err := rehome.New(rehome.Options{ArchiveDir: cfg.ArchiveDir, BatchSize: batchSize, DryRun: dryRun}, tracker, logger)
			if err != nil {
				return err
			}
			result, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}

			logger.Info("rehome finished", "files", result.Files, "moved", result.Moved, "stopped", result.Stopped, "dryRun", dryRun)
			years := make(map[string]int, len(result.Years))
			for year, n := range result.Years {
				years[fmt.Sprint(year)] = n
			}
			for _, p := range stats.Top(years, -1) {
				logger.Info("year", "year", p.Key, "messages", p.Value)
			}
			return nil
		},
	}

	if err := config.RegisterArchiveDirFlag(c); err != nil {
		return nil, err
	}
	c.Flags().IntVar(&batchSize, "batch-size", rehome.DefaultBatchSize, "Messages moved between state commits and stop-file checks")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would move without touching files or state")
	return c, nil
}
