package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/imap"
)

func newFoldersCmd() (*cobra.Command, error) {
	return &cobra.Command{
		Use:   "folders",
		Short: "List the selectable folders on the IMAP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
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

			folders, err := imap.ListFolders(cmd.Context(), imap.OptionsFromConfig(cfg), logger)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FOLDER\tMESSAGES\tUIDVALIDITY")
			total := uint32(0)
			for _, f := range folders {
				fmt.Fprintf(w, "%s\t%d\t%d\n", f.Name, f.Messages, f.UIDValidity)
				total += f.Messages
			}
			fmt.Fprintf(w, "\t%d\t\n", total)
			return w.Flush()
		},
	}, nil
}
