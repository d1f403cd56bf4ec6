// Package cmd holds the subcommands that work next to the archive run:
// listing folders, sorting the archive by year, reporting and storing the
// password in the keyring.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// AddCommands attaches every subcommand to root.
func AddCommands(root *cobra.Command) error {
	builders := []func() (*cobra.Command, error){
		newFoldersCmd,
		newRehomeCmd,
		newReportCmd,
		newCredentialCmd,
	}
	for _, build := range builders {
		c, err := build()
		if err != nil {
			return err
		}
		root.AddCommand(c)
	}
	return nil
}

// SetupLogger builds the text logger used by all commands. With dir set the
// output is also appended to a timestamped file there.
func SetupLogger(logLevel, dir string) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if dir == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), cleanup, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cleanup, fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("imap-to-mbox-%s.log", time.Now().Format("20060102T150405"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)), file.Close, nil
}
