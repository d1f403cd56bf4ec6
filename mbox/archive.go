package mbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/runner"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

type runIdentifier interface {
	RunID() string
}

// Archiver is the pipeline stage that appends filtered messages to the
// folder's mbox file and records them in the tracker.
type Archiver struct {
	writer  *Writer
	runner  *runner.Runner
	tracker state.Tracker
	dryRun  bool
	runID   string
	logger  *slog.Logger
}

func NewArchiver(root string, r *runner.Runner, logger *slog.Logger) (*Archiver, error) {
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}

	a := &Archiver{
		runner:  r,
		tracker: tracker,
		dryRun:  r.Config().DryRun,
		logger:  logger,
	}
	if !a.dryRun {
		writer, err := NewWriter(root)
		if err != nil {
			return nil, err
		}
		a.writer = writer
	}
	if ri, ok := tracker.(runIdentifier); ok {
		a.runID = ri.RunID()
	}

	r.AddStage("archive", a.run)
	return a, nil
}

func (a *Archiver) run(ctx context.Context) (err error) {
	defer func() {
		if a.writer == nil {
			return
		}
		if cerr := a.writer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	archive := a.runner.Archive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-archive:
			if !ok {
				return nil
			}
			if err := a.archive(msg); err != nil {
				a.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Folder: msg.Folder, MessageID: msg.ID(), Err: err})
				return err
			}
		}
	}
}

func (a *Archiver) archive(msg model.Message) error {
	if msg.Hash == "" {
		msg.Hash = model.HashRaw(msg.Raw)
	}
	mailFile := FileName(msg.Folder)

	if a.dryRun {
		a.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeDryRunArchive, Folder: msg.Folder, MessageID: msg.ID(), Bytes: int64(len(msg.Raw))})
		if a.logger != nil {
			a.logger.Debug("dry-run archive", "folder", msg.Folder, "uid", msg.UID, "messageID", msg.ID(), "mailfile", mailFile, "hash", msg.Hash)
		}
		return nil
	}

	n, err := a.writer.Append(mailFile, msg.Summary.EnvFrom, msg.ReceivedAt, msg.Raw)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", msg.ID(), err)
	}

	rec := state.Record{
		Key:          state.Key{Folder: msg.Folder, UIDValidity: msg.UIDValidity, UID: msg.UID},
		MessageID:    msg.Summary.MessageID,
		Size:         msg.Summary.Size,
		InternalDate: msg.Summary.InternalDate,
		InternalAt:   msg.ReceivedAt,
		EnvFrom:      msg.Summary.EnvFrom,
		EnvDate:      msg.Summary.EnvDate,
		Hash:         msg.Hash,
		MailFile:     mailFile,
		RunID:        a.runID,
	}
	if err := a.tracker.MarkSeen(rec); err != nil {
		return fmt.Errorf("record message %s: %w", msg.ID(), err)
	}

	a.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, Folder: msg.Folder, MessageID: msg.ID(), Bytes: n})
	if a.logger != nil {
		a.logger.Debug("archived message", "folder", msg.Folder, "uid", msg.UID, "messageID", msg.ID(), "mailfile", mailFile)
	}
	return nil
}
