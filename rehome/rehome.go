// Package rehome sorts archived messages into per-year mbox files.
package rehome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dhcgn/imap-to-mbox/imapresp"
	"github.com/dhcgn/imap-to-mbox/mbox"
	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/state"
)

const (
	// StopFile placed in the archive root ends a run after the current batch.
	StopFile         = ".STOP"
	DefaultBatchSize = 25
	restSuffix       = ".rest"
)

// Store is the part of the tracker rehoming needs.
type Store interface {
	UnhomedFiles(ctx context.Context) ([]string, error)
	Unhomed(ctx context.Context, mailFile string) ([]state.Record, error)
	Rehome(ctx context.Context, moves []state.Move) error
}

type Options struct {
	ArchiveDir string
	BatchSize  int
	DryRun     bool
}

// Result summarises a rehome run.
type Result struct {
	Files   int
	Moved   int
	Years   map[int]int
	Stopped bool
}

type Rehomer struct {
	opts   Options
	store  Store
	logger *slog.Logger
}

func New(opts Options, store Store, logger *slog.Logger) (*Rehomer, error) {
	if opts.ArchiveDir == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Rehomer{opts: opts, store: store, logger: logger}, nil
}

// Run rehomes every archive file that still holds unsorted messages.
func (r *Rehomer) Run(ctx context.Context) (Result, error) {
	result := Result{Years: make(map[int]int)}

	files, err := r.store.UnhomedFiles(ctx)
	if err != nil {
		return result, err
	}

	for _, mailFile := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		stopped, err := r.rehomeFile(ctx, mailFile, &result)
		if err != nil {
			return result, fmt.Errorf("rehome %s: %w", mailFile, err)
		}
		if stopped {
			result.Stopped = true
			break
		}
	}
	return result, nil
}

type fileRun struct {
	mailFile string
	records  map[string]state.Record
	mtime    time.Time
	writer   *mbox.Writer
	moves    []state.Move
	rest     int
	stopped  bool
}

func (r *Rehomer) rehomeFile(ctx context.Context, mailFile string, result *Result) (bool, error) {
	path := filepath.Join(r.opts.ArchiveDir, mailFile)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if r.logger != nil {
				r.logger.Warn("archive file missing", "mailfile", mailFile)
			}
			return false, nil
		}
		return false, err
	}

	records, err := r.store.Unhomed(ctx, mailFile)
	if err != nil {
		return false, err
	}
	run := &fileRun{
		mailFile: mailFile,
		records:  make(map[string]state.Record, len(records)),
		mtime:    info.ModTime(),
	}
	for _, rec := range records {
		run.records[rec.Hash] = rec
	}
	if !r.opts.DryRun {
		writer, err := mbox.NewWriter(r.opts.ArchiveDir)
		if err != nil {
			return false, err
		}
		run.writer = writer
		defer writer.Close()
	}

	result.Files++
	if r.logger != nil {
		r.logger.Info("rehoming archive file", "mailfile", mailFile, "tracked", len(records))
	}

	err = mbox.Read(path, func(m *mbox.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.place(ctx, run, m, result)
	})
	if err != nil {
		return false, err
	}
	if err := r.commit(ctx, run); err != nil {
		return false, err
	}
	if r.opts.DryRun {
		return run.stopped, nil
	}

	if err := run.writer.Close(); err != nil {
		return false, err
	}
	if run.rest > 0 {
		if err := os.Rename(path+restSuffix, path); err != nil {
			return false, fmt.Errorf("replace %s: %w", mailFile, err)
		}
	} else if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove %s: %w", mailFile, err)
	}
	return run.stopped, nil
}

// place moves one message into its year file or, once stopped, keeps it in
// the remainder of the source file.
func (r *Rehomer) place(ctx context.Context, run *fileRun, m *mbox.Message, result *Result) error {
	hash := model.HashRaw(m.Raw)
	rec, tracked := run.records[hash]
	date := messageDate(m, rec, tracked, run.mtime)
	from := sender(m, rec, tracked)

	if run.stopped {
		run.rest++
		if run.writer == nil {
			return nil
		}
		_, err := run.writer.Append(run.mailFile+restSuffix, from, date, m.Raw)
		return err
	}

	year := date.Year()
	target := mbox.YearFileName(year, run.mailFile)
	if run.writer != nil {
		if _, err := run.writer.Append(target, from, date, m.Raw); err != nil {
			return err
		}
	}
	if tracked {
		run.moves = append(run.moves, state.Move{Hash: hash, FromFile: run.mailFile, MailFile: target, Year: year})
	}
	result.Moved++
	result.Years[year]++

	if result.Moved%r.opts.BatchSize == 0 {
		if err := r.commit(ctx, run); err != nil {
			return err
		}
		if r.stopRequested() {
			run.stopped = true
			if r.logger != nil {
				r.logger.Info("stop file found, finishing current file", "mailfile", run.mailFile, "moved", result.Moved)
			}
		}
	}
	return nil
}

// commit makes the written batch durable before recording it.
func (r *Rehomer) commit(ctx context.Context, run *fileRun) error {
	if len(run.moves) == 0 {
		return nil
	}
	if run.writer != nil {
		if err := run.writer.Close(); err != nil {
			return err
		}
	}
	if !r.opts.DryRun {
		if err := r.store.Rehome(ctx, run.moves); err != nil {
			return err
		}
	}
	if r.logger != nil {
		r.logger.Debug("rehome batch committed", "mailfile", run.mailFile, "messages", len(run.moves))
	}
	run.moves = run.moves[:0]
	return nil
}

func (r *Rehomer) stopRequested() bool {
	path := filepath.Join(r.opts.ArchiveDir, StopFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if r.opts.DryRun {
		return true
	}
	if err := os.Remove(path); err != nil && r.logger != nil {
		r.logger.Warn("remove stop file", "err", err)
	}
	return true
}

// messageDate picks the Date header, then the stored INTERNALDATE, then the
// archive file's modification time.
func messageDate(m *mbox.Message, rec state.Record, tracked bool, mtime time.Time) time.Time {
	if t, err := m.Header.Date(); err == nil && !t.IsZero() {
		return t.UTC()
	}
	if tracked {
		if !rec.InternalAt.IsZero() {
			return rec.InternalAt.UTC()
		}
		if t, err := imapresp.ParseInternalDate(rec.InternalDate); err == nil {
			return t
		}
	}
	return mtime.UTC()
}

func sender(m *mbox.Message, rec state.Record, tracked bool) string {
	if tracked && rec.EnvFrom != "" {
		return rec.EnvFrom
	}
	if addrs, err := m.Header.AddressList("From"); err == nil && len(addrs) > 0 && addrs[0].Address != "" {
		return addrs[0].Address
	}
	return imapresp.MailerDaemon
}
