package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/imap-to-mbox/imapresp"
	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/runner"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

var ErrEmptyBody = errors.New("fetch returned no message body")

// Scanner is the pipeline stage that walks IMAP folders and feeds new
// messages into the runner.
type Scanner struct {
	opts       Options
	folders    []string
	allFolders bool
	runner     *runner.Runner
	tracker    state.Tracker
	logger     *slog.Logger

	dial        func(context.Context) (*Session, error)
	listFolders func(context.Context) ([]string, error)
}

func NewScanner(opts Options, folders []string, allFolders bool, r *runner.Runner, logger *slog.Logger) (*Scanner, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if len(folders) == 0 && !allFolders {
		return nil, fmt.Errorf("no folders to scan")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}

	s := &Scanner{
		opts:       opts,
		folders:    folders,
		allFolders: allFolders,
		runner:     r,
		tracker:    tracker,
		logger:     logger,
	}
	s.dial = func(ctx context.Context) (*Session, error) {
		return Dial(ctx, s.opts, s.logger)
	}
	s.listFolders = func(ctx context.Context) ([]string, error) {
		folders, err := ListFolders(ctx, s.opts, s.logger)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(folders))
		for _, f := range folders {
			names = append(names, f.Name)
		}
		return names, nil
	}

	r.AddStage("imap", s.run)
	return s, nil
}

func (s *Scanner) run(ctx context.Context) error {
	defer s.runner.CloseMailbox()

	folders := s.folders
	if s.allFolders {
		names, err := s.listFolders(ctx)
		if err != nil {
			return s.fatal(ctx, "", err)
		}
		folders = names
	}

	session, err := s.dial(ctx)
	if err != nil {
		return s.fatal(ctx, "", err)
	}
	defer func() {
		if ctx.Err() != nil {
			_ = session.Close()
			return
		}
		if err := session.Logout(ctx); err != nil && s.logger != nil {
			s.logger.Debug("imap logout", "err", err)
		}
	}()

	for _, folder := range folders {
		if err := s.scanFolder(ctx, session, folder); err != nil {
			return s.fatal(ctx, folder, err)
		}
	}
	return nil
}

func (s *Scanner) scanFolder(ctx context.Context, session *Session, folder string) error {
	mbox, err := session.Examine(ctx, folder)
	if err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			// Folder refused by the server; the others can still be archived.
			s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Folder: folder, Err: err})
			if s.logger != nil {
				s.logger.Warn("skipping folder", "folder", folder, "err", err)
			}
			return nil
		}
		return err
	}

	uids, err := session.UIDSearchAll(ctx)
	if err != nil {
		return fmt.Errorf("search %s: %w", folder, err)
	}
	s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDiscovered, Folder: folder, Count: len(uids)})
	if s.logger != nil {
		s.logger.Info("scanning folder", "folder", folder, "messages", len(uids), "uidvalidity", mbox.UIDValidity)
	}

	skipped := 0
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := state.Key{Folder: folder, UIDValidity: mbox.UIDValidity, UID: uid}
		if s.tracker.AlreadySeen(key) {
			skipped++
			s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeSkipped, Folder: folder})
			if err := session.Keepalive(ctx); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
			continue
		}

		msg, ok, err := s.fetchMessage(ctx, session, mbox, uid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.runner.MailboxWriter() <- model.Envelope{Message: msg}:
		}
	}

	if s.logger != nil && skipped > 0 {
		s.logger.Debug("skipped known messages", "folder", folder, "count", skipped)
	}
	return nil
}

// fetchMessage loads summary and body for one UID. It reports false for
// messages that were skipped without failing the run.
func (s *Scanner) fetchMessage(ctx context.Context, session *Session, mbox Mailbox, uid uint32) (model.Message, bool, error) {
	folder := mbox.Name
	s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeScanned, Folder: folder})

	resp, err := session.UIDFetch(ctx, uid, FetchUIDSummary)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("fetch summary %s/%d: %w", folder, uid, err)
	}
	summary, ok, err := imapresp.Decode(resp.Chunks...)
	if err != nil {
		s.skip(folder, uid, fmt.Errorf("decode summary %s/%d: %w", folder, uid, err))
		return model.Message{}, false, nil
	}
	if !ok {
		s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeNoData, Folder: folder})
		if s.logger != nil {
			s.logger.Debug("no data for message", "folder", folder, "uid", uid)
		}
		return model.Message{}, false, nil
	}
	if !summary.Has(imapresp.FieldUID) {
		summary.UID = uid
		summary.Present |= imapresp.FieldUID
	}

	body, err := session.UIDFetch(ctx, uid, FetchBody)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("fetch body %s/%d: %w", folder, uid, err)
	}
	raw, err := messageBody(body)
	if err != nil {
		s.skip(folder, uid, fmt.Errorf("body %s/%d: %w", folder, uid, err))
		return model.Message{}, false, nil
	}

	msg := model.Message{
		Folder:      folder,
		UIDValidity: mbox.UIDValidity,
		UID:         uid,
		Summary:     summary,
		Hash:        model.HashRaw(raw),
		Raw:         raw,
	}
	if t, err := summary.Time(); err == nil {
		msg.ReceivedAt = t
	} else if s.logger != nil {
		s.logger.Debug("message has no usable date", "folder", folder, "uid", uid, "err", err)
	}

	s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, Folder: folder, MessageID: msg.ID(), Bytes: int64(len(raw))})
	return msg, true, nil
}

func (s *Scanner) skip(folder string, uid uint32, err error) {
	s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Folder: folder, Err: err})
	if s.logger != nil {
		s.logger.Warn("skipping message", "folder", folder, "uid", uid, "err", err)
	}
}

func (s *Scanner) fatal(ctx context.Context, folder string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Folder: folder, Err: err})
	return err
}

func messageBody(resp Response) ([]byte, error) {
	root, err := imapresp.Parse(resp.Chunks...)
	if err != nil {
		return nil, err
	}
	fields, err := imapresp.Flatten(root)
	if err != nil {
		return nil, err
	}
	raw, ok := fields.Bytes(imapresp.FieldNameRFC822)
	if !ok || len(raw) == 0 {
		return nil, ErrEmptyBody
	}
	return raw, nil
}
