package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/filter"
	"github.com/dhcgn/imap-to-mbox/model"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

var ErrMessageRawMissing = errors.New("fetched message has no body")

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner wires the scanner, filter and archiver stages together over
// channels and fans stats events out to every subscriber.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	archive  chan model.Message

	tracker state.Tracker
	filter  *filter.Filter

	stages      []stage
	subscribers []*subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeArchiveOnce sync.Once
	closeEventsOnce  sync.Once
	started          bool
	since            time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewSQLTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	r, err := NewWithTracker(cfg, tracker, logger)
	if err != nil {
		_ = tracker.Close()
		return nil, err
	}
	return r, nil
}

// NewWithTracker builds a Runner around an existing tracker. If the tracker
// implements io.Closer it is closed when the pipeline finishes.
func NewWithTracker(cfg config.Config, tracker state.Tracker, logger *slog.Logger) (*Runner, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	f, err := filter.New(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		archive:  make(chan model.Message, 32),
		tracker:  tracker,
		filter:   f,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) Filter() *filter.Filter {
	return r.filter
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Archive delivers messages that passed the filter.
func (r *Runner) Archive() <-chan model.Message {
	return r.archive
}

// EmitEvent broadcasts evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers a stats consumer. Every subscriber sees every
// event. Subscriptions must happen before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, 128),
	})
}

// AddStage registers a pipeline stage. Stages are launched by Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

func (r *Runner) Start() error {
	if r.started {
		return fmt.Errorf("runner already started")
	}
	r.started = true
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if closer, ok := r.tracker.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.fail(fmt.Errorf("close tracker: %w", err))
		}
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeArchive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Folder: envelope.Message.Folder, Err: envelope.Err})
				r.fail(fmt.Errorf("imap envelope: %w", envelope.Err))
				continue
			}

			msg := envelope.Message
			if len(msg.Raw) == 0 {
				err := fmt.Errorf("%s: %w", msg.ID(), ErrMessageRawMissing)
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeError, Folder: msg.Folder, MessageID: msg.ID(), Err: err})
				r.logger.Warn("skipping message", "folder", msg.Folder, "uid", msg.UID, "err", err)
				continue
			}

			if !r.filter.Allows(msg.Summary.EnvFrom, msg.Raw) {
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, Folder: msg.Folder, MessageID: msg.ID()})
				r.logger.Debug("message filtered", "folder", msg.Folder, "uid", msg.UID, "from", msg.Summary.EnvFrom)
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.archive <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeEnqueued, Folder: msg.Folder, MessageID: msg.ID()})
			}
		}
	}
}

func (r *Runner) closeArchive() {
	r.closeArchiveOnce.Do(func() {
		close(r.archive)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
