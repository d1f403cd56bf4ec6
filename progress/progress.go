package progress

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-to-mbox/stats"
)

// Bar tracks how many discovered messages have been handled. The total is
// unknown until folders are searched, so it grows with every discovered event.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	folder  string
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar that only renders when logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Counts returns the discovered total and the number of handled messages.
func (b *Bar) Counts() (total, done int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.done
}

// Update advances the bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeDiscovered:
		b.total += evt.Count
		b.folder = evt.Folder
		if !b.enabled || evt.Count == 0 {
			return
		}
		if b.pb == nil {
			pb, err := pterm.DefaultProgressbar.
				WithTotal(b.total).
				WithTitle("Archiving " + evt.Folder).
				Start()
			if err != nil {
				b.enabled = false
				return
			}
			b.pb = pb
			b.pb.Current = b.done
			return
		}
		b.pb.Total = b.total
		b.pb.UpdateTitle("Archiving " + evt.Folder)
	case stats.EventTypeScanned, stats.EventTypeSkipped:
		b.done++
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeError:
		if b.enabled && evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Folder, evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Archive run complete!")
}

// Subscriber feeds pipeline events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter prints a pterm summary once the pipeline finishes.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	if pr.logger == nil {
		return nil
	}

	summary := pr.collector.Snapshot()
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Discovered: %d\n", summary.Discovered)
	pterm.Info.Printf("Already archived (skipped): %d\n", summary.Skipped)
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("No data: %d\n", summary.NoData)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Archived: %d (%d bytes)\n", summary.Archived, summary.ArchivedBytes)
	pterm.Info.Printf("Dry-run archived: %d\n", summary.DryRunArchived)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if len(summary.FolderArchived) > 0 {
		rows := pterm.TableData{{"Folder", "Archived"}}
		for _, p := range stats.Top(summary.FolderArchived, -1) {
			rows = append(rows, []string{p.Key, strconv.Itoa(p.Value)})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
	return nil
}
