package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageIMAP    Stage = "imap"
	StageFilter  Stage = "filter"
	StageArchive Stage = "archive"
)

type EventType string

const (
	EventTypeDiscovered    EventType = "discovered"
	EventTypeScanned       EventType = "scanned"
	EventTypeSkipped       EventType = "skipped"
	EventTypeNoData        EventType = "no_data"
	EventTypeFetched       EventType = "fetched"
	EventTypeFiltered      EventType = "filtered"
	EventTypeEnqueued      EventType = "enqueued"
	EventTypeArchived      EventType = "archived"
	EventTypeDryRunArchive EventType = "dry_run_archived"
	EventTypeError         EventType = "error"
)

// Event is emitted by pipeline stages. Count is only used by discovered
// events and carries the number of UIDs found in Folder.
type Event struct {
	Stage     Stage
	Type      EventType
	Folder    string
	MessageID string
	Count     int
	Bytes     int64
	Err       error
	Detail    string
}

type Summary struct {
	Discovered     int
	Scanned        int
	Skipped        int
	NoData         int
	Fetched        int
	Filtered       int
	Enqueued       int
	Archived       int
	DryRunArchived int
	ArchivedBytes  int64
	Errors         int
	LastError      error
	FolderArchived map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"discovered", s.Discovered,
		"scanned", s.Scanned,
		"skipped", s.Skipped,
		"noData", s.NoData,
		"fetched", s.Fetched,
		"filtered", s.Filtered,
		"archived", s.Archived,
		"dryRunArchived", s.DryRunArchived,
		"archivedBytes", s.ArchivedBytes,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{FolderArchived: make(map[string]int)}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.FolderArchived = make(map[string]int, len(c.summary.FolderArchived))
	for k, v := range c.summary.FolderArchived {
		summary.FolderArchived[k] = v
	}
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeDiscovered:
		c.summary.Discovered += evt.Count
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeNoData:
		c.summary.NoData++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeArchived:
		c.summary.Archived++
		c.summary.ArchivedBytes += evt.Bytes
		c.summary.FolderArchived[evt.Folder]++
	case EventTypeDryRunArchive:
		c.summary.DryRunArchived++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
		for _, folder := range sortedKeys(summary.FolderArchived) {
			r.logger.Info("folder archived", "folder", folder, "messages", summary.FolderArchived[folder])
		}
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

// Pair is a key with its count.
type Pair struct {
	Key   string
	Value int
}

// Top returns up to limit entries of m ordered by count, then key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
