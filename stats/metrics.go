package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors pipeline events into Prometheus counters and writes them
// in node_exporter textfile format once the run is over.
type Metrics struct {
	path     string
	logger   *slog.Logger
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	bytes    prometheus.Counter
	lastRun  prometheus.Gauge
	duration prometheus.Gauge
	started  time.Time
}

func NewMetrics(path string) *Metrics {
	m := &Metrics{
		path:     path,
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imap_to_mbox_events_total",
			Help: "Pipeline events by stage and type.",
		}, []string{"stage", "type"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_to_mbox_archived_bytes_total",
			Help: "Bytes of messages written to the archive.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imap_to_mbox_last_run_timestamp_seconds",
			Help: "Unix time the last archive run finished.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imap_to_mbox_last_run_duration_seconds",
			Help: "Duration of the last archive run.",
		}),
		started: time.Now(),
	}
	m.registry.MustRegister(m.events, m.bytes, m.lastRun, m.duration)
	return m
}

// Subscribe attaches the metrics to a running pipeline.
func (m *Metrics) Subscribe(stream EventStream, logger *slog.Logger) {
	m.logger = logger
	stream.SubscribeStats("metrics", m.consume)
}

func (m *Metrics) Observe(evt Event) {
	m.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
	if evt.Type == EventTypeArchived && evt.Bytes > 0 {
		m.bytes.Add(float64(evt.Bytes))
	}
}

func (m *Metrics) consume(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return m.Write()
			}
			m.Observe(evt)
		}
	}
}

// Write stores the current values in the textfile at path.
func (m *Metrics) Write() error {
	m.lastRun.SetToCurrentTime()
	m.duration.Set(time.Since(m.started).Seconds())
	if err := prometheus.WriteToTextfile(m.path, m.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", m.path, err)
	}
	if m.logger != nil {
		m.logger.Debug("metrics written", "path", m.path)
	}
	return nil
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
