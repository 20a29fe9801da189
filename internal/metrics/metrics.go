// Package metrics counts relay activity. Counters are exported through a
// private Prometheus registry and mirrored in atomics so that health
// endpoints and the periodic logger can read them cheaply.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acs_smtp_relay"

// Sink receives relay events. Implementations must be safe for concurrent use.
type Sink interface {
	ConnectionOpened()
	ConnectionClosed()
	EmailSent()
	EmailFailed(kind string)
	BytesProcessed(n int)
	RelayDuration(d time.Duration)
	ProtocolError(kind string)
}

// Noop discards every event.
type Noop struct{}

func (Noop) ConnectionOpened()           {}
func (Noop) ConnectionClosed()           {}
func (Noop) EmailSent()                  {}
func (Noop) EmailFailed(string)          {}
func (Noop) BytesProcessed(int)          {}
func (Noop) RelayDuration(time.Duration) {}
func (Noop) ProtocolError(string)        {}

// Collector is the Prometheus-backed Sink.
type Collector struct {
	registry *prometheus.Registry
	started  time.Time

	connections  prometheus.Counter
	active       prometheus.Gauge
	sent         prometheus.Counter
	failed       *prometheus.CounterVec
	bytes        prometheus.Counter
	relayLatency prometheus.Histogram
	protocol     *prometheus.CounterVec

	connectionsTotal atomic.Uint64
	connectionsLive  atomic.Int64
	sentTotal        atomic.Uint64
	failedTotal      atomic.Uint64
	bytesTotal       atomic.Uint64
	relayCount       atomic.Uint64
	relayNanos       atomic.Int64

	mu             sync.Mutex
	errorsByKind   map[string]uint64
	protocolByKind map[string]uint64
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry:     prometheus.NewRegistry(),
		started:      time.Now(),
		errorsByKind:   make(map[string]uint64),
		protocolByKind: make(map[string]uint64),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total SMTP connections accepted.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "SMTP connections currently open.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "emails_sent_total",
			Help:      "Emails accepted by the delivery backend.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "emails_failed_total",
			Help:      "Emails that failed to relay, by error kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "bytes_processed_total",
			Help:      "Message bytes received in DATA.",
		}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Time spent handing a message to the delivery backend.",
			Buckets:   prometheus.DefBuckets,
		}),
		protocol: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "protocol_errors_total",
			Help:      "SMTP commands rejected by the session, by error kind.",
		}, []string{"kind"}),
	}

	c.registry.MustRegister(c.connections, c.active, c.sent, c.failed, c.bytes, c.relayLatency, c.protocol)
	return c
}

func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
	c.active.Inc()
	c.connectionsTotal.Add(1)
	c.connectionsLive.Add(1)
}

func (c *Collector) ConnectionClosed() {
	c.active.Dec()
	c.connectionsLive.Add(-1)
}

func (c *Collector) EmailSent() {
	c.sent.Inc()
	c.sentTotal.Add(1)
}

func (c *Collector) EmailFailed(kind string) {
	c.failed.WithLabelValues(kind).Inc()
	c.failedTotal.Add(1)

	c.mu.Lock()
	c.errorsByKind[kind]++
	c.mu.Unlock()
}

func (c *Collector) BytesProcessed(n int) {
	if n <= 0 {
		return
	}
	c.bytes.Add(float64(n))
	c.bytesTotal.Add(uint64(n))
}

func (c *Collector) RelayDuration(d time.Duration) {
	c.relayLatency.Observe(d.Seconds())
	c.relayCount.Add(1)
	c.relayNanos.Add(int64(d))
}

func (c *Collector) ProtocolError(kind string) {
	c.protocol.WithLabelValues(kind).Inc()

	c.mu.Lock()
	c.protocolByKind[kind]++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionsTotal  uint64            `json:"connections_total"`
	ConnectionsActive int64             `json:"connections_active"`
	EmailsSent        uint64            `json:"emails_sent_total"`
	EmailsFailed      uint64            `json:"emails_failed_total"`
	BytesProcessed    uint64            `json:"bytes_processed_total"`
	ErrorsByKind      map[string]uint64 `json:"errors_by_kind,omitempty"`
	ProtocolErrors    map[string]uint64 `json:"protocol_errors,omitempty"`
	AverageRelay      time.Duration     `json:"-"`
	Uptime            time.Duration     `json:"-"`
}

// SuccessRate is sent / (sent + failed), or 1 when nothing was attempted.
func (s Snapshot) SuccessRate() float64 {
	total := s.EmailsSent + s.EmailsFailed
	if total == 0 {
		return 1.0
	}
	return float64(s.EmailsSent) / float64(total)
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		ConnectionsTotal:  c.connectionsTotal.Load(),
		ConnectionsActive: c.connectionsLive.Load(),
		EmailsSent:        c.sentTotal.Load(),
		EmailsFailed:      c.failedTotal.Load(),
		BytesProcessed:    c.bytesTotal.Load(),
		Uptime:            time.Since(c.started),
	}
	if n := c.relayCount.Load(); n > 0 {
		s.AverageRelay = time.Duration(c.relayNanos.Load() / int64(n))
	}

	c.mu.Lock()
	if len(c.errorsByKind) > 0 {
		s.ErrorsByKind = make(map[string]uint64, len(c.errorsByKind))
		for k, v := range c.errorsByKind {
			s.ErrorsByKind[k] = v
		}
	}
	if len(c.protocolByKind) > 0 {
		s.ProtocolErrors = make(map[string]uint64, len(c.protocolByKind))
		for k, v := range c.protocolByKind {
			s.ProtocolErrors[k] = v
		}
	}
	c.mu.Unlock()

	return s
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// LogSnapshot writes the current counters at info level, and the error
// breakdown at warn level when there is one.
func (c *Collector) LogSnapshot() {
	s := c.Snapshot()

	slog.Info("current metrics",
		"connections_total", s.ConnectionsTotal,
		"connections_active", s.ConnectionsActive,
		"emails_sent", s.EmailsSent,
		"emails_failed", s.EmailsFailed,
		"bytes_processed", s.BytesProcessed,
		"success_rate", fmt.Sprintf("%.2f%%", s.SuccessRate()*100),
		"avg_relay_time", s.AverageRelay,
		"uptime", s.Uptime.Round(time.Second),
	)

	if len(s.ErrorsByKind) > 0 {
		slog.Warn("error breakdown", slog.Group("errors", kindAttrs(s.ErrorsByKind)...))
	}
	if len(s.ProtocolErrors) > 0 {
		slog.Warn("protocol error breakdown", slog.Group("protocol_errors", kindAttrs(s.ProtocolErrors)...))
	}
}

// kindAttrs flattens counts into sorted key/value pairs for slog.Group.
func kindAttrs(counts map[string]uint64) []any {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	attrs := make([]any, 0, len(kinds)*2)
	for _, k := range kinds {
		attrs = append(attrs, k, counts[k])
	}
	return attrs
}

// StartLogger logs a snapshot every interval until ctx is done.
func (c *Collector) StartLogger(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.LogSnapshot()
		}
	}
}
