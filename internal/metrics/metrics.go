// Package metrics exports driver counters to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LemmyAI/gamenet/internal/conn"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "gamenet").
	Namespace string

	ConstLabels prometheus.Labels

	// Registry receives every collector. Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures Metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Close reasons.
const (
	ReasonOrderly     = "orderly"
	ReasonTimeout     = "timeout"
	ReasonUnreachable = "unreachable"
	ReasonOther       = "other"
)

// Metrics holds the collectors for one driver.
type Metrics struct {
	tickDuration prometheus.Histogram
	closed       *prometheus.CounterVec
}

// New registers counters that read stats on every scrape, a gauge that
// reports connections(), and the tick and close collectors.
func New(stats *conn.Stats, connections func() int, opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "gamenet",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string, v func() int64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, func() float64 { return float64(v()) })
	}
	counter("in_packets_total", "Datagrams received", stats.InPackets.Load)
	counter("out_packets_total", "Datagrams sent", stats.OutPackets.Load)
	counter("in_bytes_total", "Bytes received", stats.InBytes.Load)
	counter("out_bytes_total", "Bytes sent including packet overhead", stats.OutBytes.Load)
	counter("in_bunches_total", "Bunches received", stats.InBunches.Load)
	counter("out_bunches_total", "Bunches sent", stats.OutBunches.Load)
	counter("in_packets_lost_total", "Gaps in incoming packet ids", stats.InPacketsLost.Load)
	counter("out_packets_lost_total", "Sent packets the peer nak'd", stats.OutPacketsLost.Load)
	counter("out_of_order_packets_total", "Incoming packets dropped as old or duplicate", stats.InOutOfOrderPackets.Load)
	counter("resends_total", "Reliable bunches resent", stats.Resends.Load)
	counter("malformed_packets_total", "Packets with an unparseable record", stats.MalformedPackets.Load)
	counter("broken_channels_total", "Channels that stopped accepting data", stats.BrokenChannels.Load)

	if connections != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections",
			Help:        "Live connections",
			ConstLabels: cfg.ConstLabels,
		}, func() float64 { return float64(connections()) })
	}

	return &Metrics{
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "tick_duration_seconds",
			Help:        "Time spent in one server tick",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections_closed_total",
			Help:        "Closed connections by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
	}
}

// ObserveTick records the duration of one tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// ConnectionClosed counts a closed connection by the error it closed with.
func (m *Metrics) ConnectionClosed(err error) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(Reason(err)).Inc()
}

// Reason maps a close error to a label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return ReasonOrderly
	case errors.Is(err, conn.ErrConnectionTimeout):
		return ReasonTimeout
	case errors.Is(err, conn.ErrPeerUnreachable):
		return ReasonUnreachable
	default:
		return ReasonOther
	}
}
