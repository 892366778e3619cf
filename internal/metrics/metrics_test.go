package metrics

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LemmyAI/gamenet/internal/conn"
)

func TestCountersReadStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := &conn.Stats{}
	live := 3
	New(stats, func() int { return live }, WithRegistry(reg), WithNamespace("test"))

	stats.InPackets.Add(7)
	stats.Resends.Add(2)

	expected := `
# HELP test_in_packets_total Datagrams received
# TYPE test_in_packets_total counter
test_in_packets_total 7
# HELP test_resends_total Reliable bunches resent
# TYPE test_resends_total counter
test_resends_total 2
# HELP test_connections Live connections
# TYPE test_connections gauge
test_connections 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_in_packets_total", "test_resends_total", "test_connections"); err != nil {
		t.Error(err)
	}

	live = 1
	stats.InPackets.Add(1)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP test_in_packets_total Datagrams received
# TYPE test_in_packets_total counter
test_in_packets_total 8
# HELP test_connections Live connections
# TYPE test_connections gauge
test_connections 1
`), "test_in_packets_total", "test_connections"); err != nil {
		t.Error(err)
	}
}

func TestConnectionClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(&conn.Stats{}, nil, WithRegistry(reg))

	m.ConnectionClosed(nil)
	m.ConnectionClosed(conn.ErrConnectionTimeout)
	m.ConnectionClosed(fmt.Errorf("wrapped: %w", conn.ErrConnectionTimeout))
	m.ConnectionClosed(errors.New("boom"))

	tests := []struct {
		reason string
		want   float64
	}{
		{ReasonOrderly, 1},
		{ReasonTimeout, 2},
		{ReasonUnreachable, 0},
		{ReasonOther, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.closed.WithLabelValues(tt.reason)); got != tt.want {
			t.Errorf("closed{reason=%q}=%v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestObserveTick(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(&conn.Stats{}, nil, WithRegistry(reg))
	m.ObserveTick(2 * time.Millisecond)
	m.ObserveTick(3 * time.Millisecond)

	if n := testutil.CollectAndCount(m.tickDuration); n != 1 {
		t.Errorf("expected one histogram series, got %d", n)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "gamenet_tick_duration_seconds" {
			if c := f.GetMetric()[0].GetHistogram().GetSampleCount(); c != 2 {
				t.Errorf("expected 2 samples, got %d", c)
			}
			return
		}
	}
	t.Error("tick histogram not registered")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveTick(time.Millisecond)
	m.ConnectionClosed(nil)
}
