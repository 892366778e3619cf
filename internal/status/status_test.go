package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/driver"
	"github.com/LemmyAI/gamenet/internal/metrics"
)

type fakeSource struct {
	infos []driver.ConnectionInfo
	stats conn.Stats
}

func (f *fakeSource) Connections() []driver.ConnectionInfo {
	return append([]driver.ConnectionInfo(nil), f.infos...)
}

func (f *fakeSource) Stats() *conn.Stats { return &f.stats }

func newSource() *fakeSource {
	src := &fakeSource{infos: []driver.ConnectionInfo{
		{ID: "bbbb", Addr: "10.0.0.2:5000", State: "open", Channels: 2},
		{ID: "aaaa", Addr: "10.0.0.1:5000", State: "pending", Channels: 1},
	}}
	src.stats.InPackets.Add(42)
	return src
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	src := newSource()
	reg := prometheus.NewRegistry()
	metrics.New(&src.stats, func() int { return len(src.infos) }, metrics.WithRegistry(reg))
	h := NewRouter(src, reg)

	tests := []struct {
		path     string
		code     int
		contains string
	}{
		{"/healthz", http.StatusOK, "OK"},
		{"/metrics", http.StatusOK, "gamenet_in_packets_total 42"},
		{"/stats", http.StatusOK, `"in_packets":42`},
		{"/connections/aaaa", http.StatusOK, `"addr":"10.0.0.1:5000"`},
		{"/connections/zzzz", http.StatusNotFound, "unknown connection"},
		{"/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("expected %q in body %q", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestConnectionsSorted(t *testing.T) {
	h := NewRouter(newSource(), nil)
	rec := get(t, h, "/connections/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var infos []driver.ConnectionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "aaaa" || infos[1].ID != "bbbb" {
		t.Errorf("expected connections sorted by id, got %+v", infos)
	}
}

func TestNoMetricsWithoutGatherer(t *testing.T) {
	h := NewRouter(newSource(), nil)
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a gatherer, got %d", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", NewRouter(newSource(), nil)) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
