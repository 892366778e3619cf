// Package status serves health, metrics and connection listings over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/driver"
	"github.com/LemmyAI/gamenet/internal/util"
)

// Source is what the status pages read. Both methods must be safe to call
// from HTTP handler goroutines; *driver.Driver qualifies.
type Source interface {
	Connections() []driver.ConnectionInfo
	Stats() *conn.Stats
}

// NewRouter builds the status routes. gatherer may be nil to omit /metrics.
func NewRouter(src Source, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Stats().Snapshot())
	})

	r.Route("/connections", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			infos := src.Connections()
			sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
			writeJSON(w, http.StatusOK, infos)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			for _, info := range src.Connections() {
				if info.ID == id {
					writeJSON(w, http.StatusOK, info)
					return
				}
			}
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.LogDebug("status: encode response: %v", err)
	}
}

// Serve runs h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("📊 status on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
