// Package health serves liveness, metrics and queue status over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailerd/internal/metrics"
	"mailerd/queue"
)

// Report is the body of /status.
type Report struct {
	Phase      string       `json:"phase,omitempty"`
	Incomplete queue.Counts `json:"incomplete"`
}

// StatusFunc produces the /status report.
type StatusFunc func(ctx context.Context) (Report, error)

// SpoolStatus tallies the non-terminal messages in store. phase may be nil.
func SpoolStatus(store queue.Store, phase func() string) StatusFunc {
	return func(ctx context.Context) (Report, error) {
		pending, err := store.ListIncomplete(ctx)
		if err != nil {
			return Report{}, err
		}
		r := Report{Incomplete: queue.Tally(pending...)}
		if phase != nil {
			r.Phase = phase()
		}
		return r, nil
	}
}

// Handler returns the health mux. A nil status disables /status.
func Handler(status StatusFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			rep, err := status(r.Context())
			if err != nil {
				slog.Warn("status unavailable", "err", err)
				http.Error(w, "status unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rep)
		})
	}
	return mux
}

// StartHealthServer listens on addr and serves Handler in the background.
// The caller shuts the server down.
func StartHealthServer(addr string, status StatusFunc) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("health listen: %w", err)
	}
	srv := &http.Server{
		Handler:           Handler(status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()
	return srv, ln, nil
}
