// Package httpapi builds the small chi-routed HTTP surface shared by the
// scheduler and backend binaries: health, Prometheus metrics, and a JSON
// status snapshot. It never carries the control-plane RPC traffic itself
// (that travels over the websocket handlers in internal/sched and
// internal/backend) — this is diagnostics only.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc produces the current JSON status snapshot on demand.
type StatusFunc func() any

// New builds a router exposing /healthz, /metrics, and /status. corsOrigins
// may be nil to disable CORS entirely; both the scheduler and backend
// binaries pass nil.
func New(status StatusFunc, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(status())
		})
	}
	return r
}
