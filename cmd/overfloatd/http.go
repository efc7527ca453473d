package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"overfloatd/internal/health"
	"overfloatd/internal/metrics"
	"overfloatd/internal/watcher"
)

// newHTTPHandler serves the loopback observability endpoints:
//
//	GET /metrics  Prometheus text exposition
//	GET /healthz  component health report
//	GET /livez    liveness
//	GET /readyz   readiness
//	GET /watches  running watches as JSON
func newHTTPHandler(m *metrics.Overfloat, checker *health.Checker, registry *watcher.Registry, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", m.Registry().HTTPHandler())

	r.Method(http.MethodGet, "/healthz", checker.HealthHandler(version))
	r.Method(http.MethodGet, "/livez", checker.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", checker.ReadinessHandler())

	r.Get("/watches", func(w http.ResponseWriter, r *http.Request) {
		consumer := r.URL.Query().Get("consumer")
		out := []watcher.Info{}
		for _, info := range registry.Watches() {
			if consumer == "" || info.Consumer == consumer {
				out = append(out, info)
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
