// Package httpx holds the HTTP plumbing shared by the services: the chi router with
// request ids, access logs, metrics and JSON error replies.
package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/metrics"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 10 << 10

// NewRouter returns a router with the common middleware, /healthz, /metrics and JSON
// 404 and 405 replies. Services mount their routes on it.
func NewRouter(service string, log *zap.Logger, reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(AccessLog(log))
	r.Use(NewMetrics(reg).Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "Route not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "Route not found.")
	})

	return r
}
