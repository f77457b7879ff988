package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queryctl/coordinator/infrastructure/logging"
	"github.com/queryctl/coordinator/infrastructure/metrics"
	"github.com/queryctl/coordinator/infrastructure/middleware"
	"github.com/queryctl/coordinator/internal/querycore/stream"
)

// newRouter builds the coordinator's HTTP surface (SPEC_FULL.md §6):
// the submission protocol, the synchronous execute wrapper, and the
// ambient health/metrics endpoints, wrapped in the teacher's
// logging/metrics/recovery/timeout middleware chain
// (infrastructure/middleware), matching cmd/gateway's own route-table-plus-
// middleware-chain construction.
func newRouter(streaming *stream.Manager, executeTimeout time.Duration, logger *logging.Logger, m *metrics.Metrics, ready *bool, version string, perClientRateLimit, perClientBurst int) *mux.Router {
	a := &api{streaming: streaming, executeTimeout: executeTimeout}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.MetricsMiddleware("coordinator", m))
	r.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	r.Use(middleware.NewTimeoutMiddleware(executeTimeout + 30*time.Second).Handler)
	if perClientRateLimit > 0 {
		limiter := middleware.NewRateLimiter(perClientRateLimit, perClientBurst, logger)
		limiter.StartCleanup(time.Minute) // runs for the process lifetime, stopped on exit
		r.Use(limiter.Handler)
	}

	r.HandleFunc("/v1/statement", a.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/statement/{queryId}/{token}", a.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/v1/statement/{queryId}/{token}", a.handleCancel).Methods(http.MethodDelete)
	r.HandleFunc("/v1/execute", a.handleExecute).Methods(http.MethodPost)

	r.HandleFunc("/healthz", middleware.NewHealthChecker(version).Handler()).Methods(http.MethodGet)
	r.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", middleware.ReadinessHandler(ready)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
