package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/swag"
	"go.uber.org/zap"

	_ "github.com/forgeflow/core/cmd/forgeflowd/docs"
	"github.com/forgeflow/core/internal/health"
	"github.com/forgeflow/core/internal/resilience/dlq"
	"github.com/forgeflow/core/pkg/forgeflow"
)

// newRouter builds the operator-facing HTTP surface: health, detailed
// health, Prometheus metrics, and a small DLQ inspection API. Grounded on
// the teacher's interfaces/http/rest.Router.Setup, narrowed to this
// module's much smaller surface (no CORS, no versioned API — this is an
// operator/daemon endpoint set, not a public API).
func newRouter(core *forgeflow.Core) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(core.Logger))

	r.Get("/health", healthHandler(core))
	r.Get("/health/detailed", detailedHealthHandler(core))
	r.Get("/docs/swagger.json", swaggerSpecHandler())
	r.Handle("/metrics/prometheus", promhttp.Handler())

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", listDLQHandler(core))
		r.Post("/{id}/replay", replayDLQHandler(core))
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			logger.Debug("http request", zap.String("method", req.Method), zap.String("path", req.URL.Path))
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// swaggerSpecHandler serves the resolved OpenAPI document registered by
// cmd/forgeflowd/docs's init(), the way a generated swag UI route does.
func swaggerSpecHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, err := swag.ReadDoc("swagger")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(spec))
	}
}

// healthHandler godoc
// @Summary Aggregate safe-mode status
// @Router /health [get]
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]string
func healthHandler(core *forgeflow.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := core.HealthMesh.Current()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if rec.SafeMode != health.SafeModeHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"safe_mode": rec.SafeMode, "reason": rec.Reason})
	}
}

func detailedHealthHandler(core *forgeflow.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := core.Probes.CheckAll(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"aggregate": core.Probes.AggregateStatus(),
			"targets":   statuses,
		})
	}
}

func listDLQHandler(core *forgeflow.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := core.DLQ.List(dlq.Filter{})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func replayDLQHandler(core *forgeflow.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, err := core.DLQ.Replay(id, func(op dlq.Operation, ctx any) error {
			// Operators wire a real executor per deployment; the HTTP
			// surface by itself can only report what would be replayed.
			return nil
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}
