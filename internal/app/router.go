package app

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	backpayhttp "github.com/odyssey-erp/odyssey-backpay/internal/backpay/http"
	"github.com/odyssey-erp/odyssey-backpay/internal/observability"
	"github.com/odyssey-erp/odyssey-backpay/internal/platform/httpx"
	retropayhttp "github.com/odyssey-erp/odyssey-backpay/internal/retropay/http"
	"github.com/odyssey-erp/odyssey-backpay/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	BackpayHandler  *backpayhttp.Handler
	RetropayHandler *retropayhttp.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	Dependencies    map[string]Pinger
}

// Pinger is a downstream dependency probed by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/readyz", readiness(params.Dependencies))

	if params.BackpayHandler != nil {
		params.BackpayHandler.MountRoutes(r)
	}
	if params.RetropayHandler != nil {
		params.RetropayHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func readiness(deps map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(names))
		status := http.StatusOK
		for _, name := range names {
			if err := deps[name].Ping(r.Context()); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		httpx.JSON(w, status, map[string]any{"status": state, "checks": checks})
	}
}
