// Package http serves the worker's health endpoints.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/ashwinsrini/how-do-i-fare/internal/adapter/otel"
	"github.com/ashwinsrini/how-do-i-fare/internal/middleware"
)

// readyTimeout bounds the dependency checks of a single /ready call.
const readyTimeout = 3 * time.Second

// Pinger reports whether a backing service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connector reports whether a long-lived connection is up.
type Connector interface {
	IsConnected() bool
}

// Capacity reports worker pool occupancy.
type Capacity interface {
	Active() int
	Limit() int
}

// Deps are the dependencies /ready inspects. Nil fields are skipped.
type Deps struct {
	DB      Pinger
	Queue   Connector
	Workers Capacity
}

// Options configures the router.
type Options struct {
	ServiceName string
	Limiter     *middleware.RateLimiter
	Tracing     bool
}

type component struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readyResponse struct {
	Status     string               `json:"status"`
	Components map[string]component `json:"components"`
	Workers    *workerStats         `json:"workers,omitempty"`
}

type workerStats struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

// NewRouter builds the health router: /health is liveness and always 200
// while the process serves, /ready checks the database and the queue.
func NewRouter(deps Deps, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	if opts.Tracing {
		r.Use(cfotel.HTTPMiddleware(opts.ServiceName))
	}
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", readyHandler(deps))
	return r
}

func readyHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		resp := readyResponse{Status: "ok", Components: map[string]component{}}
		if deps.DB != nil {
			c := component{Status: "ok"}
			if err := deps.DB.Ping(ctx); err != nil {
				c = component{Status: "down", Error: err.Error()}
				resp.Status = "degraded"
			}
			resp.Components["postgres"] = c
		}
		if deps.Queue != nil {
			c := component{Status: "ok"}
			if !deps.Queue.IsConnected() {
				c = component{Status: "down", Error: "not connected"}
				resp.Status = "degraded"
			}
			resp.Components["nats"] = c
		}
		if deps.Workers != nil {
			resp.Workers = &workerStats{Active: deps.Workers.Active(), Limit: deps.Workers.Limit()}
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
