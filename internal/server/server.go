// Package server implements the HTTP transport layer for the warden proxy:
// the per-request lifecycle (authorize, throttle, forward) and the separate
// status listener.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	warden "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authorizer validates credentials against the external auth service.
type Authorizer interface {
	Authorize(ctx context.Context, req *warden.AuthRequest) (*warden.AuthResponse, error)
}

// Router admits a request and selects an upstream for it.
type Router interface {
	Select(ctx context.Context, ar *warden.AuthResponse) (*warden.Upstream, error)
}

// Forwarder replays an admitted request against an upstream.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, method, proto, host string,
		headers http.Header, body []byte, upstream *warden.Upstream) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth      Authorizer
	Engine    Router
	Forwarder Forwarder
	Realm     string             // sent in WWW-Authenticate on 401
	Metrics   *telemetry.Metrics // nil = no metrics
}

// New creates the proxy http.Handler. Every path is proxied; operational
// endpoints live on the status listener so the proxy surface stays
// transparent.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return r
}

type server struct {
	deps Deps
}

// NewStatus creates the handler for the status listener: health, readiness
// and Prometheus metrics.
func NewStatus(ready ReadyChecker, reg *prometheus.Registry) http.Handler {
	s := &server{deps: Deps{}}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", statusReadyz(ready))
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}
