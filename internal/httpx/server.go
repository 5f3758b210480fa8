// Package httpx exposes checkout, cancellation and order queries over HTTP.
package httpx

import (
	"context"
	"net/http"
	"time"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/projection"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Commands is the write side the API drives.
type Commands interface {
	Checkout(ctx context.Context, req orders.CheckoutRequest) (uuid.UUID, error)
	RequestCancellation(ctx context.Context, orderID uuid.UUID, reason string) error
}

// Queries is the read side the API serves.
type Queries interface {
	Get(ctx context.Context, id uuid.UUID) (projection.OrderSummary, error)
	List(ctx context.Context, f projection.Filter) ([]projection.OrderSummary, error)
}

// Config wires the router. Guard, Feed and Metrics are optional.
type Config struct {
	Commands Commands
	Queries  Queries
	Guard    *idempotency.Guard
	Feed     http.Handler
	Metrics  *observability.Metrics
	Timeout  time.Duration
	Logf     func(format string, args ...any)
}

// NewRouter builds the chi router for the public API.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	h := &handlers{cmd: cfg.Commands, query: cfg.Queries, logf: cfg.Logf}
	if h.logf == nil {
		h.logf = func(string, ...any) {}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", observability.Handler(cfg.Metrics))
	}
	if cfg.Feed != nil {
		// Websocket connections outlive the request timeout.
		r.Handle("/ws/orders", cfg.Feed)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Timeout))
		m := cfg.Metrics
		r.With(instrument(m, "checkout"), guard(cfg.Guard, "checkout")).Post("/checkout", h.checkout)
		r.With(instrument(m, "cancel"), guard(cfg.Guard, "cancel-order")).Post("/orders/{id}/cancel", h.cancel)
		r.With(instrument(m, "get-order")).Get("/orders/{id}", h.getOrder)
		r.With(instrument(m, "list-orders")).Get("/orders", h.listOrders)
	})
	return r
}

func guard(g *idempotency.Guard, name string) func(http.Handler) http.Handler {
	if g == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return g.Require(name)
}

// instrument records one call span per request to the named route. A 5xx
// response counts as an error.
func instrument(metrics *observability.Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			span := metrics.Start("http/" + route)
			next.ServeHTTP(ww, r)
			var err error
			if ww.Status() >= http.StatusInternalServerError {
				err = errServer
			}
			span.End(err)
		})
	}
}
