// Package http provides the stateless fallback and admin surface of the
// relay, plus the mount point for the live-channel endpoint.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /api/messages                send (stores + optional live push)
//	GET    /api/messages                pull by recipient/status/limit
//	POST   /api/messages/{id}/read      ack fallback
//	DELETE /api/messages                retention sweep
//	GET    /api/status                  liveness + counts
//	GET    /api/connections             list live peers
//	GET    /ws                          live channel (WebSocket upgrade)
//	GET    /metrics                     Prometheus text format
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/botbridge/internal/config"
	"github.com/snehjoshi/botbridge/internal/metrics"
	"github.com/snehjoshi/botbridge/internal/registry"
	"github.com/snehjoshi/botbridge/internal/router"
	"github.com/snehjoshi/botbridge/internal/store"
	transportws "github.com/snehjoshi/botbridge/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with botbridge route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server over the delivery core.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(rt *router.Router, st store.Store, reg *registry.Registry, cfg *config.Config, nodeID string, metricsReg *metrics.Registry) *Server {
	h := &Handler{
		router:    rt,
		store:     st,
		registry:  reg,
		nodeID:    nodeID,
		purgeDays: cfg.Retention.PurgeAfterDays,
		metrics:   metricsReg,
	}
	ws := &transportws.Handler{Registry: reg, Router: rt, Metrics: metricsReg}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /api/messages", h.sendMessage)
	mux.HandleFunc("GET /api/messages", h.getMessages)
	mux.HandleFunc("POST /api/messages/{id}/read", h.markRead)
	mux.HandleFunc("DELETE /api/messages", h.purgeMessages)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/connections", h.connections)

	mux.Handle("GET /ws", ws)

	if metricsReg != nil {
		mux.Handle("GET /metrics", metricsReg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(metricsReg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: the /ws route holds its connection open
			// indefinitely and a write deadline would sever idle channels.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":3000").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
