package httpapi

import (
	"context"
	"net/http"
	"time"

	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService wraps a built handler with auth, rate limiting, and metrics
// middleware. Auth sees real requests; metrics wraps the final handler.
func NewService(handler http.Handler, auth *Authenticator, limiter *RateLimiter, addr string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	wrapped := handler
	if auth != nil {
		wrapped = auth.Middleware(wrapped)
	}
	if limiter != nil {
		wrapped = limiter.Middleware(wrapped)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", wrapped)
	return &Service{
		addr:    addr,
		handler: metrics.InstrumentHandler(mux),
		log:     log,
	}
}

var _ system.Service = (*Service)(nil)

// Name returns the service identifier.
func (s *Service) Name() string { return "http" }

// Descriptor advertises the HTTP surface's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "http",
		Domain:       "api",
		Layer:        core.LayerIngress,
		Capabilities: []string{"tenant-api", "node-api", "hub", "proxy"},
	}
}

// Start begins serving. WebSocket proxies stream indefinitely, so no write
// timeout is set; reads are still bounded per request by handlers.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	s.log.WithField("addr", s.addr).Info("http api listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
