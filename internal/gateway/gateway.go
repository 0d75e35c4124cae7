// Package gateway is the HTTP front of the coordination layer. Each
// route becomes one bus request; the reply envelope maps back onto the
// HTTP response. The gateway holds no domain state and never talks to
// the store directly.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/metrics"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/pkg/middleware"
	"github.com/UgoRastell/microsaas/internal/request"
)

const (
	defaultReadTimeout = 15 * time.Second
	// Write timeout leaves room for the slow send call plus margin.
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches the metrics registry and its collector; enables
// the metrics endpoint and /stats.
func WithMetrics(m *metrics.Metrics, coll *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = m
		s.collector = coll
	}
}

// WithMetricsPath overrides where the metrics exposition is mounted.
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithJournal exposes the bus journal read path under /debug/journal.
// Only mounted when the journal is enabled.
func WithJournal(j *bus.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithReadiness sets the probe behind /readyz.
func WithReadiness(fn func() bool) Option {
	return func(s *Server) { s.ready = fn }
}

// WithRateLimiter applies per-client rate limiting.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithCORS sets the allowed origins, comma separated. "*" allows all.
func WithCORS(origins string) Option {
	return func(s *Server) { s.cors = origins }
}

// WithDevMode makes failed bus requests fall back to clearly marked
// mock responses instead of errors. Never enable in production.
func WithDevMode(on bool) Option {
	return func(s *Server) { s.devMode = on }
}

// Server serves the JSON API over a request client.
type Server struct {
	client      *request.Client
	log         *logger.Logger
	metrics     *metrics.Metrics
	metricsPath string
	collector   *metrics.Collector
	journal     *bus.Journal
	limiter     *middleware.RateLimiter
	cors        string
	ready       func() bool
	devMode     bool

	mu      sync.Mutex
	httpSrv *http.Server
}

// New creates a gateway over the given request client.
func New(client *request.Client, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		client:      client,
		log:         log.WithComponent("gateway"),
		cors:        "*",
		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the full handler: routing plus the middleware chain.
// Order, outermost first: metrics, logging, CORS, rate limit, recovery.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/invoices", s.handleCreateInvoice)
	mux.HandleFunc("GET /v1/invoices/{id}", s.handleGetInvoice)
	mux.HandleFunc("POST /v1/invoices/{id}/send", s.handleSendInvoice)
	mux.HandleFunc("POST /v1/payments", s.handleCreatePayment)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	if s.collector != nil {
		mux.HandleFunc("GET /stats", s.handleStats)
	}
	if s.journal != nil && s.journal.IsEnabled() {
		mux.HandleFunc("GET /debug/journal", s.handleJournal)
	}

	var mws []func(http.Handler) http.Handler
	if s.metrics != nil {
		m := s.metrics
		mws = append(mws, func(next http.Handler) http.Handler {
			return metrics.HTTPMiddleware(m, next)
		})
	}
	mws = append(mws, middleware.Logging(s.log))
	mws = append(mws, middleware.CORS(s.cors))
	if s.limiter != nil {
		mws = append(mws, s.limiter.Middleware)
	}
	mws = append(mws, middleware.Recovery(s.log))

	return middleware.Chain(mux, mws...)
}

// Start runs the HTTP server on addr and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info("gateway listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.log.Info("gateway shutting down")
	return srv.Shutdown(ctx)
}
