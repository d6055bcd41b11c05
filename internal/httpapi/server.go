// Package httpapi serves the runtime's admin endpoint: health, Prometheus
// metrics and a view of the routing tables.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/auth"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// DefaultAddr is the admin listen address used when none is configured.
const DefaultAddr = "127.0.0.1:7448"

// Runtime is the part of a runtime the admin endpoint reads.
type Runtime interface {
	ID() peerlink.PeerID
	Mode() peerlink.Mode
	Peers() []peerlink.PeerInfo
	Routes() []meshnode.Route
	GetHealth(ctx context.Context) (meshnode.HealthStatus, error)
}

// Server represents the admin HTTP server
type Server struct {
	runtime    Runtime
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     *zap.Logger
}

// Config holds server configuration
type Config struct {
	Addr string `yaml:"addr"`
	// Secret enables token checks on /routes and /peers. Tokens must carry
	// the admin claim. Empty leaves every route open.
	Secret string `yaml:"secret"`

	Gatherer prometheus.Gatherer `yaml:"-"`
	Logger   *zap.Logger         `yaml:"-"`
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// NewServer creates a new admin server for rt.
func NewServer(rt Runtime, config Config) (*Server, error) {
	if rt == nil {
		return nil, errors.New("runtime cannot be nil")
	}
	config.SetDefaults()
	logger := config.Logger.Named("httpapi")

	var authenticator *auth.Authenticator
	if config.Secret != "" {
		authenticator = auth.New(config.Secret)
	}

	s := &Server{
		runtime:    rt,
		handlers:   NewHandlers(rt, logger),
		middleware: NewMiddleware(authenticator, logger),
		logger:     logger,
	}
	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           s.setupRoutes(config.Gatherer),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("admin endpoint listening", zap.Stringer("addr", l.Addr()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.GetOnly(handler)))
	}
	withJSON := func(handler http.HandlerFunc) http.Handler {
		return withMiddleware(s.middleware.ContentType(handler))
	}

	// Open endpoints
	mux.Handle("/health", withJSON(s.handlers.Health))
	mux.Handle("/metrics", withMiddleware(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger),
	}).ServeHTTP))

	// Routing state (admin auth when a secret is configured)
	mux.Handle("/routes", withJSON(s.middleware.AdminRequired(s.handlers.Routes)))
	mux.Handle("/peers", withJSON(s.middleware.AdminRequired(s.handlers.Peers)))

	mux.Handle("/", withJSON(s.handleRoot))

	return mux
}

// handleRoot provides endpoint information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]any{
		"service": "keymesh admin",
		"id":      s.runtime.ID().String(),
		"mode":    s.runtime.Mode().String(),
		"endpoints": map[string]string{
			"health":  "GET /health",
			"metrics": "GET /metrics",
			"routes":  "GET /routes?key={keyexpr}",
			"peers":   "GET /peers",
		},
	}
	if s.middleware.authRequired() {
		info["authentication"] = "Bearer token with the admin claim required for /routes and /peers"
	}
	writeJSON(w, info, http.StatusOK)
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
