// Package server provides the HTTP host of the AS2 daemon.
//
// # AS2 Endpoint
//
// POST {basePath} - Receives AS2 messages and asynchronous MDNs. Requests
// pass the optional basic authentication of the inbound section before the
// as2.Server decrypts, verifies and answers them. Received messages and
// their payloads are persisted; MDNs are reconciled with the outbound
// record of the original message.
//
// # REST API (basic authentication when inbound users are configured)
//
//   - GET  /api/partners                 - Configured trading partners
//   - GET  /api/transmissions            - List transmission records
//   - GET  /api/transmissions/{id}       - Get one record
//   - GET  /api/payloads/{id}            - Download a received payload
//   - POST /api/messages                 - Send a message to a partner
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe (pings the store)
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-as2/internal/archive"
	"github.com/sirosfoundation/go-as2/internal/auth"
	"github.com/sirosfoundation/go-as2/internal/config"
	"github.com/sirosfoundation/go-as2/internal/metrics"
	"github.com/sirosfoundation/go-as2/internal/sender"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/reliability"
	"github.com/sirosfoundation/go-as2/pkg/smime"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// Server is the AS2 daemon's HTTP host
type Server struct {
	config        *config.Config
	logger        *slog.Logger
	httpSrv       *transport.HTTPSServer
	handler       http.Handler
	store         storage.Store
	partners      *partner.Registry
	authenticator *auth.Authenticator
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	tracker       *reliability.MessageTracker
	queue         *sender.Queue
	sender        *sender.Sender
	as2Server     *as2.Server
}

// Dependencies are the collaborators the host cannot build from
// configuration alone.
type Dependencies struct {
	Store    storage.Store
	Partners *partner.Registry
	Security smime.Provider
	// Registry receives the metrics. Nil creates a private registry with
	// the Go and process collectors.
	Registry *prometheus.Registry
}

// New creates a new AS2 host
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Partners == nil || deps.Security == nil {
		return nil, errors.New("server: store, partners and security provider are required")
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		store:    deps.Store,
		partners: deps.Partners,
		metrics:  metrics.NewMetrics(reg),
		gatherer: reg,
		tracker:  reliability.NewMessageTracker(cfg.Server.DuplicateWindow),
	}

	httpsCfg := transport.DefaultHTTPSConfig()
	httpsCfg.Timeout = cfg.Outbound.Timeout
	httpsCfg.MaxRedirects = cfg.Outbound.MaxRedirects
	httpsCfg.LocalAddr = cfg.Outbound.LocalAddr
	httpsCfg.InsecureSkipVerify = cfg.Outbound.InsecureSkipVerify

	client, err := as2.NewClient(&as2.ClientConfig{Transport: httpsCfg, Tracker: s.tracker, Logger: logger})
	if err != nil {
		s.tracker.Close()
		return nil, fmt.Errorf("initializing AS2 client: %w", err)
	}

	var archiver as2.Archiver
	if cfg.Archive.Dir != "" {
		a, err := archive.New(cfg.Archive.Dir)
		if err != nil {
			s.tracker.Close()
			return nil, fmt.Errorf("initializing archive: %w", err)
		}
		archiver = a
	}

	s.queue = sender.NewQueue(&sender.QueueConfig{
		Workers:   cfg.Outbound.Workers,
		QueueSize: cfg.Outbound.QueueSize,
		Metrics:   s.metrics,
		Logger:    logger,
	})

	s.as2Server, err = as2.NewServer(&as2.ServerConfig{
		Partners:   deps.Partners,
		Security:   deps.Security,
		WorkDir:    cfg.Server.WorkDir,
		Client:     client,
		Archiver:   archiver,
		Handler:    &inbox{store: deps.Store, metrics: s.metrics, logger: logger},
		Dispatcher: s.queue,
		Recorder:   s.metrics,
		Tracker:    s.tracker,
		AsyncDelay: cfg.Server.AsyncMDNDelay,
		Logger:     logger,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("initializing AS2 server: %w", err)
	}

	s.sender, err = sender.New(&sender.Config{
		Client:       client,
		Partners:     deps.Partners,
		Security:     deps.Security,
		Store:        deps.Store,
		Metrics:      s.metrics,
		WorkDir:      cfg.Server.WorkDir,
		LocalID:      cfg.Outbound.LocalPartner,
		OutboxDir:    cfg.Outbound.OutboxDir,
		PollInterval: cfg.Outbound.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("initializing sender: %w", err)
	}

	s.authenticator = auth.NewAuthenticator(&cfg.Inbound, logger)
	if s.authenticator.IsEnabled() {
		logger.Info("basic authentication enabled", "users", len(cfg.Inbound.Users))
	} else {
		logger.Warn("basic authentication disabled - the AS2 endpoint and API accept unauthenticated requests")
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = mux

	serverCfg := transport.DefaultHTTPSConfig()
	serverCfg.Timeout = 60 * time.Second
	serverCfg.IdleConnTimeout = 120 * time.Second
	if cfg.Server.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		serverCfg.Certificates = []tls.Certificate{cert}
	}
	s.httpSrv = transport.NewHTTPSServer(fmt.Sprintf(":%d", cfg.Server.Port), serverCfg, mux)

	return s, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes(mux *http.ServeMux) {
	basePath := s.config.Server.BasePath

	// Health endpoints (no auth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// AS2 endpoint
	mux.Handle("POST "+basePath, s.authenticator.Middleware(s.as2Server))

	// REST API
	mux.Handle("GET /api/partners", s.withAuth(s.handleListPartners))
	mux.Handle("GET /api/transmissions", s.withAuth(s.handleListTransmissions))
	mux.Handle("GET /api/transmissions/{id}", s.withAuth(s.handleGetTransmission))
	mux.Handle("GET /api/payloads/{id}", s.withAuth(s.handleGetPayload))
	mux.Handle("POST /api/messages", s.withAuth(s.handleSendMessage))

	if s.config.Metrics.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return s.authenticator.Middleware(next)
}

// Start begins background work and listens until Shutdown
func (s *Server) Start(ctx context.Context) error {
	s.sender.Start(ctx)
	s.logger.Info("starting server", "port", s.config.Server.Port, "base_path", s.config.Server.BasePath,
		"tls", s.config.Server.TLS.Enabled)
	return s.httpSrv.Start()
}

// Shutdown gracefully stops the server. Pending asynchronous MDNs are
// delivered before it returns unless ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.sender.Stop()
	if qerr := s.queue.Stop(ctx); qerr != nil && !errors.Is(qerr, sender.ErrQueueClosed) {
		err = errors.Join(err, qerr)
	}
	s.tracker.Close()
	return err
}

func (s *Server) close() {
	if s.queue != nil {
		_ = s.queue.Stop(context.Background())
	}
	s.tracker.Close()
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
