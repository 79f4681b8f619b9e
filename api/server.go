// Package api serves ticketchain over HTTP: admin chain introspection,
// dynamic QR issue and verification, admin scanning, and reconciled
// ticket history.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"ticketchain/archive"
	"ticketchain/blockchain"
	"ticketchain/consensus"
	"ticketchain/history"
	"ticketchain/metrics"
	"ticketchain/token"
)

type Config struct {
	Events  *blockchain.Service
	Tokens  *token.Service
	History *history.Reconciler

	// Guard backs /api/chain/validate when set. Without it the
	// endpoint verifies the ledger directly.
	Guard *consensus.Guard

	// Archive backs /api/chain/snapshot. Without it the endpoint
	// answers 503.
	Archive *archive.Publisher

	Metrics *metrics.Metrics

	// AdminToken is the bearer token for admin endpoints. Empty
	// disables them.
	AdminToken string

	Logger *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	events     *blockchain.Service
	tokens     *token.Service
	history    *history.Reconciler
	guard      *consensus.Guard
	archive    *archive.Publisher
	metrics    *metrics.Metrics
	adminToken string
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Events == nil || cfg.Tokens == nil || cfg.History == nil {
		return nil, errors.New("api: event service, token service, and history reconciler are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		events:     cfg.Events,
		tokens:     cfg.Tokens,
		history:    cfg.History,
		guard:      cfg.Guard,
		archive:    cfg.Archive,
		metrics:    cfg.Metrics,
		adminToken: cfg.AdminToken,
		logger:     cfg.Logger,
		mux:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	// Chain introspection
	s.mux.HandleFunc("GET /api/blocks", s.requireAdmin(s.handleBlocks))
	s.mux.HandleFunc("GET /api/chain/stats", s.requireAdmin(s.handleChainStats))
	s.mux.HandleFunc("GET /api/chain/validate", s.requireAdmin(s.handleChainValidate))
	s.mux.HandleFunc("POST /api/chain/mine", s.requireAdmin(s.handleChainMine))
	s.mux.HandleFunc("POST /api/chain/snapshot", s.requireAdmin(s.handleChainSnapshot))

	// Tickets
	s.mux.HandleFunc("POST /api/tickets/{ticketId}/qr", s.handleIssueToken)
	s.mux.HandleFunc("POST /api/tickets/{ticketId}/scan", s.requireAdmin(s.handleScan))
	s.mux.HandleFunc("GET /api/tickets/{ticketId}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/tickets/{ticketId}/status", s.handleStatus)
	s.mux.HandleFunc("GET /"+strings.Trim(s.tokens.VerificationPath(), "/")+"/{ticketId}", s.handleVerify)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
		)
	})
}
