// Package gateway exposes the control plane over HTTP: a JSON RPC endpoint
// for artifact and delegation methods, a websocket stream of observability
// events, health and metrics endpoints, and operator authentication.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/auth"
	"github.com/msimon42/openclaw-sub000/internal/delegation"
	"github.com/msimon42/openclaw-sub000/internal/stream"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
)

// Options wires the server's collaborators. Auth may be nil or disabled, in
// which case every request passes unauthenticated.
type Options struct {
	Addr       string
	Auth       *auth.Authenticator
	Hub        *stream.Hub
	Artifacts  *artifacts.Store
	Delegation *delegation.Gateway
	Telemetry  *telemetry.Aggregator
	Logger     *slog.Logger
}

// Server is the control plane HTTP server.
type Server struct {
	opts      Options
	logger    *slog.Logger
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:      opts,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Handler builds the route table. Split from Start so tests can drive the
// mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/v1/rpc", s.requireAuth(http.HandlerFunc(s.handleRPC)))
	mux.Handle("/v1/stream", s.requireAuth(http.HandlerFunc(s.handleStream)))
	return mux
}

// Start listens and serves in the background. Shutdown stops it.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startTime).Milliseconds(),
	}
	if s.opts.Telemetry != nil {
		payload["activeRequests"] = s.opts.Telemetry.ActiveRequests()
	}
	writeJSON(w, http.StatusOK, payload)
}

// requireAuth verifies the bearer credential when authentication is
// configured. Failures get the uniform error envelope.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := s.opts.Auth
		if a == nil || !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		credential := auth.FromHeader(r.Header.Get("Authorization"))
		if credential == "" {
			credential = r.URL.Query().Get("access_token")
		}
		if _, err := a.Verify(credential); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": rpcError(CodeInvalidRequest, "unauthorized"),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
