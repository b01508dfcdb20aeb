package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/runner"
)

// Options configures a Server.
type Options struct {
	Addr string
	// RequestsPerMinute and Burst configure the per client token bucket.
	// Zero RequestsPerMinute disables rate limiting.
	RequestsPerMinute int
	Burst             int
	// TrustedProxies may set X-Forwarded-For and X-Real-IP.
	TrustedProxies []string
	// OriginPatterns are the accepted WebSocket origins besides same-origin.
	OriginPatterns  []string
	ShutdownTimeout time.Duration
	Logger          logging.Logger
}

// Server is the HTTP front of the runner and the call manager.
type Server struct {
	runner *runner.Runner
	calls  *call.Manager
	opts   Options

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// New creates a Server.
func New(r *runner.Runner, calls *call.Manager, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:              ":8080",
		RequestsPerMinute: 120,
		Burst:             20,
		ShutdownTimeout:   10 * time.Second,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Server{runner: r, calls: calls, opts: opts}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/chat/{sessionId}/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/chat/{sessionId}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/chat/{sessionId}/auth-status", s.handleAuthStatus)
	mux.HandleFunc("POST /v1/chat/{sessionId}/auth", s.handleAuth)
	mux.HandleFunc("POST /v1/conversations/{id}/close", s.handleCloseConversation)

	mux.HandleFunc("POST /v1/calls", s.handleStartCall)
	mux.HandleFunc("POST /v1/calls/{sessionId}/connect", s.handleConnectCall)
	mux.HandleFunc("POST /v1/calls/{sessionId}/utterances", s.handleUtterance)
	mux.HandleFunc("POST /v1/calls/{sessionId}/end", s.handleEndCall)

	mux.HandleFunc("GET /v1/escalations", s.handleListEscalations)
	mux.HandleFunc("POST /v1/escalations/{id}/{action}", s.handleEscalationAction)

	var h http.Handler = mux
	if s.opts.RequestsPerMinute > 0 {
		h = newClientLimiter(s.opts.RequestsPerMinute, s.opts.Burst, s.opts.TrustedProxies).Middleware(h)
	}
	return logRequests(s.opts.Logger, h)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.opts.Logger.Info("server.started", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	return s.Stop(context.Background())
}

// Stop shuts the server down, waiting for in-flight requests up to the
// shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	s.opts.Logger.Info("server.stopping")
	return srv.Shutdown(ctx)
}

// BoundAddr returns the listening address once Start bound it.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
