// Package server exposes the backup worker over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bamsammich/backupq/internal/authz"
	"github.com/bamsammich/backupq/internal/progress"
	"github.com/bamsammich/backupq/internal/worker"
)

// Backend is the worker surface the HTTP API drives.
type Backend interface {
	Submit(req worker.Request) (worker.Task, error)
	State() worker.Status
	Queued() []worker.Task
}

// Stream is the progress surface the HTTP API reads.
type Stream interface {
	Subscribe() *progress.Subscription
	Recent(n int) []string
}

// Config wires the server's collaborators.
type Config struct {
	Addr       string
	Backend    Backend
	Stream     Stream
	Authorizer *authz.Authorizer
	// KeepAlive is the SSE comment interval (default 15s).
	KeepAlive time.Duration
	// OriginPatterns lists extra hosts allowed to open /ws cross-origin.
	// Same-origin and non-browser clients are always accepted.
	OriginPatterns []string
}

// Server is the backupq HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	ln         net.Listener
}

// New creates a server. Routes are registered immediately so Handler can be
// exercised without listening.
func New(cfg Config) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/add", s.handleAdd)
	r.Get("/api/queue", s.handleQueue)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/list", s.handleList)
	r.Get("/api/roots", s.handleRoots)
	r.Get("/api/log", s.handleLog)
	r.Get("/stream", s.handleSSE)
	r.Get("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Listen binds the configured address and returns the bound address.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
// Listen must have been called. Streaming handlers end when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server: Serve called before Listen")
	}
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	slog.Info("backupq listening", "addr", s.ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(s.ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
