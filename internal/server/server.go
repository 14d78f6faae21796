// Package server provides HTTP server initialization and lifecycle management
// for the companion API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/sessions"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/web/handlers"
)

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Store    storage.Store
	Turns    handlers.TurnService
	Messages handlers.MessageAppender
	Sessions sessions.Store
	Hub      *handlers.WebSocketHub
	Version  string
}

// Server owns the HTTP listener and the notification hub.
type Server struct {
	cfg  *config.Config
	deps Deps

	handler http.Handler
	http    *http.Server
	done    chan struct{}
}

// New builds the route table. The hub is started by Start.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, done: make(chan struct{})}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	api := handlers.NewAPIHandlers(s.deps.Store, s.deps.Turns, s.deps.Messages, s.deps.Sessions)
	stats := handlers.NewStatsHandler(api)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			api.CreateSession(w, r)
		case http.MethodDelete:
			api.DeleteSession(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("POST /api/conversations", api.CreateConversation)
	apiMux.HandleFunc("GET /api/conversations/{id}", api.GetConversation)
	apiMux.HandleFunc("POST /api/conversations/{id}/messages", api.AppendMessages)
	apiMux.HandleFunc("POST /api/conversations/{id}/turns", api.StartTurn)
	apiMux.HandleFunc("GET /api/conversations/{id}/stats", stats.GetStats)
	apiMux.HandleFunc("POST /api/render/callback", api.RenderCallback)

	mux := http.NewServeMux()

	// Health endpoint, no auth required
	mux.HandleFunc("GET /api/health", s.health)

	mux.Handle("/api/", handlers.RequireAuth(apiMux, s.cfg, s.deps.Sessions))
	mux.Handle("GET /metrics", handlers.RequireAuth(promhttp.Handler(), s.cfg, s.deps.Sessions))

	// The hub authenticates the token query parameter itself.
	mux.Handle("/ws", s.deps.Hub)

	rateLimiter := handlers.NewRateLimiter(s.cfg.Security.RateLimit, s.cfg.Security.RateBurst)
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	return handlers.SecurityHeaders(handler)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if p, ok := s.deps.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.WithError(err).Warn("server: health check failed to reach store")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"version":%q}`, status, s.deps.Version)
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully and closes Done.
// Returns the actual address being listened on (useful with port 0).
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go s.deps.Hub.Run()

	// WriteTimeout stays off so websocket connections are not cut.
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	actualAddr := listener.Addr().String()
	log.WithField("addr", actualAddr).Info("server: listening")

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server: serve failed")
		}
	}()

	// Handle graceful shutdown
	go func() {
		defer close(s.done)
		<-ctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server: shutdown error")
		}
		s.deps.Hub.Stop()
		log.Info("server: stopped")
	}()

	return actualAddr, nil
}

// Done is closed once the server has shut down after its context ended.
func (s *Server) Done() <-chan struct{} {
	return s.done
}
