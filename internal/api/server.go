package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/pkg"
)

// RingNode is the part of a chord node the status server reports on.
type RingNode interface {
	Snapshot(ctx context.Context) (*chord.RingSnapshot, error)
}

var _ RingNode = (*chord.ChordNode)(nil)

// Server is the HTTP status server: health, ring snapshot and live events.
type Server struct {
	address    string
	node       RingNode
	wsHub      *WebSocketHub
	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
	logger     *pkg.Logger
	mu         sync.Mutex
}

// NewServer creates a status server for node on address.
func NewServer(address string, node RingNode, logger *pkg.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		address: address,
		node:    node,
		wsHub:   NewWebSocketHub(logger),
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/health", s.healthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/ring", s.ringHandler)
		r.Get("/ws", s.wsHub.HandleWebSocket)
	})
	return r
}

// Hub returns the event hub, to be installed as the node's broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("http server already started")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.wsHub.Start()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down, then disconnects websocket clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping HTTP API server")

	var err error
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if serr := httpServer.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shutdown HTTP server: %w", serr)
		}
	}
	s.wsHub.Stop()

	s.logger.Info().Msg("HTTP API server stopped")
	return err
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ringHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.node.Snapshot(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to snapshot ring state")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
