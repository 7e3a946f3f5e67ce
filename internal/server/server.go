package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/gateway"
)

// Server is the downstream surface: the protocol websocket endpoint plus
// the administrative status routes.
type Server struct {
	provider    *gateway.Provider
	compression bool
	logger      *zap.Logger
}

// NewServer wires the downstream surface over a gateway provider.
func NewServer(provider *gateway.Provider, compression bool, logger *zap.Logger) *Server {
	return &Server{
		provider:    provider,
		compression: compression,
		logger:      logger,
	}
}

// NewRouter builds the HTTP routing for the server.
func NewRouter(s *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", healthzHandler)
	r.Get("/status", s.statusHandler)

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// statusHandler reports the provider state. Level 0 carries counts only;
// level >= 1 lists per-channel connection state and subscriber counts.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	level := 0
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		n, err := strconv.Atoi(lvl)
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		level = n
	}

	st := s.provider.Status(level)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("status encode failed", zap.Error(err))
	}
}
