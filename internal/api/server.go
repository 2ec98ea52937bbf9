package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/engine"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server is the AccessGuard REST API server.
type Server struct {
	engine *engine.Engine
	server *http.Server
	router chi.Router
	logger zerolog.Logger
}

// NewServer creates a new API server for a started engine.
func NewServer(e *engine.Engine) *Server {
	s := &Server{
		engine: e,
		logger: e.Logger.With().Str("component", "api_server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(e.Config.Server.CORSOrigins))
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		if rate := e.Config.Server.RateLimitPerSecond; rate > 0 {
			r.Use(httprate.Limit(rate, time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					w.Header().Set("Retry-After", "1")
					writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded, try again shortly"})
				}),
			))
		}
		r.Use(authMiddleware(e.Config, s.logger))

		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)
		s.mountRBAC(r)
		s.mountDirectory(r)
		s.mountAnomalies(r)
		s.mountResponses(r)
	})

	s.router = r
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", e.Config.Server.Host, e.Config.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.engine.Config.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.engine.Config.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or ACCESSGUARD_API_KEY")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	e := s.engine
	status := map[string]interface{}{
		"version":       engine.Version,
		"status":        "running",
		"uptime":        e.Uptime().Round(time.Second).String(),
		"storage":       e.Config.Storage.Driver,
		"sessions":      e.Config.Sessions.Driver,
		"auto_trigger":  e.Config.Response.AutoTrigger,
		"bus_connected": e.Bus != nil && e.Bus.IsConnected(),
		"timestamp":     time.Now().UTC(),
	}
	if e.Bus != nil {
		status["bus"] = e.Bus.GetMetrics()
	}
	if e.Collectors != nil {
		status["collectors"] = e.Collectors.Status()
	}
	if e.Syslog != nil {
		status["syslog"] = e.Syslog.Stats()
	}
	if stats, err := e.Executor.GetResponseStats(r.Context()); err == nil {
		status["responses"] = stats
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = 100
	}
	entries := s.engine.Logs.Recent(limit, r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries, "total": len(entries)})
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps the error classes onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsValidation(err):
		status = http.StatusBadRequest
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeJSON reads a JSON body into v and runs struct validation on it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return core.ValidationError("failed to read body: %v", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return core.ValidationError("request body required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return core.ValidationError("invalid JSON: %v", err)
	}
	return core.Validate(v)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// authMiddleware enforces API key authentication. Keys come from
// server.api_keys or ACCESSGUARD_API_KEY; with no keys configured every
// request is allowed and a warning is logged at startup.
func authMiddleware(cfg *core.Config, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if auth := r.Header.Get("Authorization"); auth != "" {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "missing authentication, provide Authorization: Bearer <key> or X-API-Key header",
				})
				return
			}
			if !cfg.ValidateAPIKey(key) {
				logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := "*"
			if len(allowedOrigins) > 0 {
				allowed = ""
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = origin
						break
					}
				}
				if allowed == "" {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
