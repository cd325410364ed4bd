// Package api exposes the HTTP interface for the tank monitor service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tankmon/internal/authrelay"
	"tankmon/internal/config"
	"tankmon/internal/metrics"
	"tankmon/internal/middleware"
	"tankmon/internal/tank"
)

// Fetcher is the slice of the fetch coordinator the API drives.
type Fetcher interface {
	Fetch(ctx context.Context, force bool) (tank.Reading, error)
	Latest() (tank.Reading, bool)
	Connected() bool
}

// AuthFlow is the slice of the auth relay the API drives.
type AuthFlow interface {
	Start(ctx context.Context) (authrelay.StepResult, error)
	Click(ctx context.Context, x, y float64) (authrelay.StepResult, error)
	Type(ctx context.Context, text string) (authrelay.StepResult, error)
	PressKey(ctx context.Context, key string) (authrelay.StepResult, error)
	FillLogin(ctx context.Context, email, password string) (authrelay.StepResult, error)
	Finish(ctx context.Context) error
	State() (tank.AuthState, string)
	Abort()
}

// PageViewer serves the read-only page endpoints of the operator UI.
type PageViewer interface {
	Screenshot(ctx context.Context) ([]byte, error)
	Classify(ctx context.Context) (tank.PageInfo, error)
}

// Server wires HTTP handlers to the coordinator, relay and config store.
type Server struct {
	router         chi.Router
	fetcher        Fetcher
	auth           AuthFlow
	pages          PageViewer
	store          *config.Store
	history        tank.HistoryStore
	metrics        *metrics.Metrics
	onConfigChange func()
	logger         *zap.Logger
}

// NewServer constructs a Server with middleware and routes. History, metrics
// and onConfigChange may be nil when those integrations are disabled.
func NewServer(
	fetcher Fetcher,
	auth AuthFlow,
	pages PageViewer,
	store *config.Store,
	history tank.HistoryStore,
	m *metrics.Metrics,
	onConfigChange func(),
	logger *zap.Logger,
) *Server {
	s := &Server{
		fetcher:        fetcher,
		auth:           auth,
		pages:          pages,
		store:          store,
		history:        history,
		metrics:        m,
		onConfigChange: onConfigChange,
		logger:         logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics(m))
	r.Use(timeoutMiddleware(120 * time.Second))

	r.Get("/healthz", s.healthz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Post("/refresh", s.refresh)
		r.Get("/history", s.getHistory)
		r.Get("/config", s.getConfig)
		r.Post("/config", s.updateConfig)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/start", s.authStart)
			r.Post("/click", s.authClick)
			r.Post("/type", s.authType)
			r.Post("/key", s.authKey)
			r.Post("/fill-login", s.authFillLogin)
			r.Post("/finish", s.authFinish)
			r.Post("/abort", s.authAbort)
			r.Get("/screenshot", s.authScreenshot)
			r.Get("/page-info", s.authPageInfo)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	state, reason := s.auth.State()
	resp := map[string]any{
		"auth_state": state,
		"connected":  s.fetcher.Connected(),
	}
	if reason != "" {
		resp["auth_reason"] = reason
	}
	if reading, ok := s.fetcher.Latest(); ok {
		resp["reading"] = reading
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	reading, err := s.fetcher.Fetch(r.Context(), force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reading": reading})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history store disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "config_invalid", "limit must be a positive integer")
			return
		}
		limit = n
	}
	readings, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}
	if readings == nil {
		readings = []tank.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Masked())
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var u config.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", "invalid JSON")
		return
	}
	if _, err := s.store.Apply(u); err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", err.Error())
		return
	}
	if s.onConfigChange != nil {
		s.onConfigChange()
	}
	writeJSON(w, http.StatusOK, s.store.Masked())
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, tank.ErrNeedsAuth):
		status, code = http.StatusConflict, "needs_auth"
	case errors.Is(err, tank.ErrAuthInProgress):
		status, code = http.StatusConflict, "auth_in_progress"
	case errors.Is(err, authrelay.ErrNoFlow):
		status, code = http.StatusConflict, "no_auth_flow"
	case errors.Is(err, tank.ErrClassificationMismatch):
		status, code = http.StatusConflict, "classification_mismatch"
	case errors.Is(err, tank.ErrConfigInvalid):
		status, code = http.StatusBadRequest, "config_invalid"
	case errors.Is(err, tank.ErrScrapeFailed):
		status, code = http.StatusBadGateway, "scrape_failed"
	case errors.Is(err, tank.ErrTransport):
		status, code = http.StatusBadGateway, "transport_error"
	}
	writeError(w, status, code, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}
