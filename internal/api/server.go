package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/config"
	"github.com/impactmap/entity-scraper/internal/scraper"
	"github.com/impactmap/entity-scraper/internal/telemetry"
)

// Processor runs the extraction pipeline for one URL and reports whether the
// record was created or updated.
type Processor interface {
	Process(ctx context.Context, rawURL string) (*scraper.EntityRecord, string, error)
}

// Server wires HTTP handlers to the pipeline and the permission evaluator.
type Server struct {
	router    chi.Router
	processor Processor
	evaluator scraper.PermissionEvaluator
	entities  scraper.EntityStore
	clock     scraper.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	processor Processor,
	evaluator scraper.PermissionEvaluator,
	entities scraper.EntityStore,
	clock scraper.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		processor: processor,
		evaluator: evaluator,
		entities:  entities,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scrape", s.scrape)
		r.Post("/check-permission", s.checkPermission)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type urlRequest struct {
	URL *string `json:"url"`
}

type scrapeResponse struct {
	Status        string                `json:"status"`
	Message       string                `json:"message"`
	Data          *scraper.EntityRecord `json:"data"`
	ExecutionTime float64               `json:"execution_time"`
}

type errorResponse struct {
	Status        string  `json:"status"`
	Message       string  `json:"message"`
	ExecutionTime float64 `json:"execution_time"`
}

type permissionResponse struct {
	URL             string  `json:"url"`
	ScrapingAllowed bool    `json:"scraping_allowed"`
	Message         string  `json:"message"`
	ExecutionTime   float64 `json:"execution_time"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.entities.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rawURL, ok := decodeURLRequest(w, r, start)
	if !ok {
		return
	}

	record, operation, err := s.processor.Process(r.Context(), rawURL)
	if err != nil {
		s.writeProcessError(w, rawURL, err, start)
		return
	}

	writeJSON(w, http.StatusOK, scrapeResponse{
		Status:        "success",
		Message:       fmt.Sprintf("Data %s successfully", operation),
		Data:          record,
		ExecutionTime: executionSeconds(start),
	})
}

func (s *Server) checkPermission(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rawURL, ok := decodeURLRequest(w, r, start)
	if !ok {
		return
	}
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "Empty URL provided", start)
		return
	}

	decision := s.evaluator.Evaluate(r.Context(), rawURL)
	writeJSON(w, http.StatusOK, permissionResponse{
		URL:             rawURL,
		ScrapingAllowed: decision.Allowed,
		Message:         decision.Reason,
		ExecutionTime:   executionSeconds(start),
	})
}

// decodeURLRequest parses the request body and returns the trimmed URL. A
// missing body or absent url field is rejected here; an empty value is left
// for the caller so each endpoint reports it at the right stage.
func decodeURLRequest(w http.ResponseWriter, r *http.Request, start time.Time) (string, bool) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == nil {
		writeError(w, http.StatusBadRequest, "Missing URL parameter", start)
		return "", false
	}
	return strings.TrimSpace(*req.URL), true
}

// writeProcessError maps pipeline errors onto the wire: caller input errors
// are 400 with the bare message, everything else is a 500 processing failure.
func (s *Server) writeProcessError(w http.ResponseWriter, rawURL string, err error, start time.Time) {
	if scraper.ErrorCode(err) == scraper.EINVALID {
		writeError(w, http.StatusBadRequest, scraper.ErrorMessage(err), start)
		return
	}
	s.logger.Error("scrape failed", zap.String("url", rawURL), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Data processing failed: "+scraper.ErrorMessage(err), start)
}

// executionSeconds reports elapsed time in seconds rounded to two decimals,
// the precision the response contract promises.
func executionSeconds(start time.Time) float64 {
	return math.Round(time.Since(start).Seconds()*100) / 100
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", time.Now())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, start time.Time) {
	writeJSON(w, status, errorResponse{
		Status:        "error",
		Message:       msg,
		ExecutionTime: executionSeconds(start),
	})
}
