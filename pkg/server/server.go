// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

const maxBodyBytes = 1 << 20

// Service is what the HTTP surface needs from the orchestrator.
type Service interface {
	Generate(ctx context.Context, req models.GenerationRequest) models.GenerationResult
	CacheStats(ctx context.Context) (models.CacheStats, error)
	PurgeExpired(ctx context.Context) (int64, error)
	IsAvailable(ctx context.Context) bool
	ModelName() string
}

// Server is the MasterChef HTTP API.
type Server struct {
	listen string
	svc    Service
	logger *zap.Logger
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsHandler mounts h at path for GET.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) { s.mux.Handle("GET "+path, h) }
}

// New creates a Server for svc that will listen on listen.
func New(listen string, svc Service, opts ...Option) *Server {
	s := &Server{
		listen: listen,
		svc:    svc,
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /v1/admin/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("DELETE /v1/admin/cache", s.handleCachePurge)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "http"))
	return s
}

// ServeHTTP implements http.Handler. Every response carries X-Request-ID,
// taken from the request or freshly generated.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set("X-Request-ID", requestID)
	}
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	s.logger.Info("request",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("took", time.Since(start)))
}

// ListenAndServe starts the server and shuts it down gracefully when ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("masterchef listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type generateBody struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var in generateBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(in.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if in.MaxTokens != nil && *in.MaxTokens <= 0 {
		writeJSONError(w, http.StatusBadRequest, "max_tokens must be positive")
		return
	}

	result := s.svc.Generate(r.Context(), models.GenerationRequest{
		Prompt:      in.Prompt,
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		CallerID:    callerID(r),
	})

	if result.Cached {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	writeJSON(w, statusCode(result.Status), result)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.CacheStats(r.Context())
	if err != nil {
		s.logger.Error("cache stats failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.PurgeExpired(r.Context())
	if err != nil {
		s.logger.Error("cache purge failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "up", Model: s.svc.ModelName()}
	code := http.StatusOK
	if !s.svc.IsAvailable(r.Context()) {
		h.Status = "down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func statusCode(status models.Status) int {
	switch status {
	case models.StatusSuccess, models.StatusCacheHit:
		return http.StatusOK
	case models.StatusRateLimited:
		return http.StatusTooManyRequests
	case models.StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// callerID prefers X-Caller-ID, then the bearer token.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"masterchef_error","code":%d}}`, message, code)
}
