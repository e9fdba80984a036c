// Package server exposes plan validation over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/loader"
	"github.com/polisai/plan-lint/pkg/telemetry"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const defaultMaxBodyBytes = 1 << 20

type contextKey string

const requestIDContextKey contextKey = "requestID"

// PolicySource yields the policy in effect for each request.
type PolicySource interface {
	Current() *loader.PolicyDocument
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy struct {
	Doc *loader.PolicyDocument
}

// Current returns the wrapped document.
func (s StaticPolicy) Current() *loader.PolicyDocument { return s.Doc }

// Validator is the capability the server needs from the validator package.
type Validator interface {
	ValidateSource(ctx context.Context, plan *domain.Plan, pol *domain.Policy, source string) domain.ValidationResult
}

// Config configures a Server.
type Config struct {
	Validator    Validator
	Policies     PolicySource
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64

	// Rego, when set, is evaluated instead of the policy document's own
	// Rego or its compiled form.
	Rego string
}

// Server handles validation requests.
type Server struct {
	validator    Validator
	policies     PolicySource
	rego         string
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	maxBodyBytes int64
}

// New constructs a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Server{
		validator:    cfg.Validator,
		policies:     cfg.Policies,
		rego:         cfg.Rego,
		metrics:      cfg.Metrics,
		logger:       logger,
		maxBodyBytes: maxBody,
	}
}

// Handler returns the root handler with request ids, metrics and
// OpenTelemetry instrumentation applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/validate", s.handleValidate)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return otelhttp.NewHandler(s.requestID(s.instrument(mux)), "plan-lint")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	doc := s.policies.Current()
	if doc == nil || doc.Policy == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "no policy loaded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "plan exceeds the request size limit")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	plan, err := domain.ParsePlan(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	source := doc.Rego
	if s.rego != "" {
		source = s.rego
	}
	result := s.validator.ValidateSource(r.Context(), plan, doc.Policy, source)

	s.logger.DebugContext(r.Context(), "Validation request handled",
		"request_id", RequestIDFromContext(r.Context()),
		"status", result.Status,
		"risk_score", result.RiskScore,
	)
	writeJSON(w, http.StatusOK, result)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.logger.WarnContext(r.Context(), "Validation request rejected",
		"request_id", RequestIDFromContext(r.Context()),
		"status_code", status,
		"error", msg,
	)
	writeJSON(w, status, errorResponse{Error: msg, RequestID: RequestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID propagates a caller supplied X-Request-ID or assigns a new one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext extracts the request id set by the server.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
