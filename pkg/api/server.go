// Package api exposes the decision kernel over HTTP: plan submission and
// read-only evidence retrieval, with RFC 7807 problem details on every
// error path.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/evidence"
	"github.com/Halyard-Labs/keel/pkg/kernel"
)

const (
	// DefaultBudget bounds one plan request end to end, solve included.
	DefaultBudget = 90 * time.Second

	// maxBodyBytes caps the goal document size.
	maxBodyBytes = 4 << 20
)

// Server is the HTTP front of the kernel.
type Server struct {
	kernel   *kernel.Kernel
	recorder *evidence.Recorder
	budget   time.Duration
	limiter  *RateLimiter
	auth     *TokenAuth
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBudget overrides the per-request time budget.
func WithBudget(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.budget = d
		}
	}
}

// WithRateLimiter installs a per-client rate limiter.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithTokenAuth requires a valid bearer token on every non-health request
// and pins each plan to its token's tenant.
func WithTokenAuth(a *TokenAuth) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the API server over a kernel and its evidence recorder.
func NewServer(k *kernel.Kernel, rec *evidence.Recorder, opts ...ServerOption) *Server {
	s := &Server{
		kernel:   k,
		recorder: rec,
		budget:   DefaultBudget,
		logger:   slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/plans", s.handlePlan)
	mux.HandleFunc("GET /v1/evidence/{seq}", s.handleEvidence)
	mux.HandleFunc("GET /v1/evidence/{seq}/{hash}", s.handleEvidence)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	var h http.Handler = mux
	if s.auth != nil {
		h = s.auth.Middleware(h)
	}
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return requestID(h)
}

// planRequest is the submission body. Context is the caller-supplied policy
// evaluation context; the time limit bounds the solver, not the request.
type planRequest struct {
	Goal        *contracts.GoalDocument `json:"goal"`
	Context     map[string]any          `json:"context,omitempty"`
	WarmStart   map[string]float64      `json:"warm_start,omitempty"`
	TimeLimitMS int64                   `json:"time_limit_ms,omitempty"`
	MIPGap      float64                 `json:"mip_gap,omitempty"`
}

// planResponse wraps the kernel result with the external evidence ref form.
type planResponse struct {
	Result      *kernel.PlanResult `json:"result"`
	EvidenceRef string             `json:"evidence_ref"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req planRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.Goal == nil {
		writeBadRequest(w, r, "goal is required")
		return
	}
	if tenant, ok := TenantFromContext(r.Context()); ok && req.Goal.TenantID != tenant {
		writeProblem(w, r, tenantMismatchProblem(tenant))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.budget)
	defer cancel()

	res, err := s.kernel.Plan(ctx, kernel.PlanRequest{
		Goal:      req.Goal,
		Context:   req.Context,
		WarmStart: req.WarmStart,
		TimeLimit: time.Duration(req.TimeLimitMS) * time.Millisecond,
		MIPGap:    req.MIPGap,
	})
	if err != nil {
		writeProblem(w, r, problemFromError(err, s.logger))
		return
	}
	s.writeJSON(w, http.StatusOK, planResponse{
		Result:      res,
		EvidenceRef: res.EvidenceRef.String(),
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeBadRequest(w, r, "evidence reference sequence must be a non-negative integer")
		return
	}
	ref := contracts.EvidenceRef{Sequence: seq, SnapshotHash: r.PathValue("hash")}

	rec, err := s.recorder.Get(r.Context(), ref)
	if err != nil {
		writeProblem(w, r, problemFromError(err, s.logger))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}
