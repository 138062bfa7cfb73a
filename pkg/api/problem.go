package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Halyard-Labs/keel/pkg/compiler"
	"github.com/Halyard-Labs/keel/pkg/evidence"
	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

// problemContentType is the RFC 7807 media type used for every error body.
const problemContentType = "application/problem+json"

// problemFromError maps a pipeline error to its wire form. Unknown errors
// become an opaque 500; their detail is logged, never exposed.
func problemFromError(err error, logger *slog.Logger) errorir.ErrorIR {
	var (
		verr *errorir.ValidationError
		cerr *compiler.CompileError
		derr *errorir.PolicyDeniedError
		busy *errorir.SolverBusyError
		serr *errorir.SolveError
	)
	switch {
	case errors.As(err, &verr):
		return errorir.New(verr.Code(), "Goal validation failed", verr.Error(),
			http.StatusBadRequest, errorir.ClassificationNonRetryable)
	case errors.As(err, &cerr):
		return problemFromCompile(cerr)
	case errors.As(err, &derr):
		return errorir.New(derr.Code(), "Policy denied", derr.Error(),
			http.StatusForbidden, errorir.ClassificationNonRetryable)
	case errors.As(err, &busy):
		ir := errorir.New(busy.Code(), "Solver busy", busy.Error(),
			http.StatusTooManyRequests, errorir.ClassificationRetryable)
		ir.Keel.RetryAfterMS = busy.RetryAfter.Milliseconds()
		return ir
	case errors.As(err, &serr):
		return errorir.New(serr.Code(), "Solve backend fault", serr.Error(),
			http.StatusInternalServerError, errorir.Classify(serr.Code()))
	case errors.Is(err, evidence.ErrNotFound):
		return errorir.New(errorir.CodeEvidenceNotFound, "Evidence not found",
			"no evidence record matches the given reference",
			http.StatusNotFound, errorir.ClassificationNonRetryable)
	case errors.Is(err, evidence.ErrRefMismatch):
		return errorir.New(errorir.CodeEvidenceHashMismatch, "Evidence reference mismatch",
			"the reference hash does not match the stored record",
			http.StatusConflict, errorir.ClassificationNonRetryable)
	}
	logger.Error("unhandled pipeline error", "err", err)
	return errorir.New(errorir.CodeSolveBackend, "Internal error",
		"an internal error occurred", http.StatusInternalServerError,
		errorir.ClassificationRetryable)
}

func problemFromCompile(cerr *compiler.CompileError) errorir.ErrorIR {
	switch cerr.Reason {
	case compiler.ReasonPolicyViolation:
		return errorir.New(errorir.CodeCompilePolicy, "Compile blocked by policy",
			cerr.Error(), http.StatusForbidden, errorir.ClassificationNonRetryable)
	case compiler.ReasonUnsupported:
		return errorir.New(errorir.CodeCompileUnsupported, "Unsupported goal construct",
			cerr.Error(), http.StatusUnprocessableEntity, errorir.ClassificationNonRetryable)
	default:
		return errorir.New(errorir.CodeCompileSchema, "Goal does not compile",
			cerr.Error(), http.StatusBadRequest, errorir.ClassificationNonRetryable)
	}
}

// rateLimitProblem is the 429 returned by the rate limiter, distinct from a
// full tenant queue only by its detail.
func rateLimitProblem() errorir.ErrorIR {
	ir := errorir.New(errorir.CodeSolveBusy, "Too many requests",
		"request rate limit exceeded", http.StatusTooManyRequests,
		errorir.ClassificationRetryable)
	ir.Keel.RetryAfterMS = 5000
	return ir
}

// writeProblem renders a problem document. The instance is the request path
// and a Retry-After header mirrors the retry hint when one is present.
func writeProblem(w http.ResponseWriter, r *http.Request, ir errorir.ErrorIR) {
	ir.Instance = r.URL.Path
	w.Header().Set("Content-Type", problemContentType)
	if ir.Keel.RetryAfterMS > 0 {
		secs := (ir.Keel.RetryAfterMS + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.WriteHeader(ir.Status)
	_ = json.NewEncoder(w).Encode(ir)
}

// writeBadRequest is the shortcut for malformed requests that never reach
// the kernel.
func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, errorir.New(errorir.CodeValidationField, "Bad request",
		detail, http.StatusBadRequest, errorir.ClassificationNonRetryable))
}
