// Package errorir defines the canonical error format of the kernel: stable
// error codes, retryability classification and the typed errors the
// pipeline surfaces to callers.
package errorir

import (
	"fmt"
	"strings"
	"time"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// ErrorIR is the canonical wire form of a kernel error, aligned with
// RFC 7807 problem details.
type ErrorIR struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail"`
	Instance string      `json:"instance,omitempty"`
	Keel     KeelDetails `json:"keel"`
}

// KeelDetails carries the kernel-specific error metadata.
type KeelDetails struct {
	ErrorCode      string `json:"error_code"`
	Namespace      string `json:"namespace"`
	Classification string `json:"classification"`
	RetryAfterMS   int64  `json:"retry_after_ms,omitempty"`
}

// Classification constants.
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
	ClassificationResultValid  = "RESULT_VALID"
)

// Standard error codes. The code is the stable contract; messages are not.
const (
	CodeValidationField      = "KEEL/CORE/VALIDATION/FIELD"
	CodeValidationSchema     = "KEEL/CORE/VALIDATION/SCHEMA_MISMATCH"
	CodePolicyDenied         = "KEEL/CORE/POLICY/DENIED"
	CodeCompileSchema        = "KEEL/CORE/COMPILE/SCHEMA_ERROR"
	CodeCompileReference     = "KEEL/CORE/COMPILE/REFERENCE_ERROR"
	CodeCompilePolicy        = "KEEL/CORE/COMPILE/POLICY_VIOLATION"
	CodeCompileUnsupported   = "KEEL/CORE/COMPILE/UNSUPPORTED"
	CodeSolveBackend         = "KEEL/CORE/SOLVE/BACKEND"
	CodeSolveBusy            = "KEEL/CORE/SOLVE/BUSY"
	CodeEvidenceStore        = "KEEL/CORE/EVIDENCE/STORE"
	CodeEvidenceNotFound     = "KEEL/CORE/EVIDENCE/NOT_FOUND"
	CodeEvidenceHashMismatch = "KEEL/CORE/EVIDENCE/HASH_MISMATCH"
	CodeEvidenceSchema       = "KEEL/CORE/EVIDENCE/SCHEMA_INCOMPATIBLE"
	CodeForecastProvider     = "KEEL/CORE/FORECAST/PROVIDER"
	CodeAuthUnauthorized     = "KEEL/CORE/AUTH/UNAUTHORIZED"
	CodeAuthTenantMismatch   = "KEEL/CORE/AUTH/TENANT_MISMATCH"
)

// Namespace extracts the namespace component of a code, e.g.
// "KEEL/CORE/SOLVE/BUSY" -> "CORE".
func Namespace(code string) string {
	parts := strings.Split(code, "/")
	if len(parts) < 2 {
		return "UNKNOWN"
	}
	return parts[1]
}

// New builds an ErrorIR from its parts.
func New(code, title, detail string, status int, classification string) ErrorIR {
	return ErrorIR{
		Type:   "https://keel.dev/errors/" + strings.ToLower(strings.ReplaceAll(code, "/", ".")),
		Title:  title,
		Status: status,
		Detail: detail,
		Keel: KeelDetails{
			ErrorCode:      code,
			Namespace:      Namespace(code),
			Classification: classification,
		},
	}
}

// ValidationError reports a request that failed precondition checks before
// any model or external work started.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Code returns the canonical error code.
func (e *ValidationError) Code() string { return CodeValidationField }

// PolicyDeniedError reports a compile-time policy denial. It names every
// violated rule so callers can repair the goal.
type PolicyDeniedError struct {
	TenantID   string
	Violations []contracts.PolicyViolation
}

func (e *PolicyDeniedError) Error() string {
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		rules = append(rules, v.Rule)
	}
	return fmt.Sprintf("policy denied for tenant %s: %s", e.TenantID, strings.Join(rules, ", "))
}

// Code returns the canonical error code.
func (e *PolicyDeniedError) Code() string { return CodePolicyDenied }

// SolverBusyError reports that the tenant's solver queue is full. The
// request was not admitted and can be retried after the hint.
type SolverBusyError struct {
	TenantID   string
	Depth      int
	RetryAfter time.Duration
}

func (e *SolverBusyError) Error() string {
	return fmt.Sprintf("solver busy for tenant %s: queue depth %d reached", e.TenantID, e.Depth)
}

// Code returns the canonical error code.
func (e *SolverBusyError) Code() string { return CodeSolveBusy }

// SolveError reports a backend fault during solving. It is distinct from
// infeasibility, which is a valid result carried by a Diagnostic.
type SolveError struct {
	Stage string
	Cause error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("solve failed at %s: %v", e.Stage, e.Cause)
}

func (e *SolveError) Unwrap() error { return e.Cause }

// Code returns the canonical error code.
func (e *SolveError) Code() string { return CodeSolveBackend }

// Coded is implemented by errors that carry a canonical code.
type Coded interface {
	error
	Code() string
}

// Classify maps a canonical code to its retryability classification.
func Classify(code string) string {
	switch code {
	case CodeSolveBusy, CodeEvidenceStore, CodeForecastProvider:
		return ClassificationRetryable
	default:
		return ClassificationNonRetryable
	}
}
