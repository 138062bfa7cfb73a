package compiler

import (
	"fmt"

	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

// CompileReason classifies why compilation was rejected.
type CompileReason string

// Compile failure reasons. Schema violations and unresolvable references
// share one reason: both mean the document does not describe a compilable
// model.
const (
	ReasonSchemaError     CompileReason = "schema_error"
	ReasonPolicyViolation CompileReason = "policy_violation"
	ReasonUnsupported     CompileReason = "unsupported"
)

// CompileError reports a rejected goal document. Field names the offending
// constraint, variable or section; Violations is populated only for policy
// denials.
type CompileError struct {
	Reason     CompileReason
	Field      string
	Detail     string
	Violations []contracts.PolicyViolation
}

func (e *CompileError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("compile rejected (%s) at %s: %s", e.Reason, e.Field, e.Detail)
	}
	return fmt.Sprintf("compile rejected (%s): %s", e.Reason, e.Detail)
}

// Code returns the canonical error code for the reason.
func (e *CompileError) Code() string {
	switch e.Reason {
	case ReasonPolicyViolation:
		return errorir.CodeCompilePolicy
	case ReasonUnsupported:
		return errorir.CodeCompileUnsupported
	default:
		return errorir.CodeCompileSchema
	}
}

func schemaErr(field, format string, args ...any) *CompileError {
	return &CompileError{Reason: ReasonSchemaError, Field: field, Detail: fmt.Sprintf(format, args...)}
}

func unsupportedErr(field, format string, args ...any) *CompileError {
	return &CompileError{Reason: ReasonUnsupported, Field: field, Detail: fmt.Sprintf(format, args...)}
}
