package contracts

import (
	"fmt"
	"time"
)

// EvidenceSchemaVersion is the current evidence record schema. Replay
// accepts records whose version shares this major.
const EvidenceSchemaVersion = "1.0.0"

// OutcomeKind discriminates what one compile/solve cycle produced.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSolution   OutcomeKind = "solution"
	OutcomeDiagnostic OutcomeKind = "diagnostic"
	OutcomeError      OutcomeKind = "error"
)

// Valid reports whether the kind is a known value.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSolution, OutcomeDiagnostic, OutcomeError:
		return true
	}
	return false
}

// OutcomeFault captures a terminal error outcome for the evidence trail.
type OutcomeFault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outcome is the result slot of an evidence record: exactly one of the
// fields matching Kind is set.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Solution   *Solution     `json:"solution,omitempty"`
	Diagnostic *Diagnostic   `json:"diagnostic,omitempty"`
	Fault      *OutcomeFault `json:"fault,omitempty"`
}

// SolutionOutcome wraps a solve result.
func SolutionOutcome(s *Solution) Outcome {
	return Outcome{Kind: OutcomeSolution, Solution: s}
}

// DiagnosticOutcome wraps an infeasibility diagnostic.
func DiagnosticOutcome(d *Diagnostic) Outcome {
	return Outcome{Kind: OutcomeDiagnostic, Diagnostic: d}
}

// FaultOutcome wraps a terminal pipeline error.
func FaultOutcome(code, message string) Outcome {
	return Outcome{Kind: OutcomeError, Fault: &OutcomeFault{Code: code, Message: message}}
}

// EvidenceRef identifies a recorded evidence entry: the content hash of the
// record and its store-assigned sequence number.
type EvidenceRef struct {
	SnapshotHash string `json:"snapshot_hash"`
	Sequence     uint64 `json:"sequence"`
}

// String renders the ref in the external "seq/hash-prefix" form.
func (r EvidenceRef) String() string {
	h := r.SnapshotHash
	if len(h) > 12 {
		h = h[:12]
	}
	return fmt.Sprintf("%d/%s", r.Sequence, h)
}

// Zero reports whether the ref is unset.
func (r EvidenceRef) Zero() bool {
	return r.SnapshotHash == "" && r.Sequence == 0
}

// EvidenceRecord is one immutable entry of the provenance trail: the IR,
// the scenario ids it priced, the outcome and the policy snapshot that
// governed it. SnapshotHash covers the canonical serialization of every
// field except the store-assigned Sequence and CreatedAt, so the hash is
// reproducible from the stored content alone. Supersedes points at the
// sequence number of the record this one replaces; records form an
// append-only arena and are never mutated or deleted.
type EvidenceRecord struct {
	SchemaVersion  string          `json:"schema_version"`
	PlanID         string          `json:"plan_id"`
	SnapshotHash   string          `json:"snapshot_hash"`
	Sequence       uint64          `json:"sequence"`
	IR             *OptimizationIR `json:"ir"`
	ScenarioIDs    []string        `json:"scenario_ids,omitempty"`
	Result         Outcome         `json:"result"`
	PolicySnapshot PolicySnapshot  `json:"policy_snapshot"`
	Supersedes     *uint64         `json:"supersedes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Ref returns the record's evidence reference.
func (r *EvidenceRecord) Ref() EvidenceRef {
	return EvidenceRef{SnapshotHash: r.SnapshotHash, Sequence: r.Sequence}
}

// HashableView returns the subset of the record covered by SnapshotHash,
// in a stable shape independent of store-assigned fields.
func (r *EvidenceRecord) HashableView() map[string]any {
	v := map[string]any{
		"schema_version":  r.SchemaVersion,
		"plan_id":         r.PlanID,
		"ir":              r.IR,
		"scenario_ids":    r.ScenarioIDs,
		"result":          r.Result,
		"policy_snapshot": r.PolicySnapshot,
	}
	if r.Supersedes != nil {
		v["supersedes"] = *r.Supersedes
	}
	return v
}
