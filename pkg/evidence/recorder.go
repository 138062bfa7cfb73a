// Package evidence persists the provenance trail of every compile/solve
// cycle: immutable, content-addressed records holding the IR, the scenario
// ids it priced, the outcome and the policy snapshot that governed it.
// Records are append-only; corrections happen by superseding, never by
// mutation.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Halyard-Labs/keel/pkg/canonicalize"
	"github.com/Halyard-Labs/keel/pkg/contracts"
)

var (
	// ErrNotFound means no record matches the given reference.
	ErrNotFound = errors.New("evidence: record not found")
	// ErrRefMismatch means the sequence exists but its content hash does not
	// match the reference, which indicates a corrupted or forged ref.
	ErrRefMismatch = errors.New("evidence: reference hash does not match stored record")
)

// Store is the persistence boundary for evidence records. Append assigns
// the sequence number and must be idempotent on SnapshotHash: appending a
// record whose hash is already present returns the existing ref with no
// new write, including under concurrent identical appends.
type Store interface {
	Append(ctx context.Context, rec *contracts.EvidenceRecord) (contracts.EvidenceRef, error)
	GetByHash(ctx context.Context, snapshotHash string) (*contracts.EvidenceRecord, error)
	GetBySequence(ctx context.Context, seq uint64) (*contracts.EvidenceRecord, error)
	Close() error
}

// Recorder writes and reads evidence records through a Store.
type Recorder struct {
	store Store
	clock func() time.Time
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record appends one evidence record and returns its reference. The
// snapshot hash covers the canonical serialization of the content fields,
// so recording the identical tuple twice returns the same ref.
func (r *Recorder) Record(ctx context.Context, planID string, ir *contracts.OptimizationIR, scenarioIDs []string, result contracts.Outcome, snapshot contracts.PolicySnapshot) (contracts.EvidenceRef, error) {
	return r.record(ctx, planID, ir, scenarioIDs, result, snapshot, nil)
}

// Supersede appends a record that replaces a previously recorded one. The
// superseded record stays in the arena untouched; the new record points at
// it through its sequence number.
func (r *Recorder) Supersede(ctx context.Context, prev contracts.EvidenceRef, planID string, ir *contracts.OptimizationIR, scenarioIDs []string, result contracts.Outcome, snapshot contracts.PolicySnapshot) (contracts.EvidenceRef, error) {
	if _, err := r.Get(ctx, prev); err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: supersede target %s: %w", prev, err)
	}
	seq := prev.Sequence
	return r.record(ctx, planID, ir, scenarioIDs, result, snapshot, &seq)
}

func (r *Recorder) record(ctx context.Context, planID string, ir *contracts.OptimizationIR, scenarioIDs []string, result contracts.Outcome, snapshot contracts.PolicySnapshot, supersedes *uint64) (contracts.EvidenceRef, error) {
	if planID == "" {
		return contracts.EvidenceRef{}, errors.New("evidence: plan id is required")
	}
	if ir == nil {
		return contracts.EvidenceRef{}, errors.New("evidence: IR is required")
	}
	if !result.Kind.Valid() {
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: unknown outcome kind %q", result.Kind)
	}

	rec := &contracts.EvidenceRecord{
		SchemaVersion:  contracts.EvidenceSchemaVersion,
		PlanID:         planID,
		IR:             ir,
		ScenarioIDs:    scenarioIDs,
		Result:         result,
		PolicySnapshot: snapshot,
		Supersedes:     supersedes,
		CreatedAt:      r.clock().UTC(),
	}
	hash, err := canonicalize.CanonicalHash(rec.HashableView())
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: hash record: %w", err)
	}
	rec.SnapshotHash = hash

	ref, err := r.store.Append(ctx, rec)
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: append: %w", err)
	}
	return ref, nil
}

// Get loads a record by reference and verifies the ref's hash matches the
// stored content address. A truncated hash (the external "seq/prefix" form)
// is accepted as a prefix match.
func (r *Recorder) Get(ctx context.Context, ref contracts.EvidenceRef) (*contracts.EvidenceRecord, error) {
	if ref.Zero() {
		return nil, ErrNotFound
	}
	rec, err := r.store.GetBySequence(ctx, ref.Sequence)
	if err != nil {
		return nil, err
	}
	if ref.SnapshotHash != "" && !strings.HasPrefix(rec.SnapshotHash, ref.SnapshotHash) {
		return nil, ErrRefMismatch
	}
	return rec, nil
}

// GetByHash loads a record by its full content hash.
func (r *Recorder) GetByHash(ctx context.Context, snapshotHash string) (*contracts.EvidenceRecord, error) {
	return r.store.GetByHash(ctx, snapshotHash)
}
