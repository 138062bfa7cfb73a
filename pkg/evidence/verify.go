package evidence

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Halyard-Labs/keel/pkg/canonicalize"
	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// ErrSchemaIncompatible means the stored record was written under an
// evidence schema whose major version differs from this binary's.
var ErrSchemaIncompatible = errors.New("evidence: record schema major version is incompatible")

// VerifyResult reports one record's integrity check.
type VerifyResult struct {
	Ref           contracts.EvidenceRef `json:"ref"`
	SchemaVersion string                `json:"schema_version"`
	ComputedHash  string                `json:"computed_hash"`
	HashMatches   bool                  `json:"hash_matches"`
}

// Verify loads the referenced record, gates on schema compatibility and
// recomputes its content hash from the stored fields. A record whose
// recomputed hash differs from its stored hash has been tampered with or
// corrupted; that is reported in the result, not as an error, so audits can
// keep scanning.
func (r *Recorder) Verify(ctx context.Context, ref contracts.EvidenceRef) (*VerifyResult, error) {
	rec, err := r.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(rec.SchemaVersion); err != nil {
		return nil, err
	}

	computed, err := canonicalize.CanonicalHash(rec.HashableView())
	if err != nil {
		return nil, fmt.Errorf("evidence: rehash record: %w", err)
	}
	return &VerifyResult{
		Ref:           rec.Ref(),
		SchemaVersion: rec.SchemaVersion,
		ComputedHash:  computed,
		HashMatches:   computed == rec.SnapshotHash,
	}, nil
}

// Replay returns the stored outcome of a past plan without re-running any
// pipeline stage. The record is verified first; a failed hash check refuses
// the replay.
func (r *Recorder) Replay(ctx context.Context, ref contracts.EvidenceRef) (*contracts.EvidenceRecord, error) {
	res, err := r.Verify(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !res.HashMatches {
		return nil, fmt.Errorf("evidence: record %s fails integrity check (stored %s, computed %s)",
			ref, ref.SnapshotHash, res.ComputedHash)
	}
	return r.Get(ctx, ref)
}

// checkSchemaVersion admits records sharing the current schema's major.
func checkSchemaVersion(version string) error {
	stored, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("evidence: record schema version %q: %w", version, err)
	}
	current := semver.MustParse(contracts.EvidenceSchemaVersion)
	if stored.Major() != current.Major() {
		return fmt.Errorf("%w: record %s, current %s", ErrSchemaIncompatible, version, contracts.EvidenceSchemaVersion)
	}
	return nil
}
