package evidence

import (
	"context"
	"fmt"

	"github.com/Halyard-Labs/keel/pkg/archive"
	"github.com/Halyard-Labs/keel/pkg/canonicalize"
	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// Bundle is the export unit handed to external audit consumers: the full
// evidence record together with the verification that was run at export
// time. Bundles serialize canonically, so exporting the same record twice
// produces byte-identical blobs and the archive deduplicates them.
type Bundle struct {
	Record       *contracts.EvidenceRecord `json:"record"`
	Verification *VerifyResult             `json:"verification"`
}

// Exporter copies verified evidence records into an archive store.
type Exporter struct {
	recorder *Recorder
	store    archive.Store
}

// NewExporter creates an Exporter writing to the given archive backend.
func NewExporter(recorder *Recorder, store archive.Store) *Exporter {
	return &Exporter{recorder: recorder, store: store}
}

// Export verifies the referenced record and writes its bundle to the
// archive, returning the archive content hash. A record that fails its
// integrity check is refused; a tampered record must never be exported as
// audit material.
func (e *Exporter) Export(ctx context.Context, ref contracts.EvidenceRef) (string, error) {
	rec, err := e.recorder.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	verification, err := e.recorder.Verify(ctx, ref)
	if err != nil {
		return "", err
	}
	if !verification.HashMatches {
		return "", fmt.Errorf("evidence: refusing to export record %s: integrity check failed", ref)
	}

	data, err := canonicalize.JCS(Bundle{Record: rec, Verification: verification})
	if err != nil {
		return "", fmt.Errorf("evidence: serialize bundle: %w", err)
	}
	hash, err := e.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("evidence: archive bundle: %w", err)
	}
	return hash, nil
}
