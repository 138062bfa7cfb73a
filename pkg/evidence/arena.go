package evidence

import (
	"context"
	"sync"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// Arena is the in-memory Store: an append-only slice of records indexed by
// content hash. Sequence numbers start at 1 and never repeat. Suited to
// tests and single-process deployments; everything else uses SQLStore.
type Arena struct {
	mu       sync.RWMutex
	records  []*contracts.EvidenceRecord
	byHash   map[string]*contracts.EvidenceRecord
	sequence uint64
}

// NewArena creates an empty in-memory store.
func NewArena() *Arena {
	return &Arena{byHash: make(map[string]*contracts.EvidenceRecord)}
}

// Append stores the record, assigning the next sequence number. A record
// whose hash is already present is not written again; the existing ref
// comes back instead.
func (a *Arena) Append(_ context.Context, rec *contracts.EvidenceRecord) (contracts.EvidenceRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byHash[rec.SnapshotHash]; ok {
		return existing.Ref(), nil
	}

	a.sequence++
	stored := *rec
	stored.Sequence = a.sequence
	a.records = append(a.records, &stored)
	a.byHash[stored.SnapshotHash] = &stored
	return stored.Ref(), nil
}

// GetByHash returns the record with the given content hash.
func (a *Arena) GetByHash(_ context.Context, snapshotHash string) (*contracts.EvidenceRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.byHash[snapshotHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetBySequence returns the record at the given sequence number.
func (a *Arena) GetBySequence(_ context.Context, seq uint64) (*contracts.EvidenceRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if seq == 0 || seq > uint64(len(a.records)) {
		return nil, ErrNotFound
	}
	cp := *a.records[seq-1]
	return &cp, nil
}

// Len returns the number of records in the arena.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Close is a no-op for the in-memory arena.
func (a *Arena) Close() error { return nil }
