package kernel

import (
	"context"
	"sync"
)

// AdmissionStore tracks per-tenant in-flight plan slots. Acquire takes one
// slot when fewer than limit are held for the tenant and reports whether it
// did; Release returns a previously acquired slot. Implementations must be
// safe for concurrent use across goroutines and, for the Redis store,
// across replicas.
type AdmissionStore interface {
	Acquire(ctx context.Context, tenantID string, limit int) (bool, error)
	Release(ctx context.Context, tenantID string) error
}

// MemoryAdmission is a single-process AdmissionStore.
type MemoryAdmission struct {
	mu       sync.Mutex
	inFlight map[string]int
}

// NewMemoryAdmission creates an empty in-memory admission store.
func NewMemoryAdmission() *MemoryAdmission {
	return &MemoryAdmission{inFlight: make(map[string]int)}
}

// Acquire implements AdmissionStore.
func (m *MemoryAdmission) Acquire(_ context.Context, tenantID string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[tenantID] >= limit {
		return false, nil
	}
	m.inFlight[tenantID]++
	return true, nil
}

// Release implements AdmissionStore. Releasing below zero is clamped so a
// stray double release cannot poison the counter.
func (m *MemoryAdmission) Release(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[tenantID] > 0 {
		m.inFlight[tenantID]--
	}
	if m.inFlight[tenantID] == 0 {
		delete(m.inFlight, tenantID)
	}
	return nil
}

// InFlight returns the current slot count for one tenant.
func (m *MemoryAdmission) InFlight(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[tenantID]
}
