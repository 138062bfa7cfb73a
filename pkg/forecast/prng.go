package forecast

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// DeterministicPRNG produces reproducible random numbers from an
// HMAC-SHA256 counter stream. It satisfies math/rand/v2's Source, so
// gonum's distributions sample reproducibly from it. All randomness in
// scenario generation flows through this type; nothing reads the global
// rand state.
type DeterministicPRNG struct {
	mu      sync.Mutex
	key     []byte
	counter uint64
}

// NewPRNG creates a PRNG keyed by the given bytes.
func NewPRNG(key []byte) *DeterministicPRNG {
	p := &DeterministicPRNG{key: make([]byte, len(key))}
	copy(p.key, key)
	return p
}

// KeyFromSeed expands a numeric seed into a PRNG key.
func KeyFromSeed(seed uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seed)
	sum := sha256.Sum256(b[:])
	return sum[:]
}

// DeriveKey derives an independent child key from a parent key and a
// derivation label. Substreams keyed per SKU make scenario values
// independent of SKU iteration order.
func DeriveKey(parent []byte, label string) []byte {
	h := hmac.New(sha256.New, parent)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// Uint64 returns the next value of the stream.
func (p *DeterministicPRNG) Uint64() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], p.counter)

	h := hmac.New(sha256.New, p.key)
	h.Write(counterBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Float64 returns a deterministic float64 in [0, 1).
func (p *DeterministicPRNG) Float64() float64 {
	return float64(p.Uint64()>>11) / (1 << 53)
}

// Intn returns a deterministic int in [0, n).
func (p *DeterministicPRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(p.Uint64() % uint64(n)) //nolint:gosec // bounded by n
}
