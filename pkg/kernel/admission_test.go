package kernel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdmissionLimits(t *testing.T) {
	store := NewMemoryAdmission()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "acme", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Acquire(ctx, "acme", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "acme", 2)
	require.NoError(t, err)
	assert.False(t, ok, "third slot exceeds the limit")
	assert.Equal(t, 2, store.InFlight("acme"))

	// Other tenants are isolated.
	ok, err = store.Acquire(ctx, "globex", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, "acme"))
	ok, err = store.Acquire(ctx, "acme", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryAdmissionReleaseFloorsAtZero(t *testing.T) {
	store := NewMemoryAdmission()
	ctx := context.Background()

	require.NoError(t, store.Release(ctx, "acme"))
	require.NoError(t, store.Release(ctx, "acme"))
	assert.Equal(t, 0, store.InFlight("acme"))

	ok, err := store.Acquire(ctx, "acme", 1)
	require.NoError(t, err)
	assert.True(t, ok, "stray releases must not block future admissions")
}

func TestMemoryAdmissionConcurrentNeverExceedsLimit(t *testing.T) {
	store := NewMemoryAdmission()
	ctx := context.Background()
	const limit = 4
	const attempts = 64

	admitted := make([]bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			admitted[i], _ = store.Acquire(ctx, "acme", limit)
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, ok := range admitted {
		if ok {
			granted++
		}
	}
	assert.Equal(t, limit, granted)
	assert.Equal(t, limit, store.InFlight("acme"))
}
