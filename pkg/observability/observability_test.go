package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsUsable(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false, ServiceName: "keel-test"})
	require.NoError(t, err)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	// Recording against the no-op instruments must be safe.
	p.RecordSolve(ctx, "acme", "OPTIMAL", 123.4, 0.01)
	p.RecordScenarios(ctx, "acme", 50)
	p.RecordEvidenceWrite(ctx, 3*time.Millisecond)

	sctx, span := p.Tracer().Start(ctx, "kernel.solve")
	assert.NotNil(t, sctx)
	span.End()

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "keel", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.InDelta(t, 1.0, cfg.SampleRate, 0)
	assert.True(t, cfg.Enabled)
}
