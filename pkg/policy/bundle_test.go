package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleYAML = `
id: spend-caps
version: "2024.3"
description: Finance-approved spend guardrails.
rules:
  - name: max_budget
    expr: 'goal.constraints.exists(c, c.kind == "budget" && c.limit > 100000.0)'
    message: budget constraints above 100k require finance approval
  - name: blocked_tenant
    expr: 'tenant == "embargoed"'
`

func TestParseBundle(t *testing.T) {
	b, err := ParseBundle([]byte(bundleYAML))
	require.NoError(t, err)
	assert.Equal(t, "spend-caps", b.ID)
	assert.Equal(t, "2024.3", b.Version)
	require.Len(t, b.Rules, 2)
	assert.Equal(t, "max_budget", b.Rules[0].Name)
	assert.Contains(t, b.Rules[0].Expr, `c.kind == "budget"`)
}

func TestParseBundleRejectsMissingFields(t *testing.T) {
	_, err := ParseBundle([]byte("version: '1'\nrules: []"))
	require.Error(t, err, "missing id")

	_, err = ParseBundle([]byte("id: x\nrules:\n  - name: only-name"))
	require.Error(t, err, "rule without expr")
}

func TestStaticSourceOrderAndUnknown(t *testing.T) {
	a := Bundle{ID: "a", Version: "1"}
	b := Bundle{ID: "b", Version: "1"}
	src := NewStaticSource(b, a)

	got, err := src.Fetch(context.Background(), "t1", []string{"b", "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	_, err = src.Fetch(context.Background(), "t1", []string{"nope"})
	require.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, src.IDs())
}
