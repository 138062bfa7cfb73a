package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

func spendCapBundle() Bundle {
	return Bundle{
		ID:      "spend-caps",
		Version: "2024.3",
		Rules: []Rule{
			{
				Name:    "max_budget",
				Expr:    `goal.constraints.exists(c, c.kind == "budget" && c.limit > 100000.0)`,
				Message: "budget constraints above 100k require finance approval",
			},
			{
				Name:    "blocked_tenant",
				Expr:    `tenant == "embargoed"`,
				Message: "tenant is embargoed",
			},
		},
	}
}

func relaxationBundle() Bundle {
	return Bundle{
		ID:      "relaxation-limits",
		Version: "1",
		Rules: []Rule{
			{
				Name:    "budget_relaxation_cap",
				Expr:    `relaxation.size() > 0 && relaxation.kind == "budget" && relaxation.delta > 1000.0`,
				Message: "budget may not be relaxed by more than 1000",
			},
		},
	}
}

func goalWithBudget(limit float64) map[string]any {
	return map[string]any{
		"tenant_id": "acme",
		"constraints": []any{
			map[string]any{"name": "budget", "kind": "budget", "limit": limit},
		},
	}
}

func newTestGuard(t *testing.T, bundles ...Bundle) *Guard {
	t.Helper()
	g, err := NewGuard(NewStaticSource(bundles...))
	require.NoError(t, err)
	return g
}

func TestEvaluateAllows(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	dec, err := g.Evaluate(context.Background(), "acme", []string{"spend-caps"}, Input{
		Goal: goalWithBudget(8000),
	})
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.Empty(t, dec.Violations)
	assert.Len(t, dec.RulesFired, 2)
	assert.NotEmpty(t, dec.PolicySnapshotHash)
}

func TestEvaluateDeniesAndNamesRule(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	dec, err := g.Evaluate(context.Background(), "acme", []string{"spend-caps"}, Input{
		Goal: goalWithBudget(250000),
	})
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	require.Len(t, dec.Violations, 1)
	assert.Equal(t, "max_budget", dec.Violations[0].Rule)
	assert.Equal(t, "spend-caps", dec.Violations[0].BundleID)
	assert.Contains(t, dec.Violations[0].Message, "finance approval")
}

func TestEvaluateCollectsAllViolations(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	dec, err := g.Evaluate(context.Background(), "embargoed", []string{"spend-caps"}, Input{
		Goal: goalWithBudget(250000),
	})
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Len(t, dec.Violations, 2)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	in := Input{Goal: goalWithBudget(8000), Context: map[string]any{"requested_by": "planner"}}

	a, err := g.Evaluate(context.Background(), "acme", []string{"spend-caps"}, in)
	require.NoError(t, err)
	b, err := g.Evaluate(context.Background(), "acme", []string{"spend-caps"}, in)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same bundles and input must yield an identical decision")
	assert.NotEmpty(t, a.DecisionID)
}

func TestEvaluateSnapshotHashTracksBundleContent(t *testing.T) {
	src := NewStaticSource(spendCapBundle())
	g, err := NewGuard(src)
	require.NoError(t, err)

	before, err := g.Evaluate(context.Background(), "acme", []string{"spend-caps"}, Input{Goal: goalWithBudget(1)})
	require.NoError(t, err)

	changed := spendCapBundle()
	changed.Version = "2024.4"
	src.Register(changed)

	after, err := g.Evaluate(context.Background(), "acme", []string{"spend-caps"}, Input{Goal: goalWithBudget(1)})
	require.NoError(t, err)
	assert.NotEqual(t, before.PolicySnapshotHash, after.PolicySnapshotHash)
}

func TestEvaluateUnknownBundleFailsClosed(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	dec, err := g.Evaluate(context.Background(), "acme", []string{"missing"}, Input{})
	require.Error(t, err)
	require.NotNil(t, dec)
	assert.False(t, dec.Allow)
}

func TestEvaluateCancelledContextFailsClosed(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec, err := g.Evaluate(ctx, "acme", []string{"spend-caps"}, Input{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, dec)
	assert.False(t, dec.Allow)
}

func TestEvaluateBrokenRuleDenies(t *testing.T) {
	g := newTestGuard(t, Bundle{
		ID: "broken", Version: "1",
		Rules: []Rule{{Name: "bad", Expr: `goal.nonexistent.deep.field == 1`}},
	})
	dec, err := g.Evaluate(context.Background(), "acme", []string{"broken"}, Input{Goal: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	require.Len(t, dec.Violations, 1)
	assert.Contains(t, dec.Violations[0].Message, "rule evaluation failed")
}

func TestCheckRelaxation(t *testing.T) {
	g := newTestGuard(t, relaxationBundle())
	in := Input{Goal: goalWithBudget(8000)}

	ok, err := g.CheckRelaxation(context.Background(), "acme", []string{"relaxation-limits"}, in, contracts.Relaxation{
		Constraint: "budget", Kind: contracts.KindBudget, Delta: 400, NewRHS: 8400,
	})
	require.NoError(t, err)
	assert.True(t, ok.Allow, "small budget relaxation passes")

	tooFar, err := g.CheckRelaxation(context.Background(), "acme", []string{"relaxation-limits"}, in, contracts.Relaxation{
		Constraint: "budget", Kind: contracts.KindBudget, Delta: 5000, NewRHS: 13000,
	})
	require.NoError(t, err)
	assert.False(t, tooFar.Allow, "oversized budget relaxation is denied")
	require.Len(t, tooFar.Violations, 1)
	assert.Equal(t, "budget_relaxation_cap", tooFar.Violations[0].Rule)
}

func TestSnapshotWithoutEvaluation(t *testing.T) {
	g := newTestGuard(t, spendCapBundle())
	snap, err := g.Snapshot(context.Background(), "acme", []string{"spend-caps"})
	require.NoError(t, err)
	assert.Equal(t, []string{"spend-caps"}, snap.BundleIDs)
	assert.NotEmpty(t, snap.SnapshotHash)
	assert.Nil(t, snap.Decision)
}
