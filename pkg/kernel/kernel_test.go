package kernel

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Halyard-Labs/keel/pkg/compiler"
	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/evidence"
	"github.com/Halyard-Labs/keel/pkg/forecast"
	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
	"github.com/Halyard-Labs/keel/pkg/policy"
	"github.com/Halyard-Labs/keel/pkg/solver"
)

// countingHistory records how often the forecaster reaches for history, so
// tests can prove a stage never ran.
type countingHistory struct {
	calls atomic.Int64
}

func (c *countingHistory) History(context.Context, string, string) (forecast.SKUHistory, error) {
	c.calls.Add(1)
	return forecast.SKUHistory{}, nil
}

func testBundles() []policy.Bundle {
	return []policy.Bundle{
		{
			ID:      "procurement-core",
			Version: "1.0.0",
			Rules: []policy.Rule{
				{Name: "max_horizon", Expr: "goal.horizon > 24.0", Message: "horizon beyond the approved planning window"},
			},
		},
		{
			ID:      "relaxation-cap",
			Version: "1.0.0",
			Rules: []policy.Rule{
				{Name: "max_relaxation_delta", Expr: `"delta" in relaxation && relaxation.delta > 1000.0`, Message: "relaxation exceeds the approved limit"},
			},
		},
	}
}

func newTestKernel(t *testing.T, opts ...Option) (*Kernel, *countingHistory, *evidence.Arena) {
	t.Helper()
	hist := &countingHistory{}
	guard, err := policy.NewGuard(policy.NewStaticSource(testBundles()...))
	require.NoError(t, err)
	comp, err := compiler.New()
	require.NoError(t, err)
	arena := evidence.NewArena()
	rt := solver.NewRuntime()
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	all := append([]Option{WithBundles("procurement-core")}, opts...)
	k := New(forecast.New(hist), guard, comp, evidence.NewRecorder(arena), rt, all...)
	return k, hist, arena
}

func seedPtr(v uint64) *uint64 { return &v }

// stochasticGoal is a two-SKU sourcing plan: first-stage orders, recourse
// inventory and shortage per scenario, a spend budget and a total order
// floor. Demand far exceeds what the budget affords, so the budget binds.
func stochasticGoal(budget float64) *contracts.GoalDocument {
	return &contracts.GoalDocument{
		TenantID: "acme",
		PlanID:   "plan-stoch",
		Horizon:  2,
		SKUs: []contracts.SKU{
			{ID: "widget", UnitCost: 9, ShortagePenalty: 25, Demand: []float64{600, 600}},
			{ID: "gadget", UnitCost: 4, ShortagePenalty: 25, Demand: []float64{500, 500}},
		},
		Variables: []contracts.VariableDecl{
			{Name: "order", Domain: contracts.DomainContinuous},
			{Name: "inv", Domain: contracts.DomainContinuous, PerScenario: true},
			{Name: "short", Domain: contracts.DomainContinuous, PerScenario: true},
		},
		Objective: contracts.Objective{
			Sense: contracts.SenseMinimize,
			Terms: []contracts.ObjectiveTerm{
				{Name: "spend", Var: "order", WeightField: contracts.CostFieldUnit},
				{Name: "shortage", Var: "short", WeightField: contracts.CostFieldShortage},
			},
		},
		Constraints: []contracts.ConstraintDecl{
			{Name: "stock", Kind: contracts.KindBalance, InventoryVar: "inv", InflowVar: "order", ShortageVar: "short"},
			{
				Name: "budget", Kind: contracts.KindBudget, Explain: true, Limit: budget,
				Terms: []contracts.TermRef{{Var: "order", WeightField: contracts.CostFieldUnit}},
			},
			{
				Name: "fulfillment_floor", Kind: contracts.KindCustom, Op: contracts.OpGE, Limit: 900,
				Terms: []contracts.TermRef{{Var: "order"}},
			},
		},
		Robustness: contracts.Robustness{NumScenarios: 10, Aggregation: contracts.AggregateMean, Seed: seedPtr(42)},
	}
}

// deterministicGoal covers its point demand exactly: 100 units at unit cost
// 9 with a slack budget, so the optimum is 900 with no shortage.
func deterministicGoal() *contracts.GoalDocument {
	return &contracts.GoalDocument{
		TenantID: "acme",
		PlanID:   "plan-det",
		Horizon:  2,
		SKUs: []contracts.SKU{
			{ID: "widget", UnitCost: 9, ShortagePenalty: 25, Demand: []float64{60, 40}},
		},
		Variables: []contracts.VariableDecl{
			{Name: "order", Domain: contracts.DomainContinuous},
			{Name: "inv", Domain: contracts.DomainContinuous},
			{Name: "short", Domain: contracts.DomainContinuous},
		},
		Objective: contracts.Objective{
			Sense: contracts.SenseMinimize,
			Terms: []contracts.ObjectiveTerm{
				{Var: "order", WeightField: contracts.CostFieldUnit},
				{Var: "short", WeightField: contracts.CostFieldShortage},
			},
		},
		Constraints: []contracts.ConstraintDecl{
			{Name: "stock", Kind: contracts.KindBalance, InventoryVar: "inv", InflowVar: "order", ShortageVar: "short"},
			{
				Name: "budget", Kind: contracts.KindBudget, Explain: true, Limit: 8000,
				Terms: []contracts.TermRef{{Var: "order", WeightField: contracts.CostFieldUnit}},
			},
		},
		Robustness: contracts.Robustness{Deterministic: true},
	}
}

func TestPlanStochasticBudgetBinding(t *testing.T) {
	k, hist, _ := newTestKernel(t)
	ctx := context.Background()

	res, err := k.Plan(ctx, PlanRequest{Goal: stochasticGoal(8000)})
	require.NoError(t, err)
	require.NotNil(t, res.Solution)

	assert.Equal(t, contracts.StatusOptimal, res.Status)
	assert.Contains(t, res.Solution.BindingConstraints, "budget")
	assert.Greater(t, res.Solution.ObjectiveValue, 8000.0, "objective carries spend plus expected shortage penalty")

	// The budget is spent to the last unit and relaxing it would lower cost.
	require.Contains(t, res.Solution.KPIs, "spend")
	assert.InDelta(t, 8000, res.Solution.KPIs["spend"], 0.5)
	assert.Greater(t, res.Solution.KPIs["shortage_units"], 0.0)
	sl := res.Solution.KPIs["service_level"]
	assert.Greater(t, sl, 0.0)
	assert.Less(t, sl, 1.0)
	require.Contains(t, res.Solution.ShadowPrices, "budget")
	assert.Less(t, res.Solution.ShadowPrices["budget"], 0.0)

	require.NotNil(t, res.ScenarioSet)
	assert.Len(t, res.ScenarioSet.Scenarios, 10)
	assert.True(t, res.ScenarioSet.LowConfidence, "no history means the naive model")
	assert.EqualValues(t, 2, hist.calls.Load())

	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.Allow)
	assert.False(t, res.EvidenceRef.Zero())
}

func TestPlanRecordsSolutionEvidence(t *testing.T) {
	k, _, arena := newTestKernel(t)
	ctx := context.Background()

	res, err := k.Plan(ctx, PlanRequest{Goal: stochasticGoal(8000)})
	require.NoError(t, err)

	rec, err := arena.GetBySequence(ctx, res.EvidenceRef.Sequence)
	require.NoError(t, err)
	assert.Equal(t, "plan-stoch", rec.PlanID)
	assert.Equal(t, contracts.OutcomeSolution, rec.Result.Kind)
	assert.Len(t, rec.ScenarioIDs, 10)
	assert.Equal(t, "scn-000", rec.ScenarioIDs[0])
	assert.Equal(t, []string{"procurement-core"}, rec.PolicySnapshot.BundleIDs)
	require.NotNil(t, rec.PolicySnapshot.Decision)
	assert.True(t, rec.PolicySnapshot.Decision.Allow)
	assert.NotEmpty(t, rec.IR.Sources.GoalHash)
}

func TestPlanInfeasibleSuggestsBudgetRelaxation(t *testing.T) {
	k, _, arena := newTestKernel(t)
	ctx := context.Background()

	// The floor needs 900 units; the cheapest 900 units cost 3600, far over
	// the 500 budget.
	res, err := k.Plan(ctx, PlanRequest{Goal: stochasticGoal(500)})
	require.NoError(t, err)
	require.NotNil(t, res.Diagnostic)
	assert.Nil(t, res.Solution)
	assert.Equal(t, contracts.StatusInfeasible, res.Status)
	assert.True(t, res.Diagnostic.Heuristic)

	top := res.Diagnostic.TopRelaxation()
	require.NotNil(t, top)
	assert.Equal(t, "budget", top.Constraint)
	assert.Equal(t, contracts.KindBudget, top.Kind)
	assert.InDelta(t, 3100, top.Delta, 1.0)
	assert.InDelta(t, 3600, top.NewRHS, 1.0)

	rec, err := arena.GetBySequence(ctx, res.EvidenceRef.Sequence)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDiagnostic, rec.Result.Kind)
}

func TestPlanRelaxationBlockedByPolicy(t *testing.T) {
	k, _, _ := newTestKernel(t, WithBundles("procurement-core", "relaxation-cap"))
	ctx := context.Background()

	res, err := k.Plan(ctx, PlanRequest{Goal: stochasticGoal(500)})
	require.NoError(t, err)
	require.NotNil(t, res.Diagnostic)

	// The needed relaxation exceeds the bundle's cap, so it is surfaced as
	// blocked rather than silently dropped.
	require.Len(t, res.Diagnostic.Relaxations, 1)
	rel := res.Diagnostic.Relaxations[0]
	assert.Equal(t, "budget", rel.Constraint)
	assert.Contains(t, rel.Rationale, "blocked by policy")
}

func TestPlanUndeclaredVariableRejected(t *testing.T) {
	k, hist, arena := newTestKernel(t)
	goal := deterministicGoal()
	goal.Constraints = append(goal.Constraints, contracts.ConstraintDecl{
		Name: "mystery", Kind: contracts.KindCustom, Op: contracts.OpLE, Limit: 1,
		Terms: []contracts.TermRef{{Var: "y"}},
	})

	_, err := k.Plan(context.Background(), PlanRequest{Goal: goal})
	var cerr *compiler.CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, compiler.ReasonSchemaError, cerr.Reason)
	assert.EqualValues(t, 0, hist.calls.Load())
	assert.Equal(t, 0, arena.Len())
}

func TestPlanEmptySKUsRejectedBeforeAnyWork(t *testing.T) {
	k, hist, arena := newTestKernel(t)
	goal := deterministicGoal()
	goal.SKUs = nil

	_, err := k.Plan(context.Background(), PlanRequest{Goal: goal})
	var verr *errorir.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "skus", verr.Field)
	assert.EqualValues(t, 0, hist.calls.Load())
	assert.Equal(t, 0, arena.Len())
}

func TestPlanDeterministicSkipsForecaster(t *testing.T) {
	k, hist, arena := newTestKernel(t)
	ctx := context.Background()

	res, err := k.Plan(ctx, PlanRequest{Goal: deterministicGoal()})
	require.NoError(t, err)
	require.NotNil(t, res.Solution)

	assert.Equal(t, contracts.StatusOptimal, res.Status)
	assert.InDelta(t, 900, res.Solution.ObjectiveValue, 1e-6)
	assert.InDelta(t, 900, res.Solution.KPIs["spend"], 1e-6)
	assert.InDelta(t, 0, res.Solution.KPIs["shortage_units"], 1e-9)
	assert.InDelta(t, 1, res.Solution.KPIs["service_level"], 1e-9)
	assert.EqualValues(t, 0, hist.calls.Load())
	assert.True(t, res.ScenarioSet.Empty())

	rec, err := arena.GetBySequence(ctx, res.EvidenceRef.Sequence)
	require.NoError(t, err)
	assert.Empty(t, rec.ScenarioIDs)
}

func TestPlanPolicyDenialFailsFast(t *testing.T) {
	k, _, arena := newTestKernel(t)
	goal := deterministicGoal()
	goal.Horizon = 30
	goal.SKUs[0].Demand = []float64{60, 40, 50}

	_, err := k.Plan(context.Background(), PlanRequest{Goal: goal})
	var derr *errorir.PolicyDeniedError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "acme", derr.TenantID)
	require.NotEmpty(t, derr.Violations)
	assert.Equal(t, "max_horizon", derr.Violations[0].Rule)
	assert.Equal(t, 0, arena.Len(), "a denied goal never reaches the solver or the trail")
}

func TestPlanQueueDepthBusy(t *testing.T) {
	adm := NewMemoryAdmission()
	k, _, _ := newTestKernel(t, WithAdmission(adm), WithQueueDepth(1))
	ctx := context.Background()

	// Occupy the tenant's only slot.
	ok, err := adm.Acquire(ctx, "acme", 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = k.Plan(ctx, PlanRequest{Goal: deterministicGoal()})
	var busy *errorir.SolverBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "acme", busy.TenantID)
	assert.Equal(t, 1, busy.Depth)
	assert.Positive(t, busy.RetryAfter)

	// Releasing the slot lets the same tenant back in.
	require.NoError(t, adm.Release(ctx, "acme"))
	res, err := k.Plan(ctx, PlanRequest{Goal: deterministicGoal()})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusOptimal, res.Status)
}

func TestPlanAssignsPlanID(t *testing.T) {
	k, _, _ := newTestKernel(t)
	goal := deterministicGoal()
	goal.PlanID = ""

	res, err := k.Plan(context.Background(), PlanRequest{Goal: goal})
	require.NoError(t, err)
	assert.NotEmpty(t, res.PlanID)
	assert.Empty(t, goal.PlanID, "the caller's document is never mutated")
}
