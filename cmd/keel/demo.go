package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Halyard-Labs/keel/pkg/compiler"
	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/evidence"
	"github.com/Halyard-Labs/keel/pkg/forecast"
	"github.com/Halyard-Labs/keel/pkg/kernel"
	"github.com/Halyard-Labs/keel/pkg/policy"
	"github.com/Halyard-Labs/keel/pkg/solver"
)

// runDemoCmd solves a bundled two-SKU sourcing goal end to end against an
// in-memory stack and prints the result plus its evidence record.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		budget    float64
		floor     float64
		scenarios int
	)
	cmd.Float64Var(&budget, "budget", 8000, "Spend budget for the sample goal")
	cmd.Float64Var(&floor, "floor", 0, "Minimum total order quantity (0 disables the floor)")
	cmd.IntVar(&scenarios, "scenarios", 10, "Number of demand scenarios")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	guard, err := policy.NewGuard(policy.NewStaticSource(demoBundle()))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	comp, err := compiler.New()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	arena := evidence.NewArena()
	recorder := evidence.NewRecorder(arena)
	rt := solver.NewRuntime()
	ctx := context.Background()
	defer func() { _ = rt.Shutdown(ctx) }()

	k := kernel.New(forecast.New(forecast.StaticHistory{}), guard, comp, recorder, rt,
		kernel.WithBundles("demo-procurement"))

	res, err := k.Plan(ctx, kernel.PlanRequest{Goal: demoGoal(budget, floor, scenarios)})
	if err != nil {
		fmt.Fprintf(stderr, "Error: plan failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "status: %s\n", res.Status)
	switch {
	case res.Solution != nil:
		fmt.Fprintf(stdout, "objective: %.2f\n", res.Solution.ObjectiveValue)
		for _, name := range []string{"spend", "shortage_units", "service_level"} {
			if v, ok := res.Solution.KPIs[name]; ok {
				fmt.Fprintf(stdout, "%s: %.4f\n", name, v)
			}
		}
		fmt.Fprintf(stdout, "binding: %v\n", res.Solution.BindingConstraints)
	case res.Diagnostic != nil:
		fmt.Fprintln(stdout, "infeasible; suggested relaxations:")
		data, _ := json.MarshalIndent(res.Diagnostic.Relaxations, "", "  ")
		fmt.Fprintln(stdout, string(data))
	}
	fmt.Fprintf(stdout, "evidence: %s\n", res.EvidenceRef)

	rec, err := recorder.Get(ctx, res.EvidenceRef)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read evidence back: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "recorded outcome %s under policy snapshot %.12s\n",
		rec.Result.Kind, rec.PolicySnapshot.SnapshotHash)
	return 0
}

func demoBundle() policy.Bundle {
	return policy.Bundle{
		ID:      "demo-procurement",
		Version: "1.0.0",
		Rules: []policy.Rule{
			{Name: "max_horizon", Expr: "goal.horizon > 52.0", Message: "horizon beyond the approved planning window"},
			{Name: "max_relaxation_delta", Expr: `"delta" in relaxation && relaxation.delta > 10000.0`, Message: "relaxation exceeds the approved limit"},
		},
	}
}

func demoGoal(budget, floor float64, scenarios int) *contracts.GoalDocument {
	seed := uint64(42)
	goal := &contracts.GoalDocument{
		TenantID: "demo",
		PlanID:   "plan-demo",
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
		},
		Robustness: contracts.Robustness{NumScenarios: scenarios, Aggregation: contracts.AggregateMean, Seed: &seed},
	}
	if floor > 0 {
		goal.Constraints = append(goal.Constraints, contracts.ConstraintDecl{
			Name: "fulfillment_floor", Kind: contracts.KindCustom, Op: contracts.OpGE, Limit: floor,
			Terms: []contracts.TermRef{{Var: "order"}},
		})
	}
	return goal
}
