package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

func TestParseInstance(t *testing.T) {
	cases := []struct {
		name string
		want instanceRef
	}{
		{"order", instanceRef{base: "order", scenario: -1}},
		{"order[widget]", instanceRef{base: "order", sku: "widget", scenario: -1}},
		{"order[widget][t2]", instanceRef{base: "order", sku: "widget", period: 2, scenario: -1}},
		{"order[widget][acme][t2]", instanceRef{base: "order", sku: "widget", supplier: "acme", period: 2, scenario: -1}},
		{"short[widget][t2][s017]", instanceRef{base: "short", sku: "widget", period: 2, scenario: 17}},
		{"aux_tail_excess[s003]", instanceRef{base: "aux_tail_excess", sku: "s003", scenario: -1}},
		// A SKU whose id looks like an axis segment survives because there
		// is nothing after it to consume.
		{"order[t2]", instanceRef{base: "order", sku: "t2", scenario: -1}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseInstance(tc.name), tc.name)
	}
}

func TestDeriveKPIsDeterministic(t *testing.T) {
	goal := deterministicGoal()
	sol := &contracts.Solution{
		Assignments: map[string]float64{
			"order[widget][t1]": 60,
			"order[widget][t2]": 40,
			"short[widget][t1]": 0,
			"short[widget][t2]": 5,
			"inv[widget][t1]":   0,
			"inv[widget][t2]":   0,
		},
	}

	kpis := deriveKPIs(goal, &contracts.ScenarioSet{}, sol)
	assert.InDelta(t, 900, kpis["spend"], 1e-9)
	assert.InDelta(t, 5, kpis["shortage_units"], 1e-9)
	assert.InDelta(t, 0.95, kpis["service_level"], 1e-9)
}

func TestDeriveKPIsWeighsScenarios(t *testing.T) {
	goal := stochasticGoal(8000)
	set := &contracts.ScenarioSet{
		Scenarios: []contracts.Scenario{
			{ID: "scn-000", Index: 0, Weight: 0.5, Demand: map[string][]float64{"widget": {100, 100}, "gadget": {0, 0}}},
			{ID: "scn-001", Index: 1, Weight: 0.5, Demand: map[string][]float64{"widget": {300, 100}, "gadget": {0, 0}}},
		},
	}
	sol := &contracts.Solution{
		Assignments: map[string]float64{
			"order[widget][t1]":       200,
			"short[widget][t1][s000]": 0,
			"short[widget][t1][s001]": 100,
		},
	}

	kpis := deriveKPIs(goal, set, sol)
	assert.InDelta(t, 1800, kpis["spend"], 1e-9)
	// Expected shortage is 0.5*0 + 0.5*100.
	assert.InDelta(t, 50, kpis["shortage_units"], 1e-9)
	// Expected demand is 0.5*200 + 0.5*400 = 300.
	assert.InDelta(t, 1-50.0/300.0, kpis["service_level"], 1e-9)
}

func TestDeriveKPIsSupplierMultiplier(t *testing.T) {
	goal := deterministicGoal()
	goal.Suppliers = []contracts.Supplier{{ID: "overseas", PriceMultiplier: 2}}
	goal.SKUs[0].SupplierIDs = []string{"overseas"}
	sol := &contracts.Solution{
		Assignments: map[string]float64{
			"order[widget][overseas][t1]": 10,
		},
	}

	kpis := deriveKPIs(goal, &contracts.ScenarioSet{}, sol)
	assert.InDelta(t, 180, kpis["spend"], 1e-9)
}

func TestExpectedDemandFallsBackToPointDemand(t *testing.T) {
	goal := deterministicGoal()
	assert.InDelta(t, 100, expectedDemand(goal, &contracts.ScenarioSet{}), 1e-9)
	assert.InDelta(t, 100, expectedDemand(goal, nil), 1e-9)
}
