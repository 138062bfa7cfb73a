package forecast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

func seedPtr(v uint64) *uint64 { return &v }

// denseHistory returns n observations fluctuating around level.
func denseHistory(level float64, n int) []float64 {
	h := make([]float64, n)
	for i := range h {
		h[i] = level * (0.9 + 0.02*float64(i%11))
	}
	return h
}

func testProvider() StaticHistory {
	return StaticHistory{
		"widget": {Demand: denseHistory(100, 24), LeadTimes: []int{2, 3, 2, 4, 3, 2}},
		"gadget": {Demand: denseHistory(40, 16)},
		"sparse": {Demand: []float64{55, 60}},
	}
}

func TestScenariosValidation(t *testing.T) {
	f := New(testProvider())
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"empty tenant", Request{SKUs: []string{"widget"}, Horizon: 2}, "tenant_id"},
		{"empty skus", Request{TenantID: "t1", Horizon: 2}, "skus"},
		{"duplicate sku", Request{TenantID: "t1", SKUs: []string{"widget", "widget"}, Horizon: 2}, "skus"},
		{"zero horizon", Request{TenantID: "t1", SKUs: []string{"widget"}}, "horizon"},
		{"too many scenarios", Request{TenantID: "t1", SKUs: []string{"widget"}, Horizon: 2, NumScenarios: 501}, "num_scenarios"},
		{"negative scenarios", Request{TenantID: "t1", SKUs: []string{"widget"}, Horizon: 2, NumScenarios: -1}, "num_scenarios"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Scenarios(ctx, tc.req)
			var verr *errorir.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestScenariosDefaultsToFifty(t *testing.T) {
	f := New(testProvider())
	set, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget"}, Horizon: 2, Seed: seedPtr(11),
	})
	require.NoError(t, err)
	assert.Len(t, set.Scenarios, DefaultNumScenarios)
	assert.InDelta(t, 1.0/50.0, set.Scenarios[0].Weight, 1e-12)
}

func TestScenariosDeterministicForSeed(t *testing.T) {
	f := New(testProvider())
	req := Request{
		TenantID: "t1", SKUs: []string{"widget", "gadget"},
		Horizon: 3, NumScenarios: 20, Seed: seedPtr(1234),
	}
	a, err := f.Scenarios(context.Background(), req)
	require.NoError(t, err)
	b, err := f.Scenarios(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestScenariosIndependentOfSKUOrder(t *testing.T) {
	f := New(testProvider())
	fwd, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget", "gadget"},
		Horizon: 2, NumScenarios: 10, Seed: seedPtr(5),
	})
	require.NoError(t, err)
	rev, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"gadget", "widget"},
		Horizon: 2, NumScenarios: 10, Seed: seedPtr(5),
	})
	require.NoError(t, err)
	assert.Equal(t, fwd.Scenarios[0].Demand["widget"], rev.Scenarios[0].Demand["widget"])
	assert.Equal(t, fwd.Scenarios[0].Demand["gadget"], rev.Scenarios[0].Demand["gadget"])
}

func TestScenariosRandomSeedIsRecorded(t *testing.T) {
	f := New(testProvider())
	set, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget"}, Horizon: 1, NumScenarios: 5,
	})
	require.NoError(t, err)

	// Replaying with the recorded seed reproduces the set exactly.
	replay, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget"}, Horizon: 1, NumScenarios: 5,
		Seed: &set.Seed,
	})
	require.NoError(t, err)
	require.Equal(t, set, replay)
}

func TestScenariosSparseHistoryFallsBack(t *testing.T) {
	f := New(testProvider())
	set, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"sparse"}, Horizon: 2, NumScenarios: 30, Seed: seedPtr(9),
	})
	require.NoError(t, err)
	assert.True(t, set.LowConfidence)

	// Naive model anchors on the last observation.
	st := set.DemandStats["sparse"]
	assert.Greater(t, st.Mean, 30.0)
	assert.Less(t, st.Mean, 110.0)
	assert.Greater(t, st.Sigma, 0.0)
}

func TestScenariosUnknownSKUUsesFallbackDemand(t *testing.T) {
	f := New(testProvider())
	set, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"brand-new"}, Horizon: 1, NumScenarios: 10,
		Seed:           seedPtr(4),
		FallbackDemand: map[string]float64{"brand-new": 80},
	})
	require.NoError(t, err)
	assert.True(t, set.LowConfidence)
	st := set.DemandStats["brand-new"]
	assert.Greater(t, st.Mean, 40.0)
	assert.Less(t, st.Mean, 160.0)
}

func TestScenariosFittedStatsTrackHistoryLevel(t *testing.T) {
	f := New(testProvider())
	set, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget"}, Horizon: 2, NumScenarios: 200, Seed: seedPtr(77),
	})
	require.NoError(t, err)
	require.False(t, set.LowConfidence)

	st := set.DemandStats["widget"]
	// History fluctuates around 100; the pooled mean should land nearby.
	assert.InDelta(t, 100, st.Mean, 15)
	assert.Less(t, st.P05, st.P50)
	assert.Less(t, st.P50, st.P95)
}

func TestScenariosLeadTimesSampled(t *testing.T) {
	f := New(testProvider())
	set, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget", "gadget"}, Horizon: 1, NumScenarios: 25, Seed: seedPtr(2),
	})
	require.NoError(t, err)

	for _, sc := range set.Scenarios {
		lt, ok := sc.LeadTime["widget"]
		require.True(t, ok)
		assert.GreaterOrEqual(t, lt, 2, "shifted Poisson never undershoots the observed minimum")
		_, hasGadget := sc.LeadTime["gadget"]
		assert.False(t, hasGadget, "no lead-time history means no sampled lead time")
	}
	assert.GreaterOrEqual(t, LeadTimeP95(set, "widget"), 2)
	assert.Equal(t, 0, LeadTimeP95(set, "gadget"))
}

type failingProvider struct{}

func (failingProvider) History(context.Context, string, string) (SKUHistory, error) {
	return SKUHistory{}, errors.New("store offline")
}

func TestScenariosProviderErrorPropagates(t *testing.T) {
	f := New(failingProvider{})
	_, err := f.Scenarios(context.Background(), Request{
		TenantID: "t1", SKUs: []string{"widget"}, Horizon: 1, Seed: seedPtr(1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
}

func TestScenariosCancelledContext(t *testing.T) {
	f := New(testProvider())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Scenarios(ctx, Request{
		TenantID: "t1", SKUs: []string{"widget"}, Horizon: 1, Seed: seedPtr(1),
	})
	require.ErrorIs(t, err, context.Canceled)
}
