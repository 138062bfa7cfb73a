// Package forecast generates deterministic scenario sets for uncertain
// demand and lead times. Given the same request, seed and historical data,
// the output is byte-for-byte identical; scenario values for one SKU do not
// depend on the order SKUs are listed in.
package forecast

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

// Bounds and defaults for scenario generation.
const (
	DefaultNumScenarios    = 50
	MaxScenarios           = 500
	DefaultMinObservations = 8
)

// SKUHistory is the raw observed history of one SKU.
type SKUHistory struct {
	Demand    []float64
	LeadTimes []int
}

// HistoryProvider supplies historical observations. A SKU with no recorded
// history returns an empty SKUHistory, not an error; provider errors mean
// the backing store itself failed.
type HistoryProvider interface {
	History(ctx context.Context, tenantID, skuID string) (SKUHistory, error)
}

// StaticHistory is an in-memory HistoryProvider keyed by SKU id.
type StaticHistory map[string]SKUHistory

// History implements HistoryProvider.
func (s StaticHistory) History(_ context.Context, _, skuID string) (SKUHistory, error) {
	return s[skuID], nil
}

// Request describes one scenario-generation call. A nil Seed draws a fresh
// seed and records it in the result, so any set remains reproducible after
// the fact. FallbackDemand anchors the naive model for SKUs with no usable
// history.
type Request struct {
	TenantID       string
	SKUs           []string
	Horizon        int
	NumScenarios   int
	Seed           *uint64
	FallbackDemand map[string]float64
}

// Forecaster generates scenario sets from a history provider.
type Forecaster struct {
	history HistoryProvider
	minObs  int
	logger  *slog.Logger
}

// Option configures a Forecaster.
type Option func(*Forecaster)

// WithMinObservations overrides the history threshold below which a SKU
// falls back to the naive model.
func WithMinObservations(n int) Option {
	return func(f *Forecaster) {
		if n > 0 {
			f.minObs = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forecaster) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Forecaster.
func New(history HistoryProvider, opts ...Option) *Forecaster {
	f := &Forecaster{
		history: history,
		minObs:  DefaultMinObservations,
		logger:  slog.Default().With("component", "forecast"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scenarios generates a scenario set for the request. Insufficient history
// is never an error: affected SKUs degrade to the naive model and the set
// is flagged low-confidence. Validation failures and provider faults are
// the only error paths.
func (f *Forecaster) Scenarios(ctx context.Context, req Request) (*contracts.ScenarioSet, error) {
	n, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	seed, err := resolveSeed(req.Seed)
	if err != nil {
		return nil, fmt.Errorf("forecast: draw seed: %w", err)
	}
	rootKey := KeyFromSeed(seed)

	set := &contracts.ScenarioSet{
		TenantID:    req.TenantID,
		Horizon:     req.Horizon,
		Seed:        seed,
		Scenarios:   make([]contracts.Scenario, n),
		DemandStats: make(map[string]contracts.ParamStats, len(req.SKUs)),
	}
	weight := 1.0 / float64(n)
	for i := range set.Scenarios {
		set.Scenarios[i] = contracts.Scenario{
			ID:       fmt.Sprintf("scn-%03d", i),
			Index:    i,
			Weight:   weight,
			Demand:   make(map[string][]float64, len(req.SKUs)),
			LeadTime: make(map[string]int, len(req.SKUs)),
		}
	}

	lowConfidence := false
	for _, skuID := range req.SKUs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hist, err := f.history.History(ctx, req.TenantID, skuID)
		if err != nil {
			return nil, fmt.Errorf("forecast: history for sku %s: %w", skuID, err)
		}

		dm := fitDemand(hist.Demand, req.FallbackDemand[skuID], f.minObs)
		if dm.naive {
			lowConfidence = true
		}
		lt := fitLeadTime(hist.LeadTimes)

		src := NewPRNG(DeriveKey(rootKey, "sku:"+skuID))
		all := make([]float64, 0, n*req.Horizon)
		for s := 0; s < n; s++ {
			traj := make([]float64, req.Horizon)
			for t := 0; t < req.Horizon; t++ {
				traj[t] = dm.sample(src)
				all = append(all, traj[t])
			}
			set.Scenarios[s].Demand[skuID] = traj
			if lt.ok {
				set.Scenarios[s].LeadTime[skuID] = lt.sample(src)
			}
		}
		set.DemandStats[skuID] = summarize(all)
	}
	set.LowConfidence = lowConfidence

	f.logger.Debug("scenario set generated",
		"tenant_id", req.TenantID,
		"skus", len(req.SKUs),
		"horizon", req.Horizon,
		"scenarios", n,
		"seed", seed,
		"low_confidence", lowConfidence,
	)
	return set, nil
}

func validateRequest(req Request) (int, error) {
	if req.TenantID == "" {
		return 0, &errorir.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if len(req.SKUs) == 0 {
		return 0, &errorir.ValidationError{Field: "skus", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(req.SKUs))
	for _, id := range req.SKUs {
		if id == "" {
			return 0, &errorir.ValidationError{Field: "skus", Reason: "sku id must not be empty"}
		}
		if _, dup := seen[id]; dup {
			return 0, &errorir.ValidationError{Field: "skus", Reason: fmt.Sprintf("duplicate sku id %q", id)}
		}
		seen[id] = struct{}{}
	}
	if req.Horizon < 1 {
		return 0, &errorir.ValidationError{Field: "horizon", Reason: "must be at least 1"}
	}
	n := req.NumScenarios
	if n == 0 {
		n = DefaultNumScenarios
	}
	if n < 1 || n > MaxScenarios {
		return 0, &errorir.ValidationError{
			Field:  "num_scenarios",
			Reason: fmt.Sprintf("must be between 1 and %d", MaxScenarios),
		}
	}
	return n, nil
}

func resolveSeed(seed *uint64) (uint64, error) {
	if seed != nil {
		return *seed, nil
	}
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// summarize computes pooled statistics over all sampled values of one SKU.
func summarize(values []float64) contracts.ParamStats {
	if len(values) == 0 {
		return contracts.ParamStats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean := stat.Mean(sorted, nil)
	sigma := 0.0
	if len(sorted) > 1 {
		sigma = stat.StdDev(sorted, nil)
	}
	st := contracts.ParamStats{
		Mean:  mean,
		Sigma: sigma,
		P05:   stat.Quantile(0.05, stat.Empirical, sorted, nil),
		P50:   stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	if math.IsNaN(st.Sigma) {
		st.Sigma = 0
	}
	return st
}

// LeadTimeP95 returns the 95th percentile lead time of one SKU across the
// set, in whole periods, or zero when the set carries no lead times for it.
func LeadTimeP95(set *contracts.ScenarioSet, skuID string) int {
	if set == nil || len(set.Scenarios) == 0 {
		return 0
	}
	vals := make([]float64, 0, len(set.Scenarios))
	for _, sc := range set.Scenarios {
		if lt, ok := sc.LeadTime[skuID]; ok {
			vals = append(vals, float64(lt))
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return int(math.Ceil(stat.Quantile(0.95, stat.Empirical, vals, nil)))
}
