package contracts

// Scenario is one sampled future: a demand trajectory per SKU over the
// horizon plus a realized lead time per SKU. Weights are probabilities and
// sum to one across the set.
type Scenario struct {
	ID       string               `json:"id"`
	Index    int                  `json:"index"`
	Weight   float64              `json:"weight"`
	Demand   map[string][]float64 `json:"demand"`
	LeadTime map[string]int       `json:"lead_time,omitempty"`
}

// ParamStats summarizes one uncertain parameter across the scenario set.
type ParamStats struct {
	Mean  float64 `json:"mean"`
	Sigma float64 `json:"sigma"`
	P05   float64 `json:"p05"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

// ScenarioSet is the forecaster's output: a discrete set of equally
// plausible futures with summary statistics per SKU. Sets are pure values
// with no wall-clock fields so that a fixed seed reproduces the set
// byte for byte; they are never persisted on their own, only embedded in
// evidence records.
type ScenarioSet struct {
	TenantID      string                `json:"tenant_id"`
	Horizon       int                   `json:"horizon"`
	Seed          uint64                `json:"seed"`
	LowConfidence bool                  `json:"low_confidence"`
	Scenarios     []Scenario            `json:"scenarios"`
	DemandStats   map[string]ParamStats `json:"demand_stats"`
}

// IDs returns the scenario identifiers in index order.
func (s *ScenarioSet) IDs() []string {
	ids := make([]string, 0, len(s.Scenarios))
	for _, sc := range s.Scenarios {
		ids = append(ids, sc.ID)
	}
	return ids
}

// Empty reports whether the set carries no scenarios, which is the shape
// deterministic goals compile against.
func (s *ScenarioSet) Empty() bool {
	return s == nil || len(s.Scenarios) == 0
}
