package compiler

import (
	"fmt"
	"strings"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// model is the expansion context of one compile: the goal, the scenario set
// flattened into a deterministic shape, and resolved per-SKU attributes.
// Every iteration below walks slices in declaration order; no map iteration
// touches IR construction, which is what makes output byte-identical.
type model struct {
	goal       *contracts.GoalDocument
	horizon    int
	stochastic bool
	scenarios  []scenarioView
	leadBySKU  map[string]int
}

// scenarioView is one scenario reduced to what expansion needs.
type scenarioView struct {
	index  int
	weight float64
	demand map[string][]float64
}

// instanceKey addresses one expanded variable instance. Scenario index -1
// means first-stage.
type instanceKey struct {
	sku string
	sup string
	t   int
	s   int
}

func buildModel(goal *contracts.GoalDocument, set *contracts.ScenarioSet) *model {
	m := &model{
		goal:      goal,
		horizon:   goal.Horizon,
		leadBySKU: make(map[string]int, len(goal.SKUs)),
	}
	for _, c := range goal.Constraints {
		if c.Kind != contracts.KindLeadTime {
			continue
		}
		for _, sku := range goal.SKUs {
			if c.SKUID != "" && c.SKUID != sku.ID {
				continue
			}
			l := c.Periods
			if l == 0 {
				l = sku.LeadTimePeriods
			}
			if l > m.leadBySKU[sku.ID] {
				m.leadBySKU[sku.ID] = l
			}
		}
	}

	if !goal.Robustness.Deterministic && set != nil && len(set.Scenarios) > 0 {
		m.stochastic = true
		m.scenarios = make([]scenarioView, len(set.Scenarios))
		for i, sc := range set.Scenarios {
			m.scenarios[i] = scenarioView{index: i, weight: sc.Weight, demand: sc.Demand}
		}
		return m
	}

	// Deterministic path: one pseudo-scenario from the SKU point demand.
	demand := make(map[string][]float64, len(goal.SKUs))
	for _, sku := range goal.SKUs {
		demand[sku.ID] = sku.Demand
	}
	m.scenarios = []scenarioView{{index: 0, weight: 1, demand: demand}}
	return m
}

// suppliersFor returns the supplier axis of a template for one SKU. A
// template without a supplier axis, or a SKU without declared suppliers,
// collapses to the empty supplier segment.
func (m *model) suppliersFor(tpl *contracts.VariableDecl, sku *contracts.SKU) []string {
	if !tpl.PerSupplier || len(sku.SupplierIDs) == 0 {
		return []string{""}
	}
	return sku.SupplierIDs
}

// scenarioAxis returns the scenario indices a template expands over, or
// {-1} for first-stage templates.
func (m *model) scenarioAxis(tpl *contracts.VariableDecl) []int {
	if !tpl.PerScenario || !m.stochastic {
		return []int{-1}
	}
	axis := make([]int, len(m.scenarios))
	for i := range m.scenarios {
		axis[i] = i
	}
	return axis
}

// supplier resolves a declared supplier by id, or nil.
func (m *model) supplier(id string) *contracts.Supplier {
	for i := range m.goal.Suppliers {
		if m.goal.Suppliers[i].ID == id {
			return &m.goal.Suppliers[i]
		}
	}
	return nil
}

// leadFor returns the effective lead time of one (sku, supplier) pair: the
// SKU's constrained lead plus the supplier's own pipeline delay.
func (m *model) leadFor(skuID, supID string) int {
	l := m.leadBySKU[skuID]
	if supID != "" {
		if sup := m.supplier(supID); sup != nil {
			l += sup.LeadTimePeriods
		}
	}
	return l
}

// demandAt returns the demand of one SKU in scenario s at 1-based period t.
func (m *model) demandAt(s int, skuID string, t int) float64 {
	d := m.scenarios[s].demand[skuID]
	if t-1 < 0 || t-1 >= len(d) {
		return 0
	}
	return d[t-1]
}

// varName renders the canonical instance name, e.g.
// order[widget][acme][t2] or short[widget][t2][s017].
func varName(base string, key instanceKey) string {
	var b strings.Builder
	b.WriteString(base)
	if key.sku != "" {
		fmt.Fprintf(&b, "[%s]", key.sku)
	}
	if key.sup != "" {
		fmt.Fprintf(&b, "[%s]", key.sup)
	}
	if key.t > 0 {
		fmt.Fprintf(&b, "[t%d]", key.t)
	}
	if key.s >= 0 {
		fmt.Fprintf(&b, "[s%03d]", key.s)
	}
	return b.String()
}

// rowName renders an expanded constraint row name from its source
// constraint and instance coordinates.
func rowName(source string, key instanceKey) string {
	return varName(source, key)
}

// expandVariables materializes every variable template into IR variables,
// in declaration order.
func (m *model) expandVariables() []contracts.IRVariable {
	var out []contracts.IRVariable
	for i := range m.goal.Variables {
		tpl := &m.goal.Variables[i]
		lower := 0.0
		if tpl.Lower != nil {
			lower = *tpl.Lower
		}
		var upper *float64
		if tpl.Upper != nil {
			u := *tpl.Upper
			upper = &u
		}
		if tpl.Domain == contracts.DomainBinary {
			lower = 0
			one := 1.0
			upper = &one
		}
		for j := range m.goal.SKUs {
			sku := &m.goal.SKUs[j]
			for _, sup := range m.suppliersFor(tpl, sku) {
				for t := 1; t <= m.horizon; t++ {
					for _, s := range m.scenarioAxis(tpl) {
						out = append(out, contracts.IRVariable{
							Name:   varName(tpl.Name, instanceKey{sku: sku.ID, sup: sup, t: t, s: s}),
							Domain: tpl.Domain,
							Lower:  lower,
							Upper:  upper,
						})
					}
				}
			}
		}
	}
	return out
}

// bigM derives a finite activation bound for one (sku, template) pair when
// the template has no explicit upper bound: twice the worst-case total
// demand over the horizon, floored at the MOQ quantity so the linking row
// never cuts off a legal order.
func (m *model) bigM(tpl *contracts.VariableDecl, sku *contracts.SKU, moqQty float64) float64 {
	if tpl.Upper != nil {
		return *tpl.Upper
	}
	worst := 0.0
	for _, sc := range m.scenarios {
		total := 0.0
		for t := 1; t <= m.horizon; t++ {
			total += m.demandAt(sc.index, sku.ID, t)
		}
		if total > worst {
			worst = total
		}
	}
	mBound := worst * 2
	if mBound < moqQty*2 {
		mBound = moqQty * 2
	}
	if mBound == 0 {
		mBound = 1
	}
	return mBound
}

// costWeight resolves a weight-field selector against one SKU, applying the
// supplier price multiplier to unit costs for per-supplier instances.
func (m *model) costWeight(field contracts.SKUCostField, sku *contracts.SKU, supID string) float64 {
	switch field {
	case contracts.CostFieldUnit:
		c := sku.UnitCost
		if supID != "" {
			if sup := m.supplier(supID); sup != nil && sup.PriceMultiplier > 0 {
				c *= sup.PriceMultiplier
			}
		}
		return c
	case contracts.CostFieldHolding:
		return sku.HoldingCost
	case contracts.CostFieldShortage:
		return sku.ShortagePenalty
	default:
		return 1
	}
}
