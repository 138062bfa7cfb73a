package kernel

import (
	"strings"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// instanceRef is a parsed expanded-variable name. Scenario -1 means
// first-stage.
type instanceRef struct {
	base     string
	sku      string
	supplier string
	period   int
	scenario int
}

// parseInstance splits a canonical instance name such as
// order[widget][acme][t2][s017] back into its coordinates. Trailing axes
// are consumed from the end so SKU ids that look like axis segments cannot
// be misread.
func parseInstance(name string) instanceRef {
	ref := instanceRef{scenario: -1}
	i := strings.IndexByte(name, '[')
	if i < 0 {
		ref.base = name
		return ref
	}
	ref.base = name[:i]

	var segs []string
	rest := name[i:]
	for len(rest) > 0 && rest[0] == '[' {
		j := strings.IndexByte(rest, ']')
		if j < 0 {
			break
		}
		segs = append(segs, rest[1:j])
		rest = rest[j+1:]
	}

	if n := len(segs); n > 1 && len(segs[n-1]) == 4 {
		if s, ok := parseAxis(segs[n-1], 's'); ok {
			ref.scenario = s
			segs = segs[:n-1]
		}
	}
	if n := len(segs); n > 1 {
		if t, ok := parseAxis(segs[n-1], 't'); ok {
			ref.period = t
			segs = segs[:n-1]
		}
	}
	if len(segs) > 0 {
		ref.sku = segs[0]
	}
	if len(segs) > 1 {
		ref.supplier = segs[1]
	}
	return ref
}

func parseAxis(seg string, prefix byte) (int, bool) {
	if len(seg) < 2 || seg[0] != prefix {
		return 0, false
	}
	n := 0
	for i := 1; i < len(seg); i++ {
		c := seg[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// kpiTemplates resolves which variable templates carry orders and which
// carry shortages: balance constraints name them directly, and cost-weighted
// objective terms fill any gap.
func kpiTemplates(goal *contracts.GoalDocument) (orders, shorts map[string]bool) {
	orders, shorts = make(map[string]bool), make(map[string]bool)
	for _, c := range goal.Constraints {
		if c.Kind != contracts.KindBalance {
			continue
		}
		if c.InflowVar != "" {
			orders[c.InflowVar] = true
		}
		if c.ShortageVar != "" {
			shorts[c.ShortageVar] = true
		}
	}
	if len(orders) == 0 || len(shorts) == 0 {
		for _, t := range goal.Objective.Terms {
			switch t.WeightField {
			case contracts.CostFieldUnit:
				orders[t.Var] = true
			case contracts.CostFieldShortage:
				shorts[t.Var] = true
			}
		}
	}
	return orders, shorts
}

// deriveKPIs computes plan-level indicators from a usable assignment: total
// spend in currency, probability-weighted shortage in units, and the
// demand-weighted service level.
func deriveKPIs(goal *contracts.GoalDocument, set *contracts.ScenarioSet, sol *contracts.Solution) map[string]float64 {
	orders, shorts := kpiTemplates(goal)
	if len(orders) == 0 && len(shorts) == 0 {
		return nil
	}
	weight := func(s int) float64 {
		if s < 0 || set == nil || s >= len(set.Scenarios) {
			return 1
		}
		return set.Scenarios[s].Weight
	}

	spend, shortage := 0.0, 0.0
	for name, v := range sol.Assignments {
		ref := parseInstance(name)
		switch {
		case orders[ref.base]:
			sku := goal.SKU(ref.sku)
			if sku == nil {
				continue
			}
			cost := sku.UnitCost
			if ref.supplier != "" {
				if sup := supplierByID(goal, ref.supplier); sup != nil && sup.PriceMultiplier > 0 {
					cost *= sup.PriceMultiplier
				}
			}
			spend += v * cost * weight(ref.scenario)
		case shorts[ref.base]:
			shortage += v * weight(ref.scenario)
		}
	}

	kpis := map[string]float64{
		"spend":          spend,
		"shortage_units": shortage,
	}
	if demand := expectedDemand(goal, set); demand > 0 {
		service := 1 - shortage/demand
		if service < 0 {
			service = 0
		}
		kpis["service_level"] = service
	} else {
		kpis["service_level"] = 1
	}
	return kpis
}

// expectedDemand sums probability-weighted demand over the scenario set, or
// the point demand for deterministic plans.
func expectedDemand(goal *contracts.GoalDocument, set *contracts.ScenarioSet) float64 {
	if set != nil && len(set.Scenarios) > 0 {
		total := 0.0
		for _, sc := range set.Scenarios {
			per := 0.0
			for _, traj := range sc.Demand {
				for _, d := range traj {
					per += d
				}
			}
			total += sc.Weight * per
		}
		return total
	}
	total := 0.0
	for _, sku := range goal.SKUs {
		for t := 0; t < len(sku.Demand) && t < goal.Horizon; t++ {
			total += sku.Demand[t]
		}
	}
	return total
}

func supplierByID(goal *contracts.GoalDocument, id string) *contracts.Supplier {
	for i := range goal.Suppliers {
		if goal.Suppliers[i].ID == id {
			return &goal.Suppliers[i]
		}
	}
	return nil
}
