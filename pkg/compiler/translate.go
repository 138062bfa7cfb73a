package compiler

import (
	"fmt"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// linExpr accumulates a linear expression with deterministic term order.
// Adding to an existing variable merges coefficients in place; zero
// coefficients are dropped at materialization.
type linExpr struct {
	terms []contracts.IRTerm
	index map[string]int
}

func newLinExpr() *linExpr {
	return &linExpr{index: make(map[string]int)}
}

func (e *linExpr) add(name string, coeff float64) {
	if coeff == 0 {
		return
	}
	if i, ok := e.index[name]; ok {
		e.terms[i].Coeff += coeff
		return
	}
	e.index[name] = len(e.terms)
	e.terms = append(e.terms, contracts.IRTerm{Var: name, Coeff: coeff})
}

func (e *linExpr) list() []contracts.IRTerm {
	out := make([]contracts.IRTerm, 0, len(e.terms))
	for _, t := range e.terms {
		if t.Coeff != 0 {
			out = append(out, t)
		}
	}
	return out
}

// irBuilder assembles the IR pieces during translation. Aux variables and
// rows synthesized for MOQ activation and robust aggregation are appended
// after the goal-declared content, in deterministic order.
type irBuilder struct {
	m     *model
	vars  []contracts.IRVariable
	rows  []contracts.IRConstraint
	obj   *linExpr
	loss  []*linExpr
	tail  bool
	alpha float64
}

func newIRBuilder(m *model) *irBuilder {
	b := &irBuilder{m: m, vars: m.expandVariables(), obj: newLinExpr()}

	agg := m.goal.Robustness.Aggregation
	if m.stochastic && (agg == contracts.AggregateCVaR || agg == contracts.AggregateP95) {
		b.tail = true
		b.alpha = m.goal.Robustness.Alpha
		if agg == contracts.AggregateP95 || b.alpha == 0 {
			b.alpha = 0.95
		}
		b.loss = make([]*linExpr, len(m.scenarios))
		for i := range b.loss {
			b.loss[i] = newLinExpr()
		}
	}
	return b
}

// addObjectiveTerm spreads one goal objective term over its instances.
// First-stage contributions land in the objective directly. Per-scenario
// contributions are probability-weighted under mean aggregation, or routed
// into the per-scenario loss expressions under tail aggregation.
func (b *irBuilder) addObjectiveTerm(term contracts.ObjectiveTerm) {
	tpl := b.m.goal.Variable(term.Var)
	weight := term.Weight
	if weight == 0 {
		weight = 1
	}
	for j := range b.m.goal.SKUs {
		sku := &b.m.goal.SKUs[j]
		for _, sup := range b.m.suppliersFor(tpl, sku) {
			coeff := weight * b.m.costWeight(term.WeightField, sku, sup)
			for t := 1; t <= b.m.horizon; t++ {
				for _, s := range b.m.scenarioAxis(tpl) {
					name := varName(tpl.Name, instanceKey{sku: sku.ID, sup: sup, t: t, s: s})
					switch {
					case s < 0:
						b.obj.add(name, coeff)
					case b.tail:
						b.loss[s].add(name, coeff)
					default:
						b.obj.add(name, coeff*b.m.scenarios[s].weight)
					}
				}
			}
		}
	}
}

// addTermRef spreads one constraint term selector over its instances into
// expr. Per-scenario instances are probability-weighted, giving rows over
// recourse variables expected-value semantics.
func (b *irBuilder) addTermRef(expr *linExpr, ref contracts.TermRef) {
	tpl := b.m.goal.Variable(ref.Var)
	coeff := ref.Coeff
	if coeff == 0 {
		coeff = 1
	}
	for j := range b.m.goal.SKUs {
		sku := &b.m.goal.SKUs[j]
		if ref.SKUID != "" && ref.SKUID != sku.ID {
			continue
		}
		for _, sup := range b.m.suppliersFor(tpl, sku) {
			if ref.SupplierID != "" && ref.SupplierID != sup {
				continue
			}
			c := coeff * b.m.costWeight(ref.WeightField, sku, sup)
			for t := 1; t <= b.m.horizon; t++ {
				if ref.Period != 0 && ref.Period != t {
					continue
				}
				for _, s := range b.m.scenarioAxis(tpl) {
					name := varName(tpl.Name, instanceKey{sku: sku.ID, sup: sup, t: t, s: s})
					if s < 0 {
						expr.add(name, c)
					} else {
						expr.add(name, c*b.m.scenarios[s].weight)
					}
				}
			}
		}
	}
}

func (b *irBuilder) addRow(row contracts.IRConstraint) {
	b.rows = append(b.rows, row)
}

// buildConstraint translates one goal constraint into rows. The switch is
// exhaustive over the closed kind set.
func (b *irBuilder) buildConstraint(c *contracts.ConstraintDecl) error {
	track := c.Explain || c.Kind == contracts.KindBudget
	switch c.Kind {
	case contracts.KindBudget, contracts.KindCustom:
		expr := newLinExpr()
		for _, ref := range c.Terms {
			b.addTermRef(expr, ref)
		}
		op := c.Op
		if op == "" {
			op = contracts.OpLE
		}
		b.addRow(contracts.IRConstraint{
			Name: c.Name, Kind: c.Kind, Source: c.Name,
			Terms: expr.list(), Op: op, RHS: c.Limit, Explain: track,
		})
		return nil

	case contracts.KindMOQ:
		return b.buildMOQ(c, track)

	case contracts.KindBalance:
		return b.buildBalance(c, track)

	case contracts.KindLeadTime:
		return b.buildLeadTime(c, track)
	}
	return unsupportedErr(c.Name, "unknown constraint kind %q", c.Kind)
}

// buildMOQ expands minimum-order-quantity semicontinuity for the governed
// order variable: per order line, a binary activation z with
// order <= M*z and order >= q*z.
func (b *irBuilder) buildMOQ(c *contracts.ConstraintDecl, track bool) error {
	tpl := b.m.goal.Variable(c.Terms[0].Var)
	built := false
	for j := range b.m.goal.SKUs {
		sku := &b.m.goal.SKUs[j]
		if c.SKUID != "" && c.SKUID != sku.ID {
			continue
		}
		qty := c.Quantity
		if qty == 0 {
			qty = sku.MOQ
		}
		if qty <= 0 {
			continue
		}
		built = true
		bigM := b.m.bigM(tpl, sku, qty)
		for _, sup := range b.m.suppliersFor(tpl, sku) {
			for t := 1; t <= b.m.horizon; t++ {
				key := instanceKey{sku: sku.ID, sup: sup, t: t, s: -1}
				order := varName(tpl.Name, key)
				one := 1.0
				z := varName("aux_"+c.Name+"_on", key)
				b.vars = append(b.vars, contracts.IRVariable{
					Name: z, Domain: contracts.DomainBinary, Lower: 0, Upper: &one,
				})
				b.addRow(contracts.IRConstraint{
					Name: rowName(c.Name+"_link", key), Kind: contracts.KindMOQ, Source: c.Name,
					Terms: []contracts.IRTerm{{Var: order, Coeff: 1}, {Var: z, Coeff: -bigM}},
					Op:    contracts.OpLE, RHS: 0, Explain: track,
				})
				b.addRow(contracts.IRConstraint{
					Name: rowName(c.Name+"_min", key), Kind: contracts.KindMOQ, Source: c.Name,
					Terms: []contracts.IRTerm{{Var: order, Coeff: 1}, {Var: z, Coeff: -qty}},
					Op:    contracts.OpGE, RHS: 0, Explain: track,
				})
			}
		}
	}
	if !built {
		return schemaErr(c.Name, "no SKU in scope has a minimum order quantity")
	}
	return nil
}

// buildBalance expands per-period inventory flow equalities:
// inv[t] = inv[t-1] + arrivals[t] - demand[t] + shortage[t], with arrivals
// shifted by the effective lead time and opening stock seeding period one.
func (b *irBuilder) buildBalance(c *contracts.ConstraintDecl, track bool) error {
	invTpl := b.m.goal.Variable(c.InventoryVar)
	inflowTpl := b.m.goal.Variable(c.InflowVar)
	shortTpl := b.m.goal.Variable(c.ShortageVar)

	for j := range b.m.goal.SKUs {
		sku := &b.m.goal.SKUs[j]
		for t := 1; t <= b.m.horizon; t++ {
			for _, s := range b.m.scenarioAxis(invTpl) {
				key := instanceKey{sku: sku.ID, t: t, s: s}
				expr := newLinExpr()
				expr.add(varName(invTpl.Name, key), 1)
				if t > 1 {
					expr.add(varName(invTpl.Name, instanceKey{sku: sku.ID, t: t - 1, s: s}), -1)
				}
				expr.add(varName(shortTpl.Name, key), -1)
				for _, sup := range b.m.suppliersFor(inflowTpl, sku) {
					arrival := t - b.m.leadFor(sku.ID, sup)
					if arrival >= 1 {
						expr.add(varName(inflowTpl.Name, instanceKey{sku: sku.ID, sup: sup, t: arrival, s: -1}), -1)
					}
				}

				sIdx := s
				if sIdx < 0 {
					sIdx = 0
				}
				rhs := -b.m.demandAt(sIdx, sku.ID, t)
				if t == 1 {
					rhs += sku.OpeningStock
				}
				b.addRow(contracts.IRConstraint{
					Name: rowName(c.Name, key), Kind: contracts.KindBalance, Source: c.Name,
					Terms: expr.list(), Op: contracts.OpEQ, RHS: rhs, Explain: track,
				})
			}
		}
	}
	return nil
}

// buildLeadTime expands order cutoff windows: order lines placed too late
// to arrive inside the horizon are forced to zero. Relaxing such a row
// models expediting.
func (b *irBuilder) buildLeadTime(c *contracts.ConstraintDecl, track bool) error {
	tpl := b.m.goal.Variable(c.Terms[0].Var)
	for j := range b.m.goal.SKUs {
		sku := &b.m.goal.SKUs[j]
		if c.SKUID != "" && c.SKUID != sku.ID {
			continue
		}
		for _, sup := range b.m.suppliersFor(tpl, sku) {
			lead := b.m.leadFor(sku.ID, sup)
			if lead <= 0 {
				continue
			}
			for t := 1; t <= b.m.horizon; t++ {
				if t+lead <= b.m.horizon {
					continue
				}
				key := instanceKey{sku: sku.ID, sup: sup, t: t, s: -1}
				b.addRow(contracts.IRConstraint{
					Name: rowName(c.Name, key), Kind: contracts.KindLeadTime, Source: c.Name,
					Terms: []contracts.IRTerm{{Var: varName(tpl.Name, key), Coeff: 1}},
					Op:    contracts.OpLE, RHS: 0, Explain: track,
				})
			}
		}
	}
	return nil
}

// buildAggregation finalizes tail aggregation: one epigraph threshold
// variable, one excess variable per scenario, and the epigraph rows
// loss_s - t - u_s <= 0, with the objective picking up
// t + sum(u_s)/((1-alpha)*N). Losses are assumed non-negative, which holds
// for cost-shaped objectives over non-negative variables.
func (b *irBuilder) buildAggregation() {
	if !b.tail {
		return
	}
	n := len(b.m.scenarios)
	tVar := "aux_tail_threshold"
	b.vars = append(b.vars, contracts.IRVariable{Name: tVar, Domain: contracts.DomainContinuous})
	b.obj.add(tVar, 1)

	scale := 1.0 / ((1.0 - b.alpha) * float64(n))
	for s := 0; s < n; s++ {
		u := fmt.Sprintf("aux_tail_excess[s%03d]", s)
		b.vars = append(b.vars, contracts.IRVariable{Name: u, Domain: contracts.DomainContinuous})
		b.obj.add(u, scale)

		expr := newLinExpr()
		for _, term := range b.loss[s].list() {
			expr.add(term.Var, term.Coeff)
		}
		expr.add(tVar, -1)
		expr.add(u, -1)
		b.addRow(contracts.IRConstraint{
			Name:   fmt.Sprintf("aux_tail_bound[s%03d]", s),
			Kind:   contracts.KindCustom,
			Source: "aggregation",
			Terms:  expr.list(),
			Op:     contracts.OpLE,
			RHS:    0,
		})
	}
}
