// Package contracts defines the shared data model of the decision kernel:
// goal documents, scenario sets, the optimization IR, solve results, policy
// decisions and evidence records. Types here are plain data with canonical
// JSON shapes; behavior lives in the component packages.
package contracts

// OptimizeSense is the direction of the objective.
type OptimizeSense string

// Objective senses.
const (
	SenseMinimize OptimizeSense = "minimize"
	SenseMaximize OptimizeSense = "maximize"
)

// Valid reports whether the sense is a known value.
func (s OptimizeSense) Valid() bool {
	switch s {
	case SenseMinimize, SenseMaximize:
		return true
	}
	return false
}

// VarDomain is the admissible value set of a decision variable.
type VarDomain string

// Variable domains.
const (
	DomainContinuous VarDomain = "continuous"
	DomainInteger    VarDomain = "integer"
	DomainBinary     VarDomain = "binary"
)

// Valid reports whether the domain is a known value.
func (d VarDomain) Valid() bool {
	switch d {
	case DomainContinuous, DomainInteger, DomainBinary:
		return true
	}
	return false
}

// ConstraintKind is the closed set of constraint families the compiler
// understands. Switches over this type must be exhaustive; adding a kind is
// a schema change and must update every switch flagged by tests.
type ConstraintKind string

// Constraint kinds.
const (
	KindBudget   ConstraintKind = "budget"
	KindMOQ      ConstraintKind = "moq"
	KindBalance  ConstraintKind = "balance"
	KindLeadTime ConstraintKind = "lead_time"
	KindCustom   ConstraintKind = "custom"
)

// Valid reports whether the kind is a known value.
func (k ConstraintKind) Valid() bool {
	switch k {
	case KindBudget, KindMOQ, KindBalance, KindLeadTime, KindCustom:
		return true
	}
	return false
}

// RelaxationOrder returns the fixed priority order in which infeasibility
// diagnosis offers constraint relaxations.
func RelaxationOrder() []ConstraintKind {
	return []ConstraintKind{KindBudget, KindMOQ, KindBalance, KindLeadTime, KindCustom}
}

// CompareOp is the row operator of a constraint.
type CompareOp string

// Comparison operators.
const (
	OpLE CompareOp = "le"
	OpGE CompareOp = "ge"
	OpEQ CompareOp = "eq"
)

// Valid reports whether the operator is a known value.
func (o CompareOp) Valid() bool {
	switch o {
	case OpLE, OpGE, OpEQ:
		return true
	}
	return false
}

// SKUCostField selects a per-SKU cost attribute used to weight a variable
// term, so goals can express spend or penalty terms without repeating
// per-SKU coefficients.
type SKUCostField string

// Cost field selectors.
const (
	CostFieldNone     SKUCostField = ""
	CostFieldUnit     SKUCostField = "unit_cost"
	CostFieldHolding  SKUCostField = "holding_cost"
	CostFieldShortage SKUCostField = "shortage_penalty"
)

// Valid reports whether the selector is a known value.
func (f SKUCostField) Valid() bool {
	switch f {
	case CostFieldNone, CostFieldUnit, CostFieldHolding, CostFieldShortage:
		return true
	}
	return false
}

// AggregationKind is the robust aggregation applied across scenarios.
type AggregationKind string

// Aggregation kinds.
const (
	AggregateMean AggregationKind = "mean"
	AggregateP95  AggregationKind = "p95"
	AggregateCVaR AggregationKind = "cvar"
)

// Valid reports whether the aggregation is a known value.
func (a AggregationKind) Valid() bool {
	switch a {
	case AggregateMean, AggregateP95, AggregateCVaR:
		return true
	}
	return false
}

// Supplier is a sourcing option referenced by SKUs.
type Supplier struct {
	ID              string  `json:"id"`
	Name            string  `json:"name,omitempty"`
	LeadTimePeriods int     `json:"lead_time_periods,omitempty"`
	PriceMultiplier float64 `json:"price_multiplier,omitempty"`
}

// SKU describes one item the plan decides over. Cost fields feed
// cost-weighted objective and constraint terms; Demand carries the point
// forecast used by deterministic goals that skip scenario generation.
type SKU struct {
	ID              string    `json:"id"`
	Description     string    `json:"description,omitempty"`
	SupplierIDs     []string  `json:"supplier_ids,omitempty"`
	UnitCost        float64   `json:"unit_cost"`
	HoldingCost     float64   `json:"holding_cost,omitempty"`
	ShortagePenalty float64   `json:"shortage_penalty,omitempty"`
	MOQ             float64   `json:"moq,omitempty"`
	LeadTimePeriods int       `json:"lead_time_periods,omitempty"`
	OpeningStock    float64   `json:"opening_stock,omitempty"`
	Demand          []float64 `json:"demand,omitempty"`
}

// VariableDecl declares a decision-variable template. Templates expand over
// the goal's index sets: always SKU and period, optionally supplier and
// scenario. A per-scenario variable is a recourse quantity; first-stage
// variables are shared across scenarios.
type VariableDecl struct {
	Name        string    `json:"name"`
	Domain      VarDomain `json:"domain"`
	Lower       *float64  `json:"lower,omitempty"`
	Upper       *float64  `json:"upper,omitempty"`
	PerSupplier bool      `json:"per_supplier,omitempty"`
	PerScenario bool      `json:"per_scenario,omitempty"`
}

// ObjectiveTerm is one weighted summand of the objective. The term sums the
// named variable over its whole index space. Weight defaults to 1; a
// WeightField multiplies each expanded coefficient by the matching per-SKU
// cost attribute.
type ObjectiveTerm struct {
	Name        string       `json:"name,omitempty"`
	Var         string       `json:"var"`
	Weight      float64      `json:"weight,omitempty"`
	WeightField SKUCostField `json:"weight_field,omitempty"`
}

// Objective is the optimization target of a goal.
type Objective struct {
	Sense OptimizeSense   `json:"sense"`
	Terms []ObjectiveTerm `json:"terms"`
}

// TermRef selects a slice of a variable's index space for a constraint row.
// Zero-valued selectors mean "all": an empty SKUID spans every SKU, a zero
// Period spans every period (periods are 1-based).
type TermRef struct {
	Var         string       `json:"var"`
	SKUID       string       `json:"sku_id,omitempty"`
	SupplierID  string       `json:"supplier_id,omitempty"`
	Period      int          `json:"period,omitempty"`
	Coeff       float64      `json:"coeff,omitempty"`
	WeightField SKUCostField `json:"weight_field,omitempty"`
}

// ConstraintDecl declares one typed constraint of a goal. Which fields apply
// depends on Kind:
//
//	budget    Terms (spend selectors) and Limit; rows are first-stage.
//	moq       Terms[0] names the governed order variable; SKUID (empty: all
//	          SKUs with a MOQ) and optional Quantity overriding the SKU's
//	          MOQ; expands to semicontinuous rows.
//	balance   InventoryVar, InflowVar and ShortageVar name the stock, order
//	          and shortage templates tied by per-period flow equalities.
//	lead_time Terms[0] names the order variable; Periods (default: the
//	          SKU's lead time) shifts order arrival.
//	custom    Terms, Op and Limit as an explicit linear row.
type ConstraintDecl struct {
	Name         string         `json:"name"`
	Kind         ConstraintKind `json:"kind"`
	Explain      bool           `json:"explain,omitempty"`
	Limit        float64        `json:"limit,omitempty"`
	Op           CompareOp      `json:"op,omitempty"`
	Terms        []TermRef      `json:"terms,omitempty"`
	SKUID        string         `json:"sku_id,omitempty"`
	Quantity     float64        `json:"quantity,omitempty"`
	Periods      int            `json:"periods,omitempty"`
	InventoryVar string         `json:"inventory_var,omitempty"`
	InflowVar    string         `json:"inflow_var,omitempty"`
	ShortageVar  string         `json:"shortage_var,omitempty"`
}

// Robustness selects how many scenarios back the plan and how per-scenario
// costs aggregate into one objective. Deterministic goals skip scenario
// generation and price the plan against the SKU point demand.
type Robustness struct {
	Deterministic bool            `json:"deterministic,omitempty"`
	NumScenarios  int             `json:"num_scenarios,omitempty"`
	Aggregation   AggregationKind `json:"aggregation,omitempty"`
	Alpha         float64         `json:"alpha,omitempty"`
	Seed          *uint64         `json:"seed,omitempty"`
}

// GoalDocument is the immutable input contract of the kernel: a structured
// business goal with an objective, typed constraints and robustness
// preferences. Documents are validated against the embedded JSON schema
// before any other work happens.
type GoalDocument struct {
	SchemaVersion string           `json:"schema_version,omitempty"`
	TenantID      string           `json:"tenant_id"`
	ProjectID     string           `json:"project_id,omitempty"`
	PlanID        string           `json:"plan_id,omitempty"`
	Name          string           `json:"name,omitempty"`
	Horizon       int              `json:"horizon"`
	Suppliers     []Supplier       `json:"suppliers,omitempty"`
	SKUs          []SKU            `json:"skus"`
	Variables     []VariableDecl   `json:"variables"`
	Objective     Objective        `json:"objective"`
	Constraints   []ConstraintDecl `json:"constraints"`
	Robustness    Robustness       `json:"robustness,omitempty"`
}

// SKUIDs returns the declared SKU identifiers in document order.
func (g *GoalDocument) SKUIDs() []string {
	ids := make([]string, 0, len(g.SKUs))
	for _, s := range g.SKUs {
		ids = append(ids, s.ID)
	}
	return ids
}

// SKU returns the SKU with the given id, or nil.
func (g *GoalDocument) SKU(id string) *SKU {
	for i := range g.SKUs {
		if g.SKUs[i].ID == id {
			return &g.SKUs[i]
		}
	}
	return nil
}

// Variable returns the declared variable template with the given name, or nil.
func (g *GoalDocument) Variable(name string) *VariableDecl {
	for i := range g.Variables {
		if g.Variables[i].Name == name {
			return &g.Variables[i]
		}
	}
	return nil
}
