package contracts

// IRVariable is one concrete decision variable after template expansion.
// Lower defaults to zero; a nil Upper means unbounded above. Bounds are
// pointers because the canonical JSON form cannot carry infinities.
type IRVariable struct {
	Name   string    `json:"name"`
	Domain VarDomain `json:"domain"`
	Lower  float64   `json:"lower"`
	Upper  *float64  `json:"upper,omitempty"`
}

// IRTerm is one coefficient of a linear expression.
type IRTerm struct {
	Var   string  `json:"var"`
	Coeff float64 `json:"coeff"`
}

// IRConstraint is one canonical row. Source names the goal constraint the
// row was expanded from, so diagnostics and sensitivities can roll expanded
// rows back up to the author's constraint names.
type IRConstraint struct {
	Name    string         `json:"name"`
	Kind    ConstraintKind `json:"kind"`
	Source  string         `json:"source,omitempty"`
	Terms   []IRTerm       `json:"terms"`
	Op      CompareOp      `json:"op"`
	RHS     float64        `json:"rhs"`
	Explain bool           `json:"explain,omitempty"`
}

// AggregationDirective records how per-scenario losses were folded into the
// single objective, so solvers and auditors can interpret the aux rows.
type AggregationDirective struct {
	Kind          AggregationKind `json:"kind"`
	Alpha         float64         `json:"alpha,omitempty"`
	ScenarioCount int             `json:"scenario_count"`
}

// ExplainabilityHints tells the solver which constraints to compute
// sensitivities for.
type ExplainabilityHints struct {
	TrackConstraints []string `json:"track_constraints,omitempty"`
}

// SourceDigests binds an IR to the exact inputs it was derived from.
type SourceDigests struct {
	GoalHash         string `json:"goal_hash"`
	ScenarioSetHash  string `json:"scenario_set_hash,omitempty"`
	PolicySnapshotHash string `json:"policy_snapshot_hash"`
}

// OptimizationIR is the canonical algebraic form of a compiled goal: a
// linear objective and constraint rows over concrete variables, plus the
// provenance digests of the inputs. An IR is built in one shot by the
// compiler and never mutated afterwards; identical inputs produce
// byte-identical canonical serializations.
type OptimizationIR struct {
	SchemaVersion string               `json:"schema_version"`
	IRID          string               `json:"ir_id"`
	TenantID      string               `json:"tenant_id"`
	PlanID        string               `json:"plan_id"`
	Sense         OptimizeSense        `json:"sense"`
	Variables     []IRVariable         `json:"variables"`
	Objective     []IRTerm             `json:"objective"`
	Constraints   []IRConstraint       `json:"constraints"`
	Aggregation   AggregationDirective `json:"aggregation"`
	Hints         ExplainabilityHints  `json:"hints"`
	Sources       SourceDigests        `json:"sources"`
}

// ConstraintNames returns the row names in declaration order.
func (ir *OptimizationIR) ConstraintNames() []string {
	names := make([]string, 0, len(ir.Constraints))
	for _, c := range ir.Constraints {
		names = append(names, c.Name)
	}
	return names
}

// HasVariable reports whether the IR declares the named variable.
func (ir *OptimizationIR) HasVariable(name string) bool {
	for i := range ir.Variables {
		if ir.Variables[i].Name == name {
			return true
		}
	}
	return false
}

// IsMixedInteger reports whether any variable has an integer or binary
// domain, which decides whether duals are exact or LP-relaxation
// approximations.
func (ir *OptimizationIR) IsMixedInteger() bool {
	for i := range ir.Variables {
		if ir.Variables[i].Domain != DomainContinuous {
			return true
		}
	}
	return false
}
