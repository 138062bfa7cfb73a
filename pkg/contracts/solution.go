package contracts

// SolveStatus is the terminal state of one solve attempt.
type SolveStatus string

// Solve statuses. TIMEOUT means the deadline passed with no incumbent;
// a deadline with an incumbent reports FEASIBLE with the achieved gap.
const (
	StatusOptimal    SolveStatus = "OPTIMAL"
	StatusFeasible   SolveStatus = "FEASIBLE"
	StatusInfeasible SolveStatus = "INFEASIBLE"
	StatusTimeout    SolveStatus = "TIMEOUT"
	StatusError      SolveStatus = "ERROR"
)

// Valid reports whether the status is a known value.
func (s SolveStatus) Valid() bool {
	switch s {
	case StatusOptimal, StatusFeasible, StatusInfeasible, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Usable reports whether the status carries an assignment a caller can act
// on.
func (s SolveStatus) Usable() bool {
	return s == StatusOptimal || s == StatusFeasible
}

// Solution is the result of a solve. BindingConstraints is always a subset
// of the IR's constraint names. Shadow prices are exact LP duals for pure
// linear programs; for mixed-integer programs they come from the final LP
// relaxation and DualsApproximate is set.
type Solution struct {
	Status             SolveStatus        `json:"status"`
	ObjectiveValue     float64            `json:"objective_value"`
	Gap                float64            `json:"mip_gap"`
	Assignments        map[string]float64 `json:"assignments,omitempty"`
	KPIs               map[string]float64 `json:"kpis,omitempty"`
	BindingConstraints []string           `json:"binding_constraints,omitempty"`
	Activities         map[string]float64 `json:"activities,omitempty"`
	ShadowPrices       map[string]float64 `json:"shadow_prices,omitempty"`
	DualsApproximate   bool               `json:"duals_approximate,omitempty"`
	WallTimeMS         float64            `json:"wall_time_ms,omitempty"`
	Message            string             `json:"message,omitempty"`
}

// Relaxation is one suggested constraint loosening: raise (or lower, for
// ge rows) the RHS by Delta to restore feasibility.
type Relaxation struct {
	Constraint string         `json:"constraint"`
	Kind       ConstraintKind `json:"kind"`
	Delta      float64        `json:"delta"`
	NewRHS     float64        `json:"new_rhs"`
	Rationale  string         `json:"rationale"`
}

// Diagnostic explains an infeasible model. The relaxation set restores
// feasibility when applied together; it is found by a greedy search in a
// fixed priority order and is not provably minimal, which Heuristic records.
type Diagnostic struct {
	Status      SolveStatus  `json:"status"`
	Relaxations []Relaxation `json:"relaxations"`
	Heuristic   bool         `json:"heuristic"`
	WallTimeMS  float64      `json:"wall_time_ms,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// TopRelaxation returns the highest-priority relaxation, or nil.
func (d *Diagnostic) TopRelaxation() *Relaxation {
	if d == nil || len(d.Relaxations) == 0 {
		return nil
	}
	return &d.Relaxations[0]
}
