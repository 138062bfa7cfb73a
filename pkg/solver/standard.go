package solver

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// errBoundsConflict marks a node whose branching bounds admit no point at
// all, which the backend reports as plain infeasibility.
var errBoundsConflict = errors.New("solver: variable bounds conflict")

// Bounds is a half-open numeric interval; a nil Upper means unbounded
// above.
type Bounds struct {
	Lower float64
	Upper *float64
}

// standardForm is one IR instance rewritten to the equality form gonum's
// simplex consumes: minimize cost over x >= 0 subject to A x = b. Original
// variables are shifted by their lower bounds; upper bounds and inequality
// operators become slack columns.
type standardForm struct {
	cost     []float64
	a        *mat.Dense
	b        []float64
	nCols    int
	varCol   map[string]int
	shift    map[string]float64
	objConst float64
	sense    float64 // +1 minimize, -1 maximize
	rowRefs  []rowRef
}

// rowRef locates one IR constraint inside the equality system. Sign records
// whether the row was negated while normalizing b >= 0, which dual values
// must undo.
type rowRef struct {
	pos  int
	sign float64
}

// buildStandardForm rewrites the IR with optional per-row RHS overrides
// (keyed by constraint name) and per-variable bound overrides (branching).
func buildStandardForm(ir *contracts.OptimizationIR, rhsOverride map[string]float64, varBounds map[string]Bounds) (*standardForm, error) {
	sf := &standardForm{
		varCol: make(map[string]int, len(ir.Variables)),
		shift:  make(map[string]float64, len(ir.Variables)),
		sense:  1,
	}
	if ir.Sense == contracts.SenseMaximize {
		sf.sense = -1
	}

	type colBound struct {
		name  string
		width float64 // upper - lower, negative if unbounded
	}
	bounded := make([]colBound, 0, len(ir.Variables))
	for i := range ir.Variables {
		v := &ir.Variables[i]
		if _, dup := sf.varCol[v.Name]; dup {
			return nil, fmt.Errorf("solver: duplicate variable %q in IR", v.Name)
		}
		eff := Bounds{Lower: v.Lower, Upper: v.Upper}
		if ov, ok := varBounds[v.Name]; ok {
			eff = ov
		}
		if eff.Upper != nil {
			if *eff.Upper < eff.Lower {
				return nil, errBoundsConflict
			}
			bounded = append(bounded, colBound{name: v.Name, width: *eff.Upper - eff.Lower})
		}
		sf.varCol[v.Name] = len(sf.varCol)
		sf.shift[v.Name] = eff.Lower
	}

	nVars := len(sf.varCol)
	nRows := len(ir.Constraints) + len(bounded)
	if nRows == 0 {
		// Row-free model: each column sits at its lower bound unless its
		// cost pushes it down, in which case the model is unbounded.
		sf.nCols = nVars
		sf.cost = make([]float64, nVars)
		for _, t := range ir.Objective {
			col, ok := sf.varCol[t.Var]
			if !ok {
				return nil, fmt.Errorf("solver: objective references unknown variable %q", t.Var)
			}
			sf.cost[col] += sf.sense * t.Coeff
			sf.objConst += t.Coeff * sf.shift[t.Var]
		}
		return sf, nil
	}
	// One slack column per inequality row and per bound row.
	nSlack := len(bounded)
	for i := range ir.Constraints {
		if ir.Constraints[i].Op != contracts.OpEQ {
			nSlack++
		}
	}
	sf.nCols = nVars + nSlack
	sf.cost = make([]float64, sf.nCols)
	sf.b = make([]float64, nRows)
	sf.a = mat.NewDense(nRows, sf.nCols, nil)
	sf.rowRefs = make([]rowRef, len(ir.Constraints))

	for _, t := range ir.Objective {
		col, ok := sf.varCol[t.Var]
		if !ok {
			return nil, fmt.Errorf("solver: objective references unknown variable %q", t.Var)
		}
		sf.cost[col] += sf.sense * t.Coeff
		sf.objConst += t.Coeff * sf.shift[t.Var]
	}

	slack := nVars
	for i := range ir.Constraints {
		row := &ir.Constraints[i]
		rhs := row.RHS
		if ov, ok := rhsOverride[row.Name]; ok {
			rhs = ov
		}
		for _, t := range row.Terms {
			col, ok := sf.varCol[t.Var]
			if !ok {
				return nil, fmt.Errorf("solver: row %q references unknown variable %q", row.Name, t.Var)
			}
			sf.a.Set(i, col, sf.a.At(i, col)+t.Coeff)
			rhs -= t.Coeff * sf.shift[t.Var]
		}
		switch row.Op {
		case contracts.OpLE:
			sf.a.Set(i, slack, 1)
			slack++
		case contracts.OpGE:
			sf.a.Set(i, slack, -1)
			slack++
		case contracts.OpEQ:
			// No slack.
		default:
			return nil, fmt.Errorf("solver: row %q has unsupported operator %q", row.Name, row.Op)
		}
		sf.b[i] = rhs
		sf.rowRefs[i] = rowRef{pos: i, sign: 1}
	}

	for j, cb := range bounded {
		r := len(ir.Constraints) + j
		sf.a.Set(r, sf.varCol[cb.name], 1)
		sf.a.Set(r, slack, 1)
		slack++
		sf.b[r] = cb.width
	}

	// Simplex phase one wants b >= 0; negate rows as needed and remember
	// the sign for dual extraction.
	for r := 0; r < nRows; r++ {
		if sf.b[r] >= 0 {
			continue
		}
		sf.b[r] = -sf.b[r]
		for c := 0; c < sf.nCols; c++ {
			sf.a.Set(r, c, -sf.a.At(r, c))
		}
		if r < len(sf.rowRefs) {
			sf.rowRefs[r].sign = -1
		}
	}
	return sf, nil
}

// solvePrimal runs the simplex on the standard form and maps the point back
// to original variable space and the original objective sense.
func (sf *standardForm) solvePrimal() (float64, map[string]float64, error) {
	if sf.a == nil {
		for _, c := range sf.cost {
			if c < 0 {
				return 0, nil, lp.ErrUnbounded
			}
		}
		values := make(map[string]float64, len(sf.varCol))
		for name := range sf.varCol {
			values[name] = sf.shift[name]
		}
		return sf.objConst, values, nil
	}
	optF, optX, err := lp.Simplex(sf.cost, sf.a, sf.b, simplexTol, nil)
	if err != nil {
		return 0, nil, err
	}
	values := make(map[string]float64, len(sf.varCol))
	for name, col := range sf.varCol {
		values[name] = sf.shift[name] + optX[col]
	}
	return sf.objConst + sf.sense*optF, values, nil
}

// solveDual computes the duals of the equality system by solving the dual
// program max b'y, A'y <= cost as a second simplex run, and maps each IR
// row's multiplier back to d(objective)/d(rhs) in the original orientation.
func (sf *standardForm) solveDual(ir *contracts.OptimizationIR) (map[string]float64, error) {
	if sf.a == nil {
		return map[string]float64{}, nil
	}
	nRows := len(sf.b)
	// Dual variables are free: y = yp - ym. Slacks close A'y <= cost.
	nCols := 2*nRows + sf.nCols
	cost := make([]float64, nCols)
	for r := 0; r < nRows; r++ {
		cost[r] = -sf.b[r]
		cost[nRows+r] = sf.b[r]
	}
	a := mat.NewDense(sf.nCols, nCols, nil)
	b := make([]float64, sf.nCols)
	for c := 0; c < sf.nCols; c++ {
		for r := 0; r < nRows; r++ {
			a.Set(c, r, sf.a.At(r, c))
			a.Set(c, nRows+r, -sf.a.At(r, c))
		}
		a.Set(c, 2*nRows+c, 1)
		b[c] = sf.cost[c]
	}
	for r := 0; r < sf.nCols; r++ {
		if b[r] >= 0 {
			continue
		}
		b[r] = -b[r]
		for c := 0; c < nCols; c++ {
			a.Set(r, c, -a.At(r, c))
		}
	}

	_, optX, err := lp.Simplex(cost, a, b, simplexTol, nil)
	if err != nil {
		return nil, fmt.Errorf("solver: dual solve: %w", err)
	}

	duals := make(map[string]float64, len(ir.Constraints))
	for i := range ir.Constraints {
		ref := sf.rowRefs[i]
		y := optX[ref.pos] - optX[nRows+ref.pos]
		duals[ir.Constraints[i].Name] = sf.sense * ref.sign * y
	}
	return duals, nil
}
