package solver

import (
	"container/heap"
	"context"
	"math"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// Branch-and-bound guards.
const (
	integralityTol = 1e-6
	maxNodes       = 20000
)

// bbNode is one open subproblem: the branching bounds layered over the IR
// plus the parent relaxation bound used for best-first ordering.
type bbNode struct {
	bounds map[string]Bounds
	bound  float64 // sense-normalized: lower is better
}

type nodeQueue []*bbNode

func (q nodeQueue) Len() int            { return len(q) }
func (q nodeQueue) Less(i, j int) bool  { return q[i].bound < q[j].bound }
func (q nodeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)         { *q = append(*q, x.(*bbNode)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// bbResult is the internal outcome of a branch-and-bound run.
type bbResult struct {
	status    LPStatus // optimal or infeasible; deadline handled separately
	objective float64
	values    map[string]float64
	gap       float64
	deadline  bool // deadline or node budget hit before the gap closed
}

// integerVars returns the names of variables with integral domains.
func integerVars(ir *contracts.OptimizationIR) []string {
	var names []string
	for i := range ir.Variables {
		if ir.Variables[i].Domain != contracts.DomainContinuous {
			names = append(names, ir.Variables[i].Name)
		}
	}
	return names
}

// mostFractional picks the integral variable whose value sits furthest from
// an integer, or "" when the point is integral.
func mostFractional(values map[string]float64, intVars []string) (string, float64) {
	bestName, bestDist := "", 0.0
	for _, name := range intVars {
		v := values[name]
		dist := math.Abs(v - math.Round(v))
		if dist > integralityTol && dist > bestDist {
			bestName, bestDist = name, dist
		}
	}
	if bestName == "" {
		return "", 0
	}
	return bestName, values[bestName]
}

// solveBranchAndBound runs best-first branch and bound over LP relaxations.
// The incumbent seeds from a verified warm start when one is supplied. The
// node budget and the context deadline both stop the search with the best
// incumbent and an honest gap.
func (s *Solver) solveBranchAndBound(ctx context.Context, ir *contracts.OptimizationIR, opts Options, backend Backend) (*bbResult, error) {
	sense := 1.0
	if ir.Sense == contracts.SenseMaximize {
		sense = -1
	}
	intVars := integerVars(ir)

	incumbentObj := math.Inf(1) // sense-normalized
	var incumbentVals map[string]float64
	if ws := verifyWarmStart(ir, opts.RHSOverride, opts.WarmStart); ws != nil {
		incumbentVals = ws.values
		incumbentObj = sense * ws.objective
	}

	open := &nodeQueue{}
	heap.Init(open)
	heap.Push(open, &bbNode{bounds: map[string]Bounds{}, bound: math.Inf(-1)})

	bestBound := math.Inf(-1)
	nodes := 0
	hitLimit := false

	for open.Len() > 0 {
		if ctx.Err() != nil || nodes >= maxNodes {
			hitLimit = true
			break
		}
		nodes++
		node := heap.Pop(open).(*bbNode)
		if node.bound >= incumbentObj-integralityTol {
			continue // cannot improve the incumbent
		}

		out, err := backend.SolveLP(ctx, LPRequest{
			IR:          ir,
			RHSOverride: opts.RHSOverride,
			VarBounds:   node.bounds,
		})
		if err != nil {
			if ctx.Err() != nil {
				hitLimit = true
				break
			}
			return nil, err
		}
		switch out.Status {
		case LPInfeasible:
			continue
		case LPUnbounded:
			// An unbounded relaxation at the root means the MILP itself is
			// unbounded; deeper nodes inherit the verdict.
			return &bbResult{status: LPUnbounded}, nil
		}

		relaxed := sense * out.Objective
		if relaxed >= incumbentObj-integralityTol {
			continue
		}

		branchVar, branchVal := mostFractional(out.Values, intVars)
		if branchVar == "" {
			// Integral point: new incumbent.
			incumbentObj = relaxed
			incumbentVals = out.Values
			continue
		}

		floorV := math.Floor(branchVal)
		down := cloneBounds(node.bounds)
		db := boundsFor(ir, branchVar, down)
		up := floorV
		db.Upper = &up
		down[branchVar] = db

		upn := cloneBounds(node.bounds)
		ub := boundsFor(ir, branchVar, upn)
		ub.Lower = floorV + 1
		upn[branchVar] = ub

		heap.Push(open, &bbNode{bounds: down, bound: relaxed})
		heap.Push(open, &bbNode{bounds: upn, bound: relaxed})
	}

	// The best open bound caps how far the incumbent can be from optimal.
	if open.Len() > 0 {
		bestBound = (*open)[0].bound
	} else if !hitLimit {
		bestBound = incumbentObj
	}

	if math.IsInf(incumbentObj, 1) {
		if hitLimit {
			return &bbResult{deadline: true}, nil
		}
		return &bbResult{status: LPInfeasible}, nil
	}

	gap := 0.0
	if hitLimit && !math.IsInf(bestBound, -1) {
		gap = math.Abs(incumbentObj-bestBound) / math.Max(1, math.Abs(incumbentObj))
	} else if hitLimit {
		gap = math.Inf(1)
	}
	return &bbResult{
		status:    LPOptimal,
		objective: sense * incumbentObj,
		values:    incumbentVals,
		gap:       gap,
		deadline:  hitLimit,
	}, nil
}

func cloneBounds(in map[string]Bounds) map[string]Bounds {
	out := make(map[string]Bounds, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// boundsFor returns the effective bounds of a variable under the node's
// overrides, falling back to the IR declaration.
func boundsFor(ir *contracts.OptimizationIR, name string, overrides map[string]Bounds) Bounds {
	if b, ok := overrides[name]; ok {
		return b
	}
	for i := range ir.Variables {
		if ir.Variables[i].Name == name {
			return Bounds{Lower: ir.Variables[i].Lower, Upper: ir.Variables[i].Upper}
		}
	}
	return Bounds{}
}

type warmStart struct {
	values    map[string]float64
	objective float64
}

// verifyWarmStart checks a proposed assignment against the IR's rows,
// bounds and integrality. Only a fully feasible point may seed the
// incumbent; anything else is discarded.
func verifyWarmStart(ir *contracts.OptimizationIR, rhsOverride, proposal map[string]float64) *warmStart {
	if len(proposal) == 0 {
		return nil
	}
	values := make(map[string]float64, len(ir.Variables))
	for i := range ir.Variables {
		v := &ir.Variables[i]
		val, ok := proposal[v.Name]
		if !ok {
			return nil
		}
		if val < v.Lower-integralityTol {
			return nil
		}
		if v.Upper != nil && val > *v.Upper+integralityTol {
			return nil
		}
		if v.Domain != contracts.DomainContinuous && math.Abs(val-math.Round(val)) > integralityTol {
			return nil
		}
		values[v.Name] = val
	}
	const feasTol = 1e-6
	for i := range ir.Constraints {
		row := &ir.Constraints[i]
		rhs := row.RHS
		if ov, ok := rhsOverride[row.Name]; ok {
			rhs = ov
		}
		lhs := 0.0
		for _, t := range row.Terms {
			lhs += t.Coeff * values[t.Var]
		}
		switch row.Op {
		case contracts.OpLE:
			if lhs > rhs+feasTol {
				return nil
			}
		case contracts.OpGE:
			if lhs < rhs-feasTol {
				return nil
			}
		case contracts.OpEQ:
			if math.Abs(lhs-rhs) > feasTol {
				return nil
			}
		}
	}
	obj := 0.0
	for _, t := range ir.Objective {
		obj += t.Coeff * values[t.Var]
	}
	return &warmStart{values: values, objective: obj}
}
