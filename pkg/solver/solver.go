// Package solver turns a compiled OptimizationIR into a Solution or, on
// proven infeasibility, a Diagnostic with suggested relaxations. The numeric
// engine sits behind the Backend interface; the bundled backend is a dense
// two-phase simplex with an in-tree branch and bound for integral domains.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
)

// Defaults per the solve contract.
const (
	DefaultTimeLimit = 20 * time.Second
	DefaultMIPGap    = 0.02
	bindingTol       = 1e-6
)

// Options tunes one solve call. Zero values select the defaults. WarmStart
// proposes a prior assignment to seed the incumbent; infeasible proposals
// are ignored. RHSOverride rewrites right-hand sides by constraint name
// without touching the immutable IR.
type Options struct {
	TimeLimit   time.Duration
	MIPGap      float64
	WarmStart   map[string]float64
	RHSOverride map[string]float64
}

func (o Options) withDefaults() Options {
	if o.TimeLimit <= 0 {
		o.TimeLimit = DefaultTimeLimit
	}
	if o.MIPGap <= 0 {
		o.MIPGap = DefaultMIPGap
	}
	return o
}

// RelaxationPolicy approves or rejects a proposed constraint relaxation
// before it is offered in a Diagnostic. A nil policy approves everything.
type RelaxationPolicy interface {
	AllowRelaxation(ctx context.Context, rel contracts.Relaxation) (bool, error)
}

// Solver solves IRs against a Runtime. An IR is consumed exactly once;
// handing the same IR to Solve twice is a programming error and is
// rejected.
type Solver struct {
	rt     *Runtime
	policy RelaxationPolicy
	logger *slog.Logger

	mu       sync.Mutex
	consumed map[string]struct{}
}

// Option configures a Solver.
type Option func(*Solver)

// WithRelaxationPolicy installs the solve-time policy re-check for proposed
// relaxations.
func WithRelaxationPolicy(p RelaxationPolicy) Option {
	return func(s *Solver) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Solver over the given runtime.
func New(rt *Runtime, opts ...Option) *Solver {
	s := &Solver{
		rt:       rt,
		logger:   slog.Default().With("component", "solver"),
		consumed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve runs one IR to a terminal result. Exactly one of the returned
// solution and diagnostic is non-nil on a nil error. Backend faults never
// escape as errors or panics: they come back as a Solution with status
// ERROR so callers branch on status alone. The returned error is reserved
// for caller mistakes (nil IR, double consumption).
func (s *Solver) Solve(ctx context.Context, ir *contracts.OptimizationIR, opts Options) (sol *contracts.Solution, diag *contracts.Diagnostic, err error) {
	if ir == nil {
		return nil, nil, errors.New("solver: nil IR")
	}
	if err := s.consumeOnce(ir); err != nil {
		return nil, nil, err
	}
	opts = opts.withDefaults()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("backend panic recovered", "ir_id", ir.IRID, "panic", fmt.Sprint(r))
			sol = &contracts.Solution{
				Status:     contracts.StatusError,
				Message:    fmt.Sprintf("backend panic: %v", r),
				WallTimeMS: wallMS(start),
			}
			diag, err = nil, nil
		}
	}()

	backend, err := s.rt.Backend()
	if err != nil {
		return errSolution(start, err), nil, nil
	}

	solveCtx, cancel := context.WithTimeout(ctx, opts.TimeLimit)
	defer cancel()

	sol, diag = s.solve(solveCtx, ir, opts, backend, start)
	s.logger.Info("solve finished",
		"ir_id", ir.IRID,
		"tenant_id", ir.TenantID,
		"status", solveStatus(sol, diag),
		"wall_ms", wallMS(start),
	)
	return sol, diag, nil
}

func (s *Solver) solve(ctx context.Context, ir *contracts.OptimizationIR, opts Options, backend Backend, start time.Time) (*contracts.Solution, *contracts.Diagnostic) {
	if ir.IsMixedInteger() {
		return s.solveMixed(ctx, ir, opts, backend, start)
	}
	return s.solveLinear(ctx, ir, opts, backend, start)
}

func (s *Solver) solveLinear(ctx context.Context, ir *contracts.OptimizationIR, opts Options, backend Backend, start time.Time) (*contracts.Solution, *contracts.Diagnostic) {
	out, err := backend.SolveLP(ctx, LPRequest{
		IR:          ir,
		RHSOverride: opts.RHSOverride,
		NeedDuals:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return timeoutSolution(start), nil
		}
		return errSolution(start, err), nil
	}
	switch out.Status {
	case LPInfeasible:
		return nil, s.diagnose(ctx, ir, opts, backend, start)
	case LPUnbounded:
		return errSolution(start, errors.New("model is unbounded")), nil
	}

	sol := &contracts.Solution{
		Status:         contracts.StatusOptimal,
		ObjectiveValue: out.Objective,
		Assignments:    out.Values,
		WallTimeMS:     wallMS(start),
	}
	s.attachSensitivities(sol, ir, opts, out.Values, out.Duals, false)
	return sol, nil
}

func (s *Solver) solveMixed(ctx context.Context, ir *contracts.OptimizationIR, opts Options, backend Backend, start time.Time) (*contracts.Solution, *contracts.Diagnostic) {
	res, err := s.solveBranchAndBound(ctx, ir, opts, backend)
	if err != nil {
		return errSolution(start, err), nil
	}
	switch {
	case res.status == LPUnbounded:
		return errSolution(start, errors.New("model is unbounded")), nil
	case res.status == LPInfeasible:
		return nil, s.diagnose(ctx, ir, opts, backend, start)
	case res.deadline && res.values == nil:
		return timeoutSolution(start), nil
	}

	status := contracts.StatusOptimal
	if res.deadline || res.gap > opts.MIPGap {
		// A time- or node-limited incumbent is reported as FEASIBLE with
		// its gap, never promoted.
		status = contracts.StatusFeasible
	}
	sol := &contracts.Solution{
		Status:         status,
		ObjectiveValue: res.objective,
		Gap:            res.gap,
		Assignments:    res.values,
		WallTimeMS:     wallMS(start),
	}

	// Duals come from the LP relaxation with integer variables fixed at the
	// incumbent, an explicitly labeled approximation for MILP.
	fixed := make(map[string]Bounds)
	for _, name := range integerVars(ir) {
		v := math.Round(res.values[name])
		hi := v
		fixed[name] = Bounds{Lower: v, Upper: &hi}
	}
	var duals map[string]float64
	if out, err := backend.SolveLP(ctx, LPRequest{
		IR:          ir,
		RHSOverride: opts.RHSOverride,
		VarBounds:   fixed,
		NeedDuals:   true,
	}); err == nil && out.Status == LPOptimal {
		duals = out.Duals
	}
	s.attachSensitivities(sol, ir, opts, res.values, duals, true)
	return sol, nil
}

// attachSensitivities fills binding status, activities, slack-derived KPIs
// and shadow prices. Activities and shadow prices are reported for the
// rows named by the IR's explainability hints; binding constraints list
// every inequality row with zero slack (equality rows bind by
// construction and are omitted).
func (s *Solver) attachSensitivities(sol *contracts.Solution, ir *contracts.OptimizationIR, opts Options, values, duals map[string]float64, approximate bool) {
	tracked := make(map[string]struct{})
	for i := range ir.Constraints {
		if ir.Constraints[i].Explain {
			tracked[ir.Constraints[i].Name] = struct{}{}
		}
	}

	var binding []string
	activities := make(map[string]float64)
	shadows := make(map[string]float64)
	for i := range ir.Constraints {
		row := &ir.Constraints[i]
		rhs := row.RHS
		if ov, ok := opts.RHSOverride[row.Name]; ok {
			rhs = ov
		}
		activity := 0.0
		for _, t := range row.Terms {
			activity += t.Coeff * values[t.Var]
		}
		scale := math.Max(1, math.Abs(rhs))
		if row.Op != contracts.OpEQ && math.Abs(activity-rhs) <= bindingTol*scale {
			binding = append(binding, row.Name)
		}
		if _, ok := tracked[row.Name]; ok {
			activities[row.Name] = activity
			if d, ok := duals[row.Name]; ok {
				shadows[row.Name] = d
			}
		}
	}
	sort.Strings(binding)
	sol.BindingConstraints = binding
	if len(activities) > 0 {
		sol.Activities = activities
	}
	if len(shadows) > 0 {
		sol.ShadowPrices = shadows
		sol.DualsApproximate = approximate
	}
}

func (s *Solver) consumeOnce(ir *contracts.OptimizationIR) error {
	key := ir.IRID
	if key == "" {
		return errors.New("solver: IR has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.consumed[key]; dup {
		return fmt.Errorf("solver: IR %s already consumed", key)
	}
	s.consumed[key] = struct{}{}
	return nil
}

func errSolution(start time.Time, err error) *contracts.Solution {
	return &contracts.Solution{
		Status:     contracts.StatusError,
		Message:    (&errorir.SolveError{Stage: "backend", Cause: err}).Error(),
		WallTimeMS: wallMS(start),
	}
}

func timeoutSolution(start time.Time) *contracts.Solution {
	return &contracts.Solution{
		Status:     contracts.StatusTimeout,
		Message:    "time limit reached before any feasible incumbent was found",
		WallTimeMS: wallMS(start),
	}
}

func wallMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func solveStatus(sol *contracts.Solution, diag *contracts.Diagnostic) string {
	if sol != nil {
		return string(sol.Status)
	}
	if diag != nil {
		return string(diag.Status)
	}
	return "unknown"
}
