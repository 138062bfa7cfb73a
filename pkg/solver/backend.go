package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// simplexTol is the pivot tolerance handed to the simplex; zero selects the
// backend default.
const simplexTol = 0

// LPStatus is the backend-level outcome of one linear relaxation solve.
type LPStatus string

// Backend outcomes.
const (
	LPOptimal    LPStatus = "optimal"
	LPInfeasible LPStatus = "infeasible"
	LPUnbounded  LPStatus = "unbounded"
)

// LPRequest is one linear solve over an IR. Integer and binary domains are
// always treated as continuous here; integrality is the branch-and-bound
// layer's job. RHSOverride rewrites row right-hand sides by constraint name;
// VarBounds tightens variable bounds (branching, elastic probes).
type LPRequest struct {
	IR          *contracts.OptimizationIR
	RHSOverride map[string]float64
	VarBounds   map[string]Bounds
	NeedDuals   bool
}

// LPOutcome is the result of a feasible relaxation solve. Duals map each IR
// constraint name to d(objective)/d(rhs) and are present only when
// requested.
type LPOutcome struct {
	Status    LPStatus
	Objective float64
	Values    map[string]float64
	Duals     map[string]float64
}

// Backend is the numeric engine boundary. Implementations must be safe for
// concurrent use; faults are returned as errors, never panics.
type Backend interface {
	Name() string
	SolveLP(ctx context.Context, req LPRequest) (*LPOutcome, error)
}

// Runtime owns the backend lifecycle. The numeric engine is reached only
// through an injected Runtime, never through package globals, so tests and
// multi-tenant deployments control exactly one init/shutdown cycle each.
type Runtime struct {
	backend Backend
	logger  *slog.Logger
	closed  atomic.Bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithBackend replaces the bundled simplex backend.
func WithBackend(b Backend) RuntimeOption {
	return func(r *Runtime) {
		if b != nil {
			r.backend = b
		}
	}
}

// WithRuntimeLogger sets the logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRuntime creates a Runtime over the bundled dense-simplex backend.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		backend: &simplexBackend{},
		logger:  slog.Default().With("component", "solver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backend returns the active backend, or an error after shutdown.
func (r *Runtime) Backend() (Backend, error) {
	if r.closed.Load() {
		return nil, errors.New("solver: runtime is shut down")
	}
	return r.backend, nil
}

// Shutdown releases the backend. Further solves fail cleanly.
func (r *Runtime) Shutdown(context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.logger.Debug("solver runtime shut down", "backend", r.backend.Name())
	return nil
}

// simplexBackend solves linear relaxations with gonum's dense two-phase
// simplex.
type simplexBackend struct{}

func (simplexBackend) Name() string { return "gonum-simplex" }

func (simplexBackend) SolveLP(ctx context.Context, req LPRequest) (*LPOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sf, err := buildStandardForm(req.IR, req.RHSOverride, req.VarBounds)
	if err != nil {
		if errors.Is(err, errBoundsConflict) {
			return &LPOutcome{Status: LPInfeasible}, nil
		}
		return nil, err
	}

	obj, values, err := sf.solvePrimal()
	switch {
	case err == nil:
	case errors.Is(err, lp.ErrInfeasible):
		return &LPOutcome{Status: LPInfeasible}, nil
	case errors.Is(err, lp.ErrUnbounded):
		return &LPOutcome{Status: LPUnbounded}, nil
	default:
		return nil, fmt.Errorf("solver: simplex: %w", err)
	}

	out := &LPOutcome{Status: LPOptimal, Objective: obj, Values: values}
	if req.NeedDuals {
		duals, err := sf.solveDual(req.IR)
		if err != nil {
			// Sensitivities are best effort; the point itself stands.
			return out, nil
		}
		out.Duals = duals
	}
	return out, nil
}
