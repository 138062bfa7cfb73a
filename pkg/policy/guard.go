package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Halyard-Labs/keel/pkg/canonicalize"
	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// Input carries the evaluation variables exposed to rule expressions. Goal
// and Context are plain JSON-shaped maps; Relaxation is set only for
// solve-time re-checks of proposed constraint loosenings.
type Input struct {
	Goal       map[string]any
	Context    map[string]any
	Relaxation map[string]any
}

// Guard evaluates policy bundles. Compiled CEL programs are cached by
// expression text; bundle contents are fetched fresh on every call.
type Guard struct {
	source   BundleSource
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	logger   *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGuard creates a Guard over the given bundle source.
func NewGuard(source BundleSource, opts ...GuardOption) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("goal", cel.DynType),
		cel.Variable("context", cel.DynType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("relaxation", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	g := &Guard{
		source:   source,
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate checks the input against every rule of the named bundles and
// returns the aggregate decision. Evaluation is fail-closed: a cancelled
// context, an unresolvable bundle or a broken rule all deny.
func (g *Guard) Evaluate(ctx context.Context, tenantID string, bundleIDs []string, in Input) (*contracts.PolicyDecision, error) {
	if err := ctx.Err(); err != nil {
		return denyDecision("system.deny.context_cancellation", "evaluation cancelled"), err
	}

	bundles, err := g.source.Fetch(ctx, tenantID, bundleIDs)
	if err != nil {
		return denyDecision("system.deny.bundle_fetch", err.Error()), fmt.Errorf("policy: fetch bundles: %w", err)
	}

	snapshotHash, err := canonicalize.CanonicalHash(bundles)
	if err != nil {
		return nil, fmt.Errorf("policy: hash bundles: %w", err)
	}
	inputHash, err := canonicalize.CanonicalHash(map[string]any{
		"tenant":     tenantID,
		"goal":       in.Goal,
		"context":    in.Context,
		"relaxation": in.Relaxation,
	})
	if err != nil {
		return nil, fmt.Errorf("policy: hash input: %w", err)
	}

	vars := map[string]any{
		"tenant":     tenantID,
		"goal":       orEmpty(in.Goal),
		"context":    orEmpty(in.Context),
		"relaxation": orEmpty(in.Relaxation),
	}

	decision := &contracts.PolicyDecision{
		DecisionID:         canonicalize.DeterministicID(snapshotHash, inputHash),
		Allow:              true,
		PolicySnapshotHash: snapshotHash,
		InputHash:          inputHash,
	}

	for _, b := range bundles {
		for _, r := range b.Rules {
			denied, err := g.evaluateExpr(ctx, r.Expr, vars)
			if err != nil {
				// A rule that cannot be evaluated denies by itself.
				decision.Allow = false
				decision.Violations = append(decision.Violations, contracts.PolicyViolation{
					BundleID: b.ID,
					Rule:     r.Name,
					Message:  fmt.Sprintf("rule evaluation failed: %v", err),
				})
				decision.RulesFired = append(decision.RulesFired, b.ID+"/"+r.Name)
				continue
			}
			decision.RulesFired = append(decision.RulesFired, b.ID+"/"+r.Name)
			if denied {
				decision.Allow = false
				msg := r.Message
				if msg == "" {
					msg = "denied by rule " + r.Name
				}
				decision.Violations = append(decision.Violations, contracts.PolicyViolation{
					BundleID: b.ID,
					Rule:     r.Name,
					Message:  msg,
				})
			}
		}
	}

	g.logger.Debug("policy evaluated",
		"tenant_id", tenantID,
		"bundles", len(bundles),
		"allow", decision.Allow,
		"violations", len(decision.Violations),
		"snapshot_hash", snapshotHash[:12],
	)
	return decision, nil
}

// CheckRelaxation re-evaluates the bundles against a proposed constraint
// relaxation. The relaxation variable carries the constraint name, kind and
// delta so bundles can cap how far a constraint may move.
func (g *Guard) CheckRelaxation(ctx context.Context, tenantID string, bundleIDs []string, in Input, rel contracts.Relaxation) (*contracts.PolicyDecision, error) {
	relaxed := Input{
		Goal:    in.Goal,
		Context: in.Context,
		Relaxation: map[string]any{
			"constraint": rel.Constraint,
			"kind":       string(rel.Kind),
			"delta":      rel.Delta,
			"new_rhs":    rel.NewRHS,
		},
	}
	return g.Evaluate(ctx, tenantID, bundleIDs, relaxed)
}

// Snapshot fetches the bundles and returns the evidence-side policy
// snapshot for them without evaluating any rules.
func (g *Guard) Snapshot(ctx context.Context, tenantID string, bundleIDs []string) (contracts.PolicySnapshot, error) {
	bundles, err := g.source.Fetch(ctx, tenantID, bundleIDs)
	if err != nil {
		return contracts.PolicySnapshot{}, fmt.Errorf("policy: fetch bundles: %w", err)
	}
	hash, err := canonicalize.CanonicalHash(bundles)
	if err != nil {
		return contracts.PolicySnapshot{}, fmt.Errorf("policy: hash bundles: %w", err)
	}
	return contracts.PolicySnapshot{BundleIDs: bundleIDs, SnapshotHash: hash}, nil
}

func (g *Guard) evaluateExpr(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()

	if !hit {
		g.mu.Lock()
		// Double check under the write lock.
		if prg, hit = g.prgCache[expr]; !hit {
			ast, issues := g.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				g.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := g.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				g.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			g.prgCache[expr] = p
			prg = p
		}
		g.mu.Unlock()
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", out.Value())
	}
	return val, nil
}

func denyDecision(rule, message string) *contracts.PolicyDecision {
	return &contracts.PolicyDecision{
		Allow:      false,
		Violations: []contracts.PolicyViolation{{Rule: rule, Message: message}},
		RulesFired: []string{rule},
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
