// Package kernel orchestrates the planning pipeline: validate the goal
// document, fan out scenario generation and policy evaluation, compile the
// optimization IR, solve it and record the evidence. Stages are stateless,
// so independent plans run fully in parallel under the admission limits;
// within one plan the stages run strictly in order.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Halyard-Labs/keel/pkg/compiler"
	"github.com/Halyard-Labs/keel/pkg/contracts"
	"github.com/Halyard-Labs/keel/pkg/evidence"
	"github.com/Halyard-Labs/keel/pkg/forecast"
	"github.com/Halyard-Labs/keel/pkg/kernel/errorir"
	"github.com/Halyard-Labs/keel/pkg/policy"
	"github.com/Halyard-Labs/keel/pkg/solver"
)

// Pool defaults.
const (
	DefaultQueueDepth = 8
	DefaultWorkers    = 4
	DefaultRetryAfter = 2 * time.Second
)

// PlanState names one station of the pipeline state machine.
type PlanState string

// Pipeline states in transition order. Forecasting and the policy check run
// concurrently between validating and compiling.
const (
	StateValidating  PlanState = "validating"
	StateForecasting PlanState = "forecasting"
	StatePolicyCheck PlanState = "policy_check"
	StateCompiling   PlanState = "compiling"
	StateSolving     PlanState = "solving"
	StateRecording   PlanState = "recording"
	StateDone        PlanState = "done"
)

// PlanRequest is one planning submission. Context is the caller-supplied
// evaluation context exposed to policy rules; WarmStart optionally seeds the
// solver incumbent with a prior assignment.
type PlanRequest struct {
	Goal      *contracts.GoalDocument
	Context   map[string]any
	WarmStart map[string]float64
	TimeLimit time.Duration
	MIPGap    float64
}

// PlanResult is the terminal output of one plan: exactly one of Solution
// and Diagnostic is set, and EvidenceRef points at the recorded trail entry.
type PlanResult struct {
	PlanID      string                    `json:"plan_id"`
	Status      contracts.SolveStatus     `json:"status"`
	Solution    *contracts.Solution       `json:"solution,omitempty"`
	Diagnostic  *contracts.Diagnostic     `json:"diagnostic,omitempty"`
	Decision    *contracts.PolicyDecision `json:"decision,omitempty"`
	ScenarioSet *contracts.ScenarioSet    `json:"scenario_set,omitempty"`
	EvidenceRef contracts.EvidenceRef     `json:"evidence_ref"`
}

// Kernel wires the pipeline components together.
type Kernel struct {
	forecaster *forecast.Forecaster
	guard      *policy.Guard
	compiler   *compiler.Compiler
	recorder   *evidence.Recorder
	runtime    *solver.Runtime

	admission  AdmissionStore
	workers    *semaphore.Weighted
	queueDepth int
	retryAfter time.Duration
	bundleIDs  []string

	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Metrics receives pipeline telemetry. The observability provider satisfies
// it; a nil Metrics disables recording.
type Metrics interface {
	RecordSolve(ctx context.Context, tenantID, status string, wallMS, gap float64)
	RecordScenarios(ctx context.Context, tenantID string, n int)
	RecordEvidenceWrite(ctx context.Context, d time.Duration)
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithMetrics installs the telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithBundles names the policy bundles every plan is evaluated against.
func WithBundles(ids ...string) Option {
	return func(k *Kernel) { k.bundleIDs = ids }
}

// WithAdmission replaces the in-memory admission store, e.g. with the Redis
// store when several replicas share one solver budget.
func WithAdmission(store AdmissionStore) Option {
	return func(k *Kernel) {
		if store != nil {
			k.admission = store
		}
	}
}

// WithQueueDepth sets the per-tenant in-flight plan limit.
func WithQueueDepth(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.queueDepth = n
		}
	}
}

// WithWorkers sets the size of the solver worker pool.
func WithWorkers(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetryAfter sets the retry hint returned with SolverBusy rejections.
func WithRetryAfter(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.retryAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.logger = l
		}
	}
}

// New creates a Kernel over the given components.
func New(f *forecast.Forecaster, g *policy.Guard, c *compiler.Compiler, r *evidence.Recorder, rt *solver.Runtime, opts ...Option) *Kernel {
	k := &Kernel{
		forecaster: f,
		guard:      g,
		compiler:   c,
		recorder:   r,
		runtime:    rt,
		admission:  NewMemoryAdmission(),
		workers:    semaphore.NewWeighted(DefaultWorkers),
		queueDepth: DefaultQueueDepth,
		retryAfter: DefaultRetryAfter,
		logger:     slog.Default().With("component", "kernel"),
		tracer:     otel.Tracer("github.com/Halyard-Labs/keel/pkg/kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Plan runs one goal through the full pipeline. The error return carries
// rejections that terminate before a solve outcome exists: validation and
// compile failures, policy denials and admission rejections. Solve outcomes,
// including infeasibility, timeouts and backend faults, come back in the
// result and are always recorded as evidence first.
func (k *Kernel) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	goal, err := k.validate(req.Goal)
	if err != nil {
		return nil, err
	}
	planID := goal.PlanID
	log := k.logger.With("tenant_id", goal.TenantID, "plan_id", planID)
	log.Debug("plan state", "state", StateValidating)

	admitted, err := k.admission.Acquire(ctx, goal.TenantID, k.queueDepth)
	if err != nil {
		return nil, fmt.Errorf("kernel: admission check: %w", err)
	}
	if !admitted {
		return nil, &errorir.SolverBusyError{
			TenantID:   goal.TenantID,
			Depth:      k.queueDepth,
			RetryAfter: k.retryAfter,
		}
	}
	defer func() {
		if rerr := k.admission.Release(context.WithoutCancel(ctx), goal.TenantID); rerr != nil {
			log.Warn("admission release failed", "err", rerr)
		}
	}()

	set, decision, err := k.forecastAndCheck(ctx, goal, req.Context, log)
	if err != nil {
		return nil, err
	}
	if decision.Denied() {
		return nil, &errorir.PolicyDeniedError{TenantID: goal.TenantID, Violations: decision.Violations}
	}

	log.Debug("plan state", "state", StateCompiling)
	ir, err := k.compile(ctx, goal, set, decision)
	if err != nil {
		return nil, err
	}

	log.Debug("plan state", "state", StateSolving)
	sol, diag, err := k.solve(ctx, goal, ir, set, decision, req)
	if err != nil {
		return nil, err
	}

	log.Debug("plan state", "state", StateRecording)
	ref, err := k.record(ctx, planID, ir, set, sol, diag, decision)
	if err != nil {
		return nil, err
	}

	res := &PlanResult{
		PlanID:      planID,
		Solution:    sol,
		Diagnostic:  diag,
		Decision:    decision,
		ScenarioSet: set,
		EvidenceRef: ref,
	}
	if sol != nil {
		res.Status = sol.Status
	} else {
		res.Status = diag.Status
	}
	log.Info("plan finished", "state", StateDone, "status", res.Status, "evidence_ref", ref.String())
	return res, nil
}

// validate runs the zero-cost prechecks and the structural goal validation
// before any external work starts. It returns a private copy of the goal
// with the plan id assigned.
func (k *Kernel) validate(goal *contracts.GoalDocument) (*contracts.GoalDocument, error) {
	if goal == nil {
		return nil, &errorir.ValidationError{Field: "goal", Reason: "document is required"}
	}
	if goal.TenantID == "" {
		return nil, &errorir.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if len(goal.SKUs) == 0 {
		return nil, &errorir.ValidationError{Field: "skus", Reason: "must not be empty"}
	}
	if goal.Horizon < 1 {
		return nil, &errorir.ValidationError{Field: "horizon", Reason: "must be at least 1"}
	}

	g := *goal
	if g.PlanID == "" {
		g.PlanID = uuid.NewString()
	}
	if err := k.compiler.ValidateGoal(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// forecastAndCheck fans scenario generation and policy evaluation out in
// parallel; either failure cancels the other. Deterministic goals skip the
// forecaster entirely and compile against an empty set.
func (k *Kernel) forecastAndCheck(ctx context.Context, goal *contracts.GoalDocument, planCtx map[string]any, log *slog.Logger) (*contracts.ScenarioSet, *contracts.PolicyDecision, error) {
	view, err := policy.GoalView(goal)
	if err != nil {
		return nil, nil, err
	}

	set := &contracts.ScenarioSet{}
	var decision *contracts.PolicyDecision

	g, gctx := errgroup.WithContext(ctx)
	if !goal.Robustness.Deterministic {
		g.Go(func() error {
			fctx, span := k.tracer.Start(gctx, "kernel.forecast",
				trace.WithAttributes(attribute.String("tenant_id", goal.TenantID)))
			defer span.End()
			log.Debug("plan state", "state", StateForecasting)
			s, err := k.forecaster.Scenarios(fctx, forecast.Request{
				TenantID:       goal.TenantID,
				SKUs:           goal.SKUIDs(),
				Horizon:        goal.Horizon,
				NumScenarios:   goal.Robustness.NumScenarios,
				Seed:           goal.Robustness.Seed,
				FallbackDemand: fallbackDemand(goal),
			})
			if err != nil {
				return err
			}
			set = s
			if k.metrics != nil {
				k.metrics.RecordScenarios(fctx, goal.TenantID, len(s.Scenarios))
			}
			return nil
		})
	}
	g.Go(func() error {
		pctx, span := k.tracer.Start(gctx, "kernel.policy",
			trace.WithAttributes(attribute.String("tenant_id", goal.TenantID)))
		defer span.End()
		log.Debug("plan state", "state", StatePolicyCheck)
		d, err := k.guard.Evaluate(pctx, goal.TenantID, k.bundleIDs, policy.Input{
			Goal:    view,
			Context: planCtx,
		})
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return set, decision, nil
}

func (k *Kernel) compile(ctx context.Context, goal *contracts.GoalDocument, set *contracts.ScenarioSet, decision *contracts.PolicyDecision) (*contracts.OptimizationIR, error) {
	_, span := k.tracer.Start(ctx, "kernel.compile",
		trace.WithAttributes(attribute.String("tenant_id", goal.TenantID)))
	defer span.End()
	return k.compiler.Compile(goal, set, decision)
}

// solve runs the IR on the bounded worker pool. Relaxations proposed by
// infeasibility diagnosis are re-checked against the same bundles that
// admitted the goal.
func (k *Kernel) solve(ctx context.Context, goal *contracts.GoalDocument, ir *contracts.OptimizationIR, set *contracts.ScenarioSet, decision *contracts.PolicyDecision, req PlanRequest) (*contracts.Solution, *contracts.Diagnostic, error) {
	if err := k.workers.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("kernel: acquire solve worker: %w", err)
	}
	defer k.workers.Release(1)

	sctx, span := k.tracer.Start(ctx, "kernel.solve",
		trace.WithAttributes(
			attribute.String("tenant_id", goal.TenantID),
			attribute.String("ir_id", ir.IRID),
		))
	defer span.End()

	view, err := policy.GoalView(goal)
	if err != nil {
		return nil, nil, err
	}
	sv := solver.New(k.runtime,
		solver.WithLogger(k.logger),
		solver.WithRelaxationPolicy(&guardRelaxationPolicy{
			guard:     k.guard,
			tenantID:  goal.TenantID,
			bundleIDs: k.bundleIDs,
			input:     policy.Input{Goal: view, Context: req.Context},
		}),
	)
	sol, diag, err := sv.Solve(sctx, ir, solver.Options{
		TimeLimit: req.TimeLimit,
		MIPGap:    req.MIPGap,
		WarmStart: req.WarmStart,
	})
	if err != nil {
		return nil, nil, err
	}
	if sol != nil && sol.Status.Usable() {
		sol.KPIs = deriveKPIs(goal, set, sol)
	}
	if k.metrics != nil {
		switch {
		case sol != nil:
			k.metrics.RecordSolve(sctx, goal.TenantID, string(sol.Status), sol.WallTimeMS, sol.Gap)
		case diag != nil:
			k.metrics.RecordSolve(sctx, goal.TenantID, string(diag.Status), diag.WallTimeMS, 0)
		}
	}
	return sol, diag, nil
}

// record appends the outcome to the evidence trail. The write runs on a
// detached context so a deadline that expired during solving cannot lose
// the record of its own timeout.
func (k *Kernel) record(ctx context.Context, planID string, ir *contracts.OptimizationIR, set *contracts.ScenarioSet, sol *contracts.Solution, diag *contracts.Diagnostic, decision *contracts.PolicyDecision) (contracts.EvidenceRef, error) {
	rctx, span := k.tracer.Start(context.WithoutCancel(ctx), "kernel.evidence.write")
	defer span.End()

	var outcome contracts.Outcome
	switch {
	case diag != nil:
		outcome = contracts.DiagnosticOutcome(diag)
	case sol.Status == contracts.StatusError:
		outcome = contracts.FaultOutcome(errorir.CodeSolveBackend, sol.Message)
	default:
		outcome = contracts.SolutionOutcome(sol)
	}
	snapshot := contracts.PolicySnapshot{
		BundleIDs:    k.bundleIDs,
		SnapshotHash: decision.PolicySnapshotHash,
		Decision:     decision,
	}
	start := time.Now()
	ref, err := k.recorder.Record(rctx, planID, ir, set.IDs(), outcome, snapshot)
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("kernel: record evidence: %w", err)
	}
	if k.metrics != nil {
		k.metrics.RecordEvidenceWrite(rctx, time.Since(start))
	}
	return ref, nil
}

// fallbackDemand derives the naive forecast anchor for each SKU from its
// declared point demand.
func fallbackDemand(goal *contracts.GoalDocument) map[string]float64 {
	out := make(map[string]float64, len(goal.SKUs))
	for _, sku := range goal.SKUs {
		if len(sku.Demand) == 0 {
			continue
		}
		sum := 0.0
		for _, d := range sku.Demand {
			sum += d
		}
		out[sku.ID] = sum / float64(len(sku.Demand))
	}
	return out
}

// guardRelaxationPolicy adapts the policy guard to the solver's relaxation
// screen, closing over the request that is being solved.
type guardRelaxationPolicy struct {
	guard     *policy.Guard
	tenantID  string
	bundleIDs []string
	input     policy.Input
}

func (p *guardRelaxationPolicy) AllowRelaxation(ctx context.Context, rel contracts.Relaxation) (bool, error) {
	d, err := p.guard.CheckRelaxation(ctx, p.tenantID, p.bundleIDs, p.input, rel)
	if err != nil {
		return false, err
	}
	return d.Allow, nil
}
