// Package compiler translates validated goal documents into the canonical
// optimization IR. Compilation is a pure function of its inputs: the same
// goal, scenario set and policy decision always produce a byte-identical
// IR, which is what makes evidence replay and property testing possible.
package compiler

import (
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Halyard-Labs/keel/pkg/canonicalize"
	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// IRSchemaVersion is the schema version stamped on every produced IR.
const IRSchemaVersion = "1.0.0"

// Compiler compiles goal documents. It is stateless apart from the compiled
// JSON schema and safe for concurrent use.
type Compiler struct {
	schema *jsonschema.Schema
	logger *slog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Compiler with the embedded goal schema compiled.
func New(opts ...Option) (*Compiler, error) {
	schema, err := compileGoalSchema()
	if err != nil {
		return nil, err
	}
	c := &Compiler{
		schema: schema,
		logger: slog.Default().With("component", "compiler"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ValidateGoal runs the cheap structural checks: JSON schema shape, then
// referential integrity. It needs neither scenarios nor a policy decision,
// so the kernel runs it before spending anything on forecasting or policy
// evaluation.
func (c *Compiler) ValidateGoal(goal *contracts.GoalDocument) error {
	if goal == nil {
		return schemaErr("goal", "document is nil")
	}
	if err := c.validateSchema(goal); err != nil {
		return err
	}
	return validateReferences(goal)
}

// Compile builds the IR for one goal under one policy decision. The
// precondition is a policy allow: a denied decision aborts before any IR
// state exists, so no partially constructed IR can ever escape.
func (c *Compiler) Compile(goal *contracts.GoalDocument, set *contracts.ScenarioSet, decision *contracts.PolicyDecision) (*contracts.OptimizationIR, error) {
	if decision.Denied() {
		e := &CompileError{
			Reason: ReasonPolicyViolation,
			Field:  "policy",
			Detail: "policy decision denies compilation",
		}
		if decision != nil {
			e.Violations = decision.Violations
		}
		return nil, e
	}
	if err := c.ValidateGoal(goal); err != nil {
		return nil, err
	}

	m := buildModel(goal, set)
	b := newIRBuilder(m)

	for _, term := range goal.Objective.Terms {
		b.addObjectiveTerm(term)
	}
	for i := range goal.Constraints {
		if err := b.buildConstraint(&goal.Constraints[i]); err != nil {
			return nil, err
		}
	}
	b.buildAggregation()

	ir := &contracts.OptimizationIR{
		SchemaVersion: IRSchemaVersion,
		TenantID:      goal.TenantID,
		PlanID:        goal.PlanID,
		Sense:         goal.Objective.Sense,
		Variables:     b.vars,
		Objective:     b.obj.list(),
		Constraints:   b.rows,
		Aggregation:   aggregationDirective(m, b),
		Hints:         explainHints(b.rows),
	}

	if err := c.attachDigests(ir, goal, set, decision); err != nil {
		return nil, err
	}

	c.logger.Debug("goal compiled",
		"tenant_id", goal.TenantID,
		"plan_id", goal.PlanID,
		"variables", len(ir.Variables),
		"constraints", len(ir.Constraints),
		"scenarios", ir.Aggregation.ScenarioCount,
		"ir_id", ir.IRID,
	)
	return ir, nil
}

// attachDigests binds the IR to the exact inputs it derives from and mints
// its deterministic id.
func (c *Compiler) attachDigests(ir *contracts.OptimizationIR, goal *contracts.GoalDocument, set *contracts.ScenarioSet, decision *contracts.PolicyDecision) error {
	goalHash, err := canonicalize.CanonicalHash(goal)
	if err != nil {
		return fmt.Errorf("compiler: hash goal: %w", err)
	}
	ir.Sources.GoalHash = goalHash
	if !set.Empty() {
		setHash, err := canonicalize.CanonicalHash(set)
		if err != nil {
			return fmt.Errorf("compiler: hash scenario set: %w", err)
		}
		ir.Sources.ScenarioSetHash = setHash
	}
	ir.Sources.PolicySnapshotHash = decision.PolicySnapshotHash
	ir.IRID = canonicalize.DeterministicID(
		ir.Sources.GoalHash,
		ir.Sources.ScenarioSetHash,
		ir.Sources.PolicySnapshotHash,
		decision.InputHash,
	)
	return nil
}

func aggregationDirective(m *model, b *irBuilder) contracts.AggregationDirective {
	d := contracts.AggregationDirective{
		Kind:          m.goal.Robustness.Aggregation,
		ScenarioCount: len(m.scenarios),
	}
	if d.Kind == "" {
		d.Kind = contracts.AggregateMean
	}
	if b.tail {
		d.Alpha = b.alpha
	}
	return d
}

// explainHints collects the source constraint names flagged for sensitivity
// tracking, first appearance order.
func explainHints(rows []contracts.IRConstraint) contracts.ExplainabilityHints {
	var hints contracts.ExplainabilityHints
	seen := make(map[string]struct{})
	for _, row := range rows {
		if !row.Explain {
			continue
		}
		name := row.Source
		if name == "" {
			name = row.Name
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		hints.TrackConstraints = append(hints.TrackConstraints, name)
	}
	return hints
}

// validateReferences checks cross-references inside the document: unique
// names, declared variables behind every term, and the per-kind required
// fields the schema cannot express.
func validateReferences(goal *contracts.GoalDocument) error {
	vars := make(map[string]*contracts.VariableDecl, len(goal.Variables))
	for i := range goal.Variables {
		v := &goal.Variables[i]
		if _, dup := vars[v.Name]; dup {
			return schemaErr("variables", "duplicate variable %q", v.Name)
		}
		if v.Lower != nil && v.Upper != nil && *v.Lower > *v.Upper {
			return schemaErr("variables", "variable %q has lower bound above upper bound", v.Name)
		}
		vars[v.Name] = v
	}

	skus := make(map[string]struct{}, len(goal.SKUs))
	for _, s := range goal.SKUs {
		if _, dup := skus[s.ID]; dup {
			return schemaErr("skus", "duplicate sku %q", s.ID)
		}
		skus[s.ID] = struct{}{}
	}
	suppliers := make(map[string]struct{}, len(goal.Suppliers))
	for _, s := range goal.Suppliers {
		if _, dup := suppliers[s.ID]; dup {
			return schemaErr("suppliers", "duplicate supplier %q", s.ID)
		}
		suppliers[s.ID] = struct{}{}
	}
	for _, s := range goal.SKUs {
		for _, sup := range s.SupplierIDs {
			if _, ok := suppliers[sup]; !ok {
				return schemaErr("skus", "sku %q references undeclared supplier %q", s.ID, sup)
			}
		}
	}

	for _, term := range goal.Objective.Terms {
		if _, ok := vars[term.Var]; !ok {
			return schemaErr("objective", "objective term references undeclared variable %q", term.Var)
		}
	}

	names := make(map[string]struct{}, len(goal.Constraints))
	for i := range goal.Constraints {
		cst := &goal.Constraints[i]
		if _, dup := names[cst.Name]; dup {
			return schemaErr(cst.Name, "duplicate constraint name")
		}
		names[cst.Name] = struct{}{}
		if err := validateConstraintRefs(cst, vars, skus); err != nil {
			return err
		}
	}

	if a := goal.Robustness.Alpha; a != 0 && (a <= 0 || a >= 1) {
		return schemaErr("robustness", "alpha must lie strictly between 0 and 1")
	}
	return nil
}

// validateConstraintRefs checks one constraint. The switch is exhaustive
// over the closed kind set.
func validateConstraintRefs(cst *contracts.ConstraintDecl, vars map[string]*contracts.VariableDecl, skus map[string]struct{}) error {
	checkTerm := func(ref contracts.TermRef) error {
		if _, ok := vars[ref.Var]; !ok {
			return schemaErr(cst.Name, "constraint references undeclared variable %q", ref.Var)
		}
		if ref.SKUID != "" {
			if _, ok := skus[ref.SKUID]; !ok {
				return schemaErr(cst.Name, "constraint references undeclared sku %q", ref.SKUID)
			}
		}
		return nil
	}
	if cst.SKUID != "" {
		if _, ok := skus[cst.SKUID]; !ok {
			return schemaErr(cst.Name, "constraint references undeclared sku %q", cst.SKUID)
		}
	}

	switch cst.Kind {
	case contracts.KindBudget, contracts.KindCustom:
		if len(cst.Terms) == 0 {
			return schemaErr(cst.Name, "%s constraint requires at least one term", cst.Kind)
		}
		for _, ref := range cst.Terms {
			if err := checkTerm(ref); err != nil {
				return err
			}
		}
		return nil

	case contracts.KindMOQ, contracts.KindLeadTime:
		if len(cst.Terms) == 0 {
			return schemaErr(cst.Name, "%s constraint requires a governed variable term", cst.Kind)
		}
		if err := checkTerm(cst.Terms[0]); err != nil {
			return err
		}
		if vars[cst.Terms[0].Var].PerScenario {
			return schemaErr(cst.Name, "%s constraint cannot govern the per-scenario variable %q", cst.Kind, cst.Terms[0].Var)
		}
		return nil

	case contracts.KindBalance:
		for field, name := range map[string]string{
			"inventory_var": cst.InventoryVar,
			"inflow_var":    cst.InflowVar,
			"shortage_var":  cst.ShortageVar,
		} {
			if name == "" {
				return schemaErr(cst.Name, "balance constraint requires %s", field)
			}
			if _, ok := vars[name]; !ok {
				return schemaErr(cst.Name, "balance constraint references undeclared variable %q", name)
			}
		}
		if vars[cst.InflowVar].PerScenario {
			return schemaErr(cst.Name, "balance inflow variable %q must be first-stage", cst.InflowVar)
		}
		// Balance rows name inventory and shortage instances on one shared
		// scenario axis; mismatched flags would reference instances that
		// were never declared.
		if vars[cst.InventoryVar].PerScenario != vars[cst.ShortageVar].PerScenario {
			return schemaErr(cst.Name, "balance inventory variable %q and shortage variable %q must agree on per_scenario", cst.InventoryVar, cst.ShortageVar)
		}
		return nil
	}
	return unsupportedErr(cst.Name, "unknown constraint kind %q", cst.Kind)
}
