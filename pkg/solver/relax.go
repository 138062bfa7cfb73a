package solver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// elasticTol is the smallest elastic activity treated as a real violation.
const elasticTol = 1e-7

// kindPenalty prices one unit of elastic slack per constraint kind. The
// geometric spacing makes the search exhaust cheaper kinds before touching
// more structural ones, which is what fixes the documented priority order
// budget -> moq -> balance -> lead_time -> custom.
func kindPenalty(k contracts.ConstraintKind) float64 {
	switch k {
	case contracts.KindBudget:
		return 1
	case contracts.KindMOQ:
		return 4
	case contracts.KindBalance:
		return 16
	case contracts.KindLeadTime:
		return 64
	default:
		return 256
	}
}

func kindRank(k contracts.ConstraintKind) int {
	for i, kk := range contracts.RelaxationOrder() {
		if kk == k {
			return i
		}
	}
	return len(contracts.RelaxationOrder())
}

// diagnose runs the elastic relaxation search over a proven-infeasible IR:
// every row receives a penalized slack variable, the elastic LP minimizes
// the priority-weighted total slack, and rows with positive slack become
// suggested relaxations. The search works on the linear relaxation and is
// greedy by penalty, so the set restores feasibility but is not provably
// minimal; the Diagnostic says so.
func (s *Solver) diagnose(ctx context.Context, ir *contracts.OptimizationIR, opts Options, backend Backend, start time.Time) *contracts.Diagnostic {
	diag := &contracts.Diagnostic{
		Status:    contracts.StatusInfeasible,
		Heuristic: true,
		Message:   "no feasible point exists; the relaxation set below restores feasibility and is heuristic, not provably minimal",
	}

	elastic := buildElasticIR(ir, opts.RHSOverride)
	out, err := backend.SolveLP(ctx, LPRequest{IR: elastic})
	if err != nil || out.Status != LPOptimal {
		diag.Message = "no feasible point exists; the relaxation search itself failed, so no suggestions are available"
		diag.WallTimeMS = wallMS(start)
		s.logger.Warn("relaxation search failed", "ir_id", ir.IRID, "err", err)
		return diag
	}

	var proposals []contracts.Relaxation
	for i := range ir.Constraints {
		row := &ir.Constraints[i]
		rhs := row.RHS
		if ov, ok := opts.RHSOverride[row.Name]; ok {
			rhs = ov
		}
		up := out.Values[elasticUpName(i)]
		dn := out.Values[elasticDownName(i)]
		switch {
		case up > elasticTol:
			delta := padDelta(up)
			proposals = append(proposals, contracts.Relaxation{
				Constraint: row.Name,
				Kind:       row.Kind,
				Delta:      delta,
				NewRHS:     rhs + delta,
				Rationale:  fmt.Sprintf("raising the limit from %g to %g restores feasibility", rhs, rhs+delta),
			})
		case dn > elasticTol:
			delta := padDelta(dn)
			proposals = append(proposals, contracts.Relaxation{
				Constraint: row.Name,
				Kind:       row.Kind,
				Delta:      delta,
				NewRHS:     rhs - delta,
				Rationale:  fmt.Sprintf("lowering the requirement from %g to %g restores feasibility", rhs, rhs-delta),
			})
		}
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		ri, rj := kindRank(proposals[i].Kind), kindRank(proposals[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return proposals[i].Delta > proposals[j].Delta
	})

	allowed, denied := s.screenRelaxations(ctx, proposals)
	diag.Relaxations = allowed
	if len(allowed) == 0 && len(denied) > 0 {
		// Never leave the caller without an actionable suggestion: surface
		// the best denied candidate and say why it is blocked.
		d := denied[0]
		d.Rationale += "; blocked by policy and requires an approved exception"
		diag.Relaxations = []contracts.Relaxation{d}
	}
	diag.WallTimeMS = wallMS(start)
	return diag
}

// screenRelaxations re-checks each proposal against the solve-time policy.
func (s *Solver) screenRelaxations(ctx context.Context, proposals []contracts.Relaxation) (allowed, denied []contracts.Relaxation) {
	if s.policy == nil {
		return proposals, nil
	}
	for _, rel := range proposals {
		ok, err := s.policy.AllowRelaxation(ctx, rel)
		if err != nil {
			// Fail closed: an unevaluable relaxation is not offered.
			s.logger.Warn("relaxation policy check failed", "constraint", rel.Constraint, "err", err)
			denied = append(denied, rel)
			continue
		}
		if ok {
			allowed = append(allowed, rel)
		} else {
			denied = append(denied, rel)
		}
	}
	return allowed, denied
}

// padDelta inflates a computed violation slightly so the suggested new RHS
// survives solver tolerances when re-applied.
func padDelta(v float64) float64 {
	return v * (1 + 1e-9)
}

func elasticUpName(i int) string   { return fmt.Sprintf("elastic_up[%06d]", i) }
func elasticDownName(i int) string { return fmt.Sprintf("elastic_dn[%06d]", i) }

// buildElasticIR derives the feasibility-repair model: the original rows
// each gain direction-appropriate elastic slack, and the objective becomes
// the priority-weighted total slack. Variable declarations carry over
// unchanged (the backend relaxes integrality on its own).
func buildElasticIR(ir *contracts.OptimizationIR, rhsOverride map[string]float64) *contracts.OptimizationIR {
	out := &contracts.OptimizationIR{
		SchemaVersion: ir.SchemaVersion,
		IRID:          ir.IRID + "/elastic",
		TenantID:      ir.TenantID,
		PlanID:        ir.PlanID,
		Sense:         contracts.SenseMinimize,
		Variables:     make([]contracts.IRVariable, 0, len(ir.Variables)+2*len(ir.Constraints)),
		Constraints:   make([]contracts.IRConstraint, 0, len(ir.Constraints)),
	}
	out.Variables = append(out.Variables, ir.Variables...)

	for i := range ir.Constraints {
		row := ir.Constraints[i]
		if ov, ok := rhsOverride[row.Name]; ok {
			row.RHS = ov
		}
		terms := make([]contracts.IRTerm, len(row.Terms), len(row.Terms)+2)
		copy(terms, row.Terms)
		penalty := kindPenalty(row.Kind)

		// le rows may rise, ge rows may fall, eq rows may move both ways.
		if row.Op == contracts.OpLE || row.Op == contracts.OpEQ {
			name := elasticUpName(i)
			out.Variables = append(out.Variables, contracts.IRVariable{Name: name, Domain: contracts.DomainContinuous})
			terms = append(terms, contracts.IRTerm{Var: name, Coeff: -1})
			out.Objective = append(out.Objective, contracts.IRTerm{Var: name, Coeff: penalty})
		}
		if row.Op == contracts.OpGE || row.Op == contracts.OpEQ {
			name := elasticDownName(i)
			out.Variables = append(out.Variables, contracts.IRVariable{Name: name, Domain: contracts.DomainContinuous})
			terms = append(terms, contracts.IRTerm{Var: name, Coeff: 1})
			out.Objective = append(out.Objective, contracts.IRTerm{Var: name, Coeff: penalty})
		}
		row.Terms = terms
		out.Constraints = append(out.Constraints, row)
	}
	return out
}
