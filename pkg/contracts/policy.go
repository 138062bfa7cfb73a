package contracts

// PolicyViolation names one rule that denied the request.
type PolicyViolation struct {
	BundleID string `json:"bundle_id"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// PolicyDecision is the pure output of a guard evaluation. DecisionID is
// derived deterministically from the snapshot hash and the input hash, so
// the same bundles and input always yield the same id. The decision carries
// no wall-clock fields; evaluation is a pure function of its inputs.
type PolicyDecision struct {
	DecisionID         string            `json:"decision_id"`
	Allow              bool              `json:"allow"`
	Violations         []PolicyViolation `json:"violations,omitempty"`
	PolicySnapshotHash string            `json:"policy_snapshot_hash"`
	RulesFired         []string          `json:"rules_fired,omitempty"`
	InputHash          string            `json:"input_hash"`
}

// Denied reports whether the decision blocks compilation.
func (d *PolicyDecision) Denied() bool {
	return d == nil || !d.Allow
}

// PolicySnapshot is the evidence-side record of which policy content
// governed a plan: the bundle ids, the content hash of the exact bundle
// bytes evaluated, and the decision they produced.
type PolicySnapshot struct {
	BundleIDs    []string        `json:"bundle_ids"`
	SnapshotHash string          `json:"snapshot_hash"`
	Decision     *PolicyDecision `json:"decision,omitempty"`
}
