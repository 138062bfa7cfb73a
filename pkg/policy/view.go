package policy

import (
	"encoding/json"
	"fmt"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// GoalView converts a goal document into the JSON-shaped map exposed to
// rule expressions as the "goal" variable, so rules address fields by their
// wire names.
func GoalView(goal *contracts.GoalDocument) (map[string]any, error) {
	raw, err := json.Marshal(goal)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal goal: %w", err)
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("policy: unmarshal goal view: %w", err)
	}
	return view, nil
}
