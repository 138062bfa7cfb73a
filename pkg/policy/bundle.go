// Package policy implements the guard: a pure evaluator of versioned rule
// bundles over goal submissions and proposed relaxations. A decision is a
// deterministic function of the bundle contents and the input; the snapshot
// hash it carries lets any decision be re-derived after bundles change.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rule is one deny rule: a CEL expression that, when it evaluates to true,
// blocks the request with the given message.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Bundle is a versioned set of rules owned by a policy team.
type Bundle struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Rules       []Rule `yaml:"rules" json:"rules"`
}

// ParseBundle decodes a YAML bundle document.
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("policy: parse bundle: %w", err)
	}
	if b.ID == "" {
		return Bundle{}, fmt.Errorf("policy: bundle id is required")
	}
	for i, r := range b.Rules {
		if r.Name == "" || r.Expr == "" {
			return Bundle{}, fmt.Errorf("policy: bundle %s rule %d: name and expr are required", b.ID, i)
		}
	}
	return b, nil
}

// BundleSource resolves bundle ids to their current contents. The guard
// fetches synchronously on every evaluation and never caches results, so
// bundle updates take effect on the next call.
type BundleSource interface {
	Fetch(ctx context.Context, tenantID string, bundleIDs []string) ([]Bundle, error)
}

// StaticSource is an in-process BundleSource for registered bundles.
type StaticSource struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

// NewStaticSource creates a source holding the given bundles.
func NewStaticSource(bundles ...Bundle) *StaticSource {
	s := &StaticSource{bundles: make(map[string]Bundle, len(bundles))}
	for _, b := range bundles {
		s.bundles[b.ID] = b
	}
	return s
}

// Register adds or replaces a bundle.
func (s *StaticSource) Register(b Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.ID] = b
}

// Fetch implements BundleSource. Bundles come back in request order; an
// unknown id is an error, not a silent allow.
func (s *StaticSource) Fetch(_ context.Context, _ string, bundleIDs []string) ([]Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Bundle, 0, len(bundleIDs))
	for _, id := range bundleIDs {
		b, ok := s.bundles[id]
		if !ok {
			return nil, fmt.Errorf("policy: unknown bundle %q", id)
		}
		out = append(out, b)
	}
	return out, nil
}

// IDs returns the registered bundle ids, sorted.
func (s *StaticSource) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.bundles))
	for id := range s.bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
