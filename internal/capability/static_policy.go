package capability

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/acadflow/model"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a YAML file mapping roles
// to capability strings. An empty path selects the embedded default policy.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates an evaluator and loads its policy.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Roles returns the role names known to the policy.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.policy.Roles))
	for role := range e.policy.Roles {
		out = append(out, role)
	}
	return out
}

// Sync reloads the policy.
func (e *StaticPolicyEvaluator) Sync() error {
	data := defaultPolicy
	source := "embedded default"
	if e.path != "" {
		var err error
		data, err = os.ReadFile(e.path)
		if err != nil {
			return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
		}
		source = e.path
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy %s: %w", source, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
