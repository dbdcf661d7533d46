package catalog

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/acadflow/model"
)

type stepKey struct {
	workflowType model.WorkflowType
	key          string
}

type variantKey struct {
	workflowType model.WorkflowType
	phaseKey     string
	variant      model.PhaseVariant
}

// snapshot is an immutable view of every loaded catalog.
type snapshot struct {
	sequences map[model.WorkflowType][]model.StepDefinition
	steps     map[stepKey]model.StepDefinition
	variants  map[variantKey]model.StepDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of step catalogs. Readers
// never block: Replace swaps in a whole new snapshot atomically.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given catalog files.
func NewRegistry(files []File) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents. Files should have passed
// the Validator; on duplicate keys the later file wins.
func (r *Registry) Replace(files []File) {
	s := &snapshot{
		sequences: make(map[model.WorkflowType][]model.StepDefinition),
		steps:     make(map[stepKey]model.StepDefinition),
		variants:  make(map[variantKey]model.StepDefinition),
	}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, step := range f.Steps {
			step.WorkflowType = f.WorkflowType
			if step.PhaseVariant == "" {
				step.PhaseVariant = model.VariantDefault
			}
			s.steps[stepKey{f.WorkflowType, step.Key}] = step
			if !step.Canonical() {
				s.variants[variantKey{f.WorkflowType, step.PhaseKey, step.PhaseVariant}] = step
			}
		}
	}

	for k, step := range s.steps {
		if step.Canonical() {
			s.sequences[k.workflowType] = append(s.sequences[k.workflowType], step)
		}
	}
	for wt := range s.sequences {
		seq := s.sequences[wt]
		sort.Slice(seq, func(i, j int) bool {
			if seq[i].Order != seq[j].Order {
				return seq[i].Order < seq[j].Order
			}
			return seq[i].Key < seq[j].Key
		})
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// ListSteps returns the canonical step sequence of a workflow type.
func (r *Registry) ListSteps(wt model.WorkflowType) []model.StepDefinition {
	seq := r.current().sequences[wt]
	out := make([]model.StepDefinition, len(seq))
	copy(out, seq)
	return out
}

// GetStep returns the step with the given key, canonical or variant.
func (r *Registry) GetStep(wt model.WorkflowType, key string) (model.StepDefinition, error) {
	step, ok := r.current().steps[stepKey{wt, key}]
	if !ok {
		return model.StepDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in workflow %q", key, wt),
		)
	}
	return step, nil
}

// FirstStep returns the first canonical step of a workflow type.
func (r *Registry) FirstStep(wt model.WorkflowType) (model.StepDefinition, error) {
	seq := r.current().sequences[wt]
	if len(seq) == 0 {
		return model.StepDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q has no steps", wt),
		)
	}
	return seq[0], nil
}

// NextStep returns the canonical step after key. ok is false when key is the
// last step.
func (r *Registry) NextStep(wt model.WorkflowType, key string) (next model.StepDefinition, ok bool, err error) {
	seq := r.current().sequences[wt]
	for i, step := range seq {
		if step.Key != key {
			continue
		}
		if i+1 < len(seq) {
			return seq[i+1], true, nil
		}
		return model.StepDefinition{}, false, nil
	}
	return model.StepDefinition{}, false, model.NewNotFoundError(
		fmt.Sprintf("step %q is not a canonical step of workflow %q", key, wt),
	)
}

// ResolveVariant returns the title and description template to show for a
// step under the given variant. Steps without a phase, and variants with no
// override row, fall back: overdue to late, late to the canonical copy.
func (r *Registry) ResolveVariant(wt model.WorkflowType, key string, variant model.PhaseVariant) (model.StepDefinition, error) {
	s := r.current()
	step, ok := s.steps[stepKey{wt, key}]
	if !ok {
		return model.StepDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in workflow %q", key, wt),
		)
	}
	if step.PhaseKey == "" {
		return step, nil
	}

	for _, v := range fallbackChain(variant) {
		if override, ok := s.variants[variantKey{wt, step.PhaseKey, v}]; ok {
			// Override copy only; identity and order stay canonical.
			out := step
			out.Title = override.Title
			if override.DescriptionTemplate != "" {
				out.DescriptionTemplate = override.DescriptionTemplate
			}
			out.PhaseVariant = v
			return out, nil
		}
	}
	return step, nil
}

func fallbackChain(v model.PhaseVariant) []model.PhaseVariant {
	switch v {
	case model.VariantOverdue:
		return []model.PhaseVariant{model.VariantOverdue, model.VariantLate}
	case model.VariantLate:
		return []model.PhaseVariant{model.VariantLate}
	default:
		return nil
	}
}

// WorkflowTypes returns the workflow types that have at least one step.
func (r *Registry) WorkflowTypes() []model.WorkflowType {
	s := r.current()
	out := make([]model.WorkflowType, 0, len(s.sequences))
	for wt := range s.sequences {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Loaded reports whether any catalog is loaded.
func (r *Registry) Loaded() bool {
	return len(r.current().sequences) > 0
}

// Checksum returns the combined checksum of all loaded files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// Render substitutes {name} placeholders in a description template. Unknown
// placeholders are left as written.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
