package catalog

import (
	"fmt"

	"github.com/pitabwire/acadflow/model"
)

// VError describes a single validation error in a catalog file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks catalog files structurally and across files.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all files together, since a workflow type may be split
// across several of them. Order values are advisory and may repeat.
func (v *Validator) Validate(files []File) []VError {
	var errs []VError

	seen := make(map[stepKey]string)
	canonicalPhases := make(map[model.WorkflowType]map[string]bool)
	canonicalCount := make(map[model.WorkflowType]int)

	type variantRef struct {
		path string
		wt   model.WorkflowType
		step model.StepDefinition
	}
	var variants []variantRef

	for i, f := range files {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		if f.SourceFile != "" {
			prefix = f.SourceFile
		}

		if !f.WorkflowType.Valid() {
			errs = append(errs, VError{Path: prefix + ".workflow_type", Code: "INVALID_ENUM",
				Message: fmt.Sprintf("unknown workflow type %q", f.WorkflowType)})
			continue
		}
		if len(f.Steps) == 0 {
			errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		}
		if canonicalPhases[f.WorkflowType] == nil {
			canonicalPhases[f.WorkflowType] = make(map[string]bool)
		}

		for j, step := range f.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", prefix, j)

			if step.Key == "" {
				errs = append(errs, VError{Path: sp + ".key", Code: "REQUIRED", Message: "key is required"})
			} else {
				k := stepKey{f.WorkflowType, step.Key}
				if first, dup := seen[k]; dup {
					errs = append(errs, VError{Path: sp + ".key", Code: "DUPLICATE",
						Message: fmt.Sprintf("step %q already defined at %s", step.Key, first)})
				} else {
					seen[k] = sp
				}
			}
			if step.Title == "" {
				errs = append(errs, VError{Path: sp + ".title", Code: "REQUIRED", Message: "title is required"})
			}

			variant := step.PhaseVariant
			if variant == "" {
				variant = model.VariantDefault
			}
			if !variant.Valid() {
				errs = append(errs, VError{Path: sp + ".phase_variant", Code: "INVALID_ENUM",
					Message: fmt.Sprintf("invalid phase variant %q", step.PhaseVariant)})
				continue
			}

			if variant == model.VariantDefault {
				canonicalCount[f.WorkflowType]++
				if step.PhaseKey != "" {
					if canonicalPhases[f.WorkflowType][step.PhaseKey] {
						errs = append(errs, VError{Path: sp + ".phase_key", Code: "DUPLICATE",
							Message: fmt.Sprintf("phase %q is already owned by another step", step.PhaseKey)})
					}
					canonicalPhases[f.WorkflowType][step.PhaseKey] = true
				}
				continue
			}

			if step.PhaseKey == "" {
				errs = append(errs, VError{Path: sp + ".phase_key", Code: "REQUIRED",
					Message: "a variant step must name the phase it overrides"})
				continue
			}
			variants = append(variants, variantRef{path: sp, wt: f.WorkflowType, step: step})
		}
	}

	for _, vr := range variants {
		if !canonicalPhases[vr.wt][vr.step.PhaseKey] {
			errs = append(errs, VError{Path: vr.path + ".phase_key", Code: "UNKNOWN_PHASE",
				Message: fmt.Sprintf("no canonical step carries phase %q", vr.step.PhaseKey)})
		}
	}

	for wt := range canonicalPhases {
		if canonicalCount[wt] == 0 {
			errs = append(errs, VError{Path: string(wt), Code: "NO_STEPS",
				Message: fmt.Sprintf("workflow %q has no canonical steps", wt)})
		}
	}

	return errs
}
