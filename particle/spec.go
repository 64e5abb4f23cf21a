package particle

import (
	"fmt"

	"github.com/c360/oceanstream/errors"
)

// FormatKind tags the instrument family a field table belongs to. Resolution
// happens once at stream construction, never by runtime type lookup.
type FormatKind string

const (
	FormatSIO    FormatKind = "sio"
	FormatCSPP   FormatKind = "cspp"
	FormatGlider FormatKind = "glider"
	FormatORB    FormatKind = "orb"
)

// Spec is a tagged field table: the instrument format, the particle type it
// emits, and the declared field names in emission order.
type Spec struct {
	Kind   FormatKind `json:"kind" yaml:"kind"`
	Type   string     `json:"type" yaml:"type"`
	Fields []string   `json:"fields" yaml:"fields"`
}

// Validate checks the table for emptiness and duplicate columns.
func (s Spec) Validate() error {
	if s.Type == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Spec", "Validate", "particle type required")
	}
	if len(s.Fields) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: spec %q declares no fields", errors.ErrMissingConfig, s.Type),
			"Spec", "Validate", "field table check")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if _, dup := seen[f]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate field %q in spec %q", f, s.Type),
				"Spec", "Validate", "field table check")
		}
		seen[f] = struct{}{}
	}
	return nil
}

// Reconcile maps a sparse row onto the declared field table. Declared fields
// absent from the row come back with nil values; fields present in the row
// but not declared are ignored (they belong to a different particle type).
// A row containing none of the declared fields does not describe this
// particle type at all: ErrNoExpectedField, which callers treat as
// "skip this row", not as a failure.
func (s Spec) Reconcile(row map[string]any) ([]Field, error) {
	present := 0
	out := make([]Field, 0, len(s.Fields))
	for _, name := range s.Fields {
		v, ok := row[name]
		if ok {
			present++
		}
		out = append(out, Field{Name: name, Value: v})
	}
	if present == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: spec %q", errors.ErrNoExpectedField, s.Type),
			"Spec", "Reconcile", "field presence check")
	}
	return out, nil
}
