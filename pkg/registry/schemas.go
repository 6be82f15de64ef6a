package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateInput checks input against the schema declared by the factory of
// ref. Refs without a factory or schema are accepted; dispatch reports them.
func (r *Registry) ValidateInput(ref string, input map[string]any) error {
	factory, ok := r.Factory(ref)
	if !ok || factory.Schema() == nil {
		return nil
	}

	if input == nil {
		input = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(factory.Schema()), gojsonschema.NewGoLoader(input))
	if err != nil {
		return fmt.Errorf("failed to validate input of %s: %w", ref, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("input does not match %s schema: %s", ref, strings.Join(problems, "; "))
	}

	return nil
}
