package yaml_adapter

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed workflow.schema.json
var workflowSchema string

var schemaLoader = gojsonschema.NewStringLoader(workflowSchema)

// SchemaError lists every place where a workflow document does not match
// the workflow schema.
type SchemaError struct {
	File     string
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s does not match the workflow schema: %s", e.File, strings.Join(e.Problems, "; "))
}

// validateDocument checks a decoded YAML document against the embedded schema.
func validateDocument(file string, doc any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validating %s: %w", file, err)
	}
	if result.Valid() {
		return nil
	}

	schemaErr := &SchemaError{File: file}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		schemaErr.Problems = append(schemaErr.Problems, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	return schemaErr
}

// jsonCompatible rewrites the generic YAML decode result so that every map
// is keyed by string, which the schema loader requires.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	default:
		return v
	}
}
