package tool

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateRequired rejects arguments where a required field is missing,
// null, or (for strings) blank or whitespace-only. Non-string falsy values
// such as 0 and false are accepted.
func ValidateRequired(def *Definition, args map[string]interface{}) error {
	for _, name := range def.RequiredFields() {
		value, present := args[name]
		if !present {
			return fmt.Errorf("required field %q is missing", name)
		}
		if value == nil {
			return fmt.Errorf("required field %q is null", name)
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Errorf("required field %q is blank", name)
		}
	}
	return nil
}

// validateSchema runs the compiled JSON-schema validation for the tool.
func validateSchema(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var details []string
		for _, verr := range result.Errors() {
			details = append(details, verr.String())
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(details, "; "))
	}
	return nil
}
