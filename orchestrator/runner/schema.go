package runner

import (
	"fmt"

	"github.com/stackhaven/harbormaster/common/models"
)

type FieldType string

const (
	FIELD_STRING FieldType = "string"
	FIELD_NUMBER FieldType = "number"
	FIELD_BOOL   FieldType = "bool"
	FIELD_OBJECT FieldType = "object"
	FIELD_LIST   FieldType = "list"
)

type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Enum     []string //only meaningful for FIELD_STRING
}

/**
JobSchema declares the shape a job payload must have before any
side-effecting logic runs. Validation failure is always fatal: no amount of
retrying fixes a malformed payload.
*/
type JobSchema struct {
	Fields []FieldSpec
}

func typeMatches(spec FieldSpec, value interface{}) bool {
	switch spec.Type {
	case FIELD_STRING:
		_, ok := value.(string)
		return ok
	case FIELD_NUMBER:
		//json decoding always yields float64 for numbers
		_, ok := value.(float64)
		return ok
	case FIELD_BOOL:
		_, ok := value.(bool)
		return ok
	case FIELD_OBJECT:
		_, ok := value.(map[string]interface{})
		return ok
	case FIELD_LIST:
		_, ok := value.([]interface{})
		return ok
	default:
		return false
	}
}

/**
Validate checks the payload against the schema, returning the field-level
cause of the first mismatch as a ValidationError. Unknown payload fields are
permitted.
*/
func (s JobSchema) Validate(payload map[string]interface{}) error {
	for _, spec := range s.Fields {
		value, present := payload[spec.Name]
		if !present || value == nil {
			if spec.Required {
				return models.ValidationError{Field: spec.Name, Detail: "required field is missing"}
			}
			continue
		}
		if !typeMatches(spec, value) {
			return models.ValidationError{
				Field:  spec.Name,
				Detail: fmt.Sprintf("expected %s, got %T", spec.Type, value),
			}
		}
		if len(spec.Enum) > 0 {
			stringValue, _ := value.(string)
			matched := false
			for _, allowed := range spec.Enum {
				if stringValue == allowed {
					matched = true
					break
				}
			}
			if !matched {
				return models.ValidationError{
					Field:  spec.Name,
					Detail: fmt.Sprintf("value '%s' is not one of the permitted values", stringValue),
				}
			}
		}
	}
	return nil
}
