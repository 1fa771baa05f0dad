package validator

import (
	"fmt"
	"math"
)

// ParamType represents parameter data types a workflow can declare.
type ParamType string

const (
	ParamTypeString ParamType = "string"
	ParamTypeNumber ParamType = "number"
	ParamTypeInt    ParamType = "integer"
	ParamTypeBool   ParamType = "boolean"
	ParamTypeArray  ParamType = "array"
	ParamTypeObject ParamType = "object"
	ParamTypeEnum   ParamType = "enum"
	ParamTypeAny    ParamType = "any"
)

// ParamSpec is one entry of a workflow's parameters schema.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	Default  interface{}
	Enum     []string
}

// ParamError reports one schema violation.
type ParamError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Param, e.Message)
}

// ParseSchema decodes the stored parameters_schema into specs. Malformed
// entries are skipped rather than failing the whole workflow; the catalog
// importer is responsible for writing well-formed schemas.
func ParseSchema(raw []interface{}) []ParamSpec {
	specs := make([]ParamSpec, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}

		spec := ParamSpec{Name: name, Type: ParamTypeAny}
		if t, ok := m["type"].(string); ok && t != "" {
			spec.Type = ParamType(t)
		}
		if req, ok := m["required"].(bool); ok {
			spec.Required = req
		}
		if def, ok := m["default"]; ok {
			spec.Default = def
		}
		if raw, ok := m["enum"].([]interface{}); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					spec.Enum = append(spec.Enum, s)
				}
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// ValidateParams checks a caller's parameter map against the schema and
// returns the normalized map with defaults applied. Parameters the schema
// does not declare pass through untouched; scripts ignore what they do not
// read.
func ValidateParams(schema []ParamSpec, params map[string]interface{}) (map[string]interface{}, []ParamError) {
	normalized := make(map[string]interface{}, len(params))
	for k, v := range params {
		normalized[k] = v
	}

	var errs []ParamError
	for _, spec := range schema {
		value, present := normalized[spec.Name]

		if !present || value == nil {
			if spec.Default != nil {
				normalized[spec.Name] = spec.Default
				continue
			}
			if spec.Required {
				errs = append(errs, ParamError{
					Param:   spec.Name,
					Code:    "required",
					Message: "parameter is required",
				})
			}
			continue
		}

		if err := checkType(spec, value); err != nil {
			errs = append(errs, *err)
		}
	}
	return normalized, errs
}

func checkType(spec ParamSpec, value interface{}) *ParamError {
	fail := func(code, msg string) *ParamError {
		return &ParamError{Param: spec.Name, Code: code, Message: msg}
	}

	switch spec.Type {
	case ParamTypeAny, "":
		return nil
	case ParamTypeString:
		if _, ok := value.(string); !ok {
			return fail("type", "expected a string")
		}
	case ParamTypeNumber:
		if !isNumber(value) {
			return fail("type", "expected a number")
		}
	case ParamTypeInt:
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			return fail("type", "expected an integer")
		}
	case ParamTypeBool:
		if _, ok := value.(bool); !ok {
			return fail("type", "expected a boolean")
		}
	case ParamTypeArray:
		if _, ok := value.([]interface{}); !ok {
			return fail("type", "expected an array")
		}
	case ParamTypeObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return fail("type", "expected an object")
		}
	case ParamTypeEnum:
		s, ok := value.(string)
		if !ok {
			return fail("type", "expected a string")
		}
		for _, allowed := range spec.Enum {
			if s == allowed {
				return nil
			}
		}
		return fail("enum", fmt.Sprintf("value must be one of %v", spec.Enum))
	default:
		// Unknown declared type; accept rather than block execution.
		return nil
	}
	return nil
}

func isNumber(v interface{}) bool {
	_, ok := asFloat(v)
	return ok
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
