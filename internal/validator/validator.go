// Package validator provides JSON schema validation for task descriptors and
// GeoJSON geometries.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates task descriptors and geometries.
type Validator struct {
	descriptorSchema *jsonschema.Schema
	geometrySchema   *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Summary joins the error messages into one line.
func (r *ValidationResult) Summary() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Path == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Path+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	// Register the descriptor schema
	if err := compiler.AddResource("descriptor.json", strings.NewReader(descriptorSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add descriptor schema: %w", err)
	}

	// Register the geometry schema
	if err := compiler.AddResource("geometry.json", strings.NewReader(geometrySchemaJSON)); err != nil {
		return nil, fmt.Errorf("add geometry schema: %w", err)
	}

	descriptorSchema, err := compiler.Compile("descriptor.json")
	if err != nil {
		return nil, fmt.Errorf("compile descriptor schema: %w", err)
	}

	geometrySchema, err := compiler.Compile("geometry.json")
	if err != nil {
		return nil, fmt.Errorf("compile geometry schema: %w", err)
	}

	return &Validator{
		descriptorSchema: descriptorSchema,
		geometrySchema:   geometrySchema,
	}, nil
}

var defaultValidator = sync.OnceValues(New)

// Default returns a process-wide validator, compiled on first use.
func Default() (*Validator, error) {
	return defaultValidator()
}

// ValidateDescriptor validates a decoded task descriptor.
func (v *Validator) ValidateDescriptor(descriptor map[string]interface{}) *ValidationResult {
	return v.validate(v.descriptorSchema, descriptor)
}

// ValidateGeometry validates a decoded GeoJSON geometry object.
func (v *Validator) ValidateGeometry(geometry interface{}) *ValidationResult {
	return v.validate(v.geometrySchema, geometry)
}

// ValidateDescriptorJSON validates a JSON-encoded descriptor.
func (v *Validator) ValidateDescriptorJSON(data []byte) *ValidationResult {
	var descriptor map[string]interface{}
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return invalidJSON(err)
	}
	return v.ValidateDescriptor(descriptor)
}

// ValidateGeometryJSON validates a JSON-encoded geometry.
func (v *Validator) ValidateGeometryJSON(data []byte) *ValidationResult {
	var geometry interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&geometry); err != nil {
		return invalidJSON(err)
	}
	return v.ValidateGeometry(geometry)
}

func invalidJSON(err error) *ValidationResult {
	return &ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
		},
	}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	// Convert validation errors
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// Embedded JSON schemas

const descriptorSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "descriptor.json",
  "title": "Task Descriptor",
  "type": "object",
  "required": ["name", "namespace", "version", "inputs"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "name_short": {"type": "string"},
    "namespace": {
      "type": "string",
      "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$"
    },
    "version": {
      "type": "string",
      "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"
    },
    "description": {"type": "string"},
    "authors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["first_name", "last_name"],
        "properties": {
          "first_name": {"type": "string"},
          "last_name": {"type": "string"},
          "organization": {"type": "string"},
          "email": {"type": "string"},
          "is_contact": {"type": "boolean"}
        }
      }
    },
    "configuration": {
      "type": "object",
      "properties": {
        "image": {
          "type": "object",
          "properties": {
            "name": {"type": "string"},
            "file": {"type": "string"}
          }
        }
      }
    },
    "inputs": {"$ref": "#/$defs/parameters"},
    "outputs": {"$ref": "#/$defs/parameters"}
  },
  "$defs": {
    "parameters": {
      "type": "object",
      "propertyNames": {"pattern": "^[a-zA-Z_][a-zA-Z0-9_]*$"},
      "additionalProperties": {"$ref": "#/$defs/parameter"}
    },
    "parameter": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "display_name": {"type": "string"},
        "description": {"type": "string"},
        "optional": {"type": "boolean"},
        "type": {"$ref": "#/$defs/type"},
        "dependencies": {
          "type": "object",
          "properties": {
            "derived_from": {"$ref": "#/$defs/reference"},
            "matching": {
              "type": "array",
              "items": {"$ref": "#/$defs/reference"}
            }
          }
        }
      }
    },
    "reference": {
      "type": "string",
      "pattern": "^(inputs|outputs)/[a-zA-Z_][a-zA-Z0-9_]*$"
    },
    "type": {
      "oneOf": [
        {"$ref": "#/$defs/typeId"},
        {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"$ref": "#/$defs/typeId"},
            "gt": {"type": "number"},
            "geq": {"type": "number"},
            "lt": {"type": "number"},
            "leq": {"type": "number"},
            "infinity_allowed": {"type": "boolean"},
            "nan_allowed": {"type": "boolean"},
            "min_length": {"type": "integer", "minimum": 0},
            "max_length": {"type": "integer", "minimum": 0},
            "values": {"type": "array", "items": {"type": "string"}, "minItems": 1},
            "before": {"type": "string", "format": "date-time"},
            "after": {"type": "string", "format": "date-time"},
            "formats": {"type": "array", "items": {"type": "string"}},
            "max_file_size": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?\\s*[a-zA-Z]*$"},
            "max_width": {"type": "integer", "minimum": 1},
            "max_height": {"type": "integer", "minimum": 1},
            "min_size": {"type": "integer", "minimum": 0},
            "max_size": {"type": "integer", "minimum": 0},
            "subtype": {"$ref": "#/$defs/type"}
          },
          "allOf": [
            {
              "if": {"properties": {"id": {"const": "array"}}},
              "then": {"required": ["subtype", "max_size"]}
            },
            {
              "if": {"properties": {"id": {"const": "enumeration"}}},
              "then": {"required": ["values"]}
            }
          ]
        }
      ]
    },
    "typeId": {
      "enum": ["boolean", "integer", "number", "string", "enumeration", "datetime", "geometry", "file", "image", "array"]
    }
  }
}`

const geometrySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "geometry.json",
  "title": "GeoJSON Geometry",
  "$ref": "#/$defs/geometry",
  "$defs": {
    "position": {
      "type": "array",
      "minItems": 2,
      "maxItems": 3,
      "items": {"type": "number"}
    },
    "positions": {
      "type": "array",
      "items": {"$ref": "#/$defs/position"}
    },
    "lineString": {
      "type": "array",
      "minItems": 2,
      "items": {"$ref": "#/$defs/position"}
    },
    "linearRing": {
      "type": "array",
      "minItems": 4,
      "items": {"$ref": "#/$defs/position"}
    },
    "polygon": {
      "type": "array",
      "items": {"$ref": "#/$defs/linearRing"}
    },
    "geometry": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "enum": ["Point", "MultiPoint", "LineString", "MultiLineString", "Polygon", "MultiPolygon", "GeometryCollection"]
        }
      },
      "allOf": [
        {
          "if": {"properties": {"type": {"const": "Point"}}},
          "then": {"required": ["coordinates"], "properties": {"coordinates": {"$ref": "#/$defs/position"}}}
        },
        {
          "if": {"properties": {"type": {"const": "MultiPoint"}}},
          "then": {"required": ["coordinates"], "properties": {"coordinates": {"$ref": "#/$defs/positions"}}}
        },
        {
          "if": {"properties": {"type": {"const": "LineString"}}},
          "then": {"required": ["coordinates"], "properties": {"coordinates": {"$ref": "#/$defs/lineString"}}}
        },
        {
          "if": {"properties": {"type": {"const": "MultiLineString"}}},
          "then": {"required": ["coordinates"], "properties": {"coordinates": {"type": "array", "items": {"$ref": "#/$defs/lineString"}}}}
        },
        {
          "if": {"properties": {"type": {"const": "Polygon"}}},
          "then": {"required": ["coordinates"], "properties": {"coordinates": {"$ref": "#/$defs/polygon"}}}
        },
        {
          "if": {"properties": {"type": {"const": "MultiPolygon"}}},
          "then": {"required": ["coordinates"], "properties": {"coordinates": {"type": "array", "items": {"$ref": "#/$defs/polygon"}}}}
        },
        {
          "if": {"properties": {"type": {"const": "GeometryCollection"}}},
          "then": {"required": ["geometries"], "properties": {"geometries": {"type": "array", "items": {"$ref": "#/$defs/geometry"}}}}
        }
      ]
    }
  }
}`
