package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSchemaEmptyGetsPlaceholder(t *testing.T) {
	out := SanitizeSchema(nil)

	assert.Equal(t, "object", out["type"])
	props := out["properties"].(map[string]interface{})
	require.Contains(t, props, "reason")
	assert.Equal(t, []interface{}{"reason"}, out["required"])
}

func TestSanitizeSchemaDropsDisallowedKeys(t *testing.T) {
	out := SanitizeSchema(map[string]interface{}{
		"type":                 "string",
		"description":          "a name",
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"additionalProperties": false,
		"minLength":            3,
	})

	assert.Equal(t, map[string]interface{}{
		"type":        "string",
		"description": "a name",
	}, out)
}

func TestSanitizeSchemaConstBecomesEnum(t *testing.T) {
	out := SanitizeSchema(map[string]interface{}{"type": "string", "const": "fixed"})
	assert.Equal(t, []interface{}{"fixed"}, out["enum"])

	// An existing enum wins over const.
	out = SanitizeSchema(map[string]interface{}{
		"type":  "string",
		"const": "fixed",
		"enum":  []interface{}{"a", "b"},
	})
	assert.Equal(t, []interface{}{"a", "b"}, out["enum"])
}

func TestSanitizeSchemaEmptyObjectGetsPlaceholderProps(t *testing.T) {
	out := SanitizeSchema(map[string]interface{}{"type": "object"})

	props := out["properties"].(map[string]interface{})
	require.Contains(t, props, "reason")
	assert.Equal(t, []interface{}{"reason"}, out["required"])
}

func TestSanitizeSchemaRecursesAndFiltersRequired(t *testing.T) {
	out := SanitizeSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "pattern": "^a"},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string", "format": "uri"},
			},
		},
		"required": []interface{}{"name", "ghost"},
	})

	props := out["properties"].(map[string]interface{})
	name := props["name"].(map[string]interface{})
	assert.NotContains(t, name, "pattern")

	items := props["tags"].(map[string]interface{})["items"].(map[string]interface{})
	assert.NotContains(t, items, "format")

	// Entries without a matching property are dropped.
	assert.Equal(t, []interface{}{"name"}, out["required"])
}

func TestCleanSchemaRefBecomesHint(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"$ref":        "#/$defs/Location",
		"description": "where",
	})

	assert.Equal(t, "object", out["type"])
	assert.Equal(t, "where (See: Location)", out["description"])
	assert.NotContains(t, out, "$ref")
}

func TestCleanSchemaEnumHint(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "string",
		"enum": []interface{}{"celsius", "fahrenheit"},
	})

	assert.Equal(t, "Allowed: celsius, fahrenheit", out["description"])
	assert.Equal(t, []interface{}{"celsius", "fahrenheit"}, out["enum"])
}

func TestCleanSchemaLiftsConstraints(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type":      "string",
		"minLength": 3,
	})

	assert.NotContains(t, out, "minLength")
	assert.Contains(t, out["description"], "minLength: 3")
}

func TestCleanSchemaKeepsSupportedStringFormats(t *testing.T) {
	out := CleanSchema(map[string]interface{}{"type": "string", "format": "date-time"})
	assert.Equal(t, "date-time", out["format"])

	out = CleanSchema(map[string]interface{}{"type": "string", "format": "uri"})
	assert.NotContains(t, out, "format")
	assert.Contains(t, out["description"], "format: uri")
}

func TestCleanSchemaMergesAllOf(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "object",
		"allOf": []interface{}{
			map[string]interface{}{
				"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"a"},
			},
			map[string]interface{}{
				"properties": map[string]interface{}{"b": map[string]interface{}{"type": "number"}},
				"required":   []interface{}{"b"},
			},
		},
	})

	assert.NotContains(t, out, "allOf")
	props := out["properties"].(map[string]interface{})
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Equal(t, []interface{}{"a", "b"}, out["required"])
}

func TestCleanSchemaFlattensAnyOf(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "string"},
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
			},
		},
	})

	assert.NotContains(t, out, "anyOf")
	// The object member is the most informative and wins.
	assert.Equal(t, "object", out["type"])
	assert.Contains(t, out["properties"], "id")
	assert.Contains(t, out["description"], "Accepts: string | object")
}

func TestCleanSchemaFlattensNullableTypeArray(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"note": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
		"required": []interface{}{"note"},
	})

	note := out["properties"].(map[string]interface{})["note"].(map[string]interface{})
	assert.Equal(t, "string", note["type"])
	assert.Contains(t, note["description"], "nullable")

	// A nullable property can no longer be required.
	assert.NotContains(t, out, "required")
}

func TestCleanSchemaAdditionalPropertiesHint(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{"x": map[string]interface{}{"type": "string"}},
		"additionalProperties": false,
	})

	assert.NotContains(t, out, "additionalProperties")
	assert.Contains(t, out["description"], "No extra properties allowed")
}

// claudeAllowedKeys mirrors the allow-list plus the keys the sanitizer may
// synthesise itself.
var claudeAllowedKeys = map[string]bool{
	"type": true, "description": true, "properties": true,
	"required": true, "items": true, "enum": true, "title": true,
}

func walkSchemaKeys(schema map[string]interface{}, visit func(key string)) {
	for key, value := range schema {
		visit(key)
		switch typed := value.(type) {
		case map[string]interface{}:
			if key == "properties" {
				for _, raw := range typed {
					if sub, ok := raw.(map[string]interface{}); ok {
						walkSchemaKeys(sub, visit)
					}
				}
			} else {
				walkSchemaKeys(typed, visit)
			}
		case []interface{}:
			for _, raw := range typed {
				if sub, ok := raw.(map[string]interface{}); ok {
					walkSchemaKeys(sub, visit)
				}
			}
		}
	}
}

// genToolSchema builds structurally varied tool parameter schemas, mixing
// allowed keywords with constructs both backends reject.
func genToolSchema() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("object", "string", "array", "number", "boolean"),
		gen.AlphaString(),
		gen.OneConstOf("$schema", "additionalProperties", "pattern", "minLength", "default", "$id"),
		gen.IntRange(0, 3),
		gen.Bool(),
	).Map(func(values []interface{}) map[string]interface{} {
		schemaType := values[0].(string)
		description := values[1].(string)
		badKey := values[2].(string)
		propCount := values[3].(int)
		withConst := values[4].(bool)

		schema := map[string]interface{}{
			"type":        schemaType,
			"description": description,
			badKey:        "whatever",
		}
		if withConst {
			schema["const"] = "pinned"
		}
		if schemaType == "object" && propCount > 0 {
			props := make(map[string]interface{}, propCount)
			required := make([]interface{}, 0, propCount)
			for i := 0; i < propCount; i++ {
				name := fmt.Sprintf("field%d", i)
				props[name] = map[string]interface{}{
					"type":      "string",
					"minLength": i,
				}
				required = append(required, name)
			}
			schema["properties"] = props
			schema["required"] = append(required, "missing")
		}
		if schemaType == "array" {
			schema["items"] = map[string]interface{}{"type": []interface{}{"string", "null"}}
		}
		return schema
	})
}

func TestSanitizeSchemaProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("output holds only allow-listed keys", prop.ForAll(
		func(schema map[string]interface{}) bool {
			ok := true
			walkSchemaKeys(SanitizeSchema(schema), func(key string) {
				if !claudeAllowedKeys[key] {
					ok = false
				}
			})
			return ok
		},
		genToolSchema(),
	))

	properties.Property("output always carries a type and compiles", prop.ForAll(
		func(schema map[string]interface{}) bool {
			out := SanitizeSchema(schema)
			if _, ok := out["type"]; !ok {
				return false
			}
			return compilesAsJSONSchema(out)
		},
		genToolSchema(),
	))

	properties.Property("object schemas never end up parameterless", prop.ForAll(
		func(schema map[string]interface{}) bool {
			out := SanitizeSchema(schema)
			if out["type"] != "object" {
				return true
			}
			props, ok := out["properties"].(map[string]interface{})
			return ok && len(props) > 0
		},
		genToolSchema(),
	))

	properties.TestingRun(t)
}

func TestCleanSchemaProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unsupported keywords are gone", prop.ForAll(
		func(schema map[string]interface{}) bool {
			banned := map[string]bool{
				"$schema": true, "$id": true, "$ref": true, "default": true,
				"additionalProperties": true, "pattern": true, "minLength": true,
				"allOf": true, "anyOf": true, "oneOf": true,
			}
			ok := true
			walkSchemaKeys(CleanSchema(schema), func(key string) {
				if banned[key] {
					ok = false
				}
			})
			return ok
		},
		genToolSchema(),
	))

	properties.Property("required names always have a property", prop.ForAll(
		func(schema map[string]interface{}) bool {
			out := CleanSchema(schema)
			required, ok := out["required"].([]interface{})
			if !ok {
				return true
			}
			props, _ := out["properties"].(map[string]interface{})
			for _, raw := range required {
				name, ok := raw.(string)
				if !ok {
					return false
				}
				if _, defined := props[name]; !defined {
					return false
				}
			}
			return true
		},
		genToolSchema(),
	))

	properties.TestingRun(t)
}

// compilesAsJSONSchema round-trips the sanitized schema through a real
// draft 2020-12 compiler.
func compilesAsJSONSchema(schema map[string]interface{}) bool {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return false
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return false
	}
	_, err = compiler.Compile("tool.json")
	return err == nil
}

func TestSanitizedPlaceholderValidatesInput(t *testing.T) {
	out := SanitizeSchema(nil)

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource("tool.json", doc))
	sch, err := compiler.Compile("tool.json")
	require.NoError(t, err)

	assert.NoError(t, sch.Validate(map[string]interface{}{"reason": "lookup"}))
	assert.Error(t, sch.Validate(map[string]interface{}{}))
}
