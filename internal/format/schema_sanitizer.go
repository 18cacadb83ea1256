package format

import (
	"fmt"
	"strings"
)

// schemaTransform rewrites one schema node and returns the replacement.
type schemaTransform func(map[string]interface{}) map[string]interface{}

// SanitizeSchema reduces a JSON schema to the subset the Claude backend
// accepts. Only allow-listed keys survive, const collapses to a one-value
// enum, and empty object schemas receive a placeholder property so the
// backend never sees a tool without parameters.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderObjectSchema()
	}

	allowed := map[string]bool{
		"type":        true,
		"description": true,
		"properties":  true,
		"required":    true,
		"items":       true,
		"enum":        true,
		"title":       true,
	}

	sanitized := make(map[string]interface{}, len(schema))

	for key, value := range schema {
		if key == "const" || !allowed[key] {
			continue
		}

		switch key {
		case "properties":
			props, ok := value.(map[string]interface{})
			if !ok {
				continue
			}
			next := make(map[string]interface{}, len(props))
			for name, raw := range props {
				if sub, ok := raw.(map[string]interface{}); ok {
					next[name] = SanitizeSchema(sub)
				} else {
					next[name] = raw
				}
			}
			sanitized["properties"] = next
		case "items":
			switch items := value.(type) {
			case map[string]interface{}:
				sanitized["items"] = SanitizeSchema(items)
			case []interface{}:
				next := make([]interface{}, 0, len(items))
				for _, raw := range items {
					if sub, ok := raw.(map[string]interface{}); ok {
						next = append(next, SanitizeSchema(sub))
					} else {
						next = append(next, raw)
					}
				}
				sanitized["items"] = next
			default:
				sanitized["items"] = value
			}
		default:
			sanitized[key] = value
		}
	}

	// const becomes a single-value enum, unless an enum already exists.
	if constVal, ok := schema["const"]; ok {
		if _, hasEnum := sanitized["enum"]; !hasEnum {
			sanitized["enum"] = []interface{}{constVal}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}

	schemaType, _ := sanitized["type"].(string)
	props, hasProps := sanitized["properties"].(map[string]interface{})
	if schemaType == "object" && (!hasProps || len(props) == 0) {
		placeholder := placeholderObjectSchema()
		sanitized["properties"] = placeholder["properties"]
		sanitized["required"] = placeholder["required"]
	} else {
		filterRequired(sanitized)
	}

	return sanitized
}

// CleanSchema rewrites a JSON schema into the subset the Gemini backend
// accepts. Constructs Gemini rejects ($ref, unions, constraints) are folded
// into description hints instead of being dropped silently, then the
// remaining unsupported keywords are stripped. Applied top-down, then
// recursively to properties and items.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	result = convertRefsToHints(result)
	result = addEnumHints(result)
	result = addAdditionalPropertiesHints(result)
	result = liftConstraintsToDescription(result)
	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")

	stripUnsupportedKeys(result)

	rewriteChildren(result, CleanSchema)
	filterRequired(result)

	return result
}

var geminiUnsupportedKeys = []string{
	"additionalProperties", "default", "$schema", "$defs",
	"definitions", "$ref", "$id", "$comment", "title",
	"minLength", "maxLength", "pattern", "format",
	"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
}

var geminiStringFormats = map[string]bool{"enum": true, "date-time": true}

// stripUnsupportedKeys deletes keywords Gemini rejects. format survives
// only on string schemas and only for the formats Gemini understands.
func stripUnsupportedKeys(result map[string]interface{}) {
	keepFormat := false
	if schemaType, ok := result["type"].(string); ok && schemaType == "string" {
		if format, ok := result["format"].(string); ok && geminiStringFormats[format] {
			keepFormat = true
		}
	}
	for _, key := range geminiUnsupportedKeys {
		if key == "format" && keepFormat {
			continue
		}
		delete(result, key)
	}
}

// filterRequired drops required entries with no matching property and
// removes the array entirely when nothing is left.
func filterRequired(result map[string]interface{}) {
	required, ok := result["required"].([]interface{})
	if !ok {
		return
	}
	props, _ := result["properties"].(map[string]interface{})
	kept := make([]interface{}, 0, len(required))
	for _, raw := range required {
		name, ok := raw.(string)
		if !ok {
			continue
		}
		if _, defined := props[name]; defined {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		delete(result, "required")
	} else {
		result["required"] = kept
	}
}

// convertRefsToHints replaces $ref nodes with a plain object schema whose
// description names the referenced definition.
func convertRefsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := fmt.Sprintf("See: %s", defName)
		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}
		return map[string]interface{}{
			"type":        "object",
			"description": description,
		}
	}

	rewriteChildren(result, convertRefsToHints, "anyOf", "oneOf", "allOf")
	return result
}

// addEnumHints mirrors small enums into the description so the constraint
// survives even when a later phase rewrites the node. Hint phases stay
// non-recursive: CleanSchema re-applies them per node, and a second visit
// would duplicate the hint.
func addEnumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if enumVals, ok := result["enum"].([]interface{}); ok && len(enumVals) > 1 && len(enumVals) <= 10 {
		rendered := make([]string, 0, len(enumVals))
		for _, v := range enumVals {
			rendered = append(rendered, fmt.Sprintf("%v", v))
		}
		result = appendDescriptionHint(result, fmt.Sprintf("Allowed: %s", strings.Join(rendered, ", ")))
	}

	return result
}

func addAdditionalPropertiesHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}

	return result
}

var liftedConstraints = []string{
	"minLength", "maxLength", "pattern", "minimum", "maximum",
	"minItems", "maxItems", "format",
}

// liftConstraintsToDescription records scalar constraints as description
// hints before the strip phase removes them.
func liftConstraintsToDescription(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	for _, constraint := range liftedConstraints {
		value, ok := result[constraint]
		if !ok {
			continue
		}
		if _, isMap := value.(map[string]interface{}); isMap {
			continue
		}
		result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
	}

	return result
}

// mergeAllOf folds every allOf member into its parent. Properties merge
// left-to-right with later members winning, required arrays union in first
// seen order, and any other member field is copied only when the parent
// lacks it.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if members, ok := result["allOf"].([]interface{}); ok && len(members) > 0 {
		mergedProps := make(map[string]interface{})
		mergedRequired := make([]string, 0)
		seenRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, raw := range members {
			member, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if props, ok := member["properties"].(map[string]interface{}); ok {
				for name, value := range props {
					mergedProps[name] = value
				}
			}
			if required, ok := member["required"].([]interface{}); ok {
				for _, r := range required {
					name, ok := r.(string)
					if !ok || seenRequired[name] {
						continue
					}
					seenRequired[name] = true
					mergedRequired = append(mergedRequired, name)
				}
			}
			for key, value := range member {
				if key == "properties" || key == "required" {
					continue
				}
				if _, exists := otherFields[key]; !exists {
					otherFields[key] = value
				}
			}
		}

		delete(result, "allOf")

		// Parent fields take precedence over member fields.
		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProps) > 0 {
			existing, _ := result["properties"].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{}, len(mergedProps))
			}
			for name, value := range mergedProps {
				if _, exists := existing[name]; !exists {
					existing[name] = value
				}
			}
			result["properties"] = existing
		}

		if len(mergedRequired) > 0 {
			ordered := make([]interface{}, 0, len(mergedRequired))
			seen := make(map[string]bool)
			if existing, ok := result["required"].([]interface{}); ok {
				for _, r := range existing {
					if name, ok := r.(string); ok && !seen[name] {
						seen[name] = true
						ordered = append(ordered, name)
					}
				}
			}
			for _, name := range mergedRequired {
				if !seen[name] {
					seen[name] = true
					ordered = append(ordered, name)
				}
			}
			result["required"] = ordered
		}
	}

	rewriteChildren(result, mergeAllOf)
	return result
}

// flattenAnyOfOneOf collapses a union to its most informative member and
// records the discarded alternatives as a description hint.
func flattenAnyOfOneOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var best map[string]interface{}
		bestScore := -1

		for _, raw := range options {
			option, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}

			typeName := ""
			if t, ok := option["type"].(string); ok {
				typeName = t
			} else if option["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}

			if score := scoreSchemaOption(option); score > bestScore {
				bestScore = score
				best = option
			}
		}

		delete(result, unionKey)

		if best == nil {
			continue
		}

		parentDescription, _ := result["description"].(string)
		chosen := flattenAnyOfOneOf(best)

		for key, value := range chosen {
			if key == "description" {
				desc, ok := value.(string)
				if !ok || desc == "" || desc == parentDescription {
					continue
				}
				if parentDescription != "" {
					result["description"] = fmt.Sprintf("%s (%s)", parentDescription, desc)
				} else {
					result["description"] = desc
				}
				continue
			}
			_, exists := result[key]
			if !exists || key == "type" || key == "properties" || key == "items" {
				result[key] = value
			}
		}

		if len(typeNames) > 1 {
			hint := fmt.Sprintf("Accepts: %s", strings.Join(uniqueStrings(typeNames), " | "))
			result = appendDescriptionHint(result, hint)
		}
	}

	rewriteChildren(result, flattenAnyOfOneOf)
	return result
}

// scoreSchemaOption ranks union members: object shapes over arrays over
// scalars over null.
func scoreSchemaOption(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// flattenTypeArrays reduces a type array to its first non-null entry. A
// property whose type array contained "null" is recorded as nullable and
// removed from the parent's required list.
func flattenTypeArrays(schema map[string]interface{}, nullables map[string]bool, propName string) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copySchema(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNull []string
		for _, raw := range typeArr {
			t, ok := raw.(string)
			if !ok {
				continue
			}
			if t == "null" {
				hasNull = true
			} else if t != "" {
				nonNull = append(nonNull, t)
			}
		}

		flat := "string"
		if len(nonNull) > 0 {
			flat = nonNull[0]
		}
		result["type"] = flat

		if len(nonNull) > 1 {
			result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(nonNull, " | ")))
		}
		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullables != nil && propName != "" {
				nullables[propName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullables := make(map[string]bool)
		next := make(map[string]interface{}, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				next[name] = flattenTypeArrays(sub, childNullables, name)
			} else {
				next[name] = raw
			}
		}
		result["properties"] = next

		if required, ok := result["required"].([]interface{}); ok && len(childNullables) > 0 {
			kept := make([]interface{}, 0, len(required))
			for _, raw := range required {
				if name, ok := raw.(string); ok && !childNullables[name] {
					kept = append(kept, name)
				}
			}
			if len(kept) == 0 {
				delete(result, "required")
			} else {
				result["required"] = kept
			}
		}
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = flattenTypeArrays(items, nil, "")
	case []interface{}:
		next := make([]interface{}, 0, len(items))
		for _, raw := range items {
			if sub, ok := raw.(map[string]interface{}); ok {
				next = append(next, flattenTypeArrays(sub, nil, ""))
			} else {
				next = append(next, raw)
			}
		}
		result["items"] = next
	}

	return result
}

// appendDescriptionHint suffixes a hint onto the schema's description,
// returning a copy.
func appendDescriptionHint(schema map[string]interface{}, hint string) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := copySchema(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// rewriteChildren applies fn to every subschema under properties, items
// (object and tuple forms), and the listed union keys, in place.
func rewriteChildren(result map[string]interface{}, fn schemaTransform, unionKeys ...string) {
	if props, ok := result["properties"].(map[string]interface{}); ok {
		next := make(map[string]interface{}, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				next[name] = fn(sub)
			} else {
				next[name] = raw
			}
		}
		result["properties"] = next
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = fn(items)
	case []interface{}:
		next := make([]interface{}, 0, len(items))
		for _, raw := range items {
			if sub, ok := raw.(map[string]interface{}); ok {
				next = append(next, fn(sub))
			} else {
				next = append(next, raw)
			}
		}
		result["items"] = next
	}

	for _, key := range unionKeys {
		arr, ok := result[key].([]interface{})
		if !ok {
			continue
		}
		next := make([]interface{}, 0, len(arr))
		for _, raw := range arr {
			if sub, ok := raw.(map[string]interface{}); ok {
				next = append(next, fn(sub))
			} else {
				next = append(next, raw)
			}
		}
		result[key] = next
	}
}

func placeholderObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []interface{}{"reason"},
	}
}

func copySchema(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
