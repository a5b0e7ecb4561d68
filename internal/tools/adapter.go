package tools

import (
	"sort"
	"strings"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

// Generic single-field names used when a resource declares no structured input
const (
	GenericQueryField = "query"
	GenericDataField  = "data"
)

// ToolDescriptor is a callable wrapper around one resource and its selected payment option
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	// GenericField is set when the schema is the single fallback field
	GenericField string `json:"genericField,omitempty"`

	Method   string               `json:"method"`
	Resource model.PricedResource `json:"-"`
	Option   model.PaymentOption  `json:"-"`
}

// Describe builds a descriptor named by ToolName
func Describe(r model.PricedResource, o model.PaymentOption) ToolDescriptor {
	return describeAs(ToolName(r.Resource), r, o)
}

func describeAs(name string, r model.PricedResource, o model.PaymentOption) ToolDescriptor {
	method := o.HTTPMethod()
	d := ToolDescriptor{
		Name:        name,
		Description: Description(r, o),
		Method:      method,
		Resource:    r,
		Option:      o,
	}

	var fields map[string]model.FieldSpec
	switch method {
	case "GET":
		fields = o.Input.QueryParams
	default:
		fields = o.Input.BodyFields
	}

	if len(fields) > 0 {
		d.InputSchema = structuredSchema(fields)
		return d
	}

	d.GenericField = GenericDataField
	desc := "Data to send to the API"
	if method == "GET" {
		d.GenericField = GenericQueryField
		desc = "Query parameter for the API request"
	}
	d.InputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			d.GenericField: map[string]any{"type": "string", "description": desc},
		},
		"required": []any{d.GenericField},
	}
	return d
}

// structuredSchema emits one typed property per declared field
func structuredSchema(fields map[string]model.FieldSpec) map[string]any {
	props := make(map[string]any, len(fields))
	required := []string{}
	for name, f := range fields {
		props[name] = fieldSchema(f)
		if f.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   req,
	}
}

func fieldSchema(f model.FieldSpec) map[string]any {
	t := jsonType(f.Type)
	s := map[string]any{"type": t}
	if f.Description != "" {
		s["description"] = f.Description
	}
	if len(f.Enum) > 0 && t == "string" {
		enum := make([]any, len(f.Enum))
		for i, e := range f.Enum {
			enum[i] = e
		}
		s["enum"] = enum
	}
	if t == "array" {
		items := model.FieldSpec{Type: "string"}
		if f.Items != nil {
			items = *f.Items
		}
		s["items"] = fieldSchema(items)
	}
	return s
}

// jsonType maps loosely declared registry types onto JSON Schema types
func jsonType(declared string) string {
	t := strings.ToLower(strings.TrimSpace(declared))
	switch {
	case t == "integer" || t == "int" || t == "int64":
		return "integer"
	case t == "number" || t == "float" || t == "double":
		return "number"
	case t == "boolean" || t == "bool":
		return "boolean"
	case t == "array" || strings.HasSuffix(t, "[]"):
		return "array"
	case t == "object":
		return "object"
	default:
		return "string"
	}
}
