package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
)

// ErrUnknownTool is returned for names not in the current snapshot
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments wraps schema validation failures
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Entry pairs a resource with the option selected for it during discovery
type Entry struct {
	Resource model.PricedResource
	Option   model.PaymentOption
}

// Toolset is an immutable snapshot of callable tools built from one discovery cycle
type Toolset struct {
	byName  map[string]ToolDescriptor
	names   []string
	schemas map[string]*jsonschema.Schema
}

// NewToolset describes every entry. Entries are processed in URL order so that when two
// URLs share a clean name the same one keeps it on every cycle; the other gets HashedToolName.
func NewToolset(entries []Entry) *Toolset {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Resource.Resource < sorted[j].Resource.Resource })

	ts := &Toolset{
		byName:  make(map[string]ToolDescriptor, len(entries)),
		schemas: make(map[string]*jsonschema.Schema, len(entries)),
	}
	for _, e := range sorted {
		name := ToolName(e.Resource.Resource)
		if prev, taken := ts.byName[name]; taken {
			if prev.Resource.Resource == e.Resource.Resource {
				continue
			}
			name = HashedToolName(e.Resource.Resource)
			if _, taken := ts.byName[name]; taken {
				logrus.WithField("resource", e.Resource.Resource).Warn("Skipping resource with colliding tool name")
				continue
			}
		}

		d := describeAs(name, e.Resource, e.Option)
		schema, err := compileSchema(name, d.InputSchema)
		if err != nil {
			logrus.WithError(err).WithField("tool", name).Warn("Skipping tool with invalid schema")
			continue
		}
		ts.byName[name] = d
		ts.schemas[name] = schema
		ts.names = append(ts.names, name)
	}
	sort.Strings(ts.names)
	return ts
}

// Len returns the number of tools
func (t *Toolset) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Tools returns all descriptors sorted by name
func (t *Toolset) Tools() []ToolDescriptor {
	if t == nil {
		return nil
	}
	out := make([]ToolDescriptor, 0, len(t.names))
	for _, n := range t.names {
		out = append(out, t.byName[n])
	}
	return out
}

// Lookup resolves a tool name
func (t *Toolset) Lookup(name string) (ToolDescriptor, bool) {
	if t == nil {
		return ToolDescriptor{}, false
	}
	d, ok := t.byName[name]
	return d, ok
}

// Validate checks arguments against the tool's schema
func (t *Toolset) Validate(name string, args map[string]any) error {
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	schema, ok := t.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Prepare validates arguments and builds the upfront payment request for a tool
func (t *Toolset) Prepare(name string, args map[string]any) (ToolDescriptor, payment.Request, error) {
	d, ok := t.Lookup(name)
	if !ok {
		return ToolDescriptor{}, payment.Request{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := t.Validate(name, args); err != nil {
		return d, payment.Request{}, err
	}
	req, err := BuildRequest(d, args)
	return d, req, err
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	loc := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(loc)
}

// BuildRequest maps tool arguments onto the HTTP request for the descriptor's resource
func BuildRequest(d ToolDescriptor, args map[string]any) (payment.Request, error) {
	opt := d.Option
	req := payment.Request{
		URL:      d.Resource.Resource,
		Method:   d.Method,
		Strategy: payment.StrategyUpfront,
		Option:   &opt,
	}

	params := make(map[string]any, len(args))
	for k, v := range args {
		params[k] = v
	}

	if d.GenericField != "" {
		params = remapGeneric(d, params)
	}
	params = NormalizeArgs(d.Resource.Resource, params)

	if d.Method == "GET" {
		q := url.Values{}
		for _, k := range sortedKeys(params) {
			for _, s := range queryValues(params[k]) {
				q.Add(k, s)
			}
		}
		req.Query = q
		return req, nil
	}

	body, err := json.Marshal(params)
	if err != nil {
		return payment.Request{}, fmt.Errorf("failed to encode request body: %w", err)
	}
	req.Body = body
	return req, nil
}

// remapGeneric renames the single generic field to what the provider most likely expects
func remapGeneric(d ToolDescriptor, params map[string]any) map[string]any {
	value, ok := params[d.GenericField]
	if !ok {
		return params
	}

	if s, isStr := value.(string); isStr && d.GenericField == GenericDataField {
		if obj, ok := ParseDataObject(s); ok {
			return obj
		}
	}

	declared := sortedKeys(d.Option.Input.BodyFields)
	if d.Method != "GET" {
		declared = sortedKeys(d.Option.Input.QueryParams)
	}
	name := InferFieldName(d.Resource.Resource, declared, d.GenericField)
	if name == d.GenericField {
		return params
	}

	delete(params, d.GenericField)
	params[name] = value
	return params
}

func queryValues(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case bool:
		return []string{strconv.FormatBool(x)}
	case float64:
		return []string{strconv.FormatFloat(x, 'f', -1, 64)}
	case json.Number:
		return []string{x.String()}
	case []any:
		var out []string
		for _, e := range x {
			out = append(out, queryValues(e)...)
		}
		return out
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return []string{fmt.Sprint(x)}
		}
		return []string{string(b)}
	}
}
