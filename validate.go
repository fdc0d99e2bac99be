package toolflow

import (
	"bytes"
	"encoding/json"
	"math"
)

// intake validates raw proposals against the catalog. Valid proposals become
// immutable ToolCalls in proposal order; invalid ones become failed Results
// that are fed back to the model without being scheduled.
func intake(raw []RawCall, catalog Catalog) ([]ToolCall, []Result) {
	var (
		calls   []ToolCall
		invalid []Result
	)
	for i, rc := range raw {
		id := rc.ID
		if id == "" {
			id = NewID()
		}
		call, err := validateCall(rc, catalog)
		if err != nil {
			invalid = append(invalid, Result{
				CallID:     id,
				Name:       rc.Name,
				Status:     StatusFailed,
				Error:      err.Error(),
				Validation: true,
			})
			continue
		}
		call.ID = id
		call.index = i
		calls = append(calls, call)
	}
	return calls, invalid
}

// validateCall decodes and checks one proposal. It returns a *ValidationError
// for unknown tools, non-object arguments, missing required parameters and
// type mismatches.
func validateCall(rc RawCall, catalog Catalog) (ToolCall, error) {
	spec, ok := catalog.Lookup(rc.Name)
	if !ok {
		return ToolCall{}, &ValidationError{Tool: rc.Name, Message: "unknown tool"}
	}

	raw := bytes.TrimSpace(rc.Args)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolCall{}, &ValidationError{Tool: rc.Name, Message: "arguments must be a JSON object: " + err.Error()}
	}
	if args == nil {
		args = map[string]any{}
	}

	for _, p := range spec.Params {
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				return ToolCall{}, &ValidationError{Tool: rc.Name, Field: p.Name, Message: "required parameter missing"}
			}
			continue
		}
		if !matchesType(v, p.Type) {
			return ToolCall{}, &ValidationError{Tool: rc.Name, Field: p.Name, Message: "expected " + p.Type}
		}
	}

	return ToolCall{
		Name:    rc.Name,
		Args:    append(json.RawMessage(nil), raw...),
		args:    args,
		targets: spec.resolveTargets(args),
	}, nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return true
}

// NewToolCall validates a single proposal against catalog, the same way the
// session does at batch intake. Useful for tests and for backends that
// dispatch calls outside a session.
func NewToolCall(catalog Catalog, id, name string, args json.RawMessage) (ToolCall, error) {
	call, err := validateCall(RawCall{ID: id, Name: name, Args: args}, catalog)
	if err != nil {
		return ToolCall{}, err
	}
	call.ID = id
	return call, nil
}
