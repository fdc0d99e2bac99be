package toolflow

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// Catalog answers metadata questions about tools. Scheduling and gating are
// driven entirely by it; the orchestration core never hard-codes tool names.
type Catalog interface {
	Lookup(name string) (ToolSpec, bool)
	Definitions() []ToolDefinition
}

// Parameter types accepted in Param.Type.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Param declares one argument of a tool.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// TargetFunc extracts the filesystem paths a call operates on from its
// decoded arguments. Returning nil means the call has no resolvable target.
type TargetFunc func(args map[string]any) []string

// PathArgs returns a TargetFunc that reads the given string (or string array)
// arguments as target paths.
func PathArgs(keys ...string) TargetFunc {
	return func(args map[string]any) []string {
		var out []string
		for _, k := range keys {
			switch v := args[k].(type) {
			case string:
				out = append(out, v)
			case []any:
				for _, e := range v {
					if s, ok := e.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
		return out
	}
}

// ToolSpec is the catalog entry of one tool.
type ToolSpec struct {
	Name        string
	Description string
	Approval    ApprovalClass
	// ParallelSafe tools without side effects may share a parallel group
	// with other reads.
	ParallelSafe bool
	// Writes marks tools that mutate their targets. Write-class calls are
	// snapshotted before execution and get side-effect metadata after.
	Writes  bool
	Params  []Param
	Targets TargetFunc
	// Timeout overrides the session's per-call timeout when non-zero.
	Timeout time.Duration
}

// Definition renders s as a model-facing tool definition with a
// JSON-schema parameter object.
func (s ToolSpec) Definition() ToolDefinition {
	props := make(map[string]any, len(s.Params))
	required := []string{}
	for _, p := range s.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	return ToolDefinition{Name: s.Name, Description: s.Description, Parameters: schema}
}

// resolveTargets runs the Targets extractor and normalizes the paths.
func (s ToolSpec) resolveTargets(args map[string]any) []string {
	if s.Targets == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range s.Targets(args) {
		p = cleanTarget(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func cleanTarget(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." {
		return ""
	}
	return p
}

// overlaps reports whether two cleaned target paths refer to the same file
// or one contains the other.
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, strings.TrimSuffix(a, "/")+"/") ||
		strings.HasPrefix(a, strings.TrimSuffix(b, "/")+"/")
}

func anyOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if overlaps(a, b) {
				return true
			}
		}
	}
	return false
}
