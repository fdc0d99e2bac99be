// Package file provides workspace-sandboxed file tools: read, list, write,
// edit and delete. The tool also reads targets for the session, which
// snapshots files before writes and diffs them afterwards.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xiaochunkun/toolflow"
)

// Tool provides file operations restricted to a workspace directory.
type Tool struct {
	workspacePath string
}

// New creates a file tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		abs = filepath.Clean(workspacePath)
	}
	return &Tool{workspacePath: abs}
}

var (
	pathParam = toolflow.Param{Name: "path", Type: toolflow.TypeString, Required: true, Description: "Path relative to the workspace"}
	paths     = toolflow.PathArgs("path")
)

func (t *Tool) Specs() []toolflow.ToolSpec {
	return []toolflow.ToolSpec{
		{
			Name:         "file_read",
			Description:  "Read a file from the workspace.",
			Approval:     toolflow.ApprovalNone,
			ParallelSafe: true,
			Params:       []toolflow.Param{pathParam},
			Targets:      paths,
		},
		{
			Name:         "file_list",
			Description:  "List the entries of a workspace directory. Directories end with a slash.",
			Approval:     toolflow.ApprovalNone,
			ParallelSafe: true,
			Params:       []toolflow.Param{{Name: "path", Type: toolflow.TypeString, Description: "Directory relative to the workspace (default: workspace root)"}},
			Targets:      paths,
		},
		{
			Name:        "file_write",
			Description: "Write content to a file, replacing it. Creates parent directories if needed.",
			Approval:    toolflow.ApprovalEdit,
			Writes:      true,
			Params: []toolflow.Param{
				pathParam,
				{Name: "content", Type: toolflow.TypeString, Required: true, Description: "Full file content"},
			},
			Targets: paths,
		},
		{
			Name:        "file_edit",
			Description: "Replace an exact string in a file. old_string must match exactly once unless replace_all is set.",
			Approval:    toolflow.ApprovalEdit,
			Writes:      true,
			Params: []toolflow.Param{
				pathParam,
				{Name: "old_string", Type: toolflow.TypeString, Required: true, Description: "Text to replace"},
				{Name: "new_string", Type: toolflow.TypeString, Required: true, Description: "Replacement text"},
				{Name: "replace_all", Type: toolflow.TypeBoolean, Description: "Replace every occurrence"},
			},
			Targets: paths,
		},
		{
			Name:        "file_delete",
			Description: "Delete a file from the workspace.",
			Approval:    toolflow.ApprovalDangerous,
			Writes:      true,
			Params:      []toolflow.Param{pathParam},
			Targets:     paths,
		},
	}
}

type args struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func (t *Tool) Execute(ctx context.Context, call toolflow.ToolCall) (toolflow.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return toolflow.Outcome{}, err
	}
	var a args
	if err := json.Unmarshal(call.Args, &a); err != nil {
		return toolflow.Outcome{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := t.resolvePath(a.Path)
	if err != nil {
		return toolflow.Outcome{Error: err.Error()}, nil
	}

	switch call.Name {
	case "file_read":
		return t.read(resolved)
	case "file_list":
		return t.list(resolved)
	case "file_write":
		return t.write(resolved, a.Content)
	case "file_edit":
		return t.edit(resolved, a)
	case "file_delete":
		return t.delete(resolved)
	default:
		return toolflow.Outcome{Error: "unknown file tool: " + call.Name}, nil
	}
}

// ReadTarget returns the content of a workspace file. Directories read as
// their sorted listing so that directory targets still hash meaningfully.
func (t *Tool) ReadTarget(_ context.Context, path string) ([]byte, bool, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		names, err := listDir(resolved)
		if err != nil {
			return nil, false, err
		}
		return []byte(strings.Join(names, "\n")), true, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// resolvePath maps a workspace-relative path to an absolute one and rejects
// anything that would land outside the workspace.
func (t *Tool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, filepath.FromSlash(path))
	rel, err := filepath.Rel(t.workspacePath, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (toolflow.Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return toolflow.Outcome{Error: "read error: " + t.rel(err)}, nil
	}
	return toolflow.Outcome{Output: string(data)}, nil
}

func (t *Tool) list(path string) (toolflow.Outcome, error) {
	names, err := listDir(path)
	if err != nil {
		return toolflow.Outcome{Error: "list error: " + t.rel(err)}, nil
	}
	if len(names) == 0 {
		return toolflow.Outcome{Output: "(empty directory)"}, nil
	}
	return toolflow.Outcome{Output: strings.Join(names, "\n")}, nil
}

func (t *Tool) write(path, content string) (toolflow.Outcome, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolflow.Outcome{Error: "mkdir error: " + t.rel(err)}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return toolflow.Outcome{Error: "write error: " + t.rel(err)}, nil
	}
	return toolflow.Outcome{Output: fmt.Sprintf("Wrote %d bytes to %s", len(content), t.relPath(path))}, nil
}

func (t *Tool) edit(path string, a args) (toolflow.Outcome, error) {
	if a.OldString == "" {
		return toolflow.Outcome{Error: "old_string must not be empty"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return toolflow.Outcome{Error: "read error: " + t.rel(err)}, nil
	}
	content := string(data)
	n := strings.Count(content, a.OldString)
	switch {
	case n == 0:
		return toolflow.Outcome{Error: "old_string not found in " + t.relPath(path)}, nil
	case n > 1 && !a.ReplaceAll:
		return toolflow.Outcome{Error: fmt.Sprintf("old_string matches %d times in %s; add context or set replace_all", n, t.relPath(path))}, nil
	}
	if a.OldString == a.NewString {
		return toolflow.Outcome{
			Output:   "No change: old_string and new_string are identical",
			Metadata: map[string]any{"replacements": 0},
		}, nil
	}

	limit := 1
	if a.ReplaceAll {
		limit = -1
	}
	updated := strings.Replace(content, a.OldString, a.NewString, limit)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return toolflow.Outcome{Error: "write error: " + t.rel(err)}, nil
	}
	replaced := 1
	if a.ReplaceAll {
		replaced = n
	}
	return toolflow.Outcome{
		Output:   fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, t.relPath(path)),
		Metadata: map[string]any{"replacements": replaced},
	}, nil
}

func (t *Tool) delete(path string) (toolflow.Outcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return toolflow.Outcome{Error: "delete error: " + t.rel(err)}, nil
	}
	if info.IsDir() {
		return toolflow.Outcome{Error: "refusing to delete a directory: " + t.relPath(path)}, nil
	}
	if err := os.Remove(path); err != nil {
		return toolflow.Outcome{Error: "delete error: " + t.rel(err)}, nil
	}
	return toolflow.Outcome{Output: "Deleted " + t.relPath(path)}, nil
}

// rel strips the workspace prefix from error messages fed to the model.
func (t *Tool) rel(err error) string {
	return strings.ReplaceAll(err.Error(), t.workspacePath+string(filepath.Separator), "")
}

func (t *Tool) relPath(path string) string {
	rel, err := filepath.Rel(t.workspacePath, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func listDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

var (
	_ toolflow.Tool         = (*Tool)(nil)
	_ toolflow.TargetReader = (*Tool)(nil)
)
