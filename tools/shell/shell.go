// Package shell provides a shell_exec tool that runs commands inside the
// workspace directory. It declares no targets, so the scheduler always runs
// it serially.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/xiaochunkun/toolflow"
)

const maxTimeout = 300 * time.Second

// DefaultBlocklist holds substrings that reject a command outright.
var DefaultBlocklist = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// Tool executes shell commands in a workspace.
type Tool struct {
	workspacePath  string
	defaultTimeout time.Duration
	blocklist      []string
}

// Option configures a Tool.
type Option func(*Tool)

// WithTimeout sets the timeout used when the call does not pass one.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.defaultTimeout = d }
}

// WithBlocklist adds substrings to the command blocklist.
func WithBlocklist(patterns ...string) Option {
	return func(t *Tool) { t.blocklist = append(t.blocklist, patterns...) }
}

// New creates a shell tool. Commands run in workspacePath.
func New(workspacePath string, opts ...Option) *Tool {
	t := &Tool{
		workspacePath:  workspacePath,
		defaultTimeout: 30 * time.Second,
		blocklist:      append([]string(nil), DefaultBlocklist...),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.defaultTimeout <= 0 || t.defaultTimeout > maxTimeout {
		t.defaultTimeout = maxTimeout
	}
	return t
}

func (t *Tool) Specs() []toolflow.ToolSpec {
	return []toolflow.ToolSpec{{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout and stderr.",
		Approval:    toolflow.ApprovalTerminal,
		Params: []toolflow.Param{
			{Name: "command", Type: toolflow.TypeString, Required: true, Description: "Shell command to execute"},
			{Name: "timeout", Type: toolflow.TypeInteger, Description: fmt.Sprintf("Timeout in seconds (default %d)", int(t.defaultTimeout.Seconds()))},
		},
		// The command enforces its own deadline; leave headroom so the
		// session does not cut it first.
		Timeout: maxTimeout + 5*time.Second,
	}}
}

func (t *Tool) Execute(ctx context.Context, call toolflow.ToolCall) (toolflow.Outcome, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return toolflow.Outcome{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return toolflow.Outcome{Error: "command is required"}, nil
	}

	lower := strings.ToLower(params.Command)
	for _, b := range t.blocklist {
		if strings.Contains(lower, b) {
			return toolflow.Outcome{Error: "command blocked for safety: " + b}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = min(time.Duration(params.Timeout)*time.Second, maxTimeout)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspacePath
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}

	if err != nil {
		if ctx.Err() != nil {
			return toolflow.Outcome{}, ctx.Err()
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return toolflow.Outcome{Output: output, Error: fmt.Sprintf("command timed out after %s", timeout)}, nil
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if output == "" {
			output = err.Error()
		}
		return toolflow.Outcome{
			Output:   output,
			Error:    "exit: " + err.Error(),
			Metadata: map[string]any{"exit_code": code},
		}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	return toolflow.Outcome{Output: output, Metadata: map[string]any{"exit_code": 0}}, nil
}

var _ toolflow.Tool = (*Tool)(nil)
