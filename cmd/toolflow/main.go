// Command toolflow runs a tool-using model session against a workspace,
// gating risky calls behind user approval.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// Globals carries process-level handles into commands.
type Globals struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("toolflow"),
		kong.Description("Run a tool-using model session with scheduled, approval-gated tool calls."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := kctx.Run(&Globals{ctx: ctx, stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr})
	kctx.FatalIfErrorf(err)
}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintf(g.stdout, "toolflow version %s (commit: %s)\n", version, commit)
	return err
}
