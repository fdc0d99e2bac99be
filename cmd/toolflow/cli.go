package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Run a task against the workspace"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd runs one task to completion.
type RunCmd struct {
	Task        []string `arg:"" help:"Task for the agent"`
	Config      string   `short:"c" env:"TOOLFLOW_CONFIG" help:"Config file path (default: toolflow.toml)"`
	Workspace   string   `short:"w" help:"Workspace directory (overrides config)"`
	Approval    string   `short:"a" help:"Approval transport: stdin, http or nats (overrides config)"`
	AutoApprove []string `help:"Approval classes that skip the gate: edit, dangerous, terminal" sep:","`
	MaxIter     int      `help:"Maximum model/tool iterations (overrides config)"`
	Store       string   `help:"Checkpoint store: none, sqlite or postgres (overrides config)"`
	LogLevel    string   `help:"Log level: debug, info, warn, error (overrides config)"`
	JSON        bool     `help:"Print session events as JSON lines"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
