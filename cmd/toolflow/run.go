package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaochunkun/toolflow"
	"github.com/xiaochunkun/toolflow/internal/config"
)

const closeTimeout = 10 * time.Second

func (r *RunCmd) Run(g *Globals) error {
	task := strings.TrimSpace(strings.Join(r.Task, " "))
	if task == "" {
		return errors.New("task is empty")
	}

	cfg, err := config.Load(r.Config)
	if err != nil {
		return err
	}
	r.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(g.stderr, cfg.Log.Level, false)
	a, err := build(g.ctx, cfg, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := a.close(ctx); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()
	if err != nil {
		return err
	}

	con := newConsole(g.stdout, g.stdin, r.JSON)
	if cfg.Approval.Transport == config.TransportStdin {
		con.approver = a.session
	}

	logger.Info("session started",
		"session_id", a.session.ID(),
		"model", cfg.Model.Model,
		"workspace", cfg.Session.Workspace,
		"approval", cfg.Approval.Transport)

	ch := make(chan toolflow.Event, 16)
	type outcome struct {
		res toolflow.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.session.RunStream(g.ctx, task, ch)
		done <- outcome{res, err}
	}()

	for ev := range ch {
		for _, publish := range a.publish {
			publish(ev)
		}
		con.handle(g.ctx, ev)
	}
	out := <-done

	con.summary(out.res)
	if out.err != nil {
		var rejected *toolflow.ErrApprovalRejected
		if errors.As(out.err, &rejected) {
			return nil
		}
		return fmt.Errorf("run: %w", out.err)
	}
	return nil
}

// apply lets flags override the loaded config.
func (r *RunCmd) apply(cfg *config.Config) {
	if r.Workspace != "" {
		cfg.Session.Workspace = r.Workspace
	}
	if r.Approval != "" {
		cfg.Approval.Transport = r.Approval
	}
	if len(r.AutoApprove) > 0 {
		cfg.Session.AutoApprove = r.AutoApprove
	}
	if r.MaxIter > 0 {
		cfg.Session.MaxIter = r.MaxIter
	}
	if r.Store != "" {
		cfg.Store.Driver = r.Store
	}
	if r.LogLevel != "" {
		cfg.Log.Level = r.LogLevel
	}
}
