package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaochunkun/toolflow"
	"github.com/xiaochunkun/toolflow/frontend/natsbridge"
	"github.com/xiaochunkun/toolflow/frontend/web"
	"github.com/xiaochunkun/toolflow/internal/config"
	"github.com/xiaochunkun/toolflow/observer"
	"github.com/xiaochunkun/toolflow/provider/openaicompat"
	"github.com/xiaochunkun/toolflow/store/postgres"
	"github.com/xiaochunkun/toolflow/store/sqlite"
	"github.com/xiaochunkun/toolflow/tools/file"
	"github.com/xiaochunkun/toolflow/tools/shell"
)

// app holds a wired session and everything that must be released after it.
type app struct {
	session *toolflow.Session
	// publish receives every session event, for remote approval frontends.
	publish []func(toolflow.Event)
	closers []func(context.Context) error
	logger  *slog.Logger
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// build wires config into a session. On error the partially built app is
// still returned so its closers can run.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	workspace, err := filepath.Abs(cfg.Session.Workspace)
	if err != nil {
		return a, fmt.Errorf("workspace: %w", err)
	}
	registry := toolflow.NewRegistry(
		file.New(workspace),
		shell.New(workspace,
			shell.WithTimeout(cfg.Shell.Timeout),
			shell.WithBlocklist(cfg.Shell.Blocklist...)),
	)

	var (
		model   = buildModel(cfg.Model, logger)
		backend toolflow.Backend = registry
		cp      toolflow.Checkpointer
	)

	cp, err = buildStore(ctx, a, cfg.Store, logger)
	if err != nil {
		return a, err
	}

	opts := []toolflow.Option{
		toolflow.WithLogger(logger),
		toolflow.WithTargetReader(registry),
		toolflow.WithMaxIter(cfg.Session.MaxIter),
		toolflow.WithMaxParallel(cfg.Session.MaxParallel),
		toolflow.WithCallTimeout(cfg.Session.CallTimeout),
		toolflow.WithMaxOutputRunes(cfg.Session.MaxOutputRunes),
		toolflow.WithRetryPolicy(retryPolicy(cfg.Session.MaxRetries)),
		toolflow.WithModelRetryPolicy(retryPolicy(cfg.Model.MaxRetries)),
		toolflow.WithLoopDetection(cfg.Session.LoopWindow, cfg.Session.LoopThreshold),
		toolflow.WithSystemPrompt(systemPrompt(cfg.Session.SystemPrompt, workspace)),
		toolflow.WithAutoApprove(approvalClasses(cfg.Session.AutoApprove)...),
	}

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName, pricing(cfg.Observer.Pricing))
		if err != nil {
			return a, fmt.Errorf("observer: %w", err)
		}
		a.onClose(shutdown)
		backend = observer.WrapBackend(backend, inst)
		model = observer.WrapModel(model, cfg.Model.Model, inst)
		cp = observer.WrapCheckpointer(cp, inst)
		opts = append(opts, toolflow.WithTracer(observer.NewTracer()))
		logger.Info("observer enabled", "service", cfg.Observer.ServiceName)
	}
	if cp != nil {
		opts = append(opts, toolflow.WithCheckpointer(cp))
	}

	a.session = toolflow.NewSession(registry, backend, model, opts...)

	if err := attachApproval(ctx, a, cfg.Approval, logger); err != nil {
		return a, err
	}
	return a, nil
}

func buildModel(cfg config.ModelConfig, logger *slog.Logger) toolflow.Model {
	var opts []openaicompat.Option
	if cfg.Temperature != nil {
		opts = append(opts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	p := openaicompat.New(cfg.APIKey, cfg.Model, cfg.BaseURL,
		openaicompat.WithName(cfg.Provider),
		openaicompat.WithStreaming(cfg.Stream),
		openaicompat.WithLogger(logger),
		openaicompat.WithOptions(opts...),
	)
	return toolflow.WithRateLimit(p, toolflow.RPM(cfg.RPM), toolflow.TPM(cfg.TPM))
}

// buildStore opens the configured checkpoint store. It returns nil for the
// none driver.
func buildStore(ctx context.Context, a *app, cfg config.StoreConfig, logger *slog.Logger) (toolflow.Checkpointer, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		a.onClose(func(context.Context) error { return s.Close() })
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info("checkpoint store ready", "driver", cfg.Driver, "path", cfg.Path)
		return s, nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		s := postgres.New(pool, postgres.WithLogger(logger), postgres.WithTablePrefix(cfg.TablePrefix))
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info("checkpoint store ready", "driver", cfg.Driver)
		return s, nil
	default:
		return nil, nil
	}
}

// attachApproval starts the remote approval frontend, if any. The stdin
// transport is handled by the console.
func attachApproval(ctx context.Context, a *app, cfg config.ApprovalConfig, logger *slog.Logger) error {
	switch cfg.Transport {
	case config.TransportHTTP:
		srv := web.NewServer(cfg.HTTPAddr, a.session, web.WithLogger(logger))
		srvCtx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- srv.Run(srvCtx) }()
		a.onClose(func(context.Context) error {
			cancel()
			return <-errc
		})
		a.publish = append(a.publish, srv.Publish)
	case config.TransportNATS:
		nc, err := natsbridge.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { nc.Close(); return nil })
		bridge := natsbridge.New(nc, a.session,
			natsbridge.WithPrefix(cfg.NATSPrefix),
			natsbridge.WithLogger(logger))
		if err := bridge.Start(); err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return bridge.Close() })
		a.session.Gate().OnRequest(bridge.NotifyApproval)
		a.publish = append(a.publish, func(ev toolflow.Event) {
			if err := bridge.Publish(ev); err != nil {
				logger.Warn("publish event", "type", ev.Type, "error", err)
			}
		})
		logger.Info("awaiting decisions over nats", "subject", bridge.Subjects().Decision)
	}
	return nil
}

func retryPolicy(maxRetries int) toolflow.RetryPolicy {
	p := toolflow.DefaultRetryPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	return p
}

func approvalClasses(names []string) []toolflow.ApprovalClass {
	out := make([]toolflow.ApprovalClass, 0, len(names))
	for _, n := range names {
		out = append(out, toolflow.ApprovalClass(n))
	}
	return out
}

func pricing(in map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	out := make(map[string]observer.ModelPricing, len(in))
	for model, p := range in {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return out
}

const basePrompt = `You are a coding assistant working in the workspace %s.
Use the file tools to inspect and change files and shell_exec to run commands.
Independent reads may be issued together in one turn. Writes, deletes and
commands may need the user's approval; if a call is rejected, stop and explain.`

func systemPrompt(custom, workspace string) string {
	if custom != "" {
		return custom
	}
	return fmt.Sprintf(basePrompt, workspace)
}
