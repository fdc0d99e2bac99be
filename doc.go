// Package toolflow orchestrates tool calls proposed by a language model
// against an execution backend.
//
// A [Session] drives the model/tool cycle: it asks the [Model] for a reply,
// validates the proposed calls against the [Catalog], plans them into
// parallel groups and a serial queue, gates dangerous calls behind a human
// [Gate], executes them on the [Backend] with per-call timeouts and retries,
// and feeds the results back to the model. A [LoopDetector] stops a model
// that keeps re-issuing the same call without changing anything.
//
// # Quick Start
//
//	registry := toolflow.NewRegistry(file.New(workspace), shell.New(workspace))
//	model := toolflow.WithRateLimit(openaicompat.New(apiKey, "gpt-4o-mini", baseURL), toolflow.RPM(60))
//
//	session := toolflow.NewSession(registry, registry, model,
//		toolflow.WithLogger(logger),
//		toolflow.WithAutoApprove(toolflow.ApprovalEdit),
//		toolflow.WithCheckpointer(store),
//	)
//
//	result, err := session.Run(ctx, "rename the config loader")
//
// # Core Interfaces
//
//   - [Catalog]: tool metadata (approval class, parallel safety, target paths)
//   - [Backend]: executes one validated [ToolCall]
//   - [Model]: streams text and tool call proposals
//   - [Checkpointer]: receives status transitions, snapshots and results
//   - [TargetReader]: reads target content for snapshots and side-effect diffs
//
// Implementations live in sub-packages: provider/openaicompat, tools/file,
// tools/shell, store/sqlite, store/postgres, frontend/web, frontend/natsbridge
// and observer.
package toolflow
