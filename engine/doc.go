// Package engine implements the autonomous task execution loop.
//
// It pairs a large language model with developer tools and drives a task
// from a natural-language request to a final answer, an explained abort,
// or a resumable checkpoint. Each iteration reads the budgeted context
// view, calls the model, routes the returned tool calls through the
// confirmation gate and dispatcher in order, and folds every result back
// into the context.
//
// # Architecture
//
// The package is organized around these collaborators:
//
//   - Engine: the single-threaded orchestrator holding the loop state,
//     iteration cap, and compile-fix retry bound.
//   - contextbuf.Manager: the categorized context buffer with
//     summarize-first compression.
//   - permission.Gate: the persisted two-layer confirmation table.
//   - dispatch.Dispatcher: schema validation, argument normalization,
//     and per-call timeouts.
//   - EventEmitter: typed event stream for host application integration.
//   - editorpc.Conn: the optional editor channel, bridged through
//     Engine.EditorHandler.
//
// # Quick Start
//
//	client := llm.NewClient(llm.WithProvider("anthropic", adapter))
//	buffer, _ := contextbuf.NewManager(contextbuf.DefaultConfig(200000), accountant, summarizer)
//	gate, _ := permission.NewGate(permission.NewFileStore(".tiller/permissions.json"))
//
//	registry := dispatch.NewRegistry()
//	toolkit.RegisterCoreTools(registry, toolkit.NewLocalEnvironment(projectDir), toolkit.DefaultToolConfig())
//
//	eng, _ := engine.New(client, buffer, gate, dispatch.NewDispatcher(registry), confirmer, engine.DefaultConfig())
//	outcome := eng.Run(ctx, "Fix the failing build in pkg/parser")
package engine
