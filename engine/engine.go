// Package engine runs the agent loop: it reads the context view, calls the
// model backend, routes tool calls through the confirmation gate and
// dispatcher, and folds results back into the context until the task
// completes, aborts, or checkpoints.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seamwork/tiller/contextbuf"
	"github.com/seamwork/tiller/dispatch"
	"github.com/seamwork/tiller/llm"
	"github.com/seamwork/tiller/permission"
)

// OutcomeKind classifies how a task run ended.
type OutcomeKind string

const (
	// OutcomeCompleted: the model produced a final plain-text answer.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeAborted: the run stopped on a fatal condition or limit.
	OutcomeAborted OutcomeKind = "aborted"
	// OutcomeCheckpointed: the compile-fix loop exhausted its attempts and
	// the full session state was persisted for manual resumption.
	OutcomeCheckpointed OutcomeKind = "checkpointed_failure"
)

// Outcome is the result of one task run. Reason is always human-readable;
// raw stack traces never reach the front-end.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	Summary        string      `json:"summary,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	CheckpointPath string      `json:"checkpoint_path,omitempty"`
}

// ConfirmationRequest is what the front-end sees when a tool call needs an
// explicit decision.
type ConfirmationRequest struct {
	Tool      string                 `json:"tool"`
	Scope     string                 `json:"scope"`
	Dangerous bool                   `json:"dangerous"`
	Reason    string                 `json:"reason"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Confirmer obtains tool-call decisions from the external front-end.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (permission.Decision, error)
}

// Workspace gives the engine direct project access for context upkeep: file
// contents after file tools run, and a directory tree at task start.
// Implemented by toolkit.LocalEnvironment.
type Workspace interface {
	ReadFile(path string) (string, error)
	StructureSnapshot() (string, error)
}

// Config tunes one engine instance.
type Config struct {
	Model    string
	Provider string
	// MaxIterations is the hard cap on loop iterations.
	MaxIterations int
	// BuildMaxAttempts bounds the compile-fix loop, counting build runs.
	BuildMaxAttempts int
	// BuildToolName is the registered tool whose failures start the
	// compile-fix loop.
	BuildToolName string
	CheckpointDir string
	Temperature   float64
	MaxTokens     int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    20,
		BuildMaxAttempts: 3,
		BuildToolName:    "build",
		CheckpointDir:    ".tiller/checkpoints",
		Temperature:      0.2,
		MaxTokens:        8192,
	}
}

// Engine owns the per-task state and collaborator handles. It is
// single-threaded: one Run at a time per Engine.
type Engine struct {
	client     *llm.Client
	buffer     *contextbuf.Manager
	gate       *permission.Gate
	dispatcher *dispatch.Dispatcher
	confirmer  Confirmer
	workspace  Workspace
	emitter    *EventEmitter
	cfg        Config
	taskID     string
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithWorkspace attaches the project workspace the engine uses to keep the
// active_files and project_structure categories populated.
func WithWorkspace(ws Workspace) Option {
	return func(e *Engine) { e.workspace = ws }
}

// New wires an Engine from its collaborators.
func New(client *llm.Client, buffer *contextbuf.Manager, gate *permission.Gate, dispatcher *dispatch.Dispatcher, confirmer Confirmer, cfg Config, opts ...Option) (*Engine, error) {
	if client == nil || buffer == nil || gate == nil || dispatcher == nil {
		return nil, errors.New("engine: client, buffer, gate, and dispatcher are required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.BuildMaxAttempts <= 0 {
		cfg.BuildMaxAttempts = DefaultConfig().BuildMaxAttempts
	}
	if cfg.BuildToolName == "" {
		cfg.BuildToolName = DefaultConfig().BuildToolName
	}
	taskID := uuid.NewString()
	e := &Engine{
		client:     client,
		buffer:     buffer,
		gate:       gate,
		dispatcher: dispatcher,
		confirmer:  confirmer,
		emitter:    NewEventEmitter(taskID, 256),
		cfg:        cfg,
		taskID:     taskID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Events exposes the engine's event stream for the host application.
func (e *Engine) Events() <-chan Event { return e.emitter.Events() }

// Buffer returns the engine's context manager, shared with the editor
// listener under the manager's own lock.
func (e *Engine) Buffer() *contextbuf.Manager { return e.buffer }

// Run executes one task to an Outcome. Cancellation lets the in-flight
// model or tool call complete; no further iterations are scheduled.
func (e *Engine) Run(ctx context.Context, task string) Outcome {
	e.emitter.Emit(EventTaskStart, map[string]interface{}{"task": task})
	outcome := e.run(ctx, task)
	e.emitter.Emit(EventTaskEnd, map[string]interface{}{
		"kind":   string(outcome.Kind),
		"reason": outcome.Reason,
	})
	e.emitter.Close()
	return outcome
}

func (e *Engine) run(ctx context.Context, task string) Outcome {
	e.recordProjectStructure()
	e.buffer.Record(contextbuf.RecentMessages, "User: "+task)

	reprompted := false
	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeAborted, Reason: "task cancelled"}
		}
		e.emitter.Emit(EventIterationStart, map[string]interface{}{"iteration": iteration})

		e.compress(ctx)

		resp, err := e.client.Complete(ctx, e.buildRequest())
		if err != nil {
			if llm.Kind(err) == llm.ErrMalformedResponse && !reprompted {
				reprompted = true
				e.buffer.Record(contextbuf.RecentMessages,
					"System: the previous response was malformed; reply again with plain text or valid tool calls.")
				continue
			}
			return Outcome{Kind: OutcomeAborted, Reason: fmt.Sprintf("model backend failure: %v", err)}
		}
		reprompted = false

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			text := resp.Text()
			e.buffer.Record(contextbuf.RecentMessages, "Assistant: "+text)
			e.emitter.Emit(EventModelResponse, map[string]interface{}{"final": true})
			return Outcome{Kind: OutcomeCompleted, Summary: text}
		}
		e.emitter.Emit(EventModelResponse, map[string]interface{}{"tool_calls": len(calls)})

		// Tool calls run sequentially in the order the model returned them;
		// later calls may depend on earlier side effects.
		for _, tc := range calls {
			call := dispatch.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			e.buffer.Record(contextbuf.RecentMessages,
				fmt.Sprintf("Assistant: calling %s(%s)", call.Name, compactJSON(call.Arguments)))
			if fatal := e.processToolCall(ctx, call, true); fatal != nil {
				return *fatal
			}
		}
	}
	return Outcome{Kind: OutcomeAborted, Reason: "iteration limit"}
}

// compress runs at most one compression pass and reports the result.
// A summarizer failure is a logged degradation, never fatal.
func (e *Engine) compress(ctx context.Context) {
	event, err := e.buffer.MaybeCompress(ctx)
	if event != nil {
		e.emitter.Emit(EventCompression, map[string]interface{}{
			"before":    event.BeforeTokens,
			"after":     event.AfterTokens,
			"digests":   event.Digests,
			"truncated": event.Truncated,
		})
	}
	if err != nil {
		e.emitter.Emit(EventWarning, map[string]interface{}{"warning": err.Error()})
	}
}

// buildRequest renders the context view into the model request: the four
// background categories become the system prompt, recent_messages the
// conversation body.
func (e *Engine) buildRequest() llm.Request {
	var sys, conv strings.Builder
	sys.WriteString("You are a coding agent working inside a project. Use the available tools to complete the task; reply with plain text when done.\n")

	section := contextbuf.Category("")
	for _, frag := range e.buffer.View() {
		if frag.Category == contextbuf.RecentMessages {
			conv.WriteString(frag.Content)
			conv.WriteString("\n")
			continue
		}
		if frag.Category != section {
			section = frag.Category
			sys.WriteString("\n## ")
			sys.WriteString(string(section))
			sys.WriteString("\n")
		}
		sys.WriteString(frag.Content)
		sys.WriteString("\n")
	}

	req := llm.Request{
		Model:    e.cfg.Model,
		Provider: e.cfg.Provider,
		Messages: []llm.Message{
			llm.SystemMessage(sys.String()),
			llm.UserMessage(conv.String()),
		},
		ToolDefs: e.dispatcher.Registry().Definitions(),
	}
	temp := e.cfg.Temperature
	req.Temperature = &temp
	if e.cfg.MaxTokens > 0 {
		maxTokens := e.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return req
}

// processToolCall gates, dispatches, and folds one call. It returns a
// non-nil Outcome only for fatal conditions (checkpointed build failure).
// allowBuildFix guards against re-entering the compile-fix loop from
// within itself.
func (e *Engine) processToolCall(ctx context.Context, call dispatch.Call, allowBuildFix bool) *Outcome {
	args, _ := dispatch.ParseArguments(call.Arguments)

	pcall := permission.Call{Tool: call.Name}
	if tool := e.dispatcher.Registry().Get(call.Name); tool != nil {
		pcall.Mutating = tool.Mutating
		if tool.ShellStyle {
			pcall.ShellCommand, _ = dispatch.StringArg(args, "command")
		}
		if tool.Dangerous != nil {
			pcall.Dangerous = tool.Dangerous(args)
		}
	}

	verdict := e.gate.Evaluate(pcall)
	if verdict.Rejected {
		e.emitter.Emit(EventPermissionBlock, map[string]interface{}{"scope": verdict.Scope})
		e.foldError(&dispatch.ToolError{
			Kind: dispatch.PermissionDenied,
			Tool: call.Name,
			Msg:  fmt.Sprintf("scope %s is denied", verdict.Scope),
		})
		return nil
	}

	if verdict.NeedsConfirmation {
		decision, err := e.confirm(ctx, ConfirmationRequest{
			Tool:      call.Name,
			Scope:     verdict.Scope,
			Dangerous: pcall.Dangerous,
			Reason:    verdict.Reason,
			Arguments: args,
		})
		if err != nil {
			e.foldError(&dispatch.ToolError{
				Kind: dispatch.PermissionDenied,
				Tool: call.Name,
				Msg:  fmt.Sprintf("no confirmation decision for %s: %v", verdict.Scope, err),
			})
			return nil
		}
		if decision == permission.Deny {
			if rerr := e.gate.RecordDecision(verdict.Scope, permission.Deny); rerr != nil {
				e.emitter.Emit(EventWarning, map[string]interface{}{"warning": rerr.Error()})
			}
			e.foldError(&dispatch.ToolError{
				Kind: dispatch.PermissionDenied,
				Tool: call.Name,
				Msg:  fmt.Sprintf("the user declined %s", verdict.Scope),
			})
			return nil
		}
		if decision == permission.AllowAlways {
			if rerr := e.gate.RecordDecision(verdict.Scope, permission.AllowAlways); rerr != nil {
				e.emitter.Emit(EventWarning, map[string]interface{}{"warning": rerr.Error()})
			}
		}
	}

	e.emitter.Emit(EventToolCallStart, map[string]interface{}{"tool": call.Name})
	result, terr := e.dispatcher.Dispatch(ctx, call)
	if terr != nil {
		e.emitter.Emit(EventToolCallEnd, map[string]interface{}{"tool": call.Name, "error": terr.Error()})
		e.foldError(terr)
		return nil
	}
	e.emitter.Emit(EventToolCallEnd, map[string]interface{}{"tool": call.Name})

	e.foldResult(call.Name, result)
	e.trackFileContext(call.Name, args)

	if allowBuildFix && call.Name == e.cfg.BuildToolName && buildExitCode(result.Output) != 0 {
		return e.runBuildFix(ctx, result.Output)
	}
	return nil
}

// recordProjectStructure snapshots the project tree into the
// project_structure category at task start. A snapshot failure degrades to a
// warning; the run proceeds without the tree.
func (e *Engine) recordProjectStructure() {
	if e.workspace == nil {
		return
	}
	tree, err := e.workspace.StructureSnapshot()
	if err != nil {
		e.emitter.Emit(EventWarning, map[string]interface{}{
			"warning": "project structure snapshot failed: " + err.Error(),
		})
		return
	}
	e.buffer.RecordKeyed(contextbuf.ProjectStructure, "tree", "Project structure:\n"+tree)
}

// fileContextTools are the tools whose file_path argument names a file the
// model is actively working on.
var fileContextTools = map[string]bool{
	"read_file":  true,
	"write_file": true,
	"edit_file":  true,
}

// trackFileContext mirrors a file touched by a file tool into active_files,
// keyed by path so a re-read replaces rather than duplicates, then demotes
// older entries when the category outgrows its share.
func (e *Engine) trackFileContext(tool string, args map[string]interface{}) {
	if e.workspace == nil || !fileContextTools[tool] {
		return
	}
	path, ok := dispatch.StringArg(args, "file_path")
	if !ok || path == "" {
		return
	}
	content, err := e.workspace.ReadFile(path)
	if err != nil {
		return
	}
	e.buffer.RecordKeyed(contextbuf.ActiveFiles, path, fmt.Sprintf("File %s:\n%s", path, content))
	e.buffer.RebalanceActiveFiles()
}

// confirm asks the front-end for a decision. A missing confirmer means
// every prompt is answered deny.
func (e *Engine) confirm(ctx context.Context, req ConfirmationRequest) (permission.Decision, error) {
	e.emitter.Emit(EventConfirmation, map[string]interface{}{
		"tool":      req.Tool,
		"scope":     req.Scope,
		"dangerous": req.Dangerous,
	})
	if e.confirmer == nil {
		return permission.Deny, nil
	}
	return e.confirmer.Confirm(ctx, req)
}

func (e *Engine) foldResult(tool string, result *dispatch.Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool %s: %s", tool, result.Output)
	for _, w := range result.Warnings {
		b.WriteString("\n(note: ")
		b.WriteString(w)
		b.WriteString(")")
	}
	e.buffer.Record(contextbuf.RecentMessages, b.String())
}

func (e *Engine) foldError(terr *dispatch.ToolError) {
	e.buffer.Record(contextbuf.RecentMessages, "Tool feedback: "+terr.Feedback())
}

// runBuildFix drives the bounded compile-fix loop after a failing build.
// It returns nil when a rebuild succeeds, an Outcome when attempts are
// exhausted or the backend fails.
func (e *Engine) runBuildFix(ctx context.Context, buildOutput string) *Outcome {
	rs := RetryState{
		Attempt:     1,
		MaxAttempts: e.cfg.BuildMaxAttempts,
		LastError:   &ErrorSummary{Raw: buildOutput, Diagnostics: ParseDiagnostics(buildOutput)},
	}
	e.emitter.Emit(EventBuildAttempt, map[string]interface{}{"attempt": rs.Attempt, "ok": false})

	for !rs.Exhausted() {
		if ctx.Err() != nil {
			return &Outcome{Kind: OutcomeAborted, Reason: "task cancelled"}
		}

		e.buffer.Record(contextbuf.RecentMessages, "System: "+fixPrompt(rs.LastError, rs.Attempt, rs.MaxAttempts))
		resp, err := e.client.Complete(ctx, e.buildRequest())
		if err != nil {
			return &Outcome{Kind: OutcomeAborted, Reason: fmt.Sprintf("model backend failure during compile-fix: %v", err)}
		}

		for _, tc := range resp.ToolCalls() {
			if tc.Name == e.cfg.BuildToolName {
				// The loop controls rebuilds itself.
				continue
			}
			call := dispatch.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			e.buffer.Record(contextbuf.RecentMessages,
				fmt.Sprintf("Assistant: calling %s(%s)", call.Name, compactJSON(call.Arguments)))
			if fatal := e.processToolCall(ctx, call, false); fatal != nil {
				return fatal
			}
		}

		rs.Attempt++
		result, terr := e.dispatcher.Dispatch(ctx, dispatch.Call{
			ID:        uuid.NewString(),
			Name:      e.cfg.BuildToolName,
			Arguments: json.RawMessage(`{}`),
		})
		if terr != nil {
			rs.LastError = &ErrorSummary{Raw: terr.Error()}
			e.foldError(terr)
			e.emitter.Emit(EventBuildAttempt, map[string]interface{}{"attempt": rs.Attempt, "ok": false})
			continue
		}
		e.foldResult(e.cfg.BuildToolName, result)
		if buildExitCode(result.Output) == 0 {
			e.emitter.Emit(EventBuildAttempt, map[string]interface{}{"attempt": rs.Attempt, "ok": true})
			return nil
		}
		rs.LastError = &ErrorSummary{Raw: result.Output, Diagnostics: ParseDiagnostics(result.Output)}
		e.emitter.Emit(EventBuildAttempt, map[string]interface{}{"attempt": rs.Attempt, "ok": false})
	}

	return e.checkpoint(rs)
}

// checkpoint persists the full session state and reports the failure.
func (e *Engine) checkpoint(rs RetryState) *Outcome {
	reason := fmt.Sprintf("build failed after %d attempts", rs.Attempt)
	snapshot, err := e.buffer.Snapshot()
	if err != nil {
		return &Outcome{Kind: OutcomeAborted, Reason: reason + "; checkpoint serialization failed"}
	}
	path, err := WriteCheckpoint(e.cfg.CheckpointDir, SessionCheckpoint{
		TaskID:    e.taskID,
		CreatedAt: time.Now(),
		Reason:    reason,
		Context:   snapshot,
		Retry:     &rs,
	})
	if err != nil {
		return &Outcome{Kind: OutcomeAborted, Reason: reason + "; checkpoint write failed"}
	}
	e.emitter.Emit(EventCheckpoint, map[string]interface{}{"path": path})
	return &Outcome{Kind: OutcomeCheckpointed, Reason: reason, CheckpointPath: path}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	const max = 200
	s := buf.String()
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
