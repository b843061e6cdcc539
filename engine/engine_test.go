package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seamwork/tiller/contextbuf"
	"github.com/seamwork/tiller/dispatch"
	"github.com/seamwork/tiller/llm"
	"github.com/seamwork/tiller/permission"
)

// scriptedAdapter replays a fixed sequence of responses or errors. When the
// script runs out it repeats the final entry.
type scriptedAdapter struct {
	script []scriptStep
	calls  int
}

type scriptStep struct {
	resp *llm.Response
	err  error
}

func (a *scriptedAdapter) Name() string { return "mock" }

func (a *scriptedAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := a.calls
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	a.calls++
	step := a.script[i]
	return step.resp, step.err
}

func textStep(text string) scriptStep {
	return scriptStep{resp: &llm.Response{Message: llm.AssistantMessage(text)}}
}

func toolStep(calls ...llm.ToolCall) scriptStep {
	return scriptStep{resp: &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}}
}

func errStep(err error) scriptStep { return scriptStep{err: err} }

func toolCall(name string, args map[string]interface{}) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: "call", Name: name, Arguments: raw}
}

// stubCounter keeps token math trivial for engine tests.
type stubCounter struct{}

func (stubCounter) CountText(text string) int { return len(text) / 4 }

// queueConfirmer replays decisions and counts prompts.
type queueConfirmer struct {
	decisions []permission.Decision
	prompts   int
}

func (c *queueConfirmer) Confirm(ctx context.Context, req ConfirmationRequest) (permission.Decision, error) {
	c.prompts++
	if len(c.decisions) == 0 {
		return permission.AllowOnce, nil
	}
	d := c.decisions[0]
	if len(c.decisions) > 1 {
		c.decisions = c.decisions[1:]
	}
	return d, nil
}

type fixture struct {
	engine    *Engine
	adapter   *scriptedAdapter
	confirmer *queueConfirmer
	gate      *permission.Gate
	registry  *dispatch.Registry
}

func fastClient(adapter llm.ProviderAdapter) *llm.Client {
	return llm.NewClient(
		llm.WithProvider("mock", adapter),
		llm.WithDefaultProvider("mock"),
		llm.WithRetryPolicy(llm.RetryPolicy{MaxRetries: 1, BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}),
	)
}

func newFixture(t *testing.T, script []scriptStep, tools ...dispatch.Tool) *fixture {
	t.Helper()
	adapter := &scriptedAdapter{script: script}

	buffer, err := contextbuf.NewManager(contextbuf.DefaultConfig(1_000_000), stubCounter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := permission.NewGate(permission.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}

	registry := dispatch.NewRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}

	confirmer := &queueConfirmer{}
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")

	eng, err := New(fastClient(adapter), buffer, gate, dispatch.NewDispatcher(registry), confirmer, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{engine: eng, adapter: adapter, confirmer: confirmer, gate: gate, registry: registry}
}

func noteTool(name string, executed *int) dispatch.Tool {
	return dispatch.Tool{
		Name:        name,
		Description: "test tool",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"note": map[string]interface{}{"type": "string"}},
		},
		Mutating: true,
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			*executed++
			note, _ := dispatch.StringArg(args, "note")
			return "noted: " + note, nil
		},
	}
}

func TestRunCompletesOnPlainText(t *testing.T) {
	f := newFixture(t, []scriptStep{textStep("all done")})
	outcome := f.engine.Run(context.Background(), "say hi")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", outcome)
	}
	if outcome.Summary != "all done" {
		t.Errorf("summary = %q", outcome.Summary)
	}
	if f.adapter.calls != 1 {
		t.Errorf("adapter called %d times, want 1", f.adapter.calls)
	}
}

func TestRunExecutesToolThenCompletes(t *testing.T) {
	executed := 0
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("jot", map[string]interface{}{"note": "x"})),
		textStep("done"),
	}, noteTool("jot", &executed))
	f.confirmer.decisions = []permission.Decision{permission.AllowOnce}

	outcome := f.engine.Run(context.Background(), "jot something")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", outcome)
	}
	if executed != 1 {
		t.Errorf("tool executed %d times, want 1", executed)
	}
	if f.confirmer.prompts != 1 {
		t.Errorf("prompts = %d, want 1 (first use)", f.confirmer.prompts)
	}
}

// Five sequential calls on the same tool with allow_always granted at the
// first prompt: calls 2-5 must not prompt again.
func TestAllowAlwaysSuppressesLaterPrompts(t *testing.T) {
	executed := 0
	calls := make([]llm.ToolCall, 5)
	for i := range calls {
		calls[i] = toolCall("edit_note", map[string]interface{}{"note": fmt.Sprintf("%d", i)})
	}
	f := newFixture(t, []scriptStep{
		toolStep(calls...),
		textStep("done"),
	}, noteTool("edit_note", &executed))
	f.confirmer.decisions = []permission.Decision{permission.AllowAlways}

	outcome := f.engine.Run(context.Background(), "edit five times")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", outcome)
	}
	if executed != 5 {
		t.Errorf("tool executed %d times, want 5", executed)
	}
	if f.confirmer.prompts != 1 {
		t.Errorf("prompts = %d, want exactly 1", f.confirmer.prompts)
	}
}

func TestDeniedScopeSkipsCallButContinues(t *testing.T) {
	executed := 0
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("jot", map[string]interface{}{"note": "x"})),
		textStep("worked around it"),
	}, noteTool("jot", &executed))
	if err := f.gate.RecordDecision("jot", permission.Deny); err != nil {
		t.Fatal(err)
	}

	outcome := f.engine.Run(context.Background(), "try the denied tool")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("denial must not abort the task, got %+v", outcome)
	}
	if executed != 0 {
		t.Errorf("denied tool executed %d times", executed)
	}
	if f.confirmer.prompts != 0 {
		t.Errorf("persisted deny must reject without prompting, prompts = %d", f.confirmer.prompts)
	}
}

func TestDangerousCallPromptsDespiteAllowAlways(t *testing.T) {
	executed := 0
	tool := noteTool("shredder", &executed)
	tool.Dangerous = func(args map[string]interface{}) bool { return true }

	f := newFixture(t, []scriptStep{
		toolStep(toolCall("shredder", map[string]interface{}{"note": "x"})),
		textStep("done"),
	}, tool)
	if err := f.gate.RecordDecision("shredder", permission.AllowAlways); err != nil {
		t.Fatal(err)
	}
	f.confirmer.decisions = []permission.Decision{permission.AllowOnce}

	outcome := f.engine.Run(context.Background(), "dangerous op")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", outcome)
	}
	if f.confirmer.prompts != 1 {
		t.Errorf("dangerous call must prompt despite allow_always, prompts = %d", f.confirmer.prompts)
	}
	if executed != 1 {
		t.Errorf("confirmed dangerous call should still run, executed = %d", executed)
	}
}

func TestIterationLimitAborts(t *testing.T) {
	executed := 0
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("jot", map[string]interface{}{"note": "again"})),
	}, noteTool("jot", &executed))
	f.confirmer.decisions = []permission.Decision{permission.AllowAlways}

	outcome := f.engine.Run(context.Background(), "never finish")
	if outcome.Kind != OutcomeAborted {
		t.Fatalf("expected abort, got %+v", outcome)
	}
	if !strings.Contains(outcome.Reason, "iteration limit") {
		t.Errorf("reason = %q", outcome.Reason)
	}
	if f.adapter.calls != 20 {
		t.Errorf("model called %d times, want the 20-iteration cap", f.adapter.calls)
	}
}

func TestBackendUnavailableAborts(t *testing.T) {
	f := newFixture(t, []scriptStep{
		errStep(llm.Unavailable("mock", "connection refused", nil)),
	})
	outcome := f.engine.Run(context.Background(), "anything")
	if outcome.Kind != OutcomeAborted {
		t.Fatalf("expected abort, got %+v", outcome)
	}
	if !strings.Contains(outcome.Reason, "backend") {
		t.Errorf("reason should name the backend failure, got %q", outcome.Reason)
	}
	// Initial attempt plus one bounded retry.
	if f.adapter.calls != 2 {
		t.Errorf("adapter calls = %d, want 2", f.adapter.calls)
	}
}

func TestMalformedResponseRepromptsOnce(t *testing.T) {
	f := newFixture(t, []scriptStep{
		errStep(llm.MalformedResponse("mock", "garbled", nil)),
		textStep("recovered"),
	})
	outcome := f.engine.Run(context.Background(), "anything")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected recovery after one reprompt, got %+v", outcome)
	}
	if outcome.Summary != "recovered" {
		t.Errorf("summary = %q", outcome.Summary)
	}
}

func TestRepeatedMalformedResponseAborts(t *testing.T) {
	f := newFixture(t, []scriptStep{
		errStep(llm.MalformedResponse("mock", "garbled", nil)),
		errStep(llm.MalformedResponse("mock", "garbled again", nil)),
	})
	outcome := f.engine.Run(context.Background(), "anything")
	if outcome.Kind != OutcomeAborted {
		t.Fatalf("expected abort on repeated malformed responses, got %+v", outcome)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	f := newFixture(t, []scriptStep{textStep("never reached")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := f.engine.Run(ctx, "anything")
	if outcome.Kind != OutcomeAborted || !strings.Contains(outcome.Reason, "cancelled") {
		t.Fatalf("expected cancellation abort, got %+v", outcome)
	}
	if f.adapter.calls != 0 {
		t.Errorf("no iteration should start after cancellation, calls = %d", f.adapter.calls)
	}
}

func TestInvalidArgumentsFeedBackWithoutAborting(t *testing.T) {
	executed := 0
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("jot", map[string]interface{}{"bogus_arg": 1})),
		textStep("adjusted"),
	}, noteTool("jot", &executed))
	f.confirmer.decisions = []permission.Decision{permission.AllowOnce}

	outcome := f.engine.Run(context.Background(), "bad args")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("invalid arguments must not abort, got %+v", outcome)
	}
	if executed != 0 {
		t.Errorf("tool with invalid args executed %d times", executed)
	}
	// The correction hint must land in the context for the next iteration.
	var found bool
	for _, frag := range f.engine.Buffer().View() {
		if strings.Contains(frag.Content, "bogus_arg") {
			found = true
		}
	}
	if !found {
		t.Error("expected invalid-argument feedback in recent_messages")
	}
}

// failNTimesBuildTool reports exit code 1 with diagnostics for the first n
// runs, then exit code 0.
func failNTimesBuildTool(n int, runs *int) dispatch.Tool {
	return dispatch.Tool{
		Name:        "build",
		Description: "run the project build",
		Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Mutating:    true,
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			*runs++
			if *runs <= n {
				return "main.c:10:5: error: expected ';' before 'return'\nexit code: 1", nil
			}
			return "exit code: 0", nil
		},
	}
}

func TestBuildFixRetriesThenSucceeds(t *testing.T) {
	builds, edits := 0, 0
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("build", nil)),
		toolStep(toolCall("edit_note", map[string]interface{}{"note": "fix"})),
		textStep("fixed and built"),
	}, failNTimesBuildTool(1, &builds), noteTool("edit_note", &edits))
	f.confirmer.decisions = []permission.Decision{permission.AllowAlways}

	outcome := f.engine.Run(context.Background(), "build the project")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completion after one fix, got %+v", outcome)
	}
	if builds != 2 {
		t.Errorf("build ran %d times, want 2", builds)
	}
	if edits != 1 {
		t.Errorf("fix edit ran %d times, want 1", edits)
	}
}

func TestBuildFixExhaustionCheckpoints(t *testing.T) {
	builds, edits := 0, 0
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("build", nil)),
		toolStep(toolCall("edit_note", map[string]interface{}{"note": "attempted fix"})),
	}, failNTimesBuildTool(100, &builds), noteTool("edit_note", &edits))
	f.confirmer.decisions = []permission.Decision{permission.AllowAlways}

	outcome := f.engine.Run(context.Background(), "build the project")
	if outcome.Kind != OutcomeCheckpointed {
		t.Fatalf("expected checkpointed failure, got %+v", outcome)
	}
	if builds != 3 {
		t.Errorf("build ran %d times, the bound is 3", builds)
	}
	if outcome.CheckpointPath == "" {
		t.Fatal("checkpoint path missing")
	}

	cp, err := LoadCheckpoint(outcome.CheckpointPath)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Retry == nil || cp.Retry.Attempt != 3 || cp.Retry.MaxAttempts != 3 {
		t.Errorf("retry state not preserved: %+v", cp.Retry)
	}
	if cp.Retry.LastError == nil || len(cp.Retry.LastError.Diagnostics) == 0 {
		t.Error("last error diagnostics not preserved")
	}
	if len(cp.Context) == 0 {
		t.Error("context snapshot missing from checkpoint")
	}

	// The snapshot must restore into a fresh buffer losslessly.
	restored, err := contextbuf.NewManager(contextbuf.DefaultConfig(1_000_000), stubCounter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.RestoreSnapshot(cp.Context); err != nil {
		t.Fatalf("checkpoint does not round-trip: %v", err)
	}
}

// fakeWorkspace serves file contents and a canned project tree.
type fakeWorkspace struct {
	files map[string]string
	tree  string
}

func (w *fakeWorkspace) ReadFile(path string) (string, error) {
	content, ok := w.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (w *fakeWorkspace) StructureSnapshot() (string, error) { return w.tree, nil }

func readTool(ws *fakeWorkspace) dispatch.Tool {
	return dispatch.Tool{
		Name:        "read_file",
		Description: "read a file",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"file_path": map[string]interface{}{"type": "string"}},
			"required":   []string{"file_path"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := dispatch.StringArg(args, "file_path")
			return ws.ReadFile(path)
		},
	}
}

// A run with a workspace attached must leave the file the model read in
// active_files and the project tree in project_structure.
func TestWorkspaceFeedsFileAndStructureContext(t *testing.T) {
	ws := &fakeWorkspace{
		files: map[string]string{"main.go": "package main\n\nfunc main() {}\n"},
		tree:  "main.go\ngo.mod\n",
	}
	adapter := &scriptedAdapter{script: []scriptStep{
		toolStep(toolCall("read_file", map[string]interface{}{"file_path": "main.go"})),
		textStep("done"),
	}}

	buffer, err := contextbuf.NewManager(contextbuf.DefaultConfig(1_000_000), stubCounter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := permission.NewGate(permission.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	registry := dispatch.NewRegistry()
	registry.Register(readTool(ws))

	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	eng, err := New(fastClient(adapter), buffer, gate, dispatch.NewDispatcher(registry), &queueConfirmer{}, cfg, WithWorkspace(ws))
	if err != nil {
		t.Fatal(err)
	}

	outcome := eng.Run(context.Background(), "inspect main.go")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", outcome)
	}
	if got := buffer.CategoryUsage(contextbuf.ProjectStructure); got == 0 {
		t.Error("project_structure should hold the tree snapshot")
	}
	if got := buffer.CategoryUsage(contextbuf.ActiveFiles); got == 0 {
		t.Error("active_files should hold the file the model read")
	}
	var activeContent string
	for _, frag := range buffer.View() {
		if frag.Category == contextbuf.ActiveFiles && frag.Key == "main.go" {
			activeContent = frag.Content
		}
	}
	if !strings.Contains(activeContent, "func main()") {
		t.Errorf("active_files fragment missing the file body: %q", activeContent)
	}
}

func TestCompactJSONRendersArguments(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "{}"},
		{"whitespace removed", "{\n  \"a\": 1\n}", `{"a":1}`},
		{"invalid passes through", "not json", "not json"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := compactJSON(json.RawMessage(c.in)); got != c.want {
				t.Errorf("compactJSON(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}

	long, _ := json.Marshal(map[string]string{"content": strings.Repeat("x", 500)})
	got := compactJSON(long)
	if !strings.HasSuffix(got, "...") || len(got) != 203 {
		t.Errorf("long arguments should be cut at 200 chars plus ellipsis, got len %d", len(got))
	}
}

func TestToolExecutionFailureIsFeedback(t *testing.T) {
	failing := dispatch.Tool{
		Name:       "flaky",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("collaborator exploded")
		},
	}
	f := newFixture(t, []scriptStep{
		toolStep(toolCall("flaky", nil)),
		textStep("moving on"),
	}, failing)
	f.confirmer.decisions = []permission.Decision{permission.AllowOnce}

	outcome := f.engine.Run(context.Background(), "try flaky")
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("tool failure must not abort, got %+v", outcome)
	}
}
