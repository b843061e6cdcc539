package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/seamwork/tiller/contextbuf"
	"github.com/seamwork/tiller/dispatch"
	"github.com/seamwork/tiller/editorpc"
)

// EditorHandler exposes the engine to the editor-integration channel. The
// returned handler runs on the channel's reader goroutine concurrently with
// the agent loop; the gate, buffer, and dispatcher protect themselves with
// their own coarse locks.
func (e *Engine) EditorHandler() editorpc.Handler {
	return func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case "tool_call":
			return e.editorToolCall(ctx, params)
		case "context_usage":
			return e.editorContextUsage(), nil
		case "permissions":
			return e.gate.Snapshot(), nil
		default:
			return nil, fmt.Errorf("unknown method %q", method)
		}
	}
}

type editorToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type editorToolResponse struct {
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// editorToolCall routes an editor-initiated call through the same gate and
// dispatcher as model-initiated calls. Failures come back as structured
// responses, never as dropped connections.
func (e *Engine) editorToolCall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req editorToolRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid tool_call params: %w", err)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("tool_call params missing tool name")
	}

	call := dispatch.Call{ID: uuid.NewString(), Name: req.Name, Arguments: req.Arguments}
	if fatal := e.processToolCall(ctx, call, false); fatal != nil {
		return editorToolResponse{Error: fatal.Reason}, nil
	}

	// processToolCall folded the result into recent_messages; echo the most
	// recent fragment back to the editor.
	view := e.buffer.View()
	if len(view) > 0 {
		return editorToolResponse{Output: view[len(view)-1].Content}, nil
	}
	return editorToolResponse{}, nil
}

func (e *Engine) editorContextUsage() map[string]interface{} {
	usage := map[string]interface{}{
		"total":  e.buffer.Usage(),
		"budget": e.buffer.Config().Budget,
	}
	for _, cat := range contextbuf.Categories() {
		usage[string(cat)] = e.buffer.CategoryUsage(cat)
	}
	return usage
}
