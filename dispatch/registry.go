// Package dispatch validates, normalizes, and forwards tool calls to their
// collaborators, returning structured results or structured failures.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seamwork/tiller/llm"
)

// Executor runs a tool against validated arguments.
type Executor func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool pairs a declared schema with its executor and the metadata the
// confirmation gate needs.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object: {"type":"object","properties":
	// {...},"required":[...]}.
	Parameters map[string]interface{}
	// Mutating reports whether the tool changes project state. Used for
	// default-confirm behavior on unknown scopes.
	Mutating bool
	// ShellStyle marks tools whose permission scope includes the command
	// signature of their "command" argument.
	ShellStyle bool
	// Dangerous flags argument combinations that must always be confirmed.
	Dangerous func(args map[string]interface{}) bool
	Execute   Executor
}

// Registry manages tool registration and lookup.
type Registry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &tool
}

// Get returns a registered tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool schema in the form sent to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return defs
}

// ParseArguments unmarshals raw call arguments into a map.
func ParseArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// StringArg extracts a string argument.
func StringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg extracts an integer argument.
func IntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
