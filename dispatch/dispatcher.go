package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Call is one tool invocation extracted from a model response.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is a successful dispatch outcome. Warnings carry non-fatal
// normalization notes.
type Result struct {
	Output   string   `json:"output"`
	Warnings []string `json:"warnings,omitempty"`
}

// Dispatcher validates calls against their tool's declared schema and
// forwards them with a per-call timeout.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-call deadline. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// NewDispatcher creates a Dispatcher over a registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch validates and executes one call. Failures are always returned as
// *ToolError so the caller can fold them back as model feedback.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*Result, *ToolError) {
	tool := d.registry.Get(call.Name)
	if tool == nil {
		return nil, invalidArgs(call.Name, "unknown tool",
			fmt.Sprintf("available tools: %s", strings.Join(sortedNames(d.registry), ", ")))
	}

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return nil, invalidArgs(call.Name, "arguments are not a JSON object",
			"send arguments as a JSON object matching the tool's parameter schema")
	}

	normalized, warnings, terr := normalizeArguments(tool, args)
	if terr != nil {
		return nil, terr
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, execErr := tool.Execute(ctx, normalized)
		done <- outcome{output, execErr}
	}()

	select {
	case <-ctx.Done():
		return nil, d.contextError(call.Name, ctx.Err())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
				return nil, d.contextError(call.Name, out.err)
			}
			return nil, &ToolError{
				Kind:  ExecutionFailed,
				Tool:  call.Name,
				Msg:   out.err.Error(),
				Cause: out.err,
			}
		}
		return &Result{Output: out.output, Warnings: warnings}, nil
	}
}

// contextError distinguishes the dispatcher's own deadline from cancellation
// by the caller. Only the former is a Timeout.
func (d *Dispatcher) contextError(tool string, err error) *ToolError {
	if errors.Is(err, context.Canceled) {
		return &ToolError{
			Kind:  ExecutionFailed,
			Tool:  tool,
			Msg:   "call cancelled",
			Cause: err,
		}
	}
	return &ToolError{
		Kind: Timeout,
		Tool: tool,
		Msg:  fmt.Sprintf("call exceeded %s", d.timeout),
	}
}

func sortedNames(r *Registry) []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

// normalizeArguments reconciles supplied arguments with the tool's schema.
// Recognized, unambiguous deviations (argument-name synonyms, string-encoded
// scalars) are normalized with a warning; anything irreconcilable yields an
// InvalidArguments error with a correction hint.
func normalizeArguments(tool *Tool, args map[string]interface{}) (map[string]interface{}, []string, *ToolError) {
	props := schemaProperties(tool.Parameters)
	required := schemaRequired(tool.Parameters)

	normalized := make(map[string]interface{}, len(args))
	var warnings []string

	for name, value := range args {
		target := name
		if _, known := props[name]; !known {
			match, ok := resolveSynonym(name, props, args)
			if !ok {
				return nil, nil, invalidArgs(tool.Name,
					fmt.Sprintf("unrecognized argument %q", name),
					fmt.Sprintf("expected parameters: %s", strings.Join(propertyNames(props), ", ")))
			}
			target = match
			warnings = append(warnings, fmt.Sprintf("argument %q interpreted as %q", name, target))
		}

		coerced, warn, ok := coerceType(value, propType(props, target))
		if !ok {
			return nil, nil, invalidArgs(tool.Name,
				fmt.Sprintf("argument %q has the wrong type", target),
				fmt.Sprintf("parameter %q expects type %s", target, propType(props, target)))
		}
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("argument %q: %s", target, warn))
		}
		normalized[target] = coerced
	}

	for _, req := range required {
		if _, ok := normalized[req]; !ok {
			return nil, nil, invalidArgs(tool.Name,
				fmt.Sprintf("missing required argument %q", req),
				fmt.Sprintf("provide the %q parameter", req))
		}
	}

	return normalized, warnings, nil
}

// resolveSynonym matches an unknown argument name to exactly one schema
// property, ignoring case, underscores, and dashes. Ambiguous or absent
// matches fail.
func resolveSynonym(name string, props map[string]interface{}, supplied map[string]interface{}) (string, bool) {
	canon := canonicalName(name)
	var match string
	for prop := range props {
		if _, already := supplied[prop]; already {
			continue
		}
		if canonicalName(prop) == canon {
			if match != "" {
				return "", false
			}
			match = prop
		}
	}
	return match, match != ""
}

func canonicalName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// coerceType checks a value against a schema type, converting recognized
// string encodings. Returns the value, an optional normalization note, and
// whether the value is acceptable.
func coerceType(value interface{}, schemaType string) (interface{}, string, bool) {
	if schemaType == "" {
		return value, "", true
	}
	switch schemaType {
	case "string":
		switch v := value.(type) {
		case string:
			return v, "", true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), "number converted to string", true
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, "", true
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, "string converted to boolean", true
			}
		}
	case "integer", "number":
		switch v := value.(type) {
		case float64:
			return v, "", true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, "string converted to number", true
			}
		}
	case "object":
		if _, ok := value.(map[string]interface{}); ok {
			return value, "", true
		}
	case "array":
		if _, ok := value.([]interface{}); ok {
			return value, "", true
		}
	}
	return nil, "", false
}

func schemaProperties(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	props, _ := schema["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	return props
}

func schemaRequired(schema map[string]interface{}) []string {
	if schema == nil {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func propType(props map[string]interface{}, name string) string {
	prop, _ := props[name].(map[string]interface{})
	if prop == nil {
		return ""
	}
	t, _ := prop["type"].(string)
	return t
}

func propertyNames(props map[string]interface{}) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
