package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter implements ProviderAdapter over a gollm.LLM instance.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter. If empty, gollm reads it
// from environment variables.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions appends extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates a GollmAdapter for the given provider.
func NewGollmAdapter(provider string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // the Client owns retry
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, llm: inner, model: model}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string { return a.provider }

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// translateRequest converts a Request into a gollm Prompt. gollm takes a
// single prompt string, so prior turns are serialized into the prompt body.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.Content + "\n"
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			prefix := "[Tool Result]"
			if msg.IsError {
				prefix = "[Tool Error]"
			}
			parts = append(parts, prefix+": "+msg.Content)
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// buildResponse constructs a Response from generated text, extracting any
// tool calls the model returned as embedded JSON.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	toolCalls := parseToolCalls(text)
	content := text
	if len(toolCalls) > 0 {
		content = stripToolCallJSON(text)
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	inTokens := 0
	for _, m := range req.Messages {
		inTokens += len(m.Content) / 4
	}
	outTokens := len(text) / 4

	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:      RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			TotalTokens:  inTokens + outTokens,
		},
	}
}

// parseToolCalls extracts tool calls embedded as JSON in the response text.
// Handles both a bare array of {"name","arguments"} objects and an object
// with a "tool_calls" key.
func parseToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	wrapped := false
	if start == -1 {
		start = strings.Index(text, `{"tool_calls"`)
		wrapped = start != -1
	}
	if start == -1 {
		return nil
	}

	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	remaining := text[start:]
	if wrapped {
		var envelope struct {
			ToolCalls []struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(remaining), &envelope); err != nil {
			return nil
		}
		raw = envelope.ToolCalls
	} else if err := json.Unmarshal([]byte(remaining), &raw); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

func stripToolCallJSON(text string) string {
	for _, pattern := range []string{`[{"name"`, `{"tool_calls"`} {
		if idx := strings.Index(text, pattern); idx != -1 {
			text = strings.TrimSpace(text[:idx])
		}
	}
	return text
}

// translateError classifies a gollm error into the BackendError taxonomy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "400"), strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "context length"), strings.Contains(msg, "too many tokens"):
		return MalformedResponse(a.provider, err.Error(), err)
	default:
		// Rate limits, server errors, network failures: retryable.
		return Unavailable(a.provider, err.Error(), err)
	}
}
