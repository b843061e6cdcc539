package llm

import (
	"context"
	"fmt"
	"sync"
)

// ProviderAdapter is the interface every provider backend implements.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// Client routes requests to registered provider adapters and applies a
// bounded retry policy to retryable failures.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	policy          RetryPolicy
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = policy
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
		policy:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, MalformedResponse("", "no provider specified and no default configured", nil)
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, MalformedResponse(name, fmt.Sprintf("provider %q is not registered", name), nil)
	}
	return adapter, nil
}

// Complete sends a request to the resolved provider. Retryable failures are
// retried per the client's policy; the response is validated before return.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	resp, err := Retry(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		return adapter.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if resp == nil || (resp.Message.Content == "" && len(resp.Message.ToolCalls) == 0) {
		return nil, MalformedResponse(adapter.Name(), "response carries neither text nor tool calls", nil)
	}
	return resp, nil
}

// Close releases resources held by registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
