package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/seamwork/tiller/contextbuf"
	"github.com/seamwork/tiller/llm"
)

// ModelSummarizer implements contextbuf.Summarizer over the model backend.
type ModelSummarizer struct {
	client   *llm.Client
	model    string
	provider string
}

// NewModelSummarizer creates a summarizer that asks the configured model
// for compression digests.
func NewModelSummarizer(client *llm.Client, model, provider string) *ModelSummarizer {
	return &ModelSummarizer{client: client, model: model, provider: provider}
}

// Summarize condenses a batch of context fragments into a digest. The
// response must be shorter than the input; the caller's budget accounting
// handles the rest.
func (s *ModelSummarizer) Summarize(ctx context.Context, fragments []contextbuf.Fragment) (string, error) {
	var b strings.Builder
	b.WriteString("Condense the following agent conversation excerpts into a compact digest. Preserve file paths, decisions, tool outcomes, and unresolved problems. Drop pleasantries and redundant detail.\n\n")
	for i, frag := range fragments {
		fmt.Fprintf(&b, "--- excerpt %d ---\n%s\n", i+1, frag.Content)
	}

	temperature := 0.0
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:    s.model,
		Provider: s.provider,
		Messages: []llm.Message{
			llm.SystemMessage("You summarize agent session history. Reply with the digest only."),
			llm.UserMessage(b.String()),
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	digest := strings.TrimSpace(resp.Text())
	if digest == "" {
		return "", fmt.Errorf("summarizer returned an empty digest")
	}
	return digest, nil
}
