// Package tokencount measures text fragments in model-consumable units.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead is the fixed per-message cost added for the role and
// message framing, independent of content length.
const messageOverhead = 4

// fallbackCharsPerToken is the character-based estimate used when no
// tiktoken encoding is available (offline, unknown model).
const fallbackCharsPerToken = 3

// Accountant counts the size of text and message fragments. It is safe for
// concurrent use; the only state is a lazily resolved encoder.
type Accountant struct {
	encodingName string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewAccountant creates an Accountant for the given model. The encoder is
// resolved lazily on first use; if no encoding matches the model, counting
// falls back to a character-based estimate.
func NewAccountant(model string) *Accountant {
	return &Accountant{encodingName: model}
}

func (a *Accountant) encoder() *tiktoken.Tiktoken {
	a.once.Do(func() {
		if a.encodingName == "" {
			return
		}
		enc, err := tiktoken.EncodingForModel(a.encodingName)
		if err != nil {
			// Unknown model or no offline encoding; use the estimate.
			return
		}
		a.enc = enc
	})
	return a.enc
}

// CountText returns the token count of a raw text fragment.
func (a *Accountant) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := a.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / fallbackCharsPerToken
}

// CountMessage returns the token count of a single conversation message,
// including the fixed role/framing overhead.
func (a *Accountant) CountMessage(role, content string) int {
	_ = role
	return messageOverhead + a.CountText(content)
}

// CountAll sums the token counts of multiple text fragments.
func (a *Accountant) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += a.CountText(t)
	}
	return total
}
