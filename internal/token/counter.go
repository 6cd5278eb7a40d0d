// Package token provides tokenization-backed token counting with
// per-message chat overhead accounting.
//
// OpenAI models are counted bit-exactly through tiktoken. Other
// providers use the same encoding as a conservative estimate and
// report an approximate accuracy with a declared margin of error.
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/amerfu/tokenshield/internal/pricing"
	"github.com/amerfu/tokenshield/pkg/chat"
)

// Accuracy describes how trustworthy a count is for a provider.
type Accuracy string

const (
	AccuracyExact       Accuracy = "exact"
	AccuracyApproximate Accuracy = "approximate"
)

// Margins of error by provider when counting with cl100k_base.
var errorMargins = map[string]float64{
	pricing.ProviderAnthropic:  0.35,
	pricing.ProviderGoogle:     0.15,
	pricing.ProviderOpenSource: 0.15,
}

// Per-message serialization overhead for chat-format prompts plus the
// reply priming tokens, matching the OpenAI cookbook accounting.
const (
	perMessageOverhead = 4
	perNameOverhead    = 1
	chatPrimingTokens  = 3
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Counter counts tokens for a provider's models.
type Counter struct {
	provider string
}

// NewCounter returns a counter for the given provider; the empty
// string means provider-agnostic exact-encoding counting.
func NewCounter(provider string) *Counter {
	return &Counter{provider: provider}
}

// ForModel returns a counter for the provider that owns modelID.
func ForModel(modelID string) *Counter {
	return &Counter{provider: pricing.GuessProvider(modelID)}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateFast(text)
}

// Encode returns the BPE token ids for text.
func (c *Counter) Encode(text string) []int {
	if enc := getEncoding(); enc != nil {
		return enc.Encode(text, nil, nil)
	}
	return nil
}

// Decode reassembles text from token ids.
func (c *Counter) Decode(ids []int) string {
	if enc := getEncoding(); enc != nil {
		return enc.Decode(ids)
	}
	return ""
}

// Accuracy reports the count accuracy and margin of error for this
// counter's provider.
func (c *Counter) Accuracy() (Accuracy, float64) {
	if c.provider == "" || c.provider == pricing.ProviderOpenAI {
		return AccuracyExact, 0
	}
	if margin, ok := errorMargins[c.provider]; ok {
		return AccuracyApproximate, margin
	}
	return AccuracyApproximate, 0
}

// ChatCount is the result of counting a chat-format prompt.
type ChatCount struct {
	Total      int
	PerMessage []int
	Overhead   int
}

// CountChat counts a full chat prompt:
// total = sum(4 + tokens(role) + tokens(content) + name overhead) + 3.
func (c *Counter) CountChat(messages []chat.Message) ChatCount {
	out := ChatCount{PerMessage: make([]int, len(messages))}
	for i, m := range messages {
		n := perMessageOverhead + c.Count(string(m.Role)) + c.Count(m.Content)
		if m.Name != "" {
			n += perNameOverhead
		}
		out.PerMessage[i] = n
		out.Total += n
		out.Overhead += perMessageOverhead
	}
	out.Total += chatPrimingTokens
	out.Overhead += chatPrimingTokens
	return out
}

// CountMessage counts a single message including its chat overhead.
func (c *Counter) CountMessage(m chat.Message) int {
	n := perMessageOverhead + c.Count(string(m.Role)) + c.Count(m.Content)
	if m.Name != "" {
		n += perNameOverhead
	}
	return n
}

// estimateFast is the heuristic fallback when the encoding cannot be
// loaded: max(runes/4, word count), minimum 1 for non-empty text.
func estimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
