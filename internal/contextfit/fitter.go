// Package contextfit trims conversations to a token budget while
// preserving pinned messages.
package contextfit

import (
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/token"
	"github.com/amerfu/tokenshield/pkg/chat"
)

// Tokens reserved for the chat reply priming.
const chatPrimingTokens = 3

// Summary messages embed the first summaryPrefixChars characters of
// each evicted message.
const summaryPrefixChars = 100

// Config controls fitter behavior.
type Config struct {
	MaxInputTokens   int
	ReserveForOutput int
	Summarize        bool
	Counter          *token.Counter
	Logger           *zap.Logger
}

// Result reports the trimmed conversation and what was removed.
type Result struct {
	Messages       []chat.Message
	OriginalTokens int
	TrimmedTokens  int
	EvictedCount   int
	EvictedTokens  int
	SummaryAdded   bool
}

// Fitter applies token-budget-aware message trimming.
type Fitter struct {
	cfg     Config
	counter *token.Counter
	logger  *zap.Logger
}

// New builds a fitter. Counter is required; a nil logger is replaced
// with a no-op one.
func New(cfg Config) *Fitter {
	if cfg.Counter == nil {
		cfg.Counter = token.NewCounter("")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Fitter{cfg: cfg, counter: cfg.Counter, logger: cfg.Logger}
}

func pinned(m chat.Message) bool {
	return m.Role == chat.RoleSystem || m.Pinned
}

// Fit trims messages so that pinned messages plus the newest unpinned
// messages fit within MaxInputTokens - ReserveForOutput. Pinned
// messages are never evicted. Output order is pinned messages in
// their original order, then kept messages in their original order.
func (f *Fitter) Fit(messages []chat.Message) Result {
	counts := make([]int, len(messages))
	original := chatPrimingTokens
	pinnedTokens := 0
	for i, m := range messages {
		counts[i] = f.counter.CountMessage(m)
		original += counts[i]
		if pinned(m) {
			pinnedTokens += counts[i]
		}
	}

	remaining := f.cfg.MaxInputTokens - f.cfg.ReserveForOutput - pinnedTokens - chatPrimingTokens

	// Walk unpinned messages newest to oldest, keeping what fits.
	keep := make([]bool, len(messages))
	evictedCount := 0
	evictedTokens := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if pinned(messages[i]) {
			keep[i] = true
			continue
		}
		if counts[i] <= remaining {
			keep[i] = true
			remaining -= counts[i]
		} else {
			evictedCount++
			evictedTokens += counts[i]
		}
	}

	var out []chat.Message
	for _, m := range messages {
		if pinned(m) {
			out = append(out, m)
		}
	}

	summaryAdded := false
	if evictedCount > 0 && f.cfg.Summarize {
		summary := f.summarize(messages, keep)
		if n := f.counter.CountMessage(summary); n <= remaining {
			out = append(out, summary)
			remaining -= n
			summaryAdded = true
		}
	}

	for i, m := range messages {
		if !pinned(m) && keep[i] {
			out = append(out, m)
		}
	}

	trimmed := chatPrimingTokens
	for _, m := range out {
		trimmed += f.counter.CountMessage(m)
	}

	if evictedCount > 0 {
		f.logger.Debug("context trimmed",
			zap.Int("evicted", evictedCount),
			zap.Int("evicted_tokens", evictedTokens),
			zap.Int("original_tokens", original),
			zap.Int("trimmed_tokens", trimmed))
	}

	return Result{
		Messages:       out,
		OriginalTokens: original,
		TrimmedTokens:  trimmed,
		EvictedCount:   evictedCount,
		EvictedTokens:  evictedTokens,
		SummaryAdded:   summaryAdded,
	}
}

// summarize folds the head of each evicted message into one pinned
// summary message.
func (f *Fitter) summarize(messages []chat.Message, keep []bool) chat.Message {
	var sb strings.Builder
	sb.WriteString("Previous conversation summary: ")
	first := true
	for i, m := range messages {
		if pinned(m) || keep[i] {
			continue
		}
		if !first {
			sb.WriteString(" | ")
		}
		first = false
		content := m.Content
		if runes := []rune(content); len(runes) > summaryPrefixChars {
			content = string(runes[:summaryPrefixChars])
		}
		sb.WriteString(content)
	}
	return chat.Message{Role: chat.RoleSystem, Content: sb.String(), Pinned: true}
}
