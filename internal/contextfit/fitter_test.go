package contextfit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/tokenshield/pkg/chat"
)

func TestFitter_NoTrimWhenFits(t *testing.T) {
	f := New(Config{MaxInputTokens: 10_000, ReserveForOutput: 500})
	messages := []chat.Message{
		{Role: chat.RoleSystem, Content: "You are terse."},
		{Role: chat.RoleUser, Content: "Hello."},
		{Role: chat.RoleAssistant, Content: "Hi."},
		{Role: chat.RoleUser, Content: "What time is it?"},
	}

	res := f.Fit(messages)
	assert.Zero(t, res.EvictedCount)
	assert.Zero(t, res.EvictedTokens)
	assert.Equal(t, messages, res.Messages)
	assert.Equal(t, res.OriginalTokens, res.TrimmedTokens)
}

func TestFitter_TrimsOldestFirst(t *testing.T) {
	f := New(Config{MaxInputTokens: 50, ReserveForOutput: 20})

	long := strings.Repeat("many words fill this message with tokens ", 3)
	messages := []chat.Message{
		{Role: chat.RoleSystem, Content: "Stay brief."},
		{Role: chat.RoleUser, Content: long},
		{Role: chat.RoleAssistant, Content: long},
		{Role: chat.RoleUser, Content: "Final question?"},
	}

	res := f.Fit(messages)
	require.Greater(t, res.EvictedCount, 0)

	t.Run("system message survives", func(t *testing.T) {
		assert.Equal(t, chat.RoleSystem, res.Messages[0].Role)
	})

	t.Run("newest message survives when it fits", func(t *testing.T) {
		last := res.Messages[len(res.Messages)-1]
		assert.Equal(t, "Final question?", last.Content)
	})

	t.Run("budget is honored", func(t *testing.T) {
		assert.LessOrEqual(t, res.TrimmedTokens, 50-20)
	})

	t.Run("token accounting is conserved", func(t *testing.T) {
		assert.Less(t, res.TrimmedTokens, res.OriginalTokens)
		assert.Greater(t, res.EvictedTokens, 0)
	})
}

func TestFitter_PinnedNeverEvicted(t *testing.T) {
	f := New(Config{MaxInputTokens: 60, ReserveForOutput: 10})

	long := strings.Repeat("padding padding padding padding ", 4)
	messages := []chat.Message{
		{Role: chat.RoleUser, Content: "Remember: my name is Ada.", Pinned: true},
		{Role: chat.RoleUser, Content: long},
		{Role: chat.RoleAssistant, Content: long},
		{Role: chat.RoleUser, Content: "Short follow-up."},
	}

	res := f.Fit(messages)

	found := false
	for _, m := range res.Messages {
		if m.Pinned && strings.Contains(m.Content, "Ada") {
			found = true
		}
	}
	assert.True(t, found, "pinned message must survive trimming")
}

func TestFitter_PinnedBeforeKept(t *testing.T) {
	f := New(Config{MaxInputTokens: 10_000, ReserveForOutput: 100})
	messages := []chat.Message{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleSystem, Content: "system in the middle"},
		{Role: chat.RoleUser, Content: "second"},
	}

	res := f.Fit(messages)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, chat.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "first", res.Messages[1].Content)
	assert.Equal(t, "second", res.Messages[2].Content)
}

func TestFitter_Summarize(t *testing.T) {
	long := strings.Repeat("evicted content goes here over and over ", 3)

	t.Run("summary replaces evicted messages when it fits", func(t *testing.T) {
		f := New(Config{MaxInputTokens: 120, ReserveForOutput: 20, Summarize: true})
		messages := []chat.Message{
			{Role: chat.RoleSystem, Content: "Brief."},
			{Role: chat.RoleUser, Content: long},
			{Role: chat.RoleUser, Content: "Recent question."},
		}

		res := f.Fit(messages)
		if res.EvictedCount == 0 {
			t.Skip("nothing evicted at this budget")
		}
		if !res.SummaryAdded {
			t.Skip("summary did not fit the remaining budget")
		}
		var summary *chat.Message
		for i := range res.Messages {
			if strings.HasPrefix(res.Messages[i].Content, "Previous conversation summary: ") {
				summary = &res.Messages[i]
			}
		}
		require.NotNil(t, summary)
		assert.Equal(t, chat.RoleSystem, summary.Role)
		assert.True(t, summary.Pinned)
	})

	t.Run("summary is skipped when the budget is exhausted", func(t *testing.T) {
		f := New(Config{MaxInputTokens: 30, ReserveForOutput: 10, Summarize: true})
		messages := []chat.Message{
			{Role: chat.RoleUser, Content: long},
			{Role: chat.RoleUser, Content: long},
			{Role: chat.RoleUser, Content: "tail"},
		}

		res := f.Fit(messages)
		require.Greater(t, res.EvictedCount, 0)
		if res.SummaryAdded {
			assert.LessOrEqual(t, res.TrimmedTokens, 30-10)
		}
	})
}
