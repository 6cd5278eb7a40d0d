package tokenshield

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/tokenshield/internal/budget"
)

// scriptedStream yields a fixed chunk sequence, then a terminal error
// (io.EOF for a normal finish).
type scriptedStream struct {
	chunks   []StreamChunk
	terminal error
	pos      int
	closed   bool
}

func deltas(words ...string) []StreamChunk {
	chunks := make([]StreamChunk, 0, len(words))
	for _, w := range words {
		chunks = append(chunks, StreamChunk{Type: "text-delta", Text: w})
	}
	return chunks
}

func (s *scriptedStream) Next() (StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return StreamChunk{}, s.terminal
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func streamOf(inner Stream) StreamFunc {
	return func(context.Context) (Stream, error) { return inner, nil }
}

func drain(t *testing.T, ws *WrappedStream) string {
	t.Helper()
	var b strings.Builder
	for {
		chunk, err := ws.Next()
		if errors.Is(err, io.EOF) {
			return b.String()
		}
		require.NoError(t, err)
		if chunk.Type == "text-delta" {
			b.WriteString(chunk.Text)
		}
	}
}

func TestWrapStream_NormalCompletion(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Cache: true, Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	prompt := "Explain how tides work"
	inner := &scriptedStream{
		chunks:   deltas("Tides ", "are ", "caused ", "by ", "the ", "moon."),
		terminal: io.EOF,
	}

	ws, err := s.WrapStream(ctx, streamOf(inner), Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
	require.NoError(t, err)

	text := drain(t, ws)
	assert.Equal(t, "Tides are caused by the moon.", text)
	assert.Equal(t, "stop", ws.FinishReason())

	usage := ws.Usage()
	assert.Greater(t, usage.CompletionTokens, 0)
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)

	t.Run("exactly one ledger entry", func(t *testing.T) {
		entries := s.LedgerEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, usage.CompletionTokens, entries[0].OutputTokens)
		assert.Greater(t, entries[0].Cost, 0.0)
	})

	t.Run("completed response lands in the cache", func(t *testing.T) {
		calls := 0
		res, err := s.WrapGenerate(ctx, staticGenerator("never used", 1, 1, &calls), Params{
			Model:    "gpt-4o-mini",
			Messages: userMessage(prompt),
		})
		require.NoError(t, err)
		assert.True(t, res.CacheHit)
		assert.Equal(t, text, res.Text)
		assert.Zero(t, calls)
	})
}

func TestWrapStream_CancelMidStream(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Cache: true, Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	prompt := "Write a very long story about dragons"
	inner := &scriptedStream{
		chunks:   deltas("Once ", "upon ", "a ", "time ", "there ", "was ", "a ", "dragon ", "who "),
		terminal: io.EOF,
	}

	ws, err := s.WrapStream(ctx, streamOf(inner), Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
	require.NoError(t, err)

	// Consume four deltas, then abandon the stream.
	for i := 0; i < 4; i++ {
		chunk, err := ws.Next()
		require.NoError(t, err)
		assert.Equal(t, "text-delta", chunk.Type)
	}
	partialUsage := ws.Usage()
	ws.Cancel()

	assert.Equal(t, "cancel", ws.FinishReason())
	assert.True(t, inner.closed)

	t.Run("exactly one entry with the partial counts", func(t *testing.T) {
		entries := s.LedgerEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, partialUsage.CompletionTokens, entries[0].OutputTokens)
		assert.Greater(t, entries[0].OutputTokens, 0)
	})

	t.Run("repeated cancel and close stay idempotent", func(t *testing.T) {
		ws.Cancel()
		require.NoError(t, ws.Close())
		assert.Len(t, s.LedgerEntries(), 1)
	})

	t.Run("partial responses are not cached", func(t *testing.T) {
		assert.Zero(t, s.CacheStats().Size)
	})
}

func TestWrapStream_UpstreamCancellation(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Cache: true, Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	inner := &scriptedStream{
		chunks:   deltas("partial ", "output "),
		terminal: context.Canceled,
	}
	ws, err := s.WrapStream(context.Background(), streamOf(inner), Params{
		Model:    "gpt-4o-mini",
		Messages: userMessage("Describe the water cycle"),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := ws.Next()
		require.NoError(t, err)
	}
	_, err = ws.Next()
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, "cancel", ws.FinishReason())
	assert.Len(t, s.LedgerEntries(), 1)
	assert.Zero(t, s.CacheStats().Size)
}

func TestWrapStream_UpstreamError(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Cache: true, Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	boom := errors.New("connection reset")
	inner := &scriptedStream{chunks: deltas("half "), terminal: boom}
	ws, err := s.WrapStream(context.Background(), streamOf(inner), Params{
		Model:    "gpt-4o-mini",
		Messages: userMessage("Summarize the article"),
	})
	require.NoError(t, err)

	_, err = ws.Next()
	require.NoError(t, err)
	_, err = ws.Next()
	require.ErrorIs(t, err, boom)

	assert.Equal(t, "error", ws.FinishReason())
	assert.Len(t, s.LedgerEntries(), 1, "the half-streamed tokens are still accounted")
	assert.Zero(t, s.CacheStats().Size)
}

func TestWrapStream_FinishChunkReason(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	chunks := append(deltas("truncated ", "output"), StreamChunk{Type: "finish", FinishReason: "length"})
	inner := &scriptedStream{chunks: chunks, terminal: io.EOF}
	ws, err := s.WrapStream(context.Background(), streamOf(inner), Params{
		Model:    "gpt-4o-mini",
		Messages: userMessage("Keep going until you are cut off"),
	})
	require.NoError(t, err)

	drain(t, ws)
	assert.Equal(t, "length", ws.FinishReason(), "the provider's finish reason wins over the default")
}

func TestWrapStream_OpenErrorReleasesReservation(t *testing.T) {
	s, err := New(Config{
		Modules:    &Modules{Ledger: true},
		UserBudget: &UserBudgetConfig{Users: map[string]budget.UserLimits{"erin": {Daily: 10}}},
	})
	require.NoError(t, err)
	defer s.Dispose()

	boom := errors.New("dial timeout")
	_, err = s.WrapStream(context.Background(), func(context.Context) (Stream, error) {
		return nil, boom
	}, Params{Model: "gpt-4o-mini", UserID: "erin", Messages: userMessage("hello out there")})
	require.ErrorIs(t, err, boom)

	st := s.UserBudgetStatus("erin")
	assert.Zero(t, st.Inflight, "a stream that never opened returns its hold")
	assert.Empty(t, s.LedgerEntries())
}

func TestWrapStream_CacheHitReplay(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Cache: true, Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	prompt := "What is the speed of light?"
	calls := 0
	_, err = s.WrapGenerate(ctx, staticGenerator("About 299,792 kilometers per second.", 10, 12, &calls), Params{
		Model:    "gpt-4o-mini",
		Messages: userMessage(prompt),
	})
	require.NoError(t, err)

	ws, err := s.WrapStream(ctx, func(context.Context) (Stream, error) {
		t.Fatal("provider stream must not open on a cache hit")
		return nil, nil
	}, Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
	require.NoError(t, err)

	assert.True(t, ws.CacheHit)
	assert.Equal(t, "exact", ws.CacheMatchType)

	text := drain(t, ws)
	assert.Equal(t, "About 299,792 kilometers per second.", text)
	assert.Equal(t, "stop", ws.FinishReason())
	assert.Zero(t, ws.Usage().TotalTokens, "replay consumes no new tokens")

	t.Run("the hit is a free ledger entry", func(t *testing.T) {
		entries := s.LedgerEntries()
		require.Len(t, entries, 2)
		assert.True(t, entries[1].CacheHit)
		assert.Zero(t, entries[1].Cost)
	})

	t.Run("cancel on a replay records nothing new", func(t *testing.T) {
		ws.Cancel()
		assert.Len(t, s.LedgerEntries(), 2)
	})
}

func TestWrapStream_InFlightDeduplication(t *testing.T) {
	s, err := New(Config{
		Modules: &Modules{Guard: true, Ledger: true},
		Guard:   GuardConfig{DeduplicateInFlight: true},
	})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	prompt := "Translate this paragraph into French"
	inner := &scriptedStream{chunks: deltas("Bonjour"), terminal: io.EOF}

	ws, err := s.WrapStream(ctx, streamOf(inner), Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
	require.NoError(t, err)

	t.Run("duplicate is rejected while streaming", func(t *testing.T) {
		_, err := s.TransformParams(ctx, Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "in flight")
	})

	t.Run("completion clears the slot", func(t *testing.T) {
		drain(t, ws)
		_, err := s.TransformParams(ctx, Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
		assert.NoError(t, err)
	})
}
