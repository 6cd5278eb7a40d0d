package tokenshield

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/amerfu/tokenshield/internal/token"
	"github.com/amerfu/tokenshield/pkg/chat"
)

// streamTracker accumulates streamed text and counts output tokens
// incrementally, so usage is available even when the stream never
// reaches a normal finish.
type streamTracker struct {
	counter *token.Counter

	mu     sync.Mutex
	text   strings.Builder
	tokens int
}

func newStreamTracker(counter *token.Counter) *streamTracker {
	return &streamTracker{counter: counter}
}

func (t *streamTracker) add(delta string) {
	if delta == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.WriteString(delta)
	t.tokens += t.counter.Count(delta)
}

func (t *streamTracker) snapshot() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String(), t.tokens
}

// WrappedStream is the interception layer around an upstream stream.
// Whichever terminal event happens first, done, error, or cancel,
// triggers exactly one accounting pass with the tokens streamed so
// far.
type WrappedStream struct {
	shield *Shield
	st     *requestState
	model  string

	inner   Stream
	tracker *streamTracker
	cancel  context.CancelFunc
	finish  func()

	mu           sync.Mutex
	recorded     bool
	finishReason string
	usage        chat.Usage

	// Cache-hit metadata, set when the stream replays a cached
	// response.
	CacheHit        bool
	CacheMatchType  string
	CacheSimilarity float64
}

// replayStream serves a cached response as a single text delta
// followed by a finish chunk.
type replayStream struct {
	chunks []StreamChunk
	pos    int
}

func (r *replayStream) Next() (StreamChunk, error) {
	if r.pos >= len(r.chunks) {
		return StreamChunk{}, io.EOF
	}
	c := r.chunks[r.pos]
	r.pos++
	return c, nil
}

func (r *replayStream) Close() error { return nil }

// WrapStream either replays a cached response without opening the
// provider stream, or opens it and tracks streamed output until a
// terminal event. Params not yet transformed are transformed first.
func (s *Shield) WrapStream(ctx context.Context, doStream StreamFunc, p Params) (*WrappedStream, error) {
	if p.state == nil {
		transformed, err := s.TransformParams(ctx, p)
		if err != nil {
			return nil, err
		}
		p = transformed
	}
	st := p.state

	if st.cacheHit != nil {
		result := s.serveCacheHit(st, p.Model)
		return &WrappedStream{
			shield: s,
			st:     st,
			model:  p.Model,
			inner: &replayStream{chunks: []StreamChunk{
				{Type: "text-delta", Text: result.Text},
				{Type: "finish", FinishReason: "stop"},
			}},
			tracker:         newStreamTracker(s.counter),
			finish:          func() {},
			recorded:        true,
			finishReason:    "stop",
			CacheHit:        true,
			CacheMatchType:  result.CacheMatchType,
			CacheSimilarity: result.CacheSimilarity,
		}, nil
	}

	genCtx, cancel := context.WithCancel(ctx)
	finish := func() {}
	if s.guard != nil && s.cfg.Guard.DeduplicateInFlight {
		finish = s.guard.BeginInFlight(st.prompt, cancel)
	}

	inner, err := doStream(genCtx)
	if err != nil {
		finish()
		cancel()
		s.releaseReservation(st)
		return nil, err
	}

	return &WrappedStream{
		shield:  s,
		st:      st,
		model:   p.Model,
		inner:   inner,
		tracker: newStreamTracker(s.counter),
		cancel:  cancel,
		finish:  finish,
	}, nil
}

// Next pulls the next chunk. io.EOF marks normal completion; any
// terminal outcome records usage exactly once.
func (ws *WrappedStream) Next() (StreamChunk, error) {
	chunk, err := ws.inner.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			ws.finalize("stop", true)
			return StreamChunk{}, io.EOF
		}
		if errors.Is(err, context.Canceled) {
			ws.finalize("cancel", false)
		} else {
			ws.finalize("error", false)
		}
		return StreamChunk{}, err
	}

	switch chunk.Type {
	case "text-delta":
		ws.tracker.add(chunk.Text)
	case "finish":
		if chunk.FinishReason != "" {
			ws.mu.Lock()
			if !ws.recorded {
				ws.finishReason = chunk.FinishReason
			}
			ws.mu.Unlock()
		}
	}
	return chunk, nil
}

// Cancel aborts the upstream call and settles with the tokens
// streamed so far. Safe to call after completion.
func (ws *WrappedStream) Cancel() {
	if ws.cancel != nil {
		ws.cancel()
	}
	_ = ws.inner.Close()
	ws.finalize("cancel", false)
}

// Close implements Stream. Closing before completion counts as a
// cancel.
func (ws *WrappedStream) Close() error {
	ws.Cancel()
	return nil
}

// finalize performs the single accounting pass: at most one ledger
// entry, spend record, and budget settlement per stream, no matter
// which terminal path fires or how many times.
func (ws *WrappedStream) finalize(reason string, storeInCache bool) {
	ws.mu.Lock()
	if ws.recorded {
		ws.mu.Unlock()
		return
	}
	ws.recorded = true
	if reason == "stop" && ws.finishReason != "" {
		reason = ws.finishReason
	}
	ws.finishReason = reason

	text, outTokens := ws.tracker.snapshot()
	in := ws.st.estimatedInput
	ws.usage = chat.Usage{
		PromptTokens:     in,
		CompletionTokens: outTokens,
		TotalTokens:      in + outTokens,
	}
	ws.mu.Unlock()

	ws.finish()
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.shield.recordCompletion(ws.st, ws.model, in, outTokens, storeInCache, text)
}

// Usage reports the tokens accounted so far; final after a terminal
// event.
func (ws *WrappedStream) Usage() chat.Usage {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.recorded {
		return ws.usage
	}
	_, out := ws.tracker.snapshot()
	in := ws.st.estimatedInput
	return chat.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// FinishReason reports the terminal outcome: stop, cancel, error, or
// empty while streaming.
func (ws *WrappedStream) FinishReason() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.recorded {
		return ""
	}
	return ws.finishReason
}
