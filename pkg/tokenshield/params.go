package tokenshield

import (
	"context"
	"time"

	"github.com/amerfu/tokenshield/internal/budget"
	"github.com/amerfu/tokenshield/internal/cache"
	"github.com/amerfu/tokenshield/internal/ledger"
	"github.com/amerfu/tokenshield/pkg/chat"
)

// Params describes one outbound model request. TransformParams
// threads per-request pipeline state through the unexported state
// field rather than hiding it in a map.
type Params struct {
	Model    string
	Messages []chat.Message
	// UserID overrides the configured GetUserID hook for this request.
	UserID string
	// MaxOutputTokens caps the expected completion size used for cost
	// estimates.
	MaxOutputTokens int

	state *requestState
}

// requestState carries pipeline metadata between TransformParams and
// the wrap calls.
type requestState struct {
	id        string
	startedAt time.Time

	originalModel string
	prompt        string
	userID        string

	estimatedInput  int
	estimatedOutput int
	estimatedCost   float64

	tierRouted bool
	cacheHit   *cache.Hit

	reservation *budget.Reservation
	savings     ledger.Savings
}

// GenerateResult is the outcome of a wrapped non-streaming call.
type GenerateResult struct {
	Text         string
	Usage        chat.Usage
	FinishReason string

	CacheHit        bool
	CacheMatchType  string
	CacheSimilarity float64
}

// GenerateFunc performs the provider call. TokenShield never makes
// HTTP requests itself; it wraps this function.
type GenerateFunc func(ctx context.Context) (*GenerateResult, error)

// StreamChunk is one unit pulled from an upstream stream.
type StreamChunk struct {
	// Type is text-delta or finish.
	Type         string
	Text         string
	FinishReason string
}

// Stream is the upstream reader supplied by the caller. Next returns
// io.EOF when the stream completes normally.
type Stream interface {
	Next() (StreamChunk, error)
	Close() error
}

// StreamFunc opens the provider stream.
type StreamFunc func(ctx context.Context) (Stream, error)
