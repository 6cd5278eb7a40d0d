package tokenshield

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/amerfu/tokenshield/internal/breaker"
	"github.com/amerfu/tokenshield/internal/budget"
	"github.com/amerfu/tokenshield/internal/router"
	"github.com/amerfu/tokenshield/pkg/chat"
	"github.com/amerfu/tokenshield/pkg/events"
)

func userMessage(content string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: content}}
}

// staticGenerator is a provider stub that returns a fixed completion
// and counts invocations.
func staticGenerator(text string, in, out int, calls *int) GenerateFunc {
	return func(context.Context) (*GenerateResult, error) {
		*calls++
		return &GenerateResult{
			Text:         text,
			Usage:        chat.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
			FinishReason: "stop",
		}, nil
	}
}

func dollars(v float64) *float64 { return &v }

func TestShield_CacheHitFlow(t *testing.T) {
	s, err := New(Config{Modules: &Modules{Cache: true, Ledger: true}})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	prompt := "What is the capital of France?"
	calls := 0
	gen := staticGenerator("The capital of France is Paris.", 12, 8, &calls)

	first, err := s.WrapGenerate(ctx, gen, Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, calls)

	var hits []events.CacheHitPayload
	s.Events().On(events.CacheHit, func(payload any) {
		hits = append(hits, payload.(events.CacheHitPayload))
	})

	second, err := s.WrapGenerate(ctx, gen, Params{Model: "gpt-4o-mini", Messages: userMessage(prompt)})
	require.NoError(t, err)

	t.Run("generator is not invoked again", func(t *testing.T) {
		assert.Equal(t, 1, calls)
	})

	t.Run("hit replays the stored response", func(t *testing.T) {
		assert.True(t, second.CacheHit)
		assert.Equal(t, first.Text, second.Text)
		assert.Equal(t, events.MatchExact, second.CacheMatchType)
		assert.Equal(t, "stop", second.FinishReason)
		assert.Zero(t, second.Usage.TotalTokens, "no new tokens were consumed")
	})

	t.Run("hit event carries the avoided spend", func(t *testing.T) {
		require.Len(t, hits, 1)
		assert.Equal(t, events.MatchExact, hits[0].MatchType)
		assert.Greater(t, hits[0].SavedCost, 0.0)
	})

	t.Run("ledger records one paid entry and one free hit", func(t *testing.T) {
		sum := s.GetSummary()
		assert.Equal(t, 2, sum.EntryCount)
		assert.Equal(t, int64(1), sum.CacheHits)
		assert.Greater(t, sum.TotalSpent, 0.0)
		assert.Greater(t, sum.TotalSaved, 0.0)
	})
}

func TestShield_DeduplicatesRepeatPrompts(t *testing.T) {
	var blockedReason string
	s, err := New(Config{
		Modules:   &Modules{Guard: true, Ledger: true},
		Guard:     GuardConfig{DeduplicateWindow: time.Minute},
		OnBlocked: func(reason string, estimatedCost float64) { blockedReason = reason },
	})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	p := Params{Model: "gpt-4o-mini", Messages: userMessage("Tell me a joke about cats")}

	_, err = s.TransformParams(ctx, p)
	require.NoError(t, err)

	_, err = s.TransformParams(ctx, p)
	require.Error(t, err)
	assert.True(t, IsBlocked(err))

	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Reason, "Deduped")
	assert.Contains(t, blockedReason, "Deduped")
	assert.Greater(t, be.EstimatedCost, 0.0)
}

func TestShield_BreakerSessionLimit(t *testing.T) {
	s, err := New(Config{
		Modules: &Modules{Ledger: true},
		Breaker: &BreakerConfig{Limits: BreakerLimits{PerSession: dollars(0.002)}},
	})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	calls := 0
	gen := staticGenerator("a very long answer", 5000, 5000, &calls)

	// The first request is admitted: nothing has been spent yet, even
	// though its own cost will overshoot the limit.
	_, err = s.WrapGenerate(ctx, gen, Params{
		Model:    "gpt-4o-mini",
		Messages: userMessage("Summarize this very long document for me"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	st := s.BreakerStatus()
	assert.InDelta(t, 0.00375, st.CurrentSpend[breaker.WindowSession], 1e-9)

	_, err = s.TransformParams(ctx, Params{
		Model:    "gpt-4o-mini",
		Messages: userMessage("And now summarize it again"),
	})
	require.Error(t, err)
	assert.True(t, IsBlocked(err))
	assert.Contains(t, err.Error(), "Spending limit reached")
	assert.Contains(t, err.Error(), "(session)")

	t.Run("tripped breaker reports unhealthy", func(t *testing.T) {
		h := s.HealthCheck()
		assert.False(t, h.Healthy)
		require.NotNil(t, h.Breaker)
		assert.True(t, h.Breaker.Tripped)
	})

	t.Run("a tripped warn-mode breaker is also unhealthy", func(t *testing.T) {
		s, err := New(Config{
			Modules: &Modules{Ledger: true},
			Breaker: &BreakerConfig{
				Limits: BreakerLimits{PerSession: dollars(0.002)},
				Action: breaker.ActionWarn,
			},
		})
		require.NoError(t, err)
		defer s.Dispose()

		calls := 0
		_, err = s.WrapGenerate(ctx, staticGenerator("long answer", 5000, 5000, &calls), Params{
			Model:    "gpt-4o-mini",
			Messages: userMessage("Summarize this very long document for me"),
		})
		require.NoError(t, err)

		h := s.HealthCheck()
		require.NotNil(t, h.Breaker)
		assert.True(t, h.Breaker.Tripped)
		assert.False(t, h.Healthy, "healthy tracks the trip state, not the action")

		// Warn mode still admits traffic while reporting unhealthy.
		_, err = s.TransformParams(ctx, Params{
			Model:    "gpt-4o-mini",
			Messages: userMessage("And another one"),
		})
		assert.NoError(t, err)
	})

	t.Run("reset re-opens the session", func(t *testing.T) {
		s.ResetBreaker()
		_, err := s.TransformParams(ctx, Params{
			Model:    "gpt-4o-mini",
			Messages: userMessage("A fresh session request"),
		})
		assert.NoError(t, err)
	})
}

func TestShield_ContextTrim(t *testing.T) {
	s, err := New(Config{
		Modules: &Modules{Context: true},
		Context: ContextConfig{MaxInputTokens: 50, ReserveForOutput: 20},
	})
	require.NoError(t, err)
	defer s.Dispose()

	messages := []chat.Message{{Role: chat.RoleSystem, Content: "You are a helpful assistant."}}
	for i := 0; i < 6; i++ {
		messages = append(messages,
			chat.Message{Role: chat.RoleUser, Content: fmt.Sprintf("Earlier question number %d with plenty of additional filler words", i)},
			chat.Message{Role: chat.RoleAssistant, Content: fmt.Sprintf("Earlier answer number %d with plenty of additional filler words", i)},
		)
	}
	messages = append(messages, chat.Message{Role: chat.RoleUser, Content: "What did we decide about the budget?"})

	var trims []events.ContextTrimmedPayload
	s.Events().On(events.ContextTrimmed, func(p any) {
		trims = append(trims, p.(events.ContextTrimmedPayload))
	})

	p, err := s.TransformParams(context.Background(), Params{Model: "gpt-4o-mini", Messages: messages})
	require.NoError(t, err)

	assert.Less(t, len(p.Messages), len(messages))
	assert.Equal(t, chat.RoleSystem, p.Messages[0].Role, "system prompt survives the trim")
	assert.Equal(t, "What did we decide about the budget?", p.Messages[len(p.Messages)-1].Content,
		"the newest user message survives")

	require.Len(t, trims, 1)
	assert.Less(t, trims[0].TrimmedTokens, trims[0].OriginalTokens)
	assert.Equal(t, trims[0].OriginalTokens-trims[0].TrimmedTokens, trims[0].SavedTokens)
}

func TestShield_UserBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit releases the reservation without spend", func(t *testing.T) {
		s, err := New(Config{
			Modules:    &Modules{Cache: true, Ledger: true},
			UserBudget: &UserBudgetConfig{Users: map[string]budget.UserLimits{"alice": {Daily: 10}}},
		})
		require.NoError(t, err)
		defer s.Dispose()

		prompt := "Generate a haiku about the ocean"
		calls := 0
		gen := staticGenerator("Waves fold into foam\nsalt wind carries the gulls home\nthe tide keeps its word", 10, 24, &calls)

		_, err = s.WrapGenerate(ctx, gen, Params{Model: "gpt-4o-mini", UserID: "alice", Messages: userMessage(prompt)})
		require.NoError(t, err)

		st := s.UserBudgetStatus("alice")
		spentAfterFirst := st.SpentDay
		assert.Greater(t, spentAfterFirst, 0.0)
		assert.Zero(t, st.Inflight)

		res, err := s.WrapGenerate(ctx, gen, Params{Model: "gpt-4o-mini", UserID: "alice", Messages: userMessage(prompt)})
		require.NoError(t, err)
		assert.True(t, res.CacheHit)
		assert.Equal(t, 1, calls)

		st = s.UserBudgetStatus("alice")
		assert.Equal(t, spentAfterFirst, st.SpentDay, "a cache hit spends nothing")
		assert.Zero(t, st.Inflight, "the reservation is released")
	})

	t.Run("exhausted budget blocks at admission", func(t *testing.T) {
		s, err := New(Config{
			Modules:    &Modules{Ledger: true},
			UserBudget: &UserBudgetConfig{Users: map[string]budget.UserLimits{"bob": {Daily: 0.000001}}},
		})
		require.NoError(t, err)
		defer s.Dispose()

		_, err = s.TransformParams(ctx, Params{
			Model:    "gpt-4o-mini",
			UserID:   "bob",
			Messages: userMessage("Write a novel"),
		})
		require.Error(t, err)
		assert.True(t, IsBlocked(err))
		assert.Contains(t, err.Error(), "budget exceeded")
	})

	t.Run("guard rejection releases the reservation", func(t *testing.T) {
		s, err := New(Config{
			Modules:    &Modules{Guard: true},
			Guard:      GuardConfig{DeduplicateWindow: time.Minute},
			UserBudget: &UserBudgetConfig{Users: map[string]budget.UserLimits{"carol": {Daily: 10}}},
		})
		require.NoError(t, err)
		defer s.Dispose()

		p := Params{Model: "gpt-4o-mini", UserID: "carol", Messages: userMessage("Tell me a joke about cats")}
		_, err = s.TransformParams(ctx, p)
		require.NoError(t, err)
		inflightAfterFirst := s.UserBudgetStatus("carol").Inflight
		assert.Greater(t, inflightAfterFirst, 0.0)

		_, err = s.TransformParams(ctx, p)
		require.Error(t, err)

		// The admitted first request still holds its reservation; the
		// blocked second request holds nothing.
		st := s.UserBudgetStatus("carol")
		assert.InDelta(t, inflightAfterFirst, st.Inflight, 1e-12)
		assert.Zero(t, st.SpentDay)
	})

	t.Run("GetUserID hook supplies the missing user", func(t *testing.T) {
		s, err := New(Config{
			Modules: &Modules{},
			UserBudget: &UserBudgetConfig{
				GetUserID: func() string { return "hooked" },
				Users:     map[string]budget.UserLimits{"hooked": {Daily: 10}},
			},
		})
		require.NoError(t, err)
		defer s.Dispose()

		_, err = s.TransformParams(ctx, Params{Model: "gpt-4o-mini", Messages: userMessage("hello there")})
		require.NoError(t, err)
		assert.Greater(t, s.UserBudgetStatus("hooked").Inflight, 0.0)
	})
}

func TestShield_TierRouting(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Modules: &Modules{Router: true, Ledger: true},
		Router: RouterConfig{Tiers: []router.Tier{
			{ModelID: "gpt-4o", MaxComplexity: 100},
			{ModelID: "gpt-4o-mini", MaxComplexity: 40},
		}},
		UserBudget: &UserBudgetConfig{
			Users:      map[string]budget.UserLimits{"pro-user": {Daily: 100, Tier: "pro"}},
			TierModels: map[string]string{"pro": "gpt-4o"},
		},
	}

	t.Run("tier pin overrides and skips the complexity router", func(t *testing.T) {
		s, err := New(cfg)
		require.NoError(t, err)
		defer s.Dispose()

		p, err := s.TransformParams(ctx, Params{
			Model:    "gpt-4o-mini",
			UserID:   "pro-user",
			Messages: userMessage("What is the capital of France?"),
		})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", p.Model, "a simple prompt is not downgraded off the pinned tier")
	})

	t.Run("without a tier the router downgrades simple prompts", func(t *testing.T) {
		s, err := New(cfg)
		require.NoError(t, err)
		defer s.Dispose()

		var downgrades []events.RouterDowngradedPayload
		s.Events().On(events.RouterDowngraded, func(p any) {
			downgrades = append(downgrades, p.(events.RouterDowngradedPayload))
		})

		p, err := s.TransformParams(ctx, Params{
			Model:    "gpt-4o",
			Messages: userMessage("What is the capital of France?"),
		})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", p.Model)
		require.Len(t, downgrades, 1)
		assert.Greater(t, downgrades[0].SavedCost, 0.0)
	})
}

func TestShield_ConfigErrors(t *testing.T) {
	var ce *ConfigError

	t.Run("unknown storage backend", func(t *testing.T) {
		_, err := New(Config{
			Cache:   CacheConfig{Persist: true},
			Storage: StorageConfig{Backend: "bolt"},
		})
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("file backend requires a directory", func(t *testing.T) {
		_, err := New(Config{
			Ledger:  LedgerConfig{Persist: true},
			Storage: StorageConfig{Backend: "file"},
		})
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("invalid band configuration", func(t *testing.T) {
		_, err := New(Config{Cache: CacheConfig{NumHashes: 64, Bands: 7}})
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("unknown cache encoding", func(t *testing.T) {
		_, err := New(Config{Cache: CacheConfig{Encoding: "simhash"}})
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("holographic encoding falls back to minhash", func(t *testing.T) {
		s, err := New(Config{Cache: CacheConfig{Encoding: "holographic"}})
		require.NoError(t, err)
		s.Dispose()
	})
}

func TestShield_OnUsage(t *testing.T) {
	var reports []UsageReport
	s, err := New(Config{
		Modules: &Modules{Cache: true, Ledger: true},
		OnUsage: func(r UsageReport) { reports = append(reports, r) },
	})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	calls := 0
	gen := staticGenerator("four", 100, 50, &calls)
	p := Params{Model: "gpt-4o-mini", Messages: userMessage("What is two plus two?")}

	_, err = s.WrapGenerate(ctx, gen, p)
	require.NoError(t, err)
	_, err = s.WrapGenerate(ctx, gen, p)
	require.NoError(t, err)

	require.Len(t, reports, 2)
	assert.False(t, reports[0].CacheHit)
	assert.Greater(t, reports[0].Cost, 0.0)
	assert.Equal(t, 100, reports[0].InputTokens)
	assert.True(t, reports[1].CacheHit)
	assert.Zero(t, reports[1].Cost)
	assert.Greater(t, reports[1].Saved, 0.0)
}

func TestShield_GenerateErrorReleasesReservation(t *testing.T) {
	s, err := New(Config{
		Modules:    &Modules{Ledger: true},
		UserBudget: &UserBudgetConfig{Users: map[string]budget.UserLimits{"dave": {Daily: 10}}},
	})
	require.NoError(t, err)
	defer s.Dispose()

	boom := fmt.Errorf("upstream unavailable")
	_, err = s.WrapGenerate(context.Background(), func(context.Context) (*GenerateResult, error) {
		return nil, boom
	}, Params{Model: "gpt-4o-mini", UserID: "dave", Messages: userMessage("hello")})
	require.ErrorIs(t, err, boom)

	st := s.UserBudgetStatus("dave")
	assert.Zero(t, st.Inflight, "a failed call returns its hold")
	assert.Zero(t, st.SpentDay)
	assert.Empty(t, s.LedgerEntries(), "nothing to account for")
}

func TestShield_Debounce(t *testing.T) {
	t.Run("without a guard the function runs directly", func(t *testing.T) {
		s, err := New(Config{Modules: &Modules{}})
		require.NoError(t, err)
		defer s.Dispose()

		v, err := s.Debounce(context.Background(), func(context.Context) (any, error) {
			return "direct", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "direct", v)
	})

	t.Run("with a guard calls go through the debouncer", func(t *testing.T) {
		s, err := New(Config{
			Modules: &Modules{Guard: true},
			Guard:   GuardConfig{Debounce: 5 * time.Millisecond},
		})
		require.NoError(t, err)
		defer s.Dispose()

		v, err := s.Debounce(context.Background(), func(context.Context) (any, error) {
			return "debounced", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "debounced", v)
	})
}

func TestShield_RequestScopedLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s, err := New(Config{Modules: &Modules{}, Logger: zap.New(core)})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	_, err = s.TransformParams(ctx, Params{Model: "gpt-4o-mini", Messages: userMessage("first request")})
	require.NoError(t, err)
	_, err = s.TransformParams(ctx, Params{Model: "gpt-4o-mini", Messages: userMessage("second request")})
	require.NoError(t, err)

	admitted := logs.FilterMessage("request admitted").All()
	require.Len(t, admitted, 2)

	first, ok := admitted[0].ContextMap()["request_id"].(string)
	require.True(t, ok)
	second, ok := admitted[1].ContextMap()["request_id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "each request carries its own id")
}

func TestShield_Dispose(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	s.Dispose()
	assert.NotPanics(t, s.Dispose, "dispose is idempotent")
}

func TestShield_LedgerChain(t *testing.T) {
	s, err := New(Config{
		Modules: &Modules{Ledger: true},
		Ledger:  LedgerConfig{HashChain: true},
	})
	require.NoError(t, err)
	defer s.Dispose()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		calls := 0
		_, err := s.WrapGenerate(ctx, staticGenerator("ok", 50, 20, &calls), Params{
			Model:    "gpt-4o-mini",
			Messages: userMessage(fmt.Sprintf("request number %d", i)),
		})
		require.NoError(t, err)
	}

	entries := s.LedgerEntries()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq, "sequence is gap-free")
	}
	assert.True(t, s.VerifyLedger().Valid)
}
