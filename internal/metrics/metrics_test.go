package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/pkg/events"
)

func TestObserver(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	reg := prometheus.NewRegistry()

	o, err := NewObserver(bus, reg)
	require.NoError(t, err)

	bus.Emit(events.RequestAllowed, events.RequestAllowedPayload{Prompt: "hi", Model: "gpt-4o-mini"})
	bus.Emit(events.RequestAllowed, events.RequestAllowedPayload{Prompt: "hi again", Model: "gpt-4o-mini"})
	bus.Emit(events.RequestBlocked, events.RequestBlockedPayload{Reason: "Rate limited: too many requests per minute"})
	bus.Emit(events.CacheHit, events.CacheHitPayload{MatchType: events.MatchExact, SavedCost: 0.001})
	bus.Emit(events.CacheMiss, events.CacheMissPayload{Prompt: "hi"})
	bus.Emit(events.LedgerEntry, events.LedgerEntryPayload{
		Model: "gpt-4o-mini", InputTokens: 100, OutputTokens: 50, Cost: 0.002, Saved: 0.003,
	})
	bus.Emit(events.BreakerTripped, events.BreakerTrippedPayload{LimitType: "session"})
	bus.Emit(events.UserBudgetExceeded, events.UserBudgetPayload{UserID: "alice", Window: "daily"})

	assert.Equal(t, 2.0, testutil.ToFloat64(o.requestsAllowed))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.requestsBlocked.WithLabelValues("Rate limited: too many requests per minute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.cacheHits.WithLabelValues(events.MatchExact)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.cacheMisses))
	assert.InDelta(t, 0.002, testutil.ToFloat64(o.spendDollars), 1e-9)
	assert.InDelta(t, 0.003, testutil.ToFloat64(o.savedDollars), 1e-9)
	assert.Equal(t, 100.0, testutil.ToFloat64(o.tokensIn))
	assert.Equal(t, 50.0, testutil.ToFloat64(o.tokensOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.breakerTrips))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.budgetRejects))

	t.Run("close detaches from the bus", func(t *testing.T) {
		o.Close()
		bus.Emit(events.RequestAllowed, events.RequestAllowedPayload{})
		assert.Equal(t, 2.0, testutil.ToFloat64(o.requestsAllowed))
	})

	t.Run("double registration fails", func(t *testing.T) {
		_, err := NewObserver(bus, reg)
		assert.Error(t, err)
	})
}
