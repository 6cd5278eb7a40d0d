// Package metrics exposes shield activity as Prometheus collectors by
// subscribing to the instance event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amerfu/tokenshield/pkg/events"
)

// Observer bridges the event bus to Prometheus.
type Observer struct {
	requestsAllowed prometheus.Counter
	requestsBlocked *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     prometheus.Counter
	spendDollars    prometheus.Counter
	savedDollars    prometheus.Counter
	tokensIn        prometheus.Counter
	tokensOut       prometheus.Counter
	breakerTrips    prometheus.Counter
	budgetRejects   prometheus.Counter

	unsubscribes []func()
}

// NewObserver registers collectors with reg and subscribes to bus.
// Call Close to detach from the bus.
func NewObserver(bus *events.Bus, reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		requestsAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_requests_allowed_total",
			Help: "Requests admitted by the pipeline",
		}),
		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_requests_blocked_total",
			Help: "Requests blocked at admission, by reason",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_cache_hits_total",
			Help: "Semantic cache hits, by match type",
		}, []string{"match_type"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_cache_misses_total",
			Help: "Semantic cache misses",
		}),
		spendDollars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_spend_dollars_total",
			Help: "Dollars spent on model calls",
		}),
		savedDollars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_saved_dollars_total",
			Help: "Dollars saved across all modules",
		}),
		tokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_input_tokens_total",
			Help: "Input tokens sent to providers",
		}),
		tokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_output_tokens_total",
			Help: "Output tokens received from providers",
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_breaker_trips_total",
			Help: "Circuit breaker trip events",
		}),
		budgetRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_user_budget_rejections_total",
			Help: "Admissions rejected by user budgets",
		}),
	}

	collectors := []prometheus.Collector{
		o.requestsAllowed, o.requestsBlocked, o.cacheHits, o.cacheMisses,
		o.spendDollars, o.savedDollars, o.tokensIn, o.tokensOut,
		o.breakerTrips, o.budgetRejects,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	o.unsubscribes = []func(){
		bus.On(events.RequestAllowed, func(any) {
			o.requestsAllowed.Inc()
		}),
		bus.On(events.RequestBlocked, func(payload any) {
			if p, ok := payload.(events.RequestBlockedPayload); ok {
				o.requestsBlocked.WithLabelValues(p.Reason).Inc()
			}
		}),
		bus.On(events.CacheHit, func(payload any) {
			if p, ok := payload.(events.CacheHitPayload); ok {
				o.cacheHits.WithLabelValues(p.MatchType).Inc()
			}
		}),
		bus.On(events.CacheMiss, func(any) {
			o.cacheMisses.Inc()
		}),
		bus.On(events.LedgerEntry, func(payload any) {
			if p, ok := payload.(events.LedgerEntryPayload); ok {
				o.spendDollars.Add(p.Cost)
				o.savedDollars.Add(p.Saved)
				o.tokensIn.Add(float64(p.InputTokens))
				o.tokensOut.Add(float64(p.OutputTokens))
			}
		}),
		bus.On(events.BreakerTripped, func(any) {
			o.breakerTrips.Inc()
		}),
		bus.On(events.UserBudgetExceeded, func(any) {
			o.budgetRejects.Inc()
		}),
	}

	return o, nil
}

// Close detaches the observer from the bus.
func (o *Observer) Close() {
	for _, unsub := range o.unsubscribes {
		unsub()
	}
	o.unsubscribes = nil
}
