// Package tokenshield is a client-side interception layer for LLM
// calls: admission control, prompt optimization, response caching,
// model routing, and post-hoc cost accounting. It wraps a supplied
// generator function and never performs provider HTTP calls itself.
package tokenshield

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/breaker"
	"github.com/amerfu/tokenshield/internal/budget"
	"github.com/amerfu/tokenshield/internal/cache"
	"github.com/amerfu/tokenshield/internal/contextfit"
	"github.com/amerfu/tokenshield/internal/guard"
	"github.com/amerfu/tokenshield/internal/ledger"
	"github.com/amerfu/tokenshield/internal/prefix"
	"github.com/amerfu/tokenshield/internal/pricing"
	"github.com/amerfu/tokenshield/internal/router"
	"github.com/amerfu/tokenshield/internal/storage"
	"github.com/amerfu/tokenshield/internal/token"
	"github.com/amerfu/tokenshield/pkg/chat"
	"github.com/amerfu/tokenshield/pkg/events"
)

// Expected completion size when the caller does not set
// MaxOutputTokens.
const defaultOutputEstimate = 150

// Shield is one interception instance. Instances are independent and
// share no state.
type Shield struct {
	cfg     Config
	modules Modules
	logger  *zap.Logger
	bus     *events.Bus

	counter  *token.Counter
	pricing  *pricing.Estimator
	store    storage.Store
	writers  []*storage.AsyncWriter
	cache    *cache.Cache
	fitter   *contextfit.Fitter
	prefix   *prefix.Optimizer
	guard    *guard.Guard
	breaker  *breaker.Breaker
	budget   *budget.Manager
	ledger   *ledger.Ledger
	router   *router.Router
	debounce *guard.Debouncer

	disposeOnce sync.Once
}

// New constructs a shield. Invalid options fail immediately with a
// ConfigError.
func New(cfg Config) (*Shield, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	modules := defaultModules()
	if cfg.Modules != nil {
		modules = *cfg.Modules
	}

	s := &Shield{
		cfg:     cfg,
		modules: modules,
		logger:  logger,
		bus:     events.NewBus(logger),
		counter: token.NewCounter(""),
		pricing: pricing.NewEstimator(),
	}

	needsStore := (modules.Cache && cfg.Cache.Persist) ||
		(modules.Ledger && cfg.Ledger.Persist) ||
		(cfg.Breaker != nil && cfg.Breaker.Persist) ||
		(cfg.UserBudget != nil && cfg.UserBudget.Persist)
	if needsStore {
		store, err := s.openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	if modules.Cache {
		if err := s.initCache(); err != nil {
			return nil, err
		}
	}
	if modules.Context {
		s.fitter = contextfit.New(contextfit.Config{
			MaxInputTokens:   cfg.Context.MaxInputTokens,
			ReserveForOutput: cfg.Context.ReserveForOutput,
			Summarize:        cfg.Context.Summarize,
			Counter:          s.counter,
			Logger:           logger.Named("context"),
		})
	}
	if modules.Prefix {
		s.prefix = prefix.New(prefix.Config{
			Provider: cfg.Prefix.Provider,
			Counter:  s.counter,
			Pricing:  s.pricing,
			Logger:   logger.Named("prefix"),
		})
	}
	if modules.Guard {
		g, err := guard.New(guard.Config{
			Debounce:             cfg.Guard.Debounce,
			MaxRequestsPerMinute: cfg.Guard.MaxRequestsPerMinute,
			MaxCostPerHour:       cfg.Guard.MaxCostPerHour,
			DeduplicateWindow:    cfg.Guard.DeduplicateWindow,
			DeduplicateInFlight:  cfg.Guard.DeduplicateInFlight,
			MinInputLength:       cfg.Guard.MinInputLength,
			MaxInputTokens:       cfg.Guard.MaxInputTokens,
			Counter:              s.counter,
			Pricing:              s.pricing,
			Logger:               logger.Named("guard"),
		})
		if err != nil {
			return nil, configErrorf("guard: %v", err)
		}
		s.guard = g
		s.debounce = guard.NewDebouncer(cfg.Guard.Debounce)
	}
	if cfg.Breaker != nil {
		s.breaker = breaker.New(breaker.Config{
			Limits: breaker.Limits{
				PerSession: cfg.Breaker.Limits.PerSession,
				PerHour:    cfg.Breaker.Limits.PerHour,
				PerDay:     cfg.Breaker.Limits.PerDay,
			},
			Action:  cfg.Breaker.Action,
			Pricing: s.pricing,
			Store:   s.storeIf(cfg.Breaker.Persist),
			Writer:  s.writerIf(cfg.Breaker.Persist, "breaker"),
			OnWarning: func(limitType string, current, limit, pct float64) {
				s.emit(events.BreakerWarning, events.BreakerWarningPayload{
					LimitType: limitType, Current: current, Limit: limit, PercentUsed: pct,
				})
			},
			OnTripped: func(limitType string, current, limit, pct float64) {
				s.emit(events.BreakerTripped, events.BreakerTrippedPayload{
					LimitType: limitType, Current: current, Limit: limit, PercentUsed: pct,
				})
			},
			Logger: logger.Named("breaker"),
		})
	}
	if cfg.UserBudget != nil {
		ub := cfg.UserBudget
		s.budget = budget.New(budget.Config{
			Users:         ub.Users,
			DefaultLimits: ub.DefaultLimits,
			TierModels:    ub.TierModels,
			OnWarning: func(userID, window string, spent, limit float64) {
				s.emit(events.UserBudgetWarning, events.UserBudgetPayload{
					UserID: userID, Window: window, Spent: spent, Limit: limit,
					PercentUsed: percent(spent, limit),
				})
				if ub.OnBudgetWarning != nil {
					ub.OnBudgetWarning(userID, window, spent, limit)
				}
			},
			OnExceeded: func(userID, window string, spent, limit float64) {
				s.emit(events.UserBudgetExceeded, events.UserBudgetPayload{
					UserID: userID, Window: window, Spent: spent, Limit: limit,
					PercentUsed: percent(spent, limit),
				})
				if ub.OnBudgetExceeded != nil {
					ub.OnBudgetExceeded(userID, window, spent, limit)
				}
			},
			Store:  s.storeIf(ub.Persist),
			Writer: s.writerIf(ub.Persist, "userBudget"),
			Logger: logger.Named("budget"),
		})
	}
	if modules.Ledger {
		s.ledger = ledger.New(ledger.Config{
			Feature:   cfg.Ledger.Feature,
			HashChain: cfg.Ledger.HashChain,
			Store:     s.storeIf(cfg.Ledger.Persist),
			Writer:    s.writerIf(cfg.Ledger.Persist, "ledger"),
			Pricing:   s.pricing,
			OnEntry: func(e ledger.Entry) {
				s.emit(events.LedgerEntry, events.LedgerEntryPayload{
					Model:        e.Model,
					InputTokens:  e.InputTokens,
					OutputTokens: e.OutputTokens,
					Cost:         e.Cost,
					Saved:        e.Savings.Total(),
				})
			},
			Logger: logger.Named("ledger"),
		})
	}
	if modules.Router {
		s.router = router.New(router.Config{
			Tiers:               cfg.Router.Tiers,
			ComplexityThreshold: cfg.Router.ComplexityThreshold,
			Pricing:             s.pricing,
			Logger:              logger.Named("router"),
		})
	}

	return s, nil
}

func (s *Shield) initCache() error {
	switch s.cfg.Cache.Encoding {
	case "", "minhash":
	case "holographic":
		s.logger.Warn("holographic encoding is not supported, using minhash")
	default:
		return configErrorf("cache: unknown encoding %q", s.cfg.Cache.Encoding)
	}
	c, err := cache.New(cache.Config{
		MaxEntries:          s.cfg.Cache.MaxEntries,
		TTL:                 s.cfg.Cache.TTL,
		SimilarityThreshold: s.cfg.Cache.SimilarityThreshold,
		NumHashes:           s.cfg.Cache.NumHashes,
		Bands:               s.cfg.Cache.Bands,
		Store:               s.storeIf(s.cfg.Cache.Persist),
		Writer:              s.writerIf(s.cfg.Cache.Persist, "cache"),
		Logger:              s.logger.Named("cache"),
	})
	if err != nil {
		if errors.Is(err, cache.ErrBadBandConfig) {
			return configErrorf("cache: %v", err)
		}
		return err
	}
	s.cache = c
	return nil
}

func (s *Shield) openStore(cfg StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "file":
		if cfg.Dir == "" {
			return nil, configErrorf("storage: file backend requires dir")
		}
		return storage.NewFileStore(cfg.Dir)
	case "redis":
		if cfg.RedisURL == "" {
			return nil, configErrorf("storage: redis backend requires redis_url")
		}
		return storage.NewRedisStore(cfg.RedisURL, cfg.RedisTTL)
	default:
		return nil, configErrorf("storage: unknown backend %q", cfg.Backend)
	}
}

func (s *Shield) storeIf(persist bool) storage.Store {
	if !persist {
		return nil
	}
	return s.store
}

func (s *Shield) writerIf(persist bool, module string) *storage.AsyncWriter {
	if !persist || s.store == nil {
		return nil
	}
	w := storage.NewAsyncWriter(s.store, module, 0, func(module, operation string, err error) {
		s.emit(events.StorageError, events.StorageErrorPayload{
			Module: module, Operation: operation, Error: err.Error(),
		})
	}, s.logger.Named("storage"))
	s.writers = append(s.writers, w)
	return w
}

// Events returns the per-instance event bus.
func (s *Shield) Events() *events.Bus {
	return s.bus
}

func (s *Shield) emit(event string, payload any) {
	s.bus.Emit(event, payload)
	if s.cfg.ForwardToGlobalBus {
		events.Global().Emit(event, payload)
	}
}

func percent(spent, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spent / limit * 100
}

// TransformParams runs the pre-call stages in order: breaker, user
// budget (which may tier-route the model), guard, cache lookup,
// context trim, complexity router, prefix optimizer. A cache hit
// short-circuits the stages after it. Rejections return a
// *BlockedError.
func (s *Shield) TransformParams(ctx context.Context, p Params) (Params, error) {
	st := &requestState{
		id:            uuid.NewString(),
		startedAt:     time.Now(),
		originalModel: p.Model,
		prompt:        chat.LastUserContent(p.Messages),
	}
	p.state = st

	log := s.logger.With(zap.String("request_id", st.id))

	chatCount := s.counter.CountChat(p.Messages)
	st.estimatedInput = chatCount.Total
	st.estimatedOutput = p.MaxOutputTokens
	if st.estimatedOutput <= 0 {
		st.estimatedOutput = defaultOutputEstimate
	}

	// Stage 1: circuit breaker.
	if s.breaker != nil {
		decision, err := s.breaker.Check(p.Model, st.estimatedInput, st.estimatedOutput)
		if err != nil {
			return p, err
		}
		if !decision.Allowed {
			reason := fmt.Sprintf("%s (%s)", decision.Reason, decision.LimitType)
			return p, s.block(st, reason)
		}
		if decision.Reason == "Throttled" {
			log.Warn("breaker throttling requests",
				zap.String("limit_type", decision.LimitType))
		}
	}

	// Stage 2: user budget reservation, plus optional tier routing.
	if s.budget != nil {
		st.userID = p.UserID
		if st.userID == "" && s.cfg.UserBudget.GetUserID != nil {
			st.userID = s.cfg.UserBudget.GetUserID()
		}
		if st.userID != "" {
			estCost, err := s.pricing.Cost(p.Model, st.estimatedInput, st.estimatedOutput)
			if err != nil {
				return p, err
			}
			st.estimatedCost = estCost
			reservation, err := s.budget.Check(st.userID, estCost)
			if err != nil {
				return p, s.block(st, err.Error())
			}
			st.reservation = reservation

			if model, ok := s.budget.RouteModel(st.userID); ok && model != p.Model {
				log.Debug("tier routing model override",
					zap.String("user_id", st.userID),
					zap.String("from", p.Model),
					zap.String("to", model))
				p.Model = model
				st.tierRouted = true
			}
		}
	}

	// Anything failing past this point must return the reservation.

	// Stage 3: request guard.
	if s.guard != nil {
		decision := s.guard.Check(st.prompt, st.estimatedOutput, p.Model)
		if st.estimatedCost == 0 {
			st.estimatedCost = decision.EstimatedCost
		}
		if !decision.Allowed {
			s.releaseReservation(st)
			return p, s.block(st, decision.Reason)
		}
	}

	// Stage 4: cache lookup. A hit short-circuits the remaining
	// stages; WrapGenerate/WrapStream will skip the provider call.
	if s.cache != nil {
		if hit, ok := s.cache.Lookup(st.prompt, p.Model); ok {
			st.cacheHit = &hit
			saved, err := s.pricing.Cost(p.Model, hit.InputTokens, hit.OutputTokens)
			if err != nil {
				saved = 0
			}
			s.emit(events.CacheHit, events.CacheHitPayload{
				MatchType:  hit.MatchType,
				Similarity: hit.Similarity,
				SavedCost:  saved,
			})
			s.emit(events.RequestAllowed, events.RequestAllowedPayload{Prompt: st.prompt, Model: p.Model})
			return p, nil
		}
		s.emit(events.CacheMiss, events.CacheMissPayload{Prompt: st.prompt})
	}

	// Stage 5: context trim.
	if s.fitter != nil && s.cfg.Context.MaxInputTokens > 0 {
		res := s.fitter.Fit(p.Messages)
		if res.EvictedCount > 0 {
			p.Messages = res.Messages
			st.estimatedInput = res.TrimmedTokens
			if saved, err := s.pricing.Cost(p.Model, res.EvictedTokens, 0); err == nil {
				st.savings.Context = saved
			}
			s.emit(events.ContextTrimmed, events.ContextTrimmedPayload{
				OriginalTokens: res.OriginalTokens,
				TrimmedTokens:  res.TrimmedTokens,
				SavedTokens:    res.OriginalTokens - res.TrimmedTokens,
			})
		}
	}

	// Stage 6: complexity router, unless tier routing already chose.
	if s.router != nil && !st.tierRouted {
		decision := s.router.Route(st.prompt, p.Model, st.estimatedInput, st.estimatedOutput)
		if decision.Downgraded {
			s.emit(events.RouterDowngraded, events.RouterDowngradedPayload{
				OriginalModel: p.Model,
				SelectedModel: decision.Model,
				Complexity:    decision.Complexity,
				SavedCost:     decision.SavedCost,
			})
			p.Model = decision.Model
			st.savings.Router = decision.SavedCost
		}
	}

	// Stage 7: stable-prefix reordering.
	if s.prefix != nil {
		res := s.prefix.Optimize(p.Messages, p.Model)
		p.Messages = res.Messages
		st.savings.Prefix = res.EstimatedSavings
	}

	log.Debug("request admitted",
		zap.String("model", p.Model),
		zap.Int("estimated_input_tokens", st.estimatedInput))
	s.emit(events.RequestAllowed, events.RequestAllowedPayload{Prompt: st.prompt, Model: p.Model})
	return p, nil
}

// block emits the rejection event, invokes the hook, and builds the
// error.
func (s *Shield) block(st *requestState, reason string) error {
	s.emit(events.RequestBlocked, events.RequestBlockedPayload{
		Reason:        reason,
		EstimatedCost: st.estimatedCost,
	})
	if s.cfg.OnBlocked != nil {
		s.cfg.OnBlocked(reason, st.estimatedCost)
	}
	return &BlockedError{Reason: reason, EstimatedCost: st.estimatedCost}
}

func (s *Shield) releaseReservation(st *requestState) {
	if st.reservation != nil {
		s.budget.Release(st.reservation.UserID, st.reservation.Amount)
		st.reservation = nil
	}
}

// settleReservation converts the in-flight hold into recorded spend.
func (s *Shield) settleReservation(st *requestState, actualCost float64) {
	if st.reservation != nil {
		s.budget.Settle(st.reservation.UserID, actualCost, st.reservation.Amount)
		s.emit(events.UserBudgetSpend, events.UserBudgetSpendPayload{
			UserID: st.reservation.UserID,
			Amount: actualCost,
		})
		st.reservation = nil
	}
}

// WrapGenerate either synthesizes a cached result without invoking
// doGenerate, or invokes it and records usage, spend, and cache
// state. Params not yet transformed are transformed first.
func (s *Shield) WrapGenerate(ctx context.Context, doGenerate GenerateFunc, p Params) (*GenerateResult, error) {
	if p.state == nil {
		transformed, err := s.TransformParams(ctx, p)
		if err != nil {
			return nil, err
		}
		p = transformed
	}
	st := p.state

	if st.cacheHit != nil {
		return s.serveCacheHit(st, p.Model), nil
	}

	genCtx := ctx
	finish := func() {}
	if s.guard != nil && s.cfg.Guard.DeduplicateInFlight {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		finish = s.guard.BeginInFlight(st.prompt, cancel)
	}
	defer finish()

	result, err := doGenerate(genCtx)
	if err != nil {
		s.releaseReservation(st)
		return nil, err
	}

	s.recordCompletion(st, p.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens, true, result.Text)
	return result, nil
}

// serveCacheHit finalizes a request satisfied from cache: the
// reservation is released (a hit costs nothing) and a zero-cost
// ledger entry records the savings.
func (s *Shield) serveCacheHit(st *requestState, model string) *GenerateResult {
	hit := st.cacheHit
	s.releaseReservation(st)

	saved := 0.0
	if s.ledger != nil {
		e := s.ledger.RecordCacheHit(model, hit.InputTokens, hit.OutputTokens)
		saved = e.Savings.Cache
	}
	if s.cfg.OnUsage != nil {
		s.cfg.OnUsage(UsageReport{
			Model:     model,
			Cost:      0,
			Saved:     saved,
			CacheHit:  true,
			LatencyMs: time.Since(st.startedAt).Milliseconds(),
		})
	}

	return &GenerateResult{
		Text:            hit.Response,
		Usage:           chat.Usage{},
		FinishReason:    "stop",
		CacheHit:        true,
		CacheMatchType:  hit.MatchType,
		CacheSimilarity: hit.Similarity,
	}
}

// recordCompletion performs the post-call accounting exactly once per
// request: ledger entry, breaker and guard spend, budget settlement,
// and (for completed responses) the cache store.
func (s *Shield) recordCompletion(st *requestState, model string, inputTokens, outputTokens int, storeInCache bool, responseText string) {
	cost, err := s.pricing.Cost(model, inputTokens, outputTokens)
	if err != nil {
		cost = 0
	}

	if s.ledger != nil {
		s.ledger.Record(ledger.Entry{
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Cost:         cost,
			Savings:      st.savings,
			LatencyMs:    time.Since(st.startedAt).Milliseconds(),
		})
	}
	if s.breaker != nil {
		s.breaker.RecordSpend(cost, model)
	}
	if s.guard != nil {
		s.guard.RecordCost(cost)
	}
	s.settleReservation(st, cost)

	if storeInCache && s.cache != nil && strings.TrimSpace(responseText) != "" {
		s.cache.Store(st.prompt, responseText, model, inputTokens, outputTokens)
		s.emit(events.CacheStore, events.CacheStorePayload{Prompt: st.prompt, Model: model})
	}

	if s.cfg.OnUsage != nil {
		s.cfg.OnUsage(UsageReport{
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Cost:         cost,
			Saved:        st.savings.Total(),
			LatencyMs:    time.Since(st.startedAt).Milliseconds(),
		})
	}
}

// Debounce collapses rapid-fire calls through the guard's debouncer:
// calls superseded within the debounce window resolve to a nil value
// and their contexts are cancelled.
func (s *Shield) Debounce(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if s.debounce == nil {
		return fn(ctx)
	}
	return s.debounce.Do(ctx, fn)
}

// Dispose releases persistent handles and detaches the instance.
// Idempotent.
func (s *Shield) Dispose() {
	s.disposeOnce.Do(func() {
		if s.debounce != nil {
			s.debounce.Flush()
		}
		for _, w := range s.writers {
			w.Close()
		}
		if s.store != nil {
			_ = s.store.Close()
		}
		s.bus.Close()
	})
}
