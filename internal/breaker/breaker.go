// Package breaker enforces global spending ceilings over rolling
// session, hour, and day windows.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/pricing"
	"github.com/amerfu/tokenshield/internal/storage"
)

// Window identifiers.
const (
	WindowSession = "session"
	WindowHour    = "hour"
	WindowDay     = "day"
)

// Action controls what a tripped breaker does.
type Action string

const (
	ActionWarn     Action = "warn"     // never blocks
	ActionThrottle Action = "throttle" // reports allowed with a throttle reason
	ActionStop     Action = "stop"     // blocks hard
)

// Warnings fire when projected spend crosses this share of a limit.
const warnFraction = 0.8

// A zero limit blocks everything; percent used is pinned here rather
// than dividing by zero.
const percentUsedZeroLimit = 999

const persistKey = storage.PrefixBreaker + "state"

// Limits holds the configured ceilings. A nil field means the window
// is unlimited; an explicit 0 blocks all traffic on that window.
type Limits struct {
	PerSession *float64
	PerHour    *float64
	PerDay     *float64
}

// WarningFunc observes threshold crossings.
type WarningFunc func(limitType string, current, limit, percentUsed float64)

// Config controls breaker construction.
type Config struct {
	Limits    Limits
	Action    Action
	Pricing   *pricing.Estimator
	Store     storage.Store
	Writer    *storage.AsyncWriter
	OnWarning WarningFunc
	OnTripped WarningFunc
	Logger    *zap.Logger
}

// Decision is the outcome of a breaker check.
type Decision struct {
	Allowed     bool
	Reason      string
	LimitType   string
	PercentUsed float64
}

// Status is a read-only snapshot.
type Status struct {
	CurrentSpend map[string]float64 `json:"current_spend"`
	Limits       map[string]float64 `json:"limits"`
	Tripped      bool               `json:"tripped"`
	TrippedOn    string             `json:"tripped_on,omitempty"`
	Action       Action             `json:"action"`
}

type costSample struct {
	At   time.Time `json:"at"`
	Cost float64   `json:"cost"`
}

type persistedState struct {
	CostLog []costSample `json:"cost_log"`
}

// Breaker tracks rolling spend and trips when a window reaches its
// limit.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	pricing *pricing.Estimator
	logger  *zap.Logger

	costLog []costSample
	warned  map[string]bool

	writer *storage.AsyncWriter
	now    func() time.Time
}

// New builds a breaker; a non-nil Store restores the persisted cost
// log.
func New(cfg Config) *Breaker {
	if cfg.Action == "" {
		cfg.Action = ActionStop
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:     cfg,
		pricing: cfg.Pricing,
		logger:  cfg.Logger,
		warned:  make(map[string]bool),
		writer:  cfg.Writer,
		now:     time.Now,
	}
	if cfg.Store != nil {
		b.hydrate(cfg.Store)
	}
	return b
}

// limits returns the configured windows only.
func (b *Breaker) limits() map[string]float64 {
	out := make(map[string]float64, 3)
	if b.cfg.Limits.PerSession != nil {
		out[WindowSession] = *b.cfg.Limits.PerSession
	}
	if b.cfg.Limits.PerHour != nil {
		out[WindowHour] = *b.cfg.Limits.PerHour
	}
	if b.cfg.Limits.PerDay != nil {
		out[WindowDay] = *b.cfg.Limits.PerDay
	}
	return out
}

func windowSpan(window string) time.Duration {
	switch window {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0 // session: unbounded
	}
}

func (b *Breaker) spendLocked(window string, now time.Time) float64 {
	span := windowSpan(window)
	total := 0.0
	for _, s := range b.costLog {
		if span == 0 || now.Sub(s.At) <= span {
			total += s.Cost
		}
	}
	return total
}

func percentUsed(spend, limit float64) float64 {
	if limit <= 0 {
		return percentUsedZeroLimit
	}
	return spend / limit * 100
}

// Check estimates the request cost and blocks when any window's
// current spend has reached its limit. Unknown models are an error;
// pricing is mandatory here.
func (b *Breaker) Check(model string, estimatedInput, estimatedOutput int) (Decision, error) {
	estimated, err := b.pricing.Cost(model, estimatedInput, estimatedOutput)
	if err != nil {
		return Decision{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	limits := b.limits()
	for _, window := range []string{WindowSession, WindowHour, WindowDay} {
		limit, ok := limits[window]
		if !ok {
			continue
		}
		spend := b.spendLocked(window, now)

		if spend >= limit {
			pct := percentUsed(spend, limit)
			b.tripLocked(window, spend, limit, pct)
			switch b.cfg.Action {
			case ActionWarn:
				return Decision{Allowed: true, Reason: "Limit reached (warn only)", LimitType: window, PercentUsed: pct}, nil
			case ActionThrottle:
				return Decision{Allowed: true, Reason: "Throttled", LimitType: window, PercentUsed: pct}, nil
			default:
				return Decision{Allowed: false, Reason: "Spending limit reached", LimitType: window, PercentUsed: pct}, nil
			}
		}

		projected := spend + estimated
		if limit > 0 && projected >= warnFraction*limit {
			b.warnLocked(window, spend, limit, percentUsed(projected, limit))
		} else {
			// Crossing back below re-arms the warning.
			delete(b.warned, "warn:"+window)
		}
	}

	return Decision{Allowed: true}, nil
}

// warnLocked fires the warning callback once per threshold crossing.
func (b *Breaker) warnLocked(window string, spend, limit, pct float64) {
	key := "warn:" + window
	if b.warned[key] {
		return
	}
	b.warned[key] = true
	b.logger.Warn("spend approaching limit",
		zap.String("window", window),
		zap.Float64("spend", spend),
		zap.Float64("limit", limit))
	if b.cfg.OnWarning != nil {
		b.cfg.OnWarning(window, spend, limit, pct)
	}
}

func (b *Breaker) tripLocked(window string, spend, limit, pct float64) {
	key := "trip:" + window
	if b.warned[key] {
		return
	}
	b.warned[key] = true
	b.logger.Warn("spending limit tripped",
		zap.String("window", window),
		zap.Float64("spend", spend),
		zap.Float64("limit", limit))
	if b.cfg.OnTripped != nil {
		b.cfg.OnTripped(window, spend, limit, pct)
	}
}

// RecordSpend appends an actual cost sample after the API call.
func (b *Breaker) RecordSpend(cost float64, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.costLog = append(b.costLog, costSample{At: b.now(), Cost: cost})
	b.pruneLocked()
	b.persistLocked()
	b.logger.Debug("spend recorded",
		zap.Float64("cost", cost),
		zap.String("model", model))
}

// pruneLocked drops samples older than the widest bounded window,
// but only when no session limit is configured (session spend needs
// the full log).
func (b *Breaker) pruneLocked() {
	if b.cfg.Limits.PerSession != nil {
		return
	}
	cutoff := b.now().Add(-24 * time.Hour)
	i := 0
	for ; i < len(b.costLog); i++ {
		if b.costLog[i].At.After(cutoff) {
			break
		}
	}
	b.costLog = b.costLog[i:]
}

// GetStatus reports spend and trip state using the same thresholds as
// Check.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st := Status{
		CurrentSpend: make(map[string]float64, 3),
		Limits:       b.limits(),
		Action:       b.cfg.Action,
	}
	for _, window := range []string{WindowSession, WindowHour, WindowDay} {
		st.CurrentSpend[window] = b.spendLocked(window, now)
	}
	for window, limit := range st.Limits {
		if st.CurrentSpend[window] >= limit {
			st.Tripped = true
			st.TrippedOn = window
			break
		}
	}
	return st
}

// Reset clears all spend samples and warning state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.costLog = nil
	b.warned = make(map[string]bool)
	b.persistLocked()
}

func (b *Breaker) persistLocked() {
	if b.writer == nil {
		return
	}
	data, err := json.Marshal(persistedState{CostLog: b.costLog})
	if err != nil {
		return
	}
	b.writer.Enqueue(persistKey, data)
}

func (b *Breaker) hydrate(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := store.Get(ctx, persistKey)
	if err != nil {
		if err != storage.ErrNotFound {
			b.logger.Warn("hydrate breaker", zap.Error(err))
		}
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		b.logger.Warn("decode breaker state", zap.Error(err))
		return
	}
	b.costLog = state.CostLog
}
