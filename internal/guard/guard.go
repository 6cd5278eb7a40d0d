// Package guard performs per-request admission control: input length
// bounds, deduplication, debounce, rate limiting, and an hourly cost
// ceiling.
package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/pricing"
	"github.com/amerfu/tokenshield/internal/token"
)

const (
	defaultMinInputLength = 2
	recentPromptCapacity  = 512
	rateWindow            = time.Minute
	costWindow            = time.Hour

	// Fallback output estimate when the caller gives none.
	defaultExpectedOutputTokens = 150
)

// Block reasons. Matched by callers on substring, so keep them stable.
const (
	ReasonTooShort        = "Input too short"
	ReasonTooLong         = "Input exceeds max tokens"
	ReasonDeduped         = "Deduped: identical prompt within window"
	ReasonDebounced       = "Debounced: request arrived too soon"
	ReasonRateLimited     = "Rate limited: too many requests per minute"
	ReasonCostCeiling     = "Hourly cost ceiling reached"
	ReasonDuplicateFlight = "Duplicate request already in flight"
)

// Config controls guard behavior. Zero values disable the
// corresponding check except MinInputLength, which defaults to 2.
type Config struct {
	Debounce             time.Duration
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
	DeduplicateWindow    time.Duration
	DeduplicateInFlight  bool
	MinInputLength       int
	MaxInputTokens       int
	Counter              *token.Counter
	Pricing              *pricing.Estimator
	Logger               *zap.Logger
}

// Decision is the admission verdict.
type Decision struct {
	Allowed       bool
	Reason        string
	EstimatedCost float64
}

// Stats is a read-only snapshot; producing it never mutates guard
// state.
type Stats struct {
	BlockedCount       int     `json:"blocked_count"`
	TotalBlocked       int64   `json:"total_blocked"`
	SavedCost          float64 `json:"saved_cost"`
	RequestsLastMinute int     `json:"requests_last_minute"`
	SpendLastHour      float64 `json:"spend_last_hour"`
	InFlight           int     `json:"in_flight"`
}

type costSample struct {
	at   time.Time
	cost float64
}

// Guard is the admission gate. All state lives behind one mutex.
type Guard struct {
	cfg     Config
	counter *token.Counter
	pricing *pricing.Estimator
	logger  *zap.Logger

	mu                sync.Mutex
	lastRequestTime   time.Time
	requestTimestamps []time.Time
	costLog           []costSample
	inFlight          map[string]func() // fingerprint -> abort
	recentPrompts     *lru.Cache[string, time.Time]

	blockedCount  int // consecutive blocks, reset on admission
	totalBlocked  int64
	blockedSaving float64

	now func() time.Time
}

// New builds a guard.
func New(cfg Config) (*Guard, error) {
	if cfg.MinInputLength <= 0 {
		cfg.MinInputLength = defaultMinInputLength
	}
	if cfg.Counter == nil {
		cfg.Counter = token.NewCounter("")
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	recent, err := lru.New[string, time.Time](recentPromptCapacity)
	if err != nil {
		return nil, err
	}
	return &Guard{
		cfg:           cfg,
		counter:       cfg.Counter,
		pricing:       cfg.Pricing,
		logger:        cfg.Logger,
		inFlight:      make(map[string]func()),
		recentPrompts: recent,
		now:           time.Now,
	}, nil
}

// fingerprint canonicalizes a prompt for dedup purposes.
func fingerprint(prompt string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(prompt))))
	return hex.EncodeToString(h[:])
}

// Check runs the admission checks in order; the first failure wins.
// On admission the request timestamp and prompt fingerprint are
// recorded and the debounce clock resets.
func (g *Guard) Check(prompt string, expectedOutputTokens int, modelID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	estimated := g.estimateCostLocked(prompt, expectedOutputTokens, modelID)

	if block := g.checkLocked(prompt, estimated, now); block != "" {
		g.blockedCount++
		g.totalBlocked++
		g.blockedSaving += estimated
		g.logger.Debug("request blocked",
			zap.String("reason", block),
			zap.Float64("estimated_cost", estimated))
		return Decision{Allowed: false, Reason: block, EstimatedCost: estimated}
	}

	g.blockedCount = 0
	g.lastRequestTime = now
	g.requestTimestamps = append(g.requestTimestamps, now)
	g.recentPrompts.Add(fingerprint(prompt), now)
	return Decision{Allowed: true, EstimatedCost: estimated}
}

func (g *Guard) checkLocked(prompt string, estimated float64, now time.Time) string {
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) < g.cfg.MinInputLength {
		return ReasonTooShort
	}
	if g.cfg.MaxInputTokens > 0 && g.counter.Count(prompt) > g.cfg.MaxInputTokens {
		return ReasonTooLong
	}
	fp := fingerprint(prompt)
	if g.cfg.DeduplicateWindow > 0 {
		if seen, ok := g.recentPrompts.Get(fp); ok && now.Sub(seen) < g.cfg.DeduplicateWindow {
			return ReasonDeduped
		}
	}
	if g.cfg.Debounce > 0 && !g.lastRequestTime.IsZero() && now.Sub(g.lastRequestTime) < g.cfg.Debounce {
		return ReasonDebounced
	}
	if g.cfg.MaxRequestsPerMinute > 0 && len(g.requestTimestamps) >= g.cfg.MaxRequestsPerMinute {
		return ReasonRateLimited
	}
	if g.cfg.MaxCostPerHour > 0 {
		spend := 0.0
		for _, s := range g.costLog {
			spend += s.cost
		}
		if spend+estimated > g.cfg.MaxCostPerHour {
			return ReasonCostCeiling
		}
	}
	if g.cfg.DeduplicateInFlight {
		if _, ok := g.inFlight[fp]; ok {
			return ReasonDuplicateFlight
		}
	}
	return ""
}

func (g *Guard) estimateCostLocked(prompt string, expectedOutputTokens int, modelID string) float64 {
	if modelID == "" {
		return 0
	}
	if expectedOutputTokens <= 0 {
		expectedOutputTokens = defaultExpectedOutputTokens
	}
	cost, err := g.pricing.Cost(modelID, g.counter.Count(prompt), expectedOutputTokens)
	if err != nil {
		return 0
	}
	return cost
}

// pruneLocked drops timestamps older than the rate window and cost
// samples older than the cost window.
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for ; i < len(g.requestTimestamps); i++ {
		if g.requestTimestamps[i].After(cutoff) {
			break
		}
	}
	g.requestTimestamps = g.requestTimestamps[i:]

	costCutoff := now.Add(-costWindow)
	j := 0
	for ; j < len(g.costLog); j++ {
		if g.costLog[j].at.After(costCutoff) {
			break
		}
	}
	g.costLog = g.costLog[j:]
}

// RecordCost appends an actual spend sample for the hourly ceiling.
func (g *Guard) RecordCost(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.costLog = append(g.costLog, costSample{at: g.now(), cost: cost})
}

// BeginInFlight registers a request's abort function under its prompt
// fingerprint and returns a completion callback. The callback is safe
// to call more than once.
func (g *Guard) BeginInFlight(prompt string, abort func()) func() {
	fp := fingerprint(prompt)
	g.mu.Lock()
	g.inFlight[fp] = abort
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, fp)
			g.mu.Unlock()
		})
	}
}

// AbortInFlight signals the in-flight request with the same
// fingerprint, if any, and reports whether one was found.
func (g *Guard) AbortInFlight(prompt string) bool {
	fp := fingerprint(prompt)
	g.mu.Lock()
	abort, ok := g.inFlight[fp]
	delete(g.inFlight, fp)
	g.mu.Unlock()
	if ok && abort != nil {
		abort()
	}
	return ok
}

// GetStats returns counters without mutating any window state, so
// repeated calls between mutations are identical.
func (g *Guard) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	requests := 0
	for _, ts := range g.requestTimestamps {
		if now.Sub(ts) <= rateWindow {
			requests++
		}
	}
	spend := 0.0
	for _, s := range g.costLog {
		if now.Sub(s.at) <= costWindow {
			spend += s.cost
		}
	}
	return Stats{
		BlockedCount:       g.blockedCount,
		TotalBlocked:       g.totalBlocked,
		SavedCost:          g.blockedSaving,
		RequestsLastMinute: requests,
		SpendLastHour:      spend,
		InFlight:           len(g.inFlight),
	}
}
