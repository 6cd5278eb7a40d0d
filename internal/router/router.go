// Package router downgrades requests to cheaper model tiers when the
// prompt's complexity score permits.
package router

import (
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/pricing"
)

// Tier maps a model to the highest complexity it should serve.
type Tier struct {
	ModelID       string  `json:"model_id" mapstructure:"model_id"`
	MaxComplexity float64 `json:"max_complexity" mapstructure:"max_complexity"`
}

// Config controls the router.
type Config struct {
	Tiers []Tier
	// ComplexityThreshold short-circuits routing: prompts scoring at
	// or above it always keep the original model.
	ComplexityThreshold float64
	Pricing             *pricing.Estimator
	Logger              *zap.Logger
}

// Decision reports the routing outcome.
type Decision struct {
	Model      string
	Complexity float64
	Downgraded bool
	SavedCost  float64
}

// Router scores prompts and picks the cheapest adequate tier.
type Router struct {
	cfg     Config
	tiers   []Tier // sorted cheapest first
	pricing *pricing.Estimator
	logger  *zap.Logger
}

// Terms whose presence suggests the prompt needs a stronger model.
var technicalTerms = []string{
	"algorithm", "architecture", "async", "compile", "concurrency",
	"database", "debug", "derivative", "equation", "implement",
	"integral", "kubernetes", "latency", "matrix", "optimize",
	"protocol", "proof", "recursion", "refactor", "regression",
	"schema", "theorem", "throughput",
}

// New builds a router. Tiers are ordered cheapest first using the
// pricing table; unpriced tiers sort last.
func New(cfg Config) *Router {
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ComplexityThreshold <= 0 {
		cfg.ComplexityThreshold = 100
	}

	tiers := make([]Tier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	cost := func(model string) float64 {
		p, err := cfg.Pricing.Lookup(model)
		if err != nil {
			return 1e18
		}
		return p.InputPerMillion + p.OutputPerMillion
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return cost(tiers[i].ModelID) < cost(tiers[j].ModelID)
	})

	return &Router{cfg: cfg, tiers: tiers, pricing: cfg.Pricing, logger: cfg.Logger}
}

// Complexity scores a prompt in [0, 100] from length, punctuation
// density, and technical term density.
func Complexity(prompt string) float64 {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return 0
	}

	runes := []rune(trimmed)

	// Length: saturates at 2000 characters.
	lengthScore := float64(len(runes)) / 2000 * 100
	if lengthScore > 100 {
		lengthScore = 100
	}

	// Punctuation density: code, math, and structured asks are
	// punctuation-heavy.
	punct := 0
	for _, r := range runes {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	punctScore := float64(punct) / float64(len(runes)) * 500
	if punctScore > 100 {
		punctScore = 100
	}

	// Technical term density.
	lower := strings.ToLower(trimmed)
	words := len(strings.Fields(lower))
	found := 0
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			found++
		}
	}
	termScore := 0.0
	if words > 0 {
		termScore = float64(found) / float64(words) * 1000
		if termScore > 100 {
			termScore = 100
		}
	}

	score := 0.4*lengthScore + 0.25*punctScore + 0.35*termScore
	if score > 100 {
		score = 100
	}
	return score
}

// Route picks the cheapest tier whose MaxComplexity covers the
// prompt's score. The original model is kept when no tier fits, when
// the score reaches the threshold, or when the tier is not actually
// cheaper. Savings use the given token counts; unknown pricing
// records zero savings.
func (r *Router) Route(prompt, originalModel string, inputTokens, outputTokens int) Decision {
	score := Complexity(prompt)
	out := Decision{Model: originalModel, Complexity: score}

	if len(r.tiers) == 0 || score >= r.cfg.ComplexityThreshold {
		return out
	}

	for _, tier := range r.tiers {
		if tier.MaxComplexity < score {
			continue
		}
		if tier.ModelID == originalModel {
			return out
		}
		originalCost, err1 := r.pricing.Cost(originalModel, inputTokens, outputTokens)
		chosenCost, err2 := r.pricing.Cost(tier.ModelID, inputTokens, outputTokens)
		saved := 0.0
		if err1 == nil && err2 == nil {
			saved = originalCost - chosenCost
		}
		if saved < 0 {
			// The tier would cost more than the requested model.
			return out
		}
		r.logger.Debug("routed to cheaper tier",
			zap.String("original", originalModel),
			zap.String("selected", tier.ModelID),
			zap.Float64("complexity", score))
		return Decision{
			Model:      tier.ModelID,
			Complexity: score,
			Downgraded: true,
			SavedCost:  saved,
		}
	}
	return out
}
