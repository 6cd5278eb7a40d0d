// Package prefix reorders conversations so the stable portion forms a
// contiguous prompt prefix, maximizing provider-side prompt-cache
// discounts.
package prefix

import (
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/pricing"
	"github.com/amerfu/tokenshield/internal/token"
	"github.com/amerfu/tokenshield/pkg/chat"
)

// Provider prompt-cache discount rates on the cached prefix.
var discountRates = map[string]float64{
	pricing.ProviderOpenAI:    0.5,
	pricing.ProviderAnthropic: 0.9,
	pricing.ProviderGoogle:    0.75,
}

// OpenAI only activates prompt caching at this prefix size.
const openAIMinPrefixTokens = 1024

// Anthropic cache breakpoints are worth a dedicated block only past
// this size.
const anthropicFirstBlockTokens = 200

// Config controls the optimizer.
type Config struct {
	// Provider is one of openai, anthropic, google, or auto.
	Provider string
	Counter  *token.Counter
	Pricing  *pricing.Estimator
	Logger   *zap.Logger
}

// Result reports the reordered conversation.
type Result struct {
	Messages         []chat.Message
	StableCount      int
	StableTokens     int
	EstimatedSavings float64
	// Breakpoints are message indexes (into Messages) after which an
	// Anthropic cache breakpoint should be placed.
	Breakpoints []int
	Reordered   bool
}

// Optimizer implements stable-prefix reordering.
type Optimizer struct {
	cfg     Config
	counter *token.Counter
	pricing *pricing.Estimator
	logger  *zap.Logger
}

func New(cfg Config) *Optimizer {
	if cfg.Counter == nil {
		cfg.Counter = token.NewCounter("")
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Provider == "" {
		cfg.Provider = "auto"
	}
	return &Optimizer{cfg: cfg, counter: cfg.Counter, pricing: cfg.Pricing, logger: cfg.Logger}
}

// stable reports whether a message belongs to the stable prefix.
func stable(m chat.Message) bool {
	if m.Role == chat.RoleSystem || m.Pinned {
		return true
	}
	content := strings.ToLower(strings.TrimSpace(m.Content))
	return strings.HasPrefix(content, "previous conversation summary") ||
		strings.HasPrefix(content, "summary:")
}

// Optimize emits stable messages first, then volatile ones, keeping
// original order within each group, and estimates the provider
// prompt-cache savings for the stable prefix.
func (o *Optimizer) Optimize(messages []chat.Message, model string) Result {
	var stableMsgs, volatileMsgs []chat.Message
	for _, m := range messages {
		if stable(m) {
			stableMsgs = append(stableMsgs, m)
		} else {
			volatileMsgs = append(volatileMsgs, m)
		}
	}

	out := make([]chat.Message, 0, len(messages))
	out = append(out, stableMsgs...)
	out = append(out, volatileMsgs...)

	reordered := false
	for i := range messages {
		if messages[i].Content != out[i].Content || messages[i].Role != out[i].Role {
			reordered = true
			break
		}
	}

	stableTokens := 0
	for _, m := range stableMsgs {
		stableTokens += o.counter.CountMessage(m)
	}

	provider := o.cfg.Provider
	if provider == "auto" {
		provider = o.pricing.Provider(model)
	}

	res := Result{
		Messages:         out,
		StableCount:      len(stableMsgs),
		StableTokens:     stableTokens,
		EstimatedSavings: o.estimateSavings(provider, model, stableTokens),
		Reordered:        reordered,
	}

	if provider == pricing.ProviderAnthropic && len(stableMsgs) > 0 {
		if len(stableMsgs) > 1 && stableMsgs[0].Role == chat.RoleSystem &&
			o.counter.CountMessage(stableMsgs[0]) > anthropicFirstBlockTokens {
			res.Breakpoints = append(res.Breakpoints, 0)
		}
		res.Breakpoints = append(res.Breakpoints, len(stableMsgs)-1)
	}

	return res
}

// estimateSavings returns the expected dollar discount from a
// prompt-cache hit on the stable prefix.
func (o *Optimizer) estimateSavings(provider, model string, prefixTokens int) float64 {
	rate, ok := discountRates[provider]
	if !ok {
		return 0
	}
	if provider == pricing.ProviderOpenAI && prefixTokens < openAIMinPrefixTokens {
		return 0
	}
	p, err := o.pricing.Lookup(model)
	if err != nil {
		// Savings reporting swallows unknown models.
		return 0
	}
	return float64(prefixTokens) / 1e6 * p.InputPerMillion * rate
}
