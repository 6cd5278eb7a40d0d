// Package pricing maps model identifiers to dollar costs using a
// static per-million-token table.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownModel is returned when a model id has no pricing entry.
var ErrUnknownModel = errors.New("unknown model")

// Provider names recognized by the table.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
	ProviderOpenSource = "open-source"
)

// ModelPricing holds per-million-token prices for a single model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
	Provider         string  `json:"provider"`
}

// DefaultTable is the static pricing table. Prices are USD per one
// million tokens.
var DefaultTable = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPerMillion: 2.50, OutputPerMillion: 10.00, Provider: ProviderOpenAI},
	"gpt-4o-mini":   {InputPerMillion: 0.15, OutputPerMillion: 0.60, Provider: ProviderOpenAI},
	"gpt-4-turbo":   {InputPerMillion: 10.00, OutputPerMillion: 30.00, Provider: ProviderOpenAI},
	"gpt-4":         {InputPerMillion: 30.00, OutputPerMillion: 60.00, Provider: ProviderOpenAI},
	"gpt-3.5-turbo": {InputPerMillion: 0.50, OutputPerMillion: 1.50, Provider: ProviderOpenAI},
	"o1":            {InputPerMillion: 15.00, OutputPerMillion: 60.00, Provider: ProviderOpenAI},
	"o1-mini":       {InputPerMillion: 1.10, OutputPerMillion: 4.40, Provider: ProviderOpenAI},
	"o3-mini":       {InputPerMillion: 1.10, OutputPerMillion: 4.40, Provider: ProviderOpenAI},

	// Anthropic
	"claude-3-opus":     {InputPerMillion: 15.00, OutputPerMillion: 75.00, Provider: ProviderAnthropic},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00, Provider: ProviderAnthropic},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00, Provider: ProviderAnthropic},
	"claude-3-haiku":    {InputPerMillion: 0.25, OutputPerMillion: 1.25, Provider: ProviderAnthropic},

	// Google
	"gemini-1.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 5.00, Provider: ProviderGoogle},
	"gemini-1.5-flash": {InputPerMillion: 0.075, OutputPerMillion: 0.30, Provider: ProviderGoogle},
	"gemini-2.0-flash": {InputPerMillion: 0.10, OutputPerMillion: 0.40, Provider: ProviderGoogle},

	// Open source (hosted)
	"llama-3.1-70b": {InputPerMillion: 0.59, OutputPerMillion: 0.79, Provider: ProviderOpenSource},
	"llama-3.1-8b":  {InputPerMillion: 0.055, OutputPerMillion: 0.055, Provider: ProviderOpenSource},
	"mixtral-8x7b":  {InputPerMillion: 0.24, OutputPerMillion: 0.24, Provider: ProviderOpenSource},
}

// Estimator computes dollar costs from token counts. Overrides layered
// on top of the default table take precedence, matching how the
// gateway layers config pricing over its shipped table.
type Estimator struct {
	mu        sync.RWMutex
	table     map[string]ModelPricing
	overrides map[string]ModelPricing
}

// NewEstimator returns an estimator over the default table.
func NewEstimator() *Estimator {
	return &Estimator{
		table:     DefaultTable,
		overrides: make(map[string]ModelPricing),
	}
}

// Override installs or replaces pricing for a model.
func (e *Estimator) Override(model string, p ModelPricing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[model] = p
}

// Lookup returns the pricing entry for a model.
func (e *Estimator) Lookup(model string) (ModelPricing, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if p, ok := e.overrides[model]; ok {
		return p, nil
	}
	if p, ok := e.table[model]; ok {
		return p, nil
	}
	// Dated releases keep their base model's pricing
	// (e.g. gpt-4o-2024-08-06).
	base := baseModelID(model)
	if p, ok := e.table[base]; ok {
		return p, nil
	}
	return ModelPricing{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// Cost returns the dollar cost for the given token counts.
func (e *Estimator) Cost(model string, inputTokens, outputTokens int) (float64, error) {
	p, err := e.Lookup(model)
	if err != nil {
		return 0, err
	}
	input := float64(inputTokens) / 1e6 * p.InputPerMillion
	output := float64(outputTokens) / 1e6 * p.OutputPerMillion
	return input + output, nil
}

// Provider returns the provider name for a model id. Unknown models
// fall back to prefix heuristics so approximate token accounting still
// works for unpriced models.
func (e *Estimator) Provider(model string) string {
	if p, err := e.Lookup(model); err == nil {
		return p.Provider
	}
	return GuessProvider(model)
}

// GuessProvider classifies a model id by its naming convention.
func GuessProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return ProviderOpenAI
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini"), strings.HasPrefix(m, "palm"):
		return ProviderGoogle
	case strings.HasPrefix(m, "llama"), strings.HasPrefix(m, "mixtral"), strings.HasPrefix(m, "mistral"), strings.HasPrefix(m, "qwen"), strings.HasPrefix(m, "deepseek"):
		return ProviderOpenSource
	default:
		return ""
	}
}

// baseModelID strips a trailing -YYYY-MM-DD date suffix.
func baseModelID(model string) string {
	if len(model) > 11 {
		tail := model[len(model)-11:]
		if tail[0] == '-' && isDigits(tail[1:5]) && tail[5] == '-' && isDigits(tail[6:8]) && tail[8] == '-' && isDigits(tail[9:11]) {
			return model[:len(model)-11]
		}
	}
	return model
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
