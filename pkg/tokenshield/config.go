package tokenshield

import (
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/breaker"
	"github.com/amerfu/tokenshield/internal/budget"
	"github.com/amerfu/tokenshield/internal/router"
)

// Modules toggles the optional pipeline stages. A nil Config.Modules
// enables everything except the router.
type Modules struct {
	Guard   bool `mapstructure:"guard"`
	Cache   bool `mapstructure:"cache"`
	Context bool `mapstructure:"context"`
	Router  bool `mapstructure:"router"`
	Prefix  bool `mapstructure:"prefix"`
	Ledger  bool `mapstructure:"ledger"`
}

func defaultModules() Modules {
	return Modules{Guard: true, Cache: true, Context: true, Router: false, Prefix: true, Ledger: true}
}

// GuardConfig mirrors the request guard options.
type GuardConfig struct {
	Debounce             time.Duration `mapstructure:"debounce"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64       `mapstructure:"max_cost_per_hour"`
	DeduplicateWindow    time.Duration `mapstructure:"deduplicate_window"`
	DeduplicateInFlight  bool          `mapstructure:"deduplicate_in_flight"`
	MinInputLength       int           `mapstructure:"min_input_length"`
	MaxInputTokens       int           `mapstructure:"max_input_tokens"`
}

// CacheConfig mirrors the semantic cache options.
type CacheConfig struct {
	MaxEntries          int           `mapstructure:"max_entries"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	// Encoding selects the fuzzy fingerprint scheme. Only "minhash"
	// is implemented; "holographic" is accepted for configuration
	// compatibility and falls back to minhash with a warning.
	Encoding  string `mapstructure:"encoding"`
	NumHashes int    `mapstructure:"num_hashes"`
	Bands     int    `mapstructure:"bands"`
	Persist   bool   `mapstructure:"persist"`
}

// ContextConfig mirrors the context fitter options.
type ContextConfig struct {
	MaxInputTokens   int  `mapstructure:"max_input_tokens"`
	ReserveForOutput int  `mapstructure:"reserve_for_output"`
	Summarize        bool `mapstructure:"summarize"`
}

// RouterConfig mirrors the complexity router options.
type RouterConfig struct {
	Tiers               []router.Tier `mapstructure:"tiers"`
	ComplexityThreshold float64       `mapstructure:"complexity_threshold"`
}

// PrefixConfig mirrors the prefix optimizer options.
type PrefixConfig struct {
	// Provider is openai, anthropic, google, or auto.
	Provider string `mapstructure:"provider"`
}

// LedgerConfig mirrors the cost ledger options.
type LedgerConfig struct {
	Persist   bool   `mapstructure:"persist"`
	Feature   string `mapstructure:"feature"`
	HashChain bool   `mapstructure:"hash_chain"`
}

// BreakerLimits holds optional window ceilings in dollars. A nil
// field leaves the window unlimited; an explicit zero blocks all
// traffic.
type BreakerLimits struct {
	PerSession *float64 `mapstructure:"per_session"`
	PerHour    *float64 `mapstructure:"per_hour"`
	PerDay     *float64 `mapstructure:"per_day"`
}

// BreakerConfig enables the spending circuit breaker.
type BreakerConfig struct {
	Limits  BreakerLimits  `mapstructure:"limits"`
	Action  breaker.Action `mapstructure:"action"`
	Persist bool           `mapstructure:"persist"`
}

// UserBudgetConfig enables per-user budget enforcement.
type UserBudgetConfig struct {
	// GetUserID supplies the user for requests that do not set
	// Params.UserID.
	GetUserID     func() string
	Users         map[string]budget.UserLimits
	DefaultLimits budget.UserLimits
	// TierModels pins user tiers to models; tier-routed requests skip
	// the complexity router.
	TierModels       map[string]string
	OnBudgetExceeded func(userID, window string, spent, limit float64)
	OnBudgetWarning  func(userID, window string, spent, limit float64)
	Persist          bool
}

// StorageConfig selects the persistence backend shared by all
// persistent components.
type StorageConfig struct {
	// Backend is memory, file, or redis. Empty defaults to memory.
	Backend  string        `mapstructure:"backend"`
	Dir      string        `mapstructure:"dir"`
	RedisURL string        `mapstructure:"redis_url"`
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
}

// UsageReport is delivered to the OnUsage hook after each settled
// request.
type UsageReport struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Saved        float64
	CacheHit     bool
	LatencyMs    int64
}

// Config is the full shield configuration.
type Config struct {
	Modules    *Modules
	Guard      GuardConfig
	Cache      CacheConfig
	Context    ContextConfig
	Router     RouterConfig
	Prefix     PrefixConfig
	Ledger     LedgerConfig
	Breaker    *BreakerConfig
	UserBudget *UserBudgetConfig
	Storage    StorageConfig

	// ForwardToGlobalBus mirrors every emitted event onto the
	// process-wide bus.
	ForwardToGlobalBus bool

	OnUsage   func(UsageReport)
	OnBlocked func(reason string, estimatedCost float64)

	Logger *zap.Logger
}
