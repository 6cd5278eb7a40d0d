package events

// Event names emitted by a shield instance.
const (
	RequestAllowed = "request:allowed"
	RequestBlocked = "request:blocked"

	CacheHit   = "cache:hit"
	CacheMiss  = "cache:miss"
	CacheStore = "cache:store"

	ContextTrimmed = "context:trimmed"

	RouterDowngraded = "router:downgraded"

	LedgerEntry = "ledger:entry"

	BreakerWarning = "breaker:warning"
	BreakerTripped = "breaker:tripped"

	UserBudgetWarning  = "userBudget:warning"
	UserBudgetExceeded = "userBudget:exceeded"
	UserBudgetSpend    = "userBudget:spend"

	StorageError = "storage:error"
)

// Match types reported on cache:hit.
const (
	MatchExact = "exact"
	MatchFuzzy = "fuzzy"
)

type RequestAllowedPayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

type RequestBlockedPayload struct {
	Reason        string  `json:"reason"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type CacheHitPayload struct {
	MatchType  string  `json:"match_type"`
	Similarity float64 `json:"similarity"`
	SavedCost  float64 `json:"saved_cost"`
}

type CacheMissPayload struct {
	Prompt string `json:"prompt"`
}

type CacheStorePayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

type ContextTrimmedPayload struct {
	OriginalTokens int `json:"original_tokens"`
	TrimmedTokens  int `json:"trimmed_tokens"`
	SavedTokens    int `json:"saved_tokens"`
}

type RouterDowngradedPayload struct {
	OriginalModel string  `json:"original_model"`
	SelectedModel string  `json:"selected_model"`
	Complexity    float64 `json:"complexity"`
	SavedCost     float64 `json:"saved_cost"`
}

type LedgerEntryPayload struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Saved        float64 `json:"saved"`
}

type BreakerWarningPayload struct {
	LimitType   string  `json:"limit_type"`
	Current     float64 `json:"current"`
	Limit       float64 `json:"limit"`
	PercentUsed float64 `json:"percent_used"`
}

type BreakerTrippedPayload struct {
	LimitType   string  `json:"limit_type"`
	Current     float64 `json:"current"`
	Limit       float64 `json:"limit"`
	PercentUsed float64 `json:"percent_used"`
}

type UserBudgetPayload struct {
	UserID      string  `json:"user_id"`
	Window      string  `json:"window"`
	Spent       float64 `json:"spent"`
	Limit       float64 `json:"limit"`
	PercentUsed float64 `json:"percent_used"`
}

type UserBudgetSpendPayload struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

type StorageErrorPayload struct {
	Module    string `json:"module"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}
