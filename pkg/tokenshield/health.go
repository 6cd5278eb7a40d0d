package tokenshield

import (
	"github.com/amerfu/tokenshield/internal/breaker"
	"github.com/amerfu/tokenshield/internal/budget"
	"github.com/amerfu/tokenshield/internal/cache"
	"github.com/amerfu/tokenshield/internal/guard"
	"github.com/amerfu/tokenshield/internal/ledger"
)

// Health is a point-in-time view of the instance. Module sections are
// nil when the module is disabled.
type Health struct {
	Healthy bool `json:"healthy"`

	Cache   *cache.Stats    `json:"cache,omitempty"`
	Guard   *guard.Stats    `json:"guard,omitempty"`
	Breaker *breaker.Status `json:"breaker,omitempty"`
	Ledger  *ledger.Summary `json:"ledger,omitempty"`
}

// HealthCheck reports module health. The instance is unhealthy only
// when a configured breaker has tripped.
func (s *Shield) HealthCheck() Health {
	h := Health{Healthy: true}
	if s.cache != nil {
		st := s.cache.GetStats()
		h.Cache = &st
	}
	if s.guard != nil {
		st := s.guard.GetStats()
		h.Guard = &st
	}
	if s.breaker != nil {
		st := s.breaker.GetStatus()
		h.Breaker = &st
		if st.Tripped {
			h.Healthy = false
		}
	}
	if s.ledger != nil {
		sum := s.ledger.GetSummary()
		h.Ledger = &sum
	}
	return h
}

// GetSummary aggregates the ledger; zero-valued when the ledger is
// disabled.
func (s *Shield) GetSummary() ledger.Summary {
	if s.ledger == nil {
		return ledger.Summary{}
	}
	return s.ledger.GetSummary()
}

// LedgerEntries returns a copy of all recorded ledger entries.
func (s *Shield) LedgerEntries() []ledger.Entry {
	if s.ledger == nil {
		return nil
	}
	return s.ledger.Entries()
}

// VerifyLedger walks the ledger hash chain.
func (s *Shield) VerifyLedger() ledger.IntegrityReport {
	if s.ledger == nil {
		return ledger.IntegrityReport{Valid: true}
	}
	return s.ledger.VerifyIntegrity()
}

// CacheStats returns semantic cache counters.
func (s *Shield) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.GetStats()
}

// GuardStats returns admission counters.
func (s *Shield) GuardStats() guard.Stats {
	if s.guard == nil {
		return guard.Stats{}
	}
	return s.guard.GetStats()
}

// BreakerStatus returns breaker spend and trip state.
func (s *Shield) BreakerStatus() breaker.Status {
	if s.breaker == nil {
		return breaker.Status{}
	}
	return s.breaker.GetStatus()
}

// UserBudgetStatus returns one user's budget view; zero-valued when
// user budgets are disabled.
func (s *Shield) UserBudgetStatus(userID string) budget.UserStatus {
	if s.budget == nil {
		return budget.UserStatus{UserID: userID}
	}
	return s.budget.GetStatus(userID)
}

// ResetBreaker clears breaker spend, for session boundaries.
func (s *Shield) ResetBreaker() {
	if s.breaker != nil {
		s.breaker.Reset()
	}
}

// AbortInFlight aborts a running request with the same prompt, if
// any.
func (s *Shield) AbortInFlight(prompt string) bool {
	if s.guard == nil {
		return false
	}
	return s.guard.AbortInFlight(prompt)
}
