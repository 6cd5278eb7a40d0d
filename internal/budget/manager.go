// Package budget enforces per-user daily and monthly spending caps
// with in-flight reservations: admission reserves the estimated cost,
// and every admitted request must settle or release exactly once.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/storage"
)

var (
	// ErrBudgetExceeded rejects an admission that would overrun a
	// window limit.
	ErrBudgetExceeded = errors.New("user budget exceeded")
)

// Windows.
const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

const warnFraction = 0.8

const persistKey = storage.PrefixBudget + "users"

// UserLimits configures one user. Zero means the window is unlimited.
type UserLimits struct {
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
	Tier    string  `json:"tier,omitempty"`
}

// AlertFunc observes budget warnings and rejections.
type AlertFunc func(userID, window string, spent, limit float64)

// Config controls manager construction.
type Config struct {
	Users         map[string]UserLimits
	DefaultLimits UserLimits
	// TierModels pins a user tier to a model id; tier-routed requests
	// skip the complexity router.
	TierModels map[string]string
	OnWarning  AlertFunc
	OnExceeded AlertFunc
	Store      storage.Store
	Writer     *storage.AsyncWriter
	Logger     *zap.Logger
}

// Reservation is the in-flight hold taken at admission. It must be
// settled or released exactly once.
type Reservation struct {
	UserID string
	Amount float64
}

type userState struct {
	Limits     UserLimits `json:"limits"`
	SpentDay   float64    `json:"spent_day"`
	SpentMonth float64    `json:"spent_month"`
	Inflight   float64    `json:"inflight"`
	DayStart   time.Time  `json:"day_start"`
	MonthStart time.Time  `json:"month_start"`
	warned     map[string]bool
}

// UserStatus is a read-only view of one user's budget.
type UserStatus struct {
	UserID     string     `json:"user_id"`
	Limits     UserLimits `json:"limits"`
	SpentDay   float64    `json:"spent_day"`
	SpentMonth float64    `json:"spent_month"`
	Inflight   float64    `json:"inflight"`
}

// Manager tracks all user budgets behind one mutex.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	users  map[string]*userState
	writer *storage.AsyncWriter
	logger *zap.Logger
	now    func() time.Time
}

// New builds a manager; a non-nil Store restores persisted spend.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		users:  make(map[string]*userState),
		writer: cfg.Writer,
		logger: cfg.Logger,
		now:    time.Now,
	}
	if cfg.Store != nil {
		m.hydrate(cfg.Store)
	}
	return m
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// stateLocked returns the user's state, creating it with configured or
// default limits, and advances window boundaries.
func (m *Manager) stateLocked(userID string) *userState {
	now := m.now()
	st, ok := m.users[userID]
	if !ok {
		limits, configured := m.cfg.Users[userID]
		if !configured {
			limits = m.cfg.DefaultLimits
		}
		st = &userState{
			Limits:     limits,
			DayStart:   dayStart(now),
			MonthStart: monthStart(now),
			warned:     make(map[string]bool),
		}
		m.users[userID] = st
	}
	if st.warned == nil {
		st.warned = make(map[string]bool)
	}
	if ds := dayStart(now); ds.After(st.DayStart) {
		st.DayStart = ds
		st.SpentDay = 0
		delete(st.warned, WindowDaily)
	}
	if ms := monthStart(now); ms.After(st.MonthStart) {
		st.MonthStart = ms
		st.SpentMonth = 0
		delete(st.warned, WindowMonthly)
	}
	return st
}

// Check admits or rejects a request, atomically reserving the
// estimated cost on admission.
func (m *Manager) Check(userID string, estimatedCost float64) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(userID)

	type windowCheck struct {
		name  string
		spent float64
		limit float64
	}
	checks := []windowCheck{
		{WindowDaily, st.SpentDay, st.Limits.Daily},
		{WindowMonthly, st.SpentMonth, st.Limits.Monthly},
	}

	for _, w := range checks {
		if w.limit <= 0 {
			continue
		}
		projected := w.spent + st.Inflight + estimatedCost
		if projected > w.limit {
			m.logger.Debug("budget admission rejected",
				zap.String("user_id", userID),
				zap.String("window", w.name),
				zap.Float64("projected", projected),
				zap.Float64("limit", w.limit))
			if m.cfg.OnExceeded != nil {
				m.cfg.OnExceeded(userID, w.name, w.spent, w.limit)
			}
			return nil, fmt.Errorf("%w: %s window ($%.4f of $%.4f)", ErrBudgetExceeded, w.name, w.spent, w.limit)
		}
		if projected >= warnFraction*w.limit && !st.warned[w.name] {
			st.warned[w.name] = true
			if m.cfg.OnWarning != nil {
				m.cfg.OnWarning(userID, w.name, w.spent, w.limit)
			}
		}
	}

	st.Inflight += estimatedCost
	return &Reservation{UserID: userID, Amount: estimatedCost}, nil
}

// Settle converts a reservation into recorded spend.
func (m *Manager) Settle(userID string, actualCost, inflightAmount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(userID)
	st.SpentDay += actualCost
	st.SpentMonth += actualCost
	st.Inflight -= inflightAmount
	if st.Inflight < 0 {
		st.Inflight = 0
	}
	m.persistLocked()
}

// Release returns a reservation without recording spend. Used on
// cache hits, downstream admission failures, and API errors.
func (m *Manager) Release(userID string, inflightAmount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(userID)
	st.Inflight -= inflightAmount
	if st.Inflight < 0 {
		st.Inflight = 0
	}
}

// RouteModel returns the model pinned to the user's tier, if any.
func (m *Manager) RouteModel(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(userID)
	if st.Limits.Tier == "" || m.cfg.TierModels == nil {
		return "", false
	}
	model, ok := m.cfg.TierModels[st.Limits.Tier]
	return model, ok && model != ""
}

// GetStatus returns the user's current budget view.
func (m *Manager) GetStatus(userID string) UserStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(userID)
	return UserStatus{
		UserID:     userID,
		Limits:     st.Limits,
		SpentDay:   st.SpentDay,
		SpentMonth: st.SpentMonth,
		Inflight:   st.Inflight,
	}
}

func (m *Manager) persistLocked() {
	if m.writer == nil {
		return
	}
	data, err := json.Marshal(m.users)
	if err != nil {
		return
	}
	m.writer.Enqueue(persistKey, data)
}

// hydrate restores spend and window boundaries. In-flight amounts are
// deliberately not restored: reservations do not survive a restart.
func (m *Manager) hydrate(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := store.Get(ctx, persistKey)
	if err != nil {
		if err != storage.ErrNotFound {
			m.logger.Warn("hydrate user budgets", zap.Error(err))
		}
		return
	}
	var stored map[string]*userState
	if err := json.Unmarshal(data, &stored); err != nil {
		m.logger.Warn("decode user budgets", zap.Error(err))
		return
	}
	for id, st := range stored {
		if st == nil {
			continue
		}
		st.Inflight = 0
		st.warned = make(map[string]bool)
		m.users[id] = st
	}
}
