// Package ledger keeps the append-only record of per-request spend
// and savings, with optional SHA-256 hash chaining for tamper
// evidence.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/pricing"
	"github.com/amerfu/tokenshield/internal/storage"
)

const persistKey = storage.PrefixLedger + "entries"

// genesisHash seeds the hash chain.
const genesisHash = "genesis"

// Savings breaks a request's avoided spend down by module.
type Savings struct {
	Cache   float64 `json:"cache,omitempty"`
	Context float64 `json:"context,omitempty"`
	Router  float64 `json:"router,omitempty"`
	Prefix  float64 `json:"prefix,omitempty"`
}

// Total sums all savings buckets.
func (s Savings) Total() float64 {
	return s.Cache + s.Context + s.Router + s.Prefix
}

// Entry is one immutable ledger record.
type Entry struct {
	Seq          uint64    `json:"seq"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Savings      Savings   `json:"savings"`
	Feature      string    `json:"feature,omitempty"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	CacheHit     bool      `json:"cache_hit,omitempty"`
	PrevHash     string    `json:"prev_hash,omitempty"`
	Hash         string    `json:"hash,omitempty"`
}

// Summary aggregates the ledger.
type Summary struct {
	TotalSpent   float64            `json:"total_spent"`
	TotalSaved   float64            `json:"total_saved"`
	ByModule     map[string]float64 `json:"by_module"`
	ByModel      map[string]float64 `json:"by_model"`
	CacheHits    int64              `json:"cache_hits"`
	EntryCount   int                `json:"entry_count"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
}

// IntegrityReport is the result of a hash-chain walk.
type IntegrityReport struct {
	Valid       bool    `json:"valid"`
	FirstBadSeq *uint64 `json:"first_bad_seq,omitempty"`
}

// EntryFunc observes appended entries.
type EntryFunc func(Entry)

// Config controls ledger construction.
type Config struct {
	Feature   string
	HashChain bool
	Store     storage.Store
	Writer    *storage.AsyncWriter
	OnEntry   EntryFunc
	Pricing   *pricing.Estimator
	Logger    *zap.Logger
}

// Ledger is the append-only cost log. Seq numbers are strictly
// increasing and gap-free; recorded entries are never modified.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry
	lastSeq uint64
	pricing *pricing.Estimator
	writer  *storage.AsyncWriter
	logger  *zap.Logger
}

// New builds a ledger; a non-nil Store restores persisted entries and
// resumes seq numbering after the highest stored value.
func New(cfg Config) *Ledger {
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := &Ledger{
		cfg:     cfg,
		pricing: cfg.Pricing,
		writer:  cfg.Writer,
		logger:  cfg.Logger,
	}
	if cfg.Store != nil {
		l.hydrate(cfg.Store)
	}
	return l
}

// Record appends an entry, assigning seq, id, timestamp, and (when
// enabled) the chain hashes. The stored entry is returned.
func (l *Ledger) Record(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	e.Seq = l.lastSeq
	e.ID = uuid.NewString()
	e.Timestamp = time.Now()
	if e.Feature == "" {
		e.Feature = l.cfg.Feature
	}

	if l.cfg.HashChain {
		prev := genesisHash
		if n := len(l.entries); n > 0 {
			prev = l.entries[n-1].Hash
		}
		e.PrevHash = prev
		e.Hash = chainHash(e)
	}

	l.entries = append(l.entries, e)
	l.persistLocked()

	if l.cfg.OnEntry != nil {
		l.cfg.OnEntry(e)
	}
	return e
}

// RecordCacheHit appends a zero-cost entry whose cache savings equal
// the estimated cost of the avoided call. Unknown models record zero
// savings rather than failing.
func (l *Ledger) RecordCacheHit(model string, savedInputTokens, savedOutputTokens int) Entry {
	saved, err := l.pricing.Cost(model, savedInputTokens, savedOutputTokens)
	if err != nil {
		saved = 0
	}
	return l.Record(Entry{
		Model:        model,
		InputTokens:  0,
		OutputTokens: 0,
		Cost:         0,
		CacheHit:     true,
		Savings:      Savings{Cache: saved},
	})
}

// chainHash computes SHA-256(seq || timestamp || payload || prevHash).
func chainHash(e Entry) string {
	payload, _ := json.Marshal(struct {
		Model        string  `json:"model"`
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		Cost         float64 `json:"cost"`
		Savings      Savings `json:"savings"`
	}{e.Model, e.InputTokens, e.OutputTokens, e.Cost, e.Savings})

	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|", e.Seq, e.Timestamp.UnixNano())
	h.Write(payload)
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyIntegrity walks the hash chain and reports the first break.
func (l *Ledger) VerifyIntegrity() IntegrityReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.HashChain {
		return IntegrityReport{Valid: true}
	}
	prev := genesisHash
	for i := range l.entries {
		e := l.entries[i]
		if e.PrevHash != prev || e.Hash != chainHash(e) {
			seq := e.Seq
			return IntegrityReport{Valid: false, FirstBadSeq: &seq}
		}
		prev = e.Hash
	}
	return IntegrityReport{Valid: true}
}

// Entries returns a copy of all recorded entries.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// GetSummary aggregates spend and savings across all entries.
func (l *Ledger) GetSummary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		ByModule: make(map[string]float64),
		ByModel:  make(map[string]float64),
	}
	for _, e := range l.entries {
		s.TotalSpent += e.Cost
		s.TotalSaved += e.Savings.Total()
		s.ByModule["cache"] += e.Savings.Cache
		s.ByModule["context"] += e.Savings.Context
		s.ByModule["router"] += e.Savings.Router
		s.ByModule["prefix"] += e.Savings.Prefix
		s.ByModel[e.Model] += e.Cost
		s.InputTokens += int64(e.InputTokens)
		s.OutputTokens += int64(e.OutputTokens)
		if e.CacheHit {
			s.CacheHits++
		}
	}
	s.EntryCount = len(l.entries)
	return s
}

func (l *Ledger) persistLocked() {
	if l.writer == nil {
		return
	}
	data, err := json.Marshal(l.entries)
	if err != nil {
		return
	}
	l.writer.Enqueue(persistKey, data)
}

func (l *Ledger) hydrate(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := store.Get(ctx, persistKey)
	if err != nil {
		if err != storage.ErrNotFound {
			l.logger.Warn("hydrate ledger", zap.Error(err))
		}
		return
	}
	var stored []Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		l.logger.Warn("decode ledger entries", zap.Error(err))
		return
	}
	l.entries = stored
	for _, e := range stored {
		if e.Seq > l.lastSeq {
			l.lastSeq = e.Seq
		}
	}
	l.logger.Info("ledger hydrated", zap.Int("entries", len(stored)))
}
