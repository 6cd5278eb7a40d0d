// Package cache implements the semantic response cache: exact lookup
// by normalized prompt + model, and fuzzy lookup through a MinHash
// LSH index over character trigrams.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/storage"
)

const (
	defaultMaxEntries = 1000
	defaultTTL        = time.Hour
	defaultThreshold  = 0.85

	// Prompts shorter than this get a tighter similarity threshold:
	// trigram sets of tiny prompts collide too easily.
	shortPromptChars      = 10
	shortPromptTightening = 0.05

	persistKey = storage.PrefixCache + "entries"
)

// Config controls cache construction.
type Config struct {
	MaxEntries          int
	TTL                 time.Duration
	SimilarityThreshold float64
	NumHashes           int
	Bands               int
	Store               storage.Store
	Writer              *storage.AsyncWriter
	Logger              *zap.Logger
}

// Entry is one cached response.
type Entry struct {
	Fingerprint  string        `json:"fingerprint"`
	Model        string        `json:"model"`
	Prompt       string        `json:"prompt"`
	Response     string        `json:"response"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	StoredAt     time.Time     `json:"stored_at"`
	TTL          time.Duration `json:"ttl"`
	Hits         int           `json:"hits"`
	Signature    Signature     `json:"signature"`

	lastAccess time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// Hit describes a successful lookup.
type Hit struct {
	Response     string
	Model        string
	MatchType    string // "exact" or "fuzzy"
	Similarity   float64
	InputTokens  int
	OutputTokens int
}

// Stats is a read-only snapshot of cache counters.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is the two-stage semantic response cache. All state is
// guarded by a single mutex; entry ids in the LSH index are slice
// positions kept current across swap-removes.
type Cache struct {
	mu      sync.Mutex
	entries []*Entry
	byExact map[string]int
	index   *lshIndex

	maxEntries int
	ttl        time.Duration
	threshold  float64
	numHashes  int

	hits   int64
	misses int64

	writer *storage.AsyncWriter
	logger *zap.Logger
}

// New builds a cache; a non-nil Store is read once to restore
// previously persisted entries.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultThreshold
	}
	if cfg.NumHashes <= 0 {
		cfg.NumHashes = defaultNumHashes
	}
	if cfg.Bands <= 0 {
		cfg.Bands = defaultBands
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	index, err := newLSHIndex(cfg.NumHashes, cfg.Bands)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		entries:    make([]*Entry, 0, cfg.MaxEntries),
		byExact:    make(map[string]int),
		index:      index,
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		threshold:  cfg.SimilarityThreshold,
		numHashes:  cfg.NumHashes,
		writer:     cfg.Writer,
		logger:     cfg.Logger,
	}

	if cfg.Store != nil {
		c.hydrate(cfg.Store)
	}
	return c, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Fingerprint is the exact-match key: sha256 over the normalized
// prompt text and the model id.
func Fingerprint(prompt, model string) string {
	h := sha256.Sum256([]byte(normalize(prompt) + "\x00" + model))
	return hex.EncodeToString(h[:])
}

// Lookup returns the best cached response for (prompt, model), or
// false on miss. TTL-expired entries encountered along the way are
// deleted in place.
func (c *Cache) Lookup(prompt, model string) (Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	norm := normalize(prompt)

	// Stage 1: exact.
	if pos, ok := c.byExact[Fingerprint(prompt, model)]; ok {
		e := c.entries[pos]
		if e.expired(now) {
			c.deleteAt(pos)
		} else {
			e.Hits++
			e.lastAccess = now
			c.hits++
			return Hit{
				Response:     e.Response,
				Model:        e.Model,
				MatchType:    "exact",
				Similarity:   1,
				InputTokens:  e.InputTokens,
				OutputTokens: e.OutputTokens,
			}, true
		}
	}

	// Stage 2: fuzzy via LSH band buckets.
	threshold := c.threshold
	if len(norm) < shortPromptChars {
		threshold += shortPromptTightening
	}

	sig := ComputeSignature(norm, c.numHashes)
	best := -1
	bestSim := 0.0
	var expired []int
	for _, pos := range c.index.candidates(sig) {
		e := c.entries[pos]
		if e.Model != model {
			continue
		}
		if e.expired(now) {
			expired = append(expired, pos)
			continue
		}
		if sim := Resonance(sig, e.Signature); sim >= threshold && sim > bestSim {
			best = pos
			bestSim = sim
		}
	}

	var hit Hit
	found := best >= 0
	if found {
		e := c.entries[best]
		e.Hits++
		e.lastAccess = now
		c.hits++
		hit = Hit{
			Response:     e.Response,
			Model:        e.Model,
			MatchType:    "fuzzy",
			Similarity:   bestSim,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
		}
	} else {
		c.misses++
	}

	// Purge expired candidates last, highest position first, so
	// swap-removes do not disturb lower positions.
	sort.Sort(sort.Reverse(sort.IntSlice(expired)))
	for _, pos := range expired {
		c.deleteAt(pos)
	}

	return hit, found
}

// Store inserts or refreshes the cached response for (prompt, model).
// A second store of the same pair leaves exactly one live entry.
func (c *Cache) Store(prompt, response, model string, inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	fp := Fingerprint(prompt, model)

	if pos, ok := c.byExact[fp]; ok {
		e := c.entries[pos]
		e.Response = response
		e.InputTokens = inputTokens
		e.OutputTokens = outputTokens
		e.StoredAt = now
		e.lastAccess = now
		c.persistLocked()
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLRULocked()
	}

	e := &Entry{
		Fingerprint:  fp,
		Model:        model,
		Prompt:       prompt,
		Response:     response,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		StoredAt:     now,
		TTL:          c.ttl,
		Signature:    ComputeSignature(normalize(prompt), c.numHashes),
		lastAccess:   now,
	}
	pos := len(c.entries)
	c.entries = append(c.entries, e)
	c.byExact[fp] = pos
	c.index.add(pos, e.Signature)

	c.persistLocked()
}

// evictLRULocked removes the least-recently-accessed entry by
// swap-remove, touching only the affected band rows.
func (c *Cache) evictLRULocked() {
	if len(c.entries) == 0 {
		return
	}
	victim := 0
	for i, e := range c.entries {
		if e.lastAccess.Before(c.entries[victim].lastAccess) {
			victim = i
		}
	}
	c.logger.Debug("evicting cache entry",
		zap.String("model", c.entries[victim].Model),
		zap.Int("hits", c.entries[victim].Hits))
	c.deleteAt(victim)
}

// deleteAt removes the entry at pos, moving the tail entry into its
// slot and patching the index and exact map for the moved entry only.
func (c *Cache) deleteAt(pos int) {
	e := c.entries[pos]
	c.index.remove(pos, e.Signature)
	delete(c.byExact, e.Fingerprint)

	last := len(c.entries) - 1
	if pos != last {
		moved := c.entries[last]
		c.entries[pos] = moved
		c.index.reindex(last, pos, moved.Signature)
		c.byExact[moved.Fingerprint] = pos
	}
	c.entries = c.entries[:last]
}

// Size reports the number of live entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats returns cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// persistLocked schedules a fire-and-forget snapshot of all entries.
func (c *Cache) persistLocked() {
	if c.writer == nil {
		return
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		c.logger.Warn("marshal cache entries", zap.Error(err))
		return
	}
	c.writer.Enqueue(persistKey, data)
}

// hydrate restores entries from the store, dropping expired ones.
// Load failures are logged and ignored; the cache starts empty.
func (c *Cache) hydrate(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := store.Get(ctx, persistKey)
	if err != nil {
		if err != storage.ErrNotFound {
			c.logger.Warn("hydrate cache", zap.Error(err))
		}
		return
	}

	var stored []*Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("decode cache snapshot", zap.Error(err))
		return
	}

	now := time.Now()
	for _, e := range stored {
		if e == nil || e.expired(now) || len(e.Signature) != c.numHashes {
			continue
		}
		if len(c.entries) >= c.maxEntries {
			break
		}
		if _, dup := c.byExact[e.Fingerprint]; dup {
			continue
		}
		e.lastAccess = e.StoredAt
		pos := len(c.entries)
		c.entries = append(c.entries, e)
		c.byExact[e.Fingerprint] = pos
		c.index.add(pos, e.Signature)
	}
	c.logger.Info("cache hydrated", zap.Int("entries", len(c.entries)))
}
