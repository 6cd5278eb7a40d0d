package cache

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// ErrBadBandConfig is returned when the MinHash hash count does not
// divide evenly into bands.
var ErrBadBandConfig = errors.New("minhash: numHashes must be divisible by bands")

const (
	defaultNumHashes = 64
	defaultBands     = 16
)

// Signature is a MinHash signature over character trigrams. Two
// prompts with high Jaccard similarity of their trigram sets agree on
// a high fraction of positions.
type Signature []uint64

// hashFamily derives the i-th hash of a base value using a
// splitmix64-style mix seeded per position.
func permute(base uint64, seed uint64) uint64 {
	x := base ^ (seed * 0x9E3779B97F4A7C15)
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

// trigramHashes returns the hashed character-trigram set of text.
// Short inputs fall back to the whole string as a single shingle.
func trigramHashes(text string) map[uint64]struct{} {
	runes := []rune(text)
	set := make(map[uint64]struct{})
	if len(runes) < 3 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		set[h.Sum64()] = struct{}{}
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(string(runes[i : i+3])))
		set[h.Sum64()] = struct{}{}
	}
	return set
}

// ComputeSignature builds a MinHash signature with numHashes
// positions.
func ComputeSignature(text string, numHashes int) Signature {
	shingles := trigramHashes(text)
	sig := make(Signature, numHashes)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for s := range shingles {
		for i := 0; i < numHashes; i++ {
			if v := permute(s, uint64(i+1)); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Resonance estimates Jaccard similarity as the fraction of matching
// signature positions.
func Resonance(a, b Signature) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}

// lshIndex buckets signatures into bands so that similar prompts
// collide in at least one band with high probability.
type lshIndex struct {
	numHashes int
	bands     int
	rows      int
	// one bucket map per band: band hash -> entry ids
	buckets []map[uint64][]int
}

func newLSHIndex(numHashes, bands int) (*lshIndex, error) {
	if numHashes <= 0 {
		numHashes = defaultNumHashes
	}
	if bands <= 0 {
		bands = defaultBands
	}
	if numHashes%bands != 0 {
		return nil, fmt.Errorf("%w: %d %% %d != 0", ErrBadBandConfig, numHashes, bands)
	}
	idx := &lshIndex{
		numHashes: numHashes,
		bands:     bands,
		rows:      numHashes / bands,
		buckets:   make([]map[uint64][]int, bands),
	}
	for i := range idx.buckets {
		idx.buckets[i] = make(map[uint64][]int)
	}
	return idx, nil
}

// bandKey hashes one band's rows of a signature.
func (idx *lshIndex) bandKey(sig Signature, band int) uint64 {
	h := uint64(14695981039346656037)
	for _, v := range sig[band*idx.rows : (band+1)*idx.rows] {
		h ^= v
		h *= 1099511628211
	}
	return h
}

// add registers an entry id under every band bucket of its signature.
func (idx *lshIndex) add(id int, sig Signature) {
	for b := 0; b < idx.bands; b++ {
		key := idx.bandKey(sig, b)
		idx.buckets[b][key] = append(idx.buckets[b][key], id)
	}
}

// remove deletes an entry id from its signature's band buckets only.
// Cost is O(bands), not O(size * bands).
func (idx *lshIndex) remove(id int, sig Signature) {
	for b := 0; b < idx.bands; b++ {
		key := idx.bandKey(sig, b)
		list := idx.buckets[b][key]
		for i, v := range list {
			if v == id {
				list[i] = list[len(list)-1]
				list = list[:len(list)-1]
				break
			}
		}
		if len(list) == 0 {
			delete(idx.buckets[b], key)
		} else {
			idx.buckets[b][key] = list
		}
	}
}

// reindex rewrites the id an existing signature is registered under.
// Used when a swap-remove moves an entry to a new slot.
func (idx *lshIndex) reindex(oldID, newID int, sig Signature) {
	for b := 0; b < idx.bands; b++ {
		key := idx.bandKey(sig, b)
		for i, v := range idx.buckets[b][key] {
			if v == oldID {
				idx.buckets[b][key][i] = newID
				break
			}
		}
	}
}

// candidates returns the de-duplicated entry ids sharing at least one
// band bucket with sig.
func (idx *lshIndex) candidates(sig Signature) []int {
	seen := make(map[int]struct{})
	var out []int
	for b := 0; b < idx.bands; b++ {
		for _, id := range idx.buckets[b][idx.bandKey(sig, b)] {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
