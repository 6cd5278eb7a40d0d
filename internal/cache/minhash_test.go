package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSignature(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := ComputeSignature("what is the capital of france", 64)
		b := ComputeSignature("what is the capital of france", 64)
		assert.Equal(t, a, b)
	})

	t.Run("requested length", func(t *testing.T) {
		assert.Len(t, ComputeSignature("hello", 32), 32)
	})

	t.Run("short text uses whole-string shingle", func(t *testing.T) {
		a := ComputeSignature("hi", 64)
		b := ComputeSignature("hi", 64)
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, ComputeSignature("yo", 64))
	})
}

func TestResonance(t *testing.T) {
	t.Run("identical text resonates fully", func(t *testing.T) {
		a := ComputeSignature("the quick brown fox jumps over the lazy dog", 64)
		assert.InDelta(t, 1.0, Resonance(a, a), 1e-9)
	})

	t.Run("similar text scores high", func(t *testing.T) {
		a := ComputeSignature("what is the capital of france", 64)
		b := ComputeSignature("what is the capital of france?", 64)
		assert.Greater(t, Resonance(a, b), 0.8)
	})

	t.Run("unrelated text scores low", func(t *testing.T) {
		a := ComputeSignature("what is the capital of france", 64)
		b := ComputeSignature("write a haiku about distributed consensus", 64)
		assert.Less(t, Resonance(a, b), 0.3)
	})

	t.Run("mismatched lengths score zero", func(t *testing.T) {
		a := ComputeSignature("hello world", 64)
		b := ComputeSignature("hello world", 32)
		assert.Zero(t, Resonance(a, b))
		assert.Zero(t, Resonance(nil, nil))
	})
}

func TestLSHIndex(t *testing.T) {
	t.Run("hash count must divide into bands", func(t *testing.T) {
		_, err := newLSHIndex(64, 7)
		assert.ErrorIs(t, err, ErrBadBandConfig)
	})

	t.Run("zero config uses defaults", func(t *testing.T) {
		idx, err := newLSHIndex(0, 0)
		require.NoError(t, err)
		assert.Equal(t, defaultNumHashes, idx.numHashes)
		assert.Equal(t, defaultBands, idx.bands)
	})

	t.Run("similar entries become candidates", func(t *testing.T) {
		idx, err := newLSHIndex(64, 16)
		require.NoError(t, err)

		sigA := ComputeSignature("explain how garbage collection works in go", 64)
		sigB := ComputeSignature("write a limerick about submarines", 64)
		idx.add(0, sigA)
		idx.add(1, sigB)

		probe := ComputeSignature("explain how garbage collection works in go!", 64)
		candidates := idx.candidates(probe)
		assert.Contains(t, candidates, 0)
	})

	t.Run("remove drops the entry", func(t *testing.T) {
		idx, err := newLSHIndex(64, 16)
		require.NoError(t, err)

		sig := ComputeSignature("some cached prompt text", 64)
		idx.add(0, sig)
		assert.Contains(t, idx.candidates(sig), 0)

		idx.remove(0, sig)
		assert.NotContains(t, idx.candidates(sig), 0)
	})

	t.Run("reindex follows a swap-remove", func(t *testing.T) {
		idx, err := newLSHIndex(64, 16)
		require.NoError(t, err)

		sig := ComputeSignature("entry that moves slots", 64)
		idx.add(5, sig)
		idx.reindex(5, 2, sig)

		candidates := idx.candidates(sig)
		assert.Contains(t, candidates, 2)
		assert.NotContains(t, candidates, 5)
	})
}
