// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestProjectiveTreeCounts(t *testing.T) {
	// Single rooted projective dependency trees of 1..4 words.
	for n, want := range map[int]int{1: 1, 2: 2, 3: 7, 4: 30} {
		assert.Len(t, allTrees(n, true), want, "%d words", n)
	}
	assert.Len(t, allTrees(3, false), 9, "all single rooted trees of 3 words")
}

func TestChartMatchesEnumeration(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const numTags = 2
	for n := 1; n <= 4; n++ {
		g := randomGrammar(rng, numTags)
		emit := randomEmissions(rng, n, numTags)
		c := newChart(g, emit, false)

		// Brute force: log-sum over projective trees and tags, tag marginals and counts.
		var scores []float64
		type derivation struct {
			heads, tags []int
		}
		var derivations []derivation
		for _, heads := range allTrees(n, true) {
			for _, tags := range allTags(n, numTags) {
				scores = append(scores, jointLogProb(t, g, emit, heads, tags))
				derivations = append(derivations, derivation{heads, tags})
			}
		}
		logZ := floats.LogSumExp(scores)
		require.InDelta(t, logZ, c.logZ, 1e-9, "%d words", n)

		wantPosteriors := newMatrix(n, numTags)
		wantCounts := newGrammarCounts(g)
		for ii, d := range derivations {
			p := math.Exp(scores[ii] - logZ)
			tr, err := newTree(d.heads)
			require.NoError(t, err)
			counts := newGrammarCounts(g)
			tr.count(g, d.tags, counts)
			floats.AddScaled(wantCounts.root, p, counts.root)
			floats.AddScaled(wantCounts.attach, p, counts.attach)
			floats.AddScaled(wantCounts.stop, p, counts.stop)
			floats.AddScaled(wantCounts.cont, p, counts.cont)
			for word, tag := range d.tags {
				wantPosteriors[word][tag] += p
			}
		}
		posteriors := newMatrix(n, numTags)
		counts := c.outside(posteriors)
		for word := range posteriors {
			assert.InDeltaSlice(t, wantPosteriors[word], posteriors[word], 1e-9, "posteriors of word %d of %d", word, n)
			assert.InDelta(t, 1.0, floats.Sum(posteriors[word]), 1e-9)
		}
		assert.InDeltaSlice(t, wantCounts.root, counts.root, 1e-9)
		assert.InDeltaSlice(t, wantCounts.attach, counts.attach, 1e-9)
		assert.InDeltaSlice(t, wantCounts.stop, counts.stop, 1e-9)
		assert.InDeltaSlice(t, wantCounts.cont, counts.cont, 1e-9)

		// Viterbi finds the best derivation.
		best := floats.MaxIdx(scores)
		viterbi := newChart(g, emit, true)
		assert.InDelta(t, scores[best], viterbi.logZ, 1e-9)
		heads, tags := viterbi.parse()
		assert.Equal(t, derivations[best].heads, heads, "%d words", n)
		assert.Equal(t, derivations[best].tags, tags, "%d words", n)
	}
}

func TestTreeMarginalizeMatchesEnumeration(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const numTags = 3
	for _, heads := range [][]int{
		{0},
		{2, 0, 2},
		{3, 4, 0, 3}, // Non projective.
		{0, 1, 1, 1},
	} {
		n := len(heads)
		g := randomGrammar(rng, numTags)
		emit := randomEmissions(rng, n, numTags)
		tr, err := newTree(heads)
		require.NoError(t, err)

		var scores []float64
		tagSets := allTags(n, numTags)
		for _, tags := range tagSets {
			scores = append(scores, jointLogProb(t, g, emit, heads, tags))
		}
		logZ := floats.LogSumExp(scores)
		posteriors := newMatrix(n, numTags)
		got, counts := tr.marginalize(g, emit, posteriors)
		require.InDelta(t, logZ, got, 1e-9, "heads %v", heads)

		wantPosteriors := newMatrix(n, numTags)
		wantCounts := newGrammarCounts(g)
		for ii, tags := range tagSets {
			p := math.Exp(scores[ii] - logZ)
			single := newGrammarCounts(g)
			tr.count(g, tags, single)
			floats.AddScaled(wantCounts.attach, p, single.attach)
			floats.AddScaled(wantCounts.stop, p, single.stop)
			floats.AddScaled(wantCounts.root, p, single.root)
			for word, tag := range tags {
				wantPosteriors[word][tag] += p
			}
		}
		for word := range posteriors {
			assert.InDeltaSlice(t, wantPosteriors[word], posteriors[word], 1e-9)
		}
		assert.InDeltaSlice(t, wantCounts.root, counts.root, 1e-9)
		assert.InDeltaSlice(t, wantCounts.attach, counts.attach, 1e-9)
		assert.InDeltaSlice(t, wantCounts.stop, counts.stop, 1e-9)
	}
}

func TestNewTree(t *testing.T) {
	tr, err := newTree([]int{2, 0, 2, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.root)
	assert.Equal(t, []int{0}, tr.children[left][1])
	assert.Equal(t, []int{2, 4}, tr.children[right][1], "closest dependent first")
	assert.Equal(t, []int{3}, tr.children[right][2])
	assert.Equal(t, 1, tr.order[0])

	tr, err = newTree([]int{3, 3, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, tr.children[left][2], "left dependents go outwards too")

	for name, heads := range map[string][]int{
		"empty":        {},
		"two roots":    {0, 0},
		"no root":      {2, 1},
		"self head":    {1},
		"out of range": {0, 3},
		"cycle":        {0, 3, 2},
		"negative":     {0, -1},
	} {
		_, err := newTree(heads)
		assert.Error(t, err, name)
	}
}

func TestGrammarNormalization(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := New(Options{Projection: Gaussian, NumTags: 3, Dim: 2})
	require.NoError(t, err)
	for _, v := range m.PriorGroup().Variables() {
		logits := make([]float64, v.Size())
		for ii := range logits {
			logits[ii] = 3 * rng.NormFloat64()
		}
		v.SetValues(logits)
	}
	g := m.currentGrammar()
	assert.InDelta(t, 0.0, floats.LogSumExp(g.root), 1e-12)
	for start := 0; start < len(g.attach); start += 3 {
		assert.InDelta(t, 0.0, floats.LogSumExp(g.attach[start:start+3]), 1e-12)
	}
	for ii := range g.stop {
		assert.InDelta(t, 1.0, math.Exp(g.stop[ii])+math.Exp(g.cont[ii]), 1e-12)
	}

	stopLogits := make([]float64, m.stopLogits.Size())
	for ii := range stopLogits {
		stopLogits[ii] = 800
		if ii%2 == 0 {
			stopLogits[ii] = -800
		}
	}
	m.stopLogits.SetValues(stopLogits)
	g = m.currentGrammar()
	assert.InDelta(t, -800.0, g.stop[0], 1e-9, "stable for large logits")
	assert.InDelta(t, 0.0, g.cont[0], 1e-12)
	assert.InDelta(t, 0.0, g.stop[1], 1e-12)
	assert.InDelta(t, -800.0, g.cont[1], 1e-9)

	assert.InDelta(t, math.Log(3), logAdd(math.Log(1), math.Log(2)), 1e-12)
	assert.Equal(t, 2.0, logAdd(math.Inf(-1), 2))
}
