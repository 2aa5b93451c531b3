// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math"
	"math/rand"
	"testing"

	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// randomGrammar with non uniform probabilities.
func randomGrammar(rng *rand.Rand, numTags int) *grammar {
	g := &grammar{
		numTags: numTags,
		root:    randomLogProbs(rng, 1, numTags),
		attach:  randomLogProbs(rng, numTags*2, numTags),
		stop:    make([]float64, numTags*2*2),
		cont:    make([]float64, numTags*2*2),
	}
	for ii := range g.stop {
		pStop := 0.1 + 0.8*rng.Float64()
		g.stop[ii], g.cont[ii] = math.Log(pStop), math.Log1p(-pStop)
	}
	return g
}

// randomLogProbs returns rows normalized distributions over cols values, flat.
func randomLogProbs(rng *rand.Rand, rows, cols int) []float64 {
	out := make([]float64, rows*cols)
	for start := 0; start < len(out); start += cols {
		row := out[start : start+cols]
		for ii := range row {
			row[ii] = rng.NormFloat64()
		}
		logZ := floats.LogSumExp(row)
		for ii := range row {
			row[ii] -= logZ
		}
	}
	return out
}

func randomEmissions(rng *rand.Rand, n, numTags int) [][]float64 {
	emit := newMatrix(n, numTags)
	for _, row := range emit {
		for tag := range row {
			row[tag] = rng.NormFloat64() - 2
		}
	}
	return emit
}

// allTrees enumerates the valid 1-based head vectors of n words, optionally only the
// projective ones.
func allTrees(n int, projectiveOnly bool) [][]int {
	var trees [][]int
	heads := make([]int, n)
	var enumerate func(word int)
	enumerate = func(word int) {
		if word == n {
			if _, err := newTree(heads); err == nil && (!projectiveOnly || isProjective(heads)) {
				trees = append(trees, append([]int(nil), heads...))
			}
			return
		}
		for head := 0; head <= n; head++ {
			heads[word] = head
			enumerate(word + 1)
		}
	}
	enumerate(0)
	return trees
}

// isProjective checks that every word between a head and its dependent descends from the head.
func isProjective(heads []int) bool {
	descends := func(word, ancestor int) bool {
		for word != 0 {
			if word == ancestor {
				return true
			}
			word = heads[word-1]
		}
		return false
	}
	for ii, head := range heads {
		word := ii + 1
		if head == 0 {
			continue
		}
		for between := min(word, head) + 1; between < max(word, head); between++ {
			if !descends(between, head) {
				return false
			}
		}
	}
	return true
}

// allTags enumerates the numTags^n tag assignments.
func allTags(n, numTags int) [][]int {
	var out [][]int
	tags := make([]int, n)
	var enumerate func(word int)
	enumerate = func(word int) {
		if word == n {
			out = append(out, append([]int(nil), tags...))
			return
		}
		for tag := 0; tag < numTags; tag++ {
			tags[word] = tag
			enumerate(word + 1)
		}
	}
	enumerate(0)
	return out
}

func jointLogProb(t *testing.T, g *grammar, emit [][]float64, heads, tags []int) float64 {
	tr, err := newTree(heads)
	require.NoError(t, err)
	logP := tr.logProb(g, tags)
	for word, tag := range tags {
		logP += emit[word][tag]
	}
	return logP
}

// randomSentences with random embeddings, tags and trees (not necessarily projective).
func randomSentences(rng *rand.Rand, lengths []int, dim, numTags int) []*corpus.Sentence {
	var sentences []*corpus.Sentence
	upos := []string{"NOUN", "VERB", "PUNCT", "ADJ"}
	for _, n := range lengths {
		s := &corpus.Sentence{
			Words: make([]string, n),
			UPOS:  make([]string, n),
			Tags:  make([]int, n),
			Heads: make([]int, n),
			Embed: make([][]float64, n),
		}
		order := rng.Perm(n)
		for ii, word := range order {
			s.Words[word] = string(rune('a' + word))
			s.Tags[word] = rng.Intn(numTags)
			s.UPOS[word] = upos[s.Tags[word]%len(upos)]
			if ii == 0 {
				s.Heads[word] = 0
			} else {
				s.Heads[word] = order[rng.Intn(ii)] + 1
			}
			s.Embed[word] = make([]float64, dim)
			for d := range s.Embed[word] {
				s.Embed[word][d] = rng.NormFloat64()
			}
		}
		sentences = append(sentences, s)
	}
	return sentences
}

func newSplit(sentences []*corpus.Sentence, dim int) *corpus.Corpus {
	c := &corpus.Corpus{Name: "test", Sentences: sentences, Dim: dim}
	for _, s := range sentences {
		c.NumWords += s.Len()
	}
	return c
}

// newTestModel creates an initialized model, with variables perturbed away from their
// symmetric initialization.
func newTestModel(t *testing.T, projection Projection, sentences []*corpus.Sentence, numTags, dim int) *Model {
	m, err := New(Options{
		Projection:    projection,
		NumTags:       numTags,
		Dim:           dim,
		CoupleLayers:  2,
		CellLayers:    1,
		ContextWindow: 2,
		Seed:          17,
	})
	require.NoError(t, err)
	require.NoError(t, m.InitParams(corpus.NewBatch(sentences...), newSplit(sentences, dim)))
	rng := rand.New(rand.NewSource(3))
	for _, v := range m.Variables() {
		values := v.Values()
		for ii := range values {
			values[ii] += 0.3 * rng.NormFloat64()
		}
		v.SetValues(values)
	}
	return m
}

func sumGrads(m *Model) float64 {
	var total float64
	for _, v := range m.Variables() {
		total += floats.Norm(v.Grad, 1)
	}
	return total
}
