// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/dmvflow/dmvflow/pkg/data/conllu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVectors map[string][]float64

func (f fakeVectors) Lookup(word string) ([]float64, bool) {
	v, found := f[word]
	return v, found
}

func (f fakeVectors) Dim() int { return 2 }

var vectors = fakeVectors{
	"the": {1, 0},
	"dog": {0, 1},
	"ran": {1, 1},
}

const treebank = `1	the	the	DET	_	_	2	det	_	_
2	dog	dog	NOUN	_	_	3	nsubj	_	_
3	ran	run	VERB	_	_	0	root	_	_
4	.	.	PUNCT	_	_	3	punct	_	_

1	dog	dog	NOUN	_	_	2	nsubj	_	_
2	ran	run	VERB	_	_	0	root	_	_
`

func parse(t *testing.T, text string) []*conllu.Sentence {
	sentences, err := conllu.Read(strings.NewReader(text))
	require.NoError(t, err)
	return sentences
}

func TestNew(t *testing.T) {
	c, err := New("train", parse(t, treebank), vectors, Options{RequireTrees: true})
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Dim)
	assert.Equal(t, []string{"DET", "NOUN", "VERB", "PUNCT"}, c.POSVocab.Names())
	assert.Equal(t, 6, c.NumWords)
	assert.Equal(t, 1, c.NumOOV, "the period has no vector")
	assert.InDelta(t, 1.0/6.0, c.OOVRate(), 1e-12)

	first := c.Sentences[0]
	assert.Equal(t, []int{0, 1, 2, 3}, first.Tags)
	assert.Equal(t, []int{2, 3, 0, 3}, first.Heads)
	assert.Equal(t, []float64{0, 1}, first.Embed[1])
	assert.Equal(t, []float64{0, 0}, first.Embed[3])
	assert.True(t, first.HasTree())
}

func TestFrozenVocabAndMaxLen(t *testing.T) {
	vocab := NewVocab("NOUN", "VERB")
	c, err := New("dev", parse(t, treebank), vectors, Options{POSVocab: vocab, MaxLen: 3})
	require.NoError(t, err)
	require.Equal(t, 1, c.Len(), "the 4-word sentence is dropped")
	assert.Same(t, vocab, c.POSVocab)
	assert.Equal(t, []int{0, 1}, c.Sentences[0].Tags)
	assert.Equal(t, 2, vocab.Len(), "a frozen vocabulary is not extended")

	c, err = New("dev", parse(t, treebank), vectors, Options{POSVocab: vocab})
	require.NoError(t, err)
	assert.Equal(t, []int{UnknownTag, 0, 1, UnknownTag}, c.Sentences[0].Tags)

	_, err = New("dev", parse(t, treebank), vectors, Options{MaxLen: 1})
	require.Error(t, err)
}

func TestRequireTrees(t *testing.T) {
	text := "1\tdog\tdog\tNOUN\t_\t_\t_\t_\t_\t_\n"
	_, err := New("train", parse(t, text), vectors, Options{RequireTrees: true})
	require.Error(t, err)
	c, err := New("train", parse(t, text), vectors, Options{})
	require.NoError(t, err)
	assert.False(t, c.Sentences[0].HasTree())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.conllu")
	require.NoError(t, os.WriteFile(path, []byte(treebank), 0o644))
	c, err := Load(path, vectors, Options{})
	require.NoError(t, err)
	assert.Equal(t, path, c.Name)
	assert.Equal(t, 2, c.Len())
}

func makeCorpus(lengths []int, bucketing Bucketing) *Corpus {
	c := &Corpus{Dim: 2, POSVocab: NewVocab("X"), bucketing: bucketing}
	for _, n := range lengths {
		s := &Sentence{}
		for ii := 0; ii < n; ii++ {
			s.Words = append(s.Words, "w")
			s.Tags = append(s.Tags, 0)
			s.Heads = append(s.Heads, 0)
			s.Embed = append(s.Embed, []float64{0, 0})
		}
		c.Sentences = append(c.Sentences, s)
	}
	return c
}

func TestBatches(t *testing.T) {
	lengths := []int{1, 2, 3, 5, 5, 6, 9, 12, 2, 3, 1, 30}
	c := makeCorpus(lengths, Pow2())
	rng := rand.New(rand.NewSource(7))
	for _, batchSize := range []int{1, 3, 16} {
		batches := c.Batches(rng, batchSize)
		seen := make(map[*Sentence]int)
		numWords := 0
		for _, b := range batches {
			require.LessOrEqual(t, b.Size(), batchSize)
			require.Greater(t, b.Size(), 0)
			bucket := Pow2().Bucket(b.Sentences[0].Len())
			for ii, s := range b.Sentences {
				seen[s]++
				assert.Equal(t, bucket, Pow2().Bucket(s.Len()), "batches hold sentences of a single bucket")
				assert.Len(t, b.Mask[ii], b.MaxLen())
			}
			numWords += b.NumWords()
		}
		assert.Len(t, seen, len(lengths))
		for _, count := range seen {
			assert.Equal(t, 1, count)
		}
		total := 0
		for _, n := range lengths {
			total += n
		}
		assert.Equal(t, total, numWords)
	}

	// Deterministic without rng.
	first := c.Batches(nil, 2)
	second := c.Batches(nil, 2)
	require.Equal(t, len(first), len(second))
	for ii := range first {
		assert.Equal(t, first[ii].Sentences, second[ii].Sentences)
	}
}

func TestBatchMask(t *testing.T) {
	c := makeCorpus([]int{2, 4}, None())
	batches := c.Batches(nil, 2)
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, [][]bool{{true, true, false, false}, {true, true, true, true}}, b.Mask)
	assert.Equal(t, 6, b.NumWords())
	assert.Len(t, b.Embeddings()[0], 2)
}

func TestPermutation(t *testing.T) {
	c := makeCorpus([]int{1, 2, 3, 4, 5}, None())
	perm := c.Permutation(rand.New(rand.NewSource(1)))
	sorted := slices.Clone(perm)
	slices.Sort(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, sorted)
}

func TestBucketing(t *testing.T) {
	assert.Equal(t, []int{1, 2, 4, 4, 8, 16, 32}, bucketAll(Pow2(), 1, 2, 3, 4, 5, 9, 17))
	assert.Equal(t, []int{8, 8, 16, 16, 24}, bucketAll(Linear(8), 1, 8, 9, 16, 17))
	assert.Equal(t, []int{1, 3, 4, 6, 6, 8, 11, 15, 21, 29}, bucketAll(Exponential(1.4), 1, 2, 3, 4, 5, 7, 9, 12, 16, 22))
	assert.Equal(t, []int{0, 0}, bucketAll(None(), 3, 70))
	for _, b := range []Bucketing{Pow2(), Linear(3), Exponential(1.2), Exponential(0.5)} {
		for n := 1; n < 200; n++ {
			require.GreaterOrEqual(t, b.Bucket(n), n)
		}
	}
}

func bucketAll(b Bucketing, lengths ...int) []int {
	out := make([]int, len(lengths))
	for ii, n := range lengths {
		out[ii] = b.Bucket(n)
	}
	return out
}

func TestVocab(t *testing.T) {
	v := NewVocab("NOUN", "VERB", "NOUN")
	assert.Equal(t, 2, v.Len())
	assert.Equal(t, 2, v.Add("PUNCT"))
	id, found := v.ID("VERB")
	assert.True(t, found)
	assert.Equal(t, 1, id)
	assert.Equal(t, "PUNCT", v.Name(2))
	assert.Equal(t, "", v.Name(7))
	assert.Equal(t, []int{2}, v.IDs("PUNCT", "SYM"))
}
