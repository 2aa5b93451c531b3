// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus turns CoNLL-U treebanks into the splits used for training: sentences with
// word embeddings, POS tag ids and gold heads, iterated in length-bucketed random batches
// or one sentence at a time.
package corpus

import (
	"math/rand"

	"github.com/dmvflow/dmvflow/pkg/data/conllu"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VectorLookup is the source of word embeddings. It is implemented by *embeddings.Vectors.
type VectorLookup interface {
	Lookup(word string) ([]float64, bool)
	Dim() int
}

// Sentence of a split, with everything the models consume.
type Sentence struct {
	Words []string
	UPOS  []string

	// Tags are the ids of UPOS in the corpus POS vocabulary, or UnknownTag.
	Tags []int

	// Heads are 1-based head positions, 0 for the root, or conllu.NoHead if missing.
	Heads []int

	// Embed holds one vector per word. Words without a vector get zeros.
	Embed [][]float64
}

// Len is the number of words.
func (s *Sentence) Len() int { return len(s.Words) }

// HasTree returns whether every word has a gold head.
func (s *Sentence) HasTree() bool {
	for _, head := range s.Heads {
		if head == conllu.NoHead {
			return false
		}
	}
	return true
}

// Options for building a Corpus.
type Options struct {
	// MaxLen drops sentences longer than it. 0 keeps all sentences.
	MaxLen int

	// POSVocab, if set, is used frozen: tags not in it get UnknownTag. If nil a new
	// vocabulary is built from the split.
	POSVocab *Vocab

	// RequireTrees fails if any kept sentence lacks gold heads.
	RequireTrees bool

	// Bucketing used by Batches. Defaults to Exponential(1.4).
	Bucketing Bucketing
}

// Corpus is one split of a treebank.
type Corpus struct {
	Name      string
	Sentences []*Sentence
	POSVocab  *Vocab

	// Dim is the dimension of the word embeddings.
	Dim int

	// NumWords and NumOOV count the words kept, and those of them without a vector.
	NumWords, NumOOV int

	bucketing Bucketing
}

// Load reads the CoNLL-U file in path and builds a Corpus named after it.
func Load(path string, vectors VectorLookup, opts Options) (*Corpus, error) {
	sentences, err := conllu.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := New(path, sentences, vectors, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "building corpus from %q", path)
	}
	return c, nil
}

// New builds a Corpus from parsed sentences.
func New(name string, sentences []*conllu.Sentence, vectors VectorLookup, opts Options) (*Corpus, error) {
	if vectors == nil || vectors.Dim() <= 0 {
		return nil, errors.New("corpus.New: word vectors are required")
	}
	c := &Corpus{
		Name:      name,
		POSVocab:  opts.POSVocab,
		Dim:       vectors.Dim(),
		bucketing: opts.Bucketing,
	}
	frozen := c.POSVocab != nil
	if !frozen {
		c.POSVocab = NewVocab()
	}
	var numUnknownTags, numDropped int
	for sentIdx, parsed := range sentences {
		n := parsed.Len()
		if n == 0 || (opts.MaxLen > 0 && n > opts.MaxLen) {
			numDropped++
			continue
		}
		s := &Sentence{
			Words: make([]string, n),
			UPOS:  make([]string, n),
			Tags:  make([]int, n),
			Heads: make([]int, n),
			Embed: make([][]float64, n),
		}
		for ii, token := range parsed.Tokens {
			s.Words[ii] = token.Form
			s.UPOS[ii] = token.UPOS
			if frozen {
				id, found := c.POSVocab.ID(token.UPOS)
				if !found {
					id = UnknownTag
					numUnknownTags++
				}
				s.Tags[ii] = id
			} else {
				s.Tags[ii] = c.POSVocab.Add(token.UPOS)
			}
			if token.Head > n {
				return nil, errors.Errorf("sentence #%d: head %d of word %d is out of range", sentIdx, token.Head, ii+1)
			}
			s.Heads[ii] = token.Head
			if vec, found := vectors.Lookup(token.Form); found {
				s.Embed[ii] = vec
			} else {
				s.Embed[ii] = make([]float64, c.Dim)
				c.NumOOV++
			}
		}
		if opts.RequireTrees && !s.HasTree() {
			return nil, errors.Errorf("sentence #%d has words without gold heads", sentIdx)
		}
		c.NumWords += n
		c.Sentences = append(c.Sentences, s)
	}
	if len(c.Sentences) == 0 {
		return nil, errors.Errorf("no usable sentences (MaxLen=%d) in %d parsed", opts.MaxLen, len(sentences))
	}
	if numDropped > 0 {
		klog.V(1).Infof("%s: dropped %s sentences (empty or longer than %d)", name, humanize.Comma(int64(numDropped)), opts.MaxLen)
	}
	if numUnknownTags > 0 {
		klog.Warningf("%s: %s words with POS tags unseen in training", name, humanize.Comma(int64(numUnknownTags)))
	}
	if c.NumOOV > 0 {
		klog.Warningf("%s: %s of %s words (%.2f%%) have no word vector", name,
			humanize.Comma(int64(c.NumOOV)), humanize.Comma(int64(c.NumWords)), 100*c.OOVRate())
	}
	return c, nil
}

// Len is the number of sentences.
func (c *Corpus) Len() int { return len(c.Sentences) }

// OOVRate is the fraction of words without a vector.
func (c *Corpus) OOVRate() float64 {
	if c.NumWords == 0 {
		return 0
	}
	return float64(c.NumOOV) / float64(c.NumWords)
}

// Permutation returns a random order of the sentence indices.
func (c *Corpus) Permutation(rng *rand.Rand) []int {
	return rng.Perm(len(c.Sentences))
}

// Batches groups the sentences into batches of at most batchSize sentences of lengths in
// the same bucket. With a rng, the sentences within each bucket and the order of the
// batches are shuffled; with a nil rng the order is deterministic.
//
// Every sentence appears in exactly one batch.
func (c *Corpus) Batches(rng *rand.Rand, batchSize int) []*Batch {
	if batchSize <= 0 {
		batchSize = 1
	}
	bucketing := c.bucketing
	if bucketing == nil {
		bucketing = Exponential(1.4)
	}
	var (
		keys    []int
		buckets = make(map[int][]int)
	)
	for idx, s := range c.Sentences {
		key := bucketing.Bucket(s.Len())
		if _, found := buckets[key]; !found {
			keys = append(keys, key)
		}
		buckets[key] = append(buckets[key], idx)
	}
	var batches []*Batch
	for _, key := range keys {
		indices := buckets[key]
		if rng != nil {
			rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		}
		for start := 0; start < len(indices); start += batchSize {
			end := min(start+batchSize, len(indices))
			sentences := make([]*Sentence, 0, end-start)
			for _, idx := range indices[start:end] {
				sentences = append(sentences, c.Sentences[idx])
			}
			batches = append(batches, NewBatch(sentences...))
		}
	}
	if rng != nil {
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	return batches
}
