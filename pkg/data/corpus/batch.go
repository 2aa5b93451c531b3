// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package corpus

// Batch of sentences, with a padding mask.
type Batch struct {
	Sentences []*Sentence

	// Mask is [batch][maxLen]: true for real words, false for padding.
	Mask [][]bool
}

// NewBatch creates a batch with the mask padded to the longest sentence.
func NewBatch(sentences ...*Sentence) *Batch {
	b := &Batch{Sentences: sentences, Mask: make([][]bool, len(sentences))}
	maxLen := b.MaxLen()
	for ii, s := range sentences {
		b.Mask[ii] = make([]bool, maxLen)
		for t := 0; t < s.Len(); t++ {
			b.Mask[ii][t] = true
		}
	}
	return b
}

// Size is the number of sentences.
func (b *Batch) Size() int { return len(b.Sentences) }

// MaxLen is the length of the longest sentence.
func (b *Batch) MaxLen() int {
	maxLen := 0
	for _, s := range b.Sentences {
		maxLen = max(maxLen, s.Len())
	}
	return maxLen
}

// NumWords is the number of unmasked positions.
func (b *Batch) NumWords() int {
	n := 0
	for _, row := range b.Mask {
		for _, valid := range row {
			if valid {
				n++
			}
		}
	}
	return n
}

// Embeddings returns the word vectors of each sentence, unpadded: [batch][len][dim].
func (b *Batch) Embeddings() [][][]float64 {
	embed := make([][][]float64, len(b.Sentences))
	for ii, s := range b.Sentences {
		embed[ii] = s.Embed
	}
	return embed
}
