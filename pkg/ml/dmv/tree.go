// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// tree is a gold dependency tree, not necessarily projective.
type tree struct {
	root int

	// heads are 0-based, -1 for the root word.
	heads []int

	// children is [dir][word]: dependents in generation order, from the closest outwards.
	children [2][][]int

	// order lists words with heads before their dependents.
	order []int
}

// newTree validates 1-based CoNLL-U heads (0 for the root): exactly one root, and every
// word reachable from it.
func newTree(heads []int) (*tree, error) {
	n := len(heads)
	if n == 0 {
		return nil, errors.New("empty tree")
	}
	t := &tree{root: -1, heads: make([]int, n)}
	t.children[left] = make([][]int, n)
	t.children[right] = make([][]int, n)
	for word, head := range heads {
		if head < 0 || head > n || head == word+1 {
			return nil, errors.Errorf("word %d has invalid head %d", word+1, head)
		}
		t.heads[word] = head - 1
		if head == 0 {
			if t.root != -1 {
				return nil, errors.Errorf("words %d and %d are both roots", t.root+1, word+1)
			}
			t.root = word
		}
	}
	if t.root == -1 {
		return nil, errors.New("tree has no root")
	}
	// Left dependents are visited right to left, so both lists go outwards.
	for word := n - 1; word >= 0; word-- {
		if head := t.heads[word]; head >= 0 && word < head {
			t.children[left][head] = append(t.children[left][head], word)
		}
	}
	for word := 0; word < n; word++ {
		if head := t.heads[word]; head >= 0 && word > head {
			t.children[right][head] = append(t.children[right][head], word)
		}
	}
	t.order = append(t.order, t.root)
	for ii := 0; ii < len(t.order); ii++ {
		word := t.order[ii]
		t.order = append(t.order, t.children[left][word]...)
		t.order = append(t.order, t.children[right][word]...)
	}
	if len(t.order) != n {
		return nil, errors.Errorf("tree has a cycle: only %d of %d words reachable from the root", len(t.order), n)
	}
	return t, nil
}

// valenceFactors is the log-probability of the stop and continue decisions of word when it
// has the given tag. It only depends on the number of dependents on each side.
func (t *tree) valenceFactors(g *grammar, word, tag int) float64 {
	var logP float64
	for dir := left; dir <= right; dir++ {
		numDeps := len(t.children[dir][word])
		for ii := 0; ii < numDeps; ii++ {
			logP += g.cont[g.stopIdx(tag, dir, valence(ii > 0))]
		}
		logP += g.stop[g.stopIdx(tag, dir, valence(numDeps > 0))]
	}
	return logP
}

func (t *tree) countValence(g *grammar, word, tag int, weight float64, counts *grammarCounts) {
	for dir := left; dir <= right; dir++ {
		numDeps := len(t.children[dir][word])
		for ii := 0; ii < numDeps; ii++ {
			counts.cont[g.stopIdx(tag, dir, valence(ii > 0))] += weight
		}
		counts.stop[g.stopIdx(tag, dir, valence(numDeps > 0))] += weight
	}
}

// logProb of the tree with the given tags, excluding emissions.
func (t *tree) logProb(g *grammar, tags []int) float64 {
	logP := g.root[tags[t.root]]
	for word := range t.heads {
		logP += t.valenceFactors(g, word, tags[word])
		if head := t.heads[word]; head >= 0 {
			logP += g.attach[g.attachIdx(tags[head], t.direction(word), tags[word])]
		}
	}
	return logP
}

// count adds the grammar decisions of the tree with the given tags.
func (t *tree) count(g *grammar, tags []int, counts *grammarCounts) {
	counts.root[tags[t.root]]++
	for word := range t.heads {
		t.countValence(g, word, tags[word], 1, counts)
		if head := t.heads[word]; head >= 0 {
			counts.attach[g.attachIdx(tags[head], t.direction(word), tags[word])]++
		}
	}
}

// direction of word with respect to its head.
func (t *tree) direction(word int) int {
	if word < t.heads[word] {
		return left
	}
	return right
}

// marginalize sums over all tag assignments of the tree, with emit[word][tag] the emission
// log-probabilities. It returns the log-likelihood and the expected counts of the grammar
// decisions. posteriors[word][tag] receives the tag marginals.
func (t *tree) marginalize(g *grammar, emit [][]float64, posteriors [][]float64) (float64, *grammarCounts) {
	n, k := len(t.heads), g.numTags
	// inside[word][tag]: log-probability of the subtree of word, given its tag.
	// upward[word][headTag]: log-probability of the attachment of word and its subtree.
	inside := make([][]float64, n)
	upward := make([][]float64, n)
	terms := make([]float64, k)
	for ii := n - 1; ii >= 0; ii-- {
		word := t.order[ii]
		inside[word] = make([]float64, k)
		for tag := 0; tag < k; tag++ {
			inside[word][tag] = emit[word][tag] + t.valenceFactors(g, word, tag)
			for dir := left; dir <= right; dir++ {
				for _, dep := range t.children[dir][word] {
					inside[word][tag] += upward[dep][tag]
				}
			}
		}
		if t.heads[word] < 0 {
			continue
		}
		dir := t.direction(word)
		upward[word] = make([]float64, k)
		for headTag := 0; headTag < k; headTag++ {
			for tag := 0; tag < k; tag++ {
				terms[tag] = g.attach[g.attachIdx(headTag, dir, tag)] + inside[word][tag]
			}
			upward[word][headTag] = floats.LogSumExp(terms)
		}
	}
	for tag := 0; tag < k; tag++ {
		terms[tag] = g.root[tag] + inside[t.root][tag]
	}
	logZ := floats.LogSumExp(terms)

	counts := newGrammarCounts(g)
	for tag := 0; tag < k; tag++ {
		p := math.Exp(terms[tag] - logZ)
		posteriors[t.root][tag] = p
		counts.root[tag] += p
	}
	for _, word := range t.order {
		for tag := 0; tag < k; tag++ {
			t.countValence(g, word, tag, posteriors[word][tag], counts)
		}
		for dir := left; dir <= right; dir++ {
			for _, dep := range t.children[dir][word] {
				clear(posteriors[dep])
				for headTag := 0; headTag < k; headTag++ {
					pHead := posteriors[word][headTag]
					if pHead == 0 {
						continue
					}
					for tag := 0; tag < k; tag++ {
						idx := g.attachIdx(headTag, dir, tag)
						p := pHead * math.Exp(g.attach[idx]+inside[dep][tag]-upward[dep][headTag])
						counts.attach[idx] += p
						posteriors[dep][tag] += p
					}
				}
			}
		}
	}
	return logZ, counts
}
