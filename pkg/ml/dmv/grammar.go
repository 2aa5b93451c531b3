// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math"

	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Directions of dependents.
const (
	left  = 0
	right = 1
)

// valence of a head in one direction: whether it already has a dependent on that side.
func valence(hasDependent bool) int {
	if hasDependent {
		return 1
	}
	return 0
}

// grammar holds the log-probabilities of the DMV decisions, normalized from the prior
// logits by grammarLogProbs.
type grammar struct {
	numTags int

	// root is [tag]: log p(root tag).
	root []float64

	// attach is [head][dir][child]: log p(child tag | head tag, dir).
	attach []float64

	// stop and cont are [head][dir][valence]: log p(stop | ...) and log p(continue | ...).
	stop, cont []float64
}

func (g *grammar) attachIdx(head, dir, child int) int { return (head*2+dir)*g.numTags + child }

func (g *grammar) stopIdx(head, dir, val int) int { return (head*2+dir)*2 + val }

// grammarLogProbs normalizes the prior logits in the graph: softmax for root and
// attachments, sigmoid for stops. It returns the root, attach, stop and continue
// log-probabilities, shaped as the logits.
func grammarLogProbs(rootLogits, attachLogits, stopLogits *Node) (root, attach, stop, cont *Node) {
	return LogSoftmax(rootLogits), LogSoftmax(attachLogits, -1), logSigmoid(stopLogits), logSigmoid(Neg(stopLogits))
}

// logSigmoid is log(1/(1+exp(-x))), stable for large |x| and with an exact gradient at 0.
func logSigmoid(x *Node) *Node {
	zeros := ZerosLike(x)
	nonNegative := GreaterOrEqual(x, zeros)
	positive := Where(nonNegative, x, zeros)
	negative := Where(nonNegative, zeros, x)
	return Where(nonNegative,
		Neg(Log1p(Exp(Neg(positive)))),
		Sub(negative, Log1p(Exp(negative))))
}

// logAdd returns log(exp(a)+exp(b)).
func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// grammarCounts are (expected) counts of each grammar decision, shaped as the grammar.
type grammarCounts struct {
	root, attach, stop, cont []float64
}

func newGrammarCounts(g *grammar) *grammarCounts {
	return &grammarCounts{
		root:   make([]float64, len(g.root)),
		attach: make([]float64, len(g.attach)),
		stop:   make([]float64, len(g.stop)),
		cont:   make([]float64, len(g.cont)),
	}
}

// add accumulates the counts of other.
func (c *grammarCounts) add(other *grammarCounts) {
	floats.Add(c.root, other.root)
	floats.Add(c.attach, other.attach)
	floats.Add(c.stop, other.stop)
	floats.Add(c.cont, other.cont)
}

// logitsFromCounts returns the logits of the add-one smoothed relative frequencies of counts.
func logitsFromCounts(numTags int, counts *grammarCounts) (rootLogits, attachLogits, stopLogits []float64) {
	rootLogits = make([]float64, len(counts.root))
	attachLogits = make([]float64, len(counts.attach))
	stopLogits = make([]float64, len(counts.stop))
	smoothedLogProbs(counts.root, rootLogits)
	for start := 0; start < len(attachLogits); start += numTags {
		smoothedLogProbs(counts.attach[start:start+numTags], attachLogits[start:start+numTags])
	}
	for ii := range stopLogits {
		pStop := (counts.stop[ii] + 1) / (counts.stop[ii] + counts.cont[ii] + 2)
		stopLogits[ii] = math.Log(pStop) - math.Log1p(-pStop)
	}
	return
}

func smoothedLogProbs(counts, logits []float64) {
	logTotal := math.Log(floats.Sum(counts) + float64(len(counts)))
	for ii, count := range counts {
		logits[ii] = math.Log(count+1) - logTotal
	}
}

// goldCounts counts the grammar decisions of the gold trees and tags of train. Sentences
// with unknown tags or invalid trees are skipped.
func goldCounts(g *grammar, train *corpus.Corpus) *grammarCounts {
	counts := newGrammarCounts(g)
	var skipped int
	for _, s := range train.Sentences {
		tr, err := newTree(s.Heads)
		if err != nil || !knownTags(s.Tags, g.numTags) {
			skipped++
			continue
		}
		tr.count(g, s.Tags, counts)
	}
	if skipped > 0 {
		klog.Warningf("%s: %s sentences without a valid gold tree or tags skipped", train.Name, humanize.Comma(int64(skipped)))
	}
	return counts
}

func knownTags(tags []int, numTags int) bool {
	for _, tag := range tags {
		if tag < 0 || tag >= numTags {
			return false
		}
	}
	return true
}
