// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math"
)

// chart is the split-head dynamic program of the DMV over all projective trees and all tag
// assignments of one sentence, in O(n³K²).
//
// With i ≤ j word positions and k a tag:
//
//   - rightOpen[i,j,k]: head i (tag k) with its right dependents spanning i+1..j, not yet
//     stopped. The valence of the next decision is whether j > i.
//   - rightDone[i,j,k]: the same after the stop decision.
//   - leftOpen[i,j,k], leftDone[i,j,k]: head j (tag k) with its left dependents spanning i..j-1.
//   - subtree[i,j,k]: a complete subtree spanning i..j whose head has tag k, including the
//     emissions of all its words.
//
// Dependents are generated from the head outwards, so the last dependent added to a span is
// the farthest one.
type chart struct {
	g    *grammar
	emit [][]float64
	n, k int

	rightOpen, rightDone, leftOpen, leftDone, subtree []float64
	logZ                                              float64

	// viterbi selects the max semiring: the chart holds the best derivations.
	viterbi bool
}

func newChart(g *grammar, emit [][]float64, viterbi bool) *chart {
	n, k := len(emit), g.numTags
	size := n * n * k
	c := &chart{
		g:         g,
		emit:      emit,
		n:         n,
		k:         k,
		rightOpen: make([]float64, size),
		rightDone: make([]float64, size),
		leftOpen:  make([]float64, size),
		leftDone:  make([]float64, size),
		subtree:   make([]float64, size),
		viterbi:   viterbi,
	}
	c.fill()
	return c
}

func (c *chart) idx(i, j, tag int) int { return (i*c.n+j)*c.k + tag }

func (c *chart) accumulate(acc, x float64) float64 {
	if c.viterbi {
		return math.Max(acc, x)
	}
	return logAdd(acc, x)
}

// The term functions below are shared by the forward pass, the outside pass and the
// Viterbi backtracking, so they all see exactly the same scores.

// rightTerm: head i extends its right span to j with dependent subtree m..j headed by depTag.
func (c *chart) rightTerm(i, m, j, tag, depTag int) float64 {
	g := c.g
	return c.rightOpen[c.idx(i, m-1, tag)] + g.cont[g.stopIdx(tag, right, valence(m-1 > i))] +
		g.attach[g.attachIdx(tag, right, depTag)] + c.subtree[c.idx(m, j, depTag)]
}

// leftTerm: head j extends its left span to i with dependent subtree i..m headed by depTag.
func (c *chart) leftTerm(i, m, j, tag, depTag int) float64 {
	g := c.g
	return c.leftOpen[c.idx(m+1, j, tag)] + g.cont[g.stopIdx(tag, left, valence(m+1 < j))] +
		g.attach[g.attachIdx(tag, left, depTag)] + c.subtree[c.idx(i, m, depTag)]
}

// subtreeTerm: the subtree i..j is headed by word h.
func (c *chart) subtreeTerm(i, h, j, tag int) float64 {
	return c.leftDone[c.idx(i, h, tag)] + c.rightDone[c.idx(h, j, tag)] + c.emit[h][tag]
}

func (c *chart) fill() {
	g := c.g
	negInf := math.Inf(-1)
	for width := 0; width < c.n; width++ {
		for i := 0; i+width < c.n; i++ {
			j := i + width
			for tag := 0; tag < c.k; tag++ {
				rightOpen, leftOpen := negInf, negInf
				if width == 0 {
					rightOpen, leftOpen = 0, 0
				}
				for m := i + 1; m <= j; m++ {
					for depTag := 0; depTag < c.k; depTag++ {
						rightOpen = c.accumulate(rightOpen, c.rightTerm(i, m, j, tag, depTag))
					}
				}
				for m := i; m < j; m++ {
					for depTag := 0; depTag < c.k; depTag++ {
						leftOpen = c.accumulate(leftOpen, c.leftTerm(i, m, j, tag, depTag))
					}
				}
				idx := c.idx(i, j, tag)
				c.rightOpen[idx] = rightOpen
				c.rightDone[idx] = rightOpen + g.stop[g.stopIdx(tag, right, valence(j > i))]
				c.leftOpen[idx] = leftOpen
				c.leftDone[idx] = leftOpen + g.stop[g.stopIdx(tag, left, valence(i < j))]
			}
			for tag := 0; tag < c.k; tag++ {
				subtree := negInf
				for h := i; h <= j; h++ {
					subtree = c.accumulate(subtree, c.subtreeTerm(i, h, j, tag))
				}
				c.subtree[c.idx(i, j, tag)] = subtree
			}
		}
	}
	c.logZ = negInf
	for tag := 0; tag < c.k; tag++ {
		c.logZ = c.accumulate(c.logZ, c.rootTerm(tag))
	}
}

func (c *chart) rootTerm(tag int) float64 {
	return c.g.root[tag] + c.subtree[c.idx(0, c.n-1, tag)]
}

// outside computes the posterior expected counts of the grammar decisions and, into
// posteriors[word][tag], the tag marginals. Only valid in the sum semiring.
//
// It is the reverse-mode derivative of logZ with respect to every log-factor of the chart:
// items are visited in the reverse order of fill, and each propagates its adjoint to the
// terms it sums, weighted by their share exp(term - item).
func (c *chart) outside(posteriors [][]float64) *grammarCounts {
	g := c.g
	counts := newGrammarCounts(g)
	size := c.n * c.n * c.k
	gRightOpen := make([]float64, size)
	gRightDone := make([]float64, size)
	gLeftOpen := make([]float64, size)
	gLeftDone := make([]float64, size)
	gSubtree := make([]float64, size)
	for _, row := range posteriors {
		clear(row)
	}

	for tag := 0; tag < c.k; tag++ {
		w := math.Exp(c.rootTerm(tag) - c.logZ)
		counts.root[tag] += w
		gSubtree[c.idx(0, c.n-1, tag)] += w
	}
	for width := c.n - 1; width >= 0; width-- {
		for i := 0; i+width < c.n; i++ {
			j := i + width
			for tag := 0; tag < c.k; tag++ {
				idx := c.idx(i, j, tag)
				adj := gSubtree[idx]
				if adj == 0 {
					continue
				}
				for h := i; h <= j; h++ {
					w := adj * math.Exp(c.subtreeTerm(i, h, j, tag)-c.subtree[idx])
					gLeftDone[c.idx(i, h, tag)] += w
					gRightDone[c.idx(h, j, tag)] += w
					posteriors[h][tag] += w
				}
			}
			for tag := 0; tag < c.k; tag++ {
				idx := c.idx(i, j, tag)
				if adj := gRightDone[idx]; adj != 0 {
					gRightOpen[idx] += adj
					counts.stop[g.stopIdx(tag, right, valence(j > i))] += adj
				}
				if adj := gLeftDone[idx]; adj != 0 {
					gLeftOpen[idx] += adj
					counts.stop[g.stopIdx(tag, left, valence(i < j))] += adj
				}
				if adj := gRightOpen[idx]; adj != 0 && width > 0 {
					for m := i + 1; m <= j; m++ {
						for depTag := 0; depTag < c.k; depTag++ {
							w := adj * math.Exp(c.rightTerm(i, m, j, tag, depTag)-c.rightOpen[idx])
							gRightOpen[c.idx(i, m-1, tag)] += w
							counts.cont[g.stopIdx(tag, right, valence(m-1 > i))] += w
							counts.attach[g.attachIdx(tag, right, depTag)] += w
							gSubtree[c.idx(m, j, depTag)] += w
						}
					}
				}
				if adj := gLeftOpen[idx]; adj != 0 && width > 0 {
					for m := i; m < j; m++ {
						for depTag := 0; depTag < c.k; depTag++ {
							w := adj * math.Exp(c.leftTerm(i, m, j, tag, depTag)-c.leftOpen[idx])
							gLeftOpen[c.idx(m+1, j, tag)] += w
							counts.cont[g.stopIdx(tag, left, valence(m+1 < j))] += w
							counts.attach[g.attachIdx(tag, left, depTag)] += w
							gSubtree[c.idx(i, m, depTag)] += w
						}
					}
				}
			}
		}
	}
	return counts
}

// parse backtracks the best derivation of a Viterbi chart. It returns 1-based heads (0 for
// the root) and the tags of the words.
func (c *chart) parse() (heads, tags []int) {
	heads = make([]int, c.n)
	tags = make([]int, c.n)
	best := argmax(c.k, c.rootTerm)
	c.parseSubtree(0, c.n-1, best, 0, heads, tags)
	return heads, tags
}

func (c *chart) parseSubtree(i, j, tag, parent int, heads, tags []int) {
	h := i + argmax(j-i+1, func(offset int) float64 { return c.subtreeTerm(i, i+offset, j, tag) })
	heads[h] = parent
	tags[h] = tag
	c.parseRight(h, j, tag, heads, tags)
	c.parseLeft(i, h, tag, heads, tags)
}

func (c *chart) parseRight(i, j, tag int, heads, tags []int) {
	for j > i {
		choice := argmax((j-i)*c.k, func(ii int) float64 {
			return c.rightTerm(i, i+1+ii/c.k, j, tag, ii%c.k)
		})
		m, depTag := i+1+choice/c.k, choice%c.k
		c.parseSubtree(m, j, depTag, i+1, heads, tags)
		j = m - 1
	}
}

func (c *chart) parseLeft(i, j, tag int, heads, tags []int) {
	for i < j {
		choice := argmax((j-i)*c.k, func(ii int) float64 {
			return c.leftTerm(i, i+ii/c.k, j, tag, ii%c.k)
		})
		m, depTag := i+choice/c.k, choice%c.k
		c.parseSubtree(i, m, depTag, j+1, heads, tags)
		i = m + 1
	}
}

// argmax returns the index in [0, n) of the largest score, the first one on ties.
func argmax(n int, score func(int) float64) int {
	best, bestScore := 0, math.Inf(-1)
	for ii := 0; ii < n; ii++ {
		if s := score(ii); s > bestScore {
			best, bestScore = ii, s
		}
	}
	return best
}
