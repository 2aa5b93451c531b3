// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math/bits"

	"github.com/dmvflow/dmvflow/pkg/ml/params"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// evalBatchSize is the number of sentences projected at once outside of training.
const evalBatchSize = 64

// projectGraph projects the embeddings x shaped [batch, length, dim]. It returns the projected
// words and the log-determinant of the projection of one word.
func (m *Model) projectGraph(x *Node) (z, logDet *Node) {
	if m.flow == nil {
		return x, ScalarZero(x.Graph(), params.DType)
	}
	return m.flow.apply(x)
}

func (m *Model) emissionGraph(z *Node) *Node {
	g := z.Graph()
	return emissionLogProbs(z, m.means.ValueGraph(g), m.logVar.ValueGraph(g))
}

func (m *Model) grammarGraph(g *Graph) (root, attach, stop, cont *Node) {
	return grammarLogProbs(m.rootLogits.ValueGraph(g), m.attachLogits.ValueGraph(g), m.stopLogits.ValueGraph(g))
}

// buildExecs creates the executors of the model graphs, over the context of its variables:
//
//   - forward: embeddings to projected words, emission log-probabilities and log-determinant.
//   - grammar: the normalized grammar log-probabilities.
//   - backward: the gradients of every variable of a linear objective built from the adjoints
//     of the emission and grammar log-probabilities, plus the adjoint of the log-determinant.
//
// The chart computes the adjoints on the host, so the objective has the same gradients as the
// scaled losses.
func (m *Model) buildExecs() {
	ctx := m.vars.Context()
	backend := params.Backend()
	m.forwardExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		z, logDet := m.projectGraph(x)
		return []*Node{z, m.emissionGraph(z), logDet}
	}).SetMaxCache(-1)
	m.grammarExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		root, attach, stop, cont := m.grammarGraph(g)
		return []*Node{root, attach, stop, cont}
	})
	m.backwardExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		x, emitAdj, grammarAdj, logDetAdj := inputs[0], inputs[1], inputs[2:6], inputs[6]
		g := x.Graph()
		z, logDet := m.projectGraph(x)
		objective := Add(ReduceAllSum(Mul(emitAdj, m.emissionGraph(z))), Mul(logDetAdj, logDet))
		root, attach, stop, cont := m.grammarGraph(g)
		for ii, logProbs := range []*Node{root, attach, stop, cont} {
			objective = Add(objective, ReduceAllSum(Mul(grammarAdj[ii], logProbs)))
		}
		vars := m.vars.All()
		values := make([]*Node, len(vars))
		for ii, v := range vars {
			values[ii] = v.ValueGraph(g)
		}
		return Gradient(objective, values...)
	}).SetMaxCache(-1)
}

// nextPowerOf2 returns the smallest power of 2 >= max(n, 1). Padding the batch shapes to powers
// of 2 bounds the number of graphs compiled.
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// pack the sentences embeddings into a zero padded [batch, length, dim] tensor.
func pack(embeds [][][]float64, dim int) *tensors.Tensor {
	maxLen := 0
	for _, embed := range embeds {
		maxLen = max(maxLen, len(embed))
	}
	batch, length := nextPowerOf2(len(embeds)), nextPowerOf2(maxLen)
	data := make([]float64, batch*length*dim)
	for ii, embed := range embeds {
		for t, word := range embed {
			copy(data[(ii*length+t)*dim:(ii*length+t+1)*dim], word)
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batch, length, dim)
}

// unpack the [batch, length, width] flat values of the sentences with the given lengths.
func unpack(flat []float64, lengths []int, length, width int) [][][]float64 {
	out := make([][][]float64, len(lengths))
	for ii, n := range lengths {
		out[ii] = newMatrix(n, width)
		for t := range out[ii] {
			start := (ii*length + t) * width
			copy(out[ii][t], flat[start:start+width])
		}
	}
	return out
}

// forward projects the sentences embeddings in one graph execution. It returns the packed
// input, the projected words and emission log-probabilities of each sentence, and the
// log-determinant of the projection of one word.
func (m *Model) forward(embeds [][][]float64) (x *tensors.Tensor, z, emit [][][]float64, logDet float64) {
	x = pack(embeds, m.opts.Dim)
	outputs := m.forwardExec.MustExec(x)
	lengths := make([]int, len(embeds))
	for ii, embed := range embeds {
		lengths[ii] = len(embed)
	}
	length := x.Shape().Dimensions[1]
	z = unpack(tensors.MustCopyFlatData[float64](outputs[0]), lengths, length, m.opts.Dim)
	emit = unpack(tensors.MustCopyFlatData[float64](outputs[1]), lengths, length, m.opts.NumTags)
	logDet = tensors.ToScalar[float64](outputs[2])
	return
}

// projectAll projects any number of sentences, evalBatchSize at a time.
func (m *Model) projectAll(embeds [][][]float64) (z, emit [][][]float64) {
	for start := 0; start < len(embeds); start += evalBatchSize {
		_, batchZ, batchEmit, _ := m.forward(embeds[start:min(start+evalBatchSize, len(embeds))])
		z = append(z, batchZ...)
		emit = append(emit, batchEmit...)
	}
	return
}

// project one sentence. Without a flow the embeddings are returned as is.
func (m *Model) project(embed [][]float64) [][]float64 {
	z, _ := m.projectAll([][][]float64{embed})
	return z[0]
}

// currentGrammar evaluates the grammar log-probabilities of the prior variables.
func (m *Model) currentGrammar() *grammar {
	outputs := m.grammarExec.MustExec()
	flat := func(ii int) []float64 { return tensors.MustCopyFlatData[float64](outputs[ii]) }
	return &grammar{
		numTags: m.opts.NumTags,
		root:    flat(0),
		attach:  flat(1),
		stop:    flat(2),
		cont:    flat(3),
	}
}
