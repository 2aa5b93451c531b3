// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/dmvflow/dmvflow/pkg/ml/params"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// dense is a fully connected layer: y = W·x + b, with W [out][in].
type dense struct {
	weights, biases *params.Variable
	in, out         int
}

func newDense(c *params.Collection, name string, in, out int) *dense {
	return &dense{
		weights: c.New(name+".weights", params.Projection, out, in),
		biases:  c.New(name+".biases", params.Projection, out),
		in:      in,
		out:     out,
	}
}

func (l *dense) init(rng *rand.Rand, stddev float64) {
	weights := make([]float64, l.weights.Size())
	for ii := range weights {
		weights[ii] = stddev * rng.NormFloat64()
	}
	l.weights.SetValues(weights)
	l.biases.SetValues(make([]float64, l.out))
}

// apply the layer to x shaped [batch, length, in].
func (l *dense) apply(x *Node) *Node {
	g := x.Graph()
	y := Einsum("bti,oi->bto", x, l.weights.ValueGraph(g))
	return Add(y, Reshape(l.biases.ValueGraph(g), 1, 1, l.out))
}

// coupling is an additive coupling layer: the words' update half is shifted by a ReLU
// network of their conditioning half, and, with a context window, of the conditioning
// halves of the preceding words. Its log-determinant is 0.
type coupling struct {
	cond, update []int
	window       int
	hidden       []*dense
	output       *dense
}

// apply the coupling to the words x shaped [batch, length, dim].
//
// The network input of word s holds the conditioning halves of words s, s-1, ..., s-window,
// offset major, with zeros before the start of the sentence.
func (l *coupling) apply(x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batch, length, dim := dims[0], dims[1], dims[2]
	condX := Einsum("btd,dc->btc", x, ConstTensor(g, selection(dim, l.cond)))
	window := Einsum("ost,btc->bsoc", ConstTensor(g, shifts(l.window, length)), condX)
	a := Reshape(window, batch, length, (l.window+1)*len(l.cond))
	for _, layer := range l.hidden {
		a = layer.apply(a)
		a = Max(a, ZerosLike(a))
	}
	shift := l.output.apply(a)
	return Add(x, Einsum("btu,du->btd", shift, ConstTensor(g, selection(dim, l.update))))
}

// selection is the [dim, len(idx)] matrix picking the coordinates idx of a vector.
func selection(dim int, idx []int) *tensors.Tensor {
	data := make([]float64, dim*len(idx))
	for col, d := range idx {
		data[d*len(idx)+col] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, dim, len(idx))
}

// shifts is the [window+1, length, length] tensor whose slice o maps position s to s-o.
func shifts(window, length int) *tensors.Tensor {
	data := make([]float64, (window+1)*length*length)
	for offset := 0; offset <= window; offset++ {
		for s := offset; s < length; s++ {
			data[(offset*length+s)*length+s-offset] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(data, window+1, length, length)
}

// flow projects word embeddings to the emission space: a stack of coupling layers followed
// by a diagonal scaling. With no coupling layers and no scaling it is the identity.
type flow struct {
	dim      int
	layers   []*coupling
	logScale *params.Variable
	vars     []*params.Variable
}

func newFlow(c *params.Collection, dim, numLayers, cellLayers, window int) *flow {
	f := &flow{dim: dim}
	numVars := len(c.All())
	half := dim / 2
	first, second := indices(0, half), indices(half, dim)
	for ii := 0; ii < numLayers; ii++ {
		name := fmt.Sprintf("flow.coupling_%d", ii)
		l := &coupling{cond: first, update: second, window: window}
		if ii%2 == 1 {
			l.cond, l.update = second, first
		}
		in := len(l.cond) * (1 + window)
		for jj := 0; jj < cellLayers; jj++ {
			l.hidden = append(l.hidden, newDense(c, fmt.Sprintf("%s.hidden_%d", name, jj), in, dim))
			in = dim
		}
		l.output = newDense(c, name+".output", in, len(l.update))
		f.layers = append(f.layers, l)
	}
	f.logScale = c.New("flow.log_scale", params.Projection, dim)
	f.vars = append([]*params.Variable(nil), c.All()[numVars:]...)
	return f
}

func indices(from, to int) []int {
	idx := make([]int, 0, to-from)
	for ii := from; ii < to; ii++ {
		idx = append(idx, ii)
	}
	return idx
}

// init sets random weights, with the output layers scaled down so the initial flow is
// close to the identity.
func (f *flow) init(rng *rand.Rand) {
	for _, l := range f.layers {
		for _, h := range l.hidden {
			h.init(rng, 1/math.Sqrt(float64(h.in)))
		}
		l.output.init(rng, 0.1/math.Sqrt(float64(l.output.in)))
	}
	f.logScale.SetValues(make([]float64, f.dim))
}

// apply projects the words x shaped [batch, length, dim]. It returns the projected words and
// the log-determinant of the projection of one word.
func (f *flow) apply(x *Node) (z, logDet *Node) {
	g := x.Graph()
	h := x
	for _, l := range f.layers {
		h = l.apply(h)
	}
	logScale := f.logScale.ValueGraph(g)
	z = Mul(h, Reshape(Exp(logScale), 1, 1, f.dim))
	return z, ReduceAllSum(logScale)
}
