// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package dmv implements the Dependency Model with Valence (DMV) over words projected by an
// invertible flow: every word is emitted from a Gaussian of its (latent or gold) POS tag,
// in the space the flow maps its pretrained embedding to.
//
// The projection, the emissions and the grammar normalization are gomlx graphs over the
// model variables, executed in float64 by the pure Go backend. The split-head chart runs on
// the host over the emission log-probabilities: each loss records the adjoints of the
// log-probabilities it used, and Model.Backward runs them back through the graph to
// accumulate the gradients into the variables.
//
// Model implements train.GrammarModel.
package dmv

import (
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/dmvflow/dmvflow/pkg/ml/checkpoints"
	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Projection selects how embeddings are projected before the Gaussian emissions.
type Projection string

const (
	// Gaussian emits the embeddings directly.
	Gaussian Projection = "gaussian"

	// NICE projects with additive coupling layers and a diagonal scaling.
	NICE Projection = "nice"

	// LSTMNICE is NICE whose coupling layers also see the preceding words.
	LSTMNICE Projection = "lstmnice"
)

// Projections lists the valid projections.
var Projections = []Projection{Gaussian, NICE, LSTMNICE}

// ParseProjection validates name as one of Projections.
func ParseProjection(name string) (Projection, error) {
	p := Projection(name)
	if !slices.Contains(Projections, p) {
		return "", errors.Errorf("invalid model %q, valid values are %q", name, Projections)
	}
	return p, nil
}

// DefaultExcludePOS are the gold POS tags not scored by Test.
var DefaultExcludePOS = []string{"PUNCT", "SYM"}

// Options to create a Model.
type Options struct {
	Projection Projection

	// NumTags is the size of the POS vocabulary, and Dim the embeddings dimension.
	NumTags, Dim int

	// CoupleLayers is the number of coupling layers of the flow, and CellLayers the number
	// of hidden ReLU layers of each coupling network.
	CoupleLayers, CellLayers int

	// ContextWindow is the number of preceding words seen by the LSTMNICE couplings.
	ContextWindow int

	// ExcludePOS are the gold POS tags not scored by Test. Defaults to DefaultExcludePOS.
	ExcludePOS []string

	// InitFromGoldTags initializes the Gaussian means from the gold tags of the train
	// split, instead of from random words of the seed batch.
	InitFromGoldTags bool

	// LoadNICE and LoadGaussian are optional checkpoint files with pretrained flow and
	// emission variables, loaded by InitParams.
	LoadNICE, LoadGaussian string

	Seed int64
}

// Model is the DMV with Gaussian emissions over a projection of the embeddings.
type Model struct {
	opts Options
	rng  *rand.Rand

	vars *params.Collection

	// Prior group.
	rootLogits, attachLogits, stopLogits *params.Variable

	// Projection group.
	means, logVar *params.Variable
	flow          *flow

	forwardExec, grammarExec, backwardExec *context.Exec

	lastTransform *transformState
	pending       *pendingGrads
}

// transformState is what the losses and Backward need from the last Transform.
type transformState struct {
	// x is the packed input of the projection.
	x *tensors.Tensor

	// emit are the [word][tag] emission log-probabilities of each sentence.
	emit     [][][]float64
	numWords int
}

// pendingGrads are the derivatives of the nll of the last loss evaluated, not yet applied:
// minus the counts of each grammar decision, and minus the [word][tag] weights of each
// emission.
type pendingGrads struct {
	counts  *grammarCounts
	weights [][][]float64
}

// New creates a Model with zero variables: call InitParams before using it.
func New(opts Options) (*Model, error) {
	if _, err := ParseProjection(string(opts.Projection)); err != nil {
		return nil, err
	}
	if opts.NumTags <= 0 || opts.Dim <= 0 {
		return nil, errors.Errorf("dmv.New: invalid number of tags (%d) or dimension (%d)", opts.NumTags, opts.Dim)
	}
	if opts.ExcludePOS == nil {
		opts.ExcludePOS = DefaultExcludePOS
	}
	k, d := opts.NumTags, opts.Dim
	m := &Model{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
		vars: params.NewCollection(),
	}
	m.rootLogits = m.vars.New("dmv.root", params.Prior, k)
	m.attachLogits = m.vars.New("dmv.attach", params.Prior, k, 2, k)
	m.stopLogits = m.vars.New("dmv.stop", params.Prior, k, 2, 2)
	m.means = m.vars.New("emission.means", params.Projection, k, d)
	m.logVar = m.vars.New("emission.log_var", params.Projection, d)
	if opts.Projection != Gaussian {
		if d < 2 {
			return nil, errors.Errorf("dmv.New: model %q requires at least 2 dimensions, got %d", opts.Projection, d)
		}
		if opts.CoupleLayers < 0 || opts.CellLayers < 0 || opts.ContextWindow < 0 {
			return nil, errors.Errorf("dmv.New: invalid flow configuration %+v", opts)
		}
		window := 0
		if opts.Projection == LSTMNICE {
			window = opts.ContextWindow
		}
		m.flow = newFlow(m.vars, d, opts.CoupleLayers, opts.CellLayers, window)
	}
	m.buildExecs()
	klog.V(1).Infof("dmv.New(%s): %d tags, %d dims, %d prior and %d projection parameters", opts.Projection, k, d,
		m.PriorGroup().NumElements(), m.ProjGroup().NumElements())
	return m, nil
}

// PriorGroup implements train.GrammarModel.
func (m *Model) PriorGroup() *params.Group { return m.vars.Group(params.Prior) }

// ProjGroup implements train.GrammarModel.
func (m *Model) ProjGroup() *params.Group { return m.vars.Group(params.Projection) }

// Variables implements train.GrammarModel.
func (m *Model) Variables() []*params.Variable { return m.vars.All() }

// VarianceBounds implements train.GrammarModel.
func (m *Model) VarianceBounds() (maxVar, minVar float64) {
	logVar := m.logVar.Values()
	return math.Exp(floats.Max(logVar)), math.Exp(floats.Min(logVar))
}

// FlowVariables are the variables of the projection network, empty for the Gaussian model.
func (m *Model) FlowVariables() []*params.Variable {
	if m.flow == nil {
		return nil
	}
	return m.flow.vars
}

// GaussianVariables are the emission variables.
func (m *Model) GaussianVariables() []*params.Variable {
	return []*params.Variable{m.means, m.logVar}
}

// LoadNICE loads pretrained projection variables from a checkpoint file.
func (m *Model) LoadNICE(path string) error {
	if m.flow == nil {
		return errors.Errorf("model %q has no projection network to load from %q", m.opts.Projection, path)
	}
	return checkpoints.LoadSubset(path, m.flow.vars)
}

// LoadGaussian loads pretrained emission variables from a checkpoint file.
func (m *Model) LoadGaussian(path string) error {
	return checkpoints.LoadSubset(path, m.GaussianVariables())
}

// minInitVariance bounds the variances estimated by InitParams.
const minInitVariance = 1e-4

// InitParams implements train.GrammarModel: uniform grammar, random flow, and Gaussians
// matching the projected words. Pretrained variables, if configured, replace the
// initialized ones.
func (m *Model) InitParams(seed *corpus.Batch, train *corpus.Corpus) error {
	for _, v := range []*params.Variable{m.rootLogits, m.attachLogits, m.stopLogits} {
		v.SetValues(make([]float64, v.Size()))
	}
	if m.flow != nil {
		m.flow.init(m.rng)
		if m.opts.LoadNICE != "" {
			if err := m.LoadNICE(m.opts.LoadNICE); err != nil {
				return err
			}
		}
	}

	seedZ, _ := m.projectAll(seed.Embeddings())
	var seedWords [][]float64
	for _, z := range seedZ {
		seedWords = append(seedWords, z...)
	}
	if len(seedWords) == 0 {
		return errors.New("dmv.InitParams: empty seed batch")
	}
	k, dim := m.opts.NumTags, m.opts.Dim
	logVar := make([]float64, dim)
	column := make([]float64, len(seedWords))
	for d := range logVar {
		for ii, z := range seedWords {
			column[ii] = z[d]
		}
		_, variance := stat.MeanVariance(column, nil)
		if math.IsNaN(variance) {
			variance = 1
		}
		logVar[d] = math.Log(max(variance, minInitVariance))
	}
	m.logVar.SetValues(logVar)

	means := make([]float64, k*dim)
	counts := make([]float64, k)
	if m.opts.InitFromGoldTags {
		embeds := make([][][]float64, len(train.Sentences))
		for ii, s := range train.Sentences {
			embeds[ii] = s.Embed
		}
		trainZ, _ := m.projectAll(embeds)
		for ii, s := range train.Sentences {
			for t, z := range trainZ[ii] {
				tag := s.Tags[t]
				if tag < 0 || tag >= k {
					continue
				}
				floats.Add(means[tag*dim:(tag+1)*dim], z)
				counts[tag]++
			}
		}
	}
	for tag := 0; tag < k; tag++ {
		mu := means[tag*dim : (tag+1)*dim]
		if counts[tag] > 0 {
			floats.Scale(1/counts[tag], mu)
			continue
		}
		copy(mu, seedWords[m.rng.Intn(len(seedWords))])
		for d := range mu {
			mu[d] += 0.01 * math.Exp(0.5*logVar[d]) * m.rng.NormFloat64()
		}
	}
	m.means.SetValues(means)

	if m.opts.LoadGaussian != "" {
		if err := m.LoadGaussian(m.opts.LoadGaussian); err != nil {
			return err
		}
	}
	m.lastTransform, m.pending = nil, nil
	return nil
}

// SetDMVParams implements train.GrammarModel: the grammar is set to the add-one smoothed
// relative frequencies of the gold trees and tags.
func (m *Model) SetDMVParams(train *corpus.Corpus) error {
	if train == nil || train.Len() == 0 {
		return errors.New("dmv.SetDMVParams: empty train split")
	}
	counts := goldCounts(m.currentGrammar(), train)
	rootLogits, attachLogits, stopLogits := logitsFromCounts(m.opts.NumTags, counts)
	m.rootLogits.SetValues(rootLogits)
	m.attachLogits.SetValues(attachLogits)
	m.stopLogits.SetValues(stopLogits)
	return nil
}

// Transform implements train.GrammarModel.
func (m *Model) Transform(batch *corpus.Batch) (seq [][][]float64, jacobian float64) {
	x, seq, emit, logDet := m.forward(batch.Embeddings())
	numWords := batch.NumWords()
	m.lastTransform = &transformState{x: x, emit: emit, numWords: numWords}
	m.pending = nil
	return seq, -float64(numWords) * logDet
}

// transformed returns the state of the last Transform, which must have projected numSentences.
func (m *Model) transformed(numSentences int) *transformState {
	state := m.lastTransform
	if state == nil || len(state.emit) != numSentences {
		exceptions.Panicf("dmv: loss evaluated on %d sentences not projected by the last Transform", numSentences)
	}
	return state
}

func (m *Model) newPending(g *grammar, numSentences int) *pendingGrads {
	return &pendingGrads{
		counts:  newGrammarCounts(g),
		weights: make([][][]float64, numSentences),
	}
}

// sentenceLength returns the number of valid positions of a mask row.
func sentenceLength(mask []bool) int {
	n := 0
	for _, valid := range mask {
		if valid {
			n++
		}
	}
	return n
}

// UnsupervisedLoss implements train.GrammarModel: the negative log-likelihood summed over
// all projective trees and all tags. seq must come from the last Transform.
func (m *Model) UnsupervisedLoss(seq [][][]float64, mask [][]bool) float64 {
	state := m.transformed(len(seq))
	g := m.currentGrammar()
	p := m.newPending(g, len(seq))
	var nll float64
	for ii := range seq {
		n := sentenceLength(mask[ii])
		if n == 0 {
			continue
		}
		c := newChart(g, state.emit[ii][:n], false)
		nll -= c.logZ
		posteriors := newMatrix(n, m.opts.NumTags)
		p.counts.add(c.outside(posteriors))
		p.weights[ii] = posteriors
	}
	m.pending = p
	return nll
}

// SupervisedLossWithPOS implements train.GrammarModel: the negative log-likelihood of the
// gold trees and tags. seq must come from the last Transform of batch.
func (m *Model) SupervisedLossWithPOS(batch *corpus.Batch, seq [][][]float64) float64 {
	state := m.transformed(len(seq))
	g := m.currentGrammar()
	p := m.newPending(g, len(seq))
	var nll float64
	for ii, s := range batch.Sentences {
		tr := m.mustTree(s)
		emit := state.emit[ii]
		weights := newMatrix(s.Len(), m.opts.NumTags)
		nll -= tr.logProb(g, s.Tags)
		for t, tag := range s.Tags {
			nll -= emit[t][tag]
			weights[t][tag] = 1
		}
		tr.count(g, s.Tags, p.counts)
		p.weights[ii] = weights
	}
	m.pending = p
	return nll
}

// SupervisedLossWithoutPOS implements train.GrammarModel: the negative log-likelihood of
// the gold tree of s, summed over all tags. It projects s itself, and returns the
// jacobian loss of the projection.
func (m *Model) SupervisedLossWithoutPOS(s *corpus.Sentence) (nll, jacobian float64) {
	_, jacobian = m.Transform(corpus.NewBatch(s))
	tr := m.mustTree(s)
	g := m.currentGrammar()
	p := m.newPending(g, 1)
	posteriors := newMatrix(s.Len(), m.opts.NumTags)
	logZ, counts := tr.marginalize(g, m.lastTransform.emit[0], posteriors)
	p.counts.add(counts)
	p.weights[0] = posteriors
	m.pending = p
	return -logZ, jacobian
}

// mustTree returns the gold tree of s. Training sentences are required to have valid trees
// and known tags, so a violation is an exception.
func (m *Model) mustTree(s *corpus.Sentence) *tree {
	tr, err := newTree(s.Heads)
	if err != nil {
		exceptions.Panicf("sentence %q: invalid gold tree: %v", strings.Join(s.Words, " "), err)
	}
	if !knownTags(s.Tags, m.opts.NumTags) {
		exceptions.Panicf("sentence %q: unknown gold tags %v", strings.Join(s.Words, " "), s.Tags)
	}
	return tr
}

// Backward implements train.GrammarModel.
func (m *Model) Backward(nllScale, jacobianScale float64) {
	p, state := m.pending, m.lastTransform
	if p == nil {
		exceptions.Panicf("dmv.Backward called without a loss evaluated")
	}
	dims := state.x.Shape().Dimensions
	batch, length, k := dims[0], dims[1], m.opts.NumTags
	emitAdj := make([]float64, batch*length*k)
	for ii, weights := range p.weights {
		for t, row := range weights {
			for tag, w := range row {
				emitAdj[(ii*length+t)*k+tag] = -nllScale * w
			}
		}
	}
	adjoint := func(counts []float64, dims ...int) *tensors.Tensor {
		adj := make([]float64, len(counts))
		floats.AddScaled(adj, -nllScale, counts)
		return tensors.FromFlatDataAndDimensions(adj, dims...)
	}
	grads := m.backwardExec.MustExec(
		state.x,
		tensors.FromFlatDataAndDimensions(emitAdj, batch, length, k),
		adjoint(p.counts.root, k),
		adjoint(p.counts.attach, k, 2, k),
		adjoint(p.counts.stop, k, 2, 2),
		adjoint(p.counts.cont, k, 2, 2),
		-jacobianScale*float64(state.numWords))
	for ii, v := range m.vars.All() {
		floats.Add(v.Grad, tensors.MustCopyFlatData[float64](grads[ii]))
	}
}

// Test implements train.GrammarModel: the directed accuracy of the Viterbi parses, over
// the words whose gold POS is not excluded.
func (m *Model) Test(split *corpus.Corpus) float64 {
	g := m.currentGrammar()
	embeds := make([][][]float64, len(split.Sentences))
	for ii, s := range split.Sentences {
		embeds[ii] = s.Embed
	}
	_, emit := m.projectAll(embeds)
	var correct, total int
	for ii, s := range split.Sentences {
		heads, _ := parse(g, emit[ii])
		for t, head := range heads {
			if s.Heads[t] < 0 || slices.Contains(m.opts.ExcludePOS, s.UPOS[t]) {
				continue
			}
			total++
			if head == s.Heads[t] {
				correct++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// Parse returns the most likely tree of s, as 1-based heads (0 for the root), and tags.
func (m *Model) Parse(s *corpus.Sentence) (heads, tags []int) {
	_, emit := m.projectAll([][][]float64{s.Embed})
	return parse(m.currentGrammar(), emit[0])
}

func parse(g *grammar, emit [][]float64) (heads, tags []int) {
	if len(emit) == 0 {
		return nil, nil
	}
	return newChart(g, emit, true).parse()
}

func newMatrix(rows, cols int) [][]float64 {
	data := make([]float64, rows*cols)
	out := make([][]float64, rows)
	for ii := range out {
		out[ii] = data[ii*cols : (ii+1)*cols]
	}
	return out
}
