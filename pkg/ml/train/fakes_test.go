// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"testing"

	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/dmvflow/dmvflow/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// fakeModel returns scripted losses and accuracies, and accumulates a constant gradient
// on Backward.
type fakeModel struct {
	params      *params.Collection
	prior, proj *params.Variable

	nll       func(call int) float64
	accs      []float64
	gradValue float64
	initErr   error

	initCalls, setDMVCalls, lossCalls, backwardCalls, testCalls int

	// dirtyGradsAtLoss counts loss evaluations that found non-zero gradients.
	dirtyGradsAtLoss int
	backwardScales   [][2]float64
}

func newFakeModel() *fakeModel {
	c := params.NewCollection()
	m := &fakeModel{params: c, gradValue: 100}
	m.prior = c.New("prior", params.Prior, 3)
	m.proj = c.New("proj", params.Projection, 2, 2)
	m.nll = func(int) float64 { return 2 }
	return m
}

func (m *fakeModel) InitParams(seed *corpus.Batch, train *corpus.Corpus) error {
	m.initCalls++
	if m.initErr != nil {
		return m.initErr
	}
	ones := make([]float64, m.proj.Size())
	for ii := range ones {
		ones[ii] = 1
	}
	m.proj.SetValues(ones)
	return nil
}

func (m *fakeModel) SetDMVParams(train *corpus.Corpus) error {
	m.setDMVCalls++
	return nil
}

func (m *fakeModel) Transform(batch *corpus.Batch) ([][][]float64, float64) {
	return batch.Embeddings(), 0.5
}

func (m *fakeModel) recordLoss() float64 {
	if optimizers.GradNorm(m.Variables()) != 0 {
		m.dirtyGradsAtLoss++
	}
	nll := m.nll(m.lossCalls)
	m.lossCalls++
	return nll
}

func (m *fakeModel) UnsupervisedLoss(seq [][][]float64, mask [][]bool) float64 {
	return m.recordLoss()
}

func (m *fakeModel) SupervisedLossWithPOS(batch *corpus.Batch, seq [][][]float64) float64 {
	return m.recordLoss()
}

func (m *fakeModel) SupervisedLossWithoutPOS(s *corpus.Sentence) (float64, float64) {
	return m.recordLoss(), 0.25
}

func (m *fakeModel) Backward(nllScale, jacobianScale float64) {
	m.backwardCalls++
	m.backwardScales = append(m.backwardScales, [2]float64{nllScale, jacobianScale})
	for _, v := range m.Variables() {
		for ii := range v.Grad {
			v.Grad[ii] += nllScale * m.gradValue
		}
	}
}

func (m *fakeModel) Test(split *corpus.Corpus) float64 {
	acc := m.accs[min(m.testCalls, len(m.accs)-1)]
	m.testCalls++
	return acc
}

func (m *fakeModel) PriorGroup() *params.Group { return m.params.Group(params.Prior) }

func (m *fakeModel) ProjGroup() *params.Group { return m.params.Group(params.Projection) }

func (m *fakeModel) Variables() []*params.Variable { return m.params.All() }

func (m *fakeModel) VarianceBounds() (float64, float64) { return 2, 0.5 }

// memoryCheckpointer keeps the last snapshot in memory.
type memoryCheckpointer struct {
	saved    map[string][]float64
	scores   []float64
	restores int
}

func (c *memoryCheckpointer) Save(vars []*params.Variable, score float64) error {
	c.saved = make(map[string][]float64)
	for _, v := range vars {
		c.saved[v.Name()] = v.Values()
	}
	c.scores = append(c.scores, score)
	return nil
}

func (c *memoryCheckpointer) Restore(vars []*params.Variable) error {
	if c.saved == nil {
		return errors.New("no checkpoint saved")
	}
	for _, v := range vars {
		v.SetValues(c.saved[v.Name()])
	}
	c.restores++
	return nil
}

// optimizerLog records what the "counting" optimizer sees.
type optimizerLog struct {
	steps map[params.GroupName]int

	// learningRates records the learning rate of every optimizer built, per group.
	learningRates map[params.GroupName][]float64

	// normsAtStep holds the gradient norm of the group at each step.
	normsAtStep []float64
}

type countingOptimizer struct {
	optimizers.Interface
	log *optimizerLog
}

func (o *countingOptimizer) Step() error {
	o.log.steps[o.Group().Name()]++
	o.log.normsAtStep = append(o.log.normsAtStep, optimizers.GradNorm(o.Group().Variables()))
	return o.Interface.Step()
}

// registerCountingOptimizer registers an SGD optimizer named "counting" that records its use.
func registerCountingOptimizer(t *testing.T) *optimizerLog {
	log := &optimizerLog{
		steps:         make(map[params.GroupName]int),
		learningRates: make(map[params.GroupName][]float64),
	}
	optimizers.KnownOptimizers["counting"] = func(group *params.Group, lr float64) optimizers.Interface {
		log.learningRates[group.Name()] = append(log.learningRates[group.Name()], lr)
		return &countingOptimizer{Interface: optimizers.StochasticGradientDescent(group, lr), log: log}
	}
	t.Cleanup(func() { delete(optimizers.KnownOptimizers, "counting") })
	return log
}

// makeSplit creates a corpus of n sentences of the given length.
func makeSplit(n, length int) *corpus.Corpus {
	c := &corpus.Corpus{Name: "fake", Dim: 1, POSVocab: corpus.NewVocab("X")}
	for ii := 0; ii < n; ii++ {
		s := &corpus.Sentence{}
		for jj := 0; jj < length; jj++ {
			s.Words = append(s.Words, "w")
			s.UPOS = append(s.UPOS, "X")
			s.Tags = append(s.Tags, 0)
			s.Heads = append(s.Heads, 0)
			s.Embed = append(s.Embed, []float64{float64(ii)})
		}
		c.Sentences = append(c.Sentences, s)
		c.NumWords += length
	}
	return c
}

func testConfig(mode Mode, batchSize, epochs int) Config {
	return Config{
		Mode:      mode,
		Optimizer: "counting",
		PriorLR:   0.1,
		ProjLR:    0.01,
		BatchSize: batchSize,
		Epochs:    epochs,
		Seed:      783435,
		SetSeed:   true,
	}
}
