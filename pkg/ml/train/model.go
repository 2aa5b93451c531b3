// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"slices"

	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/pkg/errors"
)

// GrammarModel is the model trained by a Trainer: a generative dependency grammar over
// projected word embeddings.
//
// Loss methods run a forward pass and record whatever Backward needs: Backward always
// applies to the most recent loss evaluation.
type GrammarModel interface {
	// InitParams initializes all variables, using a seed batch and the train split.
	InitParams(seed *corpus.Batch, train *corpus.Corpus) error

	// SetDMVParams sets the grammar parameters directly from the gold trees of train.
	SetDMVParams(train *corpus.Corpus) error

	// Transform projects the embeddings of the batch, returning per sentence projected
	// sequences and the total jacobian loss term (the negated log-determinant).
	Transform(batch *corpus.Batch) (seq [][][]float64, jacobian float64)

	// UnsupervisedLoss is the negative log marginal likelihood of the projected sequences,
	// summing over all trees and tags.
	UnsupervisedLoss(seq [][][]float64, mask [][]bool) float64

	// SupervisedLossWithPOS is the negative log-likelihood of the projected sequences given
	// the gold tags and trees of the batch.
	SupervisedLossWithPOS(batch *corpus.Batch, seq [][][]float64) float64

	// SupervisedLossWithoutPOS is the negative log-likelihood of one sentence given its
	// gold tree, with the tags marginalized, and its jacobian loss term.
	SupervisedLossWithoutPOS(s *corpus.Sentence) (nll, jacobian float64)

	// Backward accumulates into the variables gradients the derivatives of
	// nllScale*nll + jacobianScale*jacobian, for the last loss evaluated.
	Backward(nllScale, jacobianScale float64)

	// Test returns the directed dependency accuracy on the split.
	Test(split *corpus.Corpus) float64

	// PriorGroup holds the grammar parameters.
	PriorGroup() *params.Group

	// ProjGroup holds the emission and projection parameters.
	ProjGroup() *params.Group

	// Variables returns all variables: the union of both groups.
	Variables() []*params.Variable

	// VarianceBounds returns the largest and smallest emission variances.
	VarianceBounds() (maxVar, minVar float64)
}

// Checkpointer persists the best model state.
type Checkpointer interface {
	// Save snapshots all vars, overwriting any previous snapshot.
	Save(vars []*params.Variable, score float64) error

	// Restore loads the last snapshot into vars. It fails if any variable is missing or
	// has a different shape, in which case vars are left untouched.
	Restore(vars []*params.Variable) error
}

// Mode of training.
type Mode string

const (
	SupervisedWithPOS    Mode = "supervised_wpos"
	SupervisedWithoutPOS Mode = "supervised_wopos"
	Unsupervised         Mode = "unsupervised"

	// Both and Eval are accepted by the configuration, but have no training step.
	Both Mode = "both"
	Eval Mode = "eval"
)

// Modes lists all the modes accepted by configuration.
var Modes = []Mode{SupervisedWithPOS, SupervisedWithoutPOS, Unsupervised, Both, Eval}

// ParseMode validates name as one of Modes.
func ParseMode(name string) (Mode, error) {
	mode := Mode(name)
	if !slices.Contains(Modes, mode) {
		return "", errors.Errorf("invalid mode %q, valid values are %q", name, Modes)
	}
	return mode, nil
}

// IsSupervised returns whether the mode selects checkpoints on validation accuracy.
func (m Mode) IsSupervised() bool {
	return m == SupervisedWithPOS || m == SupervisedWithoutPOS
}

// Data holds the splits used in training.
type Data struct {
	Train, Val *corpus.Corpus
}

// Config of the Trainer.
type Config struct {
	Mode Mode

	// Optimizer name, one of optimizers.KnownOptimizers.
	Optimizer string

	// PriorLR and ProjLR are the base learning rates of each group, multiplied by the
	// current learning rate multiplier.
	PriorLR, ProjLR float64

	BatchSize int
	Epochs    int

	// ValidNEpoch is the validation cadence of the supervised modes, in epochs. Epochs
	// without validation neither save nor anneal. 0 validates every epoch.
	ValidNEpoch int

	// ClipNorm is the maximum global gradient norm. Defaults to DefaultClipNorm.
	ClipNorm float64

	// Seed is used if SetSeed, otherwise the random source is seeded from the clock.
	Seed    int64
	SetSeed bool
}

// DefaultClipNorm is the gradient clipping bound.
const DefaultClipNorm = 5.0
