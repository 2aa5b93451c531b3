// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"time"

	"github.com/dmvflow/dmvflow/pkg/data/corpus"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupportedMode is returned for modes without a training step.
var ErrUnsupportedMode = errors.New("unsupported training mode")

// stepStrategy runs the training steps of one epoch.
type stepStrategy interface {
	runEpoch(ctx context.Context, t *Trainer) error
}

// newStepStrategy selects the strategy of the mode, once per run.
func newStepStrategy(mode Mode) (stepStrategy, error) {
	switch mode {
	case Unsupervised:
		return batchStep{loss: unsupervisedLoss}, nil
	case SupervisedWithPOS:
		return batchStep{loss: supervisedWithPOSLoss}, nil
	case SupervisedWithoutPOS:
		return sentenceStep{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedMode, "mode %q is not supported", mode)
}

// batchLoss evaluates the nll of a batch given its projection.
type batchLoss func(model GrammarModel, batch *corpus.Batch, seq [][][]float64) float64

func unsupervisedLoss(model GrammarModel, batch *corpus.Batch, seq [][][]float64) float64 {
	return model.UnsupervisedLoss(seq, batch.Mask)
}

func supervisedWithPOSLoss(model GrammarModel, batch *corpus.Batch, seq [][][]float64) float64 {
	return model.SupervisedLossWithPOS(batch, seq)
}

// batchStep updates only the projection group, once per batch, on the batch averaged
// loss. All gradients are clipped together.
type batchStep struct {
	loss batchLoss
}

func (s batchStep) runEpoch(ctx context.Context, t *Trainer) error {
	model := t.model
	for _, batch := range t.data.Train.Batches(t.rng, t.config.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		stepStart := time.Now()
		batchSize := batch.Size()
		numWords := batch.NumWords()
		t.optimizers.Prior.ZeroGrad()
		t.optimizers.Proj.ZeroGrad()

		seq, jacobian := model.Transform(batch)
		nll := s.loss(model, batch, seq)
		if err := checkFinite(nll); err != nil {
			return errors.WithMessagef(err, "iter %d", t.progress.Iter)
		}
		scale := 1.0 / float64(batchSize)
		model.Backward(scale, scale)
		gradNorm := t.clip(model.Variables(), t.config.ClipNorm)
		if err := t.optimizers.Proj.Step(); err != nil {
			return err
		}
		t.progress.Updates++

		t.progress.ReportLL -= nll
		t.progress.Words += numWords
		t.progress.Sentences += batchSize

		step := &Step{
			Epoch:        t.progress.Epoch,
			Iter:         t.progress.Iter,
			GlobalStep:   t.progress.GlobalStep,
			NLL:          nll,
			Jacobian:     jacobian,
			NumWords:     numWords,
			NumSentences: batchSize,
			Updated:      true,
			GradNorm:     gradNorm,
		}
		if t.progress.Iter%t.logNIter == 0 {
			step.Observation = t.observe(t.progress.Iter)
		}
		klog.V(2).Infof("iter %d: nll=%.4f jacobian=%.4f grad_norm=%.4f", t.progress.Iter, nll, jacobian, gradNorm)
		step.Duration = time.Since(stepStart)
		t.lastStep = step
		t.progress.Iter++
		t.progress.GlobalStep++
		if err := t.postStep(step); err != nil {
			return err
		}
	}
	return nil
}

// sentenceStep evaluates one sentence at a time, in a random order, accumulating
// gradients: every BatchSize sentences the projection gradients are clipped and both
// groups are updated. Gradients of a trailing partial batch are discarded.
type sentenceStep struct{}

func (sentenceStep) runEpoch(ctx context.Context, t *Trainer) error {
	model := t.model
	batchSize := t.config.BatchSize
	reportEvery := t.logNIter * batchSize
	t.optimizers.Prior.ZeroGrad()
	t.optimizers.Proj.ZeroGrad()
	for cnt, idx := range t.data.Train.Permutation(t.rng) {
		if err := ctx.Err(); err != nil {
			return err
		}
		stepStart := time.Now()
		sentence := t.data.Train.Sentences[idx]
		nll, jacobian := model.SupervisedLossWithoutPOS(sentence)
		if err := checkFinite(nll); err != nil {
			return errors.WithMessagef(err, "sentence %d", cnt)
		}
		model.Backward(1, 0)

		step := &Step{
			Epoch:        t.progress.Epoch,
			Iter:         cnt,
			GlobalStep:   t.progress.GlobalStep,
			NLL:          nll,
			Jacobian:     jacobian,
			NumWords:     sentence.Len(),
			NumSentences: 1,
		}
		if (cnt+1)%batchSize == 0 {
			step.GradNorm = t.clip(model.ProjGroup().Variables(), t.config.ClipNorm)
			if err := t.optimizers.Prior.Step(); err != nil {
				return err
			}
			if err := t.optimizers.Proj.Step(); err != nil {
				return err
			}
			t.optimizers.Prior.ZeroGrad()
			t.optimizers.Proj.ZeroGrad()
			step.Updated = true
			t.progress.Updates++
		}

		t.progress.ReportLL -= nll
		t.progress.Words += sentence.Len()
		t.progress.Sentences++
		if cnt%reportEvery == 0 {
			step.Observation = t.observe(cnt)
		}
		step.Duration = time.Since(stepStart)
		t.lastStep = step
		t.progress.GlobalStep++
		if err := t.postStep(step); err != nil {
			return err
		}
	}
	return nil
}
