// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package train orchestrates the training of a GrammarModel: it dispatches on the training
// mode, coordinates one optimizer per parameter group, clips gradients and, in the
// supervised modes, gates checkpoints and learning rate annealing on validation accuracy.
//
// Training runs on a single goroutine. Hooks (OnStart, OnStep, OnEpochEnd, OnEnd) are
// called synchronously on it.
package train

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/dmvflow/dmvflow/pkg/ml/train/optimizers"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer runs the training epochs of a GrammarModel.
type Trainer struct {
	config   Config
	model    GrammarModel
	data     Data
	ckpt     Checkpointer
	rng      *rand.Rand
	strategy stepStrategy

	newOptimizer optimizers.Builder
	optimizers   OptimizerState
	anneal       *AnnealPolicy
	progress     Progress

	// logNIter is the progress report cadence.
	logNIter int

	// clip is optimizers.ClipGradNorm, except in tests.
	clip func(vars []*params.Variable, maxNorm float64) float64

	beginTime time.Time
	lastStep  *Step

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// OptimizerState holds the optimizers of each parameter group, built at the current
// learning rate multiplier.
type OptimizerState struct {
	Prior, Proj optimizers.Interface
	Multiplier  float64
}

// Progress of training. Report counters are reset at the start of each epoch.
type Progress struct {
	Epoch int

	// Iter counts batches across epochs. It is not used in SupervisedWithoutPOS.
	Iter int

	// GlobalStep counts loss evaluations across epochs, and Updates counts optimizer steps.
	GlobalStep, Updates int

	// ReportLL accumulates the log-likelihood (the negated nll) of the epoch so far.
	ReportLL           float64
	Words, Sentences   int
	BestScore          float64
	NotImproved        int
	LRMultiplier       float64
	LastValidationAcc  float64
	NumAnneals         int
	NumCheckpointSaves int
}

// LLPerSent and LLPerWord of the current epoch counters.
func (p Progress) LLPerSent() float64 { return safeDiv(p.ReportLL, p.Sentences) }

// LLPerWord of the current epoch counters.
func (p Progress) LLPerWord() float64 { return safeDiv(p.ReportLL, p.Words) }

func safeDiv(value float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return value / float64(count)
}

// New creates a Trainer. It fails before any training if the mode has no training step,
// if the optimizer is unknown, or if data is missing.
func New(config Config, model GrammarModel, data Data, ckpt Checkpointer) (*Trainer, error) {
	strategy, err := newStepStrategy(config.Mode)
	if err != nil {
		return nil, err
	}
	newOptimizer, err := optimizers.ByName(config.Optimizer)
	if err != nil {
		return nil, err
	}
	if model == nil || ckpt == nil {
		return nil, errors.New("train.New: model and checkpointer are required")
	}
	if data.Train == nil || data.Train.Len() == 0 {
		return nil, errors.New("train.New: empty train split")
	}
	if config.Mode.IsSupervised() && data.Val == nil {
		return nil, errors.Errorf("train.New: mode %q requires a validation split", config.Mode)
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("train.New: invalid batch size %d", config.BatchSize)
	}
	if config.ClipNorm <= 0 {
		config.ClipNorm = DefaultClipNorm
	}
	seed := config.Seed
	if !config.SetSeed {
		seed = time.Now().UnixNano()
	}
	t := &Trainer{
		config:       config,
		model:        model,
		data:         data,
		ckpt:         ckpt,
		rng:          rand.New(rand.NewSource(seed)),
		strategy:     strategy,
		newOptimizer: newOptimizer,
		anneal:       NewAnnealPolicy(),
		logNIter:     max(1, (data.Train.Len()/config.BatchSize)/5),
		clip:         optimizers.ClipGradNorm,
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	t.buildOptimizers(t.anneal.LRMultiplier)
	t.syncProgress()
	return t, nil
}

// buildOptimizers (re-)creates both optimizers at multiplier times the base learning rates,
// discarding any optimizer state.
func (t *Trainer) buildOptimizers(multiplier float64) {
	t.optimizers = OptimizerState{
		Prior:      t.newOptimizer(t.model.PriorGroup(), multiplier*t.config.PriorLR),
		Proj:       t.newOptimizer(t.model.ProjGroup(), multiplier*t.config.ProjLR),
		Multiplier: multiplier,
	}
}

func (t *Trainer) syncProgress() {
	t.progress.BestScore = t.anneal.BestScore
	t.progress.NotImproved = t.anneal.NotImproved
	t.progress.LRMultiplier = t.anneal.LRMultiplier
	t.progress.NumAnneals = t.anneal.NumAnneals
}

// Config returns the trainer configuration.
func (t *Trainer) Config() Config { return t.config }

// Model being trained.
func (t *Trainer) Model() GrammarModel { return t.model }

// Data used for training.
func (t *Trainer) Data() Data { return t.data }

// Progress returns a snapshot of the training progress.
func (t *Trainer) Progress() Progress { return t.progress }

// Optimizers currently in use.
func (t *Trainer) Optimizers() OptimizerState { return t.optimizers }

// LogNIter is the progress reporting cadence, in batches.
func (t *Trainer) LogNIter() int { return t.logNIter }

// Rand is the random source used for initialization and data order.
func (t *Trainer) Rand() *rand.Rand { return t.rng }

// Run initializes the model and trains it for the configured number of epochs.
//
// A final checkpoint is saved when all epochs are done, or when ctx is cancelled, in
// which case Run returns the context error after saving. A NaN or infinite loss aborts
// training with an error, without saving.
func (t *Trainer) Run(ctx context.Context) error {
	err := t.run(ctx)
	if endErr := t.end(); endErr != nil {
		if err == nil {
			return endErr
		}
		klog.Errorf("training failed, and so did the end hooks: %+v", endErr)
	}
	return err
}

// run is the body of Run: the OnEnd hooks are called after it, whether it fails or not.
func (t *Trainer) run(ctx context.Context) error {
	t.beginTime = time.Now()
	if err := t.initialize(); err != nil {
		return err
	}
	if err := t.start(); err != nil {
		return err
	}
	klog.Infof("begin training: mode=%s, optimizer=%s, %s sentences, batch size %d, log every %d",
		t.config.Mode, t.config.Optimizer, humanize.Comma(int64(t.data.Train.Len())), t.config.BatchSize, t.logNIter)

	var interrupted error
	for t.progress.Epoch = 0; t.progress.Epoch < t.config.Epochs; t.progress.Epoch++ {
		epochStart := time.Now()
		t.progress.ReportLL, t.progress.Words, t.progress.Sentences = 0, 0, 0
		if err := t.strategy.runEpoch(ctx, t); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				interrupted = err
				break
			}
			return errors.WithMessagef(err, "epoch %d", t.progress.Epoch)
		}
		summary, err := t.endEpoch(time.Since(epochStart))
		if err != nil {
			return errors.WithMessagef(err, "end of epoch %d", t.progress.Epoch)
		}
		if err := t.epochEnd(summary); err != nil {
			return err
		}
	}

	if err := t.save(); err != nil {
		return errors.WithMessage(err, "final checkpoint")
	}
	if interrupted != nil {
		klog.Warningf("training interrupted at epoch %d: checkpoint saved", t.progress.Epoch)
	}
	return interrupted
}

func (t *Trainer) initialize() error {
	batches := t.data.Train.Batches(t.rng, t.config.BatchSize)
	if err := t.model.InitParams(batches[0], t.data.Train); err != nil {
		return errors.WithMessage(err, "initializing model parameters")
	}
	if t.config.Mode == SupervisedWithPOS {
		klog.Infof("setting grammar parameters from gold trees")
		if err := t.model.SetDMVParams(t.data.Train); err != nil {
			return errors.WithMessage(err, "setting grammar parameters")
		}
	}
	return nil
}

// endEpoch logs the epoch summary and, in the supervised modes, validates and applies the
// anneal policy decision. Other modes save a checkpoint every epoch.
func (t *Trainer) endEpoch(elapsed time.Duration) (*EpochSummary, error) {
	summary := &EpochSummary{
		Epoch:     t.progress.Epoch,
		LLPerSent: t.progress.LLPerSent(),
		LLPerWord: t.progress.LLPerWord(),
		Duration:  elapsed,
	}
	klog.Infof("TRAIN epoch %d: ll_per_sent: %.4f, ll_per_word: %.4f", summary.Epoch, summary.LLPerSent, summary.LLPerWord)

	switch {
	case !t.config.Mode.IsSupervised():
		if err := t.save(); err != nil {
			return nil, err
		}
		summary.Decision = Save
	case (t.progress.Epoch+1)%max(1, t.config.ValidNEpoch) != 0:
		summary.Decision = Continue
	default:
		acc := t.model.Test(t.data.Val)
		t.progress.LastValidationAcc = acc
		summary.HasAccuracy, summary.Accuracy = true, acc
		klog.Infof("DEV: epoch %d, iter %d, acc %.4f", t.progress.Epoch, t.progress.Iter, acc)
		summary.Decision = t.anneal.Observe(acc)
		switch summary.Decision {
		case Save:
			if err := t.save(); err != nil {
				return nil, err
			}
		case Anneal:
			if err := t.ckpt.Restore(t.model.Variables()); err != nil {
				return nil, errors.WithMessage(err, "restoring best checkpoint to anneal")
			}
			t.buildOptimizers(t.anneal.LRMultiplier)
			klog.Infof("new lr decay: %g (prior lr %g, projection lr %g)", t.anneal.LRMultiplier,
				t.optimizers.Prior.LearningRate(), t.optimizers.Proj.LearningRate())
		}
	}
	t.syncProgress()
	summary.BestScore = t.progress.BestScore
	summary.LRMultiplier = t.progress.LRMultiplier
	return summary, nil
}

func (t *Trainer) save() error {
	if err := t.ckpt.Save(t.model.Variables(), t.anneal.BestScore); err != nil {
		return errors.WithMessage(err, "saving checkpoint")
	}
	t.progress.NumCheckpointSaves++
	return nil
}

// checkFinite returns an error if the loss is NaN or infinite.
func checkFinite(nll float64) error {
	if math.IsNaN(nll) {
		return errors.New("loss is NaN, training interrupted")
	}
	if math.IsInf(nll, 0) {
		return errors.Errorf("loss is infinity (%f), training interrupted", nll)
	}
	return nil
}

// observe builds the progress observation and logs it.
func (t *Trainer) observe(iter int) *Observation {
	maxVar, minVar := t.model.VarianceBounds()
	obs := &Observation{
		Epoch:     t.progress.Epoch,
		Iter:      iter,
		LLPerSent: t.progress.LLPerSent(),
		LLPerWord: t.progress.LLPerWord(),
		MaxVar:    maxVar,
		MinVar:    minVar,
		Elapsed:   time.Since(t.beginTime),
	}
	klog.Info(obs.String())
	return obs
}
