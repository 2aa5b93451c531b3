// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is called once, after the model is initialized and before the first epoch.
type OnStartFn func(t *Trainer) error

// OnStepFn is called after every loss evaluation: one batch in the batched modes, one
// sentence in SupervisedWithoutPOS.
type OnStepFn func(t *Trainer, step *Step) error

// OnEpochEndFn is called after each epoch, once the validation decision is taken.
type OnEpochEndFn func(t *Trainer, summary *EpochSummary) error

// OnEndFn is called after the final checkpoint is saved.
type OnEndFn func(t *Trainer) error

// Step describes one loss evaluation.
type Step struct {
	Epoch int

	// Iter is the counter the progress cadence is based on: the global batch count in the
	// batched modes, or the sentence index within the epoch in SupervisedWithoutPOS.
	Iter int

	// GlobalStep counts loss evaluations since the start of training.
	GlobalStep int

	NLL, Jacobian float64

	NumWords, NumSentences int

	// Updated is set if the optimizers were stepped, and GradNorm holds the gradient norm
	// before clipping.
	Updated  bool
	GradNorm float64

	// Observation is set on the steps at which progress is reported.
	Observation *Observation

	Duration time.Duration
}

// Observation is a periodic progress report.
type Observation struct {
	Epoch, Iter          int
	LLPerSent, LLPerWord float64
	MaxVar, MinVar       float64
	Elapsed              time.Duration
}

// String implements fmt.Stringer.
func (o *Observation) String() string {
	return fmt.Sprintf("epoch %d, iter %d, ll_per_sent %.4f, ll_per_word %.4f, max_var %.4f, min_var %.4f, time elapsed %.2f sec",
		o.Epoch, o.Iter, o.LLPerSent, o.LLPerWord, o.MaxVar, o.MinVar, o.Elapsed.Seconds())
}

// EpochSummary is reported at the end of each epoch.
type EpochSummary struct {
	Epoch                int
	LLPerSent, LLPerWord float64

	// HasAccuracy is set in the supervised modes, where Accuracy holds the validation
	// directed accuracy.
	HasAccuracy bool
	Accuracy    float64

	Decision     Decision
	BestScore    float64
	LRMultiplier float64
	Duration     time.Duration
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of training.
func (t *Trainer) OnStart(name string, priority Priority, fn OnStartFn) {
	t.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step.
func (t *Trainer) OnStep(name string, priority Priority, fn OnStepFn) {
	t.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) to the end of each epoch.
func (t *Trainer) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	t.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of training.
// It is also called when training is interrupted by a cancelled context.
func (t *Trainer) OnEnd(name string, priority Priority, fn OnEndFn) {
	t.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (t *Trainer) start() error {
	for hook := range t.onStart.All() {
		if err := hook.fn(t); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) postStep(step *Step) error {
	for hook := range t.onStep.All() {
		if err := hook.fn(t, step); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) epochEnd(summary *EpochSummary) error {
	for hook := range t.onEpochEnd.All() {
		if err := hook.fn(t, summary); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) end() error {
	for hook := range t.onEnd.All() {
		if err := hook.fn(t); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(t *Trainer, step *Step) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(t, step)
}

// EveryNSteps registers an OnStep hook on the trainer that is called every n steps.
//
// Notice that it does not call fn at the last step (except by coincidence).
func EveryNSteps(t *Trainer, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		n = 1
	}
	eN := &everyNSteps{n: n, fn: fn}
	t.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
	now     func() time.Time
}

func (p *periodicCallback) onStep(t *Trainer, step *Step) error {
	if !p.started {
		p.started = true
		p.last = p.now()
		return nil
	}
	if p.now().Sub(p.last) < p.period {
		return nil
	}
	err := p.fn(t, step)
	p.last = p.now()
	return err
}

// PeriodicCallback registers an OnStep hook on the trainer that is called every period of time.
// The period counts after the execution of fn: this discounts the time to run fn (in case it
// is expensive), so fn is not executed exactly at every period.
//
// If callOnEnd is set, it will also call fn at the end of training, with the last step.
func PeriodicCallback(t *Trainer, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn, now: time.Now}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	t.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		t.OnEnd(fullName, priority, func(t *Trainer) error {
			if t.lastStep == nil {
				return nil
			}
			return p.fn(t, t.lastStep)
		})
	}
}
