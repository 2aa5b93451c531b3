// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityHooks(t *testing.T) {
	hooks := newPriorityHooks[string]()
	hooks.Add(10, "c")
	hooks.Add(-1, "a")
	hooks.Add(0, "b1")
	hooks.Add(0, "b2")
	var got []string
	for hook := range hooks.All() {
		got = append(got, hook)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, got)

	got = got[:0]
	for hook := range hooks.All() {
		got = append(got, hook)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b1"}, got)
}

func TestHookOrderAndCallbacks(t *testing.T) {
	registerCountingOptimizer(t)
	trainer, err := New(testConfig(Unsupervised, 1, 1), newFakeModel(), Data{Train: makeSplit(5, 1)}, &memoryCheckpointer{})
	require.NoError(t, err)

	var events []string
	trainer.OnStart("start", 0, func(*Trainer) error {
		events = append(events, "start")
		return nil
	})
	trainer.OnStep("late", 1, func(_ *Trainer, step *Step) error {
		events = append(events, "late")
		return nil
	})
	trainer.OnStep("early", -1, func(_ *Trainer, step *Step) error {
		events = append(events, "early")
		return nil
	})
	EveryNSteps(trainer, 2, "every2", 0, func(_ *Trainer, step *Step) error {
		events = append(events, "every2")
		return nil
	})
	var periodicCalls int
	PeriodicCallback(trainer, time.Hour, true, "periodic", 0, func(_ *Trainer, step *Step) error {
		periodicCalls++
		assert.Equal(t, 4, step.GlobalStep, "called on end with the last step")
		return nil
	})
	trainer.OnEpochEnd("epoch", 0, func(*Trainer, *EpochSummary) error {
		events = append(events, "epoch")
		return nil
	})
	trainer.OnEnd("end", 0, func(*Trainer) error {
		events = append(events, "end")
		return nil
	})

	require.NoError(t, trainer.Run(context.Background()))
	assert.Equal(t, []string{
		"start",
		"early", "late",
		"early", "every2", "late",
		"early", "late",
		"early", "every2", "late",
		"early", "late",
		"epoch", "end",
	}, events)
	assert.Equal(t, 1, periodicCalls, "period not reached during training")
}

func TestPeriodicCallback(t *testing.T) {
	now := time.Unix(0, 0)
	var calls []int
	p := &periodicCallback{
		period: time.Minute,
		now:    func() time.Time { return now },
		fn: func(_ *Trainer, step *Step) error {
			calls = append(calls, step.GlobalStep)
			return nil
		},
	}
	for step := 0; step < 10; step++ {
		require.NoError(t, p.onStep(nil, &Step{GlobalStep: step}))
		now = now.Add(25 * time.Second)
	}
	// Clock starts at step 0, then fires once a minute has passed since the last call.
	assert.Equal(t, []int{3, 6, 9}, calls)
}

func TestObservationString(t *testing.T) {
	obs := &Observation{Epoch: 1, Iter: 20, LLPerSent: -10.5, LLPerWord: -1.25, MaxVar: 2, MinVar: 0.5, Elapsed: 1500 * time.Millisecond}
	assert.Equal(t, "epoch 1, iter 20, ll_per_sent -10.5000, ll_per_word -1.2500, max_var 2.0000, min_var 0.5000, time elapsed 1.50 sec", obs.String())
}
