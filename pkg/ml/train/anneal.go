// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package train

import "fmt"

const (
	// AnnealPatience is the number of validations without improvement that trigger an anneal.
	AnnealPatience = 5

	// AnnealDecay multiplies the learning rate multiplier at each anneal.
	AnnealDecay = 0.5
)

// Decision taken by AnnealPolicy after a validation.
type Decision int

const (
	// Continue training as is.
	Continue Decision = iota

	// Save a new best checkpoint.
	Save

	// Anneal restores the best checkpoint and rebuilds the optimizers at the decayed learning rate.
	Anneal
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Save:
		return "save"
	case Anneal:
		return "anneal"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// AnnealPolicy is the state machine gating checkpoints and learning rate decay on
// validation accuracy.
type AnnealPolicy struct {
	BestScore    float64
	NotImproved  int
	LRMultiplier float64
	NumAnneals   int
}

// NewAnnealPolicy returns a policy with no best score and a multiplier of 1.
func NewAnnealPolicy() *AnnealPolicy {
	return &AnnealPolicy{LRMultiplier: 1}
}

// Observe a validation accuracy and decide what to do.
//
// On Anneal the best score becomes the current accuracy, even though it did not improve:
// the next checkpoint is saved only when accuracy beats this lowered bar.
func (p *AnnealPolicy) Observe(acc float64) Decision {
	if acc > p.BestScore {
		p.BestScore = acc
		p.NotImproved = 0
		return Save
	}
	p.NotImproved++
	if p.NotImproved < AnnealPatience {
		return Continue
	}
	p.BestScore = acc
	p.NotImproved = 0
	p.LRMultiplier *= AnnealDecay
	p.NumAnneals++
	return Anneal
}
