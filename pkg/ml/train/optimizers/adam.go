// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/dmvflow/dmvflow/pkg/ml/params"
	gopt "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = gopt.AdamDefaultLearningRate
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. See gomlx optimizers.Adam.
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an optimizers.Interface bound to the given group.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam optimizer, create using Adam(), and once configured
// call Done to create an Adam based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// LearningRate sets the learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done will finish the configuration and construct an optimizers.Interface bound to group.
// Moments start at zero: rebuilding an optimizer discards all its state.
func (c *AdamConfig) Done(group *params.Group) Interface {
	opt := gopt.Adam().
		LearningRate(c.learningRate).
		Betas(c.beta1, c.beta2).
		Epsilon(c.epsilon).
		Done()
	return newGroupOptimizer(group, c.learningRate, opt)
}
