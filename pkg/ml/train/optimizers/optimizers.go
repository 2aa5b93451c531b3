// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers binds gomlx optimizers to a single params.Group each, so train.Trainer
// can update the grammar and the projection variables with different optimizers and learning
// rates. They all implement optimizers.Interface.
//
// Gradients are accumulated on the host (params.Variable.Grad). Step feeds them to a graph
// that applies the gomlx optimizer update to the group's variables, in the group's context
// scope.
package optimizers

import (
	"math"
	"slices"

	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gopt "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Interface implemented by optimizer implementations.
//
// An optimizer is bound to a single params.Group at construction: Step applies the
// gradients accumulated in the group's variables to their values, and ZeroGrad clears them.
type Interface interface {
	// Step updates the values of the group's variables using their accumulated gradients.
	Step() error

	// ZeroGrad clears the accumulated gradients of the group's variables.
	ZeroGrad()

	// LearningRate currently in use.
	LearningRate() float64

	// Group the optimizer is bound to.
	Group() *params.Group
}

// Builder creates an optimizer for the group with the given learning rate.
type Builder func(group *params.Group, learningRate float64) Interface

// ErrUnsupportedOptimizer is returned by ByName for unknown optimizer names.
var ErrUnsupportedOptimizer = errors.New("unsupported optimizer")

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]Builder{
		"adam": func(group *params.Group, lr float64) Interface { return Adam().LearningRate(lr).Done(group) },
		"sgd":  func(group *params.Group, lr float64) Interface { return StochasticGradientDescent(group, lr) },
	}
)

// Names returns the sorted names of KnownOptimizers.
func Names() []string {
	names := maps.Keys(KnownOptimizers)
	slices.Sort(names)
	return names
}

// ByName returns the optimizer builder with the given name, or an error wrapping
// ErrUnsupportedOptimizer if there is none.
func ByName(name string) (Builder, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedOptimizer, "%q is not supported, valid values are %q", name, Names())
	}
	return builder, nil
}

// updater is implemented by the gomlx optimizers that can apply gradients computed elsewhere.
type updater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// groupOptimizer applies a gomlx optimizer to the variables of one group.
type groupOptimizer struct {
	group        *params.Group
	learningRate float64
	exec         *context.Exec
}

// newGroupOptimizer discards any optimizer state left in the group's scope (learning rate,
// step counters and moments), so every optimizer built starts afresh, and creates the update
// graph executor.
func newGroupOptimizer(group *params.Group, learningRate float64, opt gopt.Interface) *groupOptimizer {
	ctx := group.Context()
	clearState(ctx, opt)
	update, ok := opt.(updater)
	if !ok {
		exceptions.Panicf("optimizer %T cannot apply precomputed gradients", opt)
	}
	o := &groupOptimizer{group: group, learningRate: learningRate}
	o.exec = context.MustNewExec(params.Backend(), ctx, func(ctx *context.Context, grads []*Node) {
		g := grads[0].Graph()
		// Only the variables used by the graph are updated, in creation order: the same order
		// as the group's.
		for _, v := range group.Variables() {
			_ = v.ValueGraph(g)
		}
		update.UpdateGraphWithGradients(ctx, grads, params.DType)
	})
	return o
}

// clearState deletes the optimizer variables stored under the group's scope ctx.
func clearState(ctx *context.Context, opt gopt.Interface) {
	must(ctx.DeleteVariable(ctx.In(gopt.Scope).Scope(), gopt.ParamLearningRate))
	must(ctx.DeleteVariable(ctx.Scope(), gopt.GlobalStepVariableName))
	must(opt.Clear(ctx))
	// Adam keeps its moments under a root scope mirroring the variables' scope.
	must(ctx.InAbsPath(context.ScopeSeparator + gopt.AdamDefaultScope + ctx.Scope()).DeleteVariablesInScope())
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Step implements Interface.
func (o *groupOptimizer) Step() error {
	vars := o.group.Variables()
	if len(vars) == 0 {
		return nil
	}
	grads := make([]any, len(vars))
	for ii, v := range vars {
		grads[ii] = tensors.FromFlatDataAndDimensions(slices.Clone(v.Grad), v.Shape()...)
	}
	_, err := o.exec.Exec(grads...)
	return errors.WithMessagef(err, "optimizer step of group %q", o.group.Name())
}

// ZeroGrad implements Interface.
func (o *groupOptimizer) ZeroGrad() { o.group.ZeroGrad() }

// LearningRate implements Interface.
func (o *groupOptimizer) LearningRate() float64 { return o.learningRate }

// Group implements Interface.
func (o *groupOptimizer) Group() *params.Group { return o.group }

// StochasticGradientDescent creates an optimizer that performs plain SGD on the group, with a
// constant learning rate: `value -= learningRate * grad`.
func StochasticGradientDescent(group *params.Group, learningRate float64) Interface {
	return newGroupOptimizer(group, learningRate,
		gopt.StochasticGradientDescent().WithDecay(false).WithLearningRate(learningRate).Done())
}

// GradNorm returns the global L2 norm of the gradients of all the given variables.
func GradNorm(vars []*params.Variable) float64 {
	var sumSq float64
	for _, v := range vars {
		for _, g := range v.Grad {
			sumSq += g * g
		}
	}
	return math.Sqrt(sumSq)
}

// clipEpsilon is added to the norm when scaling, so the scale is always finite.
const clipEpsilon = 1e-6

// ClipGradNorm rescales the gradients of vars in place, so their global L2 norm is at most
// maxNorm. It returns the norm before clipping.
func ClipGradNorm(vars []*params.Variable, maxNorm float64) float64 {
	norm := GradNorm(vars)
	if norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + clipEpsilon)
	for _, v := range vars {
		for ii := range v.Grad {
			v.Grad[ii] *= scale
		}
	}
	return norm
}
