// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds trainable variables and the groups they are tagged with.
//
// A model owns its variables, and exposes them partitioned into disjoint groups (e.g.: the
// "prior" grammar parameters and the "projection" network parameters), so that different
// optimizers can be attached to each group, and gradients can be clipped per group.
//
// Values live in a gomlx context.Context, one scope per group, so graphs built over the
// collection's context read them directly and optimizers update them in place. Gradients are
// accumulated on the host, flat and in row-major order, as []float64.
package params

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// DType of every variable value and gradient.
const DType = dtypes.Float64

// Backend used to execute every graph over the variables. It is the pure Go backend, so
// training runs without any C++ dependency.
func Backend() backends.Backend { return simplego.GetBackend() }

// GroupName tags a variable with the group it belongs to.
type GroupName string

const (
	// Prior is the group of the structural (DMV) grammar parameters.
	Prior GroupName = "prior"

	// Projection is the group of the continuous emission and embedding-projection parameters.
	Projection GroupName = "projection"
)

// Variable is a named, shaped, trainable tensor with an accumulated gradient.
//
// Grad is exported for models and optimizers to operate on directly, but its length must
// not be changed.
type Variable struct {
	name  string
	group GroupName
	shape []int
	value *context.Variable

	Grad []float64
}

// Name of the variable, unique within a model.
func (v *Variable) Name() string { return v.name }

// Group the variable is tagged with.
func (v *Variable) Group() GroupName { return v.group }

// Shape returns a copy of the variable dimensions.
func (v *Variable) Shape() []int { return append([]int(nil), v.shape...) }

// Size is the total number of elements.
func (v *Variable) Size() int { return len(v.Grad) }

// SameShape returns whether the variable has exactly the given dimensions.
func (v *Variable) SameShape(dims []int) bool {
	if len(dims) != len(v.shape) {
		return false
	}
	for ii, dim := range dims {
		if dim != v.shape[ii] {
			return false
		}
	}
	return true
}

// Values returns a copy of the current values, flat in row-major order.
func (v *Variable) Values() []float64 {
	return tensors.MustCopyFlatData[float64](v.value.MustValue())
}

// SetValues replaces the current values. It panics if values doesn't match the variable size.
func (v *Variable) SetValues(values []float64) {
	if len(values) != v.Size() {
		exceptions.Panicf("params.Variable %s: SetValues with %d values, wanted %d", v, len(values), v.Size())
	}
	v.value.MustSetValue(tensors.FromFlatDataAndDimensions(values, v.shape...))
}

// ValueGraph returns the variable value as a node of g.
func (v *Variable) ValueGraph(g *Graph) *Node { return v.value.ValueGraph(g) }

// ContextVariable backing the variable.
func (v *Variable) ContextVariable() *context.Variable { return v.value }

// ZeroGrad resets the accumulated gradient.
func (v *Variable) ZeroGrad() {
	clear(v.Grad)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	dims := make([]string, len(v.shape))
	for ii, dim := range v.shape {
		dims[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("%s/%s[%s]", v.group, v.name, strings.Join(dims, ","))
}

// Group is an ordered set of variables sharing the same GroupName.
type Group struct {
	name    GroupName
	ctx     *context.Context
	vars    []*Variable
	members map[*Variable]struct{}
}

// NewGroup creates a group with the given variables, all created in ctx. It panics if any of
// the variables is tagged with a different group: groups are disjoint by construction.
func NewGroup(ctx *context.Context, name GroupName, vars ...*Variable) *Group {
	g := &Group{name: name, ctx: ctx, members: make(map[*Variable]struct{}, len(vars))}
	for _, v := range vars {
		g.Add(v)
	}
	return g
}

// Add variable to the group.
func (g *Group) Add(v *Variable) {
	if v.group != g.name {
		exceptions.Panicf("variable %s tagged %q cannot be added to group %q", v, v.group, g.name)
	}
	if _, found := g.members[v]; found {
		return
	}
	g.members[v] = struct{}{}
	g.vars = append(g.vars, v)
}

// Name of the group.
func (g *Group) Name() GroupName { return g.name }

// Context holding the variables of the group, scoped to the group name.
func (g *Group) Context() *context.Context { return g.ctx.In(string(g.name)) }

// Variables in insertion order. The returned slice must not be modified.
func (g *Group) Variables() []*Variable { return g.vars }

// Has returns whether v is a member of the group.
func (g *Group) Has(v *Variable) bool {
	_, found := g.members[v]
	return found
}

// ZeroGrad resets the gradients of all variables in the group.
func (g *Group) ZeroGrad() {
	for _, v := range g.vars {
		v.ZeroGrad()
	}
}

// NumElements is the total number of scalars held by the group.
func (g *Group) NumElements() int {
	n := 0
	for _, v := range g.vars {
		n += v.Size()
	}
	return n
}

// Collection indexes all the variables of a model by name, and partitions them by group.
type Collection struct {
	ctx    *context.Context
	vars   []*Variable
	byName map[string]*Variable
	groups map[GroupName]*Group
}

// NewCollection creates an empty collection, backed by a new context.
func NewCollection() *Collection {
	return &Collection{
		ctx:    context.New(),
		byName: make(map[string]*Variable),
		groups: make(map[GroupName]*Group),
	}
}

// Context holding the variables of the collection.
func (c *Collection) Context() *context.Context { return c.ctx }

// New creates a zero-valued variable, registers it and returns it. A variable with no dimensions
// is a scalar. It panics if the name is already taken or if a dimension is not positive.
func (c *Collection) New(name string, group GroupName, dims ...int) *Variable {
	if _, found := c.byName[name]; found {
		exceptions.Panicf("variable %q already exists", name)
	}
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("params.Collection.New(%q): invalid dimension %d in shape %v", name, dim, dims)
		}
		size *= dim
	}
	value := tensors.FromShape(shapes.Make(DType, dims...))
	v := &Variable{
		name:  name,
		group: group,
		shape: append([]int(nil), dims...),
		value: c.ctx.In(string(group)).VariableWithValue(name, value),
		Grad:  make([]float64, size),
	}
	c.vars = append(c.vars, v)
	c.byName[name] = v
	c.Group(group).Add(v)
	return v
}

// Group returns the group with the given name, creating an empty one if needed.
func (c *Collection) Group(name GroupName) *Group {
	g, found := c.groups[name]
	if !found {
		g = NewGroup(c.ctx, name)
		c.groups[name] = g
	}
	return g
}

// Get returns the variable with the given name, or nil.
func (c *Collection) Get(name string) *Variable { return c.byName[name] }

// All variables, in creation order.
func (c *Collection) All() []*Variable { return c.vars }

// ZeroGrad resets the gradients of every variable.
func (c *Collection) ZeroGrad() {
	for _, v := range c.vars {
		v.ZeroGrad()
	}
}
