// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import "math"

// Bucketing defines how sentence lengths are grouped when forming batches: sentences whose
// lengths fall in the same bucket are batched together, which bounds the padding per batch.
//
// Implementations should:
//   - Return a value >= the input length (never shrink)
//   - Be deterministic (same input always produces same output)
type Bucketing interface {
	// Bucket returns the bucket (an upper bound on the length) of a sentence of length n.
	Bucket(n int) int
}

// Pow2Bucketing rounds lengths up to the nearest power of 2.
//
// Example mappings: 1→1, 2→2, 3→4, 4→4, 5→8, 9→16, 17→32
type Pow2Bucketing struct{}

// Pow2 returns a power-of-2 bucketing.
func Pow2() Bucketing { return Pow2Bucketing{} }

// Bucket implements Bucketing.
func (Pow2Bucketing) Bucket(n int) int {
	if n <= 1 {
		return n
	}
	v := uint(n - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return int(v + 1)
}

// LinearBucketing rounds lengths to multiples of a step size.
//
// Example with step=8: 1→8, 8→8, 9→16, 16→16, 17→24
type LinearBucketing struct {
	Step int
}

// Linear returns a linear bucketing with the given step size.
func Linear(step int) Bucketing {
	if step <= 0 {
		step = 1
	}
	return LinearBucketing{Step: step}
}

// Bucket implements Bucketing.
func (b LinearBucketing) Bucket(n int) int {
	if n <= 0 {
		return n
	}
	return ((n + b.Step - 1) / b.Step) * b.Step
}

// ExponentialBucketing rounds lengths up to ceil(base^k), for the smallest such k.
// It is finer than Pow2 for short sentences.
//
// Example with base=1.4:
//
//	1→1, 2→3, 3→4, 4→6, 5→6, 7→8, 9→11, 12→15, 16→21, 22→29, ...
type ExponentialBucketing struct {
	Base float64
}

// Exponential returns an exponential bucketing with the given base.
// Invalid bases (<= 1) default to 2.
func Exponential(base float64) Bucketing {
	if base <= 1.0 {
		base = 2.0
	}
	return ExponentialBucketing{Base: base}
}

// Bucket implements Bucketing.
func (b ExponentialBucketing) Bucket(n int) int {
	if n <= 1 {
		return n
	}
	logBase := math.Log(b.Base)
	power := math.Ceil(math.Log(float64(n)) / logBase)
	result := int(math.Ceil(math.Pow(b.Base, power)))
	for result < n {
		power++
		result = int(math.Ceil(math.Pow(b.Base, power)))
	}
	return result
}

// NoBucketing puts all sentences in the same bucket, so batches mix any lengths.
type NoBucketing struct{}

// None returns a bucketing that doesn't group by length.
func None() Bucketing { return NoBucketing{} }

// Bucket implements Bucketing.
func (NoBucketing) Bucket(int) int { return 0 }
