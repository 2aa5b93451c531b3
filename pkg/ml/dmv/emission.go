// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package dmv

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

var log2Pi = math.Log(2 * math.Pi)

// emissionLogProbs returns the [batch, length, tag] log-densities of the projected words z
// shaped [batch, length, dim], under a Gaussian per tag with means [tag, dim] and a diagonal
// log-variance [dim] shared by all tags.
//
// The squared distances are expanded as z·z - 2·z·mu + mu·mu, all weighted by the inverse
// variance, so no [batch, length, tag, dim] tensor is built.
func emissionLogProbs(z, means, logVar *Node) *Node {
	dims := z.Shape().Dimensions
	batch, length, dim := dims[0], dims[1], dims[2]
	numTags := means.Shape().Dimensions[0]

	invVar := Exp(Neg(logVar))
	zz := ReduceSum(Mul(Square(z), Reshape(invVar, 1, 1, dim)), 2)
	zm := Einsum("btd,kd->btk", z, Mul(means, Reshape(invVar, 1, dim)))
	mm := ReduceSum(Mul(Square(means), Reshape(invVar, 1, dim)), 1)
	sq := Add(Sub(Reshape(zz, batch, length, 1), MulScalar(zm, 2.0)), Reshape(mm, 1, 1, numTags))

	logNorm := AddScalar(ReduceAllSum(logVar), float64(dim)*log2Pi)
	return MulScalar(Add(sq, logNorm), -0.5)
}
