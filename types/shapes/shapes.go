// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and BatchShape, the dimension metadata used by
// batch buffers and pipeline inputs/outputs.
//
// Shape describes one sample: an element type (a dtypes.DType, see
// github.com/gomlx/gopjrt/dtypes) and the dimension of each of its axes.
// BatchShape describes a ragged batch: N samples sharing dtype and rank, each
// with its own dimensions.
//
// Glossary:
//
//   - Rank: number of axes of a sample.
//   - Dimension: the extent of a sample along one axis.
//   - Ragged batch: samples of a batch may have different dimensions, but they
//     always share dtype and rank.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a single sample: a DType plus the dimensions of each axis.
//
// Use Make to create one. A zero-valued Shape is invalid.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is negative -- zero dimensions are allowed,
// they denote an empty sample.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Size is the number of elements: the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store one sample of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, it pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// HasShape is implemented by anything that can report a sample Shape.
type HasShape interface {
	Shape() Shape
}

// SqueezedRank returns the rank after dropping a trailing axis of dimension 1,
// if there is one. Only one trailing axis is dropped.
func (s Shape) SqueezedRank() int {
	rank := s.Rank()
	if rank > 0 && s.Dimensions[rank-1] == 1 {
		rank--
	}
	return rank
}

// BatchShape is the shape of a ragged batch: all samples share DType and rank,
// each sample has its own dimensions.
//
// The per-sample dimensions are stored flattened, rank values per sample, in
// sample order -- the same packing callers use when submitting external
// inputs.
type BatchShape struct {
	DType dtypes.DType

	// numSamples is stored explicitly: it cannot be derived from dims for
	// rank-0 (scalar-sample) batches.
	numSamples int
	rank       int
	dims       []int // len == rank*numSamples
}

// MakeBatch builds a BatchShape for numSamples samples of the given rank,
// taking dimensions from the flattened dims slice (rank values per sample).
// It panics if len(dims) != numSamples*rank or numSamples is negative.
func MakeBatch(dtype dtypes.DType, numSamples, rank int, dims []int) BatchShape {
	if numSamples < 0 {
		exceptions.Panicf("shapes.MakeBatch: negative sample count %d", numSamples)
	}
	if len(dims) != numSamples*rank {
		exceptions.Panicf("shapes.MakeBatch: %d samples of rank %d require %d dimensions, %d given",
			numSamples, rank, numSamples*rank, len(dims))
	}
	return BatchShape{DType: dtype, numSamples: numSamples, rank: rank, dims: slices.Clone(dims)}
}

// BatchFromSamples builds a BatchShape from individual sample shapes.
// All samples must share dtype and rank.
func BatchFromSamples(sampleShapes ...Shape) BatchShape {
	if len(sampleShapes) == 0 {
		return BatchShape{DType: dtypes.InvalidDType}
	}
	first := sampleShapes[0]
	b := BatchShape{DType: first.DType, numSamples: len(sampleShapes), rank: first.Rank()}
	b.dims = make([]int, 0, len(sampleShapes)*b.rank)
	for _, s := range sampleShapes {
		if s.DType != b.DType || s.Rank() != b.rank {
			exceptions.Panicf("shapes.BatchFromSamples: sample %s does not match batch (%s, rank %d)",
				s, b.DType, b.rank)
		}
		b.dims = append(b.dims, s.Dimensions...)
	}
	return b
}

// UniformBatch builds a BatchShape where every sample has the same shape.
func UniformBatch(numSamples int, sample Shape) BatchShape {
	b := BatchShape{DType: sample.DType, numSamples: numSamples, rank: sample.Rank()}
	b.dims = make([]int, 0, numSamples*b.rank)
	for range numSamples {
		b.dims = append(b.dims, sample.Dimensions...)
	}
	return b
}

// Ok returns whether this is a valid BatchShape.
func (b BatchShape) Ok() bool { return b.DType != dtypes.InvalidDType }

// Rank shared by all samples of the batch.
func (b BatchShape) Rank() int { return b.rank }

// NumSamples in the batch.
func (b BatchShape) NumSamples() int { return b.numSamples }

// Sample returns the shape of sample i.
func (b BatchShape) Sample(i int) Shape {
	return Shape{DType: b.DType, Dimensions: slices.Clone(b.dims[i*b.rank : (i+1)*b.rank])}
}

// SampleSize returns the number of elements of sample i.
func (b BatchShape) SampleSize(i int) (size int) {
	size = 1
	for _, d := range b.dims[i*b.rank : (i+1)*b.rank] {
		size *= d
	}
	return
}

// SampleMemory returns the bytes needed to store sample i.
func (b BatchShape) SampleMemory(i int) uintptr {
	return b.DType.Memory() * uintptr(b.SampleSize(i))
}

// Size returns the total number of elements across all samples.
func (b BatchShape) Size() (size int) {
	for i := range b.NumSamples() {
		size += b.SampleSize(i)
	}
	return
}

// Memory returns the total bytes needed to store the whole batch contiguously.
func (b BatchShape) Memory() uintptr {
	return b.DType.Memory() * uintptr(b.Size())
}

// IsUniform returns whether every sample of the batch has the same dimensions.
func (b BatchShape) IsUniform() bool {
	n := b.NumSamples()
	if n <= 1 {
		return true
	}
	first := b.dims[:b.rank]
	for i := 1; i < n; i++ {
		if !slices.Equal(first, b.dims[i*b.rank:(i+1)*b.rank]) {
			return false
		}
	}
	return true
}

// MaxSqueezedRank returns the maximum SqueezedRank across samples: the rank
// after dropping one trailing axis of dimension 1 per sample.
//
// Note the squeeze applies only to this query; Sample and ListDimensions
// report the unsqueezed dimensions.
func (b BatchShape) MaxSqueezedRank() int {
	maxRank := 0
	for i := range b.NumSamples() {
		dims := b.dims[i*b.rank : (i+1)*b.rank]
		rank := b.rank
		if rank > 0 && dims[rank-1] == 1 {
			rank--
		}
		maxRank = max(maxRank, rank)
	}
	return maxRank
}

// ListDimensions returns the whole-batch dimensions the way callers expect
// them: the dimensions of sample 0 prefixed by the number of samples. This
// only fully describes the batch when IsUniform is true.
func (b BatchShape) ListDimensions() []int {
	dims := make([]int, 0, b.rank+1)
	dims = append(dims, b.NumSamples())
	if b.NumSamples() > 0 {
		dims = append(dims, b.dims[:b.rank]...)
	}
	return dims
}

// Clone returns a deep copy of the batch shape.
func (b BatchShape) Clone() BatchShape {
	return BatchShape{DType: b.DType, numSamples: b.numSamples, rank: b.rank, dims: slices.Clone(b.dims)}
}

// Equal compares dtype, sample count, rank and all sample dimensions.
func (b BatchShape) Equal(b2 BatchShape) bool {
	return b.DType == b2.DType && b.numSamples == b2.numSamples &&
		b.rank == b2.rank && slices.Equal(b.dims, b2.dims)
}

// String implements fmt.Stringer.
func (b BatchShape) String() string {
	n := b.NumSamples()
	parts := make([]string, 0, n)
	for i := range n {
		parts = append(parts, fmt.Sprintf("%v", b.dims[i*b.rank:(i+1)*b.rank]))
	}
	return fmt.Sprintf("(%s)x%d{%s}", b.DType, n, strings.Join(parts, ", "))
}
