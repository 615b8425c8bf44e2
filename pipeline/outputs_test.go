// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"

	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/buffers"
	"github.com/batchflow/batchflow/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// raggedPipeline returns a pipeline whose single output is a synthetic ragged
// batch: two rank-2 samples, each with a trailing unit axis.
func raggedPipeline(t *testing.T) (*Pipeline, []byte) {
	payload := []byte{1, 2, 3, 4, 5}
	p, exec := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1, QueueDepth: 2})
	exec.deviceFn = func(q backends.Queue) ([]*buffers.Batch, error) {
		shape := shapes.BatchFromSamples(
			shapes.Make(dtypes.Uint8, 2, 1),
			shapes.Make(dtypes.Uint8, 3, 1),
		)
		b, err := buffers.AttachHost(shape, "NM", payload, false, buffers.HostOrder())
		require.NoError(t, err)
		return []*buffers.Batch{b}, nil
	}
	feedBytes(t, p, []byte{0}, []int{1}, 0)
	require.NoError(t, p.Run())
	return p, payload
}

func TestOutputShapeQueries(t *testing.T) {
	p, _ := raggedPipeline(t)
	outs, err := p.Outputs()
	require.NoError(t, err)

	assert.Equal(t, 1, outs.NumOutputs())
	assert.Equal(t, 2, outs.NumSamples(0))
	assert.Equal(t, 5, outs.NumElements(0))
	assert.Equal(t, 5, outs.ByteSize(0))
	assert.Equal(t, dtypes.Uint8, outs.TypeAt(0))
	assert.Equal(t, "NM", outs.LayoutAt(0))
	assert.False(t, outs.IsUniform(0))

	// The whole-batch shape is always sample 0 prefixed by the sample
	// count, even for a non-uniform output.
	assert.Equal(t, []int{2, 2, 1}, outs.Shape(0))

	// Per-sample dimensions are reported exactly as produced.
	assert.Equal(t, []int{2, 1}, outs.ShapeAt(0, 0))
	assert.Equal(t, []int{3, 1}, outs.ShapeAt(0, 1))

	// The max-dims query squeezes the shared trailing unit axis; ShapeAt
	// does not. Callers sizing a dense destination see rank 1 here.
	assert.Equal(t, []int{3}, outs.MaxSampleDims(0))

	// Out-of-range queries degrade to zero values.
	assert.Nil(t, outs.ShapeAt(0, 9))
	assert.Nil(t, outs.ShapeAt(4, 0))
	assert.Equal(t, 0, outs.NumSamples(4))
	assert.Equal(t, dtypes.InvalidDType, outs.TypeAt(4))
}

func TestOutputShapeUniform(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 3, QueueDepth: 2})
	feedBytes(t, p, []byte{1, 2, 3, 4, 5, 6}, []int{2, 2, 2}, 0)
	require.NoError(t, p.Run())
	outs, err := p.Outputs()
	require.NoError(t, err)

	assert.True(t, outs.IsUniform(0))
	assert.Equal(t, []int{3, 2}, outs.Shape(0))
	assert.Equal(t, shapes.UniformBatch(3, shapes.Make(dtypes.Uint8, 2)), outs.SampleShape(0))
}

func TestOutputCopy(t *testing.T) {
	p, payload := raggedPipeline(t)
	outs, err := p.Outputs()
	require.NoError(t, err)

	// Contiguous host destination, synchronous semantics.
	dst := make([]byte, len(payload))
	require.NoError(t, outs.Copy(0, buffers.Destination{Kind: buffers.KindHost, Bytes: dst}, 0))
	assert.Equal(t, payload, dst)

	// Per-sample destinations.
	perSample := [][]byte{make([]byte, 2), make([]byte, 3)}
	require.NoError(t, outs.Copy(0, buffers.Destination{Kind: buffers.KindHost, HostSamples: perSample}, 0))
	assert.Equal(t, payload[:2], perSample[0])
	assert.Equal(t, payload[2:], perSample[1])

	// Asynchronous copy on an explicit queue: the caller synchronizes before
	// reading.
	q, err := p.backend.NewQueue(0)
	require.NoError(t, err)
	defer func() { require.NoError(t, q.Finalize()) }()
	pinned, err := p.backend.AllocatePinned(len(payload))
	require.NoError(t, err)
	require.NoError(t, outs.CopyAsync(0, buffers.Destination{Kind: buffers.KindPinned, Bytes: pinned}, q, 0))
	require.NoError(t, q.Sync())
	assert.Equal(t, payload, pinned)

	// Out-of-range output index is an error, not a panic.
	require.Error(t, outs.Copy(9, buffers.Destination{Kind: buffers.KindHost, Bytes: dst}, 0))
}
