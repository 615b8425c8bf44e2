// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/buffers"
	"github.com/batchflow/batchflow/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Outputs is a view over one finished iteration's output batches. It stays
// valid until the pipeline's ReleaseOutputs (or Close); using it afterwards
// is a caller error.
type Outputs struct {
	p       *Pipeline
	batches []*buffers.Batch
}

// ShareOutputs exposes the oldest finished iteration's outputs without
// copying. The previous outputs must have been released first.
func (p *Pipeline) ShareOutputs() (*Outputs, error) {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	return p.lockedShareOutputs()
}

func (p *Pipeline) lockedShareOutputs() (*Outputs, error) {
	if !p.built {
		return nil, errors.WithStack(ErrNotBuilt)
	}
	if p.current != nil {
		return nil, errors.Errorf("previous outputs still shared, call ReleaseOutputs first")
	}
	if len(p.pending) == 0 {
		return nil, errors.Wrapf(ErrExecutionFailure, "no finished iteration to expose, call Run first")
	}
	p.current = p.pending[0]
	p.pending = p.pending[1:]
	return &Outputs{p: p, batches: p.current.outputs}, nil
}

// Outputs releases the previously shared outputs, then exposes the oldest
// finished iteration's outputs.
func (p *Pipeline) Outputs() (*Outputs, error) {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	if !p.built {
		return nil, errors.WithStack(ErrNotBuilt)
	}
	p.lockedReleaseOutputs()
	return p.lockedShareOutputs()
}

// ReleaseOutputs invalidates the currently shared outputs, recycling their
// storage and releasing the consumed input batches of that iteration, which
// ends the validity window of any no-copy submission it consumed.
// ReleaseOutputs without shared outputs is a no-op.
func (p *Pipeline) ReleaseOutputs() {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	p.lockedReleaseOutputs()
}

func (p *Pipeline) lockedReleaseOutputs() {
	if p.current == nil {
		return
	}
	p.current.release()
	p.current = nil
}

// NumOutputs is the number of outputs declared by the graph.
func (p *Pipeline) NumOutputs() int { return len(p.outputs) }

// OutputName of output idx, empty when idx is out of range.
func (p *Pipeline) OutputName(idx int) string {
	if idx < 0 || idx >= len(p.outputs) {
		klog.Warningf("pipeline %s: output index %d out of range [0, %d)", p.id, idx, len(p.outputs))
		return ""
	}
	return p.outputs[idx].Name
}

// OutputDevice is the declared placement of output idx.
func (p *Pipeline) OutputDevice(idx int) buffers.DeviceType {
	if idx < 0 || idx >= len(p.outputs) {
		klog.Warningf("pipeline %s: output index %d out of range [0, %d)", p.id, idx, len(p.outputs))
		return buffers.CPU
	}
	return p.outputs[idx].Device
}

// OutputRank is the rank declared for output idx at graph definition. It may
// differ from the runtime rank of a produced batch only in declared-unset
// (negative) cases.
func (p *Pipeline) OutputRank(idx int) int {
	if idx < 0 || idx >= len(p.outputs) {
		klog.Warningf("pipeline %s: output index %d out of range [0, %d)", p.id, idx, len(p.outputs))
		return -1
	}
	return p.outputs[idx].Rank
}

// OutputDType is the element type declared for output idx.
func (p *Pipeline) OutputDType(idx int) dtypes.DType {
	if idx < 0 || idx >= len(p.outputs) {
		klog.Warningf("pipeline %s: output index %d out of range [0, %d)", p.id, idx, len(p.outputs))
		return dtypes.InvalidDType
	}
	return p.outputs[idx].DType
}

// NumExternalInputs is the number of external inputs declared by the graph.
func (p *Pipeline) NumExternalInputs() int { return len(p.inputNames) }

// ExternalInputName of input idx, in declaration order.
func (p *Pipeline) ExternalInputName(idx int) string {
	if idx < 0 || idx >= len(p.inputNames) {
		klog.Warningf("pipeline %s: input index %d out of range [0, %d)", p.id, idx, len(p.inputNames))
		return ""
	}
	return p.inputNames[idx]
}

// ExternalInputLayout is the declared (or established) layout of the named
// input, empty when unknown.
func (p *Pipeline) ExternalInputLayout(name string) string {
	feed, err := p.feed(name)
	if err != nil {
		klog.Warningf("pipeline %s: %v", p.id, err)
		return ""
	}
	return feed.currentSchema().Layout
}

// ExternalInputRank is the declared (or established) sample rank of the
// named input, negative when unknown.
func (p *Pipeline) ExternalInputRank(name string) int {
	feed, err := p.feed(name)
	if err != nil {
		klog.Warningf("pipeline %s: %v", p.id, err)
		return -1
	}
	return feed.currentSchema().Rank
}

// ExternalInputDType is the declared (or established) element type of the
// named input, InvalidDType when unknown.
func (p *Pipeline) ExternalInputDType(name string) dtypes.DType {
	feed, err := p.feed(name)
	if err != nil {
		klog.Warningf("pipeline %s: %v", p.id, err)
		return dtypes.InvalidDType
	}
	return feed.currentSchema().DType
}

// batch returns the batch of output idx, or nil (with a log line) on an
// out-of-range index. Runtime queries degrade to zero values rather than
// panic, matching the tolerant query surface.
func (o *Outputs) batch(idx int) *buffers.Batch {
	if idx < 0 || idx >= len(o.batches) {
		klog.Warningf("pipeline %s: output index %d out of range [0, %d)", o.p.id, idx, len(o.batches))
		return nil
	}
	return o.batches[idx]
}

// NumOutputs in this iteration.
func (o *Outputs) NumOutputs() int { return len(o.batches) }

// Batch is the raw output batch of output idx; nil when out of range. The
// batch is owned by the pipeline and valid until ReleaseOutputs.
func (o *Outputs) Batch(idx int) *buffers.Batch { return o.batch(idx) }

// NumSamples of output idx in this iteration.
func (o *Outputs) NumSamples(idx int) int {
	b := o.batch(idx)
	if b == nil {
		return 0
	}
	return b.NumSamples()
}

// NumElements is the total element count of output idx across all samples.
func (o *Outputs) NumElements(idx int) int {
	b := o.batch(idx)
	if b == nil {
		return 0
	}
	return b.Shape().Size()
}

// ByteSize is the total payload size of output idx.
func (o *Outputs) ByteSize(idx int) int {
	b := o.batch(idx)
	if b == nil {
		return 0
	}
	return b.ByteSize()
}

// TypeAt is the runtime element type of output idx.
func (o *Outputs) TypeAt(idx int) dtypes.DType {
	b := o.batch(idx)
	if b == nil {
		return dtypes.InvalidDType
	}
	return b.DType()
}

// LayoutAt is the runtime layout tag of output idx.
func (o *Outputs) LayoutAt(idx int) string {
	b := o.batch(idx)
	if b == nil {
		return ""
	}
	return b.Layout()
}

// IsUniform reports whether every sample of output idx has the same
// dimensions.
func (o *Outputs) IsUniform(idx int) bool {
	b := o.batch(idx)
	if b == nil {
		return false
	}
	return b.Shape().IsUniform()
}

// Shape returns the whole-batch dimensions of output idx: the dimensions of
// sample 0 prefixed by the number of samples, e.g. [N, H, W, C]. For a
// non-uniform output this describes sample 0 only (a warning is logged);
// use ShapeAt for the per-sample dimensions.
func (o *Outputs) Shape(idx int) []int {
	b := o.batch(idx)
	if b == nil {
		return nil
	}
	if !b.Shape().IsUniform() {
		klog.Warningf("pipeline %s: output %d is not uniform, whole-batch shape reflects sample 0 only", o.p.id, idx)
	}
	return b.Shape().ListDimensions()
}

// ShapeAt returns the dimensions of one sample of output idx; nil when out
// of range. Dimensions are reported exactly as produced, with no squeezing.
func (o *Outputs) ShapeAt(idx, sample int) []int {
	b := o.batch(idx)
	if b == nil {
		return nil
	}
	if sample < 0 || sample >= b.NumSamples() {
		klog.Warningf("pipeline %s: output %d sample index %d out of range [0, %d)",
			o.p.id, idx, sample, b.NumSamples())
		return nil
	}
	return b.Shape().Sample(sample).Dimensions
}

// MaxSampleDims returns, axis by axis, the maximum dimension over all
// samples of output idx. Unlike ShapeAt, a single trailing unit axis shared
// by every sample is dropped, so callers sizing a dense destination see the
// effective rank.
func (o *Outputs) MaxSampleDims(idx int) []int {
	b := o.batch(idx)
	if b == nil {
		return nil
	}
	shape := b.Shape()
	rank := shape.MaxSqueezedRank()
	maxDims := make([]int, rank)
	for i := range shape.NumSamples() {
		dims := shape.Sample(i).Dimensions
		for a := 0; a < rank && a < len(dims); a++ {
			if dims[a] > maxDims[a] {
				maxDims[a] = dims[a]
			}
		}
	}
	return maxDims
}

// SampleShape is the full BatchShape of output idx, for callers that want
// the ragged structure directly.
func (o *Outputs) SampleShape(idx int) shapes.BatchShape {
	b := o.batch(idx)
	if b == nil {
		return shapes.BatchShape{}
	}
	return b.Shape()
}

// CopyAsync copies output idx into caller memory, issuing device work on q.
// With FlagForceSync the call returns only after the data is valid on the
// host timeline; otherwise the copy is ordered after the output's producing
// work and the caller synchronizes q before reading.
func (o *Outputs) CopyAsync(idx int, dst buffers.Destination, q backends.Queue, flags Flags) error {
	b := o.batch(idx)
	if b == nil {
		return errors.Errorf("output index %d out of range [0, %d)", idx, len(o.batches))
	}
	copyOrder, err := o.p.engine.CopyOut(dst, b, q, flags&FlagUseCopyKernel != 0)
	if err != nil {
		return err
	}
	// Synchronous semantics wait on the host; otherwise the wait happens on
	// the output's own timeline, leaving the host free.
	waitOrder := b.Order()
	if flags&FlagForceSync != 0 {
		waitOrder = buffers.HostOrder()
	}
	return waitOrder.WaitFor(copyOrder)
}

// Copy is CopyAsync on the pipeline's own queue with synchronous semantics:
// when it returns, dst holds the data.
func (o *Outputs) Copy(idx int, dst buffers.Destination, flags Flags) error {
	return o.CopyAsync(idx, dst, o.p.copyQueue, flags|FlagForceSync)
}

// ReaderMeta relays the sharding/epoch statistics of the named reader
// operator.
func (p *Pipeline) ReaderMeta(name string) (ReaderMeta, error) {
	return p.executor.ReaderMeta(name)
}

// OperatorBackend relays the placement classification of the named operator.
func (p *Pipeline) OperatorBackend(name string) (OperatorBackendKind, error) {
	return p.executor.OperatorBackend(name)
}

// ExecutorMeta relays per-operator memory statistics. It returns nil unless
// the pipeline was configured with EnableMemoryStats.
func (p *Pipeline) ExecutorMeta() []OperatorMeta {
	if !p.config.EnableMemoryStats {
		return nil
	}
	return p.executor.ExecutorMeta()
}
