// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Batch is a handle to a ragged batch of samples: N samples sharing dtype and
// rank, each with its own dimensions, stored either in one contiguous
// allocation or as independent per-sample allocations.
//
// A Batch is tagged with the MemoryKind of its storage and the AccessOrder of
// its latest write. It may own its storage (releasing it recycles or frees
// the memory) or merely alias caller memory under the no-copy contract, in
// which case Release is a no-op and the caller must keep the memory valid
// until the consuming iteration completes.
type Batch struct {
	shape  shapes.BatchShape
	layout string

	kind      MemoryKind
	deviceNum backends.DeviceNum
	order     AccessOrder

	contiguous  bool
	host        []byte
	hostSamples [][]byte
	dev         backends.DeviceMemory
	devSamples  []backends.DeviceMemory

	// offsets[i] is the byte offset of sample i in contiguous storage;
	// offsets[n] is the total byte size. Always populated, also for
	// non-contiguous batches where it only provides sizes.
	offsets []int

	release func(*Batch)
}

func sampleOffsets(shape shapes.BatchShape) []int {
	n := shape.NumSamples()
	offsets := make([]int, n+1)
	for i := range n {
		offsets[i+1] = offsets[i] + int(shape.SampleMemory(i))
	}
	return offsets
}

// AttachHost wraps one contiguous host (or pinned-host) allocation as a
// non-owning Batch. The caller retains ownership of data.
func AttachHost(shape shapes.BatchShape, layout string, data []byte, pinned bool, order AccessOrder) (*Batch, error) {
	offsets := sampleOffsets(shape)
	if len(data) < offsets[len(offsets)-1] {
		return nil, errors.Errorf("buffers.AttachHost: shape %s requires %d bytes, %d given",
			shape, offsets[len(offsets)-1], len(data))
	}
	kind := KindHost
	if pinned {
		kind = KindPinned
	}
	return &Batch{
		shape:      shape.Clone(),
		layout:     layout,
		kind:       kind,
		deviceNum:  -1,
		order:      order,
		contiguous: true,
		host:       data,
		offsets:    offsets,
	}, nil
}

// AttachHostSamples wraps independent per-sample host allocations as a
// non-owning Batch. The caller retains ownership of every sample.
func AttachHostSamples(shape shapes.BatchShape, layout string, samples [][]byte, pinned bool, order AccessOrder) (*Batch, error) {
	if len(samples) != shape.NumSamples() {
		return nil, errors.Errorf("buffers.AttachHostSamples: shape %s has %d samples, %d buffers given",
			shape, shape.NumSamples(), len(samples))
	}
	offsets := sampleOffsets(shape)
	for i, sample := range samples {
		if need := offsets[i+1] - offsets[i]; len(sample) < need {
			return nil, errors.Errorf("buffers.AttachHostSamples: sample %d requires %d bytes, %d given",
				i, need, len(sample))
		}
	}
	kind := KindHost
	if pinned {
		kind = KindPinned
	}
	return &Batch{
		shape:       shape.Clone(),
		layout:      layout,
		kind:        kind,
		deviceNum:   -1,
		order:       order,
		hostSamples: samples,
		offsets:     offsets,
	}, nil
}

// AttachDevice wraps one contiguous device allocation as a non-owning Batch.
func AttachDevice(shape shapes.BatchShape, layout string, mem backends.DeviceMemory, deviceNum backends.DeviceNum, order AccessOrder) (*Batch, error) {
	if mem == nil {
		return nil, errors.Errorf("buffers.AttachDevice: nil device memory")
	}
	return &Batch{
		shape:      shape.Clone(),
		layout:     layout,
		kind:       KindDevice,
		deviceNum:  deviceNum,
		order:      order,
		contiguous: true,
		dev:        mem,
		offsets:    sampleOffsets(shape),
	}, nil
}

// AttachDeviceSamples wraps independent per-sample device allocations as a
// non-owning Batch.
func AttachDeviceSamples(shape shapes.BatchShape, layout string, samples []backends.DeviceMemory, deviceNum backends.DeviceNum, order AccessOrder) (*Batch, error) {
	if len(samples) != shape.NumSamples() {
		return nil, errors.Errorf("buffers.AttachDeviceSamples: shape %s has %d samples, %d buffers given",
			shape, shape.NumSamples(), len(samples))
	}
	return &Batch{
		shape:      shape.Clone(),
		layout:     layout,
		kind:       KindDevice,
		deviceNum:  deviceNum,
		order:      order,
		devSamples: samples,
		offsets:    sampleOffsets(shape),
	}, nil
}

// Shape of the batch.
func (b *Batch) Shape() shapes.BatchShape { return b.shape }

// DType of every sample.
func (b *Batch) DType() dtypes.DType { return b.shape.DType }

// Rank shared by every sample.
func (b *Batch) Rank() int { return b.shape.Rank() }

// NumSamples in the batch -- the current batch size.
func (b *Batch) NumSamples() int { return b.shape.NumSamples() }

// Layout tag describing the axis semantics, e.g. "HWC". Empty if unset.
func (b *Batch) Layout() string { return b.layout }

// SetLayout sets the layout tag for the whole batch.
func (b *Batch) SetLayout(layout string) { b.layout = layout }

// Kind of the underlying storage.
func (b *Batch) Kind() MemoryKind { return b.kind }

// IsPinned returns whether the storage is page-locked host memory.
func (b *Batch) IsPinned() bool { return b.kind == KindPinned }

// DeviceNum of a device batch; -1 for host kinds that aren't tied to a
// device.
func (b *Batch) DeviceNum() backends.DeviceNum { return b.deviceNum }

// Order is the timeline the batch's latest write is sequenced on.
func (b *Batch) Order() AccessOrder { return b.order }

// SetOrder records the timeline of the latest write.
func (b *Batch) SetOrder(order AccessOrder) { b.order = order }

// IsContiguous returns whether all samples live in one allocation, enabling
// a single bulk copy.
func (b *Batch) IsContiguous() bool { return b.contiguous }

// ByteSize is the total payload size in bytes.
func (b *Batch) ByteSize() int { return b.offsets[len(b.offsets)-1] }

// SampleByteSize of sample i.
func (b *Batch) SampleByteSize(i int) int { return b.offsets[i+1] - b.offsets[i] }

// SampleOffset is the byte offset of sample i in contiguous storage.
func (b *Batch) SampleOffset(i int) int { return b.offsets[i] }

// HostBytes returns the whole contiguous host storage. It panics if the
// batch is on device or non-contiguous.
func (b *Batch) HostBytes() []byte {
	if !b.kind.IsHostAccessible() || !b.contiguous {
		exceptions.Panicf("Batch.HostBytes on a %s, contiguous=%v batch", b.kind, b.contiguous)
	}
	return b.host[:b.ByteSize()]
}

// SampleHostBytes returns the storage of sample i of a host-accessible batch.
func (b *Batch) SampleHostBytes(i int) []byte {
	if !b.kind.IsHostAccessible() {
		exceptions.Panicf("Batch.SampleHostBytes on a %s batch", b.kind)
	}
	if b.contiguous {
		return b.host[b.offsets[i]:b.offsets[i+1]]
	}
	return b.hostSamples[i][:b.SampleByteSize(i)]
}

// DeviceStorage returns the contiguous device allocation. It panics if the
// batch is not a contiguous device batch.
func (b *Batch) DeviceStorage() backends.DeviceMemory {
	if b.kind != KindDevice || !b.contiguous {
		exceptions.Panicf("Batch.DeviceStorage on a %s, contiguous=%v batch", b.kind, b.contiguous)
	}
	return b.dev
}

// SampleDeviceStorage returns the allocation holding sample i and the byte
// offset of the sample within it.
func (b *Batch) SampleDeviceStorage(i int) (mem backends.DeviceMemory, offset int) {
	if b.kind != KindDevice {
		exceptions.Panicf("Batch.SampleDeviceStorage on a %s batch", b.kind)
	}
	if b.contiguous {
		return b.dev, b.offsets[i]
	}
	return b.devSamples[i], 0
}

// IsOwned returns whether releasing the batch releases its storage. A batch
// submitted under the no-copy contract is not owned.
func (b *Batch) IsOwned() bool { return b.release != nil }

// Release returns owned storage to its pool (or frees it) and invalidates
// the handle. On non-owning batches it only invalidates the handle. Release
// is idempotent.
//
// The caller must guarantee no in-flight queue work still references the
// storage, typically by waiting on the batch's order first.
func (b *Batch) Release() {
	if b.release != nil {
		release := b.release
		b.release = nil
		release(b)
	}
	b.host = nil
	b.hostSamples = nil
	b.dev = nil
	b.devSamples = nil
	b.shape = shapes.BatchShape{}
}
