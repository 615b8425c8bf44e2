// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/internal/workerspool"
	"github.com/pkg/errors"
)

// Destination describes caller-owned memory a batch is copied into: one
// contiguous region (Bytes or Device) or one region per sample (HostSamples
// or DeviceSamples), in any memory kind.
type Destination struct {
	Kind      MemoryKind
	DeviceNum backends.DeviceNum

	// Contiguous destination: exactly one of these, matching Kind.
	Bytes  []byte
	Device backends.DeviceMemory

	// Per-sample destinations, alternative to the contiguous fields.
	HostSamples   [][]byte
	DeviceSamples []backends.DeviceMemory
}

// DestinationForBatch builds the Destination describing an existing batch's
// storage, so batches can be copy targets through the same engine path as
// caller memory.
func DestinationForBatch(b *Batch) Destination {
	d := Destination{Kind: b.kind, DeviceNum: b.deviceNum}
	switch {
	case b.kind.IsHostAccessible() && b.contiguous:
		d.Bytes = b.host
	case b.kind.IsHostAccessible():
		d.HostSamples = b.hostSamples
	case b.contiguous:
		d.Device = b.dev
	default:
		d.DeviceSamples = b.devSamples
	}
	return d
}

func (d *Destination) sampleHost(i int, offsets []int) []byte {
	if d.Bytes != nil {
		return d.Bytes[offsets[i]:offsets[i+1]]
	}
	return d.HostSamples[i][:offsets[i+1]-offsets[i]]
}

func (d *Destination) sampleDevice(i int, offsets []int) (backends.DeviceMemory, int) {
	if d.Device != nil {
		return d.Device, offsets[i]
	}
	return d.DeviceSamples[i], 0
}

func (d *Destination) validate(src *Batch) error {
	n := src.NumSamples()
	if d.Kind.IsHostAccessible() {
		if d.Bytes == nil && d.HostSamples == nil {
			return errors.Errorf("copy to %s destination: no host memory given", d.Kind)
		}
		if d.Bytes != nil && len(d.Bytes) < src.ByteSize() {
			return errors.Errorf("copy of %d bytes into destination of %d bytes", src.ByteSize(), len(d.Bytes))
		}
		if d.HostSamples != nil && len(d.HostSamples) != n {
			return errors.Errorf("copy of %d samples into %d destination buffers", n, len(d.HostSamples))
		}
		return nil
	}
	if d.Device == nil && d.DeviceSamples == nil {
		return errors.Errorf("copy to device destination: no device memory given")
	}
	if d.DeviceSamples != nil && len(d.DeviceSamples) != n {
		return errors.Errorf("copy of %d samples into %d destination buffers", n, len(d.DeviceSamples))
	}
	return nil
}

// Engine is the copy/sync engine: it issues the minimal copy between a source
// batch and a destination of any memory kind, and reports the AccessOrder the
// destination is valid under.
//
// Issuing and waiting are separate steps: every copy returns immediately with
// an order; the caller decides when (and whether) to wait on it, via
// AccessOrder.WaitFor.
type Engine struct {
	backend backends.Backend
	workers *workerspool.Pool
}

// NewEngine returns an Engine copying through the given backend, with
// hostParallelism workers for host-side sample-wise fan-out (0 means
// runtime.NumCPU()).
func NewEngine(backend backends.Backend, hostParallelism int) *Engine {
	return &Engine{
		backend: backend,
		workers: workerspool.New(hostParallelism),
	}
}

// Workers returns the host copy fan-out pool, shared with the feed queues.
func (e *Engine) Workers() *workerspool.Pool { return e.workers }

// copyOrder selects the timeline the copy executes on: host-to-host copies
// with a plain host destination run synchronously on the host timeline;
// anything touching a device or a pinned destination is issued on q.
// With no queue available everything degrades to host-synchronous issue.
func (e *Engine) copyOrder(src *Batch, dstKind MemoryKind, q backends.Queue) AccessOrder {
	if q == nil {
		return HostOrder()
	}
	if src.Kind().IsHostAccessible() && dstKind == KindHost {
		return HostOrder()
	}
	return QueueOrder(q)
}

// CopyOut copies src into dst, ordered after src's latest write, and returns
// the AccessOrder dst is valid under. Host order means the data is already
// valid on return; queue order means the caller must wait (see
// AccessOrder.WaitFor) before reading dst from the host.
//
// When both sides are contiguous the copy is a single bulk transfer;
// otherwise it is sample-wise. Sample-wise host-to-host copies fan out over
// the engine's worker pool, partitioned by per-sample byte size.
//
// useCopyKernel selects the backend's copy-kernel over its bulk copy
// primitive, which amortizes launch overhead for batches of many small
// samples.
func (e *Engine) CopyOut(dst Destination, src *Batch, q backends.Queue, useCopyKernel bool) (AccessOrder, error) {
	if err := dst.validate(src); err != nil {
		return HostOrder(), err
	}
	order := e.copyOrder(src, dst.Kind, q)

	// Order the copy after the source's latest write.
	if err := order.WaitFor(src.Order()); err != nil {
		return HostOrder(), err
	}

	copyQ := order.Queue()
	srcHost := src.Kind().IsHostAccessible()
	dstHost := dst.Kind.IsHostAccessible()

	// Bulk path: one transfer covers the whole batch.
	if src.IsContiguous() && (dst.Bytes != nil || dst.Device != nil) {
		var err error
		switch {
		case srcHost && dstHost:
			if copyQ == nil {
				copy(dst.Bytes, src.HostBytes())
			} else {
				err = e.backend.CopyHostOnQueue(copyQ, dst.Bytes[:src.ByteSize()], src.HostBytes(), useCopyKernel)
			}
		case srcHost:
			err = e.backend.CopyToDevice(copyQ, dst.Device, 0, src.HostBytes(), useCopyKernel)
		case dstHost:
			err = e.backend.CopyFromDevice(copyQ, dst.Bytes[:src.ByteSize()], src.DeviceStorage(), 0, src.ByteSize(), useCopyKernel)
		default:
			err = e.backend.CopyDeviceToDevice(copyQ, dst.Device, 0, src.DeviceStorage(), 0, src.ByteSize(), useCopyKernel)
		}
		if err != nil {
			return HostOrder(), err
		}
		return order, nil
	}

	// Sample-wise path.
	n := src.NumSamples()
	if srcHost && dstHost && copyQ == nil {
		tasks := make([]workerspool.SizedTask, 0, n)
		for i := range n {
			srcSample := src.SampleHostBytes(i)
			dstSample := dst.sampleHost(i, src.offsets)
			tasks = append(tasks, workerspool.SizedTask{
				Size: len(srcSample),
				Run:  func() { copy(dstSample, srcSample) },
			})
		}
		e.workers.RunSized(tasks)
		return order, nil
	}
	for i := range n {
		size := src.SampleByteSize(i)
		var err error
		switch {
		case srcHost && dstHost:
			err = e.backend.CopyHostOnQueue(copyQ, dst.sampleHost(i, src.offsets), src.SampleHostBytes(i), useCopyKernel)
		case srcHost:
			mem, off := dst.sampleDevice(i, src.offsets)
			err = e.backend.CopyToDevice(copyQ, mem, off, src.SampleHostBytes(i), useCopyKernel)
		case dstHost:
			mem, off := src.SampleDeviceStorage(i)
			err = e.backend.CopyFromDevice(copyQ, dst.sampleHost(i, src.offsets), mem, off, size, useCopyKernel)
		default:
			dstMem, dstOff := dst.sampleDevice(i, src.offsets)
			srcMem, srcOff := src.SampleDeviceStorage(i)
			err = e.backend.CopyDeviceToDevice(copyQ, dstMem, dstOff, srcMem, srcOff, size, useCopyKernel)
		}
		if err != nil {
			return HostOrder(), err
		}
	}
	return order, nil
}

// CopyToBatch copies src into the storage of dst (an owned batch of the same
// batch shape), stamps dst with the resulting order and with src's layout,
// and returns the order.
func (e *Engine) CopyToBatch(dst, src *Batch, q backends.Queue, useCopyKernel bool) (AccessOrder, error) {
	if !dst.Shape().Equal(src.Shape()) {
		return HostOrder(), errors.Errorf("CopyToBatch: destination shape %s does not match source shape %s",
			dst.Shape(), src.Shape())
	}
	order, err := e.CopyOut(DestinationForBatch(dst), src, q, useCopyKernel)
	if err != nil {
		return HostOrder(), err
	}
	// Layout is set once on the assembled batch, not per sample.
	dst.SetLayout(src.Layout())
	dst.SetOrder(order)
	return order, nil
}
