// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

// Package hostref implements the pure-Go reference backend: "device" memory
// is plain host memory and an execution queue is a goroutine draining a FIFO
// of operations.
//
// It exists so the pipeline core -- and its users -- can run and be tested
// without an accelerator runtime, while still exercising the full
// asynchronous execution-order protocol: copies issued on a queue really do
// complete asynchronously with respect to the host.
//
// To use it, import it as:
//
//	import _ "github.com/batchflow/batchflow/backends/hostref"
package hostref

import (
	"strconv"
	"strings"
	"sync"

	"github.com/batchflow/batchflow/backends"
	"github.com/pkg/errors"
)

// BackendName to use in backends.Register and the BATCHFLOW_BACKEND
// environment variable.
const BackendName = "hostref"

// New constructs a hostref Backend. The config string accepts
// "devices=<n>" to emulate more than one device; anything else must be empty.
func New(config string) (backends.Backend, error) {
	numDevices := 1
	if config != "" {
		value, found := strings.CutPrefix(config, "devices=")
		if !found {
			return nil, errors.Errorf("hostref: invalid configuration %q, expected empty or \"devices=<n>\"", config)
		}
		var err error
		numDevices, err = strconv.Atoi(value)
		if err != nil || numDevices < 1 {
			return nil, errors.Errorf("hostref: invalid device count in configuration %q", config)
		}
	}
	return &Backend{numDevices: backends.DeviceNum(numDevices)}, nil
}

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend on host memory.
type Backend struct {
	numDevices backends.DeviceNum

	mu        sync.Mutex
	queues    map[string]*queue
	finalized bool
}

// Compile-time check:
var _ backends.Backend = (*Backend)(nil)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "pure-Go host-reference backend (device memory emulated on host)"
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() backends.DeviceNum { return b.numDevices }

// deviceMem is the hostref device allocation: a host slice tagged with its
// device.
type deviceMem struct {
	device backends.DeviceNum
	data   []byte
}

// Data exposes the backing slice of a hostref device allocation. Tests use it
// to observe what "device" memory holds.
func Data(mem backends.DeviceMemory) []byte {
	return mem.(*deviceMem).data
}

// AllocateDevice implements backends.Memory.
func (b *Backend) AllocateDevice(deviceNum backends.DeviceNum, nbytes int) (backends.DeviceMemory, error) {
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return nil, errors.Errorf("hostref: deviceNum %d out of range, backend has %d device(s)", deviceNum, b.numDevices)
	}
	return &deviceMem{device: deviceNum, data: make([]byte, nbytes)}, nil
}

// FreeDevice implements backends.Memory.
func (b *Backend) FreeDevice(mem backends.DeviceMemory) error {
	m, ok := mem.(*deviceMem)
	if !ok {
		return errors.Errorf("hostref: memory handle is not a %q allocation", BackendName)
	}
	m.data = nil
	return nil
}

// AllocatePinned implements backends.Memory. There is no page-locking on the
// reference backend, a plain slice behaves identically.
func (b *Backend) AllocatePinned(nbytes int) ([]byte, error) {
	return make([]byte, nbytes), nil
}

// FreePinned implements backends.Memory.
func (b *Backend) FreePinned(buf []byte) error { return nil }

// issue runs op synchronously if q is nil, otherwise enqueues it.
func (b *Backend) issue(q backends.Queue, op func()) error {
	if q == nil {
		op()
		return nil
	}
	hq, ok := q.(*queue)
	if !ok {
		return errors.Errorf("hostref: queue is not a %q queue", BackendName)
	}
	return hq.enqueue(op)
}

// CopyToDevice implements backends.Memory.
func (b *Backend) CopyToDevice(q backends.Queue, dst backends.DeviceMemory, dstOffset int, src []byte, useCopyKernel bool) error {
	m, ok := dst.(*deviceMem)
	if !ok {
		return errors.Errorf("hostref: memory handle is not a %q allocation", BackendName)
	}
	if dstOffset+len(src) > len(m.data) {
		return errors.Errorf("hostref: copy of %d bytes at offset %d overflows allocation of %d bytes",
			len(src), dstOffset, len(m.data))
	}
	return b.issue(q, func() { copy(m.data[dstOffset:], src) })
}

// CopyFromDevice implements backends.Memory.
func (b *Backend) CopyFromDevice(q backends.Queue, dst []byte, src backends.DeviceMemory, srcOffset, n int, useCopyKernel bool) error {
	m, ok := src.(*deviceMem)
	if !ok {
		return errors.Errorf("hostref: memory handle is not a %q allocation", BackendName)
	}
	if srcOffset+n > len(m.data) {
		return errors.Errorf("hostref: copy of %d bytes at offset %d overflows allocation of %d bytes",
			n, srcOffset, len(m.data))
	}
	return b.issue(q, func() { copy(dst, m.data[srcOffset:srcOffset+n]) })
}

// CopyDeviceToDevice implements backends.Memory.
func (b *Backend) CopyDeviceToDevice(q backends.Queue, dst backends.DeviceMemory, dstOffset int, src backends.DeviceMemory, srcOffset, n int, useCopyKernel bool) error {
	dstM, ok := dst.(*deviceMem)
	if !ok {
		return errors.Errorf("hostref: memory handle is not a %q allocation", BackendName)
	}
	srcM, ok := src.(*deviceMem)
	if !ok {
		return errors.Errorf("hostref: memory handle is not a %q allocation", BackendName)
	}
	return b.issue(q, func() { copy(dstM.data[dstOffset:], srcM.data[srcOffset:srcOffset+n]) })
}

// CopyHostOnQueue implements backends.Memory.
func (b *Backend) CopyHostOnQueue(q backends.Queue, dst, src []byte, useCopyKernel bool) error {
	return b.issue(q, func() { copy(dst, src) })
}

// Finalize implements backends.Backend. Outstanding queue leases are
// synchronized and released.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	leased := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		leased = append(leased, q)
	}
	b.queues = nil
	b.mu.Unlock()
	for _, q := range leased {
		_ = q.Finalize()
	}
}
