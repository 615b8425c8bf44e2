// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements the batch buffer -- an owning or non-owning
// handle to a ragged batch of samples -- together with the memory-kind and
// execution-order model and the copy/sync engine that moves batches between
// host, pinned-host and device memory.
package buffers

import (
	"github.com/pkg/errors"
)

// MemoryKind classifies where a buffer's storage lives.
type MemoryKind int

const (
	// KindHost is plain pageable host memory.
	KindHost MemoryKind = iota

	// KindPinned is page-locked host memory that device queues can copy to
	// and from asynchronously.
	KindPinned

	// KindDevice is accelerator memory. A device buffer always carries a
	// device number.
	KindDevice
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindPinned:
		return "pinned"
	case KindDevice:
		return "device"
	}
	return "invalid"
}

// IsHostAccessible returns whether memory of this kind can be read and
// written directly by the host.
func (k MemoryKind) IsHostAccessible() bool {
	return k == KindHost || k == KindPinned
}

// DeviceType is the coarse device tag callers use when submitting or
// receiving data: host ("CPU") or accelerator ("GPU") memory. Combined with
// the pinned flag it resolves to a MemoryKind.
type DeviceType int

const (
	// CPU memory, plain or pinned.
	CPU DeviceType = iota

	// GPU (accelerator) memory.
	GPU
)

// ErrUnknownDevice is returned when a DeviceType tag is not one of the
// declared values.
var ErrUnknownDevice = errors.New("unknown device kind")

// KindFor resolves a caller-facing device tag plus pinned flag to a
// MemoryKind.
func KindFor(device DeviceType, pinned bool) (MemoryKind, error) {
	switch device {
	case CPU:
		if pinned {
			return KindPinned, nil
		}
		return KindHost, nil
	case GPU:
		return KindDevice, nil
	}
	return KindHost, errors.Wrapf(ErrUnknownDevice, "device tag %d", device)
}

// String implements fmt.Stringer.
func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	}
	return "invalid"
}
