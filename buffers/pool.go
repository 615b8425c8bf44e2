// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"sync"

	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/types/shapes"
	"github.com/batchflow/batchflow/types/xsync"
	"github.com/pkg/errors"
)

// ErrAllocationFailure is returned when storage for a batch could not be
// allocated.
var ErrAllocationFailure = errors.New("allocation failure")

// Pool recycles batch storage, keyed by memory kind, device and byte size, so
// repeated iterations reuse allocations instead of hitting the allocator (or
// the backend) every time.
//
// Batches created through the pool own their storage; releasing them returns
// the storage here. Idle host storage is reclaimed by the garbage collector;
// idle device storage lives until the backend is finalized.
type Pool struct {
	backend backends.Backend
	pools   xsync.SyncMap[poolKey, *sync.Pool]
}

type poolKey struct {
	kind      MemoryKind
	deviceNum backends.DeviceNum
	nbytes    int
}

// NewPool returns an empty pool allocating through the given backend.
func NewPool(backend backends.Backend) *Pool {
	return &Pool{backend: backend}
}

func (p *Pool) pool(key poolKey) *sync.Pool {
	sp, ok := p.pools.Load(key)
	if !ok {
		sp, _ = p.pools.LoadOrStore(key, &sync.Pool{})
	}
	return sp
}

// NewHostBatch allocates an owned, contiguous host (or pinned-host) batch,
// reusing pooled storage when available. Contents are not zeroed.
func (p *Pool) NewHostBatch(shape shapes.BatchShape, layout string, pinned bool) (*Batch, error) {
	kind := KindHost
	if pinned {
		kind = KindPinned
	}
	offsets := sampleOffsets(shape)
	nbytes := offsets[len(offsets)-1]
	key := poolKey{kind: kind, deviceNum: -1, nbytes: nbytes}
	var storage []byte
	if recycled := p.pool(key).Get(); recycled != nil {
		storage = recycled.([]byte)
	} else if pinned {
		var err error
		storage, err = p.backend.AllocatePinned(nbytes)
		if err != nil {
			return nil, errors.Wrapf(ErrAllocationFailure, "pinned batch of %d bytes: %v", nbytes, err)
		}
	} else {
		storage = make([]byte, nbytes)
	}
	return &Batch{
		shape:      shape.Clone(),
		layout:     layout,
		kind:       kind,
		deviceNum:  -1,
		contiguous: true,
		host:       storage,
		offsets:    offsets,
		release: func(b *Batch) {
			p.pool(key).Put(b.host)
		},
	}, nil
}

// NewDeviceBatch allocates an owned, contiguous device batch on deviceNum,
// reusing pooled storage when available. Contents are not zeroed.
func (p *Pool) NewDeviceBatch(shape shapes.BatchShape, layout string, deviceNum backends.DeviceNum) (*Batch, error) {
	offsets := sampleOffsets(shape)
	nbytes := offsets[len(offsets)-1]
	key := poolKey{kind: KindDevice, deviceNum: deviceNum, nbytes: nbytes}
	var storage backends.DeviceMemory
	if recycled := p.pool(key).Get(); recycled != nil {
		storage = recycled
	} else {
		var err error
		storage, err = p.backend.AllocateDevice(deviceNum, nbytes)
		if err != nil {
			return nil, errors.Wrapf(ErrAllocationFailure, "device batch of %d bytes on device %d: %v", nbytes, deviceNum, err)
		}
	}
	return &Batch{
		shape:      shape.Clone(),
		layout:     layout,
		kind:       KindDevice,
		deviceNum:  deviceNum,
		contiguous: true,
		dev:        storage,
		offsets:    offsets,
		release: func(b *Batch) {
			p.pool(key).Put(b.dev)
		},
	}, nil
}
