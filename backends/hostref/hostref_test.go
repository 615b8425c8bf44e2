// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package hostref

import (
	"testing"

	"github.com/batchflow/batchflow/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, config string) backends.Backend {
	b, err := New(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

func TestConfig(t *testing.T) {
	b := newTestBackend(t, "devices=3")
	assert.Equal(t, backends.DeviceNum(3), b.NumDevices())

	_, err := New("gpus=3")
	require.Error(t, err)
	_, err = New("devices=0")
	require.Error(t, err)
}

func TestQueueOrdering(t *testing.T) {
	b := newTestBackend(t, "")
	q, err := b.NewQueue(0)
	require.NoError(t, err)

	mem, err := b.AllocateDevice(0, 4)
	require.NoError(t, err)

	// Issue order must be execution order: the later copy wins.
	require.NoError(t, b.CopyToDevice(q, mem, 0, []byte{1, 1, 1, 1}, false))
	require.NoError(t, b.CopyToDevice(q, mem, 0, []byte{2, 2, 2, 2}, false))
	require.NoError(t, q.Sync())
	assert.Equal(t, []byte{2, 2, 2, 2}, Data(mem))

	require.NoError(t, q.Finalize())
	// Finalize is idempotent; further work is rejected.
	require.NoError(t, q.Finalize())
	require.Error(t, b.CopyToDevice(q, mem, 0, []byte{3}, false))
}

func TestCrossQueueEvent(t *testing.T) {
	b := newTestBackend(t, "")
	producer, err := b.NewQueue(0)
	require.NoError(t, err)
	consumer, err := b.NewQueue(0)
	require.NoError(t, err)

	mem, err := b.AllocateDevice(0, 1<<20)
	require.NoError(t, err)
	src := make([]byte, 1<<20)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, b.CopyToDevice(producer, mem, 0, src, false))
	ev, err := producer.RecordEvent()
	require.NoError(t, err)

	// The consumer queue waits on the event in-queue; the host thread is
	// never blocked.
	dst := make([]byte, 1<<20)
	require.NoError(t, consumer.WaitEvent(ev))
	require.NoError(t, b.CopyFromDevice(consumer, dst, mem, 0, len(dst), false))
	require.NoError(t, consumer.Sync())
	assert.Equal(t, src, dst)
	assert.True(t, ev.Done())

	require.NoError(t, producer.Finalize())
	require.NoError(t, consumer.Finalize())
}

func TestCopyBounds(t *testing.T) {
	b := newTestBackend(t, "")
	mem, err := b.AllocateDevice(0, 8)
	require.NoError(t, err)
	require.Error(t, b.CopyToDevice(nil, mem, 4, []byte{0, 1, 2, 3, 4}, false))
	require.Error(t, b.CopyFromDevice(nil, make([]byte, 16), mem, 0, 16, false))
	_, err = b.AllocateDevice(7, 8)
	require.Error(t, err)
}
