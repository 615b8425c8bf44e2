// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/batchflow/batchflow/backends"
)

// AccessOrder is the timeline a buffer's latest write is sequenced on: the
// host timeline (synchronous, immediately valid) or a device execution queue
// (asynchronous, valid only after a wait against that queue).
//
// The zero value is host order.
type AccessOrder struct {
	queue backends.Queue
}

// HostOrder returns the synchronous host timeline.
func HostOrder() AccessOrder { return AccessOrder{} }

// QueueOrder returns the timeline of the given device queue.
func QueueOrder(q backends.Queue) AccessOrder { return AccessOrder{queue: q} }

// IsHost returns whether this is the host timeline.
func (o AccessOrder) IsHost() bool { return o.queue == nil }

// Queue returns the underlying queue, or nil for host order.
func (o AccessOrder) Queue() backends.Queue { return o.queue }

// Device returns the device of the underlying queue. Host order reports -1.
func (o AccessOrder) Device() backends.DeviceNum {
	if o.queue == nil {
		return -1
	}
	return o.queue.Device()
}

// String implements fmt.Stringer.
func (o AccessOrder) String() string {
	if o.IsHost() {
		return "order(host)"
	}
	return "order(device " + o.queue.ID() + ")"
}

// WaitFor makes the consumer timeline wait until everything issued so far on
// the producer timeline completes:
//
//   - Host producer: no-op, host-ordered writes are already complete.
//   - Host consumer, queue producer: blocks the calling goroutine until the
//     producer queue drains.
//   - Same queue on both sides: no-op, same-queue ordering is implicit.
//   - Different queues: inserts a cross-queue event dependency, the host is
//     not blocked.
//
// WaitFor is idempotent: waiting again for the same point is harmless.
func (o AccessOrder) WaitFor(producer AccessOrder) error {
	if producer.IsHost() {
		return nil
	}
	if o.IsHost() {
		return producer.queue.Sync()
	}
	if o.queue.ID() == producer.queue.ID() {
		return nil
	}
	ev, err := producer.queue.RecordEvent()
	if err != nil {
		return err
	}
	return o.queue.WaitEvent(ev)
}
