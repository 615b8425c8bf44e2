// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package hostref

import (
	"sync"

	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/types/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// queueBuffer is the number of operations a queue can hold before enqueueing
// starts applying backpressure on the issuing goroutine.
const queueBuffer = 1024

// queue is a hostref execution queue: a goroutine draining a FIFO of
// operations, giving the same in-issue-order guarantee a device stream gives.
type queue struct {
	backend *Backend
	device  backends.DeviceNum
	id      string

	ops  chan func()
	done *xsync.Latch

	muFinalize sync.Mutex
	finalized  bool
}

// NewQueue implements backends.Backend.
func (b *Backend) NewQueue(deviceNum backends.DeviceNum) (backends.Queue, error) {
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return nil, errors.Errorf("hostref: deviceNum %d out of range, backend has %d device(s)", deviceNum, b.numDevices)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.Errorf("hostref: backend already finalized")
	}
	q := &queue{
		backend: b,
		device:  deviceNum,
		id:      uuid.NewString(),
		ops:     make(chan func(), queueBuffer),
		done:    xsync.NewLatch(),
	}
	if b.queues == nil {
		b.queues = make(map[string]*queue)
	}
	b.queues[q.id] = q
	go q.drain()
	return q, nil
}

// drain executes operations strictly in issue order.
func (q *queue) drain() {
	for op := range q.ops {
		op()
	}
	q.done.Trigger()
}

// enqueue submits op to the queue. It blocks when the queue buffer is full
// and fails if the queue was already finalized.
func (q *queue) enqueue(op func()) (err error) {
	switch xsync.SendNoBlock(q.ops, op) {
	case 0:
		return nil
	case 2:
		return errors.Errorf("hostref: queue %s already finalized", q.id)
	}
	// Buffer full: fall back to a blocking send. The send panics if the
	// queue is finalized concurrently.
	defer func() {
		if recover() != nil {
			err = errors.Errorf("hostref: queue %s already finalized", q.id)
		}
	}()
	q.ops <- op
	return nil
}

// Device implements backends.Queue.
func (q *queue) Device() backends.DeviceNum { return q.device }

// ID implements backends.Queue.
func (q *queue) ID() string { return q.id }

// Sync implements backends.Queue: it blocks until every operation issued so
// far has executed.
func (q *queue) Sync() error {
	marker := xsync.NewLatchWithValue[error]()
	if err := q.enqueue(func() { marker.Trigger(nil) }); err != nil {
		return err
	}
	return marker.Wait()
}

// event implements backends.Event on a latch.
type event struct {
	latch *xsync.Latch
}

func (e *event) Wait()      { e.latch.Wait() }
func (e *event) Done() bool { return e.latch.Test() }

// RecordEvent implements backends.Queue.
func (q *queue) RecordEvent() (backends.Event, error) {
	ev := &event{latch: xsync.NewLatch()}
	if err := q.enqueue(ev.latch.Trigger); err != nil {
		return nil, err
	}
	return ev, nil
}

// WaitEvent implements backends.Queue: the queue stalls until the event
// triggers, the host is not blocked.
func (q *queue) WaitEvent(ev backends.Event) error {
	return q.enqueue(ev.Wait)
}

// Finalize implements backends.Queue: it synchronizes the queue, stops the
// drain goroutine and returns the lease.
func (q *queue) Finalize() error {
	q.muFinalize.Lock()
	defer q.muFinalize.Unlock()
	if q.finalized {
		return nil
	}
	if err := q.Sync(); err != nil {
		return err
	}
	q.finalized = true
	close(q.ops)
	q.done.Wait()

	b := q.backend
	b.mu.Lock()
	delete(b.queues, q.id)
	b.mu.Unlock()
	return nil
}
