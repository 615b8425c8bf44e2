// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"

	"github.com/batchflow/batchflow/buffers"
	"github.com/batchflow/batchflow/types/xsync"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// queueEntry pairs a submitted batch with its submission metadata. It is
// created on the producer thread and consumed exactly once, at the start of
// the iteration that needs it.
type queueEntry struct {
	batch         *buffers.Batch
	order         buffers.AccessOrder // ExecutionOrder at submission time.
	useCopyKernel bool
}

// feedQueue is the bounded FIFO of batches submitted for one external input.
//
// A single mutex guards entries and schema; the capacity semaphore bounds the
// number of outstanding batches without holding that mutex, so a blocked
// producer never starves the consumer.
type feedQueue struct {
	name string

	capacity *xsync.Semaphore

	mu      sync.Mutex
	cond    sync.Cond // Signaled when an entry is appended.
	schema  InputSchema
	entries []*queueEntry
}

func newFeedQueue(schema InputSchema, depth int) *feedQueue {
	q := &feedQueue{
		name:     schema.Name,
		schema:   schema,
		capacity: xsync.NewSemaphore(depth),
	}
	q.cond = sync.Cond{L: &q.mu}
	return q
}

// checkSchema validates a submission against the declared (or previously
// established) schema. Must be called with q.mu held.
func (q *feedQueue) checkSchema(batch *buffers.Batch) error {
	if q.schema.DType != dtypes.InvalidDType && batch.DType() != q.schema.DType {
		return errors.Wrapf(ErrSchemaMismatch, "input %q declares dtype %s, submission has %s",
			q.name, q.schema.DType, batch.DType())
	}
	if q.schema.Rank >= 0 && batch.Rank() != q.schema.Rank {
		return errors.Wrapf(ErrSchemaMismatch, "input %q declares rank %d, submission has rank %d",
			q.name, q.schema.Rank, batch.Rank())
	}
	if q.schema.Layout != "" && batch.Layout() != "" && batch.Layout() != q.schema.Layout {
		return errors.Wrapf(ErrSchemaMismatch, "input %q declares layout %q, submission has %q",
			q.name, q.schema.Layout, batch.Layout())
	}
	return nil
}

// commitSchema establishes schema fields left unset at declaration from the
// first submission. Must be called with q.mu held. Returns whether the
// schema changed.
func (q *feedQueue) commitSchema(batch *buffers.Batch) (changed bool) {
	if q.schema.DType == dtypes.InvalidDType {
		q.schema.DType = batch.DType()
		changed = true
	}
	if q.schema.Rank < 0 {
		q.schema.Rank = batch.Rank()
		changed = true
	}
	if q.schema.Layout == "" && batch.Layout() != "" {
		q.schema.Layout = batch.Layout()
		changed = true
	}
	return
}

// establish validates a submission and returns the schema as it will stand
// once the entry commits, without mutating queue state. changed reports
// whether committing will establish previously unset fields.
func (q *feedQueue) establish(batch *buffers.Batch) (schema InputSchema, changed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err = q.checkSchema(batch); err != nil {
		return InputSchema{}, false, err
	}
	schema = q.schema
	if schema.DType == dtypes.InvalidDType {
		schema.DType = batch.DType()
		changed = true
	}
	if schema.Rank < 0 {
		schema.Rank = batch.Rank()
		changed = true
	}
	if schema.Layout == "" && batch.Layout() != "" {
		schema.Layout = batch.Layout()
		changed = true
	}
	return schema, changed, nil
}

// push validates and appends an entry, waking one waiting consumer.
//
// Validation happens first and without side effects. If the queue is at
// capacity, push suspends when the input is blocking, or fails with
// ErrQueueFull -- leaving queue state untouched -- when it is not.
func (q *feedQueue) push(entry *queueEntry) error {
	q.mu.Lock()
	err := q.checkSchema(entry.batch)
	blocking := q.schema.Blocking
	q.mu.Unlock()
	if err != nil {
		return err
	}

	if blocking {
		q.capacity.Acquire()
	} else if !q.capacity.TryAcquire() {
		return errors.Wrapf(ErrQueueFull, "input %q", q.name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Another producer may have established the schema while the capacity
	// slot was being acquired; re-validate before committing.
	if err := q.checkSchema(entry.batch); err != nil {
		q.capacity.Release()
		return err
	}
	q.commitSchema(entry.batch)
	q.entries = append(q.entries, entry)
	q.cond.Signal()
	return nil
}

// pop atomically removes and returns the oldest entry, preserving
// submission order. With a blocking input it suspends until an entry is
// present; otherwise it fails fast when the queue is empty.
func (q *feedQueue) pop() (*queueEntry, error) {
	q.mu.Lock()
	for len(q.entries) == 0 {
		if !q.schema.Blocking {
			q.mu.Unlock()
			return nil, errors.Errorf("external input %q has no data and is declared non-blocking", q.name)
		}
		q.cond.Wait()
	}
	entry := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	q.mu.Unlock()
	q.capacity.Release()
	return entry, nil
}

// len returns the number of outstanding entries.
func (q *feedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// currentSchema returns a snapshot of the (possibly established) schema.
func (q *feedQueue) currentSchema() InputSchema {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.schema
}
