// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitToStart(t *testing.T) {
	pool := New(2)
	var wg sync.WaitGroup
	hold := make(chan struct{})
	started := make(chan struct{}, 2)

	// Fill both workers.
	for range 2 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			started <- struct{}{}
			<-hold
		})
	}
	<-started
	<-started
	assert.False(t, pool.StartIfAvailable(func() {}))

	// A third task must wait for a slot to free up.
	var third atomic.Bool
	done := make(chan struct{})
	wg.Add(1)
	go pool.WaitToStart(func() {
		defer wg.Done()
		third.Store(true)
		close(done)
	})
	assert.False(t, third.Load())

	hold <- struct{}{} // Free one slot.
	<-done
	assert.True(t, third.Load())

	hold <- struct{}{}
	wg.Wait()
}

func TestStartIfAvailable(t *testing.T) {
	pool := New(1)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, pool.StartIfAvailable(func() {
		defer wg.Done()
		<-release
	}))
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()
}

func TestRunSized(t *testing.T) {
	pool := New(4)
	var total atomic.Int64
	tasks := make([]SizedTask, 0, 100)
	for i := range 100 {
		size := int64(i + 1)
		tasks = append(tasks, SizedTask{
			Size: int(size),
			Run:  func() { total.Add(size) },
		})
	}
	pool.RunSized(tasks)
	assert.Equal(t, int64(100*101/2), total.Load())
}
