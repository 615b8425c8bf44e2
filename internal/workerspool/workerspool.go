// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the fixed worker pool used for host-side
// per-sample copy fan-out.
package workerspool

import (
	"runtime"
	"sort"
	"sync"
)

// Pool of workers with a soft parallelism target.
//
// It schedules closures on goroutines, never exceeding the configured
// parallelism. Sized batches of work (SizedTask) are scheduled largest-first,
// so workers receive roughly equal total bytes rather than equal task counts.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with the given parallelism.
// If maxParallelism == 0, runtime.NumCPU() is used.
// If maxParallelism < 0, parallelism is unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the soft target for parallelism.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// lockedIsFull returns whether all available workers are in use.
// It must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// lockedStart runs task in a goroutine, keeping tabs on p.numRunning.
// It must be called with p.mu held.
func (p *Pool) lockedStart(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// WaitToStart blocks until a worker is available, then runs task on it.
// It returns as soon as the task is started; synchronizing the task's
// completion is up to the caller.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// StartIfAvailable runs the task in a goroutine if there are workers left.
// It returns whether the task was started.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.maxParallelism < 0 {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStart(task)
	return true
}

// SizedTask is a unit of work with a known cost in bytes.
type SizedTask struct {
	Size int // Bytes this task will process.
	Run  func()
}

// RunSized runs all tasks on the pool and blocks until every one completes.
//
// Tasks are started in descending Size order: with per-sample copies, issuing
// the large samples first balances total bytes across workers much better
// than sample count.
func (p *Pool) RunSized(tasks []SizedTask) {
	ordered := make([]SizedTask, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Size > ordered[j].Size
	})
	var wg sync.WaitGroup
	wg.Add(len(ordered))
	for _, task := range ordered {
		run := task.Run
		p.WaitToStart(func() {
			defer wg.Done()
			run()
		})
	}
	wg.Wait()
}
