// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the controller of the batch-processing core:
// external-input feed queues, run/prefetch sequencing over the host and
// device stages of an operator graph, and the output handoff surface.
//
// A Pipeline is created from a serialized graph description (resolved by the
// registered Loader) or directly from an Executor, then built once, run
// repeatedly, and closed to release its device queue lease:
//
//	p, err := pipeline.NewWithExecutor(executor, backend, config)
//	err = p.Build()
//	err = p.SetExternalInput("images", buffers.CPU, data, dtypes.Uint8, dims, 3, "HWC", 0)
//	err = p.Run()
//	outs, err := p.Outputs()
//	...
//	p.ReleaseOutputs()
//	p.Close()
package pipeline

import (
	"runtime"
	"sync"

	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/buffers"
	"github.com/batchflow/batchflow/internal/workerspool"
	"github.com/batchflow/batchflow/types/shapes"
	"github.com/google/uuid"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config is the execution configuration of a pipeline.
type Config struct {
	// MaxBatchSize is the configured maximum number of samples per batch.
	MaxBatchSize int

	// NumThreads sizes the worker pool for host-side per-sample copy
	// fan-out. 0 means runtime.NumCPU().
	NumThreads int

	// DeviceNum is the device the pipeline leases its execution queue on.
	// Negative means a host-only pipeline with no device queue lease.
	DeviceNum backends.DeviceNum

	// SeparatedExecution selects independent host and device prefetch
	// depths (CPUQueueDepth/GPUQueueDepth) instead of the uniform
	// QueueDepth.
	SeparatedExecution bool

	// QueueDepth is the uniform prefetch depth: how many iterations the
	// pipeline runs ahead of consumption.
	QueueDepth int

	// CPUQueueDepth and GPUQueueDepth are the separated-execution depths.
	CPUQueueDepth int
	GPUQueueDepth int

	// EnableMemoryStats turns on per-operator memory statistics collection
	// in the executor.
	EnableMemoryStats bool
}

func (c *Config) setDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1
	}
	if c.NumThreads <= 0 {
		c.NumThreads = runtime.NumCPU()
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 2
	}
	if c.CPUQueueDepth <= 0 {
		c.CPUQueueDepth = c.QueueDepth
	}
	if c.GPUQueueDepth <= 0 {
		c.GPUQueueDepth = c.QueueDepth
	}
}

// feedDepth is the bound on outstanding batches per feed queue: submitted
// buffers may stay referenced for this many iterations after consumption.
func (c *Config) feedDepth() int {
	if c.SeparatedExecution {
		return c.CPUQueueDepth * c.GPUQueueDepth
	}
	return c.QueueDepth
}

// iteration carries the state of one pipeline iteration through the stages:
// the consumed input batches (retained until the outputs are released, which
// bounds the lifetime of no-copy submissions) and, once the device stage
// ran, the finished outputs.
type iteration struct {
	inputs  []*buffers.Batch
	outputs []*buffers.Batch
}

func (it *iteration) release() {
	for _, b := range it.outputs {
		if b != nil {
			b.Release()
		}
	}
	it.outputs = nil
	for _, b := range it.inputs {
		if b != nil {
			b.Release()
		}
	}
	it.inputs = nil
}

// Pipeline is the owning handle of one pipeline instance: it owns the
// operator graph executor, the feed queues, the batch-size override table,
// the device queue lease, and the workspace of finished iterations.
//
// All run-step methods (Run, RunHostStage, RunDeviceStage, Prefetch,
// Outputs, ShareOutputs, ReleaseOutputs) must be called from one consumer
// context at a time. Submissions may come from a concurrent producer.
type Pipeline struct {
	id       string
	backend  backends.Backend
	config   Config
	executor Executor

	pool    *buffers.Pool
	engine  *buffers.Engine
	workers *workerspool.Pool

	// copyQueue is the device execution queue leased at Build and released
	// at Close. Nil for host-only pipelines.
	copyQueue backends.Queue

	feeds      map[string]*feedQueue
	inputNames []string
	outputs    []OutputSchema

	muBatchSize sync.Mutex
	batchSizes  map[string]int

	muRun      sync.Mutex
	built      bool
	closed     bool
	hostStaged []*iteration // Ran the host stage, awaiting the device stage.
	pending    []*iteration // Finished, awaiting materialization.
	current    *iteration   // Materialized via Outputs/ShareOutputs.
}

// New creates a Pipeline from a serialized graph description, using the
// registered Loader. The pipeline still needs Build before it can run.
func New(serialized []byte, backend backends.Backend, config Config) (*Pipeline, error) {
	config.setDefaults()
	executor, err := loadSerialized(serialized, config)
	if err != nil {
		return nil, errors.WithMessage(err, "deserializing pipeline graph")
	}
	return NewWithExecutor(executor, backend, config)
}

// NewBuilt creates and builds a Pipeline from a serialized graph in one
// step.
func NewBuilt(serialized []byte, backend backends.Backend, config Config) (*Pipeline, error) {
	p, err := New(serialized, backend, config)
	if err != nil {
		return nil, err
	}
	if err := p.Build(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewDefault creates and builds a Pipeline from a serialized graph with the
// default configuration, leaving every Config knob to the loader and the
// defaults.
func NewDefault(serialized []byte, backend backends.Backend) (*Pipeline, error) {
	return NewBuilt(serialized, backend, Config{})
}

// NewWithExecutor creates a Pipeline directly from an executor, bypassing
// the serialized-graph loader.
func NewWithExecutor(executor Executor, backend backends.Backend, config Config) (*Pipeline, error) {
	if executor == nil {
		return nil, errors.Errorf("pipeline executor must not be nil")
	}
	config.setDefaults()
	p := &Pipeline{
		id:         uuid.NewString(),
		backend:    backend,
		config:     config,
		executor:   executor,
		pool:       buffers.NewPool(backend),
		engine:     buffers.NewEngine(backend, config.NumThreads),
		feeds:      make(map[string]*feedQueue),
		batchSizes: make(map[string]int),
	}
	p.workers = p.engine.Workers()
	for _, schema := range executor.Inputs() {
		if _, dup := p.feeds[schema.Name]; dup {
			return nil, errors.Errorf("duplicate external input name %q in graph", schema.Name)
		}
		p.feeds[schema.Name] = newFeedQueue(schema, config.feedDepth())
		p.inputNames = append(p.inputNames, schema.Name)
	}
	p.outputs = executor.Outputs()
	return p, nil
}

// ID is the unique identifier of this pipeline handle.
func (p *Pipeline) ID() string { return p.id }

// MaxBatchSize is the configured maximum number of samples per batch.
func (p *Pipeline) MaxBatchSize() int { return p.config.MaxBatchSize }

// Build validates the graph and acquires the device queue lease. It must be
// called exactly once before any run operation. Build errors are fatal: no
// partial build state is retained.
func (p *Pipeline) Build() error {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	if p.built {
		return errors.Errorf("pipeline already built")
	}
	if p.closed {
		return errors.Errorf("pipeline already closed")
	}
	if len(p.outputs) == 0 {
		return errors.Errorf("graph declares no outputs")
	}
	if p.config.DeviceNum >= 0 {
		q, err := p.backend.NewQueue(p.config.DeviceNum)
		if err != nil {
			return errors.WithMessagef(err, "leasing execution queue on device %d", p.config.DeviceNum)
		}
		p.copyQueue = q
	}
	p.built = true
	klog.V(1).Infof("pipeline %s built: %d inputs, %d outputs, device %d, queue depth %d",
		p.id, len(p.inputNames), len(p.outputs), p.config.DeviceNum, p.config.QueueDepth)
	return nil
}

// CopyQueue is the device execution queue leased by the pipeline, nil for
// host-only pipelines. Exposed so callers can issue their own asynchronous
// submissions on the pipeline's timeline.
func (p *Pipeline) CopyQueue() backends.Queue { return p.copyQueue }

// SetExternalInputBatchSize overrides the batch size used by the next
// submission for the named input. The override is consumed by that
// submission: a later submission without a fresh override falls back to the
// configured maximum.
func (p *Pipeline) SetExternalInputBatchSize(name string, batchSize int) {
	p.muBatchSize.Lock()
	defer p.muBatchSize.Unlock()
	p.batchSizes[name] = batchSize
}

// popCurrentBatchSize returns the batch size for a submission: the pending
// override if one is set, else the configured maximum. A negative override
// also means the maximum. Reading the override resets it.
func (p *Pipeline) popCurrentBatchSize(name string) int {
	p.muBatchSize.Lock()
	defer p.muBatchSize.Unlock()
	n, exists := p.batchSizes[name]
	if exists {
		p.batchSizes[name] = -1
	}
	if !exists || n < 0 {
		return p.config.MaxBatchSize
	}
	return n
}

func (p *Pipeline) feed(name string) (*feedQueue, error) {
	q, found := p.feeds[name]
	if !found {
		return nil, errors.Wrapf(ErrSchemaMismatch, "graph has no external input named %q", name)
	}
	return q, nil
}

// batchShapeFor slices the flattened dims according to the popped current
// batch size.
func (p *Pipeline) batchShapeFor(name string, dtype dtypes.DType, dims []int, rank int) (shapes.BatchShape, error) {
	n := p.popCurrentBatchSize(name)
	if rank < 0 || len(dims) < n*rank {
		return shapes.BatchShape{}, errors.Wrapf(ErrSchemaMismatch,
			"input %q: batch of %d samples with rank %d needs %d dimensions, %d given",
			name, n, rank, n*rank, len(dims))
	}
	return shapes.MakeBatch(dtype, n, rank, dims[:n*rank]), nil
}

// submissionOrder mirrors the submission-side ordering rule: device or
// pinned memory is ordered on the supplied queue, plain host memory on the
// host timeline.
func submissionOrder(kind buffers.MemoryKind, q backends.Queue) buffers.AccessOrder {
	if q != nil && (kind == buffers.KindDevice || kind == buffers.KindPinned) {
		return buffers.QueueOrder(q)
	}
	return buffers.HostOrder()
}

// submit enqueues a constructed batch on the named input's feed queue,
// applying the copy policy.
func (p *Pipeline) submit(name string, batch *buffers.Batch, q backends.Queue, flags Flags) error {
	mode, err := noCopyModeFromFlags(flags)
	if err != nil {
		return err
	}
	feed, err := p.feed(name)
	if err != nil {
		return err
	}
	schema, schemaChanged, err := feed.establish(batch)
	if err != nil {
		return err
	}
	if schemaChanged {
		// The executor learns the established schema before the entry
		// becomes visible: a rejection leaves the queue untouched.
		if err := p.executor.SetInputSchema(schema); err != nil {
			return errors.WithMessagef(err, "establishing schema of input %q", name)
		}
	}
	noCopy := mode == forceNoCopy || (mode == noCopyDefault && schema.NoCopy)

	entry := &queueEntry{
		batch:         batch,
		order:         batch.Order(),
		useCopyKernel: flags&FlagUseCopyKernel != 0,
	}
	if !noCopy {
		// The queue owns a freshly allocated copy; the caller's memory is
		// free for reuse as soon as the copy completes.
		var owned *buffers.Batch
		if batch.Kind() == buffers.KindDevice {
			owned, err = p.pool.NewDeviceBatch(batch.Shape(), batch.Layout(), batch.DeviceNum())
		} else {
			owned, err = p.pool.NewHostBatch(batch.Shape(), batch.Layout(), batch.IsPinned())
		}
		if err != nil {
			return err
		}
		order, err := p.engine.CopyToBatch(owned, batch, q, entry.useCopyKernel)
		if err != nil {
			owned.Release()
			return err
		}
		if flags&FlagForceSync != 0 {
			if err := buffers.HostOrder().WaitFor(order); err != nil {
				owned.Release()
				return err
			}
		}
		entry.batch = owned
		entry.order = owned.Order()
	}

	if err := feed.push(entry); err != nil {
		if entry.batch != batch {
			entry.batch.Release()
		}
		return err
	}
	return nil
}

// SetExternalInput submits one contiguous host allocation as the next batch
// for the named input, with synchronous semantics: when it returns, the
// caller's memory has been consumed or copied.
//
// dims holds the per-sample dimensions flattened (rank values per sample,
// current-batch-size samples). The device tag must be CPU; device memory is
// submitted with SetExternalInputDevice.
func (p *Pipeline) SetExternalInput(name string, device buffers.DeviceType, data []byte,
	dtype dtypes.DType, dims []int, rank int, layout string, flags Flags) error {
	return p.SetExternalInputAsync(name, device, data, dtype, dims, rank, layout, p.copyQueue, flags|FlagForceSync)
}

// SetExternalInputAsync is SetExternalInput with an explicit queue and
// without implied synchronization: copies are issued on q and the caller
// must keep the memory valid until they complete.
func (p *Pipeline) SetExternalInputAsync(name string, device buffers.DeviceType, data []byte,
	dtype dtypes.DType, dims []int, rank int, layout string, q backends.Queue, flags Flags) error {
	kind, err := buffers.KindFor(device, flags&FlagPinned != 0)
	if err != nil {
		return err
	}
	if kind == buffers.KindDevice {
		return errors.Errorf("device submissions provide backend memory handles, use SetExternalInputDevice")
	}
	shape, err := p.batchShapeFor(name, dtype, dims, rank)
	if err != nil {
		return err
	}
	batch, err := buffers.AttachHost(shape, layout, data, kind == buffers.KindPinned, submissionOrder(kind, q))
	if err != nil {
		return err
	}
	return p.submit(name, batch, q, flags)
}

// SetExternalInputSamples submits independent per-sample host allocations as
// the next batch for the named input, with synchronous semantics.
func (p *Pipeline) SetExternalInputSamples(name string, device buffers.DeviceType, samples [][]byte,
	dtype dtypes.DType, dims []int, rank int, layout string, flags Flags) error {
	return p.SetExternalInputSamplesAsync(name, device, samples, dtype, dims, rank, layout, p.copyQueue, flags|FlagForceSync)
}

// SetExternalInputSamplesAsync is SetExternalInputSamples with an explicit
// queue and no implied synchronization.
func (p *Pipeline) SetExternalInputSamplesAsync(name string, device buffers.DeviceType, samples [][]byte,
	dtype dtypes.DType, dims []int, rank int, layout string, q backends.Queue, flags Flags) error {
	kind, err := buffers.KindFor(device, flags&FlagPinned != 0)
	if err != nil {
		return err
	}
	if kind == buffers.KindDevice {
		return errors.Errorf("device submissions provide backend memory handles, use SetExternalInputDeviceSamples")
	}
	shape, err := p.batchShapeFor(name, dtype, dims, rank)
	if err != nil {
		return err
	}
	if len(samples) < shape.NumSamples() {
		return errors.Wrapf(ErrSchemaMismatch, "input %q: batch of %d samples, %d buffers given",
			name, shape.NumSamples(), len(samples))
	}
	batch, err := buffers.AttachHostSamples(shape, layout, samples[:shape.NumSamples()],
		kind == buffers.KindPinned, submissionOrder(kind, q))
	if err != nil {
		return err
	}
	return p.submit(name, batch, q, flags)
}

// SetExternalInputDevice submits one contiguous device allocation as the
// next batch for the named input, with synchronous semantics.
func (p *Pipeline) SetExternalInputDevice(name string, mem backends.DeviceMemory,
	dtype dtypes.DType, dims []int, rank int, layout string, flags Flags) error {
	return p.SetExternalInputDeviceAsync(name, mem, dtype, dims, rank, layout, p.copyQueue, flags|FlagForceSync)
}

// SetExternalInputDeviceAsync is SetExternalInputDevice with an explicit
// queue and no implied synchronization.
func (p *Pipeline) SetExternalInputDeviceAsync(name string, mem backends.DeviceMemory,
	dtype dtypes.DType, dims []int, rank int, layout string, q backends.Queue, flags Flags) error {
	shape, err := p.batchShapeFor(name, dtype, dims, rank)
	if err != nil {
		return err
	}
	batch, err := buffers.AttachDevice(shape, layout, mem, p.config.DeviceNum, submissionOrder(buffers.KindDevice, q))
	if err != nil {
		return err
	}
	return p.submit(name, batch, q, flags)
}

// SetExternalInputDeviceSamples submits independent per-sample device
// allocations as the next batch for the named input, with synchronous
// semantics.
func (p *Pipeline) SetExternalInputDeviceSamples(name string, samples []backends.DeviceMemory,
	dtype dtypes.DType, dims []int, rank int, layout string, flags Flags) error {
	return p.SetExternalInputDeviceSamplesAsync(name, samples, dtype, dims, rank, layout, p.copyQueue, flags|FlagForceSync)
}

// SetExternalInputDeviceSamplesAsync is SetExternalInputDeviceSamples with
// an explicit queue and no implied synchronization.
func (p *Pipeline) SetExternalInputDeviceSamplesAsync(name string, samples []backends.DeviceMemory,
	dtype dtypes.DType, dims []int, rank int, layout string, q backends.Queue, flags Flags) error {
	shape, err := p.batchShapeFor(name, dtype, dims, rank)
	if err != nil {
		return err
	}
	if len(samples) < shape.NumSamples() {
		return errors.Wrapf(ErrSchemaMismatch, "input %q: batch of %d samples, %d buffers given",
			name, shape.NumSamples(), len(samples))
	}
	batch, err := buffers.AttachDeviceSamples(shape, layout, samples[:shape.NumSamples()],
		p.config.DeviceNum, submissionOrder(buffers.KindDevice, q))
	if err != nil {
		return err
	}
	return p.submit(name, batch, q, flags)
}

// consumeInput pops the oldest entry of one feed queue and materializes it
// into the stage's input slot: a direct move when kinds agree, or a
// parallelized sample-wise copy when a non-pinned submission lands in a
// pinned slot.
func (p *Pipeline) consumeInput(feed *feedQueue) (*buffers.Batch, error) {
	entry, err := feed.pop()
	if err != nil {
		return nil, err
	}
	schema := feed.currentSchema()
	if !schema.Pinned || entry.batch.IsPinned() || entry.batch.Kind() == buffers.KindDevice {
		// Swap the popped batch directly into the input slot, no copy.
		return entry.batch, nil
	}

	// Pinned destination, non-pinned submission: promote with a sample-wise
	// copy fanned out over the worker pool, partitioned by byte size.
	promoted, err := p.pool.NewHostBatch(entry.batch.Shape(), "", true)
	if err != nil {
		return nil, err
	}
	if err := buffers.HostOrder().WaitFor(entry.order); err != nil {
		promoted.Release()
		return nil, err
	}
	src := entry.batch
	n := src.NumSamples()
	tasks := make([]workerspool.SizedTask, 0, n)
	for i := range n {
		srcSample := src.SampleHostBytes(i)
		dstSample := promoted.SampleHostBytes(i)
		tasks = append(tasks, workerspool.SizedTask{
			Size: len(srcSample),
			Run:  func() { copy(dstSample, srcSample) },
		})
	}
	p.workers.RunSized(tasks)
	// The assembled output is contiguous: the layout is set once for the
	// whole batch, not per sample.
	promoted.SetLayout(src.Layout())
	src.Release()
	return promoted, nil
}

// RunHostStage executes all host-resident graph stages for the next
// iteration, draining one entry from every external input's feed queue.
func (p *Pipeline) RunHostStage() error {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	return p.lockedRunHostStage()
}

func (p *Pipeline) lockedRunHostStage() error {
	if !p.built {
		return errors.WithStack(ErrNotBuilt)
	}
	it := &iteration{}
	inputs := make(map[string]*buffers.Batch, len(p.inputNames))
	for _, name := range p.inputNames {
		batch, err := p.consumeInput(p.feeds[name])
		if err != nil {
			it.release()
			return errors.Wrapf(ErrExecutionFailure, "host stage, input %q: %v", name, err)
		}
		inputs[name] = batch
		it.inputs = append(it.inputs, batch)
	}
	if err := p.executor.RunHost(inputs); err != nil {
		it.release()
		return errors.Wrapf(ErrExecutionFailure, "host stage: %v", err)
	}
	p.hostStaged = append(p.hostStaged, it)
	return nil
}

// RunDeviceStage executes the host-to-device transfer stages followed by the
// device-resident stages for the oldest host-staged iteration.
func (p *Pipeline) RunDeviceStage() error {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	return p.lockedRunDeviceStage()
}

func (p *Pipeline) lockedRunDeviceStage() error {
	if !p.built {
		return errors.WithStack(ErrNotBuilt)
	}
	if len(p.hostStaged) == 0 {
		return errors.Wrapf(ErrExecutionFailure, "device stage: no host-staged iteration, run the host stage first")
	}
	it := p.hostStaged[0]
	p.hostStaged = p.hostStaged[1:]
	outputs, err := p.executor.RunDevice(p.copyQueue)
	if err != nil {
		// The iteration is aborted: nothing it produced is exposed.
		it.release()
		return errors.Wrapf(ErrExecutionFailure, "device stage: %v", err)
	}
	it.outputs = outputs
	p.pending = append(p.pending, it)
	return nil
}

// Run executes one full iteration: host stage followed by device stage.
func (p *Pipeline) Run() error {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	if err := p.lockedRunHostStage(); err != nil {
		return err
	}
	return p.lockedRunDeviceStage()
}

// Prefetch runs QueueDepth iterations ahead of consumption (uniform mode),
// or GPUQueueDepth full iterations plus CPUQueueDepth extra host stages
// (separated mode), establishing the pipelined steady state where the next
// iteration's host work overlaps the current one's device work.
func (p *Pipeline) Prefetch() error {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	if p.config.SeparatedExecution {
		for range p.config.GPUQueueDepth {
			if err := p.lockedRunHostStage(); err != nil {
				return err
			}
			if err := p.lockedRunDeviceStage(); err != nil {
				return err
			}
		}
		for range p.config.CPUQueueDepth {
			if err := p.lockedRunHostStage(); err != nil {
				return err
			}
		}
		return nil
	}
	for range p.config.QueueDepth {
		if err := p.lockedRunHostStage(); err != nil {
			return err
		}
		if err := p.lockedRunDeviceStage(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the pipeline down: it synchronizes and releases the device
// queue lease, drops all buffered state and invalidates the handle.
// Synchronization failures at teardown are reported best-effort in the logs
// and do not prevent resource release. Close is idempotent.
func (p *Pipeline) Close() {
	p.muRun.Lock()
	defer p.muRun.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.built = false

	if p.current != nil {
		p.current.release()
		p.current = nil
	}
	for _, it := range p.pending {
		it.release()
	}
	p.pending = nil
	for _, it := range p.hostStaged {
		it.release()
	}
	p.hostStaged = nil
	for _, feed := range p.feeds {
		for {
			if feed.len() == 0 {
				break
			}
			entry, err := feed.pop()
			if err != nil {
				break
			}
			entry.batch.Release()
		}
	}

	if p.copyQueue != nil {
		if err := p.copyQueue.Sync(); err != nil {
			klog.Warningf("pipeline %s: synchronizing copy queue at teardown: %+v", p.id, err)
		}
		if err := p.copyQueue.Finalize(); err != nil {
			klog.Warningf("pipeline %s: releasing copy queue lease at teardown: %+v", p.id, err)
		}
		p.copyQueue = nil
	}
	klog.V(1).Infof("pipeline %s closed", p.id)
}
