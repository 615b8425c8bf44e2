// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"sync"
	"testing"

	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/backends/hostref"
	"github.com/batchflow/batchflow/buffers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor is a passthrough graph: the host stage stages the external
// inputs as-is, the device stage exposes them as outputs, matched by name.
// Tests override deviceFn to produce synthetic outputs.
type stubExecutor struct {
	inputs  []InputSchema
	outputs []OutputSchema

	deviceFn  func(q backends.Queue) ([]*buffers.Batch, error)
	hostErr   error
	schemaErr error

	mu            sync.Mutex
	hostRuns      int
	deviceRuns    int
	schemaUpdates []InputSchema
	staged        []map[string]*buffers.Batch
}

func (e *stubExecutor) Inputs() []InputSchema   { return e.inputs }
func (e *stubExecutor) Outputs() []OutputSchema { return e.outputs }

func (e *stubExecutor) SetInputSchema(schema InputSchema) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schemaErr != nil {
		return e.schemaErr
	}
	e.schemaUpdates = append(e.schemaUpdates, schema)
	for i := range e.inputs {
		if e.inputs[i].Name == schema.Name {
			e.inputs[i] = schema
		}
	}
	return nil
}

func (e *stubExecutor) RunHost(inputs map[string]*buffers.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostErr != nil {
		return e.hostErr
	}
	e.hostRuns++
	e.staged = append(e.staged, inputs)
	return nil
}

func (e *stubExecutor) RunDevice(q backends.Queue) ([]*buffers.Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceRuns++
	if e.deviceFn != nil {
		return e.deviceFn(q)
	}
	ws := e.staged[0]
	e.staged = e.staged[1:]
	outs := make([]*buffers.Batch, 0, len(e.outputs))
	for _, out := range e.outputs {
		outs = append(outs, ws[out.Name])
	}
	return outs, nil
}

func (e *stubExecutor) OperatorBackend(name string) (OperatorBackendKind, error) {
	if name == "decode" {
		return OperatorMixed, nil
	}
	return OperatorHost, errors.Errorf("no operator named %q", name)
}

func (e *stubExecutor) ReaderMeta(name string) (ReaderMeta, error) {
	if name != "reader" {
		return ReaderMeta{}, errors.Errorf("no reader named %q", name)
	}
	return ReaderMeta{EpochSize: 1000, EpochSizePadded: 1024, NumberOfShards: 4, ShardID: 1, PadLastBatch: true}, nil
}

func (e *stubExecutor) ExecutorMeta() []OperatorMeta {
	return []OperatorMeta{{OperatorName: "decode", Outputs: []OutputMemoryStats{{RealSize: 1 << 20}}}}
}

func (e *stubExecutor) counts() (host, device int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostRuns, e.deviceRuns
}

func newTestBackend(t *testing.T) backends.Backend {
	b, err := hostref.New("")
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

// newTestPipeline builds a pipeline with a single external input "data"
// flowing through to a single output "data".
func newTestPipeline(t *testing.T, schema InputSchema, config Config) (*Pipeline, *stubExecutor) {
	if schema.Name == "" {
		schema.Name = "data"
	}
	exec := &stubExecutor{
		inputs:  []InputSchema{schema},
		outputs: []OutputSchema{{Name: schema.Name, DType: schema.DType, Rank: schema.Rank, Device: buffers.CPU}},
	}
	p, err := NewWithExecutor(exec, newTestBackend(t), config)
	require.NoError(t, err)
	require.NoError(t, p.Build())
	t.Cleanup(p.Close)
	return p, exec
}

func blockingSchema() InputSchema {
	return InputSchema{Name: "data", DType: dtypes.Uint8, Rank: 1, Blocking: true}
}

func TestRunBeforeBuild(t *testing.T) {
	exec := &stubExecutor{
		inputs:  []InputSchema{blockingSchema()},
		outputs: []OutputSchema{{Name: "data", DType: dtypes.Uint8, Rank: 1, Device: buffers.CPU}},
	}
	p, err := NewWithExecutor(exec, newTestBackend(t), Config{MaxBatchSize: 2})
	require.NoError(t, err)
	defer p.Close()

	require.ErrorIs(t, p.Run(), ErrNotBuilt)
	require.ErrorIs(t, p.RunHostStage(), ErrNotBuilt)
	_, err = p.Outputs()
	require.ErrorIs(t, err, ErrNotBuilt)

	require.NoError(t, p.Build())
	require.Error(t, p.Build(), "second build must fail")
}

func feedBytes(t *testing.T, p *Pipeline, payload []byte, dims []int, flags Flags) {
	t.Helper()
	require.NoError(t, p.SetExternalInput("data", buffers.CPU, payload, dtypes.Uint8, dims, 1, "N", flags))
}

func TestSubmissionOrderIsPreserved(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 2, QueueDepth: 3})

	first := []byte{1, 2, 3, 4, 5, 6}
	second := []byte{10, 20, 30, 40, 50, 60}
	feedBytes(t, p, first, []int{2, 4}, 0)
	feedBytes(t, p, second, []int{3, 3}, 0)

	require.NoError(t, p.Run())
	require.NoError(t, p.Run())

	outs, err := p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, first, outs.Batch(0).HostBytes())
	assert.Equal(t, []int{2}, outs.ShapeAt(0, 0))
	assert.Equal(t, []int{4}, outs.ShapeAt(0, 1))

	outs, err = p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, second, outs.Batch(0).HostBytes())
	p.ReleaseOutputs()
}

func TestBatchSizeOverrideConsumedOnce(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 4, QueueDepth: 3})

	// Override applies to exactly one submission.
	p.SetExternalInputBatchSize("data", 2)
	feedBytes(t, p, []byte{1, 2, 3}, []int{1, 2}, 0)
	// Next submission falls back to the configured maximum.
	feedBytes(t, p, []byte{1, 2, 3, 4}, []int{1, 1, 1, 1}, 0)

	require.NoError(t, p.Run())
	require.NoError(t, p.Run())

	outs, err := p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, 2, outs.NumSamples(0))
	outs, err = p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, 4, outs.NumSamples(0))
}

func TestCopyModes(t *testing.T) {
	schema := blockingSchema()
	schema.NoCopy = true // Caller intent: consume by reference.
	p, _ := newTestPipeline(t, schema, Config{MaxBatchSize: 1, QueueDepth: 2})

	payload := []byte{9, 8, 7}

	// Default mode follows the schema intent: the queue aliases the memory.
	require.NoError(t, p.SetExternalInputAsync("data", buffers.CPU, payload, dtypes.Uint8, []int{3}, 1, "N", nil, 0))
	require.NoError(t, p.Run())
	outs, err := p.Outputs()
	require.NoError(t, err)
	assert.Same(t, &payload[0], &outs.Batch(0).HostBytes()[0])
	assert.False(t, outs.Batch(0).IsOwned())

	// FlagForceCopy overrides the intent: the queue owns a copy.
	require.NoError(t, p.SetExternalInputAsync("data", buffers.CPU, payload, dtypes.Uint8, []int{3}, 1, "N", nil, FlagForceCopy))
	require.NoError(t, p.Run())
	outs, err = p.Outputs()
	require.NoError(t, err)
	assert.NotSame(t, &payload[0], &outs.Batch(0).HostBytes()[0])
	assert.Equal(t, payload, outs.Batch(0).HostBytes())
	assert.True(t, outs.Batch(0).IsOwned())
	p.ReleaseOutputs()
}

func TestConflictingFlagsLeaveQueueUntouched(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1})

	err := p.SetExternalInput("data", buffers.CPU, []byte{1}, dtypes.Uint8, []int{1}, 1, "N", FlagForceCopy|FlagForceNoCopy)
	require.ErrorIs(t, err, ErrConflictingFlags)
	assert.Equal(t, 0, p.feeds["data"].len())
}

func TestQueueSaturation(t *testing.T) {
	schema := blockingSchema()
	schema.Blocking = false
	p, _ := newTestPipeline(t, schema, Config{MaxBatchSize: 1, QueueDepth: 2})

	feedBytes(t, p, []byte{1}, []int{1}, 0)
	feedBytes(t, p, []byte{2}, []int{1}, 0)

	// Third submission exceeds the depth; the queue keeps its two entries.
	err := p.SetExternalInput("data", buffers.CPU, []byte{3}, dtypes.Uint8, []int{1}, 1, "N", 0)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, p.feeds["data"].len())

	// Consuming one entry frees a slot.
	require.NoError(t, p.Run())
	feedBytes(t, p, []byte{3}, []int{1}, 0)

	// An empty non-blocking input fails the host stage fast.
	require.NoError(t, p.Run())
	require.NoError(t, p.Run())
	require.ErrorIs(t, p.Run(), ErrExecutionFailure)
}

func TestSchemaValidation(t *testing.T) {
	p, exec := newTestPipeline(t, InputSchema{
		Name:     "data",
		DType:    dtypes.InvalidDType, // Established by the first submission.
		Rank:     -1,
		Blocking: true,
	}, Config{MaxBatchSize: 1, QueueDepth: 4})

	// First submission establishes dtype, rank and layout.
	require.NoError(t, p.SetExternalInput("data", buffers.CPU, []byte{1, 2, 3, 4}, dtypes.Float32, []int{1}, 1, "N", 0))
	require.NotEmpty(t, exec.schemaUpdates)
	established := exec.schemaUpdates[len(exec.schemaUpdates)-1]
	assert.Equal(t, dtypes.Float32, established.DType)
	assert.Equal(t, 1, established.Rank)
	assert.Equal(t, "N", established.Layout)
	assert.Equal(t, dtypes.Float32, p.ExternalInputDType("data"))
	assert.Equal(t, 1, p.ExternalInputRank("data"))
	assert.Equal(t, "N", p.ExternalInputLayout("data"))

	// Later submissions must agree with the established schema.
	err := p.SetExternalInput("data", buffers.CPU, []byte{1}, dtypes.Uint8, []int{1}, 1, "N", 0)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	err = p.SetExternalInput("data", buffers.CPU, []byte{1, 2, 3, 4}, dtypes.Float32, []int{1, 1}, 2, "NM", 0)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, 1, p.feeds["data"].len())

	// Unknown input name.
	err = p.SetExternalInput("nope", buffers.CPU, []byte{1}, dtypes.Uint8, []int{1}, 1, "", 0)
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// Too few dimensions for the current batch size.
	err = p.SetExternalInput("data", buffers.CPU, []byte{1, 2, 3, 4}, dtypes.Float32, nil, 1, "N", 0)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSchemaEstablishRejected(t *testing.T) {
	p, exec := newTestPipeline(t, InputSchema{
		Name:     "data",
		DType:    dtypes.InvalidDType,
		Rank:     -1,
		Blocking: true,
	}, Config{MaxBatchSize: 1, QueueDepth: 2})

	// If the executor rejects the established schema, the submission fails
	// as a whole: no entry may stay enqueued.
	exec.schemaErr = errors.New("rank not supported by operator")
	err := p.SetExternalInput("data", buffers.CPU, []byte{1}, dtypes.Uint8, []int{1}, 1, "N", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank not supported")
	assert.Equal(t, 0, p.feeds["data"].len())

	// Once the executor accepts, the same submission goes through.
	exec.schemaErr = nil
	require.NoError(t, p.SetExternalInput("data", buffers.CPU, []byte{1}, dtypes.Uint8, []int{1}, 1, "N", 0))
	assert.Equal(t, 1, p.feeds["data"].len())
	require.NotEmpty(t, exec.schemaUpdates)
}

func TestPinnedPromotion(t *testing.T) {
	schema := blockingSchema()
	schema.Pinned = true
	p, exec := newTestPipeline(t, schema, Config{MaxBatchSize: 4, QueueDepth: 2, NumThreads: 3})

	// Varying per-sample sizes exercise the size-partitioned fan-out.
	samples := [][]byte{
		bytes.Repeat([]byte{1}, 17),
		bytes.Repeat([]byte{2}, 3),
		bytes.Repeat([]byte{3}, 64),
		bytes.Repeat([]byte{4}, 1),
	}
	require.NoError(t, p.SetExternalInputSamples("data", buffers.CPU, samples,
		dtypes.Uint8, []int{17, 3, 64, 1}, 1, "N", FlagForceNoCopy))

	require.NoError(t, p.RunHostStage())
	host, _ := exec.counts()
	require.Equal(t, 1, host)

	exec.mu.Lock()
	promoted := exec.staged[0]["data"]
	exec.mu.Unlock()
	assert.True(t, promoted.IsPinned())
	assert.True(t, promoted.IsContiguous())
	assert.Equal(t, "N", promoted.Layout())
	for i, sample := range samples {
		assert.Equal(t, sample, promoted.SampleHostBytes(i), "sample %d", i)
	}
}

func TestScalarSampleSubmission(t *testing.T) {
	// Rank-0 inputs: every sample is a scalar and dims is empty, the batch
	// size alone defines the payload.
	schema := InputSchema{Name: "data", DType: dtypes.Uint8, Rank: 0, Blocking: true}
	p, _ := newTestPipeline(t, schema, Config{MaxBatchSize: 4, QueueDepth: 2})

	payload := []byte{9, 8, 7, 6}
	require.NoError(t, p.SetExternalInput("data", buffers.CPU, payload, dtypes.Uint8, nil, 0, "", 0))
	require.NoError(t, p.Run())

	outs, err := p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, 4, outs.NumSamples(0))
	assert.Equal(t, 4, outs.NumElements(0))
	assert.Equal(t, 4, outs.ByteSize(0))
	assert.Equal(t, payload, outs.Batch(0).HostBytes())
	assert.Equal(t, []int{4}, outs.Shape(0))
	assert.Empty(t, outs.ShapeAt(0, 1))
	p.ReleaseOutputs()
}

func TestDeviceSubmission(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 2, QueueDepth: 2})

	payload := []byte{5, 6, 7, 8}
	mem, err := p.backend.AllocateDevice(0, len(payload))
	require.NoError(t, err)
	copy(hostref.Data(mem), payload)

	// Contiguous device submission, default mode: the queue owns a device
	// copy, the caller's allocation is reusable on return.
	require.NoError(t, p.SetExternalInputDevice("data", mem, dtypes.Uint8, []int{1, 3}, 1, "N", 0))
	require.NoError(t, p.Run())
	outs, err := p.Outputs()
	require.NoError(t, err)
	got := outs.Batch(0)
	assert.Equal(t, buffers.KindDevice, got.Kind())
	assert.True(t, got.IsOwned())
	assert.Equal(t, payload, hostref.Data(got.DeviceStorage()))
	assert.Equal(t, 1, got.SampleByteSize(0))
	assert.Equal(t, 3, got.SampleByteSize(1))

	// Per-sample device submission.
	s0, err := p.backend.AllocateDevice(0, 1)
	require.NoError(t, err)
	s1, err := p.backend.AllocateDevice(0, 3)
	require.NoError(t, err)
	copy(hostref.Data(s0), payload[:1])
	copy(hostref.Data(s1), payload[1:])
	require.NoError(t, p.SetExternalInputDeviceSamples("data",
		[]backends.DeviceMemory{s0, s1}, dtypes.Uint8, []int{1, 3}, 1, "N", 0))
	require.NoError(t, p.Run())
	outs, err = p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, payload, hostref.Data(outs.Batch(0).DeviceStorage()))
	p.ReleaseOutputs()
}

func TestPrefetch(t *testing.T) {
	p, exec := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1, QueueDepth: 3})
	for range 3 {
		feedBytes(t, p, []byte{1}, []int{1}, 0)
	}
	require.NoError(t, p.Prefetch())
	host, device := exec.counts()
	assert.Equal(t, 3, host)
	assert.Equal(t, 3, device)
}

func TestPrefetchSeparated(t *testing.T) {
	p, exec := newTestPipeline(t, blockingSchema(), Config{
		MaxBatchSize:       1,
		SeparatedExecution: true,
		CPUQueueDepth:      3,
		GPUQueueDepth:      2,
	})
	// GPU depth full iterations plus CPU depth extra host stages.
	for range 5 {
		feedBytes(t, p, []byte{1}, []int{1}, 0)
	}
	require.NoError(t, p.Prefetch())
	host, device := exec.counts()
	assert.Equal(t, 5, host)
	assert.Equal(t, 2, device)

	// The extra host-staged iterations finish with explicit device stages.
	require.NoError(t, p.RunDeviceStage())
	_, device = exec.counts()
	assert.Equal(t, 3, device)
}

func TestOutputsLifecycle(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1, QueueDepth: 3})

	// No finished iteration yet.
	_, err := p.ShareOutputs()
	require.ErrorIs(t, err, ErrExecutionFailure)

	feedBytes(t, p, []byte{1}, []int{1}, 0)
	feedBytes(t, p, []byte{2}, []int{1}, 0)
	require.NoError(t, p.Run())
	require.NoError(t, p.Run())

	_, err = p.ShareOutputs()
	require.NoError(t, err)

	// Sharing again without releasing is an error.
	_, err = p.ShareOutputs()
	require.Error(t, err)

	// Outputs releases the previous workspace implicitly.
	outs, err := p.Outputs()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, outs.Batch(0).HostBytes())

	// ReleaseOutputs is idempotent.
	p.ReleaseOutputs()
	p.ReleaseOutputs()
}

func TestExecutionFailureAbortsIteration(t *testing.T) {
	p, exec := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1, QueueDepth: 2})
	exec.hostErr = errors.New("decoder exploded")

	feedBytes(t, p, []byte{1}, []int{1}, 0)
	err := p.Run()
	require.ErrorIs(t, err, ErrExecutionFailure)
	assert.Contains(t, err.Error(), "decoder exploded")

	// The failed iteration left nothing behind.
	_, err = p.ShareOutputs()
	require.ErrorIs(t, err, ErrExecutionFailure)
	assert.Empty(t, p.hostStaged)
}

func TestDeclaredQueries(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 8})

	assert.Equal(t, 8, p.MaxBatchSize())
	assert.Equal(t, 1, p.NumExternalInputs())
	assert.Equal(t, "data", p.ExternalInputName(0))
	assert.Equal(t, "", p.ExternalInputName(3))
	assert.Equal(t, 1, p.NumOutputs())
	assert.Equal(t, "data", p.OutputName(0))
	assert.Equal(t, buffers.CPU, p.OutputDevice(0))
	assert.Equal(t, dtypes.Uint8, p.OutputDType(0))
	assert.Equal(t, 1, p.OutputRank(0))
	assert.Equal(t, dtypes.InvalidDType, p.OutputDType(7))
}

func TestMetaRelays(t *testing.T) {
	p, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1})

	meta, err := p.ReaderMeta("reader")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), meta.EpochSize)
	assert.Equal(t, 4, meta.NumberOfShards)
	_, err = p.ReaderMeta("nope")
	require.Error(t, err)

	kind, err := p.OperatorBackend("decode")
	require.NoError(t, err)
	assert.Equal(t, OperatorMixed, kind)

	// Memory stats are gated by the config.
	assert.Nil(t, p.ExecutorMeta())

	p2, _ := newTestPipeline(t, blockingSchema(), Config{MaxBatchSize: 1, EnableMemoryStats: true})
	stats := p2.ExecutorMeta()
	require.Len(t, stats, 1)
	assert.Contains(t, stats[0].String(), "decode")
	assert.Contains(t, stats[0].String(), "MB")
}

type stubLoader struct {
	magic []byte
	exec  Executor
}

func (l *stubLoader) CanLoad(serialized []byte) bool { return bytes.HasPrefix(serialized, l.magic) }

func (l *stubLoader) Load(serialized []byte, config Config) (Executor, error) {
	if !l.CanLoad(serialized) {
		return nil, errors.Errorf("bad magic")
	}
	return l.exec, nil
}

func TestLoaderRegistry(t *testing.T) {
	exec := &stubExecutor{
		inputs:  []InputSchema{blockingSchema()},
		outputs: []OutputSchema{{Name: "data", DType: dtypes.Uint8, Rank: 1, Device: buffers.CPU}},
	}
	RegisterLoader(&stubLoader{magic: []byte("BFG1"), exec: exec})
	defer RegisterLoader(nil)

	assert.True(t, IsLoadable([]byte("BFG1...graph...")))
	assert.False(t, IsLoadable([]byte("not a graph")))

	p, err := NewBuilt([]byte("BFG1...graph..."), newTestBackend(t), Config{MaxBatchSize: 2})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 1, p.NumExternalInputs())

	_, err = New([]byte("not a graph"), newTestBackend(t), Config{})
	require.Error(t, err)
}

func TestLoadLibrary(t *testing.T) {
	var opened []string
	prev := openPlugin
	openPlugin = func(path string) error {
		opened = append(opened, path)
		if path == "broken.so" {
			return errors.New("not a plugin")
		}
		return nil
	}
	defer func() { openPlugin = prev }()

	require.NoError(t, LoadLibrary("libdecoders.so"))
	// Loading the same library twice is a no-op.
	require.NoError(t, LoadLibrary("libdecoders.so"))
	assert.Equal(t, []string{"libdecoders.so"}, opened)

	require.Error(t, LoadLibrary("broken.so"))
}
