// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/batchflow/batchflow/backends"
	"github.com/batchflow/batchflow/buffers"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// OperatorBackendKind classifies where an operator of the graph executes.
type OperatorBackendKind int

const (
	// OperatorHost runs entirely on the host.
	OperatorHost OperatorBackendKind = iota

	// OperatorDevice runs entirely on the device.
	OperatorDevice

	// OperatorMixed spans the host-to-device boundary.
	OperatorMixed
)

// String implements fmt.Stringer.
func (k OperatorBackendKind) String() string {
	switch k {
	case OperatorHost:
		return "host"
	case OperatorDevice:
		return "device"
	case OperatorMixed:
		return "mixed"
	}
	return "invalid"
}

// InputSchema declares one external input of the graph.
//
// DType, Rank and Layout may be left unset (InvalidDType / negative rank /
// empty layout), in which case they are established once by the first
// submission and validated against afterwards.
type InputSchema struct {
	Name   string
	DType  dtypes.DType
	Rank   int
	Layout string

	// Blocking controls whether consumption (and a full-queue submission)
	// suspends or fails fast.
	Blocking bool

	// NoCopy is the caller intent declared at schema level: consume
	// submitted memory by reference instead of duplicating it.
	NoCopy bool

	// Pinned marks the input's destination slot as pinned memory; consuming
	// a non-pinned submission into it forces a sample-wise copy.
	Pinned bool
}

// OutputSchema declares one output of the graph.
type OutputSchema struct {
	Name   string
	DType  dtypes.DType
	Rank   int
	Device buffers.DeviceType
}

// ReaderMeta is the per-reader sharding and epoch statistics the graph
// executor exposes, relayed verbatim to the caller.
type ReaderMeta struct {
	EpochSize       int64
	EpochSizePadded int64
	NumberOfShards  int
	ShardID         int
	PadLastBatch    bool
	StickToShard    bool
}

// OutputMemoryStats is the per-output memory accounting of one operator.
type OutputMemoryStats struct {
	RealSize    uint64
	MaxRealSize uint64
	Reserved    uint64
	MaxReserved uint64
}

// OperatorMeta is the per-operator memory statistics of the executor,
// relayed to the caller when memory stats are enabled.
type OperatorMeta struct {
	OperatorName string
	Outputs      []OutputMemoryStats
}

// String pretty-prints the operator's memory usage.
func (m OperatorMeta) String() string {
	parts := make([]string, 0, len(m.Outputs))
	for i, out := range m.Outputs {
		parts = append(parts, fmt.Sprintf("out%d: %s used (max %s), %s reserved (max %s)",
			i, humanize.Bytes(out.RealSize), humanize.Bytes(out.MaxRealSize),
			humanize.Bytes(out.Reserved), humanize.Bytes(out.MaxReserved)))
	}
	return fmt.Sprintf("%s{%s}", m.OperatorName, strings.Join(parts, "; "))
}

// Executor is the operator graph executor collaborator: it owns the
// operators and the compute kernels; the pipeline core drives it and feeds
// its external inputs.
//
// RunHost and RunDevice are called from a single goroutine at a time (the
// controller's run step); the schema queries may be called concurrently.
type Executor interface {
	// Inputs lists the external inputs of the graph, in declaration order.
	Inputs() []InputSchema

	// Outputs lists the declared outputs of the graph.
	Outputs() []OutputSchema

	// SetInputSchema updates an input's schema after the pipeline
	// establishes previously unset fields from a first submission.
	SetInputSchema(schema InputSchema) error

	// RunHost executes all host-resident stages of one iteration, with the
	// materialized external inputs keyed by input name. The executor takes
	// ownership of the batches; the pipeline releases them when the
	// iteration's outputs are released.
	RunHost(inputs map[string]*buffers.Batch) error

	// RunDevice executes the host-to-device transfer stages followed by the
	// device-resident stages of the oldest host-staged iteration, issuing
	// device work on q, and returns the iteration's outputs, one batch per
	// output schema. Output batches are owned by the caller.
	RunDevice(q backends.Queue) ([]*buffers.Batch, error)

	// OperatorBackend classifies the named operator's placement.
	OperatorBackend(name string) (OperatorBackendKind, error)

	// ReaderMeta returns sharding/epoch statistics of the named reader.
	ReaderMeta(name string) (ReaderMeta, error)

	// ExecutorMeta returns per-operator memory statistics. It returns nil
	// when memory stats collection is disabled.
	ExecutorMeta() []OperatorMeta
}

// Loader deserializes graph descriptions into executors. The serialized
// format is the loader's concern; the pipeline treats it as opaque bytes.
type Loader interface {
	// CanLoad reports whether the serialized graph is well-formed and
	// loadable, without building it.
	CanLoad(serialized []byte) bool

	// Load builds an Executor from the serialized graph.
	Load(serialized []byte, config Config) (Executor, error)
}

var (
	muLoader         sync.Mutex
	registeredLoader Loader
)

// RegisterLoader installs the graph loader used by New. Typically called
// from the init of the package binding the concrete executor.
func RegisterLoader(l Loader) {
	muLoader.Lock()
	defer muLoader.Unlock()
	registeredLoader = l
}

// IsLoadable reports whether a serialized graph description can be loaded by
// the registered loader.
func IsLoadable(serialized []byte) bool {
	muLoader.Lock()
	l := registeredLoader
	muLoader.Unlock()
	return l != nil && l.CanLoad(serialized)
}

func loadSerialized(serialized []byte, config Config) (Executor, error) {
	muLoader.Lock()
	l := registeredLoader
	muLoader.Unlock()
	if l == nil {
		return nil, errors.Errorf("no graph loader registered, call pipeline.RegisterLoader first")
	}
	return l.Load(serialized, config)
}
