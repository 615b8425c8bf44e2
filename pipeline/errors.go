// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/batchflow/batchflow/buffers"
	"github.com/pkg/errors"
)

// Error taxonomy of the pipeline surface. All errors returned by this package
// wrap one of these sentinels (match with errors.Is) with call-site context.
var (
	// ErrSchemaMismatch reports a type, rank or layout disagreement between
	// a submission and the input's declared (or previously established)
	// schema. It is detected at submission time, not at consumption time.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrQueueFull reports a non-blocking submission rejected because the
	// feed queue already holds the maximum number of outstanding batches.
	// Queue state is not mutated.
	ErrQueueFull = errors.New("feed queue full")

	// ErrConflictingFlags reports a submission requesting force-copy and
	// force-no-copy at the same time.
	ErrConflictingFlags = errors.New("conflicting copy-mode flags")

	// ErrNotBuilt reports a run operation invoked before Build.
	ErrNotBuilt = errors.New("pipeline not built")

	// ErrExecutionFailure reports a graph stage failing during a run. The
	// in-flight iteration is aborted and its state discarded.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrUnknownDevice reports an invalid device kind tag.
	ErrUnknownDevice = buffers.ErrUnknownDevice

	// ErrAllocationFailure reports failed batch storage allocation.
	ErrAllocationFailure = buffers.ErrAllocationFailure
)

// Flags is the submission flag set shared by external-input feeding and
// output copies.
type Flags uint32

const (
	// FlagPinned marks the caller memory as page-locked host memory.
	FlagPinned Flags = 1 << iota

	// FlagForceSync requests synchronous semantics: the call only returns
	// after the data transfer completed on the host timeline.
	FlagForceSync

	// FlagForceCopy always copies the submitted buffer, regardless of the
	// input's no-copy intent.
	FlagForceCopy

	// FlagForceNoCopy always aliases the submitted buffer, regardless of
	// the input's no-copy intent. The caller must keep the memory valid and
	// unmodified until the consuming iteration fully completes (bounded by
	// the prefetch depth).
	FlagForceNoCopy

	// FlagUseCopyKernel prefers the backend's copy-kernel over its bulk
	// copy primitive; worthwhile for batches of many small samples.
	FlagUseCopyKernel
)

// noCopyMode resolves the copy policy of a submission.
type noCopyMode int

const (
	noCopyDefault noCopyMode = iota // Schema-level caller intent decides.
	forceCopy
	forceNoCopy
)

// noCopyModeFromFlags extracts the copy policy, rejecting conflicting flags.
func noCopyModeFromFlags(flags Flags) (noCopyMode, error) {
	if flags&FlagForceCopy != 0 && flags&FlagForceNoCopy != 0 {
		return noCopyDefault, errors.Wrap(ErrConflictingFlags,
			"an external input cannot be forced to copy and not to copy at the same time")
	}
	if flags&FlagForceCopy != 0 {
		return forceCopy, nil
	}
	if flags&FlagForceNoCopy != 0 {
		return forceNoCopy, nil
	}
	return noCopyDefault, nil
}
