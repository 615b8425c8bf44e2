package backends

// DeviceMemory is an opaque handle to a device-side allocation. Only the
// backend that produced it can interpret it.
type DeviceMemory any

// Memory is the Backend sub-interface with the raw allocation and copy
// primitives the copy/sync engine is built on.
//
// Copy methods take a Queue: if it is nil the copy is performed synchronously
// on the host timeline, otherwise it is issued on the queue and returns
// immediately -- completion is ordered on that queue's timeline and must be
// awaited with Queue.Sync or an Event.
//
// The useCopyKernel flag asks the backend to use a device copy-kernel instead
// of its bulk memory-copy primitive; for batches of many small samples the
// kernel launch amortizes better. Backends without such a kernel may ignore
// the flag.
type Memory interface {
	// AllocateDevice allocates nbytes on the given device.
	AllocateDevice(deviceNum DeviceNum, nbytes int) (DeviceMemory, error)

	// FreeDevice releases a device allocation.
	FreeDevice(mem DeviceMemory) error

	// AllocatePinned allocates page-locked host memory that device queues
	// can copy to and from asynchronously.
	AllocatePinned(nbytes int) ([]byte, error)

	// FreePinned releases pinned host memory returned by AllocatePinned.
	FreePinned(buf []byte) error

	// CopyToDevice copies src into dst at dstOffset (bytes).
	CopyToDevice(q Queue, dst DeviceMemory, dstOffset int, src []byte, useCopyKernel bool) error

	// CopyFromDevice copies n bytes from src at srcOffset into dst.
	CopyFromDevice(q Queue, dst []byte, src DeviceMemory, srcOffset, n int, useCopyKernel bool) error

	// CopyDeviceToDevice copies n bytes between device allocations.
	CopyDeviceToDevice(q Queue, dst DeviceMemory, dstOffset int, src DeviceMemory, srcOffset, n int, useCopyKernel bool) error

	// CopyHostOnQueue copies between two host slices, ordered on q. Pinned
	// destinations use this so the copy lands on the device timeline
	// instead of blocking the host.
	CopyHostOnQueue(q Queue, dst, src []byte, useCopyKernel bool) error
}

// Queue is an execution queue leased on a device. Work issued on the same
// queue executes in issue order; no ordering is guaranteed across different
// queues without an explicit event.
type Queue interface {
	// Device this queue executes on.
	Device() DeviceNum

	// ID is the unique lease identifier of this queue.
	ID() string

	// Sync blocks the calling goroutine until all work issued on the queue
	// so far has completed. It is idempotent: syncing an idle queue returns
	// immediately.
	Sync() error

	// RecordEvent records an event that triggers after all work issued on
	// the queue so far completes.
	RecordEvent() (Event, error)

	// WaitEvent makes work issued on this queue after the call wait for the
	// event, without blocking the host.
	WaitEvent(ev Event) error

	// Finalize synchronizes the queue and returns the lease. The queue must
	// not be used afterwards.
	Finalize() error
}

// Event marks a point on a queue's timeline.
type Event interface {
	// Wait blocks the calling goroutine until the event triggers.
	Wait()

	// Done reports whether the event has triggered, without blocking.
	Done() bool
}
