package heap

import (
	"sync/atomic"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/logger"
)

// LocalHeap is the per-worker view of a Heap. It owns one allocator and must
// only be used by the goroutine that created it.
type LocalHeap struct {
	heap      *Heap
	id        int64
	state     threadState // guarded by the safepoint mutex
	allocator *concurrent.Allocator

	allocationFailed atomic.Bool
	closed           bool
}

// NewLocalHeap registers a new worker with the heap.
func (h *Heap) NewLocalHeap() *LocalHeap {
	lh := &LocalHeap{
		heap: h,
		id:   h.nextID.Add(1),
	}
	allocator, err := concurrent.NewAllocator(lh, h.space, h.collector, h.config.Allocator)
	if err != nil {
		// The allocator config was validated by New.
		panic(err)
	}
	lh.allocator = allocator
	h.safepoint.add(lh)
	logger.Debug("Local heap %d registered", lh.id)
	return lh
}

// ID returns the identifier of the local heap.
func (lh *LocalHeap) ID() int64 { return lh.id }

// Heap returns the heap the local heap belongs to.
func (lh *LocalHeap) Heap() *Heap { return lh.heap }

// Allocator returns the allocator owned by the local heap.
func (lh *LocalHeap) Allocator() *concurrent.Allocator { return lh.allocator }

// AllocateRaw allocates without collecting.
func (lh *LocalHeap) AllocateRaw(size uint64, alignment concurrent.Alignment, origin concurrent.Origin) concurrent.Result {
	return lh.allocator.AllocateRaw(size, alignment, origin)
}

// AllocateOrFail allocates, collecting garbage when the heap is full.
func (lh *LocalHeap) AllocateOrFail(size uint64, alignment concurrent.Alignment, origin concurrent.Origin) uint64 {
	return lh.allocator.AllocateOrFail(size, alignment, origin)
}

// Safepoint blocks while the collector has the world stopped.
func (lh *LocalHeap) Safepoint() {
	lh.heap.safepoint.safepoint(lh)
}

// Park lets the collector run without waiting for this worker. A parked
// worker must not touch the heap.
func (lh *LocalHeap) Park() bool {
	return lh.heap.safepoint.park(lh)
}

// Unpark resumes a parked worker, waiting for a running collection.
func (lh *LocalHeap) Unpark() {
	lh.heap.safepoint.unpark(lh)
}

// IsParked reports whether the worker is parked.
func (lh *LocalHeap) IsParked() bool {
	return lh.heap.safepoint.isParked(lh)
}

// EnterParkedScope parks the worker and returns the function unparking it.
// Entering while already parked is a no-op.
func (lh *LocalHeap) EnterParkedScope() func() {
	if !lh.Park() {
		return func() {}
	}
	return lh.Unpark
}

// SetAllocationFailed records whether the worker is blocked on an allocation.
func (lh *LocalHeap) SetAllocationFailed(failed bool) {
	lh.allocationFailed.Store(failed)
}

// AllocationFailed reports whether the worker is blocked on an allocation.
func (lh *LocalHeap) AllocationFailed() bool {
	return lh.allocationFailed.Load()
}

// CollectGarbage runs a full collection from a worker.
func (lh *LocalHeap) CollectGarbage() {
	exit := lh.EnterParkedScope()
	defer exit()
	lh.heap.collector.RequestAndWaitForCollection()
}

// Close releases the buffer and unregisters the worker.
func (lh *LocalHeap) Close() {
	if lh.closed {
		return
	}
	lh.closed = true
	if lh.IsParked() {
		lh.Unpark()
	}
	lh.allocator.Close()
	lh.heap.safepoint.remove(lh)
	logger.Debug("Local heap %d closed", lh.id)
}
