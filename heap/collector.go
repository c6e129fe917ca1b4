package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shenjiangwei/concAllocator/logger"
)

// CollectorStats counts finished collections.
type CollectorStats struct {
	Cycles       uint64        `json:"cycles"`
	FreedBytes   uint64        `json:"freed_bytes"`
	StalledTotal uint64        `json:"stalled_total"`
	Last         SweepResult   `json:"last"`
	LastDuration time.Duration `json:"last_duration"`
}

// Collector is a stop-the-world mark-sweep collector running on its own
// goroutine. Liveness is the root set plus every marked word, so objects
// allocated black during incremental marking survive the next cycle.
type Collector struct {
	heap            *Heap
	blackAllocation atomic.Bool
	oom             func(reason string)

	mutex     sync.Mutex
	cond      *sync.Cond
	started   uint64
	completed uint64
	closed    bool
	stats     CollectorStats

	requests chan struct{}
	stopChan chan struct{}
	done     chan struct{}
}

func newCollector(h *Heap, oom func(reason string)) *Collector {
	c := &Collector{
		heap:     h,
		oom:      oom,
		requests: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mutex)
	go c.run()
	return c
}

func (c *Collector) run() {
	defer close(c.done)
	for {
		select {
		case <-c.requests:
			c.mutex.Lock()
			c.started++
			c.mutex.Unlock()

			result, stalled, elapsed := c.collect()

			c.mutex.Lock()
			c.completed++
			c.stats.Cycles++
			c.stats.FreedBytes += result.FreedBytes
			c.stats.StalledTotal += uint64(stalled)
			c.stats.Last = result
			c.stats.LastDuration = elapsed
			c.cond.Broadcast()
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}

// RequestAndWaitForCollection blocks until a collection started after the
// call has finished. The caller must be parked.
func (c *Collector) RequestAndWaitForCollection() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	target := c.started + 1
	select {
	case c.requests <- struct{}{}:
	default:
	}
	for c.completed < target && !c.closed {
		c.cond.Wait()
	}
}

func (c *Collector) collect() (SweepResult, int, time.Duration) {
	begin := time.Now()
	h := c.heap

	heaps := h.safepoint.StopTheWorld()
	defer h.safepoint.ResumeWorld()

	stalled := 0
	for _, lh := range heaps {
		if lh.AllocationFailed() {
			stalled++
		}
		lh.allocator.FreeLinearAllocationArea()
	}

	if h.config.Verify {
		if err := h.space.Verify(); err != nil {
			panic(fmt.Errorf("before collection: %w", err))
		}
	}

	roots := h.rootSet()
	result, err := h.space.Sweep(func(addr uint64) bool {
		if _, ok := roots[addr]; ok {
			return true
		}
		return h.space.IsMarked(addr)
	})
	if err != nil {
		panic(fmt.Errorf("sweep: %w", err))
	}
	h.space.ClearMarks()
	c.blackAllocation.Store(false)

	elapsed := time.Since(begin)
	logger.Info("GC: %d live (%s), %d dead, freed %s in %d blocks, %d stalled, %v",
		result.LiveObjects, humanize.Bytes(result.LiveBytes), result.DeadObjects,
		humanize.Bytes(result.FreedBytes), result.FreedBlocks, stalled, elapsed)
	return result, stalled, elapsed
}

// IsBlackAllocationActive reports whether incremental marking is running.
func (c *Collector) IsBlackAllocationActive() bool {
	return c.blackAllocation.Load()
}

// MarkObjectBlack marks an object allocated while marking is running.
func (c *Collector) MarkObjectBlack(addr, size uint64) {
	c.heap.space.MarkObject(addr)
}

// MarkRegionBlack marks every word of [addr, addr+size).
func (c *Collector) MarkRegionBlack(addr, size uint64) {
	c.heap.space.PageOf(addr).CreateBlackArea(addr, addr+size)
}

// FatalOutOfMemory reports an unrecoverable allocation failure. It never
// returns.
func (c *Collector) FatalOutOfMemory(reason string) {
	logger.Error("Fatal out of memory: %s", reason)
	c.oom(reason)
	panic(fmt.Errorf("%w: %s", ErrHandlerReturned, reason))
}

// StartIncrementalMarking turns black allocation on. Unused buffer tails are
// marked so everything allocated until the next collection survives it.
func (c *Collector) StartIncrementalMarking() {
	heaps := c.heap.safepoint.StopTheWorld()
	defer c.heap.safepoint.ResumeWorld()
	if c.blackAllocation.Load() {
		return
	}
	c.blackAllocation.Store(true)
	for _, lh := range heaps {
		lh.allocator.MarkLinearAllocationAreaBlack()
	}
	logger.Info("Incremental marking started with %d local heaps", len(heaps))
}

// AbortIncrementalMarking turns black allocation off and drops every mark.
func (c *Collector) AbortIncrementalMarking() {
	heaps := c.heap.safepoint.StopTheWorld()
	defer c.heap.safepoint.ResumeWorld()
	if !c.blackAllocation.Load() {
		return
	}
	for _, lh := range heaps {
		lh.allocator.UnmarkLinearAllocationAreaBlack()
	}
	c.heap.space.ClearMarks()
	c.blackAllocation.Store(false)
	logger.Info("Incremental marking aborted")
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() CollectorStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stats
}

// Close stops the collector goroutine and releases waiting workers.
func (c *Collector) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mutex.Unlock()

	close(c.stopChan)
	<-c.done
}
