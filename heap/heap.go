package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/logger"
)

// Heap ties a Space, a Collector and the local heaps of its workers together.
type Heap struct {
	config    Config
	space     *Space
	collector *Collector
	safepoint *Safepoint
	nextID    atomic.Int64

	rootsMutex sync.Mutex
	roots      map[uint64]int
}

// Stats is a snapshot of a Heap.
type Stats struct {
	LocalHeaps int              `json:"local_heaps"`
	Roots      int              `json:"roots"`
	Marking    bool             `json:"marking"`
	Stops      uint64           `json:"stops"`
	Space      SpaceStats       `json:"space"`
	Collector  CollectorStats   `json:"collector"`
	Allocators concurrent.Stats `json:"allocators"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%s of %s used, %d local heaps, %d roots, %d collections freed %s",
		humanize.Bytes(s.Space.Used), humanize.Bytes(s.Space.Capacity), s.LocalHeaps, s.Roots,
		s.Collector.Cycles, humanize.Bytes(s.Collector.FreedBytes))
}

// New creates a heap and starts its collector.
func New(config Config, opts ...Option) (*Heap, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.LogLevel != "" {
		level, err := logger.ParseLevel(config.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}

	o := options{oom: defaultOutOfMemoryHandler}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Heap{
		config:    config,
		space:     NewSpace(Base, config.Capacity, config.PageSize, config.BlockSize),
		safepoint: newSafepoint(),
		roots:     make(map[uint64]int),
	}
	h.collector = newCollector(h, o.oom)
	logger.Info("Heap of %s in %d pages of %s", humanize.Bytes(config.Capacity),
		len(h.space.Pages()), humanize.Bytes(config.PageSize))
	return h, nil
}

// Config returns the heap config.
func (h *Heap) Config() Config { return h.config }

// Space returns the shared space.
func (h *Heap) Space() *Space { return h.space }

// Collector returns the collector.
func (h *Heap) Collector() *Collector { return h.collector }

// Safepoint returns the registry of local heaps.
func (h *Heap) Safepoint() *Safepoint { return h.safepoint }

// CreateObject stamps an object header over a fresh allocation.
func (h *Heap) CreateObject(addr, size uint64) {
	h.space.CreateObject(addr, size)
}

// CreateFiller stamps a filler over [addr, addr+size).
func (h *Heap) CreateFiller(addr, size uint64) {
	h.space.CreateFiller(addr, size)
}

// Retain keeps the object at addr alive across collections. Calls nest.
func (h *Heap) Retain(addr uint64) {
	if !h.space.Contains(addr) {
		panic(fmt.Errorf("%w: %#x", ErrInvalidAddress, addr))
	}
	h.rootsMutex.Lock()
	defer h.rootsMutex.Unlock()
	h.roots[addr]++
}

// Release undoes one Retain. It reports whether addr was retained.
func (h *Heap) Release(addr uint64) bool {
	h.rootsMutex.Lock()
	defer h.rootsMutex.Unlock()
	count, ok := h.roots[addr]
	if !ok {
		return false
	}
	if count == 1 {
		delete(h.roots, addr)
	} else {
		h.roots[addr] = count - 1
	}
	return true
}

func (h *Heap) rootSet() map[uint64]struct{} {
	h.rootsMutex.Lock()
	defer h.rootsMutex.Unlock()
	roots := make(map[uint64]struct{}, len(h.roots))
	for addr := range h.roots {
		roots[addr] = struct{}{}
	}
	return roots
}

// CollectGarbage runs a full collection. It must not be called from a
// running local heap; use LocalHeap.CollectGarbage there.
func (h *Heap) CollectGarbage() {
	h.collector.RequestAndWaitForCollection()
}

// StartIncrementalMarking turns black allocation on.
func (h *Heap) StartIncrementalMarking() {
	h.collector.StartIncrementalMarking()
}

// AbortIncrementalMarking turns black allocation off.
func (h *Heap) AbortIncrementalMarking() {
	h.collector.AbortIncrementalMarking()
}

// IsMarking reports whether black allocation is on.
func (h *Heap) IsMarking() bool {
	return h.collector.IsBlackAllocationActive()
}

// IsMarked reports whether the object at addr is marked.
func (h *Heap) IsMarked(addr uint64) bool {
	return h.space.IsMarked(addr)
}

// Verify stops the world, makes every buffer iterable and walks the heap.
func (h *Heap) Verify() error {
	heaps := h.safepoint.StopTheWorld()
	defer h.safepoint.ResumeWorld()
	for _, lh := range heaps {
		lh.allocator.MakeLinearAllocationAreaIterable()
	}
	return h.space.Verify()
}

// Stats returns a snapshot of the heap.
func (h *Heap) Stats() Stats {
	heaps := h.safepoint.snapshot()
	stats := Stats{
		LocalHeaps: len(heaps),
		Marking:    h.IsMarking(),
		Stops:      h.safepoint.Stops(),
		Space:      h.space.Stats(),
		Collector:  h.collector.Stats(),
	}
	for _, lh := range heaps {
		stats.Allocators.Add(lh.allocator.Stats())
	}
	h.rootsMutex.Lock()
	stats.Roots = len(h.roots)
	h.rootsMutex.Unlock()
	return stats
}

// Close stops the collector. Local heaps should be closed first.
func (h *Heap) Close() error {
	if n := len(h.safepoint.snapshot()); n > 0 {
		logger.Warn("Closing heap with %d local heaps still registered", n)
	}
	h.collector.Close()
	return nil
}
