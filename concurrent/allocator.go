package concurrent

import (
	"fmt"
	"sync/atomic"

	"github.com/shenjiangwei/concAllocator/logger"
)

// State of an Allocator.
type State int32

const (
	// StateEmpty holds no buffer
	StateEmpty State = iota
	// StateActive bump-allocates from its buffer
	StateActive
	// StateExhausted saw its buffer fail a request
	StateExhausted
	// StateRefilling is asking the space for a new buffer
	StateRefilling
	// StateParked is blocked on a collection
	StateParked
	// StateFatalOOM gave up after repeated collections
	StateFatalOOM
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateExhausted:
		return "exhausted"
	case StateRefilling:
		return "refilling"
	case StateParked:
		return "parked"
	case StateFatalOOM:
		return "fatal-oom"
	}
	return "unknown"
}

// Stats counts what an Allocator did. Values are cumulative.
type Stats struct {
	LabAllocations     uint64 `json:"lab_allocations"`
	OutsideAllocations uint64 `json:"outside_allocations"`
	Refills            uint64 `json:"refills"`
	Merges             uint64 `json:"merges"`
	FailedRefills      uint64 `json:"failed_refills"`
	Collections        uint64 `json:"collections"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.LabAllocations += other.LabAllocations
	s.OutsideAllocations += other.OutsideAllocations
	s.Refills += other.Refills
	s.Merges += other.Merges
	s.FailedRefills += other.FailedRefills
	s.Collections += other.Collections
}

// Allocator carves objects out of a buffer owned by a single worker and
// refills it from the shared space. It must only be used by the goroutine
// owning its LocalHeap, or by a collector while that goroutine is stopped.
type Allocator struct {
	local     LocalHeap
	space     Space
	collector Collector
	config    Config
	lab       LinearAllocationBuffer

	state atomic.Int32

	labAllocations     atomic.Uint64
	outsideAllocations atomic.Uint64
	refills            atomic.Uint64
	merges             atomic.Uint64
	failedRefills      atomic.Uint64
	collections        atomic.Uint64
}

// NewAllocator creates an allocator for the worker context local.
func NewAllocator(local LocalHeap, space Space, collector Collector, config Config) (*Allocator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{
		local:     local,
		space:     space,
		collector: collector,
		config:    config,
		lab:       NewLinearAllocationBuffer(space),
	}
	a.setState(StateEmpty)
	return a, nil
}

// Config returns the sizing policy in use.
func (a *Allocator) Config() Config {
	return a.config
}

// State returns the current state.
func (a *Allocator) State() State {
	return State(a.state.Load())
}

func (a *Allocator) setState(s State) {
	a.state.Store(int32(s))
}

// settle derives the resting state from the buffer.
func (a *Allocator) settle() {
	if a.lab.IsValid() {
		a.setState(StateActive)
	} else {
		a.setState(StateEmpty)
	}
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		LabAllocations:     a.labAllocations.Load(),
		OutsideAllocations: a.outsideAllocations.Load(),
		Refills:            a.refills.Load(),
		Merges:             a.merges.Load(),
		FailedRefills:      a.failedRefills.Load(),
		Collections:        a.collections.Load(),
	}
}

// Lab returns the current buffer bounds.
func (a *Allocator) Lab() (top, limit uint64) {
	return a.lab.Top(), a.lab.Limit()
}

func (a *Allocator) checkSize(size uint64) {
	if size == 0 || size%WordSize != 0 || size > a.config.MaxObjectSize {
		panic(fmt.Errorf("%w: %d", ErrInvalidSize, size))
	}
}

// AllocateRaw allocates size bytes without blocking. Retry means the space
// could not supply memory right now. size must be a positive multiple of
// WordSize no larger than Config.MaxObjectSize; callers stamp a header of
// exactly that size over the result, so it is never rounded. Any other size
// panics with ErrInvalidSize.
func (a *Allocator) AllocateRaw(size uint64, alignment Alignment, origin Origin) Result {
	a.checkSize(size)
	if size > a.config.MaxLabObjectSize {
		return a.allocateOutsideLab(size, alignment, origin)
	}

	if result := a.lab.TryAllocate(size, alignment); !result.IsRetry() {
		a.labAllocations.Add(1)
		return result
	}
	return a.allocateInLabSlow(size, alignment, origin)
}

func (a *Allocator) allocateInLabSlow(size uint64, alignment Alignment, origin Origin) Result {
	a.setState(StateExhausted)
	if !a.ensureLab(origin) {
		a.settle()
		return Retry()
	}
	a.setState(StateActive)

	result := a.lab.TryAllocate(size, alignment)
	if result.IsRetry() {
		panic(fmt.Errorf("%w: size %d, buffer [%#x, %#x)", ErrRefillTooSmall, size, a.lab.Top(), a.lab.Limit()))
	}
	a.labAllocations.Add(1)
	return result
}

// ensureLab replaces or extends the buffer with a fresh range from the space.
func (a *Allocator) ensureLab(origin Origin) bool {
	a.setState(StateRefilling)
	area, ok := a.space.SlowGetLinearAllocationArea(a.config.MinLabSize, a.config.MaxLabSize, WordAligned, origin)
	if !ok {
		a.failedRefills.Add(1)
		logger.Debug("Refill of %d-%d bytes failed for %s", a.config.MinLabSize, a.config.MaxLabSize, origin)
		return false
	}
	a.refills.Add(1)

	// New objects must be born black while marking is in progress.
	if a.collector.IsBlackAllocationActive() {
		a.space.PageFromAllocationAreaAddress(area.Start).CreateBlackArea(area.Start, area.End())
	}

	if a.lab.TryMerge(area) {
		a.merges.Add(1)
		logger.Debug("Merged %d bytes at %#x into buffer [%#x, %#x)", area.Size, area.Start, a.lab.Top(), a.lab.Limit())
		return true
	}
	a.lab.Close()
	a.lab = FromArea(a.space, area)
	logger.Debug("Refilled buffer with %d bytes at %#x", area.Size, area.Start)
	return true
}

func (a *Allocator) allocateOutsideLab(size uint64, alignment Alignment, origin Origin) Result {
	addr, ok := a.space.AllocateExact(size, alignment, origin)
	if !ok {
		logger.Debug("Allocation of %d bytes outside buffer failed for %s", size, origin)
		return Retry()
	}
	a.outsideAllocations.Add(1)

	// The bounds are only known now, so mark the object itself.
	if a.collector.IsBlackAllocationActive() {
		a.collector.MarkObjectBlack(addr, size)
	}
	return Success(addr)
}

// AllocateOrFail allocates size bytes, collecting garbage when the space is
// exhausted. It either returns an address or terminates the process. size
// follows the rules of AllocateRaw.
func (a *Allocator) AllocateOrFail(size uint64, alignment Alignment, origin Origin) uint64 {
	if result := a.AllocateRaw(size, alignment, origin); !result.IsRetry() {
		return result.Address()
	}
	return a.performCollectionAndAllocateAgain(size, alignment, origin)
}

func (a *Allocator) performCollectionAndAllocateAgain(size uint64, alignment Alignment, origin Origin) uint64 {
	a.local.SetAllocationFailed(true)

	for i := 0; i < MaxCollectionAttempts; i++ {
		a.collectAndWait()

		if result := a.AllocateRaw(size, alignment, origin); !result.IsRetry() {
			a.local.SetAllocationFailed(false)
			return result.Address()
		}
		logger.Warn("Allocation of %d bytes still failing after collection %d", size, i+1)
	}

	a.setState(StateFatalOOM)
	logger.Error("Giving up on %d bytes after %d collections", size, MaxCollectionAttempts)
	a.collector.FatalOutOfMemory("ConcurrentAllocator: allocation failed")
	panic(ErrFatalOutOfMemory)
}

// collectAndWait blocks on a collection while parked. The worker is unparked
// on every way out, including a panicking collection.
func (a *Allocator) collectAndWait() {
	a.collections.Add(1)
	a.setState(StateParked)
	exit := a.local.EnterParkedScope()
	defer func() {
		exit()
		a.settle()
	}()

	a.collector.RequestAndWaitForCollection()
}

// FreeLinearAllocationArea closes the buffer, leaving the heap iterable.
func (a *Allocator) FreeLinearAllocationArea() {
	a.lab.Close()
	a.settle()
}

// MakeLinearAllocationAreaIterable fills the unused tail but keeps the buffer.
func (a *Allocator) MakeLinearAllocationAreaIterable() {
	a.lab.MakeIterable()
}

// MarkLinearAllocationAreaBlack marks the unused tail black, so objects
// allocated from it later are born marked.
func (a *Allocator) MarkLinearAllocationAreaBlack() {
	top, limit := a.lab.Top(), a.lab.Limit()
	if top != NullAddress && top != limit {
		a.space.PageFromAllocationAreaAddress(top).CreateBlackArea(top, limit)
	}
}

// UnmarkLinearAllocationAreaBlack reverts MarkLinearAllocationAreaBlack.
func (a *Allocator) UnmarkLinearAllocationAreaBlack() {
	top, limit := a.lab.Top(), a.lab.Limit()
	if top != NullAddress && top != limit {
		a.space.PageFromAllocationAreaAddress(top).DestroyBlackArea(top, limit)
	}
}

// Close tears the allocator down.
func (a *Allocator) Close() {
	a.FreeLinearAllocationArea()
}
