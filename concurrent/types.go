// Package concurrent provides the per-worker allocator that bump-allocates out of
// thread-local linear allocation buffers carved from a shared space.
package concurrent

const (
	// System constants
	WordSize   = 8  // allocation granularity
	DoubleSize = 16 // double-word alignment boundary

	// NullAddress is never handed out by a space.
	NullAddress = uint64(0)

	// MaxCollectionAttempts bounds the collect-and-retry loop of AllocateOrFail.
	MaxCollectionAttempts = 3
)

// Alignment requested for an allocation
type Alignment int

const (
	// WordAligned places the object on a word boundary.
	WordAligned Alignment = iota
	// DoubleAligned places the object on a double-word boundary.
	DoubleAligned
	// DoubleUnaligned places the object one word past a double-word boundary.
	DoubleUnaligned
)

func (a Alignment) String() string {
	switch a {
	case WordAligned:
		return "word"
	case DoubleAligned:
		return "double"
	case DoubleUnaligned:
		return "double-unaligned"
	}
	return "unknown"
}

// MaxFillToAlign is the largest padding any alignment can require.
func MaxFillToAlign(alignment Alignment) uint64 {
	if alignment == WordAligned {
		return 0
	}
	return WordSize
}

// FillToAlign returns the padding needed at addr to satisfy alignment.
func FillToAlign(addr uint64, alignment Alignment) uint64 {
	switch alignment {
	case DoubleAligned:
		if addr&(DoubleSize-1) != 0 {
			return WordSize
		}
	case DoubleUnaligned:
		if addr&(DoubleSize-1) == 0 {
			return WordSize
		}
	}
	return 0
}

// IsAligned reports whether addr satisfies alignment.
func IsAligned(addr uint64, alignment Alignment) bool {
	return addr%WordSize == 0 && FillToAlign(addr, alignment) == 0
}

// Origin tags who asked for memory. The allocator only forwards it.
type Origin int

const (
	OriginRuntime Origin = iota
	OriginGeneratedCode
	OriginGC

	NumOrigins = 3
)

func (o Origin) String() string {
	switch o {
	case OriginRuntime:
		return "runtime"
	case OriginGeneratedCode:
		return "generated"
	case OriginGC:
		return "gc"
	}
	return "unknown"
}

// LinearArea is a contiguous range handed out by a Space.
type LinearArea struct {
	Start uint64
	Size  uint64
}

// End returns one byte past the area.
func (a LinearArea) End() uint64 {
	return a.Start + a.Size
}

// Result is the outcome of a non-blocking allocation: an address, or Retry.
type Result struct {
	address uint64
}

// Success wraps a freshly allocated address.
func Success(address uint64) Result {
	if address == NullAddress {
		panic(ErrNullAddress)
	}
	return Result{address: address}
}

// Retry signals that no memory is available right now.
func Retry() Result {
	return Result{}
}

// IsRetry reports whether the allocation failed.
func (r Result) IsRetry() bool {
	return r.address == NullAddress
}

// Address returns the allocated address. Calling it on a Retry result is a bug.
func (r Result) Address() uint64 {
	if r.IsRetry() {
		panic(ErrRetryAddress)
	}
	return r.address
}

// Filler writes inert filler objects so that heap scans can step over a range.
type Filler interface {
	CreateFiller(addr, size uint64)
}

// Page toggles black marking for address ranges it contains.
type Page interface {
	CreateBlackArea(top, limit uint64)
	DestroyBlackArea(top, limit uint64)
}

// Space is the shared source of fresh address ranges. Implementations serialize
// carve-outs internally, so ranges returned to different callers never overlap.
type Space interface {
	Filler

	// SlowGetLinearAllocationArea returns a range whose size is within
	// [minSize, maxSize], or false if the space is exhausted.
	SlowGetLinearAllocationArea(minSize, maxSize uint64, alignment Alignment, origin Origin) (LinearArea, bool)

	// AllocateExact returns the address of exactly size bytes, or false.
	AllocateExact(size uint64, alignment Alignment, origin Origin) (uint64, bool)

	// PageFromAllocationAreaAddress returns the page containing addr.
	PageFromAllocationAreaAddress(addr uint64) Page
}

// Collector owns black allocation and performs synchronous collections.
type Collector interface {
	IsBlackAllocationActive() bool
	MarkObjectBlack(addr, size uint64)

	// RequestAndWaitForCollection blocks until a full collection cycle that
	// started after the call has completed.
	RequestAndWaitForCollection()

	// FatalOutOfMemory terminates the process and never returns.
	FatalOutOfMemory(reason string)
}

// LocalHeap is the worker context owning an Allocator.
type LocalHeap interface {
	// EnterParkedScope announces that the worker stops mutating the heap.
	// The returned function revokes the announcement.
	EnterParkedScope() (exit func())

	// SetAllocationFailed sets the advisory flag read by the safepoint coordinator.
	SetAllocationFailed(failed bool)
}
