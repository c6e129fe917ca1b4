package concurrent

import (
	"errors"
	"sync"
)

const fakeBase = uint64(1 << 20)

var errFakeOOM = errors.New("fake out of memory")

// fakeSpace hands out ranges with a bump pointer and records every side effect.
type fakeSpace struct {
	mu        sync.Mutex
	next, end uint64
	gap       uint64 // bytes skipped after every carve-out

	labs      []LinearArea
	exact     []LinearArea
	origins   []Origin
	fillers   []LinearArea
	black     []LinearArea
	unblacked []LinearArea

	// onCarve runs before the black area of a fresh range can be recorded.
	onCarve func(area LinearArea)
}

func newFakeSpace(capacity uint64) *fakeSpace {
	return &fakeSpace{next: fakeBase, end: fakeBase + capacity}
}

func (s *fakeSpace) grow(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end += bytes
}

func (s *fakeSpace) SlowGetLinearAllocationArea(minSize, maxSize uint64, alignment Alignment, origin Origin) (LinearArea, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next+minSize > s.end {
		return LinearArea{}, false
	}
	size := maxSize
	if s.end-s.next < size {
		size = s.end - s.next
	}
	area := LinearArea{Start: s.next, Size: size}
	s.next += size + s.gap
	s.labs = append(s.labs, area)
	s.origins = append(s.origins, origin)
	if s.onCarve != nil {
		s.onCarve(area)
	}
	return area, true
}

func (s *fakeSpace) AllocateExact(size uint64, alignment Alignment, origin Origin) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fill := FillToAlign(s.next, alignment)
	if s.next+fill+size > s.end {
		return 0, false
	}
	if fill > 0 {
		s.fillers = append(s.fillers, LinearArea{Start: s.next, Size: fill})
	}
	addr := s.next + fill
	s.next = addr + size + s.gap
	s.exact = append(s.exact, LinearArea{Start: addr, Size: size})
	s.origins = append(s.origins, origin)
	return addr, true
}

func (s *fakeSpace) CreateFiller(addr, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillers = append(s.fillers, LinearArea{Start: addr, Size: size})
}

func (s *fakeSpace) PageFromAllocationAreaAddress(addr uint64) Page {
	return fakePage{space: s}
}

type fakePage struct {
	space *fakeSpace
}

func (p fakePage) CreateBlackArea(top, limit uint64) {
	p.space.mu.Lock()
	defer p.space.mu.Unlock()
	p.space.black = append(p.space.black, LinearArea{Start: top, Size: limit - top})
}

func (p fakePage) DestroyBlackArea(top, limit uint64) {
	p.space.mu.Lock()
	defer p.space.mu.Unlock()
	p.space.unblacked = append(p.space.unblacked, LinearArea{Start: top, Size: limit - top})
}

// fakeCollector counts collections and lets tests react to them.
type fakeCollector struct {
	black       bool
	marked      []LinearArea
	collections int
	onCollect   func(n int)
	oomReason   string
}

func (c *fakeCollector) IsBlackAllocationActive() bool { return c.black }

func (c *fakeCollector) MarkObjectBlack(addr, size uint64) {
	c.marked = append(c.marked, LinearArea{Start: addr, Size: size})
}

func (c *fakeCollector) RequestAndWaitForCollection() {
	c.collections++
	if c.onCollect != nil {
		c.onCollect(c.collections)
	}
}

func (c *fakeCollector) FatalOutOfMemory(reason string) {
	c.oomReason = reason
	panic(errFakeOOM)
}

// fakeLocalHeap tracks parking and the allocation-failed flag.
type fakeLocalHeap struct {
	parked  bool
	parks   int
	unparks int
	flags   []bool
}

func (h *fakeLocalHeap) EnterParkedScope() func() {
	h.parks++
	h.parked = true
	return func() {
		h.unparks++
		h.parked = false
	}
}

func (h *fakeLocalHeap) SetAllocationFailed(failed bool) {
	h.flags = append(h.flags, failed)
}

func (h *fakeLocalHeap) allocationFailed() bool {
	return len(h.flags) > 0 && h.flags[len(h.flags)-1]
}

// recordingFiller only records fillers.
type recordingFiller struct {
	fillers []LinearArea
}

func (f *recordingFiller) CreateFiller(addr, size uint64) {
	f.fillers = append(f.fillers, LinearArea{Start: addr, Size: size})
}
