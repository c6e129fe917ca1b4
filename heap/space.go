package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/shenjiangwei/concAllocator/concurrent"
)

// SweepResult summarises a sweep.
type SweepResult struct {
	LiveObjects int    `json:"live_objects"`
	DeadObjects int    `json:"dead_objects"`
	LiveBytes   uint64 `json:"live_bytes"`
	FreedBytes  uint64 `json:"freed_bytes"`
	FreedBlocks int    `json:"freed_blocks"`
}

func (r *SweepResult) add(other SweepResult) {
	r.LiveObjects += other.LiveObjects
	r.DeadObjects += other.DeadObjects
	r.LiveBytes += other.LiveBytes
	r.FreedBytes += other.FreedBytes
	r.FreedBlocks += other.FreedBlocks
}

// OriginStats counts the bytes carved out for one allocation origin.
type OriginStats struct {
	Requests uint64 `json:"requests"`
	Bytes    uint64 `json:"bytes"`
}

// SpaceStats is a snapshot of a Space.
type SpaceStats struct {
	Capacity   uint64                 `json:"capacity"`
	Used       uint64                 `json:"used"`
	Pages      int                    `json:"pages"`
	LabAreas   uint64                 `json:"lab_areas"`
	ExactAreas uint64                 `json:"exact_areas"`
	Failures   uint64                 `json:"failures"`
	Origins    map[string]OriginStats `json:"origins"`
}

type originCounter struct {
	requests atomic.Uint64
	bytes    atomic.Uint64
}

// Space is the shared memory every allocator refills from. It is a list of
// pages searched starting at the page that last served a request, which keeps
// consecutive buffers adjacent whenever possible.
type Space struct {
	base     uint64
	pageSize uint64
	pages    []*Page
	hint     atomic.Int64

	labAreas   atomic.Uint64
	exactAreas atomic.Uint64
	failures   atomic.Uint64
	origins    [concurrent.NumOrigins]originCounter
}

// NewSpace creates capacity/pageSize pages starting at base.
func NewSpace(base, capacity, pageSize, blockSize uint64) *Space {
	s := &Space{
		base:     base,
		pageSize: pageSize,
		pages:    make([]*Page, capacity/pageSize),
	}
	for i := range s.pages {
		s.pages[i] = newPage(i, base+uint64(i)*pageSize, pageSize, blockSize)
	}
	return s
}

// Pages returns the pages in address order.
func (s *Space) Pages() []*Page {
	return s.pages
}

// PageOf returns the page holding addr.
func (s *Space) PageOf(addr uint64) *Page {
	if addr < s.base {
		panic(fmt.Errorf("%w: %#x", ErrInvalidAddress, addr))
	}
	index := (addr - s.base) / s.pageSize
	if index >= uint64(len(s.pages)) {
		panic(fmt.Errorf("%w: %#x", ErrInvalidAddress, addr))
	}
	return s.pages[index]
}

// Contains reports whether addr lies in the space.
func (s *Space) Contains(addr uint64) bool {
	return addr >= s.base && addr < s.base+uint64(len(s.pages))*s.pageSize
}

// PageFromAllocationAreaAddress returns the page of a buffer address.
func (s *Space) PageFromAllocationAreaAddress(addr uint64) concurrent.Page {
	return s.PageOf(addr)
}

// CreateFiller stamps a filler over [addr, addr+size).
func (s *Space) CreateFiller(addr, size uint64) {
	s.PageOf(addr).writeHeader(addr, size, tagFiller)
}

// CreateObject stamps an object header over [addr, addr+size).
func (s *Space) CreateObject(addr, size uint64) {
	s.PageOf(addr).writeHeader(addr, size, tagObject)
}

// forEachPage runs fn on every page starting at the hint until it succeeds.
func (s *Space) forEachPage(fn func(p *Page) bool) bool {
	n := len(s.pages)
	first := int(s.hint.Load())
	for i := 0; i < n; i++ {
		index := (first + i) % n
		if fn(s.pages[index]) {
			s.hint.Store(int64(index))
			return true
		}
	}
	return false
}

func (s *Space) account(origin concurrent.Origin, bytes uint64) {
	s.origins[origin].requests.Add(1)
	s.origins[origin].bytes.Add(bytes)
}

// SlowGetLinearAllocationArea returns the largest block between minSize and
// maxSize bytes any page can supply. Block sizes are powers of two, so the
// result may be smaller than maxSize.
func (s *Space) SlowGetLinearAllocationArea(minSize, maxSize uint64, alignment concurrent.Alignment, origin concurrent.Origin) (concurrent.LinearArea, bool) {
	if len(s.pages) == 0 {
		return concurrent.LinearArea{}, false
	}
	sample := s.pages[0]
	minOrder, maxOrder := sample.orderFor(minSize), sample.orderWithin(maxSize)
	if minOrder > sample.maxOrder {
		s.failures.Add(1)
		return concurrent.LinearArea{}, false
	}
	if maxOrder < minOrder {
		maxOrder = minOrder
	}

	for order := maxOrder; order >= minOrder; order-- {
		var area concurrent.LinearArea
		found := s.forEachPage(func(p *Page) bool {
			p.mutex.Lock()
			defer p.mutex.Unlock()
			offset, ok := p.allocateLocked(order)
			if ok {
				area = concurrent.LinearArea{Start: p.start + offset, Size: p.blockBytes(order)}
			}
			return ok
		})
		if found {
			s.labAreas.Add(1)
			s.account(origin, area.Size)
			return area, true
		}
	}
	s.failures.Add(1)
	return concurrent.LinearArea{}, false
}

// AllocateExact returns an address for a single object of size bytes. The
// alignment padding and the unused tail of the block are filled.
func (s *Space) AllocateExact(size uint64, alignment concurrent.Alignment, origin concurrent.Origin) (uint64, bool) {
	if len(s.pages) == 0 {
		return concurrent.NullAddress, false
	}
	need := size + concurrent.MaxFillToAlign(alignment)
	order := s.pages[0].orderFor(need)
	if order > s.pages[0].maxOrder {
		s.failures.Add(1)
		return concurrent.NullAddress, false
	}

	var addr uint64
	found := s.forEachPage(func(p *Page) bool {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		offset, ok := p.allocateLocked(order)
		if !ok {
			return false
		}
		start, end := p.start+offset, p.start+offset+p.blockBytes(order)
		fill := concurrent.FillToAlign(start, alignment)
		if fill > 0 {
			putHeader(p.memory, offset, fill, tagFiller)
		}
		addr = start + fill
		if tail := end - (addr + size); tail > 0 {
			putHeader(p.memory, addr+size-p.start, tail, tagFiller)
		}
		return true
	})
	if !found {
		s.failures.Add(1)
		return concurrent.NullAddress, false
	}
	s.exactAreas.Add(1)
	s.account(origin, size)
	return addr, true
}

// MarkObject sets the mark bit of the object at addr.
func (s *Space) MarkObject(addr uint64) {
	s.PageOf(addr).markObject(addr)
}

// IsMarked reports whether the object at addr is marked.
func (s *Space) IsMarked(addr uint64) bool {
	return s.PageOf(addr).IsMarked(addr)
}

// ClearMarks clears every mark bit.
func (s *Space) ClearMarks() {
	for _, p := range s.pages {
		p.clearMarks()
	}
}

// Verify walks every run of allocated blocks and fails on the first header that
// does not chain to the end of its run. Buffers must have been made iterable.
func (s *Space) Verify() error {
	for _, p := range s.pages {
		if err := p.verify(); err != nil {
			return err
		}
	}
	return nil
}

// Sweep frees everything isLive rejects.
func (s *Space) Sweep(isLive func(addr uint64) bool) (SweepResult, error) {
	var total SweepResult
	for _, p := range s.pages {
		result, err := p.sweep(isLive)
		total.add(result)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Used returns the bytes handed out over all pages.
func (s *Space) Used() uint64 {
	var used uint64
	for _, p := range s.pages {
		used += p.Used()
	}
	return used
}

// Stats returns a snapshot of the counters.
func (s *Space) Stats() SpaceStats {
	stats := SpaceStats{
		Capacity:   uint64(len(s.pages)) * s.pageSize,
		Used:       s.Used(),
		Pages:      len(s.pages),
		LabAreas:   s.labAreas.Load(),
		ExactAreas: s.exactAreas.Load(),
		Failures:   s.failures.Load(),
		Origins:    make(map[string]OriginStats, concurrent.NumOrigins),
	}
	for i := range s.origins {
		stats.Origins[concurrent.Origin(i).String()] = OriginStats{
			Requests: s.origins[i].requests.Load(),
			Bytes:    s.origins[i].bytes.Load(),
		}
	}
	return stats
}
