package heap

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/shenjiangwei/concAllocator/concurrent"
)

// Page is a fixed size region of the heap managed as a buddy system of
// BlockSize granules. The first granule holds a pinned filler, so ranges
// handed out by different pages are never adjacent.
type Page struct {
	index     int
	start     uint64
	size      uint64
	blockSize uint64
	maxOrder  int

	mutex     sync.RWMutex
	memory    []byte
	blocks    [][]uint64     // free block offsets per order
	allocated map[uint64]int // offset -> order
	used      uint64

	markMutex sync.RWMutex
	marks     []uint64 // one bit per word
}

func newPage(index int, start, size, blockSize uint64) *Page {
	maxOrder := bits.Len64(size/blockSize) - 1
	p := &Page{
		index:     index,
		start:     start,
		size:      size,
		blockSize: blockSize,
		maxOrder:  maxOrder,
		memory:    make([]byte, size),
		blocks:    make([][]uint64, maxOrder+1),
		allocated: make(map[uint64]int),
		marks:     make([]uint64, (size/concurrent.WordSize+63)/64),
	}
	p.blocks[maxOrder] = append(p.blocks[maxOrder], 0)

	// Pin the header granule.
	offset, ok := p.allocateLocked(0)
	if !ok || offset != 0 {
		panic(fmt.Sprintf("page %d: header granule at offset %d", index, offset))
	}
	putHeader(p.memory, 0, blockSize, tagFiller)
	return p
}

// Index returns the position of the page in its space.
func (p *Page) Index() int { return p.index }

// Start returns the first address of the page.
func (p *Page) Start() uint64 { return p.start }

// End returns the address past the page.
func (p *Page) End() uint64 { return p.start + p.size }

// Contains reports whether addr lies in the page.
func (p *Page) Contains(addr uint64) bool {
	return addr >= p.start && addr < p.End()
}

// Used returns the bytes handed out, the header granule included.
func (p *Page) Used() uint64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.used
}

// orderFor returns the smallest order whose blocks hold size bytes.
func (p *Page) orderFor(size uint64) int {
	n := (size + p.blockSize - 1) / p.blockSize
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// orderWithin returns the largest order whose blocks fit in size bytes.
func (p *Page) orderWithin(size uint64) int {
	n := size / p.blockSize
	if n == 0 {
		return -1
	}
	order := bits.Len64(n) - 1
	if order > p.maxOrder {
		order = p.maxOrder
	}
	return order
}

func (p *Page) blockBytes(order int) uint64 {
	return p.blockSize << uint(order)
}

// allocateLocked takes a block of the given order, splitting a larger one
// when needed.
func (p *Page) allocateLocked(order int) (uint64, bool) {
	for i := order; i <= p.maxOrder; i++ {
		if len(p.blocks[i]) == 0 {
			continue
		}
		offset := p.blocks[i][0]
		p.blocks[i] = p.blocks[i][1:]

		if _, exists := p.allocated[offset]; exists {
			panic(fmt.Sprintf("page %d: offset %#x is already allocated", p.index, offset))
		}

		// Keep the lower half, free the upper one.
		for j := i - 1; j >= order; j-- {
			p.blocks[j] = append(p.blocks[j], offset+p.blockBytes(j))
		}

		p.allocated[offset] = order
		p.used += p.blockBytes(order)
		return offset, true
	}
	return 0, false
}

// freeLocked returns the block at offset and merges it with its buddies.
func (p *Page) freeLocked(offset uint64) {
	order, exists := p.allocated[offset]
	if !exists {
		panic(fmt.Sprintf("page %d: offset %#x is not allocated", p.index, offset))
	}
	delete(p.allocated, offset)
	p.used -= p.blockBytes(order)
	p.mergeBlockLocked(offset, order)
}

func (p *Page) mergeBlockLocked(offset uint64, order int) {
	for order < p.maxOrder {
		buddy := offset ^ p.blockBytes(order)
		index := -1
		for i, candidate := range p.blocks[order] {
			if candidate == buddy {
				index = i
				break
			}
		}
		if index == -1 {
			break
		}

		p.blocks[order] = append(p.blocks[order][:index], p.blocks[order][index+1:]...)
		if buddy < offset {
			offset = buddy
		}
		order++
	}
	p.blocks[order] = append(p.blocks[order], offset)
}

func (p *Page) offset(addr uint64) uint64 {
	if !p.Contains(addr) {
		panic(fmt.Errorf("%w: %#x outside page %d", ErrInvalidAddress, addr, p.index))
	}
	return addr - p.start
}

// writeHeader stamps a header at addr. The caller owns [addr, addr+size).
func (p *Page) writeHeader(addr, size uint64, tag byte) {
	putHeader(p.memory, p.offset(addr), size, tag)
}

// CreateBlackArea marks every word of [top, limit) so objects allocated in
// it survive the current marking cycle.
func (p *Page) CreateBlackArea(top, limit uint64) {
	p.setMarks(top, limit, true)
}

// DestroyBlackArea clears the marks set by CreateBlackArea.
func (p *Page) DestroyBlackArea(top, limit uint64) {
	p.setMarks(top, limit, false)
}

func (p *Page) setMarks(from, to uint64, value bool) {
	if from == to {
		return
	}
	first := p.offset(from) / concurrent.WordSize
	last := (p.offset(to-1) + 1) / concurrent.WordSize

	p.markMutex.Lock()
	defer p.markMutex.Unlock()
	for word := first; word < last; word++ {
		if value {
			p.marks[word/64] |= 1 << (word % 64)
		} else {
			p.marks[word/64] &^= 1 << (word % 64)
		}
	}
}

func (p *Page) markObject(addr uint64) {
	word := p.offset(addr) / concurrent.WordSize
	p.markMutex.Lock()
	p.marks[word/64] |= 1 << (word % 64)
	p.markMutex.Unlock()
}

// IsMarked reports whether the word at addr is marked.
func (p *Page) IsMarked(addr uint64) bool {
	word := p.offset(addr) / concurrent.WordSize
	p.markMutex.RLock()
	defer p.markMutex.RUnlock()
	return p.marks[word/64]&(1<<(word%64)) != 0
}

func (p *Page) clearMarks() {
	p.markMutex.Lock()
	defer p.markMutex.Unlock()
	for i := range p.marks {
		p.marks[i] = 0
	}
}

// sortedBlocksLocked returns the allocated offsets in address order.
func (p *Page) sortedBlocksLocked() []uint64 {
	offsets := make([]uint64, 0, len(p.allocated))
	for offset := range p.allocated {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

// run is a range of address-adjacent allocated blocks. A merged buffer
// spans several blocks, so objects may cross block boundaries inside a run.
type run struct {
	start, end uint64
	blocks     []uint64
	sizes      []uint64
}

func (p *Page) runsLocked() []run {
	var runs []run
	for _, offset := range p.sortedBlocksLocked() {
		size := p.blockBytes(p.allocated[offset])
		if n := len(runs); n > 0 && runs[n-1].end == offset {
			r := &runs[n-1]
			r.end += size
			r.blocks = append(r.blocks, offset)
			r.sizes = append(r.sizes, size)
			continue
		}
		runs = append(runs, run{start: offset, end: offset + size, blocks: []uint64{offset}, sizes: []uint64{size}})
	}
	return runs
}

// walkLocked visits every header in [start, end).
func (p *Page) walkLocked(start, end uint64, visit func(pos, size uint64, tag byte)) error {
	for pos := start; pos < end; {
		size, tag := readHeader(p.memory, pos)
		if tag != tagObject && tag != tagFiller {
			return fmt.Errorf("%w: bad tag %#x at %#x", ErrNotIterable, tag, p.start+pos)
		}
		if size < headerSize || size%concurrent.WordSize != 0 || pos+size > end {
			return fmt.Errorf("%w: bad size %d at %#x", ErrNotIterable, size, p.start+pos)
		}
		if visit != nil {
			visit(pos, size, tag)
		}
		pos += size
	}
	return nil
}

// verify walks every run of allocated blocks.
func (p *Page) verify() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	for _, r := range p.runsLocked() {
		if err := p.walkLocked(r.start, r.end, nil); err != nil {
			return err
		}
	}
	return nil
}

// sweep turns dead objects into fillers and frees blocks left without a live
// object. A block boundary is only a place to cut when a header starts on it,
// so blocks are freed in segments between such boundaries. The header granule
// is never freed.
func (p *Page) sweep(isLive func(addr uint64) bool) (result SweepResult, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, r := range p.runsLocked() {
		headers := make(map[uint64]bool)
		var live []uint64
		err = p.walkLocked(r.start, r.end, func(pos, size uint64, tag byte) {
			headers[pos] = true
			if tag != tagObject {
				return
			}
			if isLive(p.start + pos) {
				live = append(live, pos)
				result.LiveObjects++
				result.LiveBytes += size
				return
			}
			putHeader(p.memory, pos, size, tagFiller)
			result.DeadObjects++
		})
		if err != nil {
			return result, err
		}

		var segment []int
		segmentLive := false
		flush := func() {
			if !segmentLive && r.blocks[segment[0]] != 0 {
				for _, i := range segment {
					p.freeLocked(r.blocks[i])
					result.FreedBlocks++
					result.FreedBytes += r.sizes[i]
				}
			}
			segment = segment[:0]
			segmentLive = false
		}
		next := 0
		for i, offset := range r.blocks {
			if i > 0 && headers[offset] {
				flush()
			}
			segment = append(segment, i)
			for next < len(live) && live[next] < offset+r.sizes[i] {
				segmentLive = true
				next++
			}
		}
		flush()
	}
	return result, nil
}
