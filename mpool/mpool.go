// Package mpool keeps a bounded working set of live heap objects.
package mpool

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/logger"
)

const (
	KB = concurrent.KB

	SmallObjectSize  = 256    // Small tier holds objects up to 256B
	MediumObjectSize = 2 * KB // Medium tier holds objects up to 2KB

	SmallPoolSize  = 2000
	MediumPoolSize = 500
	LargePoolSize  = 50
)

// ErrNotPooled is returned when freeing an object the pool does not hold.
var ErrNotPooled = errors.New("object is not pooled")

// Retainer roots objects so a collection keeps them.
type Retainer interface {
	Retain(addr uint64)
	Release(addr uint64) bool
}

// PoolStats represents memory pool statistics
type PoolStats struct {
	Keeps      uint64 `json:"keeps"`
	Evictions  uint64 `json:"evictions"`
	Frees      uint64 `json:"frees"`
	FreeMisses uint64 `json:"free_misses"`
	Retained   int    `json:"retained"`
	Bytes      uint64 `json:"bytes"`
}

type tier struct {
	addrs []uint64
	sizes []uint64
	used  []bool
	count int
}

func newTier(size int) tier {
	return tier{
		addrs: make([]uint64, size),
		sizes: make([]uint64, size),
		used:  make([]bool, size),
	}
}

// MemoryPool roots up to a fixed number of objects per size tier. Keeping an
// object in a full tier evicts a random one, which becomes garbage.
type MemoryPool struct {
	small  tier
	medium tier
	large  tier
	mu     sync.Mutex
	roots  Retainer
	rand   *rand.Rand
	stats  PoolStats
}

// NewMemoryPool creates a pool rooting objects through roots.
func NewMemoryPool(roots Retainer, seed int64) *MemoryPool {
	return NewMemoryPoolWithSizes(roots, seed, SmallPoolSize, MediumPoolSize, LargePoolSize)
}

// NewMemoryPoolWithSizes creates a pool with the given tier capacities.
func NewMemoryPoolWithSizes(roots Retainer, seed int64, small, medium, large int) *MemoryPool {
	return &MemoryPool{
		small:  newTier(small),
		medium: newTier(medium),
		large:  newTier(large),
		roots:  roots,
		rand:   rand.New(rand.NewSource(seed)),
	}
}

func (p *MemoryPool) tierFor(size uint64) *tier {
	switch {
	case size <= SmallObjectSize:
		return &p.small
	case size <= MediumObjectSize:
		return &p.medium
	}
	return &p.large
}

// Keep roots the object at addr. It returns the address evicted to make room,
// if any.
func (p *MemoryPool) Keep(addr, size uint64) (evicted uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.tierFor(size)
	if len(t.addrs) == 0 {
		return 0, false
	}
	p.roots.Retain(addr)
	p.stats.Keeps++
	p.stats.Bytes += size

	slot := -1
	if t.count < len(t.addrs) {
		for i := range t.used {
			if !t.used[i] {
				slot = i
				break
			}
		}
		t.count++
	} else {
		slot = p.rand.Intn(len(t.addrs))
		evicted, ok = t.addrs[slot], true
		p.roots.Release(evicted)
		p.stats.Evictions++
		p.stats.Bytes -= t.sizes[slot]
	}

	t.addrs[slot] = addr
	t.sizes[slot] = size
	t.used[slot] = true
	return evicted, ok
}

// Free releases a pooled object.
func (p *MemoryPool) Free(addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Frees++

	t := p.tierFor(size)
	for i := range t.addrs {
		if t.used[i] && t.addrs[i] == addr {
			p.roots.Release(addr)
			t.used[i] = false
			t.count--
			p.stats.Bytes -= t.sizes[i]
			return nil
		}
	}
	p.stats.FreeMisses++
	return ErrNotPooled
}

// Stats returns a snapshot of the pool statistics.
func (p *MemoryPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Retained = p.small.count + p.medium.count + p.large.count
	return stats
}

// Close releases every pooled object.
func (p *MemoryPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range []*tier{&p.small, &p.medium, &p.large} {
		for i := range t.addrs {
			if t.used[i] {
				p.roots.Release(t.addrs[i])
				t.used[i] = false
			}
		}
		t.count = 0
	}

	logger.Info("Memory pool closed: %d keeps, %d evictions, %d frees (%d misses), %s released",
		p.stats.Keeps, p.stats.Evictions, p.stats.Frees, p.stats.FreeMisses, humanize.Bytes(p.stats.Bytes))
	p.stats.Bytes = 0
	return nil
}
