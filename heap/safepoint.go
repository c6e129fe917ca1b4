package heap

import "sync"

type threadState int

const (
	threadRunning threadState = iota
	threadParked
	threadAtSafepoint
)

func (s threadState) String() string {
	switch s {
	case threadRunning:
		return "running"
	case threadParked:
		return "parked"
	case threadAtSafepoint:
		return "safepoint"
	}
	return "unknown"
}

// Safepoint tracks the local heaps of a Heap and stops them for the
// collector. A local heap counts as stopped when it is parked or waiting at
// a safepoint; parked heaps cannot unpark while the world is stopped.
type Safepoint struct {
	mutex     sync.Mutex
	cond      *sync.Cond
	heaps     []*LocalHeap
	requested bool
	stops     uint64
}

func newSafepoint() *Safepoint {
	s := &Safepoint{}
	s.cond = sync.NewCond(&s.mutex)
	return s
}

func (s *Safepoint) add(lh *LocalHeap) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for s.requested {
		s.cond.Wait()
	}
	lh.state = threadRunning
	s.heaps = append(s.heaps, lh)
}

func (s *Safepoint) remove(lh *LocalHeap) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, other := range s.heaps {
		if other == lh {
			s.heaps = append(s.heaps[:i], s.heaps[i+1:]...)
			break
		}
	}
	s.cond.Broadcast()
}

// park returns false when lh was not running.
func (s *Safepoint) park(lh *LocalHeap) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if lh.state != threadRunning {
		return false
	}
	lh.state = threadParked
	s.cond.Broadcast()
	return true
}

func (s *Safepoint) unpark(lh *LocalHeap) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for s.requested {
		s.cond.Wait()
	}
	lh.state = threadRunning
}

// safepoint blocks lh while a stop is requested.
func (s *Safepoint) safepoint(lh *LocalHeap) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.requested {
		return
	}
	lh.state = threadAtSafepoint
	s.cond.Broadcast()
	for s.requested {
		s.cond.Wait()
	}
	lh.state = threadRunning
}

func (s *Safepoint) isParked(lh *LocalHeap) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return lh.state == threadParked
}

func (s *Safepoint) allStoppedLocked() bool {
	for _, lh := range s.heaps {
		if lh.state == threadRunning {
			return false
		}
	}
	return true
}

// StopTheWorld waits until every local heap is stopped and returns them.
// It must not be called from a running local heap.
func (s *Safepoint) StopTheWorld() []*LocalHeap {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for s.requested {
		s.cond.Wait()
	}
	s.requested = true
	for !s.allStoppedLocked() {
		s.cond.Wait()
	}
	heaps := make([]*LocalHeap, len(s.heaps))
	copy(heaps, s.heaps)
	return heaps
}

// ResumeWorld releases the local heaps stopped by StopTheWorld.
func (s *Safepoint) ResumeWorld() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requested = false
	s.stops++
	s.cond.Broadcast()
}

// IsStopRequested reports whether a stop is pending or in progress.
func (s *Safepoint) IsStopRequested() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.requested
}

// Stops returns how many times the world was stopped.
func (s *Safepoint) Stops() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stops
}

func (s *Safepoint) snapshot() []*LocalHeap {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	heaps := make([]*LocalHeap, len(s.heaps))
	copy(heaps, s.heaps)
	return heaps
}
