package concurrent

// LinearAllocationBuffer is a thread-owned range [top, limit) with a bump cursor.
// Only its owner touches it until it is closed.
type LinearAllocationBuffer struct {
	top    uint64
	limit  uint64
	filler Filler
}

// NewLinearAllocationBuffer creates an empty buffer writing fillers through filler.
func NewLinearAllocationBuffer(filler Filler) LinearAllocationBuffer {
	return LinearAllocationBuffer{filler: filler}
}

// FromArea creates a buffer covering area.
func FromArea(filler Filler, area LinearArea) LinearAllocationBuffer {
	return LinearAllocationBuffer{top: area.Start, limit: area.End(), filler: filler}
}

// Top returns the next free address.
func (l *LinearAllocationBuffer) Top() uint64 { return l.top }

// Limit returns the end of the owned range.
func (l *LinearAllocationBuffer) Limit() uint64 { return l.limit }

// IsValid reports whether the buffer holds a range.
func (l *LinearAllocationBuffer) IsValid() bool { return l.top != NullAddress }

// Available returns the number of unused bytes.
func (l *LinearAllocationBuffer) Available() uint64 {
	l.check()
	return l.limit - l.top
}

func (l *LinearAllocationBuffer) check() {
	if l.top > l.limit {
		panic(ErrCorruptedBuffer)
	}
}

// TryAllocate bumps top past any alignment padding and the object. It never
// blocks and never contacts the space.
func (l *LinearAllocationBuffer) TryAllocate(size uint64, alignment Alignment) Result {
	l.check()
	if !l.IsValid() {
		return Retry()
	}

	fill := FillToAlign(l.top, alignment)
	if size+fill > l.limit-l.top {
		return Retry()
	}

	if fill > 0 {
		l.filler.CreateFiller(l.top, fill)
	}
	addr := l.top + fill
	l.top = addr + size
	return Success(addr)
}

// MakeIterable covers the unused tail with a filler but keeps the range, so
// bumping resumes afterwards over the filler.
func (l *LinearAllocationBuffer) MakeIterable() {
	l.check()
	if l.IsValid() && l.top < l.limit {
		l.filler.CreateFiller(l.top, l.limit-l.top)
	}
}

// Close makes the tail iterable and gives up the range.
func (l *LinearAllocationBuffer) Close() {
	l.MakeIterable()
	l.top, l.limit = NullAddress, NullAddress
}

// TryMerge extends the buffer with candidate when the two are byte-adjacent.
// No filler is written. On false neither the buffer nor candidate is touched.
func (l *LinearAllocationBuffer) TryMerge(candidate LinearArea) bool {
	l.check()
	if !l.IsValid() || candidate.Start == NullAddress || candidate.Size == 0 {
		return false
	}

	switch {
	case l.limit == candidate.Start:
		l.limit = candidate.End()
	case candidate.End() == l.top:
		l.top = candidate.Start
	default:
		return false
	}
	return true
}
