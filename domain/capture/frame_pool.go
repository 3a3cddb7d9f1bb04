package capture

// SlotPool is a fixed set of reusable producer buffers (SHM segments, DIB
// sections, plain byte slices). Producers take a slot before grabbing a
// frame and the frame's Recycle puts it back once the last reference is
// released.
//
// The pool never grows. When every slot is held, either in the hand-off or
// by a consumer that retained frames, TryAcquire fails and the producer
// skips that frame. This is what bounds memory when a consumer keeps frames
// around for asynchronous work: capture degrades to a lower frame rate
// instead of allocating more buffers.
type SlotPool[T any] struct {
	free chan T
}

// NewSlotPool returns a pool holding the given slots.
func NewSlotPool[T any](slots []T) *SlotPool[T] {
	p := &SlotPool[T]{free: make(chan T, len(slots))}
	for _, s := range slots {
		p.free <- s
	}
	return p
}

// TryAcquire returns a free slot without blocking.
func (p *SlotPool[T]) TryAcquire() (T, bool) {
	select {
	case s := <-p.free:
		return s, true
	default:
		var zero T
		return zero, false
	}
}

// Put returns a slot. Putting more slots than the pool was built with panics.
func (p *SlotPool[T]) Put(s T) {
	select {
	case p.free <- s:
	default:
		panic("capture: slot pool overflow")
	}
}

// Available reports the number of free slots.
func (p *SlotPool[T]) Available() int { return len(p.free) }

// Cap reports the total number of slots.
func (p *SlotPool[T]) Cap() int { return cap(p.free) }
