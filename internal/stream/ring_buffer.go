package stream

// ringBuffer is a fixed-capacity circular buffer holding the values a Signal
// replays to late subscribers. A zero capacity keeps nothing.
// Callers serialize access.
type ringBuffer[T any] struct {
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &ringBuffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer[T]) write(v T) {
	if rb.capacity == 0 {
		return
	}
	rb.buf[rb.pos] = v
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// readAll returns the buffered values oldest first.
func (rb *ringBuffer[T]) readAll() []T {
	if !rb.full {
		result := make([]T, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]T, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

func (rb *ringBuffer[T]) last() (T, bool) {
	var zero T
	if rb.capacity == 0 || (!rb.full && rb.pos == 0) {
		return zero, false
	}
	idx := rb.pos - 1
	if idx < 0 {
		idx = rb.capacity - 1
	}
	return rb.buf[idx], true
}
