package ring

// Ring is a fixed-capacity FIFO buffer. Pushing onto a full Ring drops the
// oldest element. Ring is not safe for concurrent use; callers guard it with
// their own lock.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

// New returns an empty Ring holding at most capacity elements.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v as the newest element. When the ring is full the oldest
// element is removed and returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.size == len(r.buf) {
		old = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return old, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return old, false
}

// Insert places v at position i, counting from the oldest (0), and shifts
// the elements at i and after one place toward the newest end. When the
// ring is full the oldest element is removed first; if v itself would be
// the oldest it is not stored and is returned with evicted=true. It panics
// if i is outside [0, Len()].
func (r *Ring[T]) Insert(i int, v T) (old T, evicted bool) {
	if i < 0 || i > r.size {
		panic("ring: index out of range")
	}
	n := len(r.buf)
	if r.size == n {
		if i == 0 {
			return v, true
		}
		old, evicted = r.buf[r.head], true
		r.head = (r.head + 1) % n
		r.size--
		i--
	}
	for j := r.size; j > i; j-- {
		r.buf[(r.head+j)%n] = r.buf[(r.head+j-1)%n]
	}
	r.buf[(r.head+i)%n] = v
	r.size++
	return old, evicted
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the maximum number of elements.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// At returns the i-th element counting from the oldest (0) to the newest
// (Len()-1). It panics if i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("ring: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Newest returns the most recently pushed element.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice copies the contents into a new slice ordered oldest to newest.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.At(i)
	}
	return out
}

// Reset removes all elements and releases references held by the buffer.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}
