// Package ringbuf provides a fixed-capacity deque. Pushing into a full
// deque evicts the oldest element; nothing ever blocks or grows.
package ringbuf

// Deque is a fixed-capacity FIFO backed by a ring. It is not safe for
// concurrent use.
type Deque[T any] struct {
	buf  []T
	head int
	n    int
}

// New returns an empty deque holding at most capacity elements.
func New[T any](capacity int) *Deque[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Deque[T]{buf: make([]T, capacity)}
}

// Len returns the number of elements.
func (d *Deque[T]) Len() int { return d.n }

// Push appends v at the back. When the deque is full the front (oldest)
// element is evicted and returned with evicted=true.
func (d *Deque[T]) Push(v T) (old T, evicted bool) {
	if d.n == len(d.buf) {
		old = d.buf[d.head]
		d.buf[d.head] = v
		d.head = (d.head + 1) % len(d.buf)

		return old, true
	}

	d.buf[(d.head+d.n)%len(d.buf)] = v
	d.n++

	return old, false
}

// Pop removes and returns the front (oldest) element.
func (d *Deque[T]) Pop() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}

	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.n--

	return v, true
}

// At returns the i-th element counting from the front.
func (d *Deque[T]) At(i int) T {
	if i < 0 || i >= d.n {
		panic("ringbuf: index out of range")
	}

	return d.buf[(d.head+i)%len(d.buf)]
}

// Set replaces the i-th element counting from the front.
func (d *Deque[T]) Set(i int, v T) {
	if i < 0 || i >= d.n {
		panic("ringbuf: index out of range")
	}

	d.buf[(d.head+i)%len(d.buf)] = v
}

// IndexFunc returns the position of the first element matching fn, or -1.
func (d *Deque[T]) IndexFunc(fn func(T) bool) int {
	for i := 0; i < d.n; i++ {
		if fn(d.buf[(d.head+i)%len(d.buf)]) {
			return i
		}
	}

	return -1
}

// RemoveFunc drops every element matching fn, keeping the order of the
// rest. It returns the number removed.
func (d *Deque[T]) RemoveFunc(fn func(T) bool) int {
	kept := 0

	for i := 0; i < d.n; i++ {
		v := d.buf[(d.head+i)%len(d.buf)]
		if fn(v) {
			continue
		}

		d.buf[(d.head+kept)%len(d.buf)] = v
		kept++
	}

	var zero T
	for i := kept; i < d.n; i++ {
		d.buf[(d.head+i)%len(d.buf)] = zero
	}

	removed := d.n - kept
	d.n = kept

	return removed
}

// Clear drops every element.
func (d *Deque[T]) Clear() {
	clear(d.buf)
	d.head = 0
	d.n = 0
}

// Items returns a copy of the elements, oldest first.
func (d *Deque[T]) Items() []T {
	out := make([]T, d.n)
	for i := range out {
		out[i] = d.buf[(d.head+i)%len(d.buf)]
	}

	return out
}
