// Package fifo contains an allocation efficient FIFO queue.
package fifo

// Queue is a FIFO queue backed by a ring buffer that doubles when full. It is
// not safe for concurrent access.
//
// Pointers returned by PushBack and PeekFront refer to the internal
// storage and must not be used once the element is popped or the queue
// grows.
type Queue[T any] struct {
	buf       []T
	head, len int
}

// MakeQueue constructs a new Queue with room for capacity elements before
// the first reallocation.
func MakeQueue[T any](capacity int) Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return Queue[T]{buf: make([]T, capacity)}
}

// Len returns the current length of the queue.
func (q *Queue[T]) Len() int {
	return q.len
}

// PushBack adds t to the end of the queue.
func (q *Queue[T]) PushBack(t T) *T {
	if q.len == len(q.buf) {
		q.grow()
	}
	i := (q.head + q.len) % len(q.buf)
	q.buf[i] = t
	q.len++
	return &q.buf[i]
}

// PeekFront returns the current head of the queue, or nil if the queue is
// empty.
func (q *Queue[T]) PeekFront() *T {
	if q.len == 0 {
		return nil
	}
	return &q.buf[q.head]
}

// PopFront removes and returns the current head of the queue.
//
// It is illegal to call PopFront on an empty queue.
func (q *Queue[T]) PopFront() T {
	if q.len == 0 {
		panic("fifo: PopFront on empty queue")
	}
	var zero T
	t := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.len--
	return t
}

// Reset empties the queue, keeping its storage.
func (q *Queue[T]) Reset() {
	var zero T
	for i := 0; i < q.len; i++ {
		q.buf[(q.head+i)%len(q.buf)] = zero
	}
	q.head, q.len = 0, 0
}

func (q *Queue[T]) grow() {
	n := 2 * len(q.buf)
	if n == 0 {
		n = 8
	}
	buf := make([]T, n)
	for i := 0; i < q.len; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf, q.head = buf, 0
}
