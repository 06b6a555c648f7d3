// Package queue implements a generic FIFO queue used to keep strict
// ordering on per-channel mailboxes (synchronous reply waiters, pending
// basic.get responses) where a Go map would not guarantee delivery order.
package queue

import "container/ring"

// Queue is a segmented FIFO queue of T.
type Queue[T any] struct {
	head *ring.Ring
	tail *ring.Ring
	size int
}

// New creates a new Queue. size is the capacity of each internal segment;
// the queue grows by linking additional segments as needed.
func New[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	r := &ring.Ring{
		Value: &segment[T]{
			items: make([]*T, size),
		},
	}
	return &Queue[T]{
		head: r,
		tail: r,
	}
}

// Enqueue adds item to the back of the queue.
func (q *Queue[T]) Enqueue(item T) {
	for {
		r := q.tail
		seg := r.Value.(*segment[T])

		if seg.tail < len(seg.items) {
			seg.items[seg.tail] = &item
			seg.tail++
			q.size++
			return
		}

		if next := r.Next(); next != q.head {
			q.tail = next
			continue
		}

		r.Link(&ring.Ring{
			Value: &segment[T]{
				items: make([]*T, len(seg.items)),
			},
		})

		q.tail = r.Next()
	}
}

// Dequeue removes and returns the item at the front of the queue, or nil
// if the queue is empty.
func (q *Queue[T]) Dequeue() *T {
	r := q.head
	seg := r.Value.(*segment[T])

	if seg.tail == 0 {
		return nil
	}

	item := seg.items[seg.head]
	seg.items[seg.head] = nil
	seg.head++
	q.size--

	if seg.head == seg.tail {
		seg.head, seg.tail = 0, 0

		if r != q.tail {
			q.head = r.Next()
		}
	}

	return item
}

// Len returns the number of items currently enqueued.
func (q *Queue[T]) Len() int {
	return q.size
}

type segment[T any] struct {
	items []*T
	head  int
	tail  int
}
