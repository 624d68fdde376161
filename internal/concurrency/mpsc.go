package concurrency

import "sync/atomic"

type node[T any] struct {
	next  atomic.Pointer[node[T]]
	value T
}

// MPSCQueue is an unbounded lock-free queue for many producers and a single
// consumer (Vyukov). Offer is safe from any goroutine; Poll and Drain must
// only be called by the consumer.
type MPSCQueue[T any] struct {
	head atomic.Pointer[node[T]]
	tail *node[T]
	size atomic.Int64
}

func NewMPSCQueue[T any]() *MPSCQueue[T] {
	stub := &node[T]{}
	q := &MPSCQueue[T]{tail: stub}
	q.head.Store(stub)
	return q
}

func (q *MPSCQueue[T]) Offer(v T) {
	n := &node[T]{value: v}
	prev := q.head.Swap(n)
	prev.next.Store(n)
	q.size.Add(1)
}

// Poll removes the oldest value. It reports false when the queue is empty or
// a producer is between its swap and link.
func (q *MPSCQueue[T]) Poll() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	v := next.value
	next.value = zero
	q.tail = next
	q.size.Add(-1)
	return v, true
}

// Drain hands every currently visible value to fn and returns the count.
func (q *MPSCQueue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.Poll()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Len is approximate while producers are active.
func (q *MPSCQueue[T]) Len() int {
	return int(q.size.Load())
}
