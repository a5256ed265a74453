// Package ringchan provides a bounded channel that never blocks its producer.
package ringchan

import "sync/atomic"

// Ring is a buffered channel with overwrite-oldest semantics. A single producer
// pushes with Push; consumers read from C() like any other channel.
//
//	r := ringchan.New[[]byte](3)
//	for i := 0; i < 10; i++ {
//	    r.Push([]byte{byte(i)})
//	}
//	r.Close()
//	for v := range r.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
type Ring[T any] struct {
	ch     chan T
	closed atomic.Bool
	stats  counters
}

// New creates a Ring holding up to capacity elements.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Push inserts v, dropping the oldest element when full. It reports whether an
// element was dropped. Push after Close is a no-op.
func (r *Ring[T]) Push(v T) (dropped bool) {
	if r.closed.Load() {
		return false
	}
	for {
		select {
		case r.ch <- v:
			r.stats.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-r.ch:
			r.stats.dropped.Add(1)
			dropped = true
		default:
			// a consumer drained it in between
		}
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Close closes the receive side. Buffered elements stay readable. Close must be called
// from the producer side and is idempotent.
func (r *Ring[T]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.ch)
	}
}

// Stats returns the producer counters.
func (r *Ring[T]) Stats() (written, dropped int64) {
	return r.stats.written.Load(), r.stats.dropped.Load()
}

type counters struct {
	written atomic.Int64
	dropped atomic.Int64
}
