// Package buffer provides the fixed-capacity rolling window a camera worker
// keeps so a clip can be cut the moment a detection fires.
package buffer

import "sync"

// Ring is a fixed-capacity ring buffer. Append overwrites the oldest entry
// once full. Snapshot and Last return clones so the caller can keep using the
// data while the owner keeps appending; the clone function is supplied at
// construction (nil means values are copied as-is).
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	size  int
	clone func(T) T
}

func NewRing[T any](capacity int, clone func(T) T) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		clone: clone,
	}
}

func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered entries oldest first. The result is
// independent of the ring: entries are cloned while the lock is held.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		v := r.buf[(start+i)%len(r.buf)]
		if r.clone != nil {
			v = r.clone(v)
		}
		out = append(out, v)
	}
	return out
}

// Tail returns up to n newest entries, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	snap := r.Snapshot()
	if n >= len(snap) {
		return snap
	}
	return snap[len(snap)-n:]
}

// Last returns the newest entry, cloned, or false when empty.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	v := r.buf[idx]
	if r.clone != nil {
		v = r.clone(v)
	}
	return v, true
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
