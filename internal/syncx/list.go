package syncx

import "sync"

// List is an append-only list guarded by a mutex. When created with a
// positive bound it keeps only the most recent entries.
type List[T any] struct {
	mu   sync.Mutex
	ring *Ring[T]
	all  []T
}

// NewList returns a List. A bound of zero or less means unbounded.
func NewList[T any](bound int) *List[T] {
	l := &List[T]{}
	if bound > 0 {
		l.ring = NewRing[T](bound)
	}
	return l
}

// Append adds v to the end of the list.
func (l *List[T]) Append(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ring != nil {
		l.ring.Add(v)
		return
	}
	l.all = append(l.all, v)
}

// Snapshot returns a copy of the entries, oldest first.
func (l *List[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ring != nil {
		return l.ring.List()
	}
	out := make([]T, len(l.all))
	copy(out, l.all)
	return out
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ring != nil {
		return l.ring.Len()
	}
	return len(l.all)
}

// Clear drops every entry.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ring != nil {
		l.ring.Reset()
		return
	}
	l.all = nil
}
