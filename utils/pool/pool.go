package pool

import "sync"

// SlicePool is a bounded LIFO free list.
type SlicePool[T any] struct {
	mu  sync.Mutex
	s   []T
	max int
}

// NewSlicePool returns a pool that retains at most max released values;
// max <= 0 means unbounded.
func NewSlicePool[T any](max int) *SlicePool[T] {
	return &SlicePool[T]{max: max}
}

func (p *SlicePool[T]) Acquire() (v T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := len(p.s)
	if l == 0 {
		return v, false
	}

	v = p.s[l-1]
	p.s = p.s[:l-1]
	return v, true
}

// Release returns v to the pool; the value is dropped when the pool is at
// capacity.
func (p *SlicePool[T]) Release(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && len(p.s) >= p.max {
		return false
	}
	p.s = append(p.s, v)
	return true
}

func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}
