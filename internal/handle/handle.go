// Package handle maps opaque integer handles to Go objects for engine
// providers.
package handle

import "sync"

// Table maps handles to values. Handles start at 1 and are never reused,
// so a stale handle never resolves to a newer object. The zero value is
// ready to use.
type Table[T any] struct {
	mu    sync.Mutex
	next  uintptr
	items map[uintptr]T
}

// Add stores v and returns its handle.
func (t *Table[T]) Add(v T) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		t.items = make(map[uintptr]T)
	}
	t.next++
	t.items[t.next] = v
	return t.next
}

func (t *Table[T]) Get(h uintptr) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	return v, ok
}

// Remove deletes h and returns the value it held.
func (t *Table[T]) Remove(h uintptr) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	return v, ok
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
