// Package handle implements generational handle tables.
//
// A Handle packs a slot index and the generation of that slot. Removing a
// value bumps the slot generation, so a handle kept after removal no longer
// matches even when the slot has been reused by a newer value.
package handle

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalid is returned for the zero handle or an out-of-range index.
	ErrInvalid = errors.New("handle: invalid handle")

	// ErrStale is returned when the slot was freed (and maybe reused)
	// after the handle was issued.
	ErrStale = errors.New("handle: stale handle")
)

// Handle identifies a table slot. The zero Handle is never issued.
//
// Layout: low 32 bits hold index+1, high 32 bits hold the generation.
type Handle uint64

// Invalid is the zero handle.
const Invalid Handle = 0

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

// Index returns the slot index, or -1 for the zero handle.
func (h Handle) Index() int {
	return int(uint32(h)) - 1
}

// Generation returns the slot generation encoded in the handle.
func (h Handle) Generation() uint32 {
	return uint32(h >> 32)
}

// String returns a compact "index:generation" form.
func (h Handle) String() string {
	if h == Invalid {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d", h.Index(), h.Generation())
}

type slot[T any] struct {
	value    T
	gen      uint32
	occupied bool
}

// Table is a slot arena addressed by generational handles.
//
// Table is safe for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its handle. Freed slots are reused first.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		//nolint:gosec // G115: slot count stays far below 2^32
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}

	s := &t.slots[idx]
	s.value = v
	s.occupied = true
	t.count++
	return makeHandle(idx, s.gen)
}

// lookupLocked resolves h to its slot. Caller must hold mu.
func (t *Table[T]) lookupLocked(h Handle) (*slot[T], error) {
	idx := h.Index()
	if h == Invalid || idx < 0 || idx >= len(t.slots) {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, h)
	}
	s := &t.slots[idx]
	if !s.occupied || s.gen != h.Generation() {
		return nil, fmt.Errorf("%w: %s", ErrStale, h)
	}
	return s, nil
}

// Get returns the value stored under h.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, err := t.lookupLocked(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Remove deletes the value stored under h and returns it.
// The slot generation is bumped so h becomes stale.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, err := t.lookupLocked(h)
	if err != nil {
		return zero, err
	}

	v := s.value
	s.value = zero
	s.occupied = false
	s.gen++
	t.free = append(t.free, uint32(h.Index())) //nolint:gosec // G115: index came from a valid slot
	t.count--
	return v, nil
}

// Len returns the number of live values.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Range calls fn for every live value until fn returns false.
// fn must not call back into the table.
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.slots {
		s := &t.slots[i]
		if !s.occupied {
			continue
		}
		//nolint:gosec // G115: slot count stays far below 2^32
		if !fn(makeHandle(uint32(i), s.gen), s.value) {
			return
		}
	}
}

// Drain removes every value and returns them. All outstanding handles
// become stale.
func (t *Table[T]) Drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	out := make([]T, 0, t.count)
	for i := range t.slots {
		s := &t.slots[i]
		if !s.occupied {
			continue
		}
		out = append(out, s.value)
		s.value = zero
		s.occupied = false
		s.gen++
		t.free = append(t.free, uint32(i)) //nolint:gosec // G115: see Insert
	}
	t.count = 0
	return out
}
