package rendezvous

import "fmt"

// Handle names a live context: generation<<32 | index. The zero Handle is never issued.
type Handle uint64

func newHandle(gen, index uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index(), h.generation())
}

type arenaEntry[T any] struct {
	gen  uint32
	live bool
	val  T
}

// arena stores contexts addressed by generation-checked handles. Resolving a handle
// whose entry has since been released reports ErrStaleHandle instead of returning
// the entry's new occupant.
type arena[T any] struct {
	entries   []arenaEntry[T]
	free      []uint32
	live      int
	allocated uint64
	released  uint64
}

func (a *arena[T]) alloc(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.entries))
		a.entries = append(a.entries, arenaEntry[T]{gen: 1})
	}
	e := &a.entries[idx]
	e.live = true
	e.val = v
	a.live++
	a.allocated++
	return newHandle(e.gen, idx)
}

func (a *arena[T]) get(h Handle) (*T, error) {
	idx := h.index()
	if int(idx) >= len(a.entries) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	e := &a.entries[idx]
	if !e.live || e.gen != h.generation() {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return &e.val, nil
}

func (a *arena[T]) release(h Handle) (T, error) {
	var zero T
	if _, err := a.get(h); err != nil {
		return zero, err
	}
	idx := h.index()
	e := &a.entries[idx]
	v := e.val
	e.val = zero
	e.live = false
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	a.free = append(a.free, idx)
	a.live--
	a.released++
	return v, nil
}

func (a *arena[T]) len() int { return a.live }
