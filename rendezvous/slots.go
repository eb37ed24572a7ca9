package rendezvous

import "fmt"

const (
	// DefaultSlotBits sizes the slot table at 1024 entries.
	DefaultSlotBits = 10
	// MaxSlotBits keeps every key well inside the 32-bit immediate tag.
	MaxSlotBits = 16
)

type slotEntry[T any] struct {
	inUse bool
	val   T
}

// SlotTable assigns small integer keys to values so a reference can ride in an
// immediate tag. Capacity is fixed at construction. A key is valid from Put until
// Remove and is only handed out again after it has been removed.
//
// A SlotTable is not safe for concurrent use.
type SlotTable[T any] struct {
	entries []slotEntry[T]
	free    []uint32
	used    int
	high    int
}

// NewSlotTable returns a table holding 1<<bits entries. A bits value of zero selects
// DefaultSlotBits.
func NewSlotTable[T any](bits int) (*SlotTable[T], error) {
	if bits == 0 {
		bits = DefaultSlotBits
	}
	if bits < 0 || bits > MaxSlotBits {
		return nil, fmt.Errorf("rendezvous: slot table bits %d outside [1,%d]", bits, MaxSlotBits)
	}
	capacity := 1 << bits
	t := &SlotTable[T]{
		entries: make([]slotEntry[T], capacity),
		free:    make([]uint32, capacity),
	}
	for i := range t.free {
		t.free[i] = uint32(capacity - 1 - i)
	}
	return t, nil
}

// Put stores v and returns its key.
func (t *SlotTable[T]) Put(v T) (uint32, error) {
	n := len(t.free)
	if n == 0 {
		return 0, fmt.Errorf("%w: %d entries", ErrSlotTableFull, len(t.entries))
	}
	key := t.free[n-1]
	t.free = t.free[:n-1]
	t.entries[key] = slotEntry[T]{inUse: true, val: v}
	t.used++
	if t.used > t.high {
		t.high = t.used
	}
	return key, nil
}

// Get returns the value stored under key.
func (t *SlotTable[T]) Get(key uint32) (T, error) {
	var zero T
	if int(key) >= len(t.entries) || !t.entries[key].inUse {
		return zero, fmt.Errorf("%w: key %d", ErrSlotNotInUse, key)
	}
	return t.entries[key].val, nil
}

// Remove frees key and returns the value it held.
func (t *SlotTable[T]) Remove(key uint32) (T, error) {
	v, err := t.Get(key)
	if err != nil {
		return v, err
	}
	t.entries[key] = slotEntry[T]{}
	t.free = append(t.free, key)
	t.used--
	return v, nil
}

// Len returns the number of keys in use.
func (t *SlotTable[T]) Len() int { return t.used }

// Cap returns the fixed capacity.
func (t *SlotTable[T]) Cap() int { return len(t.entries) }

// HighWater returns the largest Len observed.
func (t *SlotTable[T]) HighWater() int { return t.high }
