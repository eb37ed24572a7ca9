package rendezvous

import (
	"fmt"

	"github.com/rocketbitz/rdvbench/fabric"
)

const (
	DefaultRecvLowWater  = 8
	DefaultRecvHighWater = 8
)

type recvSlotState uint8

const (
	recvSlotFree recvSlotState = iota
	recvSlotPosted
	recvSlotHeld
)

// receivePoster is the part of fabric.Transport the pool needs.
type receivePoster interface {
	PostRecv(req *fabric.RecvRequest) error
}

// ReceivePool keeps control receive buffers posted to the shared receive queue.
// Each buffer is one ControlSlotSize slot of a registered region and its slot index
// doubles as the receive correlator. A slot cycles free -> posted -> held -> free:
// Consume marks a completed receive held, Release returns it once the message has
// been decoded, and Maintain tops the queue back up.
type ReceivePool struct {
	tr     receivePoster
	region *fabric.MemoryRegion
	base   int
	low    int
	high   int
	state  []recvSlotState
	free   chan uint32
	posted int
}

// NewReceivePool carves high slots out of region starting at byte offset base.
func NewReceivePool(tr receivePoster, region *fabric.MemoryRegion, base, low, high int) (*ReceivePool, error) {
	if tr == nil || region == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "receive pool"}
	}
	if high <= 0 || low < 0 || low > high {
		return nil, fmt.Errorf("rendezvous: invalid receive water marks low=%d high=%d", low, high)
	}
	if base < 0 || base+high*ControlSlotSize > region.Size() {
		return nil, fmt.Errorf("rendezvous: %d receive slots at offset %d exceed region size %d", high, base, region.Size())
	}
	p := &ReceivePool{
		tr:     tr,
		region: region,
		base:   base,
		low:    low,
		high:   high,
		state:  make([]recvSlotState, high),
		free:   make(chan uint32, high),
	}
	for i := 0; i < high; i++ {
		p.free <- uint32(i)
	}
	return p, nil
}

// Maintain posts free slots until high are outstanding, but only once the posted
// count has dropped below the low-water mark. It returns the number posted.
func (p *ReceivePool) Maintain() (int, error) {
	if p.posted >= p.low && p.posted > 0 {
		return 0, nil
	}
	n := 0
	for p.posted < p.high {
		var slot uint32
		select {
		case slot = <-p.free:
		default:
			return n, nil
		}
		req := fabric.RecvRequest{
			Addr:    p.region.Addr() + uint64(p.offset(slot)),
			Length:  ControlSlotSize,
			LKey:    p.region.LocalKey(),
			Context: uint64(slot),
		}
		if err := p.tr.PostRecv(&req); err != nil {
			p.free <- slot
			return n, fmt.Errorf("post receive slot %d: %w", slot, err)
		}
		p.state[slot] = recvSlotPosted
		p.posted++
		n++
	}
	return n, nil
}

// Consume records that the receive posted under slot has completed.
func (p *ReceivePool) Consume(slot uint64) error {
	if err := p.transition(slot, recvSlotPosted, recvSlotHeld); err != nil {
		return err
	}
	p.posted--
	return nil
}

// Release returns a consumed slot to the free list.
func (p *ReceivePool) Release(slot uint64) error {
	if err := p.transition(slot, recvSlotHeld, recvSlotFree); err != nil {
		return err
	}
	p.free <- uint32(slot)
	return nil
}

// Bytes returns the n bytes received into slot.
func (p *ReceivePool) Bytes(slot uint64, n uint32) []byte {
	if slot >= uint64(p.high) || n > ControlSlotSize {
		return nil
	}
	off := p.offset(uint32(slot))
	return p.region.Bytes()[off : off+int(n)]
}

// Posted returns the number of receives currently outstanding.
func (p *ReceivePool) Posted() int { return p.posted }

func (p *ReceivePool) offset(slot uint32) int {
	return p.base + int(slot)*ControlSlotSize
}

func (p *ReceivePool) transition(slot uint64, from, to recvSlotState) error {
	if slot >= uint64(p.high) {
		return fmt.Errorf("%w: slot %d out of range", ErrReceiveSlot, slot)
	}
	if p.state[slot] != from {
		return fmt.Errorf("%w: slot %d", ErrReceiveSlot, slot)
	}
	p.state[slot] = to
	return nil
}
