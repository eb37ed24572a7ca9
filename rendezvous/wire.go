package rendezvous

import (
	"encoding/binary"
	"fmt"
)

// ControlSlotSize is the size of one control message slot: a cache line.
const ControlSlotSize = 64

// MsgKind travels in the immediate tag of every control send.
type MsgKind uint32

const (
	MsgRTS MsgKind = iota
	MsgRTR
	MsgFIN
)

func (k MsgKind) String() string {
	switch k {
	case MsgRTS:
		return "rts"
	case MsgRTR:
		return "rtr"
	case MsgFIN:
		return "fin"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

const (
	rtsWireSize = 24
	rtrWireSize = 28
	finWireSize = 8
)

// RTS announces a send. Addr and RKey are zero for push variants.
type RTS struct {
	SendHandle Handle
	Addr       uint64
	Size       uint32
	RKey       uint32
}

// RTR answers an RTS with the destination of a push transfer. RecvRef is the
// receive context handle, or the slot table key when completion rides in the
// immediate tag.
type RTR struct {
	SendHandle Handle
	RecvRef    uint64
	Addr       uint64
	RKey       uint32
}

// FIN closes a transfer. Ref is the send handle for read-pull and the receive
// handle for write-push.
type FIN struct {
	Ref uint64
}

// Encode writes the message into b and returns the encoded length.
func (m RTS) Encode(b []byte) int {
	le := binary.LittleEndian
	le.PutUint64(b[0:], uint64(m.SendHandle))
	le.PutUint64(b[8:], m.Addr)
	le.PutUint32(b[16:], m.Size)
	le.PutUint32(b[20:], m.RKey)
	return rtsWireSize
}

// Encode writes the message into b and returns the encoded length.
func (m RTR) Encode(b []byte) int {
	le := binary.LittleEndian
	le.PutUint64(b[0:], uint64(m.SendHandle))
	le.PutUint64(b[8:], m.RecvRef)
	le.PutUint64(b[16:], m.Addr)
	le.PutUint32(b[24:], m.RKey)
	return rtrWireSize
}

// Encode writes the message into b and returns the encoded length.
func (m FIN) Encode(b []byte) int {
	binary.LittleEndian.PutUint64(b, m.Ref)
	return finWireSize
}

// DecodeRTS parses an RTS from b.
func DecodeRTS(b []byte) (RTS, error) {
	if len(b) < rtsWireSize {
		return RTS{}, shortMessage(MsgRTS, len(b))
	}
	le := binary.LittleEndian
	return RTS{
		SendHandle: Handle(le.Uint64(b[0:])),
		Addr:       le.Uint64(b[8:]),
		Size:       le.Uint32(b[16:]),
		RKey:       le.Uint32(b[20:]),
	}, nil
}

// DecodeRTR parses an RTR from b.
func DecodeRTR(b []byte) (RTR, error) {
	if len(b) < rtrWireSize {
		return RTR{}, shortMessage(MsgRTR, len(b))
	}
	le := binary.LittleEndian
	return RTR{
		SendHandle: Handle(le.Uint64(b[0:])),
		RecvRef:    le.Uint64(b[8:]),
		Addr:       le.Uint64(b[16:]),
		RKey:       le.Uint32(b[24:]),
	}, nil
}

// DecodeFIN parses a FIN from b.
func DecodeFIN(b []byte) (FIN, error) {
	if len(b) < finWireSize {
		return FIN{}, shortMessage(MsgFIN, len(b))
	}
	return FIN{Ref: binary.LittleEndian.Uint64(b)}, nil
}

func shortMessage(kind MsgKind, n int) error {
	return fmt.Errorf("%w: %s message truncated to %d bytes", ErrUnexpectedMessage, kind, n)
}

// controlMessage is a queued outbound control send.
type controlMessage struct {
	peer int
	kind MsgKind
	rts  RTS
	rtr  RTR
	fin  FIN
}

func (m *controlMessage) encode(b []byte) int {
	switch m.kind {
	case MsgRTS:
		return m.rts.Encode(b)
	case MsgRTR:
		return m.rtr.Encode(b)
	default:
		return m.fin.Encode(b)
	}
}
