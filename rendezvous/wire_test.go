package rendezvous

import (
	"errors"
	"testing"
)

func TestControlMessagesFitOneSlot(t *testing.T) {
	for kind, size := range map[MsgKind]int{MsgRTS: rtsWireSize, MsgRTR: rtrWireSize, MsgFIN: finWireSize} {
		if size > ControlSlotSize {
			t.Fatalf("%s encodes to %d bytes", kind, size)
		}
	}
}

func TestRTRLayout(t *testing.T) {
	var slot [ControlSlotSize]byte
	msg := RTR{SendHandle: newHandle(2, 5), RecvRef: 0x0102, Addr: 0x7f0000001000, RKey: 0xabcd}
	n := msg.Encode(slot[:])
	if n != rtrWireSize {
		t.Fatalf("encoded %d bytes", n)
	}
	// handle: index 5, generation 2, little-endian
	if slot[0] != 5 || slot[4] != 2 || slot[8] != 0x02 || slot[9] != 0x01 || slot[24] != 0xcd || slot[25] != 0xab {
		t.Fatalf("unexpected layout % x", slot[:n])
	}
	got, err := DecodeRTR(slot[:n])
	if err != nil || got != msg {
		t.Fatalf("DecodeRTR = %+v, %v", got, err)
	}
}

func TestDecodeRejectsTruncatedMessages(t *testing.T) {
	short := make([]byte, 4)
	if _, err := DecodeRTS(short); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("RTS: %v", err)
	}
	if _, err := DecodeRTR(short); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("RTR: %v", err)
	}
	if _, err := DecodeFIN(short); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("FIN: %v", err)
	}
}

func TestArenaRejectsStaleHandles(t *testing.T) {
	var a arena[string]
	first := a.alloc("first")
	if first == 0 {
		t.Fatal("arena issued the zero handle")
	}
	if v, err := a.release(first); err != nil || v != "first" {
		t.Fatalf("release = %q, %v", v, err)
	}
	second := a.alloc("second")
	if second.index() != first.index() || second == first {
		t.Fatalf("expected index reuse with a new generation: %s then %s", first, second)
	}
	if _, err := a.get(first); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
	if _, err := a.release(first); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle on stale release, got %v", err)
	}
	if _, err := a.get(0); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle for zero handle, got %v", err)
	}
	if a.len() != 1 || a.allocated != 2 || a.released != 1 {
		t.Fatalf("unexpected counters live=%d alloc=%d released=%d", a.len(), a.allocated, a.released)
	}
}

func TestParseVariant(t *testing.T) {
	for _, v := range Variants() {
		got, err := ParseVariant(v.String())
		if err != nil || got != v {
			t.Fatalf("ParseVariant(%q) = %v, %v", v.String(), got, err)
		}
		if v.Describe() == "" {
			t.Fatalf("%s has no description", v)
		}
	}
	if got, _ := ParseVariant(" Write-Imm "); got != VariantWriteImm {
		t.Fatalf("alias not accepted: %v", got)
	}
	if _, err := ParseVariant("send"); !errors.Is(err, ErrInvalidVariant) {
		t.Fatalf("expected ErrInvalidVariant, got %v", err)
	}
	if err := (Variant{Transfer: Pull, Completion: ImmediateTag}).Validate(); !errors.Is(err, ErrInvalidVariant) {
		t.Fatalf("pull with immediate completion accepted: %v", err)
	}
}
