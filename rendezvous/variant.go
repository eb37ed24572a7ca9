package rendezvous

import (
	"fmt"
	"strings"
)

// Transfer selects which side moves the bulk data.
type Transfer uint8

const (
	// Pull has the receiver read the sender's buffer.
	Pull Transfer = iota
	// Push has the sender write into the receiver's buffer.
	Push
)

// CompletionSignal selects how the receiver learns that data has landed.
type CompletionSignal uint8

const (
	// FINMessage closes each transfer with a FIN control message.
	FINMessage CompletionSignal = iota
	// ImmediateTag folds completion into the write's immediate tag as a slot key.
	ImmediateTag
)

// Variant is one configuration of the rendezvous state machine.
type Variant struct {
	Transfer   Transfer
	Completion CompletionSignal
}

var (
	// VariantRead is RTS -> READ -> FIN.
	VariantRead = Variant{Transfer: Pull, Completion: FINMessage}
	// VariantWrite is RTS -> RTR -> WRITE -> FIN.
	VariantWrite = Variant{Transfer: Push, Completion: FINMessage}
	// VariantWriteImm is RTS -> RTR -> WRITE_WITH_IMM.
	VariantWriteImm = Variant{Transfer: Push, Completion: ImmediateTag}
)

// Variants lists the supported configurations.
func Variants() []Variant {
	return []Variant{VariantRead, VariantWrite, VariantWriteImm}
}

// Validate rejects combinations the protocol cannot express.
func (v Variant) Validate() error {
	switch v {
	case VariantRead, VariantWrite, VariantWriteImm:
		return nil
	}
	return fmt.Errorf("%w: transfer=%d completion=%d", ErrInvalidVariant, v.Transfer, v.Completion)
}

func (v Variant) String() string {
	switch v {
	case VariantRead:
		return "read"
	case VariantWrite:
		return "write"
	case VariantWriteImm:
		return "write_imm"
	default:
		return "invalid"
	}
}

// Describe returns the control flow of the variant.
func (v Variant) Describe() string {
	switch v {
	case VariantRead:
		return "RTS -> READ -> FIN"
	case VariantWrite:
		return "RTS -> RTR -> WRITE -> FIN"
	case VariantWriteImm:
		return "RTS -> RTR -> WRITE_WITH_IMM(slot key)"
	default:
		return ""
	}
}

// ParseVariant accepts the names printed by String, case-insensitively. "write-imm"
// and "writeimm" are accepted for write_imm.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read":
		return VariantRead, nil
	case "write":
		return VariantWrite, nil
	case "write_imm", "write-imm", "writeimm":
		return VariantWriteImm, nil
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrInvalidVariant, name)
}
