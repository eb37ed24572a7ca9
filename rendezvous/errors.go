package rendezvous

import (
	"errors"
	"fmt"
)

var (
	// ErrOversize indicates an announced transfer larger than the offered receive buffer.
	ErrOversize = errors.New("rendezvous: announced size exceeds receive capacity")
	// ErrSlotTableFull indicates that every slot table key is in use.
	ErrSlotTableFull = errors.New("rendezvous: slot table full")
	// ErrSlotNotInUse indicates a lookup or removal of a key that is not assigned.
	ErrSlotNotInUse = errors.New("rendezvous: slot not in use")
	// ErrStaleHandle indicates a context handle whose generation no longer matches a live context.
	ErrStaleHandle = errors.New("rendezvous: stale context handle")
	// ErrUnknownQueuePair indicates a completion from a queue pair the resolver was not built with.
	ErrUnknownQueuePair = errors.New("rendezvous: unknown queue pair")
	// ErrUnexpectedMessage indicates a control message or completion the current variant or state does not allow.
	ErrUnexpectedMessage = errors.New("rendezvous: unexpected message")
	// ErrInvalidVariant indicates an unsupported transfer/completion combination.
	ErrInvalidVariant = errors.New("rendezvous: invalid variant")
	// ErrBusy indicates that transfers are still outstanding.
	ErrBusy = errors.New("rendezvous: transfers outstanding")
	// ErrClosed indicates the engine has already been closed.
	ErrClosed = errors.New("rendezvous: closed")
	// ErrReceiveSlot indicates a receive pool slot used out of order.
	ErrReceiveSlot = errors.New("rendezvous: receive slot in wrong state")
)

// ErrorClass groups fatal errors by origin.
type ErrorClass int

const (
	// ClassTransport covers failed posts and non-success completions.
	ClassTransport ErrorClass = iota
	// ClassProtocol covers messages or completions that break the protocol.
	ClassProtocol
	// ClassResource covers exhausted tables and pools.
	ClassResource
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassResource:
		return "resource"
	default:
		return "unknown"
	}
}

// FatalError is returned for every failure the engine cannot continue past. Once an
// engine has returned a FatalError every later call returns the same value.
type FatalError struct {
	Class ErrorClass
	Op    string
	// Peer is the remote rank involved, or -1 when it is not known.
	Peer int
	Err  error
}

func (e *FatalError) Error() string {
	if e.Peer >= 0 {
		return fmt.Sprintf("rendezvous %s error during %s (peer=%d): %v", e.Class, e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("rendezvous %s error during %s: %v", e.Class, e.Op, e.Err)
}

// Unwrap allows errors.Is / errors.As to match against the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a *FatalError, returning it when it does.
func IsFatal(err error) (*FatalError, bool) {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal, true
	}
	return nil, false
}
