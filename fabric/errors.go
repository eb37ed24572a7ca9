package fabric

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("fabric: no completion available")
	// ErrInvalidKey indicates that a local or remote access key does not name a registered region.
	ErrInvalidKey = errors.New("fabric: unknown memory region key")
	// ErrOutOfRange indicates that an address range falls outside its registered region.
	ErrOutOfRange = errors.New("fabric: address range outside registered region")
	// ErrNotConnected indicates that no queue pair connects the local device to the peer.
	ErrNotConnected = errors.New("fabric: queue pair not connected")
	// ErrInsufficientAccess indicates that a memory region lacks the required access flags for the requested operation.
	ErrInsufficientAccess = errors.New("fabric: memory region missing required access")
	// ErrQueueFull indicates that a work queue has no room for another request.
	ErrQueueFull = errors.New("fabric: work queue full")
)

// ErrInvalidHandle reports use of a nil or closed transport resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// CompletionError wraps a completion whose status is not StatusSuccess.
type CompletionError struct {
	Status  Status
	Opcode  Opcode
	Context uint64
	QPNum   uint32
	Cause   error
}

func (e *CompletionError) Error() string {
	msg := fmt.Sprintf("fabric %s completion error: %s (qp=%d wr_id=0x%x)", e.Opcode, e.Status, e.QPNum, e.Context)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CompletionError) Unwrap() error { return e.Cause }

// Err converts a failed completion event into a *CompletionError. It returns nil for
// successful completions.
func (e CompletionEvent) Err() error {
	if e.Status == StatusSuccess {
		return nil
	}
	return &CompletionError{Status: e.Status, Opcode: e.Opcode, Context: e.Context, QPNum: e.QPNum, Cause: e.Cause}
}
