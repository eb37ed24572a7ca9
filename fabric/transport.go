package fabric

// QueuePair identifies the local endpoint of a reliable connection to one peer rank.
type QueuePair struct {
	Rank int
	Num  uint32
}

// SendRequest describes a two-sided send. The payload is the registered range
// [Addr, Addr+Length) authorised by LKey.
type SendRequest struct {
	Peer    int
	Addr    uint64
	Length  uint32
	LKey    uint32
	Context uint64
	Imm     uint32
	HasImm  bool
}

// RecvRequest describes a receive buffer posted to the shared receive queue.
type RecvRequest struct {
	Addr    uint64
	Length  uint32
	LKey    uint32
	Context uint64
}

// RMARequest describes a one-sided read or write against a peer's registered memory.
type RMARequest struct {
	Peer       int
	Addr       uint64
	Length     uint32
	LKey       uint32
	RemoteAddr uint64
	RemoteKey  uint32
	Context    uint64
	Imm        uint32
	HasImm     bool
}

// Transport is the capability a rendezvous engine drives. Every Post call returns as
// soon as the request is queued; its outcome is reported later by PollCompletion.
// Receive-side completions (OpRecv, OpRecvRDMAWithImm) carry the Context of the
// consumed RecvRequest and the local queue pair number the message arrived on.
type Transport interface {
	RegisterMemory(buf []byte, access MRAccessFlag) (*MemoryRegion, error)
	QueuePairs() []QueuePair
	PostRecv(req *RecvRequest) error
	PostSend(req *SendRequest) error
	PostRead(req *RMARequest) error
	PostWrite(req *RMARequest) error
	// PollCompletion returns ErrNoCompletion when the completion queue is empty.
	PollCompletion() (CompletionEvent, error)
}
