package fabric

// Opcode identifies the work request kind that produced a completion.
type Opcode uint8

const (
	// OpSend reports completion of a locally posted two-sided send.
	OpSend Opcode = iota + 1
	// OpRecv reports a two-sided message landing in a posted receive buffer.
	OpRecv
	// OpRead reports completion of a locally posted one-sided read.
	OpRead
	// OpWrite reports completion of a locally posted one-sided write.
	OpWrite
	// OpRecvRDMAWithImm reports a remote write-with-immediate consuming a posted receive.
	OpRecvRDMAWithImm
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpRead:
		return "rdma_read"
	case OpWrite:
		return "rdma_write"
	case OpRecvRDMAWithImm:
		return "recv_rdma_with_imm"
	default:
		return "unknown"
	}
}

// Status is the outcome reported with a completion.
type Status uint8

const (
	StatusSuccess Status = iota
	// StatusLocalLength reports a message larger than the posted receive buffer.
	StatusLocalLength
	// StatusLocalProtection reports an invalid local key or range.
	StatusLocalProtection
	// StatusRemoteAccess reports an invalid remote key or range.
	StatusRemoteAccess
	// StatusRNR reports that the receiver had no posted buffer for an inbound message.
	StatusRNR
	// StatusFlushed reports a request flushed by a failed or closed queue pair.
	StatusFlushed
	// StatusGeneral reports any other provider failure.
	StatusGeneral
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalLength:
		return "local length error"
	case StatusLocalProtection:
		return "local protection error"
	case StatusRemoteAccess:
		return "remote access error"
	case StatusRNR:
		return "receiver not ready"
	case StatusFlushed:
		return "work request flushed"
	default:
		return "general error"
	}
}

// CompletionEvent represents a single completion entry.
type CompletionEvent struct {
	Status  Status
	Opcode  Opcode
	Context uint64
	QPNum   uint32
	Length  uint32
	Imm     uint32
	HasImm  bool
	// Cause optionally names the provider-side reason for a failed status.
	Cause error
}
