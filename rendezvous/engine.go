// Package rendezvous implements the rendezvous transfer protocol over a completion
// queue transport. One Engine drives all three variants: read-pull, write-push closed
// by a FIN message, and write-push closed by an immediate-tagged write.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rocketbitz/rdvbench/fabric"
)

// AnySource lets Receive match an RTS from any peer.
const AnySource = -1

// DefaultControlSlots is the number of outbound control slots.
const DefaultControlSlots = 16

// ctxCheckInterval is how many polls Wait and DrainAll make between context checks.
const ctxCheckInterval = 256

// Config controls New.
type Config struct {
	Variant Variant
	// Rank is the local rank. It only labels logs and metrics.
	Rank int
	// SlotBits sizes the slot table used by VariantWriteImm.
	SlotBits      int
	RecvLowWater  int
	RecvHighWater int
	// ControlSlots bounds the control messages in flight; more are queued.
	ControlSlots     int
	Logger           Logger
	StructuredLogger StructuredLogger
	Metrics          MetricHook
}

// Role tells which side of a transfer a Completion reports.
type Role int

const (
	RoleSend Role = iota
	RoleReceive
)

func (r Role) String() string {
	if r == RoleSend {
		return "send"
	}
	return "receive"
}

// Completion describes a finished transfer.
type Completion struct {
	Role   Role
	Peer   int
	Tag    uint64
	Size   int
	Handle Handle
}

// Stats contains engine counters.
type Stats struct {
	SendContextsAllocated uint64
	SendContextsFreed     uint64
	RecvContextsAllocated uint64
	RecvContextsFreed     uint64
	RTSSent               uint64
	RTRSent               uint64
	FINSent               uint64
	RTSReceived           uint64
	RTRReceived           uint64
	FINReceived           uint64
	BulkPosted            uint64
	ReceivesReplenished   uint64
	UnexpectedRTS         uint64
	SlotHighWater         int
}

// ControlSent returns the number of control messages posted.
func (s Stats) ControlSent() uint64 { return s.RTSSent + s.RTRSent + s.FINSent }

// LiveContexts returns the send and receive contexts not yet freed.
func (s Stats) LiveContexts() uint64 {
	return (s.SendContextsAllocated - s.SendContextsFreed) + (s.RecvContextsAllocated - s.RecvContextsFreed)
}

type sendState uint8

const (
	sendAwaitRTR sendState = iota
	sendAwaitFIN
	sendWriting
)

type sendContext struct {
	peer    int
	buf     fabric.Buffer
	tag     uint64
	state   sendState
	recvRef uint64
}

type recvContext struct {
	peer       int
	buf        fabric.Buffer
	tag        uint64
	size       uint32
	sendHandle Handle
}

type offer struct {
	peer int
	buf  fabric.Buffer
	tag  uint64
}

type announcement struct {
	peer int
	rts  RTS
}

// Engine runs the rendezvous state machine for one rank. All progress happens in
// ServiceOnce on the caller's goroutine. An Engine is not safe for concurrent use.
type Engine struct {
	variant Variant
	rank    int
	tr      fabric.Transport
	peers   *PeerResolver

	ctrl         *fabric.MemoryRegion
	ctrlFree     []uint32
	ctrlBusy     []bool
	ctrlInFlight int
	backlog      []controlMessage
	pool         *ReceivePool
	slots        *SlotTable[Handle]

	sends      arena[sendContext]
	recvs      arena[recvContext]
	offers     []offer
	unexpected []announcement
	done       []Completion

	logger           Logger
	structuredLogger StructuredLogger
	metrics          MetricHook

	controlSent [3]uint64
	controlRecv [3]uint64
	bulkPosted  uint64
	replenished uint64
	unexpRTS    uint64

	err    error
	closed bool
}

// New registers the control region on tr, builds the peer resolver from its queue
// pairs and posts the initial control receives.
func New(cfg Config, tr fabric.Transport) (*Engine, error) {
	if tr == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "transport"}
	}
	if err := cfg.Variant.Validate(); err != nil {
		return nil, err
	}
	high := cfg.RecvHighWater
	if high <= 0 {
		high = DefaultRecvHighWater
	}
	low := cfg.RecvLowWater
	if low <= 0 {
		low = min(DefaultRecvLowWater, high)
	}
	ctrlSlots := cfg.ControlSlots
	if ctrlSlots <= 0 {
		ctrlSlots = DefaultControlSlots
	}

	peers, err := NewPeerResolver(tr.QueuePairs())
	if err != nil {
		return nil, err
	}
	ctrl, err := tr.RegisterMemory(make([]byte, (ctrlSlots+high)*ControlSlotSize), fabric.MRAccessLocal)
	if err != nil {
		return nil, fmt.Errorf("register control region: %w", err)
	}
	pool, err := NewReceivePool(tr, ctrl, ctrlSlots*ControlSlotSize, low, high)
	if err != nil {
		return nil, err
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Engine{
		variant:          cfg.Variant,
		rank:             cfg.Rank,
		tr:               tr,
		peers:            peers,
		ctrl:             ctrl,
		ctrlFree:         make([]uint32, ctrlSlots),
		ctrlBusy:         make([]bool, ctrlSlots),
		pool:             pool,
		logger:           cfg.Logger,
		structuredLogger: structured,
		metrics:          cfg.Metrics,
	}
	for i := range e.ctrlFree {
		e.ctrlFree[i] = uint32(ctrlSlots - 1 - i)
	}
	if cfg.Variant.Completion == ImmediateTag {
		if e.slots, err = NewSlotTable[Handle](cfg.SlotBits); err != nil {
			return nil, err
		}
	}
	if err := e.replenish(); err != nil {
		return nil, err
	}
	return e, nil
}

// Variant returns the configured variant.
func (e *Engine) Variant() Variant { return e.variant }

// Rank returns the configured local rank.
func (e *Engine) Rank() int { return e.rank }

// Err returns the fatal error that poisoned the engine, if any.
func (e *Engine) Err() error { return e.err }

// Send announces buf to peer and returns the handle of its send context. The buffer
// must stay untouched until the matching Completion is returned.
func (e *Engine) Send(peer int, buf fabric.Buffer, tag uint64) (Handle, error) {
	if err := e.usable(); err != nil {
		return 0, err
	}
	if !e.peers.HasRank(peer) {
		return 0, fmt.Errorf("rendezvous: send to unknown rank %d", peer)
	}
	sc := sendContext{peer: peer, buf: buf, tag: tag, state: sendAwaitRTR}
	rts := RTS{Size: buf.Length}
	if e.variant.Transfer == Pull {
		sc.state = sendAwaitFIN
		rts.Addr = buf.Addr
		rts.RKey = buf.RKey
	}
	h := e.sends.alloc(sc)
	rts.SendHandle = h
	if err := e.postControl(controlMessage{peer: peer, kind: MsgRTS, rts: rts}); err != nil {
		return 0, err
	}
	if e.verbose() {
		e.logEvent("send_posted", logKV("peer", peer), logKV("handle", h), logKV("size", buf.Length), logKV("tag", tag))
	}
	return h, nil
}

// Receive offers buf for the next RTS from peer, or from anyone with AnySource. An
// RTS that arrived before the offer is matched immediately.
func (e *Engine) Receive(peer int, buf fabric.Buffer, tag uint64) error {
	if err := e.usable(); err != nil {
		return err
	}
	if peer != AnySource && !e.peers.HasRank(peer) {
		return fmt.Errorf("rendezvous: receive from unknown rank %d", peer)
	}
	o := offer{peer: peer, buf: buf, tag: tag}
	for i, a := range e.unexpected {
		if peer == AnySource || a.peer == peer {
			e.unexpected = append(e.unexpected[:i], e.unexpected[i+1:]...)
			return e.accept(a, o)
		}
	}
	e.offers = append(e.offers, o)
	return nil
}

// ServiceOnce polls at most one completion event and advances the protocol. It
// returns a finished transfer when one is available.
func (e *Engine) ServiceOnce() (Completion, bool, error) {
	if err := e.usable(); err != nil {
		return Completion{}, false, err
	}
	if c, ok := e.popDone(); ok {
		return c, true, nil
	}
	ev, err := e.tr.PollCompletion()
	if err != nil {
		if errors.Is(err, fabric.ErrNoCompletion) {
			return Completion{}, false, nil
		}
		return Completion{}, false, e.fail(ClassTransport, "poll completion", -1, err)
	}
	if err := e.handle(ev); err != nil {
		return Completion{}, false, err
	}
	c, ok := e.popDone()
	return c, ok, nil
}

// Wait services the engine until n transfers have completed. Only ctx can stop it
// early.
func (e *Engine) Wait(ctx context.Context, n int) ([]Completion, error) {
	out := make([]Completion, 0, n)
	for i := 0; len(out) < n; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		c, ok, err := e.ServiceOnce()
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// DrainAll services the engine until nothing this rank is a party to is outstanding
// and returns every transfer completed on the way.
func (e *Engine) DrainAll(ctx context.Context) ([]Completion, error) {
	var out []Completion
	for i := 0; e.Outstanding() > 0 || len(e.done) > 0; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		c, ok, err := e.ServiceOnce()
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Outstanding counts live contexts, unmatched offers and control sends in flight.
func (e *Engine) Outstanding() int {
	return e.sends.len() + e.recvs.len() + len(e.offers) + e.ctrlInFlight + len(e.backlog)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		SendContextsAllocated: e.sends.allocated,
		SendContextsFreed:     e.sends.released,
		RecvContextsAllocated: e.recvs.allocated,
		RecvContextsFreed:     e.recvs.released,
		RTSSent:               e.controlSent[MsgRTS],
		RTRSent:               e.controlSent[MsgRTR],
		FINSent:               e.controlSent[MsgFIN],
		RTSReceived:           e.controlRecv[MsgRTS],
		RTRReceived:           e.controlRecv[MsgRTR],
		FINReceived:           e.controlRecv[MsgFIN],
		BulkPosted:            e.bulkPosted,
		ReceivesReplenished:   e.replenished,
		UnexpectedRTS:         e.unexpRTS,
	}
	if e.slots != nil {
		s.SlotHighWater = e.slots.HighWater()
	}
	return s
}

// Close marks the engine unusable. It fails with ErrBusy while transfers are
// outstanding unless the engine has already failed.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	if e.err == nil {
		if n := e.Outstanding(); n > 0 {
			return fmt.Errorf("%w: %d outstanding", ErrBusy, n)
		}
	}
	e.closed = true
	return nil
}

func (e *Engine) usable() error {
	if e.err != nil {
		return e.err
	}
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) fail(class ErrorClass, op string, peer int, err error) error {
	if e.err != nil {
		return e.err
	}
	fatal := &FatalError{Class: class, Op: op, Peer: peer, Err: err}
	e.err = fatal
	e.logEvent("fatal", logKV(labelClass, class.String()), logKV("op", op), logKV("peer", peer), logKV("error", err))
	e.metricFatal(fatal)
	return fatal
}

func (e *Engine) popDone() (Completion, bool) {
	if len(e.done) == 0 {
		return Completion{}, false
	}
	c := e.done[0]
	e.done = e.done[1:]
	return c, true
}

func (e *Engine) complete(c Completion) {
	e.done = append(e.done, c)
	e.metricTransferCompleted(c.Role)
	if e.verbose() {
		e.logEvent("transfer_complete", logKV(labelRole, c.Role), logKV("peer", c.Peer), logKV("handle", c.Handle), logKV("size", c.Size), logKV("tag", c.Tag))
	}
}

func (e *Engine) handle(ev fabric.CompletionEvent) error {
	if err := ev.Err(); err != nil {
		peer := -1
		if p, rerr := e.peers.Resolve(ev.QPNum); rerr == nil {
			peer = p
		}
		return e.fail(ClassTransport, ev.Opcode.String()+" completion", peer, err)
	}
	switch ev.Opcode {
	case fabric.OpSend:
		return e.onControlSent(ev)
	case fabric.OpRecv:
		return e.onControlReceived(ev)
	case fabric.OpRead:
		return e.onReadComplete(ev)
	case fabric.OpWrite:
		return e.onWriteComplete(ev)
	case fabric.OpRecvRDMAWithImm:
		return e.onWriteImm(ev)
	default:
		return e.fail(ClassProtocol, "completion", -1, fmt.Errorf("%w: opcode %s", ErrUnexpectedMessage, ev.Opcode))
	}
}

func (e *Engine) postControl(m controlMessage) error {
	if len(e.backlog) > 0 || len(e.ctrlFree) == 0 {
		e.backlog = append(e.backlog, m)
		return e.flushBacklog()
	}
	return e.transmit(m)
}

func (e *Engine) flushBacklog() error {
	for len(e.backlog) > 0 && len(e.ctrlFree) > 0 {
		m := e.backlog[0]
		e.backlog = e.backlog[1:]
		if err := e.transmit(m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) transmit(m controlMessage) error {
	n := len(e.ctrlFree)
	slot := e.ctrlFree[n-1]
	e.ctrlFree = e.ctrlFree[:n-1]
	off := int(slot) * ControlSlotSize
	size := m.encode(e.ctrl.Bytes()[off : off+ControlSlotSize])
	req := fabric.SendRequest{
		Peer:    m.peer,
		Addr:    e.ctrl.Addr() + uint64(off),
		Length:  uint32(size),
		LKey:    e.ctrl.LocalKey(),
		Context: uint64(slot),
		Imm:     uint32(m.kind),
		HasImm:  true,
	}
	if err := e.tr.PostSend(&req); err != nil {
		e.ctrlFree = append(e.ctrlFree, slot)
		return e.fail(ClassTransport, "post "+m.kind.String(), m.peer, err)
	}
	e.ctrlBusy[slot] = true
	e.ctrlInFlight++
	e.controlSent[m.kind]++
	e.metricControlSent(m.kind)
	return nil
}

func (e *Engine) replenish() error {
	n, err := e.pool.Maintain()
	if n > 0 {
		e.replenished += uint64(n)
		e.metricReplenished(n)
		if e.verbose() {
			e.logEvent("replenish", logKV("posted", n), logKV("outstanding", e.pool.Posted()))
		}
	}
	if err != nil {
		return e.fail(ClassTransport, "replenish receives", -1, err)
	}
	return nil
}

func (e *Engine) onControlSent(ev fabric.CompletionEvent) error {
	slot := ev.Context
	if slot >= uint64(len(e.ctrlBusy)) || !e.ctrlBusy[slot] {
		return e.fail(ClassProtocol, "send completion", -1, fmt.Errorf("%w: control slot %d not in flight", ErrUnexpectedMessage, slot))
	}
	e.ctrlBusy[slot] = false
	e.ctrlFree = append(e.ctrlFree, uint32(slot))
	e.ctrlInFlight--
	return e.flushBacklog()
}

func (e *Engine) onControlReceived(ev fabric.CompletionEvent) error {
	peer, err := e.peers.Resolve(ev.QPNum)
	if err != nil {
		return e.fail(ClassTransport, "resolve peer", -1, err)
	}
	if err := e.pool.Consume(ev.Context); err != nil {
		return e.fail(ClassProtocol, "receive completion", peer, err)
	}
	if !ev.HasImm {
		return e.fail(ClassProtocol, "receive completion", peer, fmt.Errorf("%w: control message without kind", ErrUnexpectedMessage))
	}
	payload := e.pool.Bytes(ev.Context, ev.Length)
	kind := MsgKind(ev.Imm)
	switch kind {
	case MsgRTS:
		err = e.onRTS(peer, payload)
	case MsgRTR:
		err = e.onRTR(peer, payload)
	case MsgFIN:
		err = e.onFIN(peer, payload)
	default:
		err = e.fail(ClassProtocol, "decode control", peer, fmt.Errorf("%w: %s", ErrUnexpectedMessage, kind))
	}
	if err != nil {
		return err
	}
	if err := e.pool.Release(ev.Context); err != nil {
		return e.fail(ClassProtocol, "release receive", peer, err)
	}
	return e.replenish()
}

func (e *Engine) onRTS(peer int, payload []byte) error {
	rts, err := DecodeRTS(payload)
	if err != nil {
		return e.fail(ClassProtocol, "decode rts", peer, err)
	}
	e.controlRecv[MsgRTS]++
	if e.verbose() {
		e.logEvent("rts_received", logKV("peer", peer), logKV("handle", rts.SendHandle), logKV("size", rts.Size))
	}
	a := announcement{peer: peer, rts: rts}
	for i, o := range e.offers {
		if o.peer == AnySource || o.peer == peer {
			e.offers = append(e.offers[:i], e.offers[i+1:]...)
			return e.accept(a, o)
		}
	}
	e.unexpected = append(e.unexpected, a)
	e.unexpRTS++
	return nil
}

func (e *Engine) accept(a announcement, o offer) error {
	if a.rts.Size > o.buf.Length {
		return e.fail(ClassProtocol, "accept rts", a.peer, fmt.Errorf("%w: %d > %d", ErrOversize, a.rts.Size, o.buf.Length))
	}
	h := e.recvs.alloc(recvContext{peer: a.peer, buf: o.buf, tag: o.tag, size: a.rts.Size, sendHandle: a.rts.SendHandle})

	if e.variant.Transfer == Pull {
		req := fabric.RMARequest{
			Peer:       a.peer,
			Addr:       o.buf.Addr,
			Length:     a.rts.Size,
			LKey:       o.buf.LKey,
			RemoteAddr: a.rts.Addr,
			RemoteKey:  a.rts.RKey,
			Context:    uint64(h),
		}
		if err := e.tr.PostRead(&req); err != nil {
			return e.fail(ClassTransport, "post read", a.peer, err)
		}
		e.bulkPosted++
		e.metricBulkPosted("read")
		return nil
	}

	ref := uint64(h)
	if e.variant.Completion == ImmediateTag {
		key, err := e.slots.Put(h)
		if err != nil {
			return e.fail(ClassResource, "slot put", a.peer, err)
		}
		ref = uint64(key)
	}
	rtr := RTR{SendHandle: a.rts.SendHandle, RecvRef: ref, Addr: o.buf.Addr, RKey: o.buf.RKey}
	return e.postControl(controlMessage{peer: a.peer, kind: MsgRTR, rtr: rtr})
}

func (e *Engine) onRTR(peer int, payload []byte) error {
	if e.variant.Transfer != Push {
		return e.fail(ClassProtocol, "decode rtr", peer, fmt.Errorf("%w: rtr under %s variant", ErrUnexpectedMessage, e.variant))
	}
	rtr, err := DecodeRTR(payload)
	if err != nil {
		return e.fail(ClassProtocol, "decode rtr", peer, err)
	}
	e.controlRecv[MsgRTR]++
	sc, err := e.sends.get(rtr.SendHandle)
	if err != nil {
		return e.fail(ClassProtocol, "match rtr", peer, err)
	}
	if sc.peer != peer || sc.state != sendAwaitRTR {
		return e.fail(ClassProtocol, "match rtr", peer, fmt.Errorf("%w: rtr for send %s in state %d from rank %d", ErrUnexpectedMessage, rtr.SendHandle, sc.state, sc.peer))
	}
	if e.verbose() {
		e.logEvent("rtr_received", logKV("peer", peer), logKV("handle", rtr.SendHandle), logKV("ref", rtr.RecvRef))
	}
	sc.state = sendWriting
	sc.recvRef = rtr.RecvRef

	req := fabric.RMARequest{
		Peer:       peer,
		Addr:       sc.buf.Addr,
		Length:     sc.buf.Length,
		LKey:       sc.buf.LKey,
		RemoteAddr: rtr.Addr,
		RemoteKey:  rtr.RKey,
		Context:    uint64(rtr.SendHandle),
	}
	if e.variant.Completion == ImmediateTag {
		if rtr.RecvRef > math.MaxUint32 {
			return e.fail(ClassProtocol, "match rtr", peer, fmt.Errorf("%w: slot key %d does not fit the immediate tag", ErrUnexpectedMessage, rtr.RecvRef))
		}
		req.Imm = uint32(rtr.RecvRef)
		req.HasImm = true
	}
	if err := e.tr.PostWrite(&req); err != nil {
		return e.fail(ClassTransport, "post write", peer, err)
	}
	e.bulkPosted++
	e.metricBulkPosted("write")
	return nil
}

func (e *Engine) onFIN(peer int, payload []byte) error {
	if e.variant.Completion != FINMessage {
		return e.fail(ClassProtocol, "decode fin", peer, fmt.Errorf("%w: fin under %s variant", ErrUnexpectedMessage, e.variant))
	}
	fin, err := DecodeFIN(payload)
	if err != nil {
		return e.fail(ClassProtocol, "decode fin", peer, err)
	}
	e.controlRecv[MsgFIN]++
	h := Handle(fin.Ref)
	if e.verbose() {
		e.logEvent("fin_received", logKV("peer", peer), logKV("handle", h))
	}

	if e.variant.Transfer == Pull {
		sc, err := e.sends.get(h)
		if err != nil {
			return e.fail(ClassProtocol, "match fin", peer, err)
		}
		if sc.peer != peer || sc.state != sendAwaitFIN {
			return e.fail(ClassProtocol, "match fin", peer, fmt.Errorf("%w: fin for send %s from rank %d", ErrUnexpectedMessage, h, peer))
		}
		done, _ := e.sends.release(h)
		e.complete(Completion{Role: RoleSend, Peer: peer, Tag: done.tag, Size: int(done.buf.Length), Handle: h})
		return nil
	}

	rc, err := e.recvs.get(h)
	if err != nil {
		return e.fail(ClassProtocol, "match fin", peer, err)
	}
	if rc.peer != peer {
		return e.fail(ClassProtocol, "match fin", peer, fmt.Errorf("%w: fin for receive %s from rank %d", ErrUnexpectedMessage, h, peer))
	}
	done, _ := e.recvs.release(h)
	e.complete(Completion{Role: RoleReceive, Peer: peer, Tag: done.tag, Size: int(done.size), Handle: h})
	return nil
}

func (e *Engine) onReadComplete(ev fabric.CompletionEvent) error {
	h := Handle(ev.Context)
	rc, err := e.recvs.get(h)
	if err != nil {
		return e.fail(ClassProtocol, "read completion", -1, err)
	}
	if err := e.postControl(controlMessage{peer: rc.peer, kind: MsgFIN, fin: FIN{Ref: uint64(rc.sendHandle)}}); err != nil {
		return err
	}
	done, _ := e.recvs.release(h)
	e.complete(Completion{Role: RoleReceive, Peer: done.peer, Tag: done.tag, Size: int(done.size), Handle: h})
	return nil
}

func (e *Engine) onWriteComplete(ev fabric.CompletionEvent) error {
	h := Handle(ev.Context)
	sc, err := e.sends.get(h)
	if err != nil {
		return e.fail(ClassProtocol, "write completion", -1, err)
	}
	if sc.state != sendWriting {
		return e.fail(ClassProtocol, "write completion", sc.peer, fmt.Errorf("%w: write completion for send %s before rtr", ErrUnexpectedMessage, h))
	}
	if e.variant.Completion == FINMessage {
		if err := e.postControl(controlMessage{peer: sc.peer, kind: MsgFIN, fin: FIN{Ref: sc.recvRef}}); err != nil {
			return err
		}
	}
	done, _ := e.sends.release(h)
	e.complete(Completion{Role: RoleSend, Peer: done.peer, Tag: done.tag, Size: int(done.buf.Length), Handle: h})
	return nil
}

func (e *Engine) onWriteImm(ev fabric.CompletionEvent) error {
	peer, err := e.peers.Resolve(ev.QPNum)
	if err != nil {
		return e.fail(ClassTransport, "resolve peer", -1, err)
	}
	if err := e.pool.Consume(ev.Context); err != nil {
		return e.fail(ClassProtocol, "write-imm completion", peer, err)
	}
	if err := e.pool.Release(ev.Context); err != nil {
		return e.fail(ClassProtocol, "write-imm completion", peer, err)
	}
	if e.variant.Completion != ImmediateTag {
		return e.fail(ClassProtocol, "write-imm completion", peer, fmt.Errorf("%w: immediate write under %s variant", ErrUnexpectedMessage, e.variant))
	}
	h, err := e.slots.Remove(ev.Imm)
	if err != nil {
		return e.fail(ClassProtocol, "write-imm completion", peer, err)
	}
	rc, err := e.recvs.release(h)
	if err != nil {
		return e.fail(ClassProtocol, "write-imm completion", peer, err)
	}
	if rc.peer != peer {
		return e.fail(ClassProtocol, "write-imm completion", peer, fmt.Errorf("%w: slot %d belongs to rank %d", ErrUnexpectedMessage, ev.Imm, rc.peer))
	}
	e.complete(Completion{Role: RoleReceive, Peer: peer, Tag: rc.tag, Size: int(rc.size), Handle: h})
	return e.replenish()
}
