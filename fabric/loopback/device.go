package loopback

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rocketbitz/rdvbench/bootstrap"
	"github.com/rocketbitz/rdvbench/fabric"
)

type queuePair struct {
	num       uint32
	remoteNum uint32
	connected bool
}

type inbound struct {
	qpNum   uint32
	payload []byte
	length  uint32
	imm     uint32
	hasImm  bool
	rdma    bool
}

// Device is one rank's view of the network. It implements fabric.Transport. Post calls
// may come from any goroutine; PollCompletion is expected to be driven by the owning rank.
type Device struct {
	net  *Network
	rank int
	qps  []queuePair

	mu       sync.Mutex
	regions  map[uint32]*fabric.MemoryRegion
	rkeys    map[uint32]*fabric.MemoryRegion
	srq      []fabric.RecvRequest
	inbound  []inbound
	cq       []fabric.CompletionEvent
	failNext map[fabric.Opcode]fabric.Status
}

var _ fabric.Transport = (*Device)(nil)

// Rank returns the rank that owns the device.
func (d *Device) Rank() int { return d.rank }

// LID returns the emulated local identifier advertised in endpoint names.
func (d *Device) LID() uint16 { return uint16(d.rank + 1) }

// Connect exchanges endpoint names with every peer through the bootstrap group and
// brings the queue pairs up. Endpoint names are published as "qpn:lid" under
// "rdvbench_<rank>_<peer>".
func (d *Device) Connect(ctx context.Context, group bootstrap.Group) error {
	if group.Rank() != d.rank || group.Size() != len(d.qps) {
		return fmt.Errorf("loopback: group rank %d/%d does not match device %d/%d", group.Rank(), group.Size(), d.rank, len(d.qps))
	}
	for peer, qp := range d.qps {
		name := fmt.Sprintf("%x:%x", qp.num, d.LID())
		if err := group.Publish(endpointKey(d.rank, peer), name); err != nil {
			return fmt.Errorf("publish endpoint: %w", err)
		}
	}
	if err := group.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}

	remote := make([]uint32, len(d.qps))
	for peer := range d.qps {
		name, err := group.Lookup(endpointKey(peer, d.rank))
		if err != nil {
			return fmt.Errorf("lookup endpoint: %w", err)
		}
		var qpn uint32
		var lid uint16
		if _, err := fmt.Sscanf(name, "%x:%x", &qpn, &lid); err != nil {
			return fmt.Errorf("parse endpoint %q: %w", name, err)
		}
		dev := d.net.deviceByLID(lid)
		if dev == nil || dev.rank != peer || dev.qps[d.rank].num != qpn {
			return fmt.Errorf("loopback: endpoint %q does not name rank %d", name, peer)
		}
		remote[peer] = qpn
	}

	d.mu.Lock()
	for peer := range d.qps {
		d.qps[peer].remoteNum = remote[peer]
		d.qps[peer].connected = true
	}
	d.mu.Unlock()

	if err := group.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

func endpointKey(rank, peer int) string {
	return fmt.Sprintf("rdvbench_%d_%d", rank, peer)
}

// QueuePairs lists the local queue pair toward every rank, the device's own included.
func (d *Device) QueuePairs() []fabric.QueuePair {
	out := make([]fabric.QueuePair, len(d.qps))
	for peer, qp := range d.qps {
		out[peer] = fabric.QueuePair{Rank: peer, Num: qp.num}
	}
	return out
}

// RegisterMemory registers buf in place; the caller keeps using buf directly.
func (d *Device) RegisterMemory(buf []byte, access fabric.MRAccessFlag) (*fabric.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("loopback: memory registration requires non-empty buffer")
	}
	if access == 0 {
		access = fabric.MRAccessLocal
	}
	addr, lkey, rkey := d.net.allocRegion(len(buf))
	mr := fabric.NewMemoryRegion(buf, addr, lkey, rkey, access)
	d.mu.Lock()
	d.regions[lkey] = mr
	d.rkeys[rkey] = mr
	d.mu.Unlock()
	return mr, nil
}

// FailNext makes the next completion generated for op carry status instead of success.
func (d *Device) FailNext(op fabric.Opcode, status fabric.Status) {
	d.mu.Lock()
	if d.failNext == nil {
		d.failNext = make(map[fabric.Opcode]fabric.Status)
	}
	d.failNext[op] = status
	d.mu.Unlock()
}

// PostedReceives reports how many receive buffers are waiting in the shared receive queue.
func (d *Device) PostedReceives() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.srq)
}

// PostRecv appends a buffer to the shared receive queue.
func (d *Device) PostRecv(req *fabric.RecvRequest) error {
	if req == nil {
		return fmt.Errorf("loopback: nil recv request")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.srq) >= d.net.opts.srqCap {
		return fabric.ErrQueueFull
	}
	d.srq = append(d.srq, *req)
	return nil
}

// PostSend copies the payload out of local memory and queues it for the peer.
func (d *Device) PostSend(req *fabric.SendRequest) error {
	if req == nil {
		return fmt.Errorf("loopback: nil send request")
	}
	peer, qp, err := d.route(req.Peer)
	if err != nil {
		return err
	}

	status := fabric.StatusSuccess
	src, cause := d.localRange(req.LKey, req.Addr, req.Length)
	if cause != nil {
		status = fabric.StatusLocalProtection
	} else {
		payload := append([]byte(nil), src...)
		peer.deliver(inbound{qpNum: qp.remoteNum, payload: payload, length: req.Length, imm: req.Imm, hasImm: req.HasImm})
	}
	d.complete(fabric.CompletionEvent{Status: status, Opcode: fabric.OpSend, Context: req.Context, QPNum: qp.num, Length: req.Length, Cause: cause})
	return nil
}

// PostRead copies the peer's registered range into local memory.
func (d *Device) PostRead(req *fabric.RMARequest) error {
	if req == nil {
		return fmt.Errorf("loopback: nil RMA request")
	}
	peer, qp, err := d.route(req.Peer)
	if err != nil {
		return err
	}
	status := fabric.StatusSuccess
	dst, cause := d.localRange(req.LKey, req.Addr, req.Length)
	if cause != nil {
		status = fabric.StatusLocalProtection
	} else {
		var src []byte
		if src, cause = peer.remoteRange(req.RemoteKey, req.RemoteAddr, req.Length, fabric.MRAccessRemoteRead); cause != nil {
			status = fabric.StatusRemoteAccess
		} else {
			copy(dst, src)
		}
	}
	d.complete(fabric.CompletionEvent{Status: status, Opcode: fabric.OpRead, Context: req.Context, QPNum: qp.num, Length: req.Length, Cause: cause})
	return nil
}

// PostWrite copies local memory into the peer's registered range. With HasImm set the
// peer also consumes one posted receive and observes Imm.
func (d *Device) PostWrite(req *fabric.RMARequest) error {
	if req == nil {
		return fmt.Errorf("loopback: nil RMA request")
	}
	peer, qp, err := d.route(req.Peer)
	if err != nil {
		return err
	}
	status := fabric.StatusSuccess
	src, cause := d.localRange(req.LKey, req.Addr, req.Length)
	if cause != nil {
		status = fabric.StatusLocalProtection
	} else {
		var dst []byte
		if dst, cause = peer.remoteRange(req.RemoteKey, req.RemoteAddr, req.Length, fabric.MRAccessRemoteWrite); cause != nil {
			status = fabric.StatusRemoteAccess
		} else {
			copy(dst, src)
			if req.HasImm {
				peer.deliver(inbound{qpNum: qp.remoteNum, length: req.Length, imm: req.Imm, hasImm: true, rdma: true})
			}
		}
	}
	d.complete(fabric.CompletionEvent{Status: status, Opcode: fabric.OpWrite, Context: req.Context, QPNum: qp.num, Length: req.Length, Cause: cause})
	return nil
}

// PollCompletion returns the oldest completion. When the queue is empty it matches the
// oldest inbound message against the shared receive queue; an inbound message with no
// posted receive completes with StatusRNR.
func (d *Device) PollCompletion() (fabric.CompletionEvent, error) {
	d.mu.Lock()
	if len(d.cq) > 0 {
		ev := d.cq[0]
		d.cq = d.cq[1:]
		d.mu.Unlock()
		return ev, nil
	}
	if len(d.inbound) == 0 {
		d.mu.Unlock()
		runtime.Gosched()
		return fabric.CompletionEvent{}, fabric.ErrNoCompletion
	}
	msg := d.inbound[0]
	d.inbound = d.inbound[1:]
	ev := d.match(msg)
	d.mu.Unlock()
	return ev, nil
}

func (d *Device) match(msg inbound) fabric.CompletionEvent {
	op := fabric.OpRecv
	if msg.rdma {
		op = fabric.OpRecvRDMAWithImm
	}
	ev := fabric.CompletionEvent{Opcode: op, QPNum: msg.qpNum, Length: msg.length, Imm: msg.imm, HasImm: msg.hasImm}
	if len(d.srq) == 0 {
		ev.Status = fabric.StatusRNR
		return ev
	}
	recv := d.srq[0]
	d.srq = d.srq[1:]
	ev.Context = recv.Context
	if !msg.rdma {
		if msg.length > recv.Length {
			ev.Status = fabric.StatusLocalLength
			return ev
		}
		mr, ok := d.regions[recv.LKey]
		if !ok {
			ev.Status = fabric.StatusLocalProtection
			return ev
		}
		dst, err := mr.Range(recv.Addr, msg.length)
		if err != nil {
			ev.Status = fabric.StatusLocalProtection
			return ev
		}
		copy(dst, msg.payload)
	}
	ev.Status = d.takeFailure(op, fabric.StatusSuccess)
	return ev
}

func (d *Device) route(peer int) (*Device, queuePair, error) {
	if peer < 0 || peer >= len(d.qps) {
		return nil, queuePair{}, fmt.Errorf("loopback: peer %d out of range: %w", peer, fabric.ErrNotConnected)
	}
	d.mu.Lock()
	qp := d.qps[peer]
	d.mu.Unlock()
	if !qp.connected {
		return nil, queuePair{}, fmt.Errorf("loopback: peer %d: %w", peer, fabric.ErrNotConnected)
	}
	return d.net.devices[peer], qp, nil
}

func (d *Device) localRange(lkey uint32, addr uint64, length uint32) ([]byte, error) {
	d.mu.Lock()
	mr, ok := d.regions[lkey]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lkey 0x%x: %w", lkey, fabric.ErrInvalidKey)
	}
	return checkedRange(mr, addr, length, fabric.MRAccessLocal)
}

func (d *Device) remoteRange(rkey uint32, addr uint64, length uint32, access fabric.MRAccessFlag) ([]byte, error) {
	d.mu.Lock()
	mr, ok := d.rkeys[rkey]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rkey 0x%x: %w", rkey, fabric.ErrInvalidKey)
	}
	return checkedRange(mr, addr, length, access)
}

func checkedRange(mr *fabric.MemoryRegion, addr uint64, length uint32, access fabric.MRAccessFlag) ([]byte, error) {
	if !mr.HasAccess(access) {
		return nil, fmt.Errorf("access 0x%x: %w", access, fabric.ErrInsufficientAccess)
	}
	buf, err := mr.Range(addr, length)
	if err != nil {
		return nil, fmt.Errorf("range [0x%x,+%d): %w", addr, length, err)
	}
	return buf, nil
}

func (d *Device) deliver(msg inbound) {
	d.mu.Lock()
	d.inbound = append(d.inbound, msg)
	d.mu.Unlock()
}

func (d *Device) complete(ev fabric.CompletionEvent) {
	d.mu.Lock()
	ev.Status = d.takeFailure(ev.Opcode, ev.Status)
	d.cq = append(d.cq, ev)
	d.mu.Unlock()
}

// takeFailure must be called with d.mu held.
func (d *Device) takeFailure(op fabric.Opcode, status fabric.Status) fabric.Status {
	if status != fabric.StatusSuccess || d.failNext == nil {
		return status
	}
	if injected, ok := d.failNext[op]; ok {
		delete(d.failNext, op)
		return injected
	}
	return status
}
