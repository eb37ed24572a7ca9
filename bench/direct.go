package bench

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/rdvbench/fabric"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

// Baseline selects a direct ping-pong that moves every message with a single verb and
// no handshake. Rendezvous results are read against these numbers.
type Baseline int

const (
	// BaselineEagerSend copies each message through a two-sided send into a posted receive.
	BaselineEagerSend Baseline = iota + 1
	// BaselineRDMARead has rank 0 read the peer's buffer; rank 1 stays passive.
	BaselineRDMARead
	// BaselineRDMAWriteImm writes into the peer's buffer and signals it with an immediate.
	BaselineRDMAWriteImm
)

// ErrUnknownBaseline reports a baseline name that ParseBaseline does not recognise.
var ErrUnknownBaseline = errors.New("bench: unknown baseline")

// Baselines returns every baseline in display order.
func Baselines() []Baseline {
	return []Baseline{BaselineEagerSend, BaselineRDMARead, BaselineRDMAWriteImm}
}

func (b Baseline) String() string {
	switch b {
	case BaselineEagerSend:
		return "eager_send"
	case BaselineRDMARead:
		return "rdma_read"
	case BaselineRDMAWriteImm:
		return "rdma_write_imm"
	default:
		return "invalid"
	}
}

// Describe returns a one-line summary of the data path.
func (b Baseline) Describe() string {
	switch b {
	case BaselineEagerSend:
		return "eager send/recv ping-pong, payload copied into posted receives"
	case BaselineRDMARead:
		return "rank 0 reads the peer buffer with one RDMA read per iteration"
	case BaselineRDMAWriteImm:
		return "RDMA write with immediate into a known peer buffer, no handshake"
	default:
		return "invalid baseline"
	}
}

// ParseBaseline resolves a baseline name. Dashes and underscores are interchangeable.
func ParseBaseline(name string) (Baseline, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, b := range Baselines() {
		if b.String() == key {
			return b, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBaseline, name)
}

const (
	// region descriptor: addr u64, rkey u32, size u32
	descriptorSize = 16
	immBase        = 77
	pollCheckEvery = 256
)

// DirectRegionSize returns the registered bytes RunDirect needs: a send and a receive
// buffer, each large enough for MaxMsgSize and the startup descriptor.
func DirectRegionSize(opts Options) int {
	return 2 * directBufferSize(opts)
}

func directBufferSize(opts Options) int {
	return max(opts.MaxMsgSize, descriptorSize)
}

type remoteRegion struct {
	addr uint64
	rkey uint32
	size uint32
}

type direct struct {
	opts     Options
	baseline Baseline
	tr       fabric.Transport
	log      *zap.Logger
	region   *fabric.MemoryRegion
	rank     int
	peer     int
	bufSize  int
	sendBuf  fabric.Buffer
	recvBuf  fabric.Buffer
	remote   remoteRegion
	posted   int
	pending  []fabric.CompletionEvent
	value    byte
	expect   byte
}

// RunDirect executes baseline on tr for one rank of a two-rank world. The ranks first
// swap region descriptors with eager sends; region must be DirectRegionSize bytes or
// more and carry remote read and write access.
func RunDirect(ctx context.Context, opts Options, baseline Baseline, rank int, tr fabric.Transport, region *fabric.MemoryRegion) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if baseline.String() == "invalid" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBaseline, int(baseline))
	}
	if rank != 0 && rank != 1 {
		return nil, fmt.Errorf("bench: ping-pong needs ranks 0 and 1, got %d", rank)
	}
	size := directBufferSize(opts)
	sendBuf, err := region.Buffer(0, size)
	if err != nil {
		return nil, fmt.Errorf("bench: send buffer: %w", err)
	}
	recvBuf, err := region.Buffer(size, size)
	if err != nil {
		return nil, fmt.Errorf("bench: receive buffer: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d := &direct{
		opts:     opts,
		baseline: baseline,
		tr:       tr,
		log:      log.With(zap.Int("rank", rank), zap.String("variant", baseline.String())),
		region:   region,
		rank:     rank,
		peer:     1 - rank,
		bufSize:  size,
		sendBuf:  sendBuf,
		recvBuf:  recvBuf,
		value:    'a' + byte(rank),
		expect:   'a' + byte(1-rank),
	}

	rep := &Report{RunID: opts.RunID, Variant: baseline.String(), Rank: rank, StartedAt: time.Now().UTC()}
	if err := d.replenish(); err != nil {
		return rep, err
	}
	if err := d.exchange(ctx); err != nil {
		return rep, err
	}

	if baseline == BaselineRDMARead {
		return rep, d.runRead(ctx, rep)
	}
	iteration := d.eagerIteration
	if baseline == BaselineRDMAWriteImm {
		iteration = d.writeImmIteration
	}
	return rep, varyMessageSize(ctx, opts, d.log, rank, rep, iteration)
}

// exchange publishes this rank's region to the peer and learns the peer's.
func (d *direct) exchange(ctx context.Context) error {
	b := d.sendBuf.Bytes()[:descriptorSize]
	binary.LittleEndian.PutUint64(b[0:], d.region.Addr())
	binary.LittleEndian.PutUint32(b[8:], d.region.RemoteKey())
	binary.LittleEndian.PutUint32(b[12:], uint32(d.region.Size()))
	if err := d.send(ctx, descriptorSize); err != nil {
		return fmt.Errorf("bench: send region descriptor: %w", err)
	}
	ev, err := d.receive(ctx, fabric.OpRecv)
	if err != nil {
		return fmt.Errorf("bench: receive region descriptor: %w", err)
	}
	if ev.Length != descriptorSize {
		return fmt.Errorf("bench: region descriptor of %d bytes, want %d", ev.Length, descriptorSize)
	}
	r := d.recvBuf.Bytes()[:descriptorSize]
	d.remote = remoteRegion{
		addr: binary.LittleEndian.Uint64(r[0:]),
		rkey: binary.LittleEndian.Uint32(r[8:]),
		size: binary.LittleEndian.Uint32(r[12:]),
	}
	if int(d.remote.size) < 2*d.bufSize {
		return fmt.Errorf("bench: peer region of %d bytes, need %d", d.remote.size, 2*d.bufSize)
	}
	return nil
}

func (d *direct) eagerIteration(ctx context.Context, size int) error {
	if d.rank == 0 {
		if err := d.touchAndSend(ctx, size); err != nil {
			return err
		}
		return d.receiveAndCheck(ctx, fabric.OpRecv, size)
	}
	if err := d.receiveAndCheck(ctx, fabric.OpRecv, size); err != nil {
		return err
	}
	return d.touchAndSend(ctx, size)
}

func (d *direct) writeImmIteration(ctx context.Context, size int) error {
	if d.rank == 0 {
		if err := d.writeImm(ctx, size); err != nil {
			return err
		}
		return d.receiveAndCheck(ctx, fabric.OpRecvRDMAWithImm, size)
	}
	if err := d.receiveAndCheck(ctx, fabric.OpRecvRDMAWithImm, size); err != nil {
		return err
	}
	return d.writeImm(ctx, size)
}

// runRead lets rank 0 pull from rank 1 while rank 1 waits for the finish signal. Rank 1
// fills its send buffer before sending the start signal.
func (d *direct) runRead(ctx context.Context, rep *Report) error {
	if d.rank == 1 {
		if d.opts.TouchData {
			writeBuffer(d.sendBuf.Bytes(), d.value)
		}
		if err := d.send(ctx, 0); err != nil {
			return fmt.Errorf("bench: start signal: %w", err)
		}
		if _, err := d.receive(ctx, fabric.OpRecv); err != nil {
			return fmt.Errorf("bench: finish signal: %w", err)
		}
		return nil
	}

	if _, err := d.receive(ctx, fabric.OpRecv); err != nil {
		return fmt.Errorf("bench: start signal: %w", err)
	}
	if err := varyMessageSize(ctx, d.opts, d.log, d.rank, rep, d.readIteration); err != nil {
		return err
	}
	if err := d.send(ctx, 0); err != nil {
		return fmt.Errorf("bench: finish signal: %w", err)
	}
	return nil
}

func (d *direct) readIteration(ctx context.Context, size int) error {
	dst := d.recvBuf.Slice(size)
	if d.opts.TouchData {
		writeBuffer(dst.Bytes(), d.value)
	}
	req := fabric.RMARequest{
		Peer:       d.peer,
		Addr:       dst.Addr,
		Length:     dst.Length,
		LKey:       dst.LKey,
		RemoteAddr: d.remote.addr,
		RemoteKey:  d.remote.rkey,
	}
	if err := d.tr.PostRead(&req); err != nil {
		return fmt.Errorf("bench: post read: %w", err)
	}
	if _, err := d.await(ctx, fabric.OpRead); err != nil {
		return err
	}
	if d.opts.TouchData {
		return checkBuffer(dst.Bytes(), d.expect)
	}
	return nil
}

func (d *direct) touchAndSend(ctx context.Context, size int) error {
	if d.opts.TouchData {
		writeBuffer(d.sendBuf.Slice(size).Bytes(), d.value)
	}
	return d.send(ctx, size)
}

func (d *direct) send(ctx context.Context, size int) error {
	buf := d.sendBuf.Slice(size)
	req := fabric.SendRequest{Peer: d.peer, Addr: buf.Addr, Length: buf.Length, LKey: buf.LKey}
	if err := d.tr.PostSend(&req); err != nil {
		return fmt.Errorf("bench: post send: %w", err)
	}
	_, err := d.await(ctx, fabric.OpSend)
	return err
}

func (d *direct) writeImm(ctx context.Context, size int) error {
	src := d.sendBuf.Slice(size)
	if d.opts.TouchData {
		writeBuffer(src.Bytes(), d.value)
	}
	req := fabric.RMARequest{
		Peer:       d.peer,
		Addr:       src.Addr,
		Length:     src.Length,
		LKey:       src.LKey,
		RemoteAddr: d.remote.addr + uint64(d.bufSize),
		RemoteKey:  d.remote.rkey,
		Imm:        immBase + uint32(d.rank),
		HasImm:     true,
	}
	if err := d.tr.PostWrite(&req); err != nil {
		return fmt.Errorf("bench: post write: %w", err)
	}
	_, err := d.await(ctx, fabric.OpWrite)
	return err
}

func (d *direct) receiveAndCheck(ctx context.Context, op fabric.Opcode, size int) error {
	ev, err := d.receive(ctx, op)
	if err != nil {
		return err
	}
	if op == fabric.OpRecvRDMAWithImm && ev.Imm != immBase+uint32(d.peer) {
		return fmt.Errorf("%w: immediate %d, want %d", ErrDataMismatch, ev.Imm, immBase+d.peer)
	}
	if int(ev.Length) != size {
		return fmt.Errorf("%w: received %d bytes, want %d", ErrDataMismatch, ev.Length, size)
	}
	if d.opts.TouchData {
		return checkBuffer(d.recvBuf.Slice(size).Bytes(), d.expect)
	}
	return nil
}

// receive waits for one receive-side completion and tops the posted receives back up.
func (d *direct) receive(ctx context.Context, op fabric.Opcode) (fabric.CompletionEvent, error) {
	ev, err := d.await(ctx, op)
	if err != nil {
		return ev, err
	}
	d.posted--
	if d.posted < rendezvous.DefaultRecvLowWater {
		if err := d.replenish(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (d *direct) replenish() error {
	for d.posted < rendezvous.DefaultRecvHighWater {
		req := fabric.RecvRequest{Addr: d.recvBuf.Addr, Length: d.recvBuf.Length, LKey: d.recvBuf.LKey}
		if err := d.tr.PostRecv(&req); err != nil {
			return fmt.Errorf("bench: post recv: %w", err)
		}
		d.posted++
	}
	return nil
}

// await polls until a completion for op arrives. Completions for other opcodes are kept
// for later calls.
func (d *direct) await(ctx context.Context, op fabric.Opcode) (fabric.CompletionEvent, error) {
	for i, ev := range d.pending {
		if ev.Opcode == op {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return ev, nil
		}
	}
	for polls := 0; ; polls++ {
		if polls%pollCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fabric.CompletionEvent{}, err
			}
		}
		ev, err := d.tr.PollCompletion()
		if errors.Is(err, fabric.ErrNoCompletion) {
			continue
		}
		if err != nil {
			return ev, err
		}
		if err := ev.Err(); err != nil {
			return ev, fmt.Errorf("bench: %s: %w", d.baseline, err)
		}
		if ev.Opcode == op {
			return ev, nil
		}
		d.pending = append(d.pending, ev)
	}
}
