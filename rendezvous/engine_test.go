package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdvbench/fabric"
	"github.com/rocketbitz/rdvbench/fabric/loopback"
)

type testRank struct {
	dev *loopback.Device
	eng *Engine
	mr  *fabric.MemoryRegion
}

func newTestRanks(t *testing.T, cfg Config, regionSize int) []*testRank {
	t.Helper()
	return newRanksWith(t, regionSize, func(_ int, dev *loopback.Device) (Config, fabric.Transport) {
		return cfg, dev
	})
}

// newRanksWith builds a two-rank loopback world where configure picks each rank's
// engine config and the transport the engine drives.
func newRanksWith(t *testing.T, regionSize int, configure func(rank int, dev *loopback.Device) (Config, fabric.Transport)) []*testRank {
	t.Helper()
	net, err := loopback.NewNetwork(2)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := net.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	ranks := make([]*testRank, net.Size())
	for r := range ranks {
		dev, err := net.Device(r)
		if err != nil {
			t.Fatalf("Device: %v", err)
		}
		rankCfg, tr := configure(r, dev)
		rankCfg.Rank = r
		eng, err := New(rankCfg, tr)
		if err != nil {
			t.Fatalf("New rank %d: %v", r, err)
		}
		mr, err := dev.RegisterMemory(make([]byte, regionSize), fabric.MRAccessAll)
		if err != nil {
			t.Fatalf("RegisterMemory: %v", err)
		}
		ranks[r] = &testRank{dev: dev, eng: eng, mr: mr}
	}
	return ranks
}

func (r *testRank) buffer(t *testing.T, offset, length int) fabric.Buffer {
	t.Helper()
	buf, err := r.mr.Buffer(offset, length)
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	return buf
}

// pump services every engine round-robin on the calling goroutine until done
// reports true for the completions gathered so far.
func pump(t *testing.T, ranks []*testRank, done func(got [][]Completion) bool) [][]Completion {
	t.Helper()
	got := make([][]Completion, len(ranks))
	for i := 0; i < 1_000_000; i++ {
		if done(got) {
			return got
		}
		for r, tr := range ranks {
			c, ok, err := tr.eng.ServiceOnce()
			if err != nil {
				t.Fatalf("rank %d ServiceOnce: %v", r, err)
			}
			if ok {
				got[r] = append(got[r], c)
			}
		}
	}
	t.Fatal("transfers did not complete")
	return nil
}

func completed(counts ...int) func([][]Completion) bool {
	return func(got [][]Completion) bool {
		for r, n := range counts {
			if len(got[r]) < n {
				return false
			}
		}
		return true
	}
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i%251)
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	sizes := []int{0, 1, 8, 63, 4096, 65536}
	for _, variant := range Variants() {
		t.Run(variant.String(), func(t *testing.T) {
			ranks := newTestRanks(t, Config{Variant: variant}, 2*65536)
			for i, size := range sizes {
				src := ranks[0].buffer(t, 0, size)
				dst := ranks[1].buffer(t, 65536, 65536)
				fill(src.Bytes(), byte(i+1))
				clear(dst.Bytes())

				if err := ranks[1].eng.Receive(0, dst, uint64(100+i)); err != nil {
					t.Fatalf("Receive: %v", err)
				}
				h, err := ranks[0].eng.Send(1, src, uint64(i))
				if err != nil {
					t.Fatalf("Send: %v", err)
				}
				got := pump(t, ranks, completed(1, 1))

				sent := got[0][0]
				if sent.Role != RoleSend || sent.Handle != h || sent.Tag != uint64(i) || sent.Size != size || sent.Peer != 1 {
					t.Fatalf("unexpected send completion %+v", sent)
				}
				recv := got[1][0]
				if recv.Role != RoleReceive || recv.Tag != uint64(100+i) || recv.Size != size || recv.Peer != 0 {
					t.Fatalf("unexpected receive completion %+v", recv)
				}
				if !bytes.Equal(dst.Bytes()[:size], src.Bytes()) {
					t.Fatalf("size %d: payload mismatch", size)
				}
			}
			for r, tr := range ranks {
				if live := tr.eng.Stats().LiveContexts(); live != 0 {
					t.Fatalf("rank %d: %d live contexts", r, live)
				}
			}
		})
	}
}

func TestDrainAllFreesEveryContext(t *testing.T) {
	const transfers = 40
	const slot = 256
	for _, variant := range Variants() {
		t.Run(variant.String(), func(t *testing.T) {
			ranks := newTestRanks(t, Config{Variant: variant}, 2*transfers*slot)
			for i := 0; i < transfers; i++ {
				sender, receiver := ranks[i%2], ranks[1-i%2]
				src := sender.buffer(t, i*slot, slot)
				fill(src.Bytes(), byte(i))
				dst := receiver.buffer(t, (transfers+i)*slot, slot)
				if err := receiver.eng.Receive(sender.eng.Rank(), dst, uint64(i)); err != nil {
					t.Fatalf("Receive %d: %v", i, err)
				}
				if _, err := sender.eng.Send(receiver.eng.Rank(), src, uint64(i)); err != nil {
					t.Fatalf("Send %d: %v", i, err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			results := make([][]Completion, len(ranks))
			g, gctx := errgroup.WithContext(ctx)
			for r, tr := range ranks {
				g.Go(func() error {
					out, err := tr.eng.DrainAll(gctx)
					results[r] = out
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("DrainAll: %v", err)
			}

			for r, tr := range ranks {
				if len(results[r]) != transfers {
					t.Fatalf("rank %d: got %d completions, want %d", r, len(results[r]), transfers)
				}
				st := tr.eng.Stats()
				if st.SendContextsAllocated != transfers/2 || st.SendContextsFreed != transfers/2 {
					t.Fatalf("rank %d: send contexts %d/%d", r, st.SendContextsAllocated, st.SendContextsFreed)
				}
				if st.RecvContextsAllocated != transfers/2 || st.RecvContextsFreed != transfers/2 {
					t.Fatalf("rank %d: receive contexts %d/%d", r, st.RecvContextsAllocated, st.RecvContextsFreed)
				}
				if tr.eng.Outstanding() != 0 {
					t.Fatalf("rank %d: %d outstanding", r, tr.eng.Outstanding())
				}
				for _, c := range results[r] {
					if c.Role != RoleReceive {
						continue
					}
					i := int(c.Tag)
					want := make([]byte, slot)
					fill(want, byte(i))
					got := tr.mr.Bytes()[(transfers+i)*slot : (transfers+i+1)*slot]
					if !bytes.Equal(got, want) {
						t.Fatalf("rank %d transfer %d: payload mismatch", r, i)
					}
				}
			}
		})
	}
}

func TestWriteFINExchangesThreeControlMessagesPerTransfer(t *testing.T) {
	ranks := newTestRanks(t, Config{Variant: VariantWrite}, 2*65536+64)
	small := ranks[0].buffer(t, 0, 8)
	large := ranks[0].buffer(t, 64, 65536)
	copy(small.Bytes(), "rank0-8B")
	fill(large.Bytes(), 'x')

	smallDst := ranks[1].buffer(t, 0, 8)
	largeDst := ranks[1].buffer(t, 64, 65536)
	if err := ranks[1].eng.Receive(0, smallDst, 1); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := ranks[1].eng.Receive(0, largeDst, 2); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := ranks[0].eng.Send(1, small, 1); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := ranks[0].eng.Send(1, large, 2); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pump(t, ranks, completed(2, 2))

	if !bytes.Equal(smallDst.Bytes(), small.Bytes()) || !bytes.Equal(largeDst.Bytes(), large.Bytes()) {
		t.Fatal("payload mismatch")
	}
	s0, s1 := ranks[0].eng.Stats(), ranks[1].eng.Stats()
	if total := s0.ControlSent() + s1.ControlSent(); total != 6 {
		t.Fatalf("control messages exchanged = %d, want 6", total)
	}
	if s0.RTSSent != 2 || s1.RTRSent != 2 || s0.FINSent != 2 {
		t.Fatalf("unexpected control mix rank0=%+v rank1=%+v", s0, s1)
	}
	if s0.LiveContexts() != 0 || s1.LiveContexts() != 0 {
		t.Fatal("contexts leaked")
	}
}

func TestWriteImmSlotTableNeverExhausted(t *testing.T) {
	ranks := newTestRanks(t, Config{Variant: VariantWriteImm, SlotBits: 10}, 128)
	src := ranks[0].buffer(t, 0, 64)
	dst := ranks[1].buffer(t, 64, 64)
	for i := 0; i < 20000; i++ {
		if err := ranks[1].eng.Receive(0, dst, uint64(i)); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if _, err := ranks[0].eng.Send(1, src, uint64(i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		got := pump(t, ranks, completed(1, 1))
		if got[1][0].Tag != uint64(i) {
			t.Fatalf("iteration %d: got tag %d", i, got[1][0].Tag)
		}
	}
	st := ranks[1].eng.Stats()
	if st.SlotHighWater != 1 {
		t.Fatalf("slot high water %d, want 1", st.SlotHighWater)
	}
	if ranks[1].eng.slots.Len() != 0 {
		t.Fatalf("slot table holds %d keys", ranks[1].eng.slots.Len())
	}
	if st.RecvContextsFreed != 20000 {
		t.Fatalf("freed %d receive contexts", st.RecvContextsFreed)
	}
}

func TestOversizeRTSIsFatal(t *testing.T) {
	for _, variant := range Variants() {
		t.Run(variant.String(), func(t *testing.T) {
			ranks := newTestRanks(t, Config{Variant: variant}, 256)
			if err := ranks[1].eng.Receive(0, ranks[1].buffer(t, 0, 8), 0); err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if _, err := ranks[0].eng.Send(1, ranks[0].buffer(t, 0, 64), 0); err != nil {
				t.Fatalf("Send: %v", err)
			}

			var err error
			for i := 0; i < 1000 && err == nil; i++ {
				_, _, err = ranks[1].eng.ServiceOnce()
			}
			if !errors.Is(err, ErrOversize) {
				t.Fatalf("expected ErrOversize, got %v", err)
			}
			fatal, ok := IsFatal(err)
			if !ok || fatal.Class != ClassProtocol || fatal.Peer != 0 {
				t.Fatalf("unexpected fatal error %#v", fatal)
			}
			if _, _, again := ranks[1].eng.ServiceOnce(); again != err {
				t.Fatalf("engine not poisoned: %v", again)
			}
			if rerr := ranks[1].eng.Receive(0, ranks[1].buffer(t, 0, 8), 0); rerr != err {
				t.Fatalf("Receive after fatal: %v", rerr)
			}
			if ranks[1].eng.Stats().RecvContextsAllocated != 0 {
				t.Fatal("oversize announcement allocated a receive context")
			}
		})
	}
}

func TestUnexpectedRTSMatchedOnReceive(t *testing.T) {
	ranks := newTestRanks(t, Config{Variant: VariantRead}, 128)
	src := ranks[0].buffer(t, 0, 32)
	fill(src.Bytes(), 'q')
	if _, err := ranks[0].eng.Send(1, src, 9); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < 100 && ranks[1].eng.Stats().UnexpectedRTS == 0; i++ {
		if _, _, err := ranks[1].eng.ServiceOnce(); err != nil {
			t.Fatalf("ServiceOnce: %v", err)
		}
	}
	if ranks[1].eng.Stats().UnexpectedRTS != 1 {
		t.Fatal("RTS was not queued as unexpected")
	}

	dst := ranks[1].buffer(t, 64, 64)
	if err := ranks[1].eng.Receive(AnySource, dst, 10); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	got := pump(t, ranks, completed(1, 1))
	if got[1][0].Peer != 0 || got[1][0].Size != 32 {
		t.Fatalf("unexpected completion %+v", got[1][0])
	}
	if !bytes.Equal(dst.Bytes()[:32], src.Bytes()) {
		t.Fatal("payload mismatch")
	}
}

func TestFailedCompletionIsTransportFatal(t *testing.T) {
	ranks := newTestRanks(t, Config{Variant: VariantWrite}, 64)
	ranks[0].dev.FailNext(fabric.OpSend, fabric.StatusFlushed)
	if _, err := ranks[0].eng.Send(1, ranks[0].buffer(t, 0, 8), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, _, err = ranks[0].eng.ServiceOnce()
	}
	fatal, ok := IsFatal(err)
	if !ok || fatal.Class != ClassTransport || fatal.Peer != 1 {
		t.Fatalf("unexpected error %v", err)
	}
	var cerr *fabric.CompletionError
	if !errors.As(err, &cerr) || cerr.Status != fabric.StatusFlushed {
		t.Fatalf("expected completion error, got %v", err)
	}
}

func TestCloseRequiresIdleEngine(t *testing.T) {
	ranks := newTestRanks(t, Config{Variant: VariantWriteImm}, 64)
	if _, err := ranks[0].eng.Send(1, ranks[0].buffer(t, 0, 8), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ranks[0].eng.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := ranks[1].eng.Receive(0, ranks[1].buffer(t, 0, 8), 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	pump(t, ranks, completed(1, 1))
	for r, tr := range ranks {
		if err := tr.eng.Close(); err != nil {
			t.Fatalf("rank %d Close: %v", r, err)
		}
	}
	if _, err := ranks[0].eng.Send(1, ranks[0].buffer(t, 0, 8), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewRejectsInvalidVariant(t *testing.T) {
	net, err := loopback.NewNetwork(1)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	dev, _ := net.Device(0)
	_, err = New(Config{Variant: Variant{Transfer: Pull, Completion: ImmediateTag}}, dev)
	if !errors.Is(err, ErrInvalidVariant) {
		t.Fatalf("expected ErrInvalidVariant, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ranks := newTestRanks(t, Config{Variant: VariantRead}, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := ranks[0].eng.Wait(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) || len(out) != 0 {
		t.Fatalf("expected deadline exceeded, got %v (%d completions)", err, len(out))
	}
}

func TestMismatchedControlMessageIsProtocolFatal(t *testing.T) {
	tests := []struct {
		name     string
		sender   Variant
		receiver Variant
		failing  int
		want     string
	}{
		{"fin under write_imm", VariantWrite, VariantWriteImm, 1, "fin under write_imm"},
		{"rtr under read", VariantRead, VariantWrite, 0, "rtr under read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variants := []Variant{tt.sender, tt.receiver}
			ranks := newRanksWith(t, 256, func(rank int, dev *loopback.Device) (Config, fabric.Transport) {
				return Config{Variant: variants[rank]}, dev
			})
			if _, err := ranks[0].eng.Send(1, ranks[0].buffer(t, 0, 32), 1); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if err := ranks[1].eng.Receive(0, ranks[1].buffer(t, 0, 32), 1); err != nil {
				t.Fatalf("Receive: %v", err)
			}

			var err error
			for i := 0; i < 10000 && err == nil; i++ {
				for r, tr := range ranks {
					_, _, serr := tr.eng.ServiceOnce()
					if serr == nil {
						continue
					}
					if r != tt.failing {
						t.Fatalf("rank %d failed instead of rank %d: %v", r, tt.failing, serr)
					}
					err = serr
					break
				}
			}
			if !errors.Is(err, ErrUnexpectedMessage) {
				t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
			}
			fatal, ok := IsFatal(err)
			if !ok || fatal.Class != ClassProtocol || fatal.Peer != 1-tt.failing {
				t.Fatalf("unexpected fatal error %#v", fatal)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %q", tt.want, err)
			}
			if ranks[tt.failing].eng.Err() != err {
				t.Fatalf("engine not poisoned: %v", ranks[tt.failing].eng.Err())
			}
		})
	}
}

// replayTransport hands queued completions to the engine before polling the device.
type replayTransport struct {
	*loopback.Device
	queued []fabric.CompletionEvent
}

func (r *replayTransport) PollCompletion() (fabric.CompletionEvent, error) {
	if len(r.queued) > 0 {
		ev := r.queued[0]
		r.queued = r.queued[1:]
		return ev, nil
	}
	return r.Device.PollCompletion()
}

func TestCompletionForFreedContextIsRejected(t *testing.T) {
	replay := make([]*replayTransport, 2)
	ranks := newRanksWith(t, 256, func(rank int, dev *loopback.Device) (Config, fabric.Transport) {
		replay[rank] = &replayTransport{Device: dev}
		return Config{Variant: VariantRead}, replay[rank]
	})
	if _, err := ranks[0].eng.Send(1, ranks[0].buffer(t, 0, 16), 3); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ranks[1].eng.Receive(0, ranks[1].buffer(t, 0, 16), 3); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	got := pump(t, ranks, completed(1, 1))
	freed := got[1][0].Handle

	// a duplicate read completion for the receive that already finished
	replay[1].queued = append(replay[1].queued, fabric.CompletionEvent{
		Status:  fabric.StatusSuccess,
		Opcode:  fabric.OpRead,
		Context: uint64(freed),
		QPNum:   ranks[1].dev.QueuePairs()[0].Num,
		Length:  16,
	})
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, _, err = ranks[1].eng.ServiceOnce()
	}
	if !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
	if fatal, ok := IsFatal(err); !ok || fatal.Class != ClassProtocol {
		t.Fatalf("unexpected fatal error %#v", fatal)
	}
}
