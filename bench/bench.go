// Package bench drives a two-rank ping-pong over a rendezvous engine and reports
// one-way latency, message rate and bandwidth for every message size.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/rocketbitz/rdvbench/fabric"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

// ErrDataMismatch reports a received byte that differs from the value the peer wrote.
var ErrDataMismatch = errors.New("bench: received data mismatch")

// Options controls Run.
type Options struct {
	RunID      string
	MinMsgSize int
	MaxMsgSize int
	TouchData  bool

	Loop           int
	Skip           int
	LoopLarge      int
	SkipLarge      int
	LargeThreshold int

	Logger *zap.Logger
	Tracer Tracer
}

// DefaultOptions returns the stock iteration counts: 40000 timed and 10000 warmup
// iterations, dropping to 10000 and 1000 from 8 KiB up.
func DefaultOptions() Options {
	return Options{
		MinMsgSize:     8,
		MaxMsgSize:     64 * 1024,
		TouchData:      true,
		Loop:           40000,
		Skip:           10000,
		LoopLarge:      10000,
		SkipLarge:      1000,
		LargeThreshold: 8192,
	}
}

func (o Options) iterations(size int) (loop, skip int) {
	if size >= o.LargeThreshold {
		return o.LoopLarge, o.SkipLarge
	}
	return o.Loop, o.Skip
}

func (o Options) validate() error {
	if o.MinMsgSize < 1 || o.MaxMsgSize < o.MinMsgSize {
		return fmt.Errorf("bench: invalid message size range [%d,%d]", o.MinMsgSize, o.MaxMsgSize)
	}
	if o.Loop <= 0 || o.LoopLarge <= 0 || o.Skip < 0 || o.SkipLarge < 0 {
		return fmt.Errorf("bench: invalid iteration counts loop=%d/%d skip=%d/%d", o.Loop, o.LoopLarge, o.Skip, o.SkipLarge)
	}
	return nil
}

// Result is the measurement for one message size.
type Result struct {
	Size         int     `yaml:"size"`
	Iterations   int     `yaml:"iterations"`
	LatencyUS    float64 `yaml:"latency_us"`
	MsgRateM     float64 `yaml:"msg_rate_mmsg_s"`
	BandwidthMiB float64 `yaml:"bandwidth_mib_s"`
	RTTP50US     float64 `yaml:"rtt_p50_us"`
	RTTP99US     float64 `yaml:"rtt_p99_us"`
}

// Report collects the results of one rank. Stats is set for rendezvous runs only.
type Report struct {
	RunID     string            `yaml:"run_id"`
	Variant   string            `yaml:"variant"`
	Rank      int               `yaml:"rank"`
	StartedAt time.Time         `yaml:"started_at"`
	Results   []Result          `yaml:"results"`
	Stats     *rendezvous.Stats `yaml:"stats,omitempty"`
}

type driver struct {
	opts    Options
	eng     *rendezvous.Engine
	log     *zap.Logger
	rank    int
	peer    int
	sendBuf fabric.Buffer
	recvBuf fabric.Buffer
	value   byte
	expect  byte
	tag     uint64
}

// Run executes the ping-pong against the single peer of eng. Rank 0 sends first and
// rank 1 mirrors it. region must hold two buffers of MaxMsgSize bytes.
func Run(ctx context.Context, opts Options, eng *rendezvous.Engine, region *fabric.MemoryRegion) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	rank := eng.Rank()
	if rank != 0 && rank != 1 {
		return nil, fmt.Errorf("bench: ping-pong needs ranks 0 and 1, got %d", rank)
	}
	sendBuf, err := region.Buffer(0, opts.MaxMsgSize)
	if err != nil {
		return nil, fmt.Errorf("bench: send buffer: %w", err)
	}
	recvBuf, err := region.Buffer(opts.MaxMsgSize, opts.MaxMsgSize)
	if err != nil {
		return nil, fmt.Errorf("bench: receive buffer: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d := &driver{
		opts:    opts,
		eng:     eng,
		log:     log.With(zap.Int("rank", rank), zap.String("variant", eng.Variant().String())),
		rank:    rank,
		peer:    1 - rank,
		sendBuf: sendBuf,
		recvBuf: recvBuf,
		value:   'a' + byte(rank),
		expect:  'a' + byte(1-rank),
	}

	rep := &Report{RunID: opts.RunID, Variant: eng.Variant().String(), Rank: rank, StartedAt: time.Now().UTC()}
	if err := varyMessageSize(ctx, opts, d.log, rank, rep, d.iteration); err != nil {
		return rep, err
	}
	stats := eng.Stats()
	rep.Stats = &stats
	return rep, nil
}

// varyMessageSize measures iteration for every power-of-two size in
// [MinMsgSize, MaxMsgSize] and appends the results to rep.
func varyMessageSize(ctx context.Context, opts Options, log *zap.Logger, rank int, rep *Report, iteration func(context.Context, int) error) error {
	hist := hdrhistogram.New(1, int64(time.Minute), 3)
	for size := opts.MinMsgSize; size <= opts.MaxMsgSize; size <<= 1 {
		res, err := measure(ctx, opts, log, rank, size, hist, iteration)
		if err != nil {
			return err
		}
		rep.Results = append(rep.Results, res)
	}
	return nil
}

func measure(ctx context.Context, opts Options, log *zap.Logger, rank, size int, hist *hdrhistogram.Histogram, iteration func(context.Context, int) error) (res Result, err error) {
	loop, skip := opts.iterations(size)
	span := startSpan(opts.Tracer, "rdvbench.message_size",
		TraceAttribute{Key: "rank", Value: rank},
		TraceAttribute{Key: "size", Value: size},
		TraceAttribute{Key: "loop", Value: loop},
		TraceAttribute{Key: "skip", Value: skip},
	)
	defer func() { endSpan(span, err) }()

	for i := 0; i < skip; i++ {
		if err := iteration(ctx, size); err != nil {
			return res, err
		}
	}
	spanEvent(span, "warmup_done")

	hist.Reset()
	clamped := 0
	start := time.Now()
	last := start
	for i := 0; i < loop; i++ {
		if err := iteration(ctx, size); err != nil {
			return res, err
		}
		now := time.Now()
		if recordRTT(hist, now.Sub(last)) {
			clamped++
		}
		last = now
	}
	elapsed := last.Sub(start).Seconds()
	if clamped > 0 {
		log.Warn("round trips above histogram range recorded at its ceiling",
			zap.Int("size", size),
			zap.Int("samples", clamped),
			zap.Duration("ceiling", time.Duration(hist.HighestTrackableValue())),
		)
	}

	res = Result{
		Size:         size,
		Iterations:   loop,
		LatencyUS:    1e6 * elapsed / (2 * float64(loop)),
		MsgRateM:     float64(loop) / elapsed / 1e6,
		BandwidthMiB: float64(loop) * float64(size) / elapsed / 1024 / 1024,
		RTTP50US:     float64(hist.ValueAtQuantile(50)) / 1e3,
		RTTP99US:     float64(hist.ValueAtQuantile(99)) / 1e3,
	}
	log.Info("message size complete",
		zap.Int("size", size),
		zap.Int("loop", loop),
		zap.Float64("latency_us", res.LatencyUS),
		zap.Float64("bandwidth_mib_s", res.BandwidthMiB),
	)
	return res, nil
}

func (d *driver) iteration(ctx context.Context, size int) error {
	if d.rank == 0 {
		if err := d.send(ctx, size); err != nil {
			return err
		}
		return d.receive(ctx, size)
	}
	if err := d.receive(ctx, size); err != nil {
		return err
	}
	return d.send(ctx, size)
}

func (d *driver) send(ctx context.Context, size int) error {
	buf := d.sendBuf.Slice(size)
	if d.opts.TouchData {
		writeBuffer(buf.Bytes(), d.value)
	}
	d.tag++
	if _, err := d.eng.Send(d.peer, buf, d.tag); err != nil {
		return err
	}
	_, err := d.eng.Wait(ctx, 1)
	return err
}

func (d *driver) receive(ctx context.Context, size int) error {
	buf := d.recvBuf.Slice(size)
	d.tag++
	if err := d.eng.Receive(d.peer, buf, d.tag); err != nil {
		return err
	}
	if _, err := d.eng.Wait(ctx, 1); err != nil {
		return err
	}
	if d.opts.TouchData {
		return checkBuffer(buf.Bytes(), d.expect)
	}
	return nil
}

// recordRTT records rtt in nanoseconds, clamping it to the histogram's ceiling. It
// reports whether the sample was clamped.
func recordRTT(hist *hdrhistogram.Histogram, rtt time.Duration) bool {
	v := int64(rtt)
	clamped := false
	if ceiling := hist.HighestTrackableValue(); v > ceiling {
		v = ceiling
		clamped = true
	}
	if err := hist.RecordValue(v); err != nil {
		return true
	}
	return clamped
}

func writeBuffer(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func checkBuffer(b []byte, want byte) error {
	for i, got := range b {
		if got != want {
			return fmt.Errorf("%w: buffer[%d]=%d, want %d", ErrDataMismatch, i, got, want)
		}
	}
	return nil
}
