package bench

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/rdvbench/fabric"
	"github.com/rocketbitz/rdvbench/fabric/loopback"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

func smallOptions() Options {
	return Options{
		MinMsgSize:     1,
		MaxMsgSize:     256,
		TouchData:      true,
		Loop:           20,
		Skip:           2,
		LoopLarge:      10,
		SkipLarge:      1,
		LargeThreshold: 64,
	}
}

func runLoopback(t *testing.T, opts Options, variant rendezvous.Variant) []*Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reps, err := RunLoopback(ctx, opts, rendezvous.Config{Variant: variant})
	if err != nil {
		t.Fatalf("RunLoopback %s: %v", variant, err)
	}
	return reps
}

func TestRunLoopbackAllVariants(t *testing.T) {
	wantSizes := []int{1, 2, 4, 8, 16, 32, 64, 128, 256}
	for _, variant := range rendezvous.Variants() {
		t.Run(variant.String(), func(t *testing.T) {
			reps := runLoopback(t, smallOptions(), variant)
			if len(reps) != 2 {
				t.Fatalf("expected 2 reports, got %d", len(reps))
			}
			if reps[0].RunID == "" || reps[0].RunID != reps[1].RunID {
				t.Fatalf("run ids not shared: %q %q", reps[0].RunID, reps[1].RunID)
			}
			for rank, rep := range reps {
				if rep.Rank != rank || rep.Variant != variant.String() {
					t.Fatalf("report %d has rank=%d variant=%s", rank, rep.Rank, rep.Variant)
				}
				if len(rep.Results) != len(wantSizes) {
					t.Fatalf("rank %d: expected %d results, got %d", rank, len(wantSizes), len(rep.Results))
				}
				for i, res := range rep.Results {
					if res.Size != wantSizes[i] {
						t.Fatalf("rank %d result %d: size %d want %d", rank, i, res.Size, wantSizes[i])
					}
					wantIter := 20
					if res.Size >= 64 {
						wantIter = 10
					}
					if res.Iterations != wantIter {
						t.Fatalf("size %d: iterations %d want %d", res.Size, res.Iterations, wantIter)
					}
					if res.LatencyUS <= 0 || res.BandwidthMiB <= 0 || res.MsgRateM <= 0 {
						t.Fatalf("size %d: non-positive measurement %+v", res.Size, res)
					}
					if res.RTTP99US < res.RTTP50US {
						t.Fatalf("size %d: p99 %v below p50 %v", res.Size, res.RTTP99US, res.RTTP50US)
					}
				}
				// 6 small sizes at 22 iterations and 3 large at 11.
				if rep.Stats.RTSSent != 165 {
					t.Fatalf("rank %d: RTSSent=%d want 165", rank, rep.Stats.RTSSent)
				}
			}
		})
	}
}

func TestRunLoopbackWithoutTouch(t *testing.T) {
	opts := smallOptions()
	opts.TouchData = false
	opts.MinMsgSize = 4096
	opts.MaxMsgSize = 8192
	reps := runLoopback(t, opts, rendezvous.VariantWriteImm)
	if got := len(reps[1].Results); got != 2 {
		t.Fatalf("expected 2 results, got %d", got)
	}
}

func TestRunLoopbackSpansAndLogs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	core, logs := observer.New(zap.InfoLevel)

	opts := smallOptions()
	opts.MaxMsgSize = 4
	opts.RunID = "fixed-run"
	opts.Tracer = NewOTelTracer(tp.Tracer("bench-test"))
	opts.Logger = zap.New(core)
	runLoopback(t, opts, rendezvous.VariantRead)

	var spans, warmups int
	for _, span := range recorder.Ended() {
		if span.Name() != "rdvbench.message_size" {
			continue
		}
		spans++
		for _, evt := range span.Events() {
			if evt.Name == "warmup_done" {
				warmups++
			}
		}
	}
	// sizes 1, 2 and 4 on both ranks
	if spans != 6 || warmups != 6 {
		t.Fatalf("expected 6 spans with warmup events, got spans=%d warmups=%d", spans, warmups)
	}

	done := logs.FilterMessage("message size complete").All()
	if len(done) != 6 {
		t.Fatalf("expected 6 size log entries, got %d", len(done))
	}
	if id, _ := done[0].ContextMap()["run_id"].(string); id != "fixed-run" {
		t.Fatalf("expected run_id field, got %v", done[0].ContextMap())
	}
}

func TestRunRejectsSmallRegion(t *testing.T) {
	net, err := loopback.NewNetwork(2)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	if err := net.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	dev, err := net.Device(0)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	eng, err := rendezvous.New(rendezvous.Config{Variant: rendezvous.VariantWrite}, dev)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mr, err := dev.RegisterMemory(make([]byte, 300), fabric.MRAccessAll)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if _, err := Run(context.Background(), smallOptions(), eng, mr); !errors.Is(err, fabric.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	bad := smallOptions()
	bad.MaxMsgSize = 0
	if _, err := RunLoopback(context.Background(), bad, rendezvous.Config{Variant: rendezvous.VariantRead}); err == nil {
		t.Fatalf("expected size range error")
	}
	bad = smallOptions()
	bad.Loop = 0
	if err := bad.validate(); err == nil {
		t.Fatalf("expected loop error")
	}
	if err := DefaultOptions().validate(); err != nil {
		t.Fatalf("default options invalid: %v", err)
	}
}

func TestCheckBuffer(t *testing.T) {
	buf := make([]byte, 16)
	writeBuffer(buf, 'b')
	if err := checkBuffer(buf, 'b'); err != nil {
		t.Fatalf("checkBuffer: %v", err)
	}
	buf[11] = 'a'
	err := checkBuffer(buf, 'b')
	if !errors.Is(err, ErrDataMismatch) {
		t.Fatalf("expected ErrDataMismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "buffer[11]") {
		t.Fatalf("expected offending index in %q", err)
	}
}

func TestRecordRTTClampsToCeiling(t *testing.T) {
	hist := hdrhistogram.New(1, int64(time.Millisecond), 3)
	if recordRTT(hist, 500*time.Microsecond) {
		t.Fatalf("in-range sample reported as clamped")
	}
	if !recordRTT(hist, time.Second) {
		t.Fatalf("expected out-of-range sample to be clamped")
	}
	if got := hist.TotalCount(); got != 2 {
		t.Fatalf("expected both samples recorded, got %d", got)
	}
	if max := hist.Max(); max < int64(900*time.Microsecond) {
		t.Fatalf("clamped sample recorded below ceiling: %d", max)
	}
}

func TestWriteTableAndYAML(t *testing.T) {
	rep := &Report{
		RunID:   "abc",
		Variant: "write",
		Rank:    0,
		Results: []Result{{Size: 8, Iterations: 100, LatencyUS: 1.5, MsgRateM: 0.3, BandwidthMiB: 2.25}},
	}
	var table bytes.Buffer
	if err := WriteTable(&table, rep); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out := table.String()
	for _, want := range []string{"# rdvbench write rank 0 run abc", "Latency(us)", "1.500", "2.250"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}

	var doc bytes.Buffer
	if err := WriteYAML(&doc, []*Report{rep}); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	var decoded []Report
	if err := yaml.Unmarshal(doc.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Results[0].LatencyUS != 1.5 || decoded[0].RunID != "abc" {
		t.Fatalf("unexpected decoded report %+v", decoded)
	}
}
