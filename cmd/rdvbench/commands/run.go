package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/rdvbench/bench"
	"github.com/rocketbitz/rdvbench/internal/config"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"variant":         "variant",
	"min-size":        "min_msg_size",
	"max-size":        "max_msg_size",
	"touch":           "touch_data",
	"loop":            "loop",
	"skip":            "skip",
	"loop-large":      "loop_large",
	"skip-large":      "skip_large",
	"large-threshold": "large_threshold",
	"recv-low-water":  "recv.low_water",
	"recv-high-water": "recv.high_water",
	"slot-bits":       "slot_bits",
	"log-level":       "log_level",
	"metrics-addr":    "metrics_addr",
	"output":          "output",
}

// NewRunCmd creates the command that runs the ping-pong benchmark.
func NewRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ping-pong benchmark between two in-process ranks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, changedOverrides(cmd))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBenchmark(ctx, cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	f.StringP("variant", "v", "write", "Protocol variant (read, write, write_imm) or baseline (eager_send, rdma_read, rdma_write_imm)")
	f.Int("min-size", 8, "Smallest message size in bytes")
	f.Int("max-size", 64*1024, "Largest message size in bytes")
	f.Bool("touch", true, "Fill send buffers and verify received bytes")
	f.Int("loop", 40000, "Timed iterations per size")
	f.Int("skip", 10000, "Warmup iterations per size")
	f.Int("loop-large", 10000, "Timed iterations for large sizes")
	f.Int("skip-large", 1000, "Warmup iterations for large sizes")
	f.Int("large-threshold", 8192, "Size in bytes from which the large iteration counts apply")
	f.Int("recv-low-water", rendezvous.DefaultRecvLowWater, "Posted control receives that trigger replenishment")
	f.Int("recv-high-water", rendezvous.DefaultRecvHighWater, "Posted control receives after replenishment")
	f.Int("slot-bits", rendezvous.DefaultSlotBits, "Log2 of the immediate-tag slot table size")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.StringP("output", "o", "table", "Report format: table or yaml")

	return cmd
}

func changedOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		overrides[key] = f.Value.String()
	})
	return overrides
}

func runBenchmark(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ecfg := rendezvous.Config{
		Variant:       cfg.RendezvousVariant(),
		SlotBits:      cfg.SlotBits,
		RecvLowWater:  cfg.Recv.LowWater,
		RecvHighWater: cfg.Recv.HighWater,
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		ecfg.StructuredLogger = logger.Sugar()
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, err := rendezvous.NewPrometheusMetrics(rendezvous.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		ecfg.Metrics = metrics
		shutdown, err := serveMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	opts := bench.Options{
		MinMsgSize:     cfg.MinMsgSize,
		MaxMsgSize:     cfg.MaxMsgSize,
		TouchData:      cfg.TouchData,
		Loop:           cfg.Loop,
		Skip:           cfg.Skip,
		LoopLarge:      cfg.LoopLarge,
		SkipLarge:      cfg.SkipLarge,
		LargeThreshold: cfg.LargeThreshold,
		Logger:         logger,
	}

	var reports []*bench.Report
	if baseline, ok := cfg.Baseline(); ok {
		reports, err = bench.RunDirectLoopback(ctx, opts, baseline)
	} else {
		reports, err = bench.RunLoopback(ctx, opts, ecfg)
	}
	if err != nil {
		if fatal, ok := rendezvous.IsFatal(err); ok {
			logger.Error("benchmark aborted",
				zap.String("class", fatal.Class.String()),
				zap.String("op", fatal.Op),
				zap.Int("peer", fatal.Peer),
				zap.Error(fatal.Err),
			)
		}
		return fmt.Errorf("benchmark failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if cfg.Output == "yaml" {
		return bench.WriteYAML(out, reports)
	}
	return bench.WriteTable(out, reports[0])
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
