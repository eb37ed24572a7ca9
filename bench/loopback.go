package bench

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdvbench/fabric"
	"github.com/rocketbitz/rdvbench/fabric/loopback"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

// RunLoopback runs both ranks of the ping-pong in-process over a loopback network.
// ecfg is applied to both engines with Rank overridden. Reports are ordered by rank.
func RunLoopback(ctx context.Context, opts Options, ecfg rendezvous.Config, netOpts ...loopback.Option) ([]*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", opts.RunID))
	opts.Logger = log

	net, err := loopback.NewNetwork(2, netOpts...)
	if err != nil {
		return nil, err
	}
	if err := net.ConnectAll(ctx); err != nil {
		return nil, fmt.Errorf("bench: connect: %w", err)
	}

	engines := make([]*rendezvous.Engine, net.Size())
	regions := make([]*fabric.MemoryRegion, net.Size())
	for rank := range engines {
		dev, err := net.Device(rank)
		if err != nil {
			return nil, err
		}
		cfg := ecfg
		cfg.Rank = rank
		eng, err := rendezvous.New(cfg, dev)
		if err != nil {
			return nil, fmt.Errorf("bench: rank %d engine: %w", rank, err)
		}
		mr, err := dev.RegisterMemory(make([]byte, 2*opts.MaxMsgSize), fabric.MRAccessAll)
		if err != nil {
			return nil, fmt.Errorf("bench: rank %d register: %w", rank, err)
		}
		engines[rank] = eng
		regions[rank] = mr
	}
	log.Info("loopback run starting",
		zap.String("variant", ecfg.Variant.String()),
		zap.Int("min_size", opts.MinMsgSize),
		zap.Int("max_size", opts.MaxMsgSize),
	)

	reports := make([]*Report, len(engines))
	g, gctx := errgroup.WithContext(ctx)
	for rank := range engines {
		g.Go(func() error {
			rep, err := Run(gctx, opts, engines[rank], regions[rank])
			reports[rank] = rep
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			if _, err := engines[rank].DrainAll(gctx); err != nil {
				return fmt.Errorf("rank %d drain: %w", rank, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	var closeErr error
	for rank, eng := range engines {
		if err := eng.Close(); err != nil && runErr == nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("rank %d close: %w", rank, err))
		}
	}
	if runErr != nil {
		return reports, runErr
	}
	return reports, closeErr
}

// RunDirectLoopback runs both ranks of baseline in-process over a loopback network.
// Reports are ordered by rank.
func RunDirectLoopback(ctx context.Context, opts Options, baseline Baseline, netOpts ...loopback.Option) ([]*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", opts.RunID))
	opts.Logger = log

	net, err := loopback.NewNetwork(2, netOpts...)
	if err != nil {
		return nil, err
	}
	if err := net.ConnectAll(ctx); err != nil {
		return nil, fmt.Errorf("bench: connect: %w", err)
	}
	devices := make([]*loopback.Device, net.Size())
	regions := make([]*fabric.MemoryRegion, net.Size())
	for rank := range devices {
		dev, err := net.Device(rank)
		if err != nil {
			return nil, err
		}
		mr, err := dev.RegisterMemory(make([]byte, DirectRegionSize(opts)), fabric.MRAccessAll)
		if err != nil {
			return nil, fmt.Errorf("bench: rank %d register: %w", rank, err)
		}
		devices[rank] = dev
		regions[rank] = mr
	}
	log.Info("loopback baseline starting",
		zap.String("variant", baseline.String()),
		zap.Int("min_size", opts.MinMsgSize),
		zap.Int("max_size", opts.MaxMsgSize),
	)

	reports := make([]*Report, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for rank := range devices {
		g.Go(func() error {
			rep, err := RunDirect(gctx, opts, baseline, rank, devices[rank], regions[rank])
			reports[rank] = rep
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return reports, g.Wait()
}
