// Package loopback emulates a reliable-connected RDMA fabric inside one process. Every
// rank owns a Device with a shared receive queue, a single completion queue and one
// queue pair per peer; payloads move by copying between registered regions.
package loopback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdvbench/bootstrap"
	"github.com/rocketbitz/rdvbench/fabric"
)

const (
	regionAlign   = 4096
	firstRegion   = 0x7f0000000000
	qpNumMask     = 0xffffff
	defaultSRQCap = 1024
)

type options struct {
	seed   uint64
	srqCap int
}

// Option customises a Network.
type Option func(*options)

// WithSeed fixes the generator used to assign queue pair numbers.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithSRQCapacity bounds the number of receive buffers a device accepts at once.
func WithSRQCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.srqCap = n
		}
	}
}

// Network is the shared medium joining the devices of one world.
type Network struct {
	opts options

	mu       sync.Mutex
	devices  []*Device
	nextKey  uint32
	nextAddr uint64
}

// NewNetwork creates a network with one unconnected device per rank. Queue pair
// numbers are drawn at random and are unique across the network.
func NewNetwork(size int, opts ...Option) (*Network, error) {
	if size <= 0 {
		return nil, fmt.Errorf("loopback: network size must be positive, got %d", size)
	}
	o := options{seed: 0x5eed, srqCap: defaultSRQCap}
	for _, opt := range opts {
		opt(&o)
	}
	n := &Network{opts: o, nextKey: 0x1000, nextAddr: firstRegion}
	rng := rand.New(rand.NewPCG(o.seed, uint64(size)))
	used := make(map[uint32]bool, size*size)
	n.devices = make([]*Device, size)
	for rank := range n.devices {
		d := &Device{
			net:     n,
			rank:    rank,
			qps:     make([]queuePair, size),
			regions: make(map[uint32]*fabric.MemoryRegion),
			rkeys:   make(map[uint32]*fabric.MemoryRegion),
		}
		for peer := range d.qps {
			var num uint32
			for num == 0 || used[num] {
				num = rng.Uint32() & qpNumMask
			}
			used[num] = true
			d.qps[peer] = queuePair{num: num}
		}
		n.devices[rank] = d
	}
	return n, nil
}

// Size returns the number of devices on the network.
func (n *Network) Size() int { return len(n.devices) }

// Device returns the device owned by rank.
func (n *Network) Device(rank int) (*Device, error) {
	if rank < 0 || rank >= len(n.devices) {
		return nil, fmt.Errorf("loopback: rank %d out of range [0,%d)", rank, len(n.devices))
	}
	return n.devices[rank], nil
}

// ConnectAll wires every device to every other through a private bootstrap world.
func (n *Network) ConnectAll(ctx context.Context) error {
	members, err := bootstrap.NewLocalWorld(len(n.devices))
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for rank, member := range members {
		dev := n.devices[rank]
		g.Go(func() error {
			return dev.Connect(gctx, member)
		})
	}
	return g.Wait()
}

func (n *Network) allocRegion(size int) (addr uint64, lkey, rkey uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr = n.nextAddr
	span := (uint64(size) + regionAlign - 1) &^ (regionAlign - 1)
	n.nextAddr += span + regionAlign
	lkey = n.nextKey
	rkey = n.nextKey + 1
	n.nextKey += 2
	return addr, lkey, rkey
}

func (n *Network) deviceByLID(lid uint16) *Device {
	idx := int(lid) - 1
	if idx < 0 || idx >= len(n.devices) {
		return nil
	}
	return n.devices[idx]
}
