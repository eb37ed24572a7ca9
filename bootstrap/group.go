// Package bootstrap provides the process-group services a benchmark needs before its
// transport is usable: rank discovery, a key-value exchange for endpoint names, and a
// barrier.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrKeyNotFound indicates that Lookup found no value published under the key.
	ErrKeyNotFound = errors.New("bootstrap: key not published")
	// ErrKeyExists indicates that a key was published twice.
	ErrKeyExists = errors.New("bootstrap: key already published")
)

// Group is the bootstrap view of a single rank.
type Group interface {
	Rank() int
	Size() int
	Publish(key, value string) error
	Lookup(key string) (string, error)
	Barrier(ctx context.Context) error
}

type world struct {
	size int

	mu      sync.Mutex
	kv      map[string]string
	arrived int
	release chan struct{}
}

// LocalGroup is a Group whose ranks share one address space, each rank typically
// running on its own goroutine.
type LocalGroup struct {
	rank  int
	world *world
}

var _ Group = (*LocalGroup)(nil)

// NewLocalWorld returns one group member per rank of a world of the given size.
func NewLocalWorld(size int) ([]*LocalGroup, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bootstrap: world size must be positive, got %d", size)
	}
	w := &world{
		size:    size,
		kv:      make(map[string]string),
		release: make(chan struct{}),
	}
	members := make([]*LocalGroup, size)
	for i := range members {
		members[i] = &LocalGroup{rank: i, world: w}
	}
	return members, nil
}

func (g *LocalGroup) Rank() int { return g.rank }

func (g *LocalGroup) Size() int { return g.world.size }

// Publish stores value under key for every rank to see.
func (g *LocalGroup) Publish(key, value string) error {
	w := g.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.kv[key]; ok {
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	w.kv[key] = value
	return nil
}

// Lookup returns the value published under key. Values published before a Barrier
// that both ranks passed are guaranteed visible.
func (g *LocalGroup) Lookup(key string) (string, error) {
	w := g.world
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// Barrier blocks until every rank of the world has entered the same barrier round.
func (g *LocalGroup) Barrier(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w := g.world
	w.mu.Lock()
	release := w.release
	w.arrived++
	if w.arrived == w.size {
		w.arrived = 0
		w.release = make(chan struct{})
		close(release)
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.release != release {
			// the round completed while we were giving up
			return nil
		}
		w.arrived--
		return ctx.Err()
	}
}
