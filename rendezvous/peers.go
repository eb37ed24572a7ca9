package rendezvous

import (
	"fmt"

	"github.com/rocketbitz/rdvbench/fabric"
)

// maxModulus bounds the resolver table. Queue pair numbers are 24-bit, so a
// table this large always exists for distinct numbers but is never needed in
// practice.
const maxModulus = 1 << 24

type peerEntry struct {
	qpn  uint32
	rank int
	set  bool
}

// PeerResolver maps the queue pair number on a completion back to the peer rank.
// It indexes a table by qpn mod M, where M is the smallest modulus no smaller than
// the number of queue pairs that keeps the mapping injective.
type PeerResolver struct {
	mod   uint32
	table []peerEntry
	ranks map[int]uint32
}

// NewPeerResolver builds a resolver over the local queue pairs.
func NewPeerResolver(qps []fabric.QueuePair) (*PeerResolver, error) {
	if len(qps) == 0 {
		return nil, fmt.Errorf("rendezvous: peer resolver needs at least one queue pair")
	}
	seen := make(map[uint32]int, len(qps))
	ranks := make(map[int]uint32, len(qps))
	for _, qp := range qps {
		if other, ok := seen[qp.Num]; ok {
			return nil, fmt.Errorf("rendezvous: queue pair %d shared by ranks %d and %d", qp.Num, other, qp.Rank)
		}
		if _, ok := ranks[qp.Rank]; ok {
			return nil, fmt.Errorf("rendezvous: rank %d has more than one queue pair", qp.Rank)
		}
		seen[qp.Num] = qp.Rank
		ranks[qp.Rank] = qp.Num
	}

	used := make(map[uint32]bool, len(qps))
	for mod := uint32(len(qps)); mod <= maxModulus; mod++ {
		clear(used)
		injective := true
		for _, qp := range qps {
			r := qp.Num % mod
			if used[r] {
				injective = false
				break
			}
			used[r] = true
		}
		if !injective {
			continue
		}
		table := make([]peerEntry, mod)
		for _, qp := range qps {
			table[qp.Num%mod] = peerEntry{qpn: qp.Num, rank: qp.Rank, set: true}
		}
		return &PeerResolver{mod: mod, table: table, ranks: ranks}, nil
	}
	return nil, fmt.Errorf("rendezvous: no modulus up to %d separates %d queue pairs", maxModulus, len(qps))
}

// Resolve returns the rank connected through queue pair qpn.
func (r *PeerResolver) Resolve(qpn uint32) (int, error) {
	e := r.table[qpn%r.mod]
	if !e.set || e.qpn != qpn {
		return -1, fmt.Errorf("%w: %d", ErrUnknownQueuePair, qpn)
	}
	return e.rank, nil
}

// Modulus returns M.
func (r *PeerResolver) Modulus() int { return int(r.mod) }

// HasRank reports whether a queue pair to rank exists.
func (r *PeerResolver) HasRank(rank int) bool {
	_, ok := r.ranks[rank]
	return ok
}

// Size returns the number of peers, the local rank included.
func (r *PeerResolver) Size() int { return len(r.ranks) }
