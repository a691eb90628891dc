package shard

import (
	"slices"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Move records the reassignment of one orphaned shard.
type Move struct {
	Shard ID      `json:"shard"`
	From  peer.ID `json:"from"`
	To    peer.ID `json:"to"`
}

// Result describes the outcome of a rebalance pass.
type Result struct {
	// Orphaned lists every shard whose owner was not active, in ascending order.
	Orphaned []ID `json:"orphaned"`
	// Moves lists the reassignments. Empty when there was no active peer to
	// receive the orphans, in which case they are dropped from the table.
	Moves []Move `json:"moves"`
}

// Dropped reports whether orphaned shards were removed without a new owner.
func (r Result) Dropped() bool {
	return len(r.Orphaned) > len(r.Moves)
}

// Plan computes a rebalance over owners without mutating it.
//
// active is sorted by identifier, so the outcome depends only on the set of
// active peers and not on the order the caller collected them in. Orphan i
// (counted in ascending shard order) goes to active[i mod len(active)].
// Two nodes with different views of the active set may disagree; the result
// is deterministic only within one view.
func Plan(owners map[ID]peer.ID, active []peer.ID) Result {
	sorted := slices.Clone(active)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var res Result
	for id, owner := range owners {
		if _, found := slices.BinarySearch(sorted, owner); !found {
			res.Orphaned = append(res.Orphaned, id)
		}
	}
	slices.Sort(res.Orphaned)

	if len(sorted) == 0 {
		return res
	}
	res.Moves = make([]Move, 0, len(res.Orphaned))
	for i, id := range res.Orphaned {
		res.Moves = append(res.Moves, Move{
			Shard: id,
			From:  owners[id],
			To:    sorted[i%len(sorted)],
		})
	}
	return res
}
