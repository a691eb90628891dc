// Package shard provides the advisory shard-ownership table and its rebalancer.
package shard

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ID identifies a unit of ownable work partition.
type ID uint64

// Table maps shard IDs to their owning peer.
// Ownership is bookkeeping only; nothing enforces exclusive execution on the owner.
type Table struct {
	mu     sync.RWMutex
	owners map[ID]peer.ID // shardID → owner
}

// NewTable creates a new, empty Table.
func NewTable() *Table {
	return &Table{owners: make(map[ID]peer.ID)}
}

// InsertOrUpdate records owner as the owner of id, overwriting any previous owner.
func (t *Table) InsertOrUpdate(id ID, owner peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners[id] = owner
}

// Owner returns the owner of id.
func (t *Table) Owner(id ID) (peer.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, ok := t.owners[id]
	return owner, ok
}

// Len returns the number of assigned shards.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners)
}

// Snapshot returns a copy of the table.
func (t *Table) Snapshot() map[ID]peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := make(map[ID]peer.ID, len(t.owners))
	for id, owner := range t.owners {
		snap[id] = owner
	}
	return snap
}

// Rebalance reassigns every shard whose owner is not in active.
// Planning and applying happen under a single write lock so concurrent
// InsertOrUpdate calls are never lost.
func (t *Table) Rebalance(active []peer.ID) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := Plan(t.owners, active)
	for _, id := range res.Orphaned {
		delete(t.owners, id)
	}
	for _, m := range res.Moves {
		t.owners[m.Shard] = m.To
	}
	return res
}
