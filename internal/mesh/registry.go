// Package mesh tracks the live peers of the local mesh and keeps the shard
// table consistent with them.
package mesh

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/discovery"
	"github.com/iggydv12/mycelia/internal/metrics"
	"github.com/iggydv12/mycelia/internal/shard"
)

// Registry consumes discovery events and maintains the live-peer set and the
// peer → address table. Every key in the address table is a live peer.
type Registry struct {
	transport discovery.Transport
	shards    *shard.Table
	self      peer.ID
	logger    *zap.Logger

	mu    sync.RWMutex
	peers map[peer.ID]struct{}
	addrs map[peer.ID]net.IP

	started atomic.Bool
	alive   atomic.Bool
	done    chan struct{}
}

// NewRegistry creates a Registry fed by transport. The shard table is owned by
// the caller and may be shared with other components.
func NewRegistry(transport discovery.Transport, shards *shard.Table, logger *zap.Logger) *Registry {
	return &Registry{
		transport: transport,
		shards:    shards,
		self:      transport.LocalID(),
		logger:    logger,
		peers:     make(map[peer.ID]struct{}),
		addrs:     make(map[peer.ID]net.IP),
		done:      make(chan struct{}),
	}
}

// Start begins announcing and consumes discovery events in the background
// until the event stream ends or ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("registry already started")
	}
	if err := r.transport.Start(ctx); err != nil {
		close(r.done)
		return fmt.Errorf("discovery start: %w", err)
	}
	r.alive.Store(true)
	go r.run(ctx)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	defer r.alive.Store(false)

	events := r.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.logger.Error("discovery stream ended, peer set is now stale",
					zap.Int("peers", len(r.Peers())))
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Registry) handle(ev discovery.Event) {
	metrics.DiscoveryEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case discovery.EventDiscovered:
		r.Discovered(ev.Peer, ev.Addr)
	case discovery.EventExpired:
		r.Expired(ev.Peer)
	default:
		r.logger.Warn("ignoring unknown discovery event", zap.Int("kind", int(ev.Kind)))
	}
}

// Discovered marks p as live and records addr when it is non-nil. A peer
// without an address is live but unroutable.
func (r *Registry) Discovered(p peer.ID, addr net.IP) {
	if p == r.self {
		return
	}
	r.mu.Lock()
	_, known := r.peers[p]
	r.peers[p] = struct{}{}
	if addr != nil {
		r.addrs[p] = slices.Clone(addr)
	}
	r.updateGauges()
	r.mu.Unlock()

	if addr == nil {
		r.logger.Debug("peer discovered without a usable address", zap.String("peer", p.String()))
	}
	if !known {
		r.logger.Info("peer discovered", zap.String("peer", p.String()), zap.Stringer("addr", addr))
	}
}

// Expired removes p from the live set and the address table, then rebalances
// the shard table against the remaining active set.
func (r *Registry) Expired(p peer.ID) {
	r.mu.Lock()
	_, known := r.peers[p]
	delete(r.peers, p)
	delete(r.addrs, p)
	r.updateGauges()
	r.mu.Unlock()

	if known {
		r.logger.Info("peer expired", zap.String("peer", p.String()))
	}
	r.rebalance("expiry")
}

// Rebalance reassigns shards owned by peers outside the current active set.
func (r *Registry) Rebalance() shard.Result {
	return r.rebalance("manual")
}

// ScheduledRebalance is Rebalance as run by the periodic scheduler.
func (r *Registry) ScheduledRebalance() shard.Result {
	return r.rebalance("schedule")
}

func (r *Registry) rebalance(trigger string) shard.Result {
	res := r.shards.Rebalance(r.ActiveSet())
	metrics.RebalancesTotal.WithLabelValues(trigger).Inc()
	metrics.ShardsReassignedTotal.Add(float64(len(res.Moves)))

	for _, m := range res.Moves {
		r.logger.Info("shard reassigned",
			zap.Uint64("shard", uint64(m.Shard)),
			zap.String("from", m.From.String()),
			zap.String("to", m.To.String()),
		)
	}
	if res.Dropped() {
		metrics.ShardsDroppedTotal.Add(float64(len(res.Orphaned) - len(res.Moves)))
		r.logger.Warn("no active peers, orphaned shards left unassigned",
			zap.Int("shards", len(res.Orphaned)))
	}
	return res
}

// updateGauges must be called with the lock held.
func (r *Registry) updateGauges() {
	metrics.LivePeers.Set(float64(len(r.peers)))
	metrics.RoutablePeers.Set(float64(len(r.addrs)))
}

// Peers returns a sorted snapshot of the live peers, excluding this node.
func (r *Registry) Peers() []peer.ID {
	r.mu.RLock()
	out := make([]peer.ID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Addresses returns a copy of the peer → address table.
func (r *Registry) Addresses() map[peer.ID]net.IP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[peer.ID]net.IP, len(r.addrs))
	for p, ip := range r.addrs {
		snap[p] = slices.Clone(ip)
	}
	return snap
}

// ActiveSet returns the live peers plus this node, sorted by identifier.
func (r *Registry) ActiveSet() []peer.ID {
	active := append(r.Peers(), r.self)
	slices.Sort(active)
	return slices.Compact(active)
}

// LocalID returns this node's peer ID.
func (r *Registry) LocalID() peer.ID { return r.self }

// Shards returns a snapshot of the shard table.
func (r *Registry) Shards() map[shard.ID]peer.ID { return r.shards.Snapshot() }

// ClaimShard records this node as the owner of id.
func (r *Registry) ClaimShard(id shard.ID) { r.shards.InsertOrUpdate(id, r.self) }

// AssignShard records owner as the owner of id. The owner does not have to
// be live; the next rebalance moves the shard if it is not.
func (r *Registry) AssignShard(id shard.ID, owner peer.ID) {
	r.shards.InsertOrUpdate(id, owner)
	r.logger.Debug("shard assigned", zap.Uint64("shard", uint64(id)), zap.String("owner", owner.String()))
}

// Alive reports whether the discovery stream is still being consumed.
func (r *Registry) Alive() bool { return r.alive.Load() }

// Done is closed when the event loop exits.
func (r *Registry) Done() <-chan struct{} { return r.done }
