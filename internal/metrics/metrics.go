// Package metrics holds the Prometheus collectors shared by the mesh components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DiscoveryEventsTotal counts discovery events consumed by the peer registry
var DiscoveryEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mycelia_discovery_events_total",
		Help: "Total number of discovery events consumed",
	},
	[]string{"kind"},
)

// LivePeers is the size of the local live-peer set
var LivePeers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "mycelia_live_peers",
		Help: "Number of peers currently considered reachable",
	},
)

// RoutablePeers is the number of live peers with a resolved address
var RoutablePeers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "mycelia_routable_peers",
		Help: "Number of peers with a resolved address",
	},
)

// RebalancesTotal counts rebalance passes
var RebalancesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mycelia_rebalances_total",
		Help: "Total number of rebalance passes",
	},
	[]string{"trigger"},
)

// ShardsReassignedTotal counts orphaned shards moved to a new owner
var ShardsReassignedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mycelia_shards_reassigned_total",
		Help: "Total number of orphaned shards reassigned",
	},
)

// ShardsDroppedTotal counts orphaned shards removed with no peer to receive them
var ShardsDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mycelia_shards_dropped_total",
		Help: "Total number of orphaned shards dropped for lack of active peers",
	},
)

// DispatchTotal counts routed requests by operation and where they ran
var DispatchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mycelia_dispatch_total",
		Help: "Total number of dispatched requests",
	},
	[]string{"operation", "target"},
)

// ForwardFailuresTotal counts forwarding failures by stage
var ForwardFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mycelia_forward_failures_total",
		Help: "Total number of failed forwards to peers",
	},
	[]string{"stage"},
)
