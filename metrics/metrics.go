// Package metrics exposes the client's Prometheus instrumentation.
// Collectors are package-level, registered against the default registry via
// promauto, matching the teacher's internal/db and cmd/*/serve metrics
// idiom (plain promauto vars, no injected registerer) rather than
// constructing a bespoke metrics facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActivePeerConnections tracks the connection manager's pooled
	// message-connection count (spec.md §4.E).
	ActivePeerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slsk",
		Subsystem: "connmgr",
		Name:      "active_peer_connections",
		Help:      "Number of pooled peer message connections.",
	})

	// ActiveTransferConnections tracks open raw transfer-byte-stream
	// connections (spec.md §4.E).
	ActiveTransferConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slsk",
		Subsystem: "connmgr",
		Name:      "active_transfer_connections",
		Help:      "Number of open transfer (file) connections.",
	})

	// ActiveTransfers tracks in-flight downloads/uploads by direction
	// (spec.md §4.H).
	ActiveTransfers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "slsk",
		Subsystem: "transfer",
		Name:      "active",
		Help:      "Number of transfers currently in progress, by direction.",
	}, []string{"direction"})

	// TransferBytesTotal accumulates bytes moved, by direction.
	TransferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slsk",
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Total bytes transferred, by direction.",
	}, []string{"direction"})

	// TransfersCompletedTotal counts completed transfers by direction and
	// completion reason (spec.md §4.H.2 CompletionReason).
	TransfersCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slsk",
		Subsystem: "transfer",
		Name:      "completed_total",
		Help:      "Total completed transfers, by direction and reason.",
	}, []string{"direction", "reason"})

	// DistributedChildren tracks the overlay's currently admitted child
	// count (spec.md §4.G).
	DistributedChildren = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slsk",
		Subsystem: "distributed",
		Name:      "children",
		Help:      "Number of admitted distributed-network children.",
	})

	// DistributedSearchesRelayedTotal counts search requests relayed to
	// children, regardless of whether a local resolver also answered.
	DistributedSearchesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slsk",
		Subsystem: "distributed",
		Name:      "searches_relayed_total",
		Help:      "Total distributed search requests relayed to children.",
	})
)
