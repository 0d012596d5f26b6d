package slsk

import (
	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/connmgr"
	"github.com/soulseek-go/slsk/distributed"
	"github.com/soulseek-go/slsk/server"
	"github.com/soulseek-go/slsk/transfer"
)

// DiagnosticLevel orders the severity of diagnostic-generated events
// (spec.md §6.4 "minimum-diagnostic-level").
type DiagnosticLevel int

const (
	DiagnosticDebug DiagnosticLevel = iota
	DiagnosticInfo
	DiagnosticWarn
	DiagnosticError
)

// Options aggregates every tuning knob spec.md §6.4 enumerates, grouped by
// the subsystem that consumes it.
type Options struct {
	// Conn holds the per-connection knobs (read/write buffers, timeouts,
	// proxy) shared by the server, peer, and transfer connections.
	Conn conn.Options

	// ConnMgr tunes the connection manager (listener, pool size, eviction).
	ConnMgr connmgr.Options

	// Server tunes the server session's login timeout and automatic
	// behaviors.
	Server server.Options

	// Distributed tunes the broadcast-tree overlay. EnableDistributedNetwork
	// and AcceptDistributedChildren gate whether Login constructs the
	// overlay and whether it admits children at all (ChildLimit=0 has the
	// same practical effect as the latter, but this flag makes the intent
	// explicit without requiring the embedder to compute it).
	Distributed              distributed.Options
	EnableDistributedNetwork bool
	AcceptDistributedChildren bool

	// Transfer tunes the search/download/upload engine.
	Transfer transfer.Options

	// Resolvers are the embedder delegates for inbound peer requests
	// (spec.md §6.3).
	Resolvers transfer.Resolvers

	// TokenSeed seeds the shared token factory (spec.md §4.D).
	TokenSeed uint32

	// MinimumDiagnosticLevel gates which diagnostic-generated events the
	// client's bus publishes.
	MinimumDiagnosticLevel DiagnosticLevel
}

// DefaultOptions returns every subsystem's defaults, distributed network
// participation and child acceptance both enabled (spec.md §6.4 defaults
// favor full network participation unless the embedder opts out).
func DefaultOptions() Options {
	return Options{
		Conn:                      conn.DefaultOptions(),
		ConnMgr:                   connmgr.DefaultOptions(),
		Server:                    server.DefaultOptions(),
		Distributed:               distributed.DefaultOptions(),
		EnableDistributedNetwork:  true,
		AcceptDistributedChildren: true,
		Transfer:                  transfer.DefaultOptions(),
		Resolvers:                 transfer.DefaultResolvers(),
		MinimumDiagnosticLevel:    DiagnosticInfo,
	}
}

