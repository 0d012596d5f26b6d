// Package connmgr implements the connection manager described in
// spec.md §4.E: it resolves peer identities to network addresses, races a
// direct dial against a server-solicited inbound connection to obtain a
// message connection per peer, pools both message and transfer connections,
// and runs a background eviction sweep. Modeled on the teacher's
// Model.protoConn/pmut mutex-guarded connection-pool pattern, generalized
// from one-connection-per-device to Soulseek's three-way connect/dedupe
// rules, with discover.Discoverer's cache-with-TTL idiom supplying the
// UserEndpointCache shape.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/internal/slsklog"
	"github.com/soulseek-go/slsk/metrics"
	"github.com/soulseek-go/slsk/token"
	"github.com/soulseek-go/slsk/waiter"
)

var l = slsklog.New("connmgr")

// ServerSender is the subset of the server session a Manager needs: the
// ability to send a server-dialect message. Kept as a narrow interface so
// connmgr does not import the server package (server depends on connmgr,
// not the reverse).
type ServerSender interface {
	SendServer(b *codec.Builder) error
}

// ConnType is the Soulseek connection-type tag exchanged during the
// handshake: "P" for peer (message) connections, "F" for file (transfer)
// connections, "D" for distributed.
type ConnType string

const (
	ConnTypePeer        ConnType = "P"
	ConnTypeFile        ConnType = "F"
	ConnTypeDistributed ConnType = "D"
)

// pooledConn tracks a pooled message connection plus bookkeeping needed by
// the idle eviction sweep.
type pooledConn struct {
	mc       *conn.MessageConnection
	lastUsed lastUsedTracker
}

// lastUsedTracker is a small mutex-guarded timestamp; a plain field would
// race against concurrent Load/touch from the pool's many callers.
type lastUsedTracker struct {
	mut sync.Mutex
	t   time.Time
}

func (a *lastUsedTracker) touch() {
	a.mut.Lock()
	a.t = time.Now()
	a.mut.Unlock()
}

func (a *lastUsedTracker) get() time.Time {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.t
}

// solicitation tracks one in-flight three-way connect attempt, resolved by
// whichever path (direct dial or inbound PierceFirewall) completes first.
type solicitation struct {
	once   sync.Once
	result chan *conn.Connection
}

func newSolicitation() *solicitation {
	return &solicitation{result: make(chan *conn.Connection, 1)}
}

func (s *solicitation) claim(c *conn.Connection) bool {
	claimed := false
	s.once.Do(func() {
		s.result <- c
		claimed = true
	})
	return claimed
}

// Manager owns the message-connection and transfer-connection pools and the
// inbound listener (spec.md §4.E).
type Manager struct {
	opts         Options
	connOpts     conn.Options
	bus          *events.Bus
	waiters      *waiter.Registry
	tokens       *token.Factory
	server       ServerSender
	selfUsername string
	endpoints    EndpointCache
	handler      func(username string) conn.Handler

	// distributedHandler, when set, receives inbound type="D" connections
	// instead of the peer message-connection pool (spec.md §4.G "Child
	// admission"). Left nil, distributed handshakes are simply disconnected.
	distributedHandler func(username string, c *conn.Connection)

	// deliverDelayed, when set, is offered every inbound type="F" token
	// before it is registered as an ordinary transfer connection, so a
	// delayed search response owed to the connecting peer (spec.md §4.H.5)
	// can be flushed over it instead. Returns true if it claimed the token.
	deliverDelayed func(tok uint32, c *conn.Connection) bool

	msgConns *xsync.MapOf[string, *pooledConn]
	xferConns *xsync.MapOf[uint32, *conn.Connection]
	pending   *xsync.MapOf[uint32, *solicitation]

	listener *conn.Listener

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Manager. handler is invoked once per newly-adopted peer
// message connection to produce the frame dispatcher for it (typically
// routing into the transfer/search engine).
func New(opts Options, connOpts conn.Options, selfUsername string, server ServerSender, waiters *waiter.Registry, tokens *token.Factory, bus *events.Bus, handler func(username string) conn.Handler) *Manager {
	return &Manager{
		opts:         opts,
		connOpts:     connOpts,
		bus:          bus,
		waiters:      waiters,
		tokens:       tokens,
		server:       server,
		selfUsername: selfUsername,
		endpoints:    NewDefaultEndpointCache(1000, opts.EndpointCacheTTL),
		handler:      handler,
		msgConns:     xsync.NewMapOf[string, *pooledConn](),
		xferConns:    xsync.NewMapOf[uint32, *conn.Connection](),
		pending:      xsync.NewMapOf[uint32, *solicitation](),
		stopSweep:    make(chan struct{}),
	}
}

// SetEndpointCache overrides the default TTL cache with an embedder-supplied
// implementation (spec.md §4.E "Optional UserEndpointCache hook").
func (m *Manager) SetEndpointCache(c EndpointCache) {
	m.endpoints = c
}

// SetDistributedHandler wires the distributed overlay's child-admission
// callback. Must be called before Listen for inbound children to be routed
// correctly.
func (m *Manager) SetDistributedHandler(h func(username string, c *conn.Connection)) {
	m.distributedHandler = h
}

// SetDelayedResponseDeliverer wires the transfer engine's owed-search-
// response delivery (spec.md §4.H.5) into the inbound transfer-connection
// handshake.
func (m *Manager) SetDelayedResponseDeliverer(f func(tok uint32, c *conn.Connection) bool) {
	m.deliverDelayed = f
}

// StartEvictionSweep launches the background idle-connection sweep; call
// once after construction. Safe to call more than once (subsequent calls
// are no-ops).
func (m *Manager) StartEvictionSweep() {
	m.sweepOnce.Do(func() {
		go m.evictionLoop()
	})
}

// Close stops the eviction sweep and the listener, if any, and disconnects
// every pooled connection.
func (m *Manager) Close() {
	close(m.stopSweep)
	if m.listener != nil {
		m.listener.Close()
	}
	m.msgConns.Range(func(user string, p *pooledConn) bool {
		p.mc.Disconnect(conn.ReasonRequested)
		return true
	})
	m.xferConns.Range(func(tok uint32, c *conn.Connection) bool {
		c.Disconnect(conn.ReasonRequested)
		return true
	})
}

// Listen binds the inbound peer-connection listener (spec.md §4.E
// "Listener").
func (m *Manager) Listen() error {
	addr := ":0"
	if m.opts.ListenPort != 0 {
		addr = fmt.Sprintf(":%d", m.opts.ListenPort)
	}
	ln, err := conn.Listen(addr, m.connOpts, m.bus)
	if err != nil {
		return err
	}
	m.listener = ln
	go ln.Serve(m.handleInbound)
	return nil
}

// ListenAddr returns the bound listener address, or nil if not listening.
func (m *Manager) ListenAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// handleInbound reads the single initialization frame from a freshly
// accepted socket and disambiguates PeerInit (a new peer-initiated
// connection) from PierceFirewall (a reply to our own solicitation),
// per spec.md §4.E.
func (m *Manager) handleInbound(c *conn.Connection) {
	frame, err := c.ReadMessage()
	if err != nil {
		l.Debugln("inbound handshake read failed:", err)
		c.Disconnect(conn.ReasonReadError)
		return
	}
	r := frame.Reader()
	code, err := r.ReadCode()
	if err != nil {
		c.Disconnect(conn.ReasonReadError)
		return
	}

	switch code {
	case codec.CodeInitPeerInit:
		username, err := r.ReadString()
		if err != nil {
			c.Disconnect(conn.ReasonReadError)
			return
		}
		typ, err := r.ReadString()
		if err != nil {
			c.Disconnect(conn.ReasonReadError)
			return
		}
		m.adoptInbound(c, username, ConnType(typ))

	case codec.CodeInitPierceFirewall:
		tok, err := r.ReadUint32()
		if err != nil {
			c.Disconnect(conn.ReasonReadError)
			return
		}
		s, ok := m.pending.Load(tok)
		if !ok {
			l.Debugln("piercefirewall for unknown token", tok)
			c.Disconnect(conn.ReasonRequested)
			return
		}
		if !s.claim(c) {
			c.Disconnect(conn.ReasonRequested)
		}

	default:
		l.Debugln("unexpected init code", code)
		c.Disconnect(conn.ReasonReadError)
	}
}

// adoptInbound handles a fresh inbound PeerInit (the peer dialing us
// unsolicited, spec.md §4.E "Indirect-only path" is the symmetric case
// where we dial them).
func (m *Manager) adoptInbound(c *conn.Connection, username string, typ ConnType) {
	switch typ {
	case ConnTypeFile:
		c.SetDialect(codec.Server) // raw: transfer connections carry no further framed codes
		m.registerTransferFromHandshake(c)
	case ConnTypeDistributed:
		c.SetDialect(codec.Distributed)
		if m.distributedHandler == nil {
			c.Disconnect(conn.ReasonRequested)
			return
		}
		m.distributedHandler(username, c)
	default:
		c.SetDialect(codec.Peer)
		m.adoptMessageConnection(username, c)
	}
}

func (m *Manager) registerTransferFromHandshake(c *conn.Connection) {
	tokBytes, err := c.ReadLength(4)
	if err != nil {
		c.Disconnect(conn.ReasonReadError)
		return
	}
	tok := codec.DecodeLength(tokBytes)
	if m.deliverDelayed != nil && m.deliverDelayed(tok, c) {
		return
	}
	m.xferConns.Store(tok, c)
	m.reportTransferConnMetric()
}

// adoptMessageConnection wraps c as a MessageConnection for username,
// deduping against any existing pooled connection: the earliest accepted
// connection wins (spec.md §4.E step 4). Before a genuinely new connection
// is admitted, the oldest idle pooled connection is evicted if doing so is
// needed to stay within MaxConcurrentPeerConnections (spec.md §4.E
// "Eviction"), rather than waiting for the next periodic sweep.
func (m *Manager) adoptMessageConnection(username string, c *conn.Connection) *conn.MessageConnection {
	if _, alreadyPooled := m.msgConns.Load(username); !alreadyPooled {
		m.evictOldestIfAtCapacity()
	}

	mc := conn.NewMessageConnection(c, m.handler(username))
	p := &pooledConn{mc: mc}
	p.lastUsed.touch()

	actual, loaded := m.msgConns.LoadOrStore(username, p)
	m.reportPeerConnMetric()
	if loaded {
		mc.Disconnect(conn.ReasonRequested)
		return actual.mc
	}
	return mc
}

// reportPeerConnMetric refreshes the active-peer-connections gauge from the
// pool's current size.
func (m *Manager) reportPeerConnMetric() {
	metrics.ActivePeerConnections.Set(float64(m.msgConns.Size()))
}

// reportTransferConnMetric refreshes the active-transfer-connections gauge.
func (m *Manager) reportTransferConnMetric() {
	metrics.ActiveTransferConnections.Set(float64(m.xferConns.Size()))
}

// GetOrAddPeerConnection returns a pooled message connection to username,
// resolving its address and racing a direct dial against a server-solicited
// inbound connection if none is already pooled (spec.md §4.E).
func (m *Manager) GetOrAddPeerConnection(ctx context.Context, username string) (*conn.MessageConnection, error) {
	if p, ok := m.msgConns.Load(username); ok {
		p.lastUsed.touch()
		return p.mc, nil
	}

	ep, err := m.resolveEndpoint(ctx, username)
	if err != nil {
		return nil, err
	}

	tok := m.tokens.Next()
	s := newSolicitation()
	m.pending.Store(tok, s)
	defer m.pending.Delete(tok)

	go m.attemptDirectDial(ctx, ep, username, tok, s, ConnTypePeer)
	m.solicitInbound(tok, username, ConnTypePeer)

	timeout := m.opts.PeerConnectTimeout
	select {
	case c, ok := <-s.result:
		if !ok || c == nil {
			return nil, newErr(ErrConnectionTimeout, username, nil)
		}
		return m.adoptMessageConnection(username, c), nil
	case <-time.After(timeout):
		go disconnectLateArrival(s)
		return nil, newErr(ErrConnectionTimeout, username, nil)
	case <-ctx.Done():
		go disconnectLateArrival(s)
		return nil, newErr(ErrDisconnected, username, ctx.Err())
	}
}

// disconnectLateArrival closes a connection that wins the race after its
// caller has already given up and stopped reading s.result.
func disconnectLateArrival(s *solicitation) {
	select {
	case c := <-s.result:
		if c != nil {
			c.Disconnect(conn.ReasonRequested)
		}
	case <-time.After(time.Minute):
	}
}

func (m *Manager) attemptDirectDial(ctx context.Context, ep Endpoint, username string, tok uint32, s *solicitation, typ ConnType) {
	addr := fmt.Sprintf("%s:%d", ep.IP, ep.Port)
	c, err := conn.Dial(ctx, codec.Init, addr, m.connOpts, m.bus)
	if err != nil {
		l.Debugln("direct dial to", username, "failed:", err)
		return
	}
	b := codec.NewBuilder(codec.Init, codec.CodeInitPeerInit)
	b.WriteString(m.selfUsername).WriteString(string(typ)).WriteUint32(tok)
	if err := c.Write(b.Bytes()); err != nil {
		c.Disconnect(conn.ReasonWriteError)
		return
	}
	switch typ {
	case ConnTypeFile:
		c.SetDialect(codec.Server) // transfer sockets carry no further framed codes
	case ConnTypeDistributed:
		c.SetDialect(codec.Distributed)
	default:
		c.SetDialect(codec.Peer)
	}
	if !s.claim(c) {
		c.Disconnect(conn.ReasonRequested)
	}
}

func (m *Manager) solicitInbound(tok uint32, username string, typ ConnType) {
	b := codec.NewBuilder(codec.Server, codec.CodeConnectToPeer)
	b.WriteUint32(tok).WriteString(username).WriteString(string(typ))
	if err := m.server.SendServer(b); err != nil {
		l.Debugln("ConnectToPeer solicitation failed:", err)
	}
}

// DialTransfer performs the dual-path handshake for a file
// transfer socket and, on success, writes the 4-byte transferToken that
// lets the remote side match this socket to its pending transfer (spec.md
// §4.E "Transfer connections follow the same dual-path pattern").
func (m *Manager) DialTransfer(ctx context.Context, username string, transferToken uint32) (*conn.Connection, error) {
	ep, err := m.resolveEndpoint(ctx, username)
	if err != nil {
		return nil, err
	}

	tok := m.tokens.Next()
	s := newSolicitation()
	m.pending.Store(tok, s)
	defer m.pending.Delete(tok)

	go m.attemptDirectDial(ctx, ep, username, tok, s, ConnTypeFile)
	m.solicitInbound(tok, username, ConnTypeFile)

	var c *conn.Connection
	select {
	case got, ok := <-s.result:
		if !ok || got == nil {
			return nil, newErr(ErrConnectionTimeout, username, nil)
		}
		c = got
	case <-time.After(m.opts.PeerConnectTimeout):
		go disconnectLateArrival(s)
		return nil, newErr(ErrConnectionTimeout, username, nil)
	case <-ctx.Done():
		go disconnectLateArrival(s)
		return nil, newErr(ErrDisconnected, username, ctx.Err())
	}

	lenBuf := codec.EncodeLength(transferToken)
	if err := c.Write(lenBuf[:]); err != nil {
		c.Disconnect(conn.ReasonWriteError)
		return nil, newErr(ErrDisconnected, username, err)
	}
	m.xferConns.Store(transferToken, c)
	m.reportTransferConnMetric()
	return c, nil
}

// DialIndirect handles an unsolicited inbound ConnectToPeer: another peer
// has asked the server to have us dial it back. We dial, send
// PierceFirewall(token) as the first frame, and adopt the resulting socket
// per typ (spec.md §4.E "Indirect-only path").
func (m *Manager) DialIndirect(ctx context.Context, ip string, port int, tok uint32, username string, typ ConnType) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	var dialect codec.Dialect
	switch typ {
	case ConnTypeFile:
		dialect = codec.Server
	case ConnTypeDistributed:
		dialect = codec.Distributed
	default:
		dialect = codec.Peer
	}
	c, err := conn.Dial(ctx, codec.Init, addr, m.connOpts, m.bus)
	if err != nil {
		return newErr(ErrConnectionTimeout, username, err)
	}
	b := codec.NewBuilder(codec.Init, codec.CodeInitPierceFirewall)
	b.WriteUint32(tok)
	if err := c.Write(b.Bytes()); err != nil {
		c.Disconnect(conn.ReasonWriteError)
		return newErr(ErrDisconnected, username, err)
	}
	c.SetDialect(dialect)

	switch typ {
	case ConnTypeFile:
		m.xferConns.Store(tok, c)
		m.reportTransferConnMetric()
	case ConnTypeDistributed:
		if m.distributedHandler != nil {
			m.distributedHandler(username, c)
		} else {
			c.Disconnect(conn.ReasonRequested)
		}
	default:
		m.adoptMessageConnection(username, c)
	}
	return nil
}

// DialDistributedCandidate dials a distributed-overlay parent candidate
// directly. Candidates arrive in NetInfo with their own IP/port already
// resolved, so no server solicitation or three-way race is needed — we dial
// and send PeerInit with type="D" (spec.md §4.G "Parent selection").
func (m *Manager) DialDistributedCandidate(ctx context.Context, ep Endpoint, username string) (*conn.Connection, error) {
	addr := fmt.Sprintf("%s:%d", ep.IP, ep.Port)
	c, err := conn.Dial(ctx, codec.Init, addr, m.connOpts, m.bus)
	if err != nil {
		return nil, newErr(ErrConnectionTimeout, username, err)
	}
	tok := m.tokens.Next()
	b := codec.NewBuilder(codec.Init, codec.CodeInitPeerInit)
	b.WriteString(m.selfUsername).WriteString(string(ConnTypeDistributed)).WriteUint32(tok)
	if err := c.Write(b.Bytes()); err != nil {
		c.Disconnect(conn.ReasonWriteError)
		return nil, newErr(ErrDisconnected, username, err)
	}
	c.SetDialect(codec.Distributed)
	return c, nil
}

// resolveEndpoint looks up username's network address, consulting the
// endpoint cache first and falling back to a GetPeerAddress server request
// (spec.md §4.E "Peer identity resolution").
func (m *Manager) resolveEndpoint(ctx context.Context, username string) (Endpoint, error) {
	if ep, ok := m.endpoints.Get(username); ok {
		return ep, nil
	}

	b := codec.NewBuilder(codec.Server, codec.CodeGetPeerAddress)
	b.WriteString(username)
	if err := m.server.SendServer(b); err != nil {
		return Endpoint{}, newErr(ErrDisconnected, username, err)
	}

	key := waiter.NewKey(codec.CodeGetPeerAddress, username)
	v, err := m.waiters.Wait(ctx, key, m.opts.PeerConnectTimeout)
	if err != nil {
		return Endpoint{}, newErr(ErrConnectionTimeout, username, err)
	}
	ep, ok := v.(Endpoint)
	if !ok {
		// defensive only: handleGetPeerAddress always completes this key with
		// an Endpoint. The genuine §4.E user-not-found signal comes from
		// server.Session.AddUser, which the server reports explicitly.
		return Endpoint{}, newErr(ErrUserNotFound, username, nil)
	}
	if ep.IP == "0.0.0.0" {
		return Endpoint{}, newErr(ErrPeerOffline, username, nil)
	}
	m.endpoints.Put(username, ep)
	return ep, nil
}

// TransferConnection returns a previously-adopted inbound transfer socket by
// its token, if one has arrived.
func (m *Manager) TransferConnection(tok uint32) (*conn.Connection, bool) {
	return m.xferConns.Load(tok)
}

// AwaitTransferConnection polls for an inbound transfer socket matching tok,
// for callers that sent their own handshake token to the peer and are now
// waiting for it to dial back (spec.md §4.E "Indirect-only path").
func (m *Manager) AwaitTransferConnection(ctx context.Context, tok uint32, timeout time.Duration) (*conn.Connection, error) {
	deadline := time.Now().Add(timeout)
	for {
		if c, ok := m.xferConns.Load(tok); ok {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, newErr(ErrConnectionTimeout, "", nil)
		}
		select {
		case <-ctx.Done():
			return nil, newErr(ErrDisconnected, "", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// evictionLoop periodically disconnects idle pooled connections beyond the
// concurrency limit, oldest first (spec.md §4.E "Eviction"). This is a
// backstop for connections that go idle without any new admission ever
// running evictOldestIfAtCapacity; the admission path is the primary
// enforcement.
func (m *Manager) evictionLoop() {
	ticker := time.NewTicker(m.opts.EvictionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnceNow()
		case <-m.stopSweep:
			return
		}
	}
}

// evictOldestIfAtCapacity drops the single oldest idle pooled connection if
// the pool is already at MaxConcurrentPeerConnections, making room for the
// connection about to be admitted (spec.md §4.E "Eviction"). sweepOnceNow
// remains as a periodic backstop for idle connections that accumulate
// without a fresh admission ever triggering this check.
func (m *Manager) evictOldestIfAtCapacity() {
	if m.msgConns.Size() < m.opts.MaxConcurrentPeerConnections {
		return
	}
	var oldestUser string
	var oldest *pooledConn
	m.msgConns.Range(func(user string, p *pooledConn) bool {
		if oldest == nil || p.lastUsed.get().Before(oldest.lastUsed.get()) {
			oldestUser, oldest = user, p
		}
		return true
	})
	if oldest == nil {
		return
	}
	m.msgConns.Delete(oldestUser)
	oldest.mc.Disconnect(conn.ReasonInactivityTimeout)
	m.reportPeerConnMetric()
}

func (m *Manager) sweepOnceNow() {
	type entry struct {
		user string
		p    *pooledConn
	}
	var entries []entry
	m.msgConns.Range(func(user string, p *pooledConn) bool {
		entries = append(entries, entry{user, p})
		return true
	})
	if len(entries) <= m.opts.MaxConcurrentPeerConnections {
		return
	}
	excess := len(entries) - m.opts.MaxConcurrentPeerConnections
	// oldest idle first: sort by lastUsed ascending, evict the front.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].p.lastUsed.get().Before(entries[i].p.lastUsed.get()) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < excess && i < len(entries); i++ {
		e := entries[i]
		m.msgConns.Delete(e.user)
		e.p.mc.Disconnect(conn.ReasonInactivityTimeout)
	}
	m.reportPeerConnMetric()
}
