// Package slsk is the client-facing package: it wires the server session,
// connection manager, distributed overlay, and transfer engine into the
// single stable surface described in spec.md §6.2, the way the teacher's
// top-level Model ties together its protocol, db, and connection-pool
// packages behind one facade.
package slsk

import (
	"context"
	"fmt"
	"net"

	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/connmgr"
	"github.com/soulseek-go/slsk/distributed"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/internal/slsklog"
	"github.com/soulseek-go/slsk/internal/syncutil"
	"github.com/soulseek-go/slsk/server"
	"github.com/soulseek-go/slsk/token"
	"github.com/soulseek-go/slsk/transfer"
	"github.com/soulseek-go/slsk/waiter"
)

var l = slsklog.New("slsk")

// Client is the embedder's entry point: one server link, its connection
// pool, the distributed search overlay, and the transfer engine.
type Client struct {
	opts    Options
	bus     *events.Bus
	waiters *waiter.Registry
	tokens  *token.Factory

	mut      syncutil.Mutex
	session  *server.Session
	connMgr  *connmgr.Manager
	overlay  *distributed.Overlay
	engine   *transfer.Engine
	username string
}

// New constructs a Client. Connect and Login must be called before any
// other method.
func New(opts Options) *Client {
	return &Client{
		opts:    opts,
		bus:     events.NewBus(),
		waiters: waiter.New(),
		tokens:  token.NewFactory(opts.TokenSeed),
		mut:     syncutil.NewMutex(),
	}
}

// Events returns a subscription over the client's event bus (spec.md §6.2
// "Events (fan-out)").
func (c *Client) Events(mask events.Type) *events.Subscription {
	return c.bus.Subscribe(mask)
}

func (c *Client) diagnostic(level DiagnosticLevel, format string, args ...any) {
	if level < c.opts.MinimumDiagnosticLevel {
		return
	}
	c.bus.Log(events.DiagnosticGenerated, fmt.Sprintf(format, args...))
}

// Connect opens the server link (spec.md §6.2 "connect()").
func (c *Client) Connect(ctx context.Context, addr string) error {
	session, err := server.Connect(ctx, addr, c.opts.Conn, c.bus, c.waiters, c.opts.Server)
	if err != nil {
		return err
	}
	c.mut.Lock()
	c.session = session
	c.mut.Unlock()
	c.diagnostic(DiagnosticInfo, "connected to %s", addr)
	return nil
}

// Login authenticates and brings up the connection manager, transfer
// engine, and (if enabled) the distributed overlay (spec.md §6.2
// "login(username, password)"). Calling Login again after a prior call
// reuses the subsystems that call built and updates only the transfer
// engine's username; the connection manager and distributed overlay keep
// the username they were built with.
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.mut.Lock()
	session := c.session
	firstLogin := c.engine == nil
	c.mut.Unlock()
	if session == nil {
		return fmt.Errorf("slsk: Connect must be called before Login")
	}

	if firstLogin {
		c.bringUpSubsystems(username, session)
	} else {
		c.mut.Lock()
		c.engine.SetSelfUsername(username)
		c.mut.Unlock()
	}

	if err := session.Login(ctx, username, password); err != nil {
		return err
	}

	c.mut.Lock()
	c.username = username
	connMgr := c.connMgr
	c.mut.Unlock()

	if addr := connMgr.ListenAddr(); addr != nil {
		if tcpAddr, ok := addr.(*net.TCPAddr); ok {
			if err := session.SetListenPort(tcpAddr.Port); err != nil {
				l.Debugln("failed to advertise listen port:", err)
			}
		}
	}
	return nil
}

// bringUpSubsystems constructs the connection manager, transfer engine, and
// distributed overlay once, on the first call to Login, before the login
// request is sent and whether or not that login succeeds. The connection
// manager's handler callback closes over c.engine by pointer so it can be
// constructed before the engine exists; the closure is only invoked once a
// peer connection is actually adopted, which cannot happen before this
// function returns and c.engine is assigned.
func (c *Client) bringUpSubsystems(username string, session *server.Session) {
	connMgr := connmgr.New(c.opts.ConnMgr, c.opts.Conn, username, session, c.waiters, c.tokens, c.bus,
		func(peer string) conn.Handler {
			c.mut.Lock()
			e := c.engine
			c.mut.Unlock()
			return e.HandlerFor(peer)
		})
	session.SetIndirectDialer(connMgr)

	engine := transfer.New(c.opts.Transfer, username, connMgr, session, c.opts.Resolvers, c.tokens, c.bus)

	connMgr.SetDelayedResponseDeliverer(engine.DeliverDelayedResponse)

	c.mut.Lock()
	c.connMgr = connMgr
	c.engine = engine
	c.mut.Unlock()

	if c.opts.EnableDistributedNetwork {
		distOpts := c.opts.Distributed
		if !c.opts.AcceptDistributedChildren {
			distOpts.ChildLimit = 0
		}
		overlay := distributed.New(distOpts, username, session, connMgr, connMgr, c.tokens, c.bus, engine.DistributedSearchResolver, engine.RetainDelayedResponse)
		session.SetDistributedReceiver(overlay)
		c.mut.Lock()
		c.overlay = overlay
		c.mut.Unlock()
	}

	if c.opts.ConnMgr.ListenEnabled {
		if err := connMgr.Listen(); err != nil {
			l.Debugln("failed to start peer listener:", err)
		}
	}
	connMgr.StartEvictionSweep()
}

// Disconnect tears down the server link and every pooled connection
// (spec.md §6.2 "disconnect(reason?)").
func (c *Client) Disconnect() {
	c.mut.Lock()
	session, connMgr := c.session, c.connMgr
	c.mut.Unlock()
	if connMgr != nil {
		connMgr.Close()
	}
	if session != nil {
		session.Disconnect()
	}
}

// Search issues a distributed file search and streams back responses
// (spec.md §6.2 "search(query, options, cancel)").
func (c *Client) Search(ctx context.Context, query string, opts transfer.SearchOptions) (<-chan transfer.SearchResponse, error) {
	return c.engine.Search(ctx, query, opts)
}

// Download fetches filename from username (spec.md §6.2 "download").
func (c *Client) Download(ctx context.Context, username, filename string, localToken uint32, opts transfer.DownloadOptions, sink transfer.Sink) error {
	return c.engine.Download(ctx, username, filename, localToken, opts, sink)
}

// Upload serves filename to username (the symmetric counterpart to
// Download; spec.md §4.H.3).
func (c *Client) Upload(ctx context.Context, username, filename string, size int64, localToken uint32, source transfer.Source) error {
	return c.engine.Upload(ctx, username, filename, size, localToken, source)
}

// Browse requests username's share listing (spec.md §6.2 "browse").
func (c *Client) Browse(ctx context.Context, username string) (transfer.BrowseResponse, error) {
	return c.engine.Browse(ctx, username)
}

// GetUserInfo requests username's profile (spec.md §6.2 "get_user_info").
func (c *Client) GetUserInfo(ctx context.Context, username string) (transfer.UserInfoResponse, error) {
	return c.engine.GetUserInfo(ctx, username)
}

// AddUser asks the server to track username (spec.md §6.2 "add_user").
func (c *Client) AddUser(ctx context.Context, username string) error {
	return c.session.AddUser(ctx, username)
}

// GetUserStatus requests username's online status (spec.md §6.2
// "get_user_status").
func (c *Client) GetUserStatus(ctx context.Context, username string) ([]byte, error) {
	return c.session.GetUserStatus(ctx, username)
}

// GetUserStats requests username's speed/share/queue stats (spec.md §6.2
// "get_user_stats").
func (c *Client) GetUserStats(ctx context.Context, username string) ([]byte, error) {
	return c.session.GetUserStats(ctx, username)
}

// JoinRoom joins a chat room (spec.md §6.2 "join_room").
func (c *Client) JoinRoom(ctx context.Context, name string) error {
	return c.session.JoinRoom(ctx, name)
}

// LeaveRoom leaves a previously joined chat room (spec.md §6.2
// "leave_room").
func (c *Client) LeaveRoom(name string) error {
	return c.session.LeaveRoom(name)
}

// GetRoomList requests the server's current room list (spec.md §6.2
// "get_room_list").
func (c *Client) GetRoomList(ctx context.Context) ([]string, error) {
	return c.session.GetRoomList(ctx)
}

// SendRoomMessage posts a chat message to room (spec.md §6.2
// "send_room_message").
func (c *Client) SendRoomMessage(room, message string) error {
	return c.session.SendRoomMessage(room, message)
}

// PlaceInQueue asks username for our queue position for filename (spec.md
// §4.H.4, surfaced as a client convenience alongside the stable §6.2 API).
func (c *Client) PlaceInQueue(ctx context.Context, username, filename string) (position int, ok bool) {
	return c.engine.PlaceInQueue(ctx, username, filename)
}

// Transfer returns the tracked transfer for localToken, if any (useful for
// polling progress outside the event bus).
func (c *Client) Transfer(localToken uint32) (*transfer.Transfer, bool) {
	return c.engine.Transfer(localToken)
}
