// Package conn implements a framed, owning wrapper around a TCP stream: the
// Connection type tracks lifecycle state, enforces read/write/inactivity
// timeouts, optionally tunnels through a SOCKS5 proxy, and hands off to a
// MessageConnection for length-prefixed frame decode/encode.
package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/internal/slsklog"
	"github.com/soulseek-go/slsk/internal/syncutil"
)

var l = slsklog.New("conn")

// writeReq is one entry in the bounded write queue: a single caller's bytes
// plus the channel it blocks on for the write's outcome.
type writeReq struct {
	p      []byte
	result chan error
}

// Connection is a framed TCP endpoint (spec.md §4.B). Zero value is not
// usable; construct with Dial or Accept.
type Connection struct {
	opts    Options
	dialect codec.Dialect
	bus     *events.Bus

	mut   syncutil.RWMutex
	state State
	nc    net.Conn

	writeCh   chan writeReq
	closeOnce sync.Once
	closed    chan struct{}

	inactivityMut syncutil.Mutex
	inactivity    *time.Timer
}

// Dial opens a new outbound TCP connection to addr, optionally through a
// SOCKS5 proxy (spec.md §4.B "Optional SOCKS5 proxy").
func Dial(ctx context.Context, d codec.Dialect, addr string, opts Options, bus *events.Bus) (*Connection, error) {
	c := newConnection(d, opts, bus)
	c.setState(Connecting)

	nc, err := dialNet(ctx, addr, opts)
	if err != nil {
		c.setState(Disconnected)
		return nil, err
	}
	c.adopt(nc)
	return c, nil
}

func dialNet(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	if opts.ProxyAddr != "" {
		var auth *proxy.Auth
		if opts.ProxyUsername != "" {
			auth = &proxy.Auth{User: opts.ProxyUsername, Password: opts.ProxyPassword}
		}
		pd, err := proxy.SOCKS5("tcp", opts.ProxyAddr, auth, dialer)
		if err != nil {
			return nil, newErr(ErrProxyFailure, err)
		}
		type ctxDialer interface {
			DialContext(ctx context.Context, network, address string) (net.Conn, error)
		}
		if cd, ok := pd.(ctxDialer); ok {
			nc, err := cd.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, newErr(ErrProxyFailure, err)
			}
			return nc, nil
		}
		nc, err := pd.Dial("tcp", addr)
		if err != nil {
			return nil, newErr(ErrProxyFailure, err)
		}
		return nc, nil
	}

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newErr(ErrConnectTimeout, err)
		}
		return nil, newErr(ErrConnectRefused, err)
	}
	return nc, nil
}

// Accept wraps an already-established inbound socket (from a listener),
// skipping the dial step but otherwise behaving exactly like a dialed
// Connection.
func Accept(d codec.Dialect, nc net.Conn, opts Options, bus *events.Bus) *Connection {
	c := newConnection(d, opts, bus)
	c.adopt(nc)
	return c
}

func newConnection(d codec.Dialect, opts Options, bus *events.Bus) *Connection {
	return &Connection{
		opts:          opts,
		dialect:       d,
		bus:           bus,
		state:         Pending,
		writeCh:       make(chan writeReq, opts.WriteQueueSize),
		closed:        make(chan struct{}),
		mut:           syncutil.NewRWMutex(),
		inactivityMut: syncutil.NewMutex(),
	}
}

func (c *Connection) adopt(nc net.Conn) {
	if opt, ok := nc.(*net.TCPConn); ok {
		opt.SetKeepAlive(c.opts.TCPKeepAlive)
	}
	c.mut.Lock()
	c.nc = nc
	c.state = Connected
	c.mut.Unlock()

	if !c.opts.WithoutInactivityTimeout {
		c.rearmInactivity()
	}

	go c.writePump()
}

func (c *Connection) setState(s State) {
	c.mut.Lock()
	c.state = s
	c.mut.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.state
}

// SetDialect switches the dialect used to tag subsequently-read frames.
// Peer and transfer sockets speak the 1-byte Init dialect for exactly their
// first handshake frame (PeerInit/PierceFirewall) and switch to their real
// dialect (Peer, or raw for transfer sockets) immediately after — this is
// how the connection manager flips a freshly-accepted or freshly-dialed
// socket once the handshake frame has been consumed.
func (c *Connection) SetDialect(d codec.Dialect) {
	c.mut.Lock()
	c.dialect = d
	c.mut.Unlock()
}

// RemoteAddr returns the remote endpoint, or nil if never connected.
func (c *Connection) RemoteAddr() net.Addr {
	c.mut.RLock()
	defer c.mut.RUnlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

func (c *Connection) rearmInactivity() {
	c.inactivityMut.Lock()
	defer c.inactivityMut.Unlock()
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
	c.inactivity = time.AfterFunc(c.opts.InactivityTimeout, func() {
		l.Debugln("inactivity timeout, disconnecting", c.RemoteAddr())
		c.Disconnect(ReasonInactivityTimeout)
	})
}

func (c *Connection) stopInactivity() {
	c.inactivityMut.Lock()
	defer c.inactivityMut.Unlock()
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
}

// writePump drains the bounded write queue onto the socket, one request at a
// time, applying the configured write timeout per request.
func (c *Connection) writePump() {
	for {
		select {
		case req, ok := <-c.writeCh:
			if !ok {
				return
			}
			req.result <- c.writeNow(req.p)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeNow(p []byte) error {
	c.mut.RLock()
	nc := c.nc
	c.mut.RUnlock()
	if nc == nil {
		return newErr(ErrClosed, nil)
	}
	if c.opts.WriteTimeout > 0 {
		nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer nc.SetWriteDeadline(time.Time{})
	}
	total := 0
	for total < len(p) {
		n, err := nc.Write(p[total:])
		total += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return newErr(ErrWriteTimeout, err)
			}
			return newErr(ErrWriteFailure, err)
		}
	}
	return nil
}

// Write fully writes p, queueing behind any writes already in flight, up to
// Options.WriteQueueSize deep (spec.md §4.B).
func (c *Connection) Write(p []byte) error {
	if c.State() == Disconnected {
		return newErr(ErrClosed, nil)
	}
	req := writeReq{p: p, result: make(chan error, 1)}
	select {
	case c.writeCh <- req:
	case <-c.closed:
		return newErr(ErrClosed, nil)
	}
	select {
	case err := <-req.result:
		return err
	case <-c.closed:
		return newErr(ErrClosed, nil)
	}
}

// ReadLength reads exactly n bytes, resuming on short reads. An EOF before n
// bytes have been read yields ErrEOF.
func (c *Connection) ReadLength(n int) ([]byte, error) {
	c.mut.RLock()
	nc := c.nc
	c.mut.RUnlock()
	if nc == nil {
		return nil, newErr(ErrClosed, nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(nc, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, newErr(ErrEOF, err)
		}
		return nil, newErr(ErrEOF, err)
	}
	if !c.opts.WithoutInactivityTimeout {
		c.rearmInactivity()
	}
	return buf, nil
}

// ReadMessage reads a 4-byte length prefix followed by that many bytes and
// returns the decoded Frame (spec.md §4.B).
func (c *Connection) ReadMessage() (codec.Frame, error) {
	lp, err := c.ReadLength(codec.LengthPrefixSize)
	if err != nil {
		return codec.Frame{}, err
	}
	length := codec.DecodeLength(lp)
	if length > c.opts.MaxFrameSize {
		return codec.Frame{}, newErr(ErrFrameTooLarge, fmt.Errorf("frame length %d exceeds max %d", length, c.opts.MaxFrameSize))
	}
	payload, err := c.ReadLength(int(length))
	if err != nil {
		return codec.Frame{}, err
	}
	c.mut.RLock()
	d := c.dialect
	c.mut.RUnlock()
	return codec.Frame{Dialect: d, Payload: payload}, nil
}

// Disconnect tears the connection down. Idempotent: only the first call
// takes effect and publishes the Disconnected event.
func (c *Connection) Disconnect(reason DisconnectReason) {
	c.closeOnce.Do(func() {
		c.setState(Disconnecting)
		c.stopInactivity()
		close(c.closed)

		c.mut.Lock()
		nc := c.nc
		c.mut.Unlock()
		if nc != nil {
			nc.Close()
		}

		c.setState(Disconnected)
		if c.bus != nil {
			c.bus.Log(events.StateChanged, map[string]any{
				"state":  "disconnected",
				"remote": remoteAddrString(nc),
				"reason": reason.String(),
			})
		}
		l.Debugln("disconnected:", reason)
	})
}

func remoteAddrString(nc net.Conn) string {
	if nc == nil {
		return ""
	}
	return nc.RemoteAddr().String()
}
