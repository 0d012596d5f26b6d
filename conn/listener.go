package conn

import (
	"net"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/events"
)

// Listener binds a TCP port and hands every accepted socket to a callback as
// a *Connection in the Init dialect, the dialect of the first handshake
// frame (spec.md §4.E: "the code disambiguates PeerInit ... from
// PierceFirewall" only after reading that frame, so the listener itself does
// not choose the socket's later dialect).
type Listener struct {
	ln   net.Listener
	opts Options
	bus  *events.Bus
}

// Listen binds addr (host:port, or ":0" for an ephemeral port in [1024,
// 65535] per spec.md §4.E) and returns a Listener ready for Accept or Serve.
func Listen(addr string, opts Options, bus *events.Bus) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newErr(ErrConnectRefused, err)
	}
	return &Listener{ln: ln, opts: opts, bus: bus}, nil
}

// Addr returns the bound local address.
func (l2 *Listener) Addr() net.Addr { return l2.ln.Addr() }

// Close stops accepting new connections.
func (l2 *Listener) Close() error { return l2.ln.Close() }

// Serve accepts connections in a loop, handing each one to handle as an
// unframed Connection in the Init dialect (the only dialect whose first
// frame is a single byte, matching the handshake's PeerInit/PierceFirewall
// discriminator).
func (l2 *Listener) Serve(handle func(*Connection)) {
	for {
		nc, err := l2.ln.Accept()
		if err != nil {
			l.Warnln("accept failed:", err)
			return
		}
		l.Debugln("accepted connection from", nc.RemoteAddr())
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetKeepAlive(l2.opts.TCPKeepAlive)
		}
		c := Accept(codec.Init, nc, l2.opts, l2.bus)
		go handle(c)
	}
}
