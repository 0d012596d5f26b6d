package conn

import "time"

// Options holds the tuning knobs enumerated in spec.md §6.4. Zero-value
// Options is not directly usable; construct one with DefaultOptions and
// override fields as needed.
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteQueueSize  int

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	InactivityTimeout time.Duration

	// WithoutInactivityTimeout disables the idle timer entirely, used for
	// the server connection and for transfer connections (spec.md §4.B).
	WithoutInactivityTimeout bool

	TCPKeepAlive bool

	// MaxFrameSize bounds read_message's length prefix so a corrupt or
	// hostile peer cannot force an unbounded allocation.
	MaxFrameSize uint32

	// Proxy, when non-empty, routes connect through a SOCKS5 proxy at this
	// host:port, with optional username/password auth.
	ProxyAddr     string
	ProxyUsername string
	ProxyPassword string
}

// DefaultOptions returns the defaults given in spec.md §6.4.
func DefaultOptions() Options {
	return Options{
		ReadBufferSize:           16384,
		WriteBufferSize:          16384,
		WriteQueueSize:           250,
		ConnectTimeout:           10000 * time.Millisecond,
		WriteTimeout:             5000 * time.Millisecond,
		InactivityTimeout:        15000 * time.Millisecond,
		WithoutInactivityTimeout: false,
		TCPKeepAlive:             false,
		MaxFrameSize:             128 << 20,
	}
}
