package conn

import (
	"context"

	"github.com/soulseek-go/slsk/codec"
)

// Handler receives decoded frames from a MessageConnection's read loop. It
// must not block for long: the read loop does not proceed to the next frame
// until Handle returns.
type Handler interface {
	Handle(f codec.Frame)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(f codec.Frame)

func (h HandlerFunc) Handle(f codec.Frame) { h(f) }

// MessageConnection layers framed message decode/encode on top of a
// Connection: a background goroutine reads frames and dispatches them to a
// Handler, while Send serializes an already-built message onto the
// connection's write queue (spec.md §4.B).
type MessageConnection struct {
	*Connection
	handler Handler
	done    chan struct{}
}

// NewMessageConnection starts the read loop immediately, dispatching every
// decoded frame to handler until the connection disconnects.
func NewMessageConnection(c *Connection, handler Handler) *MessageConnection {
	mc := &MessageConnection{Connection: c, handler: handler, done: make(chan struct{})}
	go mc.readLoop()
	return mc
}

func (mc *MessageConnection) readLoop() {
	defer close(mc.done)
	for {
		frame, err := mc.ReadMessage()
		if err != nil {
			l.Debugln("read loop ending:", err)
			mc.Disconnect(ReasonReadError)
			return
		}
		if mc.handler != nil {
			mc.handler.Handle(frame)
		}
	}
}

// Send builds and writes a single message using b, blocking until the bytes
// have been fully written (or the write fails/times out).
func (mc *MessageConnection) Send(b *Builder) error {
	return mc.Write(b.Bytes())
}

// Builder is a thin alias kept here so callers can build a message and hand
// it straight to Send without importing codec directly at call sites that
// only deal with conn.
type Builder = codec.Builder

// Wait blocks until the read loop has exited (the connection is gone).
func (mc *MessageConnection) Wait(ctx context.Context) error {
	select {
	case <-mc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
