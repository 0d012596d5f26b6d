package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/codec"
	gconn "github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/token"
	"github.com/soulseek-go/slsk/waiter"
)

type stubServer struct {
	sent []*codec.Builder
}

func (s *stubServer) SendServer(b *codec.Builder) error {
	s.sent = append(s.sent, b)
	return nil
}

func noopHandler(string) gconn.Handler {
	return gconn.HandlerFunc(func(codec.Frame) {})
}

func newTestManager(t *testing.T, server ServerSender) (*Manager, *waiter.Registry) {
	t.Helper()
	w := waiter.New()
	opts := DefaultOptions()
	opts.PeerConnectTimeout = 200 * time.Millisecond
	return New(opts, gconn.DefaultOptions(), "me", server, w, token.NewFactory(0), events.NewBus(), noopHandler), w
}

func TestResolveEndpointUsesCacheFirst(t *testing.T) {
	stub := &stubServer{}
	m, _ := newTestManager(t, stub)
	m.endpoints.Put("bob", Endpoint{IP: "1.2.3.4", Port: 5})

	ep, err := m.resolveEndpoint(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{IP: "1.2.3.4", Port: 5}, ep)
	assert.Empty(t, stub.sent, "should not have sent GetPeerAddress when cached")
}

func TestResolveEndpointAsksServerAndCaches(t *testing.T) {
	stub := &stubServer{}
	m, w := newTestManager(t, stub)

	errCh := make(chan error, 1)
	var gotEp Endpoint
	go func() {
		ep, err := m.resolveEndpoint(context.Background(), "carol")
		gotEp = ep
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(stub.sent) == 1 }, time.Second, time.Millisecond)
	w.Complete(waiter.NewKey(codec.CodeGetPeerAddress, "carol"), Endpoint{IP: "9.9.9.9", Port: 42})

	require.NoError(t, <-errCh)
	assert.Equal(t, Endpoint{IP: "9.9.9.9", Port: 42}, gotEp)

	cached, ok := m.endpoints.Get("carol")
	assert.True(t, ok)
	assert.Equal(t, Endpoint{IP: "9.9.9.9", Port: 42}, cached)
}

func TestResolveEndpointOfflinePeer(t *testing.T) {
	stub := &stubServer{}
	m, w := newTestManager(t, stub)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.resolveEndpoint(context.Background(), "dave")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(stub.sent) == 1 }, time.Second, time.Millisecond)
	w.Complete(waiter.NewKey(codec.CodeGetPeerAddress, "dave"), Endpoint{IP: "0.0.0.0", Port: 0})

	err := <-errCh
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrPeerOffline, ce.Kind)
}

func TestAdoptMessageConnectionDedupesByUsername(t *testing.T) {
	stub := &stubServer{}
	m, _ := newTestManager(t, stub)

	a1, b1 := net.Pipe()
	a2, b2 := net.Pipe()
	defer b1.Close()
	defer b2.Close()

	c1 := gconn.Accept(codec.Peer, a1, gconn.DefaultOptions(), nil)
	c2 := gconn.Accept(codec.Peer, a2, gconn.DefaultOptions(), nil)

	first := m.adoptMessageConnection("eve", c1)
	second := m.adoptMessageConnection("eve", c2)

	assert.Same(t, first, second, "second adoption should be discarded, keeping the first")
	p, ok := m.msgConns.Load("eve")
	require.True(t, ok)
	assert.Same(t, first, p.mc)
}

func TestAdoptMessageConnectionEvictsOldestAtCapacity(t *testing.T) {
	stub := &stubServer{}
	m, _ := newTestManager(t, stub)
	m.opts.MaxConcurrentPeerConnections = 1

	a1, b1 := net.Pipe()
	defer b1.Close()
	c1 := gconn.Accept(codec.Peer, a1, gconn.DefaultOptions(), nil)
	m.adoptMessageConnection("eve", c1)
	_, ok := m.msgConns.Load("eve")
	require.True(t, ok)

	a2, b2 := net.Pipe()
	defer b2.Close()
	c2 := gconn.Accept(codec.Peer, a2, gconn.DefaultOptions(), nil)
	m.adoptMessageConnection("frank", c2)

	_, stillPooled := m.msgConns.Load("eve")
	assert.False(t, stillPooled, "oldest connection should be evicted to admit the new one")
	_, ok = m.msgConns.Load("frank")
	assert.True(t, ok)
	assert.Equal(t, 1, m.msgConns.Size())
}

func TestHandleInboundPeerInit(t *testing.T) {
	stub := &stubServer{}
	m, _ := newTestManager(t, stub)

	a, b := net.Pipe()
	defer b.Close()
	c := gconn.Accept(codec.Init, a, gconn.DefaultOptions(), nil)

	initFrame := codec.NewBuilder(codec.Init, codec.CodeInitPeerInit)
	initFrame.WriteString("frank").WriteString(string(ConnTypePeer))
	go b.Write(initFrame.Bytes())

	go m.handleInbound(c)

	require.Eventually(t, func() bool {
		_, ok := m.msgConns.Load("frank")
		return ok
	}, time.Second, time.Millisecond)
}

func TestRegisterTransferFromHandshakeOffersDelayedDelivererFirst(t *testing.T) {
	stub := &stubServer{}
	m, _ := newTestManager(t, stub)

	var gotTok uint32
	var gotConn *gconn.Connection
	m.SetDelayedResponseDeliverer(func(tok uint32, c *gconn.Connection) bool {
		gotTok = tok
		gotConn = c
		return true
	})

	a, b := net.Pipe()
	defer b.Close()
	c := gconn.Accept(codec.Server, a, gconn.DefaultOptions(), nil)

	go func() {
		tokBuf := make([]byte, 4)
		tokBuf[0] = 42
		b.Write(tokBuf)
	}()

	m.registerTransferFromHandshake(c)

	assert.EqualValues(t, 42, gotTok)
	assert.Same(t, c, gotConn)
	assert.Equal(t, 0, m.xferConns.Size(), "a claimed token must not also be registered as an ordinary transfer connection")
}

func TestRegisterTransferFromHandshakeFallsBackWhenDelivererDeclines(t *testing.T) {
	stub := &stubServer{}
	m, _ := newTestManager(t, stub)
	m.SetDelayedResponseDeliverer(func(tok uint32, c *gconn.Connection) bool { return false })

	a, b := net.Pipe()
	defer b.Close()
	c := gconn.Accept(codec.Server, a, gconn.DefaultOptions(), nil)

	go func() {
		tokBuf := make([]byte, 4)
		tokBuf[0] = 7
		b.Write(tokBuf)
	}()

	m.registerTransferFromHandshake(c)

	_, ok := m.xferConns.Load(7)
	assert.True(t, ok, "declined token should still register as an ordinary transfer connection")
}

func TestGetOrAddPeerConnectionTimesOutWhenUnreachable(t *testing.T) {
	stub := &stubServer{}
	// no one ever completes the ConnectToPeer solicitation either.
	m, _ := newTestManager(t, stub)
	m.endpoints.Put("ghost", Endpoint{IP: "203.0.113.1", Port: 1}) // TEST-NET-3, non-routable

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.GetOrAddPeerConnection(ctx, "ghost")
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrConnectionTimeout, ce.Kind)
}
