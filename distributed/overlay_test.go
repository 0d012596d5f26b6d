package distributed

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/codec"
	gconn "github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/connmgr"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/token"
)

type stubServerSender struct {
	sent []*codec.Builder
}

func (s *stubServerSender) SendServer(b *codec.Builder) error {
	s.sent = append(s.sent, b)
	return nil
}

type stubDialer struct {
	handler func(username string, c *gconn.Connection)
}

func (d *stubDialer) DialDistributedCandidate(ctx context.Context, ep connmgr.Endpoint, username string) (*gconn.Connection, error) {
	return nil, assertErr
}

func (d *stubDialer) SetDistributedHandler(h func(username string, c *gconn.Connection)) {
	d.handler = h
}

var assertErr = &connmgr.Error{Kind: connmgr.ErrConnectionTimeout, User: "candidate"}

type stubPeers struct {
	gotUsername string
	gotPayload  []byte
	mc          *gconn.MessageConnection
	err         error
}

func (p *stubPeers) GetOrAddPeerConnection(ctx context.Context, username string) (*gconn.MessageConnection, error) {
	p.gotUsername = username
	if p.err != nil {
		return nil, p.err
	}
	return p.mc, nil
}

type stubRetainer struct {
	mut      sync.Mutex
	token    uint32
	username string
	payload  []byte
	called   bool
}

func (r *stubRetainer) retain(token uint32, username string, payload []byte) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.token, r.username, r.payload, r.called = token, username, payload, true
}

func newTestOverlay(t *testing.T, resolver SearchResolver) (*Overlay, *stubDialer, *stubPeers, *stubServerSender) {
	t.Helper()
	dialer := &stubDialer{}
	peers := &stubPeers{}
	srv := &stubServerSender{}
	opts := DefaultOptions()
	opts.ChildLimit = 1
	opts.ParentRaceTimeout = 200 * time.Millisecond
	o := New(opts, "me", srv, dialer, peers, token.NewFactory(0), events.NewBus(), resolver, nil)
	return o, dialer, peers, srv
}

func dialerInvoked(t *testing.T, dialer *stubDialer) {
	t.Helper()
	require.NotNil(t, dialer.handler, "SetDistributedHandler was not called by New")
}

func TestAdmitChildSendsBranchAnnouncement(t *testing.T) {
	o, dialer, _, _ := newTestOverlay(t, nil)
	dialerInvoked(t, dialer)

	a, b := net.Pipe()
	defer b.Close()
	c := gconn.Accept(codec.Distributed, a, gconn.DefaultOptions(), nil)

	done := make(chan struct{})
	go func() {
		dialer.handler("kid", c)
		close(done)
	}()

	lenBuf := make([]byte, 4)
	_, err := readFullD(b, lenBuf)
	require.NoError(t, err)
	n := int(codec.DecodeLength(lenBuf))
	body := make([]byte, n)
	_, err = readFullD(b, body)
	require.NoError(t, err)
	f := codec.Frame{Dialect: codec.Distributed, Payload: body}
	code, err := f.Reader().ReadCode()
	require.NoError(t, err)
	assert.Equal(t, codec.CodeDistributedBranchLevel, code)

	<-done
	assert.Equal(t, 1, o.ChildCount())
}

func readFullD(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestAdmitChildRejectsBeyondLimit(t *testing.T) {
	o, dialer, _, _ := newTestOverlay(t, nil)
	dialerInvoked(t, dialer)

	a1, b1 := net.Pipe()
	defer b1.Close()
	c1 := gconn.Accept(codec.Distributed, a1, gconn.DefaultOptions(), nil)
	go dialer.handler("kid1", c1)
	require.Eventually(t, func() bool { return o.ChildCount() == 1 }, time.Second, time.Millisecond)

	a2, b2 := net.Pipe()
	defer b2.Close()
	c2 := gconn.Accept(codec.Distributed, a2, gconn.DefaultOptions(), nil)
	dialer.handler("kid2", c2)

	require.Eventually(t, func() bool {
		return c2.State() == gconn.Disconnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, o.ChildCount())
}

func TestHandleSearchRequestRelaysAndResolves(t *testing.T) {
	resolved := make(chan struct{}, 1)
	resolver := func(username string, tok uint32, query string) ([]byte, bool) {
		assert.Equal(t, "searcher", username)
		assert.Equal(t, "flac albums", query)
		resolved <- struct{}{}
		return []byte{1, 2, 3}, true
	}
	o, dialer, peers, _ := newTestOverlay(t, resolver)
	dialerInvoked(t, dialer)

	a, b := net.Pipe()
	defer b.Close()
	c := gconn.Accept(codec.Distributed, a, gconn.DefaultOptions(), nil)
	go dialer.handler("kid", c)
	require.Eventually(t, func() bool { return o.ChildCount() == 1 }, time.Second, time.Millisecond)
	// drain the branch-level/root announcement frames sent on admission
	drain := make(chan struct{})
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := b.Read(buf); err != nil {
				close(drain)
				return
			}
		}
	}()

	mcServer, mcClient := net.Pipe()
	defer mcClient.Close()
	peerMC := gconn.NewMessageConnection(gconn.Accept(codec.Peer, mcServer, gconn.DefaultOptions(), nil), gconn.HandlerFunc(func(codec.Frame) {}))
	peers.mc = peerMC

	req := codec.NewBuilder(codec.Distributed, codec.CodeDistributedSearchRequest)
	req.WriteBytes(make([]byte, 8))
	req.WriteString("searcher").WriteUint32(7).WriteString("flac albums")
	r := req.Bytes()
	// strip the length prefix + code since handleSearchRequest receives a
	// Reader already positioned after the code.
	frame := codec.Frame{Dialect: codec.Distributed, Payload: r[4:]}
	fr := frame.Reader()
	fr.ReadCode()
	o.handleSearchRequest(fr)

	select {
	case <-resolved:
	case <-time.After(time.Second):
		t.Fatal("resolver was not invoked")
	}

	require.Eventually(t, func() bool { return peers.gotUsername == "searcher" }, time.Second, time.Millisecond)

	readBuf := make([]byte, 3)
	mcClient.SetReadDeadline(time.Now().Add(time.Second))
	_, err := readFullD(mcClient, readBuf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, readBuf)
}

func TestHandleSearchRequestRetainsResponseWhenDeliveryFails(t *testing.T) {
	resolver := func(username string, tok uint32, query string) ([]byte, bool) {
		return []byte{9, 9, 9}, true
	}
	dialer := &stubDialer{}
	peers := &stubPeers{err: assertErr}
	srv := &stubServerSender{}
	retainer := &stubRetainer{}
	opts := DefaultOptions()
	opts.ChildLimit = 1
	opts.ParentRaceTimeout = 50 * time.Millisecond
	o := New(opts, "me", srv, dialer, peers, token.NewFactory(0), events.NewBus(), resolver, retainer.retain)

	req := codec.NewBuilder(codec.Distributed, codec.CodeDistributedSearchRequest)
	req.WriteBytes(make([]byte, 8))
	req.WriteString("searcher").WriteUint32(42).WriteString("rare flac")
	r := req.Bytes()
	frame := codec.Frame{Dialect: codec.Distributed, Payload: r[4:]}
	fr := frame.Reader()
	fr.ReadCode()
	o.handleSearchRequest(fr)

	require.Eventually(t, func() bool {
		retainer.mut.Lock()
		defer retainer.mut.Unlock()
		return retainer.called
	}, time.Second, time.Millisecond)

	retainer.mut.Lock()
	defer retainer.mut.Unlock()
	assert.EqualValues(t, 42, retainer.token)
	assert.Equal(t, "searcher", retainer.username)
	assert.Equal(t, []byte{9, 9, 9}, retainer.payload)
}

func TestHandlePingRespondsWithToken(t *testing.T) {
	o, dialer, _, _ := newTestOverlay(t, nil)
	dialerInvoked(t, dialer)

	a, b := net.Pipe()
	defer b.Close()
	c := gconn.Accept(codec.Distributed, a, gconn.DefaultOptions(), nil)
	mc := gconn.NewMessageConnection(c, gconn.HandlerFunc(func(codec.Frame) {}))

	done := make(chan struct{})
	go func() {
		o.handlePing(mc)
		close(done)
	}()

	lenBuf := make([]byte, 4)
	_, err := readFullD(b, lenBuf)
	require.NoError(t, err)
	n := int(codec.DecodeLength(lenBuf))
	body := make([]byte, n)
	_, err = readFullD(b, body)
	require.NoError(t, err)
	f := codec.Frame{Dialect: codec.Distributed, Payload: body}
	code, err := f.Reader().ReadCode()
	require.NoError(t, err)
	assert.Equal(t, codec.CodeDistributedPingResponse, code)
	<-done
}

func TestDropQueueEvictsOldestWhenFull(t *testing.T) {
	q := newDropQueue(2)
	q.enqueue([]byte("a"))
	q.enqueue([]byte("b"))
	q.enqueue([]byte("c")) // should evict "a"

	got := [][]byte{<-q.ch, <-q.ch}
	assert.Equal(t, []byte("b"), got[0])
	assert.Equal(t, []byte("c"), got[1])
}
