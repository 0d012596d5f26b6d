package transfer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/codec"
	gconn "github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/token"
)

type stubServerSender struct {
	mut  sync.Mutex
	sent []*codec.Builder
}

func (s *stubServerSender) SendServer(b *codec.Builder) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.sent = append(s.sent, b)
	return nil
}

func (s *stubServerSender) last() *codec.Builder {
	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

type fakeConnManager struct {
	mut           sync.Mutex
	peerConns     map[string]*gconn.MessageConnection
	transferConns map[uint32]*gconn.Connection
}

func newFakeConnManager() *fakeConnManager {
	return &fakeConnManager{
		peerConns:     make(map[string]*gconn.MessageConnection),
		transferConns: make(map[uint32]*gconn.Connection),
	}
}

func (f *fakeConnManager) GetOrAddPeerConnection(ctx context.Context, username string) (*gconn.MessageConnection, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	mc, ok := f.peerConns[username]
	if !ok {
		return nil, errors.New("no peer connection configured for " + username)
	}
	return mc, nil
}

func (f *fakeConnManager) DialTransfer(ctx context.Context, username string, tok uint32) (*gconn.Connection, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	c, ok := f.transferConns[tok]
	if !ok {
		return nil, errors.New("no transfer connection configured for token")
	}
	return c, nil
}

func (f *fakeConnManager) AwaitTransferConnection(ctx context.Context, tok uint32, timeout time.Duration) (*gconn.Connection, error) {
	return f.DialTransfer(ctx, "", tok)
}

// newPeerPipe wires username's simulated peer connection to e's dispatch, and
// returns the raw remote-side net.Conn a test can script traffic on.
func newPeerPipe(t *testing.T, e *Engine, fc *fakeConnManager, username string) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	c := gconn.Accept(codec.Peer, local, gconn.DefaultOptions(), events.NewBus())
	mc := gconn.NewMessageConnection(c, e.HandlerFor(username))
	fc.mut.Lock()
	fc.peerConns[username] = mc
	fc.mut.Unlock()
	t.Cleanup(func() { c.Disconnect(gconn.ReasonRequested) })
	return remote
}

// newTransferPipe registers a raw transfer connection for tok and returns the
// remote side for the test to drive.
func newTransferPipe(t *testing.T, fc *fakeConnManager, tok uint32) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	opts := gconn.DefaultOptions()
	opts.WithoutInactivityTimeout = true
	c := gconn.Accept(codec.Peer, local, opts, events.NewBus())
	fc.mut.Lock()
	fc.transferConns[tok] = c
	fc.mut.Unlock()
	t.Cleanup(func() { c.Disconnect(gconn.ReasonRequested) })
	return remote
}

func newTestEngine(t *testing.T) (*Engine, *fakeConnManager, *stubServerSender) {
	t.Helper()
	fc := newFakeConnManager()
	srv := &stubServerSender{}
	opts := DefaultOptions()
	e := New(opts, "me", fc, srv, DefaultResolvers(), token.NewFactory(1), events.NewBus())
	return e, fc, srv
}

func readFullFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	lenBuf := make([]byte, 4)
	_, err := readFull(c, lenBuf)
	require.NoError(t, err)
	n := codec.DecodeLength(lenBuf)
	body := make([]byte, n)
	_, err = readFull(c, body)
	require.NoError(t, err)
	return body
}

func readFull(c net.Conn, buf []byte) (int, error) {
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

func TestSearchSendsFileSearchAndFiltersResponses(t *testing.T) {
	e, _, srv := newTestEngine(t)

	opts := DefaultSearchOptions()
	opts.SearchTimeout = 200 * time.Millisecond
	opts.FileFilter = func(f FileEntry) bool { return f.Extension == "flac" }

	out, err := e.Search(context.Background(), "thelonious monk", opts)
	require.NoError(t, err)

	b := srv.last()
	require.NotNil(t, b)

	wantB := codec.NewBuilder(codec.Server, codec.CodeFileSearch)
	wantB.WriteUint32(1).WriteString("thelonious monk")
	assert.Equal(t, wantB.Bytes(), b.Bytes())

	resp := SearchResponse{
		Username: "alice",
		Token:    1,
		Files: []FileEntry{
			{Filename: "a.mp3", Extension: "mp3"},
			{Filename: "b.flac", Extension: "flac"},
		},
		UploadSpeed: 128,
	}
	e.handleSearchResponseFrame("alice", responseReaderFor(resp))

	select {
	case got := <-out:
		require.Len(t, got.Files, 1)
		assert.Equal(t, "b.flac", got.Files[0].Filename)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered search response")
	}

	select {
	case _, open := <-out:
		assert.False(t, open, "search channel should close after its timeout")
	case <-time.After(time.Second):
		t.Fatal("search channel never closed")
	}
}

func responseReaderFor(resp SearchResponse) *codec.Reader {
	b := codec.NewBuilder(codec.Peer, codec.CodePeerSearchResponse)
	b.WriteString(resp.Username).WriteUint32(resp.Token).WriteUint32(uint32(len(resp.Files)))
	for _, f := range resp.Files {
		encodeFileEntry(b, f)
	}
	b.WriteBool(resp.FreeUploadSlots).WriteUint32(resp.UploadSpeed).WriteUint32(resp.QueueLength)
	b.Compress()
	raw := b.Bytes()
	r := codec.NewReader(codec.Peer, raw[4:])
	r.ReadCode()
	return r
}

func TestBrowseRequestInvokesResolverAndReplies(t *testing.T) {
	e, fc, _ := newTestEngine(t)
	e.resolvers.BrowseResponse = func(ctx context.Context, username string) (BrowseResponse, error) {
		return BrowseResponse{Directories: []Directory{{Name: "music", Files: []FileEntry{{Filename: "x.mp3", Size: 10}}}}}, nil
	}
	remote := newPeerPipe(t, e, fc, "bob")

	req := codec.NewBuilder(codec.Peer, codec.CodePeerBrowseRequest)
	_, err := remote.Write(req.Bytes())
	require.NoError(t, err)

	body := readFullFrame(t, remote)
	r := codec.NewReader(codec.Peer, body)
	code, err := r.ReadCode()
	require.NoError(t, err)
	assert.Equal(t, codec.CodePeerBrowseResponse, code)
	require.NoError(t, r.Decompress())
	resp, err := decodeBrowseResponse(r)
	require.NoError(t, err)
	require.Len(t, resp.Directories, 1)
	assert.Equal(t, "music", resp.Directories[0].Name)
}

func TestDownloadHappyPathImmediateAllow(t *testing.T) {
	e, fc, _ := newTestEngine(t)
	remote := newPeerPipe(t, e, fc, "carol")

	var sink bytes.Buffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Download(context.Background(), "carol", "song.mp3", 7, DefaultDownloadOptions(), &sink)
	}()

	body := readFullFrame(t, remote)
	r := codec.NewReader(codec.Peer, body)
	code, _ := r.ReadCode()
	require.Equal(t, codec.CodePeerTransferRequest, code)
	dir, _ := r.ReadUint8()
	require.EqualValues(t, Download, dir)
	tok, _ := r.ReadUint32()
	require.EqualValues(t, 7, tok)
	filename, _ := r.ReadString()
	require.Equal(t, "song.mp3", filename)

	transferRemote := newTransferPipe(t, fc, 7)

	resp := codec.NewBuilder(codec.Peer, codec.CodePeerTransferResponse)
	resp.WriteUint32(7).WriteBool(true).WriteInt64(4)
	_, err := remote.Write(resp.Bytes())
	require.NoError(t, err)

	ackBuf := make([]byte, 4)
	_, err = readFull(transferRemote, ackBuf)
	require.NoError(t, err)
	assert.EqualValues(t, 7, codec.DecodeLength(ackBuf))

	_, err = transferRemote.Write([]byte("data"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("download did not complete")
	}
	assert.Equal(t, "data", sink.String())

	tr, ok := e.Transfer(7)
	assert.False(t, ok, "completed transfer should be unregistered")
	_ = tr
}

func TestDownloadQueuedThenServedByUnsolicitedOffer(t *testing.T) {
	e, fc, _ := newTestEngine(t)
	remote := newPeerPipe(t, e, fc, "frank")

	var sink bytes.Buffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Download(context.Background(), "frank", "live.flac", 13, DefaultDownloadOptions(), &sink)
	}()

	body := readFullFrame(t, remote)
	r := codec.NewReader(codec.Peer, body)
	code, _ := r.ReadCode()
	require.Equal(t, codec.CodePeerTransferRequest, code)

	// The peer queues us rather than serving immediately (spec.md §8 scenario
	// 5): TransferResponse(13, allowed=0, reason="Queued.").
	resp := codec.NewBuilder(codec.Peer, codec.CodePeerTransferResponse)
	resp.WriteUint32(13).WriteBool(false).WriteString("Queued.")
	_, err := remote.Write(resp.Bytes())
	require.NoError(t, err)

	// Some time later the peer is ready and sends its own unsolicited
	// Upload-direction TransferRequest bearing the real transfer token.
	transferRemote := newTransferPipe(t, fc, 21)
	offer := codec.NewBuilder(codec.Peer, codec.CodePeerTransferRequest)
	offer.WriteUint8(uint8(Upload)).WriteUint32(21).WriteString("live.flac").WriteInt64(4)
	_, err = remote.Write(offer.Bytes())
	require.NoError(t, err)

	ack := readFullFrame(t, remote)
	ackR := codec.NewReader(codec.Peer, ack)
	ackCode, _ := ackR.ReadCode()
	require.Equal(t, codec.CodePeerTransferResponse, ackCode)
	ackTok, _ := ackR.ReadUint32()
	assert.EqualValues(t, 21, ackTok)

	tokBuf := make([]byte, 4)
	_, err = readFull(transferRemote, tokBuf)
	require.NoError(t, err)
	assert.EqualValues(t, 21, codec.DecodeLength(tokBuf))

	_, err = transferRemote.Write([]byte("data"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued download did not complete")
	}
	assert.Equal(t, "data", sink.String())
}

func TestDownloadRejectedReturnsTransferRejectedError(t *testing.T) {
	e, fc, _ := newTestEngine(t)
	remote := newPeerPipe(t, e, fc, "dave")

	errCh := make(chan error, 1)
	var sink bytes.Buffer
	go func() {
		errCh <- e.Download(context.Background(), "dave", "nope.mp3", 9, DefaultDownloadOptions(), &sink)
	}()

	_ = readFullFrame(t, remote)

	resp := codec.NewBuilder(codec.Peer, codec.CodePeerTransferResponse)
	resp.WriteUint32(9).WriteBool(false).WriteString("File not shared.")
	_, err := remote.Write(resp.Bytes())
	require.NoError(t, err)

	select {
	case err := <-errCh:
		var te *Error
		require.True(t, errorsAs(err, &te))
		assert.Equal(t, ErrTransferRejected, te.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("download did not fail")
	}
}

func errorsAs(err error, target **Error) bool {
	te, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = te
	return true
}

func TestDuplicateDownloadRejected(t *testing.T) {
	e, fc, _ := newTestEngine(t)
	newPeerPipe(t, e, fc, "erin")

	e.transferMut.Lock()
	e.byKey[transferKey{username: "erin", filename: "dup.mp3", direction: Download}] = &Transfer{}
	e.transferMut.Unlock()

	var sink bytes.Buffer
	err := e.Download(context.Background(), "erin", "dup.mp3", 11, DefaultDownloadOptions(), &sink)
	require.Error(t, err)
	te, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrDuplicateTransfer, te.Kind)
}
