package transfer

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/internal/slsklog"
	"github.com/soulseek-go/slsk/internal/syncutil"
	"github.com/soulseek-go/slsk/metrics"
	"github.com/soulseek-go/slsk/token"
	"github.com/soulseek-go/slsk/waiter"
)

var l = slsklog.New("transfer")

// ConnManager is the subset of connmgr.Manager the engine depends on: peer
// message connections for control messages, transfer connections for raw
// byte streams.
type ConnManager interface {
	GetOrAddPeerConnection(ctx context.Context, username string) (*conn.MessageConnection, error)
	DialTransfer(ctx context.Context, username string, transferToken uint32) (*conn.Connection, error)
	AwaitTransferConnection(ctx context.Context, tok uint32, timeout time.Duration) (*conn.Connection, error)
}

// ServerSender lets the engine issue a FileSearch request without importing
// the server package.
type ServerSender interface {
	SendServer(b *codec.Builder) error
}

// delayedResponse is an owed search response retained until the responding
// peer connects (spec.md §4.H.5).
type delayedResponse struct {
	username string
	payload  []byte
}

// Engine implements the search/download/upload state machines and is the
// conn.Handler factory connmgr.Manager dispatches pooled peer message
// connections through (spec.md §4.H).
type Engine struct {
	opts         Options
	bus          *events.Bus
	tokens       *token.Factory
	connMgr      ConnManager
	server       ServerSender
	resolvers    Resolvers
	selfUsername string
	waiters      *waiter.Registry

	searchMut syncutil.Mutex
	searches  map[uint32]*activeSearch

	transferMut  syncutil.Mutex
	byLocalToken map[uint32]*Transfer
	byKey        map[transferKey]*Transfer

	delayed *lru.LRU[uint32, delayedResponse]
}

// New constructs an Engine.
func New(opts Options, selfUsername string, connMgr ConnManager, server ServerSender, resolvers Resolvers, tokens *token.Factory, bus *events.Bus) *Engine {
	return &Engine{
		opts:         opts,
		bus:          bus,
		tokens:       tokens,
		connMgr:      connMgr,
		server:       server,
		resolvers:    resolvers,
		selfUsername: selfUsername,
		waiters:      waiter.New(),
		searchMut:    syncutil.NewMutex(),
		searches:     make(map[uint32]*activeSearch),
		transferMut:  syncutil.NewMutex(),
		byLocalToken: make(map[uint32]*Transfer),
		byKey:        make(map[transferKey]*Transfer),
		delayed:      lru.NewLRU[uint32, delayedResponse](4096, nil, opts.DelayedResponseTTL),
	}
}

// SetSelfUsername updates the username the engine stamps onto outgoing
// search responses (spec.md §4.H.5), needed because the engine is
// constructed before the server session confirms our login identity.
func (e *Engine) SetSelfUsername(username string) {
	e.selfUsername = username
}

// HandlerFor returns the conn.Handler connmgr.Manager should dispatch
// username's peer-dialect frames to.
func (e *Engine) HandlerFor(username string) conn.Handler {
	return conn.HandlerFunc(func(f codec.Frame) {
		e.dispatch(username, f)
	})
}

func (e *Engine) dispatch(username string, f codec.Frame) {
	r := f.Reader()
	code, err := r.ReadCode()
	if err != nil {
		l.Debugln("malformed peer frame from", username, ":", err)
		return
	}
	switch code {
	case codec.CodePeerSearchRequest:
		// peers may address a search query directly to us (rare; most
		// search traffic arrives via the distributed tree). No-op: the
		// distributed overlay's resolver path is the supported channel.
	case codec.CodePeerBrowseRequest:
		e.handleBrowseRequest(username)
	case codec.CodePeerBrowseResponse:
		e.handleBrowseResponse(username, r)
	case codec.CodePeerUserInfoRequest:
		e.handleUserInfoRequest(username)
	case codec.CodePeerUserInfoResponse:
		e.handleUserInfoResponse(username, r)
	case codec.CodePeerTransferRequest:
		// This code value is shared by TransferRequest, TransferResponse, and
		// SearchResponse (codec.CodePeerTransferRequest's doc comment) — a
		// single Go case label covers all three wire constants since they are
		// equal, and dispatchCode9 disambiguates structurally.
		e.dispatchCode9(username, f.Payload)
	case codec.CodePeerQueueFailed:
		e.handleQueueFailed(username, r)
	case codec.CodePeerUploadFailed:
		e.handleUploadFailed(username, r)
	case codec.CodePeerUploadDenied:
		e.handleUploadFailed(username, r)
	case codec.CodePeerPlaceInQueueReq:
		e.handlePlaceInQueueRequest(username, r)
	case codec.CodePeerPlaceInQueue:
		e.handlePlaceInQueueResponse(username, r)
	default:
		l.Debugln("unhandled peer code", code, "from", username)
	}
}

func (e *Engine) handleBrowseRequest(username string) {
	resp, err := e.resolvers.BrowseResponse(context.Background(), username)
	if err != nil {
		return
	}
	b := codec.NewBuilder(codec.Peer, codec.CodePeerBrowseResponse)
	encodeBrowseResponse(b, resp)
	b.Compress()
	e.sendTo(username, b)
}

func (e *Engine) handleUserInfoRequest(username string) {
	resp, err := e.resolvers.UserInfo(context.Background(), username)
	if err != nil {
		return
	}
	b := codec.NewBuilder(codec.Peer, codec.CodePeerUserInfoResponse)
	b.WriteString(resp.Description).WriteBool(resp.HasPicture)
	if resp.HasPicture {
		b.WriteUint32(uint32(len(resp.Picture))).WriteBytes(resp.Picture)
	}
	b.WriteUint32(uint32(resp.UploadSlots)).WriteUint32(uint32(resp.QueueLength)).WriteBool(resp.HasFreeSlot)
	e.sendTo(username, b)
}

func (e *Engine) handlePlaceInQueueRequest(username string, r *codec.Reader) {
	filename, err := r.ReadString()
	if err != nil {
		return
	}
	pos, ok := e.resolvers.PlaceInQueue(context.Background(), username, filename)
	if !ok {
		return
	}
	b := codec.NewBuilder(codec.Peer, codec.CodePeerPlaceInQueue)
	b.WriteString(filename).WriteUint32(uint32(pos))
	e.sendTo(username, b)
}

func (e *Engine) sendTo(username string, b *codec.Builder) {
	mc, err := e.connMgr.GetOrAddPeerConnection(context.Background(), username)
	if err != nil {
		l.Debugln("could not reach", username, "to reply:", err)
		return
	}
	if err := mc.Send(b); err != nil {
		l.Debugln("send to", username, "failed:", err)
	}
}

func (e *Engine) emitState(t *Transfer) {
	e.opts.StateChanged(t)
	e.bus.Log(events.TransferStateChanged, t)
	if t.State == Completed {
		metrics.TransfersCompletedTotal.WithLabelValues(t.Direction.String(), t.Reason.String()).Inc()
	}
}

func (e *Engine) emitProgress(t *Transfer) {
	e.opts.ProgressUpdated(t)
	e.bus.Log(events.TransferProgress, t)
}

func (e *Engine) registerTransfer(t *Transfer) error {
	e.transferMut.Lock()
	defer e.transferMut.Unlock()
	if _, exists := e.byKey[t.key()]; exists {
		return &Error{Kind: ErrDuplicateTransfer, Username: t.Username, Filename: t.Filename}
	}
	e.byKey[t.key()] = t
	e.byLocalToken[t.LocalToken] = t
	metrics.ActiveTransfers.WithLabelValues(t.Direction.String()).Inc()
	return nil
}

func (e *Engine) unregisterTransfer(t *Transfer) {
	e.transferMut.Lock()
	defer e.transferMut.Unlock()
	delete(e.byKey, t.key())
	delete(e.byLocalToken, t.LocalToken)
	metrics.ActiveTransfers.WithLabelValues(t.Direction.String()).Dec()
}

// Transfer returns the transfer record for localToken, if any is tracked.
func (e *Engine) Transfer(localToken uint32) (*Transfer, bool) {
	e.transferMut.Lock()
	defer e.transferMut.Unlock()
	t, ok := e.byLocalToken[localToken]
	return t, ok
}

// RetainDelayedResponse stores a search response we owe to username but
// could not deliver because we could not reach them (spec.md §4.H.5). Wired
// into distributed.Overlay as its ResponseRetainer.
func (e *Engine) RetainDelayedResponse(solicitationToken uint32, username string, payload []byte) {
	e.delayed.Add(solicitationToken, delayedResponse{username: username, payload: payload})
}

// DeliverDelayedResponse flushes an owed response once the peer connects
// with a matching solicitation token, called from connmgr's inbound
// transfer-connection handshake via SetDelayedResponseDeliverer.
func (e *Engine) DeliverDelayedResponse(solicitationToken uint32, c *conn.Connection) bool {
	d, ok := e.delayed.Get(solicitationToken)
	if !ok {
		return false
	}
	e.delayed.Remove(solicitationToken)
	l.Debugln("delivering delayed search response owed to", d.username)
	return c.Write(d.payload) == nil
}
