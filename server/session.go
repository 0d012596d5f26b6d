// Package server implements the single persistent server connection
// described in spec.md §4.F: login, the server-dialect dispatch table, and
// the options-gated auto-ack of private messages. The
// AutoAckPrivilegeNotifications and AutoAcceptPrivateRoomInvites options are
// carried in Options but not read: privilege notifications and private room
// invitations are not dispatched, so they are neither acked nor accepted. Dispatch
// is modeled on the teacher's Model method-per-message-type shape
// (protocol_test.go's TestModel.Index/Request/ClusterConfig), generalized
// to a single switch keyed by the server dialect's wire code.
package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/connmgr"
	"github.com/soulseek-go/slsk/events"
	"github.com/soulseek-go/slsk/internal/slsklog"
	"github.com/soulseek-go/slsk/internal/syncutil"
	"github.com/soulseek-go/slsk/waiter"
)

var l = slsklog.New("server")

// NetInfoCandidate is one parent candidate from a NetInfo broadcast (spec.md
// §4.G "Parent selection").
type NetInfoCandidate struct {
	Username string
	IP       string
	Port     int
}

// DistributedReceiver is the narrow interface the distributed overlay
// implements to receive routed NetInfo candidates, keeping server decoupled
// from the distributed package's internals.
type DistributedReceiver interface {
	HandleNetInfo(candidates []NetInfoCandidate)
}

// IndirectDialer is the narrow interface connmgr.Manager implements for
// routing an inbound, unsolicited ConnectToPeer to the indirect-dial path.
type IndirectDialer interface {
	DialIndirect(ctx context.Context, ip string, port int, token uint32, username string, typ connmgr.ConnType) error
}

// loginResult is the value delivered to the Login waiter.
type loginResult struct {
	success bool
	reason  string
}

// Session owns the single server message connection (spec.md §4.F).
type Session struct {
	mc      *conn.MessageConnection
	waiters *waiter.Registry
	bus     *events.Bus
	opts    Options

	username string

	indirect    IndirectDialer
	distributed DistributedReceiver

	roomsMut syncutil.Mutex
	rooms    map[string]struct{}
}

// Connect dials the Soulseek server and starts the read loop. Login must be
// called afterward to authenticate.
func Connect(ctx context.Context, addr string, connOpts conn.Options, bus *events.Bus, waiters *waiter.Registry, opts Options) (*Session, error) {
	connOpts.WithoutInactivityTimeout = true // spec.md §4.B: disabled for the server connection
	c, err := conn.Dial(ctx, codec.Server, addr, connOpts, bus)
	if err != nil {
		return nil, &Error{Kind: ErrDisconnected, Err: err}
	}
	s := &Session{waiters: waiters, bus: bus, opts: opts, rooms: make(map[string]struct{}), roomsMut: syncutil.NewMutex()}
	s.mc = conn.NewMessageConnection(c, conn.HandlerFunc(s.handle))
	return s, nil
}

// SetIndirectDialer wires the connection manager used to service inbound
// ConnectToPeer requests and three-way connects.
func (s *Session) SetIndirectDialer(d IndirectDialer) { s.indirect = d }

// SetDistributedReceiver wires the distributed overlay used to service
// NetInfo parent candidates.
func (s *Session) SetDistributedReceiver(d DistributedReceiver) { s.distributed = d }

// SendServer implements connmgr.ServerSender, letting the connection manager
// issue GetPeerAddress/ConnectToPeer requests through this session.
func (s *Session) SendServer(b *codec.Builder) error {
	return s.mc.Send(b)
}

// Login authenticates against the server (spec.md §4.F "Login"). version
// and hash are fixed per the legacy protocol; a failed login disconnects
// the session and returns ErrLoginFailed.
func (s *Session) Login(ctx context.Context, username, password string) error {
	s.username = username
	hash := md5.Sum([]byte(username + password))

	b := codec.NewBuilder(codec.Server, codec.CodeLogin)
	b.WriteString(username).WriteString(password).WriteUint32(LoginVersion).
		WriteString(hex.EncodeToString(hash[:])).WriteUint32(LoginMinorVersion)
	if err := s.mc.Send(b); err != nil {
		return &Error{Kind: ErrDisconnected, Err: err}
	}

	v, err := s.waiters.Wait(ctx, waiter.NewKey(codec.CodeLogin), s.opts.LoginTimeout)
	if err != nil {
		s.mc.Disconnect(conn.ReasonRequested)
		return &Error{Kind: ErrLoginFailed, Msg: err.Error(), Err: err}
	}
	res, ok := v.(loginResult)
	if !ok || !res.success {
		s.mc.Disconnect(conn.ReasonRequested)
		reason := "unknown"
		if ok {
			reason = res.reason
		}
		return &Error{Kind: ErrLoginFailed, Msg: reason}
	}

	s.bus.Log(events.StateChanged, map[string]any{"state": "logged-in", "username": username})

	dirs, files := s.opts.Shares()
	shares := codec.NewBuilder(codec.Server, codec.CodeSharedCounts)
	shares.WriteUint32(uint32(dirs)).WriteUint32(uint32(files))
	return s.mc.Send(shares)
}

// Disconnect tears down the server connection.
func (s *Session) Disconnect() {
	s.mc.Disconnect(conn.ReasonRequested)
}

// handle is the Handler passed to conn.NewMessageConnection; it dispatches
// every decoded server-dialect frame by code (spec.md §4.F dispatch table).
func (s *Session) handle(f codec.Frame) {
	r := f.Reader()
	code, err := r.ReadCode()
	if err != nil {
		l.Debugln("malformed frame:", err)
		return
	}

	switch code {
	case codec.CodeLogin:
		s.handleLoginResponse(r)
	case codec.CodeGetPeerAddress:
		s.handleGetPeerAddress(r)
	case codec.CodeConnectToPeer:
		s.handleConnectToPeer(r)
	case codec.CodePrivateMessage:
		s.handlePrivateMessage(r)
	case codec.CodeRoomList:
		s.handleRoomList(r)
	case codec.CodeJoinRoom:
		s.handleJoinRoom(r)
	case codec.CodeAddUser, codec.CodeGetUserStatus, codec.CodeGetUserStats:
		s.handleUserStatLike(code, r)
	case codec.CodeSayChatroom:
		s.handleRoomMessage(r)
	case codec.CodeNetInfo:
		s.handleNetInfo(r)
	case codec.CodeKickedFromServer:
		s.bus.Log(events.StateChanged, map[string]any{"state": "kicked"})
		s.mc.Disconnect(conn.ReasonRequested)
	case codec.CodeParentMinSpeed, codec.CodeParentSpeedRatio, codec.CodeWishlistInterval:
		v, err := r.ReadUint32()
		if err == nil {
			s.waiters.Complete(waiter.NewKey(code), v)
		}
	case codec.CodePrivilegedUsers:
		s.handlePrivilegedUsers(r)
	default:
		l.Debugln("unhandled server code", code)
	}
}

func (s *Session) handleLoginResponse(r *codec.Reader) {
	ok, err := r.ReadBool()
	if err != nil {
		return
	}
	reason := ""
	if !ok {
		reason, _ = r.ReadString()
	}
	s.waiters.Complete(waiter.NewKey(codec.CodeLogin), loginResult{success: ok, reason: reason})
}

func (s *Session) handleGetPeerAddress(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		return
	}
	ip, err := r.ReadIP()
	if err != nil {
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		return
	}
	s.waiters.Complete(waiter.NewKey(codec.CodeGetPeerAddress, username), connmgr.Endpoint{IP: ip.String(), Port: int(port)})
}

// handleConnectToPeer decodes an inbound ConnectToPeer, the server asking us
// to dial a peer back (spec.md §4.E "Indirect-only path"), and hands every
// decoded request to the indirect dialer. Field layout is username / type /
// ip / port / token.
func (s *Session) handleConnectToPeer(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		return
	}
	typ, err := r.ReadString()
	if err != nil {
		return
	}
	ip, err := r.ReadIP()
	if err != nil {
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		return
	}
	tok, err := r.ReadUint32()
	if err != nil {
		return
	}
	if s.indirect == nil {
		return
	}
	go func() {
		if err := s.indirect.DialIndirect(context.Background(), ip.String(), int(port), tok, username, connmgr.ConnType(typ)); err != nil {
			l.Debugln("indirect dial to", username, "failed:", err)
		}
	}()
}

func (s *Session) handlePrivateMessage(r *codec.Reader) {
	id, err := r.ReadUint32()
	if err != nil {
		return
	}
	timestamp, _ := r.ReadUint32()
	from, _ := r.ReadString()
	message, _ := r.ReadString()

	s.bus.Log(events.PrivateMessageReceived, map[string]any{
		"id": id, "timestamp": timestamp, "from": from, "message": message,
	})

	if s.opts.AutoAckPrivateMessages {
		ack := codec.NewBuilder(codec.Server, codec.CodeAckPrivateMessage)
		ack.WriteUint32(id)
		s.mc.Send(ack)
	}
}

func (s *Session) handleRoomList(r *codec.Reader) {
	n, err := r.ReadUint32()
	if err != nil {
		return
	}
	names := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			break
		}
		names = append(names, name)
	}
	s.waiters.Complete(waiter.NewKey(codec.CodeRoomList), names)
	s.bus.Log(events.RoomListReceived, names)
}

func (s *Session) handleJoinRoom(r *codec.Reader) {
	name, err := r.ReadString()
	if err != nil {
		return
	}
	s.roomsMut.Lock()
	s.rooms[name] = struct{}{}
	s.roomsMut.Unlock()
	s.waiters.Complete(waiter.NewKey(codec.CodeJoinRoom, name), name)
	s.bus.Log(events.RoomJoined, name)
}

// addUserResult carries the AddUser response's exists flag (spec.md §4.E
// "UserNotFound — server AddUser reports absent") alongside the remaining
// status/stats fields the server bundles into the same reply.
type addUserResult struct {
	exists bool
	raw    []byte
}

func (s *Session) handleUserStatLike(code int, r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		return
	}
	if code == codec.CodeAddUser {
		exists, err := r.ReadBool()
		if err != nil {
			return
		}
		rest, _ := r.ReadBytes(r.PeekLength())
		s.waiters.Complete(waiter.NewKey(code, username), addUserResult{exists: exists, raw: rest})
		return
	}
	// remaining fields vary by code (status / stats payload) and are
	// consumed generically as raw bytes for the waiter's value; they are
	// not parsed here or anywhere else in the session.
	rest, _ := r.ReadBytes(r.PeekLength())
	s.waiters.Complete(waiter.NewKey(code, username), rest)
	if code == codec.CodeGetUserStatus {
		s.bus.Log(events.UserStatusChanged, map[string]any{"username": username, "raw": rest})
	}
}

func (s *Session) handleNetInfo(r *codec.Reader) {
	n, err := r.ReadUint32()
	if err != nil {
		return
	}
	candidates := make([]NetInfoCandidate, 0, n)
	for i := uint32(0); i < n; i++ {
		username, err := r.ReadString()
		if err != nil {
			break
		}
		ip, err := r.ReadIP()
		if err != nil {
			break
		}
		port, err := r.ReadUint32()
		if err != nil {
			break
		}
		candidates = append(candidates, NetInfoCandidate{Username: username, IP: ip.String(), Port: int(port)})
	}
	if s.distributed != nil {
		s.distributed.HandleNetInfo(candidates)
	}
}

func (s *Session) handleRoomMessage(r *codec.Reader) {
	room, err := r.ReadString()
	if err != nil {
		return
	}
	from, err := r.ReadString()
	if err != nil {
		return
	}
	message, err := r.ReadString()
	if err != nil {
		return
	}
	s.bus.Log(events.RoomMessageReceived, map[string]any{"room": room, "from": from, "message": message})
}

func (s *Session) handlePrivilegedUsers(r *codec.Reader) {
	n, err := r.ReadUint32()
	if err != nil {
		return
	}
	names := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			break
		}
		names = append(names, name)
	}
	s.bus.Log(events.PrivilegedUserListReceived, names)
}

// JoinRoom requests to join a chat room, completing when the server
// confirms (spec.md §4.F dispatch table "JoinRoom").
func (s *Session) JoinRoom(ctx context.Context, name string) error {
	b := codec.NewBuilder(codec.Server, codec.CodeJoinRoom)
	b.WriteString(name)
	if err := s.mc.Send(b); err != nil {
		return &Error{Kind: ErrDisconnected, Err: err}
	}
	_, err := s.waiters.Wait(ctx, waiter.NewKey(codec.CodeJoinRoom, name), s.opts.LoginTimeout)
	return err
}

// GetRoomList requests and returns the server's current room list.
func (s *Session) GetRoomList(ctx context.Context) ([]string, error) {
	b := codec.NewBuilder(codec.Server, codec.CodeRoomList)
	if err := s.mc.Send(b); err != nil {
		return nil, &Error{Kind: ErrDisconnected, Err: err}
	}
	v, err := s.waiters.Wait(ctx, waiter.NewKey(codec.CodeRoomList), s.opts.LoginTimeout)
	if err != nil {
		return nil, err
	}
	names, _ := v.([]string)
	return names, nil
}

// LeaveRoom leaves a previously joined chat room (spec.md §6.2 "leave_room").
func (s *Session) LeaveRoom(name string) error {
	s.roomsMut.Lock()
	delete(s.rooms, name)
	s.roomsMut.Unlock()
	b := codec.NewBuilder(codec.Server, codec.CodeLeaveRoom)
	b.WriteString(name)
	if err := s.mc.Send(b); err != nil {
		return &Error{Kind: ErrDisconnected, Err: err}
	}
	return nil
}

// SendRoomMessage posts a chat message to room (spec.md §6.2
// "send_room_message"). The server does not ack this; the sender sees its
// own message echoed back via the same SayChatroom dispatch as any other
// member.
func (s *Session) SendRoomMessage(room, message string) error {
	b := codec.NewBuilder(codec.Server, codec.CodeSayChatroom)
	b.WriteString(room).WriteString(message)
	if err := s.mc.Send(b); err != nil {
		return &Error{Kind: ErrDisconnected, Err: err}
	}
	return nil
}

// AddUser asks the server to track username, returning ErrUserNotFound if
// the server reports the account does not exist (spec.md §6.2 "add_user";
// §4.E "UserNotFound — server AddUser reports absent").
func (s *Session) AddUser(ctx context.Context, username string) error {
	b := codec.NewBuilder(codec.Server, codec.CodeAddUser)
	b.WriteString(username)
	if err := s.mc.Send(b); err != nil {
		return &Error{Kind: ErrDisconnected, Err: err}
	}
	v, err := s.waiters.Wait(ctx, waiter.NewKey(codec.CodeAddUser, username), s.opts.LoginTimeout)
	if err != nil {
		return err
	}
	res, ok := v.(addUserResult)
	if !ok || !res.exists {
		return &Error{Kind: ErrUserNotFound, User: username}
	}
	return nil
}

// GetUserStatus requests username's online status (spec.md §6.2
// "get_user_status"). The raw status payload is returned undecoded; the
// events.UserStatusChanged event published for the same reply carries the
// username and these same raw bytes.
func (s *Session) GetUserStatus(ctx context.Context, username string) ([]byte, error) {
	b := codec.NewBuilder(codec.Server, codec.CodeGetUserStatus)
	b.WriteString(username)
	if err := s.mc.Send(b); err != nil {
		return nil, &Error{Kind: ErrDisconnected, Err: err}
	}
	v, err := s.waiters.Wait(ctx, waiter.NewKey(codec.CodeGetUserStatus, username), s.opts.LoginTimeout)
	if err != nil {
		return nil, err
	}
	raw, _ := v.([]byte)
	return raw, nil
}

// GetUserStats requests username's speed/share/queue stats (spec.md §6.2
// "get_user_stats").
func (s *Session) GetUserStats(ctx context.Context, username string) ([]byte, error) {
	b := codec.NewBuilder(codec.Server, codec.CodeGetUserStats)
	b.WriteString(username)
	if err := s.mc.Send(b); err != nil {
		return nil, &Error{Kind: ErrDisconnected, Err: err}
	}
	v, err := s.waiters.Wait(ctx, waiter.NewKey(codec.CodeGetUserStats, username), s.opts.LoginTimeout)
	if err != nil {
		return nil, err
	}
	raw, _ := v.([]byte)
	return raw, nil
}

// SetListenPort advertises our inbound listener port to the server.
func (s *Session) SetListenPort(port int) error {
	b := codec.NewBuilder(codec.Server, codec.CodeSetListenPort)
	b.WriteUint32(uint32(port))
	return s.mc.Send(b)
}

func (s *Session) String() string {
	return fmt.Sprintf("server.Session{username=%s}", s.username)
}
