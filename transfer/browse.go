package transfer

import (
	"context"
	"time"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/waiter"
)

// responseTimeout bounds the client-initiated request/response RPCs below;
// spec.md leaves these suspension points' timeouts to the embedder, so a
// conservative fixed value matches the teacher's own model RPC timeouts.
const responseTimeout = 30 * time.Second

// Browse requests username's share listing (spec.md §6.2 "browse").
func (e *Engine) Browse(ctx context.Context, username string) (BrowseResponse, error) {
	mc, err := e.connMgr.GetOrAddPeerConnection(ctx, username)
	if err != nil {
		return BrowseResponse{}, &Error{Kind: ErrTransferFailed, Username: username, Reason: "could not connect", Err: err}
	}
	key := waiter.NewKey(codec.CodePeerBrowseResponse, username)
	b := codec.NewBuilder(codec.Peer, codec.CodePeerBrowseRequest)
	if err := mc.Send(b); err != nil {
		return BrowseResponse{}, &Error{Kind: ErrTransferFailed, Username: username, Reason: "send failed", Err: err}
	}
	v, err := e.waiters.Wait(ctx, key, responseTimeout)
	if err != nil {
		return BrowseResponse{}, &Error{Kind: ErrTransferFailed, Username: username, Reason: "no response", Err: err}
	}
	return v.(BrowseResponse), nil
}

// GetUserInfo requests username's profile (spec.md §6.2 "get_user_info").
func (e *Engine) GetUserInfo(ctx context.Context, username string) (UserInfoResponse, error) {
	mc, err := e.connMgr.GetOrAddPeerConnection(ctx, username)
	if err != nil {
		return UserInfoResponse{}, &Error{Kind: ErrTransferFailed, Username: username, Reason: "could not connect", Err: err}
	}
	key := waiter.NewKey(codec.CodePeerUserInfoResponse, username)
	b := codec.NewBuilder(codec.Peer, codec.CodePeerUserInfoRequest)
	if err := mc.Send(b); err != nil {
		return UserInfoResponse{}, &Error{Kind: ErrTransferFailed, Username: username, Reason: "send failed", Err: err}
	}
	v, err := e.waiters.Wait(ctx, key, responseTimeout)
	if err != nil {
		return UserInfoResponse{}, &Error{Kind: ErrTransferFailed, Username: username, Reason: "no response", Err: err}
	}
	return v.(UserInfoResponse), nil
}

// PlaceInQueue asks username for our current queue position for filename
// (spec.md §4.H.4). ok is false if the peer never answers before ctx or the
// default timeout elapses.
func (e *Engine) PlaceInQueue(ctx context.Context, username, filename string) (position int, ok bool) {
	mc, err := e.connMgr.GetOrAddPeerConnection(ctx, username)
	if err != nil {
		return 0, false
	}
	key := waiter.NewKey(codec.CodePeerPlaceInQueue, username, filename)
	b := codec.NewBuilder(codec.Peer, codec.CodePeerPlaceInQueueReq)
	b.WriteString(filename)
	if err := mc.Send(b); err != nil {
		return 0, false
	}
	v, err := e.waiters.Wait(ctx, key, responseTimeout)
	if err != nil {
		return 0, false
	}
	return v.(int), true
}

func (e *Engine) handleBrowseResponse(username string, r *codec.Reader) {
	if err := r.Decompress(); err != nil {
		l.Debugln("browse response from", username, "failed to decompress:", err)
		return
	}
	resp, err := decodeBrowseResponse(r)
	if err != nil {
		l.Debugln("browse response from", username, "malformed:", err)
		return
	}
	e.waiters.Complete(waiter.NewKey(codec.CodePeerBrowseResponse, username), resp)
}

func (e *Engine) handleUserInfoResponse(username string, r *codec.Reader) {
	var resp UserInfoResponse
	var err error
	if resp.Description, err = r.ReadString(); err != nil {
		return
	}
	if resp.HasPicture, err = r.ReadBool(); err != nil {
		return
	}
	if resp.HasPicture {
		n, err := r.ReadUint32()
		if err != nil {
			return
		}
		if resp.Picture, err = r.ReadBytes(int(n)); err != nil {
			return
		}
	}
	slots, err := r.ReadUint32()
	if err != nil {
		return
	}
	resp.UploadSlots = int(slots)
	queueLen, err := r.ReadUint32()
	if err != nil {
		return
	}
	resp.QueueLength = int(queueLen)
	if resp.HasFreeSlot, err = r.ReadBool(); err != nil {
		return
	}
	e.waiters.Complete(waiter.NewKey(codec.CodePeerUserInfoResponse, username), resp)
}

func (e *Engine) handlePlaceInQueueResponse(username string, r *codec.Reader) {
	filename, err := r.ReadString()
	if err != nil {
		return
	}
	pos, err := r.ReadUint32()
	if err != nil {
		return
	}
	e.waiters.Complete(waiter.NewKey(codec.CodePeerPlaceInQueue, username, filename), int(pos))
}

func encodeBrowseResponse(b *codec.Builder, resp BrowseResponse) {
	b.WriteUint32(uint32(len(resp.Directories)))
	for _, d := range resp.Directories {
		b.WriteString(d.Name)
		b.WriteUint32(uint32(len(d.Files)))
		for _, f := range d.Files {
			encodeFileEntry(b, f)
		}
	}
}

func decodeBrowseResponse(r *codec.Reader) (BrowseResponse, error) {
	var resp BrowseResponse
	dirCount, err := r.ReadUint32()
	if err != nil {
		return resp, err
	}
	resp.Directories = make([]Directory, 0, dirCount)
	for i := uint32(0); i < dirCount; i++ {
		var d Directory
		if d.Name, err = r.ReadString(); err != nil {
			return resp, err
		}
		fileCount, err := r.ReadUint32()
		if err != nil {
			return resp, err
		}
		d.Files = make([]FileEntry, 0, fileCount)
		for j := uint32(0); j < fileCount; j++ {
			fe, err := decodeFileEntry(r)
			if err != nil {
				return resp, err
			}
			d.Files = append(d.Files, fe)
		}
		resp.Directories = append(resp.Directories, d)
	}
	return resp, nil
}
