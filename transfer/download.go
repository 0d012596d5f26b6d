package transfer

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/metrics"
	"github.com/soulseek-go/slsk/waiter"
)

func waiterTransferResponseKey(localToken uint32) waiter.Key {
	return waiter.NewKey(codec.CodePeerTransferResponse, localToken)
}

// transferResponseResult is what a decoded TransferResponse means to a
// waiting Download call.
type transferResponseResult struct {
	allowed bool
	size    int64
	reason  string
}

// transferOfferResult is an unsolicited Upload-direction TransferRequest a
// peer sends once they are ready to serve a previously-queued download.
type transferOfferResult struct {
	remoteToken uint32
	size        int64
}

// Sink receives downloaded bytes as they arrive; Write should not block
// indefinitely (spec.md §4.H.2 "pipe the bytes to the consumer").
type Sink interface {
	Write(p []byte) (int, error)
}

// Download fetches filename from username, writing bytes to sink as they
// arrive (spec.md §4.H.2). localToken must be unique per caller; the engine
// rejects a second concurrent download of the same (username, filename).
func (e *Engine) Download(ctx context.Context, username, filename string, localToken uint32, opts DownloadOptions, sink Sink) error {
	if opts.PeerResponseTimeout <= 0 || opts.ReadGapTimeout <= 0 || opts.ReadBufferSize <= 0 {
		d := DefaultDownloadOptions()
		if opts.PeerResponseTimeout <= 0 {
			opts.PeerResponseTimeout = d.PeerResponseTimeout
		}
		if opts.ReadGapTimeout <= 0 {
			opts.ReadGapTimeout = d.ReadGapTimeout
		}
		if opts.ReadBufferSize <= 0 {
			opts.ReadBufferSize = d.ReadBufferSize
		}
	}

	t := &Transfer{
		Direction:  Download,
		State:      Queued,
		LocalToken: localToken,
		Username:   username,
		Filename:   filename,
		StartedAt:  time.Now(),
	}
	if err := e.registerTransfer(t); err != nil {
		return err
	}
	e.emitState(t)

	if err := e.runDownload(ctx, t, opts, sink); err != nil {
		t.State = Completed
		t.err = err
		if e, ok := err.(*Error); ok {
			t.Reason = reasonFor(e.Kind)
		} else {
			t.Reason = Errored
		}
		t.EndedAt = time.Now()
		e.emitState(t)
		e.unregisterTransfer(t)
		return err
	}
	return nil
}

func reasonFor(k ErrorKind) CompletionReason {
	switch k {
	case ErrTransferRejected:
		return Rejected
	default:
		return Errored
	}
}

func (e *Engine) runDownload(ctx context.Context, t *Transfer, opts DownloadOptions, sink Sink) error {
	mc, err := e.connMgr.GetOrAddPeerConnection(ctx, t.Username)
	if err != nil {
		return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "could not reach peer", Err: err}
	}

	respKey := waiterTransferResponseKey(t.LocalToken)
	b := codec.NewBuilder(codec.Peer, codec.CodePeerTransferRequest)
	b.WriteUint8(uint8(Download)).WriteUint32(t.LocalToken).WriteString(t.Filename)
	if err := mc.Send(b); err != nil {
		return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "send failed", Err: err}
	}

	respCtx, cancel := context.WithTimeout(ctx, opts.PeerResponseTimeout)
	v, err := e.waiters.Wait(respCtx, respKey, 0)
	cancel()
	if err != nil {
		return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "peer did not respond", Err: err}
	}
	resp := v.(transferResponseResult)

	remoteToken := t.LocalToken
	size := resp.size
	if !resp.allowed {
		if resp.reason != "" && resp.reason != "Queued." {
			return &Error{Kind: ErrTransferRejected, Username: t.Username, Filename: t.Filename, Reason: resp.reason}
		}
		offer, err := e.awaitUploadOffer(ctx, t.Username, t.Filename)
		if err != nil {
			return err
		}
		remoteToken = offer.remoteToken
		size = offer.size

		ackB := codec.NewBuilder(codec.Peer, codec.CodePeerTransferResponse)
		ackB.WriteUint32(remoteToken).WriteBool(true)
		mc.Send(ackB)
	}
	t.RemoteToken = remoteToken

	t.State = Initializing
	t.Size = size
	e.emitState(t)

	c, err := e.connMgr.DialTransfer(ctx, t.Username, remoteToken)
	if err != nil {
		return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "no transfer connection", Err: err}
	}
	defer c.Disconnect(conn.ReasonRequested)

	var tokBuf [4]byte
	binary.LittleEndian.PutUint32(tokBuf[:], remoteToken)
	if err := c.Write(tokBuf[:]); err != nil {
		return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "ack write failed", Err: err}
	}

	t.State = InProgress
	e.emitState(t)

	if err := e.streamDownload(ctx, t, c, opts, sink); err != nil {
		return err
	}

	t.State = Completed
	t.Reason = Succeeded
	t.EndedAt = time.Now()
	e.emitState(t)
	e.unregisterTransfer(t)
	return nil
}

// awaitUploadOffer races three outcomes that can follow a "not allowed yet"
// TransferResponse: the peer's own unsolicited Upload TransferRequest,
// QueueFailed, or UploadFailed (spec.md §4.H.2 step 5).
func (e *Engine) awaitUploadOffer(ctx context.Context, username, filename string) (transferOfferResult, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		offer transferOfferResult
		err   error
	}
	results := make(chan outcome, 3)

	go func() {
		v, err := e.waiters.Wait(raceCtx, waiter.NewKey(codec.CodePeerTransferRequest, username, filename), 0)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		results <- outcome{offer: v.(transferOfferResult)}
	}()
	go func() {
		v, err := e.waiters.Wait(raceCtx, waiter.NewKey(codec.CodePeerQueueFailed, username, filename), 0)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		results <- outcome{err: &Error{Kind: ErrTransferRejected, Username: username, Filename: filename, Reason: v.(string)}}
	}()
	go func() {
		_, err := e.waiters.Wait(raceCtx, waiter.NewKey(codec.CodePeerUploadFailed, username, filename), 0)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		results <- outcome{err: &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "upload failed"}}
	}()

	res := <-results
	cancel()
	if res.err != nil {
		if res.err == waiter.ErrCancelled || res.err == waiter.ErrTimeout {
			return transferOfferResult{}, &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "cancelled", Err: res.err}
		}
		return transferOfferResult{}, res.err
	}
	return res.offer, nil
}

// streamDownload reads exactly t.Size bytes off c, enforcing a read-gap
// timeout and emitting periodic progress (spec.md §4.H.2 step 7).
func (e *Engine) streamDownload(ctx context.Context, t *Transfer, c *conn.Connection, opts DownloadOptions, sink Sink) error {
	remaining := t.Size
	windowStart := time.Now()
	windowBytes := int64(0)

	for remaining > 0 {
		chunk := int64(opts.ReadBufferSize)
		if chunk > remaining {
			chunk = remaining
		}

		type readResult struct {
			buf []byte
			err error
		}
		readDone := make(chan readResult, 1)
		go func() {
			buf, err := c.ReadLength(int(chunk))
			readDone <- readResult{buf: buf, err: err}
		}()

		select {
		case <-ctx.Done():
			c.Disconnect(conn.ReasonRequested)
			e.bestEffortUploadFailedNotice(t.Username, t.Filename)
			return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "cancelled", Err: ctx.Err()}
		case <-time.After(opts.ReadGapTimeout):
			c.Disconnect(conn.ReasonRequested)
			return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "read gap timeout"}
		case res := <-readDone:
			if res.err != nil {
				return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "read failed", Err: res.err}
			}
			if _, err := sink.Write(res.buf); err != nil {
				return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "sink write failed", Err: err}
			}
			n := int64(len(res.buf))
			remaining -= n
			t.Transferred += n
			windowBytes += n
			metrics.TransferBytesTotal.WithLabelValues(Download.String()).Add(float64(n))
			if elapsed := time.Since(windowStart); elapsed >= time.Second {
				t.AverageSpeed = float64(windowBytes) / elapsed.Seconds()
				windowStart = time.Now()
				windowBytes = 0
			}
			e.emitProgress(t)
		}
	}
	return nil
}

func (e *Engine) bestEffortUploadFailedNotice(username, filename string) {
	mc, err := e.connMgr.GetOrAddPeerConnection(context.Background(), username)
	if err != nil {
		return
	}
	b := codec.NewBuilder(codec.Peer, codec.CodePeerUploadFailed)
	b.WriteString(filename)
	mc.Send(b)
}

// dispatchCode9 disambiguates the shared Peer code 9 among TransferResponse,
// TransferRequest, and SearchResponse (codec.CodePeerTransferRequest's doc
// comment): a TransferResponse is recognized first by matching its leading
// token against one of our own awaiting-response downloads/uploads; failing
// that, a leading direction byte (0 or 1) followed by a well-formed token
// and filename marks a TransferRequest; anything else is treated as a
// (compressed) SearchResponse.
func (e *Engine) dispatchCode9(username string, payload []byte) {
	tr := codec.NewReader(codec.Peer, payload)
	tr.ReadCode()
	if tok, err := tr.ReadUint32(); err == nil && e.hasLocalToken(tok) {
		if allowed, err := tr.ReadBool(); err == nil {
			var size int64
			var reason string
			if allowed {
				size, _ = tr.ReadInt64()
			} else {
				reason, _ = tr.ReadString()
			}
			e.waiters.Complete(waiterTransferResponseKey(tok), transferResponseResult{allowed: allowed, size: size, reason: reason})
			return
		}
	}

	rq := codec.NewReader(codec.Peer, payload)
	rq.ReadCode()
	if dirByte, err := rq.ReadUint8(); err == nil && dirByte <= 1 {
		if tok, err := rq.ReadUint32(); err == nil {
			if filename, err := rq.ReadString(); err == nil {
				dir := Direction(dirByte)
				if dir == Upload {
					size, _ := rq.ReadInt64()
					e.waiters.Complete(waiter.NewKey(codec.CodePeerTransferRequest, username, filename), transferOfferResult{remoteToken: tok, size: size})
				} else {
					e.handleInboundDownloadRequest(username, tok, filename)
				}
				return
			}
		}
	}

	sr := codec.NewReader(codec.Peer, payload)
	sr.ReadCode()
	e.handleSearchResponseFrame(username, sr)
}

func (e *Engine) hasLocalToken(tok uint32) bool {
	_, ok := e.Transfer(tok)
	return ok
}

func (e *Engine) handleQueueFailed(username string, r *codec.Reader) {
	filename, err := r.ReadString()
	if err != nil {
		return
	}
	reason, _ := r.ReadString()
	e.waiters.Complete(waiter.NewKey(codec.CodePeerQueueFailed, username, filename), reason)
}

func (e *Engine) handleUploadFailed(username string, r *codec.Reader) {
	filename, err := r.ReadString()
	if err != nil {
		return
	}
	e.waiters.Complete(waiter.NewKey(codec.CodePeerUploadFailed, username, filename), struct{}{})
}
