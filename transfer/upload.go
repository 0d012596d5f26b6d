package transfer

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/soulseek-go/slsk/codec"
	"github.com/soulseek-go/slsk/conn"
	"github.com/soulseek-go/slsk/metrics"
)

// handleInboundDownloadRequest answers a peer's Download-direction
// TransferRequest by invoking the enqueue-download resolver (spec.md §4.H.3
// step 1). Acceptance sends no reply and only emits a Queued upload state;
// the actual byte transfer is driven later by Upload, once the embedder
// decides to serve it.
func (e *Engine) handleInboundDownloadRequest(username string, remoteToken uint32, filename string) {
	ctx := context.Background()
	if err := e.resolvers.EnqueueDownload(ctx, username, filename); err != nil {
		reason := "Rejected"
		if te, ok := err.(*Error); ok && te.Reason != "" {
			reason = te.Reason
		}
		mc, mcErr := e.connMgr.GetOrAddPeerConnection(ctx, username)
		if mcErr != nil {
			return
		}
		b := codec.NewBuilder(codec.Peer, codec.CodePeerTransferResponse)
		b.WriteUint32(remoteToken).WriteBool(false).WriteString(reason)
		mc.Send(b)
		return
	}

	// Acceptance is informational until the embedder actually calls Upload:
	// the engine does not reserve a transfer-registry slot here, since Upload
	// registers its own record keyed by the local token it is given.
	e.emitState(&Transfer{
		Direction:   Upload,
		State:       Queued,
		RemoteToken: remoteToken,
		Username:    username,
		Filename:    filename,
		StartedAt:   time.Now(),
	})
}

// Upload begins serving filename (size bytes) to username, reading from
// source until size bytes have been sent (spec.md §4.H.3 step 2-3).
// localToken is the engine's own correlation token for this transfer.
func (e *Engine) Upload(ctx context.Context, username, filename string, size int64, localToken uint32, source Source) error {
	t := &Transfer{
		Direction:  Upload,
		State:      Queued,
		LocalToken: localToken,
		Username:   username,
		Filename:   filename,
		Size:       size,
		StartedAt:  time.Now(),
	}
	if err := e.registerTransfer(t); err != nil {
		return err
	}
	defer e.unregisterTransfer(t)

	mc, err := e.connMgr.GetOrAddPeerConnection(ctx, username)
	if err != nil {
		return &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "could not reach peer", Err: err}
	}

	b := codec.NewBuilder(codec.Peer, codec.CodePeerTransferRequest)
	b.WriteUint8(uint8(Upload)).WriteUint32(localToken).WriteString(filename).WriteInt64(size)
	if err := mc.Send(b); err != nil {
		return &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "send failed", Err: err}
	}

	respCtx, cancel := context.WithTimeout(ctx, responseTimeout)
	v, err := e.waiters.Wait(respCtx, waiterTransferResponseKey(localToken), 0)
	cancel()
	if err != nil {
		return &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "peer did not respond", Err: err}
	}
	resp := v.(transferResponseResult)
	if !resp.allowed {
		return &Error{Kind: ErrTransferRejected, Username: username, Filename: filename, Reason: resp.reason}
	}

	t.State = Initializing
	e.emitState(t)

	c, err := e.connMgr.DialTransfer(ctx, username, localToken)
	if err != nil {
		return &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "no transfer connection", Err: err}
	}
	defer c.Disconnect(conn.ReasonRequested)

	var tokBuf [4]byte
	binary.LittleEndian.PutUint32(tokBuf[:], localToken)
	if err := c.Write(tokBuf[:]); err != nil {
		return &Error{Kind: ErrTransferFailed, Username: username, Filename: filename, Reason: "token write failed", Err: err}
	}

	t.State = InProgress
	e.emitState(t)

	if err := e.streamUpload(t, c, source); err != nil {
		t.State = Completed
		t.Reason = Errored
		t.err = err
		t.EndedAt = time.Now()
		e.emitState(t)
		return err
	}

	t.State = Completed
	t.Reason = Succeeded
	t.EndedAt = time.Now()
	e.emitState(t)
	return nil
}

// Source supplies bytes for an upload (spec.md §4.H.3 "streams bytes").
type Source interface {
	Read(p []byte) (int, error)
}

func (e *Engine) streamUpload(t *Transfer, c *conn.Connection, source Source) error {
	buf := make([]byte, 16384)
	windowStart := time.Now()
	windowBytes := int64(0)
	for t.Transferred < t.Size {
		n, err := source.Read(buf)
		if n > 0 {
			if werr := c.Write(buf[:n]); werr != nil {
				return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "write failed", Err: werr}
			}
			t.Transferred += int64(n)
			windowBytes += int64(n)
			metrics.TransferBytesTotal.WithLabelValues(Upload.String()).Add(float64(n))
			if elapsed := time.Since(windowStart); elapsed >= time.Second {
				t.AverageSpeed = float64(windowBytes) / elapsed.Seconds()
				windowStart = time.Now()
				windowBytes = 0
			}
			e.emitProgress(t)
		}
		if err != nil {
			return &Error{Kind: ErrTransferFailed, Username: t.Username, Filename: t.Filename, Reason: "source read failed", Err: err}
		}
	}
	return nil
}
