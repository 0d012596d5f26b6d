package transfer

import (
	"context"
	"time"

	"github.com/soulseek-go/slsk/codec"
)

// activeSearch tracks one outstanding Search call while responses trickle in
// over the network (spec.md §4.H.1). Unlike waiter.Registry's single-shot
// semantics, a search accepts a stream of responses until its timeout,
// cancellation, or response cap is hit.
type activeSearch struct {
	token     uint32
	opts      SearchOptions
	out       chan SearchResponse
	done      chan struct{}
	closeOnce func()
	delivered int
}

// Search issues a FileSearch request to the server and returns a channel of
// matching responses, closed when the search ends (spec.md §6.2 "search").
// Responses are filtered through opts before delivery; the caller should
// drain the channel until it closes or cancel ctx.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (<-chan SearchResponse, error) {
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultSearchOptions().SearchTimeout
	}
	tok := e.tokens.Next()

	var once bool
	as := &activeSearch{
		token: tok,
		opts:  opts,
		out:   make(chan SearchResponse, 16),
		done:  make(chan struct{}),
	}
	as.closeOnce = func() {
		if once {
			return
		}
		once = true
		close(as.done)
	}

	e.searchMut.Lock()
	e.searches[tok] = as
	e.searchMut.Unlock()

	b := codec.NewBuilder(codec.Server, codec.CodeFileSearch)
	b.WriteUint32(tok).WriteString(query)
	if err := e.server.SendServer(b); err != nil {
		e.searchMut.Lock()
		delete(e.searches, tok)
		e.searchMut.Unlock()
		return nil, &Error{Kind: ErrTransferFailed, Reason: "could not send search request", Err: err}
	}

	timer := time.NewTimer(opts.SearchTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-as.done:
		}
		e.searchMut.Lock()
		delete(e.searches, tok)
		e.searchMut.Unlock()
		as.closeOnce()
		close(as.out)
	}()

	return as.out, nil
}

// handleSearchResponseFrame decodes an inbound PeerSearchResponse, applies
// the originating search's filter, and delivers it if the search is still
// live. Responses for unknown tokens (search already timed out, or a stray
// reply) are dropped.
func (e *Engine) handleSearchResponseFrame(username string, r *codec.Reader) {
	if err := r.Decompress(); err != nil {
		l.Debugln("search response from", username, "failed to decompress:", err)
		return
	}
	resp, err := decodeSearchResponse(r)
	if err != nil {
		l.Debugln("search response from", username, "malformed:", err)
		return
	}

	e.searchMut.Lock()
	as, ok := e.searches[resp.Token]
	if ok && as.opts.ResponseLimit > 0 && as.delivered >= as.opts.ResponseLimit {
		ok = false
	}
	if ok {
		as.delivered++
	}
	e.searchMut.Unlock()
	if !ok {
		return
	}

	if as.opts.FileFilter != nil {
		filtered := resp.Files[:0:0]
		for _, f := range resp.Files {
			if as.opts.FileFilter(f) {
				filtered = append(filtered, f)
			}
		}
		resp.Files = filtered
	}
	if as.opts.MinimumResponseFileCount > 0 && len(resp.Files) < as.opts.MinimumResponseFileCount {
		return
	}

	select {
	case as.out <- resp:
	case <-as.done:
	}
}

func decodeSearchResponse(r *codec.Reader) (SearchResponse, error) {
	var resp SearchResponse
	var err error
	if resp.Username, err = r.ReadString(); err != nil {
		return resp, err
	}
	if resp.Token, err = r.ReadUint32(); err != nil {
		return resp, err
	}
	fileCount, err := r.ReadUint32()
	if err != nil {
		return resp, err
	}
	resp.Files = make([]FileEntry, 0, fileCount)
	for i := uint32(0); i < fileCount; i++ {
		fe, err := decodeFileEntry(r)
		if err != nil {
			return resp, err
		}
		resp.Files = append(resp.Files, fe)
	}
	if resp.FreeUploadSlots, err = r.ReadBool(); err != nil {
		return resp, err
	}
	if resp.UploadSpeed, err = r.ReadUint32(); err != nil {
		return resp, err
	}
	if resp.QueueLength, err = r.ReadUint32(); err != nil {
		return resp, err
	}
	return resp, nil
}

func decodeFileEntry(r *codec.Reader) (FileEntry, error) {
	var fe FileEntry
	if _, err := r.ReadUint8(); err != nil { // marker byte, always 1 on the wire
		return fe, err
	}
	var err error
	if fe.Filename, err = r.ReadString(); err != nil {
		return fe, err
	}
	if fe.Size, err = r.ReadInt64(); err != nil {
		return fe, err
	}
	if fe.Extension, err = r.ReadString(); err != nil {
		return fe, err
	}
	attrCount, err := r.ReadUint32()
	if err != nil {
		return fe, err
	}
	fe.Attrs = make([]FileAttr, 0, attrCount)
	for i := uint32(0); i < attrCount; i++ {
		code, err := r.ReadUint32()
		if err != nil {
			return fe, err
		}
		val, err := r.ReadUint32()
		if err != nil {
			return fe, err
		}
		fe.Attrs = append(fe.Attrs, FileAttr{Code: int(code), Value: val})
	}
	return fe, nil
}

func encodeFileEntry(b *codec.Builder, fe FileEntry) {
	b.WriteUint8(1)
	b.WriteString(fe.Filename)
	b.WriteInt64(fe.Size)
	b.WriteString(fe.Extension)
	b.WriteUint32(uint32(len(fe.Attrs)))
	for _, a := range fe.Attrs {
		b.WriteUint32(uint32(a.Code)).WriteUint32(a.Value)
	}
}

// EncodeSearchResponse renders resp as a complete, compressed, length-
// prefixed PeerSearchResponse frame, ready to hand to a peer message
// connection (spec.md §4.G "search relay" delivers the resolver's answer
// this way).
func EncodeSearchResponse(resp SearchResponse) []byte {
	b := codec.NewBuilder(codec.Peer, codec.CodePeerSearchResponse)
	b.WriteString(resp.Username).WriteUint32(resp.Token).WriteUint32(uint32(len(resp.Files)))
	for _, f := range resp.Files {
		encodeFileEntry(b, f)
	}
	b.WriteBool(resp.FreeUploadSlots).WriteUint32(resp.UploadSpeed).WriteUint32(resp.QueueLength)
	b.Compress()
	return b.Bytes()
}

// DistributedSearchResolver adapts the engine's configured SearchResponse
// resolver to distributed.SearchResolver's raw-bytes return shape, so the
// same embedder-supplied logic answers both directly-addressed and
// distributed-tree search requests.
func (e *Engine) DistributedSearchResolver(username string, token uint32, query string) ([]byte, bool) {
	resp, ok := e.resolvers.SearchResponse(context.Background(), username, token, query)
	if !ok {
		return nil, false
	}
	resp.Username = e.selfUsername
	resp.Token = token
	return EncodeSearchResponse(resp), true
}
