package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/klauspost/compress/flate"
)

// Reader wraps a decoded frame payload (code + body, length prefix already
// consumed by the connection layer) and a position cursor, exposing typed
// reads matching spec.md §4.A.
type Reader struct {
	dialect Dialect
	buf     []byte
	pos     int
}

// NewReader wraps payload, which must begin with the dialect's code.
func NewReader(d Dialect, payload []byte) *Reader {
	return &Reader{dialect: d, buf: payload}
}

// ReadCode reads and returns the dialect-specific message code.
func (r *Reader) ReadCode() (int, error) {
	w := r.dialect.CodeWidth()
	if r.pos+w > len(r.buf) {
		return 0, truncated()
	}
	var code int
	if w == 1 {
		code = int(r.buf[r.pos])
	} else {
		code = int(binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4]))
	}
	r.pos += w
	return code, nil
}

// ExpectCode reads the code and fails with ErrWrongCode if it does not match.
func (r *Reader) ExpectCode(want int) error {
	got, err := r.ReadCode()
	if err != nil {
		return err
	}
	if got != want {
		return wrongCode(want, got)
	}
	return nil
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return truncated()
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return int64(v), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return decodeString(b), nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, badEncoding()
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *Reader) ReadIP() (net.IP, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	return decodeIPv4(b), nil
}

// PeekLength returns the number of unread bytes remaining in the frame.
func (r *Reader) PeekLength() int {
	return len(r.buf) - r.pos
}

// Seek repositions the cursor to an absolute offset within the payload.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return truncated()
	}
	r.pos = pos
	return nil
}

// Decompress inflates the remaining unread bytes and splices the result back
// in at the current position, so subsequent reads see the decompressed form
// (spec.md §4.A "decompress ... resetting position").
func (r *Reader) Decompress() error {
	tail := r.buf[r.pos:]
	zr := flate.NewReader(bytes.NewReader(tail))
	defer zr.Close()
	inflated, err := io.ReadAll(zr)
	if err != nil {
		return inflateErr(err)
	}
	head := make([]byte, r.pos)
	copy(head, r.buf[:r.pos])
	r.buf = append(head, inflated...)
	return nil
}
