package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/flate"
)

// Builder accumulates a single outgoing message body and emits a finished,
// length-prefixed frame. The length prefix is computed last, from the final
// size of code+body, matching spec.md §4.A.
type Builder struct {
	dialect Dialect
	code    int
	codeBuf bytes.Buffer
	body    bytes.Buffer
}

// NewBuilder starts building a message of the given code in dialect d. The
// code is written immediately using the dialect's code width.
func NewBuilder(d Dialect, code int) *Builder {
	b := &Builder{dialect: d, code: code}
	switch d.CodeWidth() {
	case 1:
		b.codeBuf.WriteByte(byte(code))
	default:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(code))
		b.codeBuf.Write(tmp[:])
	}
	return b
}

func (b *Builder) WriteUint8(v uint8) *Builder {
	b.body.WriteByte(v)
	return b
}

func (b *Builder) WriteUint32(v uint32) *Builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.body.Write(tmp[:])
	return b
}

func (b *Builder) WriteInt64(v int64) *Builder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.body.Write(tmp[:])
	return b
}

func (b *Builder) WriteString(s string) *Builder {
	raw := encodeStringBytes(s)
	b.WriteUint32(uint32(len(raw)))
	b.body.Write(raw)
	return b
}

func (b *Builder) WriteBytes(p []byte) *Builder {
	b.body.Write(p)
	return b
}

func (b *Builder) WriteBool(v bool) *Builder {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteIP writes a dotted-quad IPv4 address in Soulseek's
// reversed-network-order 4-byte form.
func (b *Builder) WriteIP(ipStr string) *Builder {
	ip := parseIPv4(ipStr)
	enc := encodeIPv4(ip)
	b.body.Write(enc[:])
	return b
}

// Compress replaces everything written so far (the body, not the code) with
// its deflate-compressed form. Compression is a terminal operation: no more
// writes should follow (spec.md §4.A "optional terminal compress()").
func (b *Builder) Compress() error {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return inflateErr(err)
	}
	if _, err := w.Write(b.body.Bytes()); err != nil {
		return inflateErr(err)
	}
	if err := w.Close(); err != nil {
		return inflateErr(err)
	}
	b.body.Reset()
	b.body.Write(buf.Bytes())
	return nil
}

// Bytes emits the finished frame: u32_le length || code || body.
func (b *Builder) Bytes() []byte {
	length := b.codeBuf.Len() + b.body.Len()
	out := make([]byte, 0, 4+length)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(length))
	out = append(out, lenBuf[:]...)
	out = append(out, b.codeBuf.Bytes()...)
	out = append(out, b.body.Bytes()...)
	return out
}
