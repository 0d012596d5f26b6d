package codec

import "encoding/binary"

// LengthPrefixSize is the width of the frame length prefix (spec.md §3,
// §6.1: "u32_le length || payload").
const LengthPrefixSize = 4

// Frame is a decoded wire frame: the length-prefix has already been
// consumed, Payload holds code||body.
type Frame struct {
	Dialect Dialect
	Payload []byte
}

// Reader returns a codec.Reader positioned at the start of the frame.
func (f Frame) Reader() *Reader {
	return NewReader(f.Dialect, f.Payload)
}

// DecodeLength parses a little-endian u32 length prefix.
func DecodeLength(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// EncodeLength renders n as a little-endian u32 length prefix.
func EncodeLength(n uint32) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], n)
	return out
}
