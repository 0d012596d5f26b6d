package codec

import (
	"net"
	"unicode/utf8"
)

// encodeStringBytes returns the UTF-8 bytes of s; Builder.WriteString writes
// the u32_le byte-length prefix in front of them (spec.md §3).
func encodeStringBytes(s string) []byte {
	return []byte(s)
}

// decodeString decodes a length-prefixed string body. It is UTF-8 by
// default; on invalid UTF-8 it falls back to treating the bytes as
// ISO-8859-1 (Latin-1), whose code points map 1:1 onto the first 256
// Unicode scalar values, so no external charset library is needed for this
// particular fallback (spec.md §3, DESIGN.md stdlib justification).
func decodeString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return latin1ToUTF8(b)
}

func latin1ToUTF8(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// encodeIPv4 returns the 4-byte representation of ip, byte-reversed from
// standard network order, matching the wire format Soulseek uses (spec.md
// §3 "IPv4 address (4 bytes, reversed from network order)").
func encodeIPv4(ip net.IP) [4]byte {
	v4 := ip.To4()
	var out [4]byte
	if v4 == nil {
		return out
	}
	out[0], out[1], out[2], out[3] = v4[3], v4[2], v4[1], v4[0]
	return out
}

func decodeIPv4(b []byte) net.IP {
	return net.IPv4(b[3], b[2], b[1], b[0])
}

// parseIPv4 parses a dotted-quad string into its 4-byte form, returning the
// zero address on failure (callers writing a frame do not expect a parse
// error mid-build; malformed addresses simply encode as 0.0.0.0).
func parseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}
