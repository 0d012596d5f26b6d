package codec

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderReaderRoundTrip(t *testing.T) {
	b := NewBuilder(Server, CodeLogin)
	b.WriteString("alice").WriteString("hunter2").WriteUint32(181).WriteString("deadbeef").WriteUint32(1)
	frame := b.Bytes()

	// length prefix matches payload size exactly (spec.md §8 invariant).
	length := DecodeLength(frame[:4])
	assert.EqualValues(t, len(frame)-4, length)

	r := NewReader(Server, frame[4:])
	code, err := r.ReadCode()
	require.NoError(t, err)
	assert.Equal(t, CodeLogin, code)

	user, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	pass, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	ver, err := r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 181, ver)
}

func TestReaderWrongCode(t *testing.T) {
	b := NewBuilder(Server, CodeLogin)
	frame := b.Bytes()
	r := NewReader(Server, frame[4:])
	err := r.ExpectCode(CodeGetPeerAddress)
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrWrongCode, ce.Kind)
}

func TestReaderTruncated(t *testing.T) {
	b := NewBuilder(Server, CodeLogin)
	b.WriteUint32(42)
	frame := b.Bytes()
	// chop off the last 2 bytes of the u32 so the read can't complete.
	short := frame[:len(frame)-2]
	r := NewReader(Server, short[4:])
	_, err := r.ReadCode()
	require.NoError(t, err)
	_, err = r.ReadUint32()
	require.Error(t, err)
}

func TestIPv4RoundTrip(t *testing.T) {
	b := NewBuilder(Peer, CodePeerBrowseRequest)
	b.WriteIP("192.168.1.42")
	frame := b.Bytes()
	r := NewReader(Peer, frame[4:])
	_, err := r.ReadCode()
	require.NoError(t, err)
	ip, err := r.ReadIP()
	require.NoError(t, err)
	assert.True(t, net.ParseIP("192.168.1.42").Equal(ip))
}

func TestCompressedPayloadRoundTrip(t *testing.T) {
	// spec.md §8 scenario 10: compressed BrowseResponse-shaped payload with
	// two directories and one file each; decode must recover exact content.
	b := NewBuilder(Peer, CodePeerBrowseResponse)
	b.WriteUint32(2)
	b.WriteString("/music/rock")
	b.WriteUint32(1)
	b.WriteString("song1.mp3")
	b.WriteString("/music/jazz")
	b.WriteUint32(1)
	b.WriteString("song2.mp3")
	require.NoError(t, b.Compress())
	frame := b.Bytes()

	r := NewReader(Peer, frame[4:])
	_, err := r.ReadCode()
	require.NoError(t, err)
	require.NoError(t, r.Decompress())

	numDirs, err := r.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 2, numDirs)

	dir1, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "/music/rock", dir1)
	n1, err := r.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 1, n1)
	f1, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "song1.mp3", f1)

	dir2, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "/music/jazz", dir2)
}

func TestStringLatin1Fallback(t *testing.T) {
	// 0xe9 alone is invalid UTF-8 but is 'é' in ISO-8859-1.
	raw := []byte{0xe9}
	s := decodeString(raw)
	assert.Equal(t, "é", s)
}
