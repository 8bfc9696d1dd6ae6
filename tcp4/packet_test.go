package tcp4

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testLocal  = net.IPv4(10, 0, 0, 1)
	testRemote = net.IPv4(10, 0, 0, 2)
)

func TestBuildDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello")
	buf := Build(49200, 9000, 0x1000, 0x2000, FlagSYN|FlagACK, 4380, payload, testLocal, testRemote)

	seg, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(49200), seg.SrcPort)
	require.Equal(t, uint16(9000), seg.DstPort)
	require.Equal(t, uint32(0x1000), seg.Seq)
	require.Equal(t, uint32(0x2000), seg.Ack)
	require.Equal(t, FlagSYN|FlagACK, seg.Flags)
	require.Equal(t, uint16(4380), seg.Window)
	require.Equal(t, payload, seg.Payload)
}

func TestVerifyAcceptsBuiltSegment(t *testing.T) {
	buf := Build(1, 2, 3, 4, FlagSYN, 4380, nil, testLocal, testRemote)
	require.True(t, Verify(buf, testLocal, testRemote))
}

func TestVerifyRejectsFlippedBit(t *testing.T) {
	buf := Build(1, 2, 3, 4, FlagSYN, 4380, nil, testLocal, testRemote)
	buf[0] ^= 0x01
	require.False(t, Verify(buf, testLocal, testRemote))
}

func TestVerifyRejectsWrongAddressPair(t *testing.T) {
	buf := Build(1, 2, 3, 4, FlagSYN, 4380, nil, testLocal, testRemote)
	require.False(t, Verify(buf, testLocal, net.IPv4(10, 0, 0, 99)))
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	require.Error(t, err)
}

func TestDecodeRejectsBadDataOffset(t *testing.T) {
	buf := Build(1, 2, 3, 4, FlagSYN, 4380, nil, testLocal, testRemote)
	buf[12] = 0x0f << 4 // data offset far beyond buffer length
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	require.Equal(t, "(none)", Flags(0).String())
}

func TestFlagsHas(t *testing.T) {
	f := FlagSYN | FlagACK
	require.True(t, f.Has(FlagSYN))
	require.True(t, f.Has(FlagACK))
	require.False(t, f.Has(FlagFIN))
}

func TestChecksum16KnownValue(t *testing.T) {
	// RFC 1071 worked example: 0x0001 + 0xf203 + 0xf4f5 + 0xf6f7 == ~0x220d.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	require.Equal(t, uint16(0x220d), checksum16(b))
}

func FuzzDecodeNoPanic(f *testing.F) {
	f.Add(Build(1, 2, 3, 4, FlagSYN, 4380, nil, testLocal, testRemote))
	f.Add([]byte{})
	f.Add(make([]byte, 19))
	f.Fuzz(func(t *testing.T, buf []byte) {
		_, _ = Decode(buf)
	})
}
