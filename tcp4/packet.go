// Package tcp4 implements the connection-establishment subset of TCP over
// IPv4: the fixed-size header codec, the per-connection sequence-variable
// state machine, and the engine that demultiplexes inbound segments to it.
package tcp4

import (
	"encoding/binary"
	"fmt"
	"net"
)

// headerSize is the length of a TCP header with no options (data offset 5).
const headerSize = 20

// tcpProtocolNumber is the IPv4 protocol number for TCP (RFC 793).
const tcpProtocolNumber = 6

// Flags is the set of control bits carried in a segment, RFC 793 §3.1.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagFIN, "FIN"}, {FlagSYN, "SYN"}, {FlagRST, "RST"},
		{FlagPSH, "PSH"}, {FlagACK, "ACK"}, {FlagURG, "URG"},
	}
	s := ""
	for _, n := range names {
		if f&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "(none)"
	}
	return s
}

func (f Flags) Has(bit Flags) bool { return f&bit == bit }

// Segment is a decoded TCP header plus payload, without options.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Payload  []byte
}

// Build encodes a TCP segment with the checksum computed over the segment
// and an IPv4 pseudo-header derived from localAddr/remoteAddr, per RFC 793
// §3.1. The data offset is always 5 (no options).
func Build(srcPort, dstPort uint16, seq, ack uint32, flags Flags, window uint16, payload []byte, localAddr, remoteAddr net.IP) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = 5 << 4
	buf[13] = byte(flags)
	binary.BigEndian.PutUint16(buf[14:16], window)
	// checksum field left zero while it's being computed over buf.
	copy(buf[headerSize:], payload)

	sum := pseudoHeaderChecksum(buf, localAddr, remoteAddr)
	binary.BigEndian.PutUint16(buf[16:18], sum)
	return buf
}

// Decode parses a received buffer into a Segment. Option bytes implied by a
// data offset greater than 5 are skipped, not validated.
func Decode(buf []byte) (Segment, error) {
	if len(buf) < headerSize {
		return Segment{}, fmt.Errorf("tcp4: short segment: %d bytes", len(buf))
	}
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < headerSize || dataOffset > len(buf) {
		return Segment{}, fmt.Errorf("tcp4: invalid data offset %d in %d-byte segment", dataOffset, len(buf))
	}
	seg := Segment{
		SrcPort:  binary.BigEndian.Uint16(buf[0:2]),
		DstPort:  binary.BigEndian.Uint16(buf[2:4]),
		Seq:      binary.BigEndian.Uint32(buf[4:8]),
		Ack:      binary.BigEndian.Uint32(buf[8:12]),
		Flags:    Flags(buf[13]),
		Window:   binary.BigEndian.Uint16(buf[14:16]),
		Checksum: binary.BigEndian.Uint16(buf[16:18]),
		Urgent:   binary.BigEndian.Uint16(buf[18:20]),
		Payload:  buf[dataOffset:],
	}
	return seg, nil
}

// Verify recomputes the checksum of buf using the same pseudo-header Build
// would have used, and reports whether it matches the embedded checksum
// field.
func Verify(buf []byte, localAddr, remoteAddr net.IP) bool {
	if len(buf) < headerSize {
		return false
	}
	want := binary.BigEndian.Uint16(buf[16:18])
	got := pseudoHeaderChecksum(buf, localAddr, remoteAddr)
	return want == got
}

// pseudoHeaderChecksum computes the RFC 793 §3.1 checksum of segment over an
// IPv4 pseudo-header (source IP, destination IP, zero, protocol, TCP
// length), with the segment's own checksum field treated as zero.
func pseudoHeaderChecksum(segment []byte, localAddr, remoteAddr net.IP) uint16 {
	src := localAddr.To4()
	dst := remoteAddr.To4()

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], src)
	copy(pseudo[4:8], dst)
	pseudo[8] = 0
	pseudo[9] = tcpProtocolNumber
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	buf := make([]byte, len(pseudo)+len(segment))
	copy(buf, pseudo)
	copy(buf[len(pseudo):], segment)
	buf[len(pseudo)+16], buf[len(pseudo)+17] = 0, 0

	return checksum16(buf)
}

// checksum16 computes the Internet checksum (RFC 1071) over b: sum 16-bit
// big-endian words, fold carries into the low 16 bits, then take the one's
// complement.
func checksum16(b []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if i < len(b) {
		sum += uint32(b[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
