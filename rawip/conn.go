//go:build linux

// Package rawip is the raw-socket collaborator: it owns the actual AF_INET
// SOCK_RAW file descriptor and the IPv4 envelope around every TCP segment,
// so that package tcp4 never has to touch a socket directly.
package rawip

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

const (
	tcpProtocolNumber = 6

	// pollSlice bounds how long a single ReadFrom blocks, so Close can
	// interrupt a pending Recv within one slice instead of forever.
	pollSlice = 200 * time.Millisecond
)

// Conn is a real raw IPv4/TCP socket, bound to one local address. It
// satisfies tcp4.RawIPConn.
type Conn struct {
	raw   *ipv4.RawConn
	pconn net.PacketConn
	local net.IP
	buf   []byte

	closed chan struct{}
}

// Dial opens a raw IPv4 socket bound to localAddr. If iface is non-empty the
// socket is additionally pinned to that interface with SO_BINDTODEVICE;
// this requires CAP_NET_ADMIN in addition to CAP_NET_RAW (see RequirePrivileges).
func Dial(localAddr net.IP, iface string) (*Conn, error) {
	if localAddr.To4() == nil {
		return nil, fmt.Errorf("rawip: local address must be IPv4, got %s", localAddr)
	}

	pconn, err := net.ListenPacket("ip4:tcp", localAddr.String())
	if err != nil {
		return nil, fmt.Errorf("rawip: listen: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			pconn.Close()
		}
	}()

	if iface != "" {
		ipConn, isIPConn := pconn.(*net.IPConn)
		if !isIPConn {
			return nil, fmt.Errorf("rawip: packet conn is not *net.IPConn")
		}
		sc, err := ipConn.SyscallConn()
		if err != nil {
			return nil, fmt.Errorf("rawip: syscall conn: %w", err)
		}
		var sockErr error
		if err := sc.Control(func(fd uintptr) {
			sockErr = bindToDevice(fd, iface)
		}); err != nil {
			return nil, fmt.Errorf("rawip: control: %w", err)
		}
		if sockErr != nil {
			return nil, fmt.Errorf("rawip: bind-to-device %q: %w", iface, sockErr)
		}
	}

	raw, err := ipv4.NewRawConn(pconn)
	if err != nil {
		return nil, fmt.Errorf("rawip: new raw conn: %w", err)
	}

	ok = true
	return &Conn{
		raw:    raw,
		pconn:  pconn,
		local:  localAddr.To4(),
		buf:    make([]byte, 65535),
		closed: make(chan struct{}),
	}, nil
}

// Send wraps segment (already a complete TCP header+payload built by
// tcp4.Build) in an IPv4 header addressed to remoteAddr and writes it.
func (c *Conn) Send(segment []byte, remoteAddr net.IP) error {
	dst := remoteAddr.To4()
	if dst == nil {
		return fmt.Errorf("rawip: remote address must be IPv4, got %s", remoteAddr)
	}
	h := &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(segment),
		TTL:      64,
		Protocol: tcpProtocolNumber,
		Dst:      dst,
	}
	if err := c.raw.WriteTo(h, segment, nil); err != nil {
		return fmt.Errorf("rawip: write: %w", err)
	}
	return nil
}

// Recv blocks until the next inbound TCP/IPv4 datagram arrives, or Close is
// called. It decodes the IPv4 envelope with gopacket to recover the source
// and destination addresses and confirm the protocol number, leaving the
// TCP segment itself to package tcp4.
func (c *Conn) Recv() (payload []byte, localAddr, remoteAddr net.IP, err error) {
	for {
		select {
		case <-c.closed:
			return nil, nil, nil, net.ErrClosed
		default:
		}

		if err := c.raw.SetReadDeadline(time.Now().Add(pollSlice)); err != nil {
			return nil, nil, nil, fmt.Errorf("rawip: set read deadline: %w", err)
		}

		hdr, body, _, err := c.raw.ReadFrom(c.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, nil, nil, fmt.Errorf("rawip: read: %w", err)
		}

		raw, err := hdr.Marshal()
		if err != nil {
			continue
		}
		raw = append(raw, body...)

		packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
		ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			continue
		}
		if ipLayer.Protocol != layers.IPProtocolTCP {
			continue
		}

		return ipLayer.LayerPayload(), ipLayer.DstIP, ipLayer.SrcIP, nil
	}
}

// Close interrupts any blocked Recv and closes the underlying socket.
func (c *Conn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.pconn.Close()
}
