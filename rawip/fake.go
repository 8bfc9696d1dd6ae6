package rawip

import (
	"errors"
	"net"
)

// datagram is one fake wire transmission: a TCP segment plus its IPv4
// envelope addresses.
type datagram struct {
	payload               []byte
	localAddr, remoteAddr net.IP
}

// FakeConn is an in-memory, channel-backed stand-in for Conn, used to drive
// the handshake engine deterministically without a real socket or root.
type FakeConn struct {
	local net.IP

	outbound chan datagram // Send appends here
	inbound  chan datagram // Recv reads from here
	closed   chan struct{}
}

// NewFakeConn constructs a FakeConn bound to localAddr with the given
// channel depth for both directions.
func NewFakeConn(localAddr net.IP, depth int) *FakeConn {
	return &FakeConn{
		local:    localAddr,
		outbound: make(chan datagram, depth),
		inbound:  make(chan datagram, depth),
		closed:   make(chan struct{}),
	}
}

// Send records the datagram as sent; tests read it back via Sent.
func (f *FakeConn) Send(segment []byte, remoteAddr net.IP) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	cp := make([]byte, len(segment))
	copy(cp, segment)
	select {
	case f.outbound <- datagram{payload: cp, localAddr: f.local, remoteAddr: remoteAddr}:
		return nil
	default:
		return errors.New("rawip: fake outbound channel full")
	}
}

// Recv blocks until a test injects a datagram via Deliver, or Close is called.
func (f *FakeConn) Recv() (payload []byte, localAddr, remoteAddr net.IP, err error) {
	select {
	case d := <-f.inbound:
		return d.payload, d.localAddr, d.remoteAddr, nil
	case <-f.closed:
		return nil, nil, nil, net.ErrClosed
	}
}

// Close interrupts any blocked Recv and Sent.
func (f *FakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
		close(f.outbound)
	}
	return nil
}

// Deliver injects an inbound datagram as if it arrived from remoteAddr
// addressed to localAddr, for a test to drive the engine's receiver loop.
func (f *FakeConn) Deliver(payload []byte, localAddr, remoteAddr net.IP) {
	f.inbound <- datagram{payload: payload, localAddr: localAddr, remoteAddr: remoteAddr}
}

// Sent returns the next datagram the engine sent, blocking until one is
// available or the channel is empty and closed.
func (f *FakeConn) Sent() ([]byte, net.IP, bool) {
	d, ok := <-f.outbound
	if !ok {
		return nil, nil, false
	}
	return d.payload, d.remoteAddr, true
}

// LocalAddr returns the address this fake is bound to.
func (f *FakeConn) LocalAddr() net.IP { return f.local }
