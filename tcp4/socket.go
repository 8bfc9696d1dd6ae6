package tcp4

import (
	"fmt"
	"net"
)

// defaultWindow is the fixed receive window this core advertises; there is
// no flow control beyond this constant (Non-goal).
const defaultWindow = 4380

// SocketId is the four-tuple that uniquely identifies a socket. A listening
// socket has RemoteAddr/RemotePort set to their wildcard values.
type SocketId struct {
	LocalAddr  string // net.IP.String(), so SocketId is comparable and mappable
	LocalPort  uint16
	RemoteAddr string
	RemotePort uint16
}

func newSocketId(localAddr net.IP, localPort uint16, remoteAddr net.IP, remotePort uint16) SocketId {
	return SocketId{
		LocalAddr:  localAddr.To4().String(),
		LocalPort:  localPort,
		RemoteAddr: remoteAddr.To4().String(),
		RemotePort: remotePort,
	}
}

func (id SocketId) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}

// isWildcardRemote reports whether id identifies a listening socket.
func (id SocketId) isWildcardRemote() bool {
	return id.RemoteAddr == wildcardAddr.String() && id.RemotePort == 0
}

var wildcardAddr = net.IPv4(0, 0, 0, 0)

// State is a connection state. Only Closed (transient) through Established
// are reachable by this core's handshake-only state machine; the rest are
// declared for forward compatibility with a future data-transfer/teardown
// implementation.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Listen:
		return "Listen"
	case SynSent:
		return "SynSent"
	case SynReceived:
		return "SynReceived"
	case Established:
		return "Established"
	case FinWait1:
		return "FinWait1"
	case FinWait2:
		return "FinWait2"
	case CloseWait:
		return "CloseWait"
	case Closing:
		return "Closing"
	case LastAck:
		return "LastAck"
	case TimeWait:
		return "TimeWait"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SendSequenceVariables tracks the send-side sequence space, RFC 793 §3.2.
type SendSequenceVariables struct {
	UNA uint32
	NXT uint32
	WND uint16
	UP  uint16
	WL1 uint32
	WL2 uint32
	ISS uint32
}

// ReceiveSequenceVariables tracks the receive-side sequence space, RFC 793 §3.2.
type ReceiveSequenceVariables struct {
	NXT uint32
	WND uint16
	UP  uint16
	IRS uint32
}

// Socket is one entry of the socket table: a connection's identity,
// sequence-variable state, and the machinery needed to emit a segment for
// it. The raw send collaborator is shared across every Socket in the
// engine, not owned per-socket.
type Socket struct {
	ID SocketId

	LocalAddr  net.IP
	LocalPort  uint16
	RemoteAddr net.IP
	RemotePort uint16

	Snd   SendSequenceVariables
	Rcv   ReceiveSequenceVariables
	State State

	// ListeningID is set on a child socket spawned from a Listen socket's
	// SYN handling; it is a relation (an id to look up), never an owning
	// pointer back to the parent Socket.
	ListeningID *SocketId

	// PendingAccepts queues fully-established children awaiting Accept.
	// Only ever non-empty on a socket in state Listen.
	PendingAccepts []SocketId

	conn RawIPConn
}

func newSocket(localAddr net.IP, localPort uint16, remoteAddr net.IP, remotePort uint16, conn RawIPConn) *Socket {
	s := &Socket{
		LocalAddr:  localAddr,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
		Snd:        SendSequenceVariables{WND: defaultWindow},
		Rcv:        ReceiveSequenceVariables{WND: defaultWindow},
		State:      Closed,
		conn:       conn,
	}
	s.ID = newSocketId(localAddr, localPort, remoteAddr, remotePort)
	return s
}

// Send builds a segment from this socket's addressing plus the given
// sequence/ack/flags/payload, signs it with the pseudo-header checksum, and
// writes it to the raw collaborator. It never retries.
func (s *Socket) Send(seq, ack uint32, flags Flags, payload []byte) error {
	buf := Build(s.LocalPort, s.RemotePort, seq, ack, flags, s.Rcv.WND, payload, s.LocalAddr, s.RemoteAddr)
	if err := s.conn.Send(buf, s.RemoteAddr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIoError, s.ID, err)
	}
	return nil
}
