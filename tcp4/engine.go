package tcp4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// RawIPConn is the raw-socket collaborator the engine depends on: a Layer-4
// IPv4/TCP sender and a Layer-3 IPv4/TCP receiver. The engine never depends
// on a concrete implementation, only this interface, so
// tests can substitute rawip.FakeConn for rawip.Conn.
type RawIPConn interface {
	// Send transmits segment (a fully-built TCP header+payload) to
	// remoteAddr, adding the IPv4 envelope.
	Send(segment []byte, remoteAddr net.IP) error

	// Recv blocks until the next inbound TCP/IPv4 datagram's payload is
	// available, returning the TCP segment bytes plus the IPv4 envelope's
	// destination (local) and source (remote) addresses. It is the only
	// blocking I/O point in the receiver besides Send.
	Recv() (payload []byte, localAddr, remoteAddr net.IP, err error)

	Close() error
}

// EngineConfig configures an Engine. Logger is optional; nil means silent.
type EngineConfig struct {
	Logger *slog.Logger
}

// Engine owns the socket table, the event rendezvous, and the single
// background receiver goroutine that drives every state transition.
type Engine struct {
	conn RawIPConn
	log  *slog.Logger

	table  *socketTable
	rendez *rendezvous

	stop   chan struct{}
	done   chan struct{}
	fatal  atomic.Pointer[error]
	closed sync.Once
}

// NewEngine constructs an Engine over conn and starts its receiver
// goroutine. Callers must call Close to stop the receiver.
func NewEngine(conn RawIPConn, cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.New(discardHandler{})
	}
	e := &Engine{
		conn:   conn,
		log:    log,
		table:  newSocketTable(),
		rendez: newRendezvous(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.receiveLoop()
	return e
}

// Close stops the receiver goroutine and closes the underlying raw
// collaborator.
func (e *Engine) Close() error {
	var err error
	e.closed.Do(func() {
		close(e.stop)
		// Closing the collaborator unblocks the receiver's pending Recv.
		err = e.conn.Close()
		<-e.done
	})
	return err
}

// Err returns the fatal error that killed the receiver goroutine, if any.
// A non-nil Err means the engine is silently dead: no further Connect or
// Accept call will ever be satisfied by new network activity. This is a
// known defect, not a crash: the process stays up but the engine is inert.
func (e *Engine) Err() error {
	if p := e.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Listen constructs a listening socket bound to localAddr:localPort and
// inserts it into the table. It never blocks.
func (e *Engine) Listen(localAddr net.IP, localPort uint16) (SocketId, error) {
	s := newSocket(localAddr, localPort, wildcardAddr, 0, e.conn)
	s.State = Listen

	e.table.mu.Lock()
	e.table.insert(s)
	e.table.mu.Unlock()

	e.log.Info("listening", "socket", s.ID)
	return s.ID, nil
}

// Accept blocks until a connection has been established on the listening
// socket identified by listeningID, then dequeues and returns it.
func (e *Engine) Accept(ctx context.Context, listeningID SocketId) (SocketId, error) {
	e.table.mu.RLock()
	_, ok := e.table.sockets[listeningID]
	e.table.mu.RUnlock()
	if !ok {
		return SocketId{}, fmt.Errorf("%w: %s", ErrNoSuchSocket, listeningID)
	}

	if err := e.rendez.WaitUntil(ctx, Event{Kind: EventConnectionEstablished, ID: listeningID}); err != nil {
		return SocketId{}, err
	}

	e.table.mu.Lock()
	defer e.table.mu.Unlock()
	listener, ok := e.table.sockets[listeningID]
	if !ok {
		return SocketId{}, fmt.Errorf("%w: %s", ErrNoSuchSocket, listeningID)
	}
	if len(listener.PendingAccepts) == 0 {
		return SocketId{}, fmt.Errorf("%w: %s", ErrQueueEmpty, listeningID)
	}
	childID := listener.PendingAccepts[0]
	listener.PendingAccepts = listener.PendingAccepts[1:]

	e.log.Info("accepted", "listener", listeningID, "socket", childID)
	return childID, nil
}

// Connect allocates an ephemeral local port, emits the initial SYN, and
// blocks until the receiver completes the handshake (or ctx ends).
//
// The local address is hard-coded to 10.0.0.1: resolving the egress
// interface for an arbitrary destination would require the kernel routing
// table, which this engine does not consult.
func (e *Engine) Connect(ctx context.Context, remoteAddr net.IP, remotePort uint16) (SocketId, error) {
	localAddr := net.IPv4(10, 0, 0, 1)

	localPort, err := e.table.allocateEphemeralPort()
	if err != nil {
		return SocketId{}, err
	}

	s := newSocket(localAddr, localPort, remoteAddr, remotePort, e.conn)
	iss := chooseISS()
	s.Snd.ISS = iss
	s.Snd.UNA = iss
	s.Snd.NXT = iss + 1
	s.State = SynSent

	// Insert before sending, under the same write-lock section, so the
	// receiver can never observe a reply to a SYN the table doesn't know
	// about yet.
	e.table.mu.Lock()
	e.table.insert(s)
	e.log.Debug("sending SYN", "socket", s.ID, "iss", iss)
	sendErr := s.Send(iss, 0, FlagSYN, nil)
	e.table.mu.Unlock()
	if sendErr != nil {
		return SocketId{}, sendErr
	}

	if err := e.rendez.WaitUntil(ctx, Event{Kind: EventConnectionEstablished, ID: s.ID}); err != nil {
		return SocketId{}, err
	}

	e.log.Info("connection established", "socket", s.ID)
	return s.ID, nil
}

// receiveLoop is the single background receiver: it reads one datagram at a
// time, demultiplexes it to a socket record, advances the state machine,
// emits at most one response segment, and signals the rendezvous.
func (e *Engine) receiveLoop() {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("tcp4: receiver panic: %v", r)
			e.fatal.Store(&err)
			e.log.Error("receiver terminated by panic", "err", err)
		}
	}()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		payload, localAddr, remoteAddr, err := e.conn.Recv()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Error("recv failed", "err", err)
			continue
		}

		if !Verify(payload, localAddr, remoteAddr) {
			e.log.Warn("dropping segment with bad checksum", "local", localAddr, "remote", remoteAddr)
			continue
		}

		seg, err := Decode(payload)
		if err != nil {
			e.log.Debug("dropping unparseable segment", "err", err)
			continue
		}

		if err := e.handleSegment(seg, localAddr, remoteAddr); err != nil {
			if errors.Is(err, ErrUnimplemented) {
				e.fatal.Store(&err)
				e.log.Error("unimplemented state transition, receiver stopping", "err", err)
				return
			}
			e.log.Error("error handling segment", "err", err)
		}
	}
}

// handleSegment demultiplexes one inbound segment and dispatches it to the
// handshake state-transition table.
func (e *Engine) handleSegment(seg Segment, localAddr, remoteAddr net.IP) error {
	exactID := newSocketId(localAddr, seg.DstPort, remoteAddr, seg.SrcPort)
	listenID := newSocketId(localAddr, seg.DstPort, wildcardAddr, 0)

	e.table.mu.Lock()
	defer e.table.mu.Unlock()

	socket := e.table.get(exactID)
	if socket == nil {
		socket = e.table.get(listenID)
	}
	if socket == nil {
		e.log.Debug("no matching socket, dropping segment", "dst_port", seg.DstPort, "remote", remoteAddr)
		return nil
	}

	switch socket.State {
	case Listen:
		return e.handleListen(socket, seg, remoteAddr)
	case SynSent:
		return e.handleSynSent(socket, seg)
	case SynReceived:
		return e.handleSynReceived(socket, seg)
	default:
		return fmt.Errorf("%w: state=%s flags=%s", ErrUnimplemented, socket.State, seg.Flags)
	}
}

func (e *Engine) handleListen(listener *Socket, seg Segment, remoteAddr net.IP) error {
	switch seg.Flags {
	case FlagACK:
		// RFC 793 would send RST here; this core drops it silently.
		return nil
	case FlagSYN:
		child := newSocket(listener.LocalAddr, listener.LocalPort, remoteAddr, seg.SrcPort, e.conn)
		child.Rcv.IRS = seg.Seq
		child.Rcv.NXT = seg.Seq + 1
		child.Snd.ISS = chooseISS()
		child.Snd.UNA = child.Snd.ISS
		child.Snd.NXT = child.Snd.ISS + 1
		child.Snd.WND = seg.Window
		child.State = SynReceived
		listenerID := listener.ID
		child.ListeningID = &listenerID

		e.log.Info("SYN received on listening socket", "listener", listener.ID, "child", child.ID)
		if err := child.Send(child.Snd.ISS, child.Rcv.NXT, FlagSYN|FlagACK, nil); err != nil {
			return err
		}
		e.table.insert(child)
		return nil
	default:
		e.log.Debug("ignoring segment on listening socket", "flags", seg.Flags)
		return nil
	}
}

func (e *Engine) handleSynSent(socket *Socket, seg Segment) error {
	if seg.Flags != (FlagSYN|FlagACK) {
		e.log.Debug("ignoring segment in SynSent", "flags", seg.Flags)
		return nil
	}
	if !seqLTE(socket.Snd.UNA, seg.Ack) || !seqLTE(seg.Ack, socket.Snd.NXT) {
		e.log.Debug("SYN|ACK outside send window, dropping", "socket", socket.ID)
		return nil
	}

	socket.Snd.UNA = seg.Ack
	socket.Snd.WND = seg.Window
	socket.Rcv.NXT = seg.Seq + 1
	socket.Rcv.IRS = seg.Seq

	if seqLT(socket.Snd.ISS, socket.Snd.UNA) {
		// Basic three-way handshake: RFC 793 §3.4 Figure 8.
		e.log.Debug("SYN|ACK received, sending ACK", "socket", socket.ID)
		if err := socket.Send(socket.Snd.NXT, socket.Rcv.NXT, FlagACK, nil); err != nil {
			return err
		}
		socket.State = Established
		e.rendez.Notify(Event{Kind: EventConnectionEstablished, ID: socket.ID})
		return nil
	}

	// Simultaneous open: RFC 793 §3.4 Figure 9.
	e.log.Debug("simultaneous open detected", "socket", socket.ID)
	socket.State = SynReceived
	return socket.Send(socket.Snd.ISS, socket.Rcv.NXT, FlagACK, nil)
}

func (e *Engine) handleSynReceived(socket *Socket, seg Segment) error {
	if seg.Flags != FlagACK {
		e.log.Debug("ignoring segment in SynReceived", "flags", seg.Flags)
		return nil
	}
	if !seqLTE(socket.Snd.UNA, seg.Ack) || !seqLTE(seg.Ack, socket.Snd.NXT) {
		e.log.Debug("ACK outside send window, dropping", "socket", socket.ID)
		return nil
	}

	socket.Rcv.NXT = seg.Seq + 1
	socket.Snd.UNA = seg.Ack
	socket.State = Established

	if socket.ListeningID != nil {
		listener := e.table.get(*socket.ListeningID)
		if listener != nil {
			listener.PendingAccepts = append(listener.PendingAccepts, socket.ID)
			e.log.Debug("enqueued established child on listener", "listener", listener.ID, "child", socket.ID)
			e.rendez.Notify(Event{Kind: EventConnectionEstablished, ID: *socket.ListeningID})
		}
	}
	return nil
}

// seqLTE reports whether a <= b in the modulo-2^32 sequence space, using
// signed-wraparound comparison (RFC 793 §3.3). With this core's restricted
// ISS range, the handshake never actually exercises the wraparound case,
// but the comparison is written correctly regardless.
func seqLTE(a, b uint32) bool {
	return int32(b-a) >= 0
}

// seqLT reports whether a < b in the modulo-2^32 sequence space.
func seqLT(a, b uint32) bool {
	return int32(b-a) > 0
}

// discardHandler is a slog.Handler that drops every record, used when no
// Logger is supplied to EngineConfig.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
