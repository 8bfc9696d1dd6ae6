package tcp4

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netstackgo/usertcp/rawip"
)

// bridge forwards every datagram a sends to b, as if delivered over the
// wire, until the test goroutine exits (the fake's Close unblocks Sent).
func bridge(t *testing.T, a, b *rawip.FakeConn) {
	t.Helper()
	go func() {
		for {
			payload, dst, ok := a.Sent()
			if !ok {
				return
			}
			b.Deliver(payload, dst, a.LocalAddr())
		}
	}()
}

// assertInvariants checks the data-model invariants that must hold of every
// socket in the table at any point after a segment has been handled.
func assertInvariants(t *testing.T, table *socketTable) {
	t.Helper()
	for id, s := range table.snapshot() {
		require.Equal(t, id, s.ID)

		if s.State == Listen {
			require.True(t, s.ID.isWildcardRemote())
		} else {
			require.False(t, s.ID.isWildcardRemote())
		}

		if s.State != SynSent && s.State != Listen && s.State != Closed {
			require.True(t, seqLTE(s.Snd.UNA, s.Snd.NXT))
		}

		if s.State == Established {
			require.True(t, seqLT(s.Snd.ISS, s.Snd.UNA))
			require.True(t, seqLT(s.Rcv.IRS, s.Rcv.NXT))
		}

		if s.State != Listen {
			require.Empty(t, s.PendingAccepts)
		}
	}
}

func TestBasicHandshakeEstablishesBothSides(t *testing.T) {
	clientConn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 1), 8)
	serverConn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 2), 8)
	bridge(t, clientConn, serverConn)
	bridge(t, serverConn, clientConn)

	client := NewEngine(clientConn, EngineConfig{})
	server := NewEngine(serverConn, EngineConfig{})
	defer client.Close()
	defer server.Close()

	listenID, err := server.Listen(net.IPv4(10, 0, 0, 2), 9000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type acceptResult struct {
		id  SocketId
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		id, err := server.Accept(ctx, listenID)
		acceptCh <- acceptResult{id, err}
	}()

	clientID, err := client.Connect(ctx, net.IPv4(10, 0, 0, 2), 9000)
	require.NoError(t, err)

	res := <-acceptCh
	require.NoError(t, res.err)

	require.Equal(t, "10.0.0.1", clientID.LocalAddr)
	require.Equal(t, "10.0.0.2", clientID.RemoteAddr)
	require.Equal(t, "10.0.0.2", res.id.LocalAddr)
	require.Equal(t, "10.0.0.1", res.id.RemoteAddr)

	assertInvariants(t, client.table)
	assertInvariants(t, server.table)

	client.table.mu.RLock()
	clientSocket := client.table.get(clientID)
	client.table.mu.RUnlock()
	require.NotNil(t, clientSocket)
	require.Equal(t, Established, clientSocket.State)

	server.table.mu.RLock()
	serverSocket := server.table.get(res.id)
	server.table.mu.RUnlock()
	require.NotNil(t, serverSocket)
	require.Equal(t, Established, serverSocket.State)
}

func TestListenSocketDropsBareACK(t *testing.T) {
	conn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 2), 8)
	server := NewEngine(conn, EngineConfig{})
	defer server.Close()

	listenID, err := server.Listen(net.IPv4(10, 0, 0, 2), 9000)
	require.NoError(t, err)

	buf := Build(5555, 9000, 100, 200, FlagACK, 4380, nil, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2))
	conn.Deliver(buf, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1))

	time.Sleep(50 * time.Millisecond)

	server.table.mu.RLock()
	listener := server.table.get(listenID)
	server.table.mu.RUnlock()
	require.NotNil(t, listener)
	require.Equal(t, Listen, listener.State)
	require.Empty(t, listener.PendingAccepts)
}

func TestUnverifiableChecksumIsDropped(t *testing.T) {
	conn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 2), 8)
	server := NewEngine(conn, EngineConfig{})
	defer server.Close()

	_, err := server.Listen(net.IPv4(10, 0, 0, 2), 9000)
	require.NoError(t, err)

	buf := Build(5555, 9000, 100, 0, FlagSYN, 4380, nil, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2))
	buf[13] ^= 0xff // corrupt flags after the checksum was computed

	conn.Deliver(buf, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1))

	// No SYN|ACK should ever be sent for a segment that fails verification.
	select {
	case <-func() chan struct{} {
		ch := make(chan struct{})
		go func() {
			conn.Sent()
			close(ch)
		}()
		return ch
	}():
		t.Fatal("engine sent a reply to a segment with a bad checksum")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectContextCancellationReturnsError(t *testing.T) {
	conn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 1), 8)
	client := NewEngine(conn, EngineConfig{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Connect(ctx, net.IPv4(10, 0, 0, 2), 9000)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptUnknownListenerFails(t *testing.T) {
	conn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 2), 8)
	server := NewEngine(conn, EngineConfig{})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := server.Accept(ctx, SocketId{LocalAddr: "10.0.0.2", LocalPort: 1234, RemoteAddr: "0.0.0.0"})
	require.ErrorIs(t, err, ErrNoSuchSocket)
}

// TestSimultaneousOpen drives the SynSent+SYN|ACK guard branch that RFC 793
// §3.4 Figure 9 covers: both ends sent a bare SYN before either saw the
// other's, so the arriving segment acknowledges nothing of ours yet.
// A single SynSent socket is seeded directly (bypassing Connect's ephemeral
// port allocation, which cannot produce reciprocal ports deterministically)
// to isolate the transition-table guard under test.
func TestSimultaneousOpen(t *testing.T) {
	conn := rawip.NewFakeConn(net.IPv4(10, 0, 0, 1), 8)
	engine := NewEngine(conn, EngineConfig{})
	defer engine.Close()

	local := newSocket(net.IPv4(10, 0, 0, 1), 7000, net.IPv4(10, 0, 0, 2), 7000, conn)
	local.Snd.ISS = 1000
	local.Snd.UNA = 1000
	local.Snd.NXT = 1001
	local.State = SynSent
	engine.table.mu.Lock()
	engine.table.insert(local)
	engine.table.mu.Unlock()

	// Peer's SYN|ACK has ack=1000 (== our ISS, not ISS+1): it has not yet
	// seen our SYN acknowledged, only coincidentally opened toward us at
	// the same time, which is exactly the simultaneous-open guard.
	peerSegment := Build(7000, 7000, 2000, 1000, FlagSYN|FlagACK, 4380, nil, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1))
	conn.Deliver(peerSegment, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2))

	sent, _, ok := conn.Sent()
	require.True(t, ok)
	reply, err := Decode(sent)
	require.NoError(t, err)
	require.Equal(t, FlagACK, reply.Flags)

	engine.table.mu.RLock()
	s := engine.table.get(local.ID)
	engine.table.mu.RUnlock()
	require.NotNil(t, s)
	require.Equal(t, SynReceived, s.State)

	// Completing with the peer's final ACK reaches Established.
	finalAck := Build(7000, 7000, 2001, s.Snd.NXT, FlagACK, 4380, nil, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1))
	conn.Deliver(finalAck, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2))

	require.Eventually(t, func() bool {
		engine.table.mu.RLock()
		defer engine.table.mu.RUnlock()
		return engine.table.get(local.ID).State == Established
	}, time.Second, 10*time.Millisecond)

	assertInvariants(t, engine.table)
}
