package lib

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// establishPair spins up a listening service, dials it, and returns both
// ends of the established connection plus the client's initial sequence.
func establishPair(t *testing.T) (client, server *Connection, srv *Service, clientISN uint32) {
	t.Helper()
	core := getTestCore(t)

	srv, err := core.Listen(loopbackZero(), fastConnConfig())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	local := loopbackZero()
	client, err = NewConnection(core, &local, fastConnConfig())
	require.NoError(t, err)
	clientISN = client.nextSequence // no other goroutine touches it yet
	t.Cleanup(func() { client.Close() })

	connectErr := make(chan error, 1)
	client.AsyncConnect(srv.LocalEndpoint(), func(err error) {
		connectErr <- err
	})

	acceptChan := make(chan *Connection, 1)
	go func() {
		conn, err := srv.Accept()
		if err == nil {
			acceptChan <- conn
		}
	}()

	select {
	case err := <-connectErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not complete")
	}
	select {
	case server = <-acceptChan:
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete")
	}
	t.Cleanup(func() { server.Close() })

	return client, server, srv, clientISN
}

func TestHappyConnect(t *testing.T) {
	client, server, _, clientISN := establishPair(t)

	clientSnap := snapshotConn(client)
	serverSnap := snapshotConn(server)

	require.Equal(t, StateEstablished, clientSnap.state)
	require.Equal(t, StateEstablished, serverSnap.state)

	// The passive side accepted the client's initial sequence, and the
	// client accepted the passive side's. Only the handshake has consumed
	// a sequence number on either side.
	require.True(t, serverSnap.hasLastRemoteSeq)
	require.Equal(t, clientISN, serverSnap.lastRemoteSeq)
	require.True(t, clientSnap.hasLastRemoteSeq)
	require.Equal(t, serverSnap.nextSequence-1, clientSnap.lastRemoteSeq)
}

func TestSendReceive(t *testing.T) {
	client, server, _, _ := establishPair(t)

	writeDone := make(chan ioResult, 1)
	go func() {
		n, err := client.Write([]byte("hello"))
		writeDone <- ioResult{n: n, err: err}
	}()

	buffer := make([]byte, 8)
	n, err := server.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buffer[:5]))

	// The send completion needs the piggyback ack from the reader's side.
	select {
	case result := <-writeDone:
		require.NoError(t, result.err)
		require.Equal(t, 5, result.n)
	case <-time.After(5 * time.Second):
		t.Fatal("send completion never fired")
	}

	require.Equal(t, 0, snapshotConn(client).inFlight)
}

func TestReceiveBeforeSend(t *testing.T) {
	client, server, _, _ := establishPair(t)

	// Arm the read first so delivery takes the waiter path.
	readDone := make(chan ioResult, 1)
	buffer := make([]byte, 16)
	server.AsyncReceive(buffer, func(err error, n int) {
		readDone <- ioResult{n: n, err: err}
	})

	require.Eventually(t, func() bool {
		return snapshotConn(server).readWaiters == 1
	}, time.Second, 5*time.Millisecond)

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case result := <-readDone:
		require.NoError(t, result.err)
		require.Equal(t, 4, result.n)
		require.Equal(t, "ping", string(buffer[:4]))
	case <-time.After(5 * time.Second):
		t.Fatal("read completion never fired")
	}
}

func TestMultipleMessagesInOrder(t *testing.T) {
	client, server, _, _ := establishPair(t)

	messages := []string{"one", "two", "three", "four"}
	go func() {
		for _, msg := range messages {
			if _, err := client.Write([]byte(msg)); err != nil {
				return
			}
		}
	}()

	buffer := make([]byte, 16)
	for _, want := range messages {
		n, err := server.Read(buffer)
		require.NoError(t, err)
		require.Equal(t, want, string(buffer[:n]))
	}
}

func TestOutOfOrderDataDropped(t *testing.T) {
	client, server, _, _ := establishPair(t)

	before := snapshotConn(server)

	// Inject a DATA packet two ahead of the last accepted sequence straight
	// through the client's multiplexer, bypassing the transmit queue.
	skipped := snapshotConn(client).nextSequence + 1 // one past the expected sequence
	remote := server.mux.LocalEndpoint()
	done := make(chan struct{})
	client.mux.post(func() {
		client.mux.sendPacket(DataPacket, remote, skipped, nil, 0, []byte("stray"))
		close(done)
	})
	<-done

	readDone := make(chan ioResult, 1)
	server.AsyncReceive(make([]byte, 16), func(err error, n int) {
		readDone <- ioResult{n: n, err: err}
	})

	select {
	case <-readDone:
		t.Fatal("out-of-order data was delivered")
	case <-time.After(300 * time.Millisecond):
	}

	after := snapshotConn(server)
	require.Equal(t, before.lastRemoteSeq, after.lastRemoteSeq)
	require.Equal(t, 0, after.pendingData)
}

func TestConnectUnspecifiedAddress(t *testing.T) {
	core := getTestCore(t)

	srv, err := core.Listen(loopbackZero(), fastConnConfig())
	require.NoError(t, err)
	defer srv.Close()

	local := loopbackZero()
	client, err := NewConnection(core, &local, fastConnConfig())
	require.NoError(t, err)
	defer client.Close()

	go srv.Accept()

	// 0.0.0.0 must be rewritten to 127.0.0.1 of the same port.
	target := NewEndpoint(net.IPv4zero, srv.LocalEndpoint().Port)
	require.NoError(t, client.Connect(target))
	require.Equal(t, "127.0.0.1", client.RemoteAddr().(Endpoint).IP.String())
}

func TestConnectUnbound(t *testing.T) {
	core := getTestCore(t)

	conn, err := NewConnection(core, nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, conn.Connect(NewEndpoint(net.IPv4(127, 0, 0, 1), 9)), ErrNotBound)

	_, err = conn.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNotBound)

	_, err = conn.Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrNotBound)
}

func TestConnectWhileConnected(t *testing.T) {
	client, _, srv, _ := establishPair(t)

	err := client.Connect(srv.LocalEndpoint())
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectTimeout(t *testing.T) {
	core := getTestCore(t)

	deadPort := reserveUDPPort(t)
	local := loopbackZero()
	client, err := NewConnection(core, &local, fastConnConfig())
	require.NoError(t, err)
	defer client.Close()

	err = client.Connect(NewEndpoint(net.IPv4(127, 0, 0, 1), deadPort))
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.Equal(t, StateClosed, client.State())
}

func TestResolverFallthrough(t *testing.T) {
	core := getTestCore(t)

	srv, err := core.Listen(loopbackZero(), fastConnConfig())
	require.NoError(t, err)
	defer srv.Close()
	go srv.Accept()

	resolver := &StaticResolver{Endpoints: []Endpoint{
		NewEndpoint(net.IPv4(127, 0, 0, 1), reserveUDPPort(t)), // nobody listening
		srv.LocalEndpoint(),
	}}

	local := loopbackZero()
	client, err := NewConnection(core, &local, fastConnConfig())
	require.NoError(t, err)
	defer client.Close()

	errChan := make(chan error, 1)
	client.AsyncConnectHost(resolver, "example.net", "echo", func(err error) {
		errChan <- err
	})

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("connect never completed")
	}
	require.Equal(t, StateEstablished, client.State())
}

func TestResolverNoEndpoints(t *testing.T) {
	core := getTestCore(t)

	local := loopbackZero()
	client, err := NewConnection(core, &local, fastConnConfig())
	require.NoError(t, err)
	defer client.Close()

	errChan := make(chan error, 1)
	client.AsyncConnectHost(&StaticResolver{}, "nowhere.invalid", "echo", func(err error) {
		errChan <- err
	})
	require.ErrorIs(t, <-errChan, ErrHostNotFound)
}

func TestDuplicateRemoteRejected(t *testing.T) {
	core := getTestCore(t)

	deadRemote := NewEndpoint(net.IPv4(127, 0, 0, 1), reserveUDPPort(t))

	local := loopbackZero()
	first, err := NewConnection(core, &local, &ConnectionConfig{
		RetransmitInterval: time.Second,
		ConnectRetries:     30,
	})
	require.NoError(t, err)
	defer first.Close()

	// Keep the first attempt pending while the second one collides.
	first.AsyncConnect(deadRemote, func(err error) {})

	require.Eventually(t, func() bool {
		return first.State() == StateConnecting
	}, time.Second, 5*time.Millisecond)

	shared := first.LocalEndpoint()
	second, err := NewConnection(core, &shared, fastConnConfig())
	require.NoError(t, err)
	defer second.Close()

	require.ErrorIs(t, second.Connect(deadRemote), ErrDuplicateRemote)
}

func TestCloseCancelsPendingOperations(t *testing.T) {
	client, server, _, _ := establishPair(t)
	_ = server

	readDone := make(chan error, 1)
	client.AsyncReceive(make([]byte, 8), func(err error, n int) {
		readDone <- err
	})

	require.Eventually(t, func() bool {
		return snapshotConn(client).readWaiters == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	select {
	case err := <-readDone:
		require.ErrorIs(t, err, ErrOperationCanceled)
	case <-time.After(time.Second):
		t.Fatal("pending receive not canceled on close")
	}

	_, err := client.Write([]byte("late"))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestPayloadTooLarge(t *testing.T) {
	client, _, _, _ := establishPair(t)

	oversized := make([]byte, client.mux.preferredMSS+1)
	_, err := client.Write(oversized)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}
