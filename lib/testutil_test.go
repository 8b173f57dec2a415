package lib

import (
	"net"
	"sync"
	"testing"
	"time"
)

var (
	testCoreOnce sync.Once
	testCore     *RudpCore
)

// getTestCore returns the shared core (and thus the shared payload pool)
// used by every test in this package.
func getTestCore(t *testing.T) *RudpCore {
	t.Helper()
	testCoreOnce.Do(func() {
		core, err := NewRudpCore(DefaultRudpCoreConfig())
		if err != nil {
			t.Fatalf("starting test core: %v", err)
		}
		testCore = core
	})
	return testCore
}

// fastConnConfig keeps handshake timing short so failure paths finish
// quickly in tests.
func fastConnConfig() *ConnectionConfig {
	return &ConnectionConfig{
		RetransmitInterval: 50 * time.Millisecond,
		ConnectRetries:     3,
	}
}

func loopbackZero() Endpoint {
	return NewEndpoint(net.IPv4(127, 0, 0, 1), 0)
}

// reserveUDPPort binds and releases a UDP port so a test can hand out an
// endpoint that is currently dead.
func reserveUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("reserving UDP port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// snapshot reads connection state from the owning event goroutine.
type connSnapshot struct {
	state            int
	nextSequence     uint32
	lastRemoteSeq    uint32
	hasLastRemoteSeq bool
	pendingData      int
	readWaiters      int
	inFlight         int
}

func snapshotConn(c *Connection) connSnapshot {
	resultChan := make(chan connSnapshot, 1)
	c.mux.post(func() {
		resultChan <- connSnapshot{
			state:            c.state,
			nextSequence:     c.nextSequence,
			lastRemoteSeq:    c.lastRemoteSeq,
			hasLastRemoteSeq: c.hasLastRemoteSeq,
			pendingData:      len(c.dataPending),
			readWaiters:      len(c.readWaiters),
			inFlight:         c.transmitQueue.Len(),
		}
	})
	return <-resultChan
}
