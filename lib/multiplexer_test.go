package lib

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartReceiveIsIdempotent(t *testing.T) {
	client, server, _, _ := establishPair(t)

	// Re-arming the receive loop repeatedly must not spawn extra readers
	// or disturb traffic.
	done := make(chan struct{})
	server.mux.post(func() {
		for i := 0; i < 5; i++ {
			server.mux.startReceive()
		}
		close(done)
	})
	<-done

	go client.Write([]byte("still works"))

	buffer := make([]byte, 32)
	n, err := server.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, "still works", string(buffer[:n]))
}

func TestForeignTrafficIgnored(t *testing.T) {
	client, server, _, _ := establishPair(t)

	// Blast the server's endpoint from an unrelated socket: garbage bytes
	// and a well-formed packet from an unknown remote.
	foreign, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer foreign.Close()

	target := server.mux.LocalEndpoint().udpAddr()
	_, err = foreign.WriteToUDP([]byte{0xde, 0xad}, target)
	require.NoError(t, err)

	stray := &RudpPacket{Kind: DataPacket, SequenceNumber: 1, Payload: []byte("stray")}
	frame := make([]byte, 64)
	n, err := stray.Marshal(frame)
	require.NoError(t, err)
	_, err = foreign.WriteToUDP(frame[:n], target)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// The established connection is unaffected.
	go client.Write([]byte("real"))
	buffer := make([]byte, 16)
	rn, err := server.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, "real", string(buffer[:rn]))
	require.Equal(t, 0, snapshotConn(server).pendingData)
}

func TestConnectionRegisteredWhileOpen(t *testing.T) {
	client, _, _, _ := establishPair(t)

	key := snapshotRemoteKey(client)
	registered := func() bool {
		resultChan := make(chan bool, 1)
		client.mux.post(func() {
			_, ok := client.mux.connectionMap[key]
			resultChan <- ok
		})
		return <-resultChan
	}

	require.True(t, registered(), "established connection missing from the multiplexer table")

	require.NoError(t, client.Close())
	require.False(t, registered(), "closed connection still in the multiplexer table")
}

func snapshotRemoteKey(c *Connection) string {
	resultChan := make(chan string, 1)
	c.mux.post(func() {
		resultChan <- c.remote.key()
	})
	return <-resultChan
}
