package lib

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Multiplexer owns one bound UDP endpoint and shares it among multiple
// logical connections distinguished by remote endpoint. One listener slot
// catches handshakes from unknown remotes for the passive open path.
//
// All connection and queue state hanging off a multiplexer is confined to
// its event goroutine: external callers post closures onto the exec queue,
// the receive goroutine posts parsed packets, and timers post their
// expiries. Nothing else touches that state, so no locks guard it.
type Multiplexer struct {
	core          *RudpCore
	localEndpoint Endpoint
	udpConn       *net.UDPConn
	connectionMap map[string]*Connection // keyed by remote endpoint
	listenerSlot  *Connection
	execMu        sync.Mutex
	execQueue     []func()
	execSignal    chan struct{}
	closeSignal   chan struct{}
	wg            sync.WaitGroup
	receiving     bool
	sendBuffer    []byte
	preferredMSS  int
}

func newMultiplexer(core *RudpCore, local Endpoint) (*Multiplexer, error) {
	udpConn, err := net.ListenUDP("udp", local.udpAddr())
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", local, err)
	}

	m := &Multiplexer{
		core:          core,
		localEndpoint: endpointFromUDPAddr(udpConn.LocalAddr().(*net.UDPAddr)),
		udpConn:       udpConn,
		connectionMap: make(map[string]*Connection),
		execSignal:    make(chan struct{}, 1),
		closeSignal:   make(chan struct{}),
		sendBuffer:    make([]byte, core.config.PreferredMSS+HeaderLength),
		preferredMSS:  core.config.PreferredMSS,
	}

	m.wg.Add(1)
	go m.run()

	return m, nil
}

// run is the event loop serialising all state owned by this multiplexer.
func (m *Multiplexer) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.closeSignal:
			return
		case <-m.execSignal:
		}
		for {
			m.execMu.Lock()
			if len(m.execQueue) == 0 {
				m.execMu.Unlock()
				break
			}
			f := m.execQueue[0]
			m.execQueue = m.execQueue[1:]
			m.execMu.Unlock()
			f()
		}
	}
}

// post hands f to the event goroutine. The queue is unbounded so posting
// never blocks, in particular not from the event goroutine itself. Posts
// after close are dropped.
func (m *Multiplexer) post(f func()) {
	select {
	case <-m.closeSignal:
		return
	default:
	}
	m.execMu.Lock()
	m.execQueue = append(m.execQueue, f)
	m.execMu.Unlock()
	select {
	case m.execSignal <- struct{}{}:
	default:
	}
}

// LocalEndpoint returns the bound local endpoint.
func (m *Multiplexer) LocalEndpoint() Endpoint {
	return m.localEndpoint
}

// add registers a connection. A listening connection takes the listener
// slot; anything else is keyed by its current remote endpoint. Fails if an
// entry for the same remote (or the slot) is already taken.
func (m *Multiplexer) add(conn *Connection) error {
	if conn.state == StateListening {
		if m.listenerSlot != nil {
			return ErrAlreadyListening
		}
		m.listenerSlot = conn
		return nil
	}
	key := conn.remote.key()
	if _, ok := m.connectionMap[key]; ok {
		return ErrDuplicateRemote
	}
	m.connectionMap[key] = conn
	return nil
}

// remove unregisters a connection from the slot or the remote map.
func (m *Multiplexer) remove(conn *Connection) {
	if m.listenerSlot == conn {
		m.listenerSlot = nil
		return
	}
	key := conn.remote.key()
	if m.connectionMap[key] == conn {
		delete(m.connectionMap, key)
	}
}

// promote moves a listening connection out of the slot and registers it
// under the remote it accepted.
func (m *Multiplexer) promote(conn *Connection, remote Endpoint) error {
	key := remote.key()
	if _, ok := m.connectionMap[key]; ok {
		return ErrDuplicateRemote
	}
	if m.listenerSlot == conn {
		m.listenerSlot = nil
	}
	m.connectionMap[key] = conn
	return nil
}

// startReceive makes sure the receive loop is armed. Callable repeatedly;
// only one low-level receive loop ever runs.
func (m *Multiplexer) startReceive() {
	if m.receiving {
		return
	}
	m.receiving = true
	m.wg.Add(1)
	go m.receiveLoop()
}

func (m *Multiplexer) receiveLoop() {
	defer m.wg.Done()

	buffer := make([]byte, m.preferredMSS+HeaderLength)
	for {
		select {
		case <-m.closeSignal:
			return
		default:
		}

		// The read deadline keeps the loop responsive to closeSignal.
		m.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := m.udpConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-m.closeSignal:
			default:
				log.Println("multiplexer.receiveLoop: error reading:", err)
			}
			return
		}

		// Unmarshal copies the payload into a pooled chunk, so the read
		// buffer is free for reuse before the packet crosses goroutines.
		packet := &RudpPacket{}
		err = packet.Unmarshal(buffer[:n], endpointFromUDPAddr(addr), m.localEndpoint)
		if err != nil {
			log.WithFields(log.Fields{
				"remote": addr.String(),
				"length": n,
			}).Warn("Received malformed datagram. Ignore it!")
			continue
		}

		m.post(func() {
			m.dispatch(packet)
		})
	}
}

// dispatch routes one inbound packet to its connection by source address.
// Acks are processed before any co-arriving DATA payload.
func (m *Multiplexer) dispatch(packet *RudpPacket) {
	conn, ok := m.connectionMap[packet.SrcAddr.key()]
	if !ok && packet.Kind == HandshakePacket {
		conn = m.listenerSlot
	}
	if conn == nil {
		log.WithFields(log.Fields{
			"remote": packet.SrcAddr.String(),
			"kind":   packet.Kind,
		}).Debug("Received packet for non-existent connection. Dropped.")
		packet.ReturnChunk()
		return
	}

	if packet.Kind == HandshakePacket {
		conn.processHandshake(packet.SequenceNumber, packet.SrcAddr)
		if packet.AckPresent {
			conn.processAcknowledgement(packet.AckNumber)
		}
		return
	}

	if packet.AckPresent {
		conn.processAcknowledgement(packet.AckNumber)
	}
	if packet.Kind == DataPacket {
		conn.processData(nil, packet.SequenceNumber, len(packet.Payload), packet)
	} else {
		packet.ReturnChunk()
	}
}

// sendHandshake serialises and transmits one HANDSHAKE datagram. It does not
// retransmit; that is the transmit queue's job.
func (m *Multiplexer) sendHandshake(remote Endpoint, sequence uint32, ack *uint32, ackField uint16, handler func(err error)) {
	err := m.sendPacket(HandshakePacket, remote, sequence, ack, ackField, nil)
	m.post(func() {
		handler(err)
	})
}

// sendKeepalive serialises and transmits one KEEPALIVE datagram.
func (m *Multiplexer) sendKeepalive(remote Endpoint, sequence uint32, ack *uint32, ackField uint16, handler func(err error)) {
	err := m.sendPacket(KeepalivePacket, remote, sequence, ack, ackField, nil)
	m.post(func() {
		handler(err)
	})
}

// sendData serialises and transmits one DATA datagram carrying payload.
func (m *Multiplexer) sendData(payload []byte, remote Endpoint, sequence uint32, ack *uint32, ackField uint16, handler func(err error, n int)) {
	err := m.sendPacket(DataPacket, remote, sequence, ack, ackField, payload)
	n := len(payload)
	m.post(func() {
		handler(err, n)
	})
}

func (m *Multiplexer) sendPacket(kind uint8, remote Endpoint, sequence uint32, ack *uint32, ackField uint16, payload []byte) error {
	packet := &RudpPacket{
		Kind:           kind,
		SequenceNumber: sequence,
		AckField:       ackField,
		Payload:        payload,
	}
	if ack != nil {
		packet.AckPresent = true
		packet.AckNumber = *ack
	}

	n, err := packet.Marshal(m.sendBuffer)
	if err != nil {
		return err
	}
	_, err = m.udpConn.WriteToUDP(m.sendBuffer[:n], remote.udpAddr())
	if err != nil {
		log.WithFields(log.Fields{
			"remote": remote.String(),
			"kind":   kind,
		}).Warn("Error writing packet: ", err)
	}
	return err
}

// Close tears down every registered connection, stops the loops and releases
// the socket.
func (m *Multiplexer) Close() error {
	done := make(chan struct{})
	m.post(func() {
		for _, conn := range m.connectionMap {
			conn.teardownLocked(ErrConnectionClosed)
		}
		if m.listenerSlot != nil {
			m.listenerSlot.teardownLocked(ErrConnectionClosed)
		}
		close(done)
	})
	select {
	case <-done:
	case <-m.closeSignal: // already closed
	}

	select {
	case <-m.closeSignal:
		return nil
	default:
		close(m.closeSignal)
	}
	err := m.udpConn.Close()
	m.wg.Wait()

	m.core.removeMultiplexer(m)
	log.Printf("Multiplexer on %s closed gracefully.", m.localEndpoint)
	return err
}
