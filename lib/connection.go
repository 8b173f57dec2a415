package lib

import (
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	log "github.com/sirupsen/logrus"
)

// ConnectHandler is the one-shot completion of a connect or listen.
type ConnectHandler func(err error)

// ReceiveHandler is the completion of one receive: err plus the payload size
// of the delivered datagram.
type ReceiveHandler func(err error, n int)

// ConnectionConfig carries the per-connection tunables.
type ConnectionConfig struct {
	RetransmitInterval time.Duration // per-packet retransmit timer
	ConnectRetries     int           // handshake transmit attempts before a connect attempt fails
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		RetransmitInterval: 1000 * time.Millisecond,
		ConnectRetries:     5,
	}
}

// readWaiter is a user receive waiting for data.
type readWaiter struct {
	buffer  []byte
	handler ReceiveHandler
}

// pendingData is a received payload waiting for a user receive.
type pendingData struct {
	err   error
	chunk *rp.Element
	size  int
}

// Connection is the per-peer state machine of the transport. It exposes the
// async connect/send/receive operations to the user and consumes the
// process* callbacks from the multiplexer.
//
// Lifecycle: closed -> connecting -> handshaking -> established on the
// active side, closed -> listening -> established on the passive side. A
// torn-down connection returns to closed.
//
// All fields are owned by the multiplexer's event goroutine; the public
// methods post onto it.
type Connection struct {
	config *ConnectionConfig
	mux    *Multiplexer

	state            int
	remote           Endpoint
	hasRemote        bool
	nextSequence     uint32 // seq of the next outgoing HANDSHAKE or DATA
	lastRemoteSeq    uint32 // last accepted inbound seq
	hasLastRemoteSeq bool

	readWaiters []readWaiter  // user receives waiting for data, FIFO
	dataPending []pendingData // received payloads waiting for a receive, FIFO
	torndown    bool          // set once the connection is torn down for good

	transmitQueue  *TransmitQueue
	connectHandler ConnectHandler // one-shot, in-flight connect or listen
}

// NewConnection creates a connection bound to local. A nil local leaves the
// connection unbound; every network operation then fails with ErrNotBound.
func NewConnection(core *RudpCore, local *Endpoint, config *ConnectionConfig) (*Connection, error) {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	isn, err := randomInitialSeq()
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		config:       config,
		state:        StateClosed,
		nextSequence: isn,
	}

	if local != nil {
		mux, err := core.getMultiplexer(*local)
		if err != nil {
			return nil, err
		}
		conn.mux = mux
		conn.transmitQueue = newTransmitQueue(mux.post)
	}

	return conn, nil
}

// LocalEndpoint returns the bound local endpoint.
func (c *Connection) LocalEndpoint() Endpoint {
	if c.mux == nil {
		return Endpoint{}
	}
	return c.mux.LocalEndpoint()
}

// AsyncConnect starts the active open towards remote. An unspecified remote
// address is rewritten to the loopback of the matching family. The handler
// fires once the handshake exchange is acknowledged, or with the error that
// ended the attempt.
func (c *Connection) AsyncConnect(remote Endpoint, handler ConnectHandler) {
	if c.mux == nil {
		// Connection must be bound to a local endpoint
		go handler(ErrNotBound)
		return
	}
	c.mux.post(func() {
		c.connectLocked(remote, handler)
	})
}

func (c *Connection) connectLocked(remote Endpoint, handler ConnectHandler) {
	switch c.state {
	case StateClosed:
		remote = remote.withLoopback()

		c.torndown = false
		c.state = StateConnecting
		c.remote = remote
		c.hasRemote = true
		if err := c.mux.add(c); err != nil {
			c.state = StateClosed
			handler(err)
			return
		}
		c.connectHandler = handler

		c.mux.startReceive()
		c.pushHandshake(nil, nil, func(err error, _ int) {
			if err != nil {
				c.teardownLocked(err)
				return
			}
			c.fireConnectHandler(nil)
		})

	case StateEstablished:
		handler(ErrAlreadyConnected)

	default:
		handler(ErrAlreadyStarted)
	}
}

// AsyncConnectHost resolves host/service and attempts each resolved endpoint
// in order. The handler fires with success on the first attempt that
// completes, or with the last error once every endpoint is exhausted.
func (c *Connection) AsyncConnectHost(resolver Resolver, host, service string, handler ConnectHandler) {
	if c.mux == nil {
		go handler(ErrNotBound)
		return
	}
	if resolver == nil {
		resolver = DefaultResolver
	}
	go func() {
		endpoints, err := resolver.Resolve(host, service)
		if err != nil {
			handler(err)
			return
		}
		if len(endpoints) == 0 {
			handler(ErrHostNotFound)
			return
		}
		c.mux.post(func() {
			c.nextConnectLocked(endpoints, 0, handler)
		})
	}()
}

func (c *Connection) nextConnectLocked(endpoints []Endpoint, index int, handler ConnectHandler) {
	c.connectLocked(endpoints[index], func(err error) {
		if err == nil {
			handler(nil)
			return
		}
		if index+1 == len(endpoints) {
			// No addresses left to connect to
			handler(err)
			return
		}
		log.WithFields(log.Fields{
			"endpoint": endpoints[index].String(),
		}).Debug("Connect attempt failed, trying next resolved endpoint: ", err)
		c.nextConnectLocked(endpoints, index+1, handler)
	})
}

// Listen arms the connection as the passive side: it takes the multiplexer's
// listener slot and waits for a peer handshake. The handler fires when a
// handshake completes and the connection is established.
func (c *Connection) Listen(handler ConnectHandler) {
	if c.mux == nil {
		go handler(ErrNotBound)
		return
	}
	c.mux.post(func() {
		if c.state != StateClosed {
			handler(ErrAlreadyStarted)
			return
		}
		c.torndown = false
		c.state = StateListening
		if err := c.mux.add(c); err != nil {
			c.state = StateClosed
			handler(err)
			return
		}
		c.connectHandler = handler
		c.mux.startReceive()
	})
}

// AsyncSend queues one datagram carrying data. The handler fires when the
// peer acknowledges the sequence, not when the datagram hits the wire.
func (c *Connection) AsyncSend(data []byte, handler SendHandler) {
	if c.mux == nil {
		go handler(ErrNotBound, 0)
		return
	}
	if len(data) > c.mux.preferredMSS {
		go handler(ErrPayloadTooLarge, 0)
		return
	}
	c.mux.post(func() {
		if c.torndown {
			handler(ErrConnectionClosed, 0)
			return
		}
		if !c.hasRemote {
			handler(ErrNotConnected, 0)
			return
		}

		// The payload is copied into a pooled chunk owned by the queue
		// entry so the send step stays replayable after the caller
		// reuses its buffer.
		chunk := Pool.GetElement()
		if err := chunk.Data.(*Payload).Copy(data); err != nil {
			Pool.ReturnElement(chunk)
			handler(err, 0)
			return
		}
		payload := chunk.Data.(*Payload).GetSlice()

		sequence := c.nextSequence
		c.nextSequence = nextSeq(c.nextSequence)
		size := len(data)

		sendStep := func(done iterationHandler) {
			// The piggybacked ack is read at transmit time so
			// retransmits carry the current value.
			c.mux.sendData(payload, c.remote, sequence, c.currentAck(), 0, func(err error, n int) {
				done(err, n)
			})
		}

		c.mux.startReceive()
		c.transmitQueue.Push(sequence, size, c.config.RetransmitInterval, 0, sendStep, func(err error, n int) {
			Pool.ReturnElement(chunk)
			handler(err, n)
		})
	})
}

// AsyncReceive delivers the next datagram payload into buffer. Completions
// for concurrent receives fire in submission order.
func (c *Connection) AsyncReceive(buffer []byte, handler ReceiveHandler) {
	if c.mux == nil {
		go handler(ErrNotBound, 0)
		return
	}
	c.mux.post(func() {
		if c.torndown && len(c.dataPending) == 0 {
			handler(ErrConnectionClosed, 0)
			return
		}
		if len(c.dataPending) == 0 {
			c.readWaiters = append(c.readWaiters, readWaiter{buffer: buffer, handler: handler})
			c.mux.startReceive()
			return
		}

		// Data already buffered: claim the head now so later receives
		// keep submission order, then deliver through one more
		// event-loop hop.
		output := c.dataPending[0]
		c.dataPending = c.dataPending[1:]
		c.mux.post(func() {
			if output.chunk != nil {
				copy(buffer, output.chunk.Data.(*Payload).GetSlice())
				Pool.ReturnElement(output.chunk)
			}
			c.sendAckKeepalive()
			handler(output.err, output.size)
		})
	})
}

// processHandshake consumes a peer HANDSHAKE carrying its initial sequence.
func (c *Connection) processHandshake(initial uint32, remote Endpoint) {
	switch c.state {
	case StateListening:
		// Passive open: answer with our own handshake acking the peer's
		// initial sequence.
		if err := c.mux.promote(c, remote); err != nil {
			log.WithFields(log.Fields{
				"remote": remote.String(),
			}).Warn("Cannot accept handshake: ", err)
			return
		}
		c.remote = remote
		c.hasRemote = true

		ack := initial
		c.pushHandshake(&ack, func(err error) {
			// First wire transmit of the reply finished.
			if err != nil {
				c.teardownLocked(err)
				return
			}
			c.state = StateEstablished
			c.lastRemoteSeq = initial
			c.hasLastRemoteSeq = true
			c.fireConnectHandler(nil)
		}, func(err error, _ int) {
			if err != nil {
				c.teardownLocked(err)
			}
		})

	case StateConnecting:
		// Active open, first reply from the peer: ack it with a
		// keepalive; the peer's ack completes the transition.
		c.state = StateHandshaking
		c.lastRemoteSeq = initial
		c.hasLastRemoteSeq = true

		ack := initial
		c.mux.sendKeepalive(c.remote, c.nextSequence, &ack, 0, func(err error) {
			if err != nil {
				c.teardownLocked(err)
				return
			}
			if c.state == StateHandshaking {
				c.state = StateEstablished
			}
		})

	default:
		// Handshake in handshaking/established/closed is a protocol
		// violation; hardened behavior is drop and log.
		log.WithFields(log.Fields{
			"remote": remote.String(),
			"state":  c.state,
		}).Warn("Unexpected handshake. Dropped.")
	}
}

// processAcknowledgement consumes a cumulative ack.
func (c *Connection) processAcknowledgement(ack uint32) {
	finishHandshake := false

	switch c.state {
	case StateEstablished:
		// normal ack handling below
	case StateHandshaking:
		c.state = StateEstablished
		finishHandshake = true
	case StateListening:
		// stray, ignore
		return
	default:
		log.WithFields(log.Fields{
			"state": c.state,
			"ack":   ack,
		}).Warn("Unexpected acknowledgement. Dropped.")
		return
	}

	c.transmitQueue.ApplyAck(ack)

	if finishHandshake {
		c.fireConnectHandler(nil)
	}
}

// processData consumes an inbound DATA payload. The packet's pooled chunk is
// either handed to the pending queue or returned here.
func (c *Connection) processData(err error, sequence uint32, size int, packet *RudpPacket) {
	if !c.isExpectedPacket(sequence) {
		log.WithFields(log.Fields{
			"sequence": sequence,
		}).Debug("Out-of-order data packet. Dropped.")
		packet.ReturnChunk()
		return
	}

	c.lastRemoteSeq = sequence
	c.hasLastRemoteSeq = true

	if len(c.readWaiters) == 0 {
		c.dataPending = append(c.dataPending, pendingData{
			err:   err,
			chunk: packet.DetachChunk(),
			size:  size,
		})
		return
	}

	waiter := c.readWaiters[0]
	c.readWaiters = c.readWaiters[1:]
	if err == nil {
		copy(waiter.buffer, packet.Payload)
	}
	packet.ReturnChunk()

	// Return the ack piggyback even though no user data is outbound.
	c.sendAckKeepalive()

	waiter.handler(err, size)
}

// isExpectedPacket applies the inbound accept filter: only the sequence one
// after the previous one is let in. Loosening this to "any sequence newer
// than the last" requires a reorder buffer and belongs here.
func (c *Connection) isExpectedPacket(sequence uint32) bool {
	if c.hasLastRemoteSeq {
		if nextSeq(c.lastRemoteSeq) != sequence {
			return false
		}
	}
	return true
}

// pushHandshake queues a HANDSHAKE for (re)transmission. onSent, if present,
// fires after the first wire transmit attempt; completion fires when the
// entry leaves the queue.
func (c *Connection) pushHandshake(ack *uint32, onSent func(err error), completion SendHandler) {
	sequence := c.nextSequence
	c.nextSequence = nextSeq(c.nextSequence)

	first := true
	sendStep := func(done iterationHandler) {
		c.mux.sendHandshake(c.remote, sequence, ack, 0, func(err error) {
			if first {
				first = false
				if onSent != nil {
					onSent(err)
				}
			}
			done(err, 0)
		})
	}

	c.transmitQueue.Push(sequence, 0, c.config.RetransmitInterval, c.config.ConnectRetries, sendStep, completion)
}

// sendAckKeepalive returns the current cumulative ack in a header-only
// packet. Keepalives are not queued and do not consume a sequence number.
func (c *Connection) sendAckKeepalive() {
	if !c.hasLastRemoteSeq || !c.hasRemote || c.torndown {
		return
	}
	ack := c.lastRemoteSeq
	c.mux.sendKeepalive(c.remote, c.nextSequence, &ack, 0, func(err error) {
		if err != nil {
			log.Debug("Keepalive transmit failed: ", err)
		}
	})
}

func (c *Connection) currentAck() *uint32 {
	if !c.hasLastRemoteSeq {
		return nil
	}
	ack := c.lastRemoteSeq
	return &ack
}

func (c *Connection) fireConnectHandler(err error) {
	if c.connectHandler == nil {
		return
	}
	handler := c.connectHandler
	c.connectHandler = nil
	handler(err)
}

// teardownLocked deregisters the connection, fails everything pending and
// returns the state machine to closed. Runs on the event goroutine.
func (c *Connection) teardownLocked(err error) {
	if c.torndown {
		return
	}
	c.torndown = true
	if c.state != StateClosed {
		c.mux.remove(c)
	}
	c.state = StateClosed

	c.transmitQueue.CancelAll(err)

	waiters := c.readWaiters
	c.readWaiters = nil
	for _, waiter := range waiters {
		waiter.handler(err, 0)
	}

	pending := c.dataPending
	c.dataPending = nil
	for _, output := range pending {
		if output.chunk != nil {
			Pool.ReturnElement(output.chunk)
		}
	}

	c.fireConnectHandler(err)
}

// Close tears the connection down, cancelling pending operations with
// ErrOperationCanceled. Safe to call more than once.
func (c *Connection) Close() error {
	if c.mux == nil {
		return nil
	}
	done := make(chan struct{})
	c.mux.post(func() {
		c.teardownLocked(ErrOperationCanceled)
		close(done)
	})
	select {
	case <-done:
	case <-c.mux.closeSignal:
	}
	return nil
}
