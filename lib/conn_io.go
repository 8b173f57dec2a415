package lib

import (
	"net"
)

// Blocking convenience wrappers over the async operations.

// Connect performs an active open and waits for it to complete.
func (c *Connection) Connect(remote Endpoint) error {
	errChan := make(chan error, 1)
	c.AsyncConnect(remote, func(err error) {
		errChan <- err
	})
	return <-errChan
}

// ConnectHost resolves host/service with the default resolver and connects
// to the resolved endpoints in order.
func (c *Connection) ConnectHost(host, service string) error {
	errChan := make(chan error, 1)
	c.AsyncConnectHost(nil, host, service, func(err error) {
		errChan <- err
	})
	return <-errChan
}

type ioResult struct {
	n   int
	err error
}

// Read waits for the next datagram payload and copies it into buffer.
// One datagram per call; the return value is the payload size.
func (c *Connection) Read(buffer []byte) (int, error) {
	resultChan := make(chan ioResult, 1)
	c.AsyncReceive(buffer, func(err error, n int) {
		resultChan <- ioResult{n: n, err: err}
	})
	result := <-resultChan
	return result.n, result.err
}

// Write sends data as one datagram and waits for the peer to acknowledge it.
func (c *Connection) Write(data []byte) (int, error) {
	resultChan := make(chan ioResult, 1)
	c.AsyncSend(data, func(err error, n int) {
		resultChan <- ioResult{n: n, err: err}
	})
	result := <-resultChan
	return result.n, result.err
}

// LocalAddr returns the bound local endpoint as a net.Addr.
func (c *Connection) LocalAddr() net.Addr {
	return c.LocalEndpoint()
}

// RemoteAddr returns the peer endpoint as a net.Addr, or nil before a remote
// is chosen.
func (c *Connection) RemoteAddr() net.Addr {
	if c.mux == nil {
		return nil
	}
	resultChan := make(chan net.Addr, 1)
	c.mux.post(func() {
		if c.hasRemote {
			resultChan <- c.remote
		} else {
			resultChan <- nil
		}
	})
	select {
	case addr := <-resultChan:
		return addr
	case <-c.mux.closeSignal:
		return nil
	}
}

// State reports the current lifecycle state.
func (c *Connection) State() int {
	if c.mux == nil {
		return StateClosed
	}
	resultChan := make(chan int, 1)
	c.mux.post(func() {
		resultChan <- c.state
	})
	select {
	case state := <-resultChan:
		return state
	case <-c.mux.closeSignal:
		return StateClosed
	}
}
