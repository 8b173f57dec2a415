package lib

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReconnectConfig defines the reconnection behavior of a
// ReconnectingConnection.
type ReconnectConfig struct {
	Enabled           bool          // enable auto-reconnection
	MaxRetries        int           // maximum reconnection attempts (-1 for infinite)
	InitialBackoff    time.Duration // first backoff duration
	MaxBackoff        time.Duration // backoff cap
	BackoffMultiplier float64       // exponential growth factor
	OnReconnect       func()        // optional callback when reconnection succeeds
	OnFinalFailure    func()        // optional callback when all attempts fail
}

func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		Enabled:           true,
		MaxRetries:        10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ReconnectingConnection wraps a Connection and redials it through the core
// when an operation fails with a connection-level error.
type ReconnectingConnection struct {
	core            *RudpCore
	local, remote   Endpoint
	connConfig      *ConnectionConfig
	reconnectConfig *ReconnectConfig

	mu          sync.RWMutex
	currentConn *Connection
	isClosed    bool
}

// NewReconnectingConnection dials remote from local and wraps the result.
func NewReconnectingConnection(core *RudpCore, local, remote Endpoint, connConfig *ConnectionConfig, reconnectConfig *ReconnectConfig) (*ReconnectingConnection, error) {
	if reconnectConfig == nil {
		reconnectConfig = DefaultReconnectConfig()
	}
	conn, err := core.Dial(local, remote, connConfig)
	if err != nil {
		return nil, err
	}
	return &ReconnectingConnection{
		core:            core,
		local:           local,
		remote:          remote,
		connConfig:      connConfig,
		reconnectConfig: reconnectConfig,
		currentConn:     conn,
	}, nil
}

// Read delegates to the current connection, redialing on connection loss.
func (rc *ReconnectingConnection) Read(buffer []byte) (int, error) {
	return rc.withRetry(func(conn *Connection) (int, error) {
		return conn.Read(buffer)
	})
}

// Write delegates to the current connection, redialing on connection loss.
func (rc *ReconnectingConnection) Write(data []byte) (int, error) {
	return rc.withRetry(func(conn *Connection) (int, error) {
		return conn.Write(data)
	})
}

func (rc *ReconnectingConnection) withRetry(op func(conn *Connection) (int, error)) (int, error) {
	rc.mu.RLock()
	if rc.isClosed {
		rc.mu.RUnlock()
		return 0, ErrConnectionClosed
	}
	conn := rc.currentConn
	rc.mu.RUnlock()

	n, err := op(conn)
	if err == nil || !rc.shouldReconnect(err) {
		return n, err
	}

	log.Printf("ReconnectingConnection: operation failed: %v. Attempting reconnection...", err)
	if rerr := rc.reconnectWithBackoff(); rerr != nil {
		if rc.reconnectConfig.OnFinalFailure != nil {
			rc.reconnectConfig.OnFinalFailure()
		}
		return 0, fmt.Errorf("reconnection failed: %w", rerr)
	}

	rc.mu.RLock()
	conn = rc.currentConn
	rc.mu.RUnlock()
	return op(conn)
}

func (rc *ReconnectingConnection) shouldReconnect(err error) bool {
	if !rc.reconnectConfig.Enabled {
		return false
	}
	switch err {
	case ErrConnectionClosed, ErrOperationCanceled, ErrConnectTimeout:
		return true
	}
	return false
}

func (rc *ReconnectingConnection) reconnectWithBackoff() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.isClosed {
		return ErrConnectionClosed
	}

	var lastErr error
	for attempt := 0; rc.reconnectConfig.MaxRetries == -1 || attempt < rc.reconnectConfig.MaxRetries; attempt++ {
		time.Sleep(rc.calculateBackoff(attempt))

		conn, err := rc.core.Dial(rc.local, rc.remote, rc.connConfig)
		if err == nil {
			rc.currentConn = conn
			log.Printf("ReconnectingConnection: reconnected on attempt %d", attempt+1)
			if rc.reconnectConfig.OnReconnect != nil {
				rc.reconnectConfig.OnReconnect()
			}
			return nil
		}

		lastErr = err
		log.Printf("ReconnectingConnection: attempt %d failed: %v", attempt+1, err)
	}
	return fmt.Errorf("max reconnection attempts reached: %w", lastErr)
}

// calculateBackoff grows the delay exponentially with a ±10% jitter.
func (rc *ReconnectingConnection) calculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rc.reconnectConfig.InitialBackoff) *
		math.Pow(rc.reconnectConfig.BackoffMultiplier, float64(attempt)))
	if backoff > rc.reconnectConfig.MaxBackoff {
		backoff = rc.reconnectConfig.MaxBackoff
	}

	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1.0))
	return backoff + jitter
}

// Close closes the wrapper and the current connection.
func (rc *ReconnectingConnection) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.isClosed {
		return nil
	}
	rc.isClosed = true
	if rc.currentConn != nil {
		return rc.currentConn.Close()
	}
	return nil
}
