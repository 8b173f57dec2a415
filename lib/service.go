package lib

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Service is the passive accept facade: it keeps one listening connection
// armed in the multiplexer's listener slot and hands each established
// connection to Accept. When a handshake completes, the next listening
// connection is armed right away.
type Service struct {
	core           *RudpCore
	mux            *Multiplexer
	connConfig     *ConnectionConfig
	newConnChannel chan *Connection
	closeSignal    chan struct{}
}

func newService(core *RudpCore, local Endpoint, connConfig *ConnectionConfig) (*Service, error) {
	mux, err := core.getMultiplexer(local)
	if err != nil {
		return nil, err
	}

	srv := &Service{
		core:           core,
		mux:            mux,
		connConfig:     connConfig,
		newConnChannel: make(chan *Connection, 8),
		closeSignal:    make(chan struct{}),
	}

	if err := srv.armListener(); err != nil {
		return nil, err
	}

	log.Printf("Service listening on %s", mux.LocalEndpoint())

	return srv, nil
}

// armListener places a fresh listening connection into the listener slot.
func (s *Service) armListener() error {
	local := s.mux.LocalEndpoint()
	conn, err := NewConnection(s.core, &local, s.connConfig)
	if err != nil {
		return err
	}

	conn.Listen(func(err error) {
		if err != nil {
			// Teardown of the armed listener (service or mux close)
			// ends the cycle; anything else re-arms.
			if err != ErrOperationCanceled && err != ErrConnectionClosed {
				log.Println("Passive handshake failed:", err)
				s.rearm()
			}
			return
		}

		// Hand the established connection over without blocking the
		// event goroutine.
		go func() {
			select {
			case s.newConnChannel <- conn:
			case <-s.closeSignal:
				conn.Close()
			}
		}()
		s.rearm()
	})
	return nil
}

func (s *Service) rearm() {
	select {
	case <-s.closeSignal:
		return
	default:
	}
	if err := s.armListener(); err != nil {
		log.Println("Error re-arming listener:", err)
	}
}

// Accept waits for the next established connection.
func (s *Service) Accept() (*Connection, error) {
	select {
	case <-s.closeSignal:
		return nil, fmt.Errorf("service is closed")
	case conn := <-s.newConnChannel:
		log.WithFields(log.Fields{
			"remote": conn.remote.String(),
		}).Debug("New connection is ready")
		return conn, nil
	}
}

// LocalEndpoint returns the service's bound endpoint.
func (s *Service) LocalEndpoint() Endpoint {
	return s.mux.LocalEndpoint()
}

// Close stops accepting. Established connections handed out earlier stay up.
func (s *Service) Close() error {
	select {
	case <-s.closeSignal:
		return nil
	default:
		close(s.closeSignal)
	}

	done := make(chan struct{})
	s.mux.post(func() {
		if s.mux.listenerSlot != nil {
			s.mux.listenerSlot.teardownLocked(ErrOperationCanceled)
		}
		close(done)
	})
	select {
	case <-done:
	case <-s.mux.closeSignal:
	}

	log.Printf("Service on %s is shutting down.", s.mux.LocalEndpoint())
	return nil
}
