package lib

import (
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// RudpCoreConfig configures the transport core.
type RudpCoreConfig struct {
	PayloadPoolSize      int               // how many payload chunks in the pool
	PreferredMSS         int               // largest payload carried in one datagram
	Debug                bool              // global debug setting
	PoolDebug            bool              // ring pool debug setting
	ProcessTimeThreshold int               // chunk processing time threshold in ms
	ConnConfig           *ConnectionConfig // per-connection defaults
}

func DefaultRudpCoreConfig() *RudpCoreConfig {
	return &RudpCoreConfig{
		PayloadPoolSize:      2000,
		PreferredMSS:         1400,
		Debug:                false,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

// RudpCore owns the per-local-endpoint multiplexers and the shared payload
// pool. One core per process is the expected shape.
type RudpCore struct {
	config *RudpCoreConfig
	mu     sync.Mutex
	muxMap map[string]*Multiplexer // keyed by bound local endpoint
}

func NewRudpCore(config *RudpCoreConfig) (*RudpCore, error) {
	if config == nil {
		config = DefaultRudpCoreConfig()
	}

	core := &RudpCore{
		config: config,
		muxMap: make(map[string]*Multiplexer),
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	rp.Debug = config.PoolDebug
	Pool = rp.NewRingPool("RUDP: ", config.PayloadPoolSize, NewPayload, config.PreferredMSS)
	Pool.Debug = config.PoolDebug
	Pool.ProcessTimeThreshold = time.Duration(config.ProcessTimeThreshold) * time.Millisecond

	log.Println("Rudp core started")

	return core, nil
}

// getMultiplexer returns the multiplexer bound to local, creating and
// binding one if needed. A zero port always binds a fresh socket.
func (r *RudpCore) getMultiplexer(local Endpoint) (*Multiplexer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if local.Port != 0 {
		if mux, ok := r.muxMap[local.key()]; ok {
			return mux, nil
		}
	}

	mux, err := newMultiplexer(r, local)
	if err != nil {
		return nil, err
	}
	r.muxMap[mux.LocalEndpoint().key()] = mux
	return mux, nil
}

func (r *RudpCore) removeMultiplexer(mux *Multiplexer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := mux.LocalEndpoint().key()
	if r.muxMap[key] == mux {
		delete(r.muxMap, key)
	}
}

// Dial binds local, connects to remote and returns the established
// connection.
func (r *RudpCore) Dial(local, remote Endpoint, config *ConnectionConfig) (*Connection, error) {
	if config == nil {
		config = r.config.ConnConfig
	}
	conn, err := NewConnection(r, &local, config)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(remote); err != nil {
		return nil, err
	}
	return conn, nil
}

// DialHost binds local, resolves host/service and connects to the resolved
// endpoints in order.
func (r *RudpCore) DialHost(local Endpoint, host, service string, config *ConnectionConfig) (*Connection, error) {
	if config == nil {
		config = r.config.ConnConfig
	}
	conn, err := NewConnection(r, &local, config)
	if err != nil {
		return nil, err
	}
	if err := conn.ConnectHost(host, service); err != nil {
		return nil, err
	}
	return conn, nil
}

// Listen starts accepting passive opens on local.
func (r *RudpCore) Listen(local Endpoint, config *ConnectionConfig) (*Service, error) {
	if config == nil {
		config = r.config.ConnConfig
	}
	return newService(r, local, config)
}

// Close shuts down every multiplexer. Errors are aggregated.
func (r *RudpCore) Close() error {
	r.mu.Lock()
	muxes := make([]*Multiplexer, 0, len(r.muxMap))
	for _, mux := range r.muxMap {
		muxes = append(muxes, mux)
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, mux := range muxes {
		if err := mux.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	log.Println("Rudp core closed gracefully.")
	return result.ErrorOrNil()
}
