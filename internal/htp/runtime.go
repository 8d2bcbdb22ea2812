package htp

import (
	"math/rand"
	"time"
)

// TransportMode selects which underlying channels an endpoint uses and
// whether the channel selector may choose between them.
type TransportMode uint8

const (
	ModeUDPOnly TransportMode = iota
	ModeTCPOnly
	ModeHybrid
	ModeAuto
)

// EndpointConfig holds the tunable parameters of an HTP endpoint.
type EndpointConfig struct {
	Mode                TransportMode
	SendWindow          int
	RecvWindow          int
	RetransmitTimeout   time.Duration
	MaxRetransmits      int
	UDPPreference       float64
	HeartbeatInterval   time.Duration
	IdleTimeout         time.Duration
}

// DefaultEndpointConfig mirrors the defaults named for the HTP endpoint.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Mode:              ModeHybrid,
		SendWindow:        64,
		RecvWindow:        64,
		RetransmitTimeout: 100 * time.Millisecond,
		MaxRetransmits:    3,
		UDPPreference:     0.8,
		HeartbeatInterval: time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

// Runtime is the explicit handle endpoints are constructed from, replacing
// a process-wide initialized flag and a single shared RNG seed. Each
// endpoint gets its own PRNG seeded from the runtime at construction.
type Runtime struct {
	seedSource *rand.Rand
}

// NewRuntime builds a Runtime seeded from seed. Callers that need
// reproducible channel-selection behavior in tests should pass a fixed
// seed; production callers should derive one from a time-based source.
func NewRuntime(seed int64) *Runtime {
	return &Runtime{seedSource: rand.New(rand.NewSource(seed))}
}

// newEndpointRNG derives an endpoint-local PRNG so concurrent endpoints
// never share mutable RNG state.
func (r *Runtime) newEndpointRNG() *rand.Rand {
	return rand.New(rand.NewSource(r.seedSource.Int63()))
}
