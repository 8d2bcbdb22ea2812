// Package forwarder implements the connection-pair pool and the
// single-threaded event loop that relays bytes between accepted client
// sockets and their target sockets, optionally over a Hybrid Transport
// Protocol endpoint.
package forwarder

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"

	"github.com/kulaginds/htp-forwarder/internal/htp"
)

// State is one of the nine lifecycle states a connection pair moves
// through from accept to cleanup.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateActive
	StateClientDisconnected
	StateTargetDisconnected
	StateReconnecting
	StateError
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateActive:
		return "ACTIVE"
	case StateClientDisconnected:
		return "CLIENT_DISCONNECTED"
	case StateTargetDisconnected:
		return "TARGET_DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// FastReconnectMinAge is the minimum age a pair must reach before a
// clean client disconnect is eligible for fast reconnect, to avoid
// misclassifying an RDP handshake teardown as a reusable session.
const FastReconnectMinAge = 5 * time.Second

// Pair binds one accepted client socket to one target socket, or to one
// HTP endpoint when the forwarder runs in hybrid transport mode.
type Pair struct {
	ID xid.ID

	ClientConn net.Conn
	TargetConn net.Conn
	Endpoint   *htp.Endpoint

	State State

	BytesSent     uint64
	BytesReceived uint64

	LastActivity        time.Time
	StateChangeTime     time.Time
	ConnectionStartTime time.Time
	DisconnectTime      time.Time

	LastError         string
	ErrorCount        int
	ReconnectAttempts int
}

// NewPair allocates a pair bound to an accepted client connection, in
// StateInit.
func NewPair(clientConn net.Conn) *Pair {
	now := time.Now()
	return &Pair{
		ID:                  xid.New(),
		ClientConn:          clientConn,
		State:               StateInit,
		LastActivity:        now,
		StateChangeTime:     now,
		ConnectionStartTime: now,
	}
}

// transitionTo moves the pair to state, recording the transition time.
func (p *Pair) transitionTo(state State) {
	p.State = state
	p.StateChangeTime = time.Now()
}

// fail records an unrecoverable error and transitions the pair to Error.
func (p *Pair) fail(err error) {
	p.LastError = err.Error()
	p.ErrorCount++
	p.transitionTo(StateError)
}

// age returns how long the pair has existed since accept.
func (p *Pair) age() time.Duration {
	return time.Since(p.ConnectionStartTime)
}

// markActivity refreshes the idle-timeout clock.
func (p *Pair) markActivity() {
	p.LastActivity = time.Now()
}

// idleFor returns how long the pair has gone without activity.
func (p *Pair) idleFor() time.Duration {
	return time.Since(p.LastActivity)
}

// onClientDisconnect transitions the pair after the client side reports
// EOF or an error. Fast reconnect only ever parks a pair in
// ClientDisconnected when the target side survives it to be reused;
// without keepTargetAlive there is nothing left to reconnect to, so the
// pair closes outright.
func (p *Pair) onClientDisconnect(fastReconnectEnabled, keepTargetAlive bool) {
	if fastReconnectEnabled && keepTargetAlive && p.age() > FastReconnectMinAge {
		p.DisconnectTime = time.Now()
		p.transitionTo(StateClientDisconnected)
		return
	}

	if p.TargetConn != nil {
		p.TargetConn.Close()
	}
	p.transitionTo(StateClosing)
}

// onTargetDisconnect transitions the pair after the target side reports
// EOF or an error. Unlike a client disconnect there is no reuse path for
// a dead target, so the pair closes outright.
func (p *Pair) onTargetDisconnect() {
	p.transitionTo(StateTargetDisconnected)
	if p.ClientConn != nil {
		p.ClientConn.Close()
	}
	if p.TargetConn != nil {
		p.TargetConn.Close()
	}
	p.transitionTo(StateClosing)
}

// reusable reports whether this pair may be handed a new client socket
// in place of cleanup, per the reuse-eligibility rule.
func (p *Pair) reusable(maxReconnectAttempts int) bool {
	return p.State == StateClientDisconnected &&
		p.TargetConn != nil &&
		p.ReconnectAttempts < maxReconnectAttempts
}

// reuse replaces the client socket of a reusable pair, resetting byte
// counters and timestamps but preserving the target side.
func (p *Pair) reuse(clientConn net.Conn) {
	p.ClientConn = clientConn
	p.ReconnectAttempts++
	p.BytesSent = 0
	p.BytesReceived = 0
	now := time.Now()
	p.ConnectionStartTime = now
	p.LastActivity = now
	p.DisconnectTime = time.Time{}
	p.transitionTo(StateConnecting)
}

// close tears down both sockets and the HTP endpoint, if any.
func (p *Pair) close() {
	if p.ClientConn != nil {
		p.ClientConn.Close()
	}
	if p.TargetConn != nil {
		p.TargetConn.Close()
	}
	if p.Endpoint != nil {
		p.Endpoint.Close()
	}
	p.transitionTo(StateClosing)
}
