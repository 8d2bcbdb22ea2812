package forwarder

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/kulaginds/htp-forwarder/internal/config"
	"github.com/kulaginds/htp-forwarder/internal/htp"
	"github.com/kulaginds/htp-forwarder/internal/logging"
)

// Forwarder bundles the configuration, pool and stats an event loop
// iteration needs, replacing what would otherwise be global mutable
// state.
type Forwarder struct {
	cfg  *config.Config
	pool *Pool
	rt   *htp.Runtime

	listener net.Listener

	stats     *Stats
	lastStats time.Time
	stopCh    chan struct{}
}

// New constructs a Forwarder bound to cfg, with an empty pool.
func New(cfg *config.Config) *Forwarder {
	pool := NewPool(cfg.MaxClients, cfg.ConnectionPoolSize)
	return &Forwarder{
		cfg:       cfg,
		pool:      pool,
		rt:        htp.NewRuntime(time.Now().UnixNano()),
		stats:     NewStats(pool),
		lastStats: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Listen opens the listening socket named by the configuration.
func (f *Forwarder) Listen() error {
	addr := net.JoinHostPort(f.cfg.ListenInterface, strconv.Itoa(f.cfg.ListenPort))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Join(ErrSocketBind, err)
	}

	if tcpLn, ok := ln.(*net.TCPListener); ok {
		tcpLn.SetDeadline(time.Time{})
	}

	f.listener = ln
	logging.Info("forwarder listening on %s, target %s:%d", addr, f.cfg.TargetIP, f.cfg.TargetPort)
	return nil
}

// Stop requests a graceful shutdown; the loop observes it between
// iterations.
func (f *Forwarder) Stop() {
	close(f.stopCh)
}

// Stats returns the forwarder's prometheus.Collector, for registration by
// an admin HTTP server.
func (f *Forwarder) Stats() *Stats {
	return f.stats
}

// PairSnapshot is a point-in-time view of one pair, safe to marshal for
// the debug event stream.
type PairSnapshot struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	ErrorCount    int    `json:"error_count"`
}

// PairSnapshots returns a snapshot of every pair currently in the pool.
func (f *Forwarder) PairSnapshots() []PairSnapshot {
	pairs := f.pool.Pairs()
	out := make([]PairSnapshot, len(pairs))
	for i, pair := range pairs {
		out[i] = PairSnapshot{
			ID:            pair.ID.String(),
			State:         pair.State.String(),
			BytesSent:     pair.BytesSent,
			BytesReceived: pair.BytesReceived,
			ErrorCount:    pair.ErrorCount,
		}
	}
	return out
}

// Run executes the single-threaded event loop until Stop is called.
func (f *Forwarder) Run() error {
	for {
		select {
		case <-f.stopCh:
			f.pool.CloseAll()
			if f.listener != nil {
				f.listener.Close()
			}
			return nil
		default:
		}

		f.step()
	}
}

// step runs one loop iteration: accept, per-pair forwarding, per-pair
// timeout checks, and periodic stats emission.
func (f *Forwarder) step() {
	f.acceptPending()

	for _, pair := range f.pool.Pairs() {
		f.servicePair(pair)
	}

	for _, pair := range f.pool.Compact() {
		f.stats.Untrack(pair)
	}
	f.emitStatsIfDue()

	time.Sleep(time.Millisecond)
}

// acceptPending performs one non-blocking accept attempt.
func (f *Forwarder) acceptPending() {
	if f.listener == nil {
		return
	}

	if tcpLn, ok := f.listener.(*net.TCPListener); ok {
		tcpLn.SetDeadline(time.Now().Add(time.Millisecond))
	}

	conn, err := f.listener.Accept()
	if err != nil {
		return
	}

	tuneSocket(conn, f.cfg.SocketTimeout)

	pair, err := f.pool.Accept(conn, f.cfg.MaxReconnectAttempts)
	if err != nil {
		logging.Warn("accept rejected: %v", err)
		return
	}

	switch pair.State {
	case StateInit:
		f.connectTarget(pair)
	case StateConnecting:
		// A fast-reconnected pair already has a warm target socket (and,
		// for hybrid modes, a live HTP endpoint) from its previous life,
		// so there is nothing left to dial.
		f.stats.TrackTarget(pair)
		pair.transitionTo(StateConnected)
	}
}

// connectTarget dials the fixed target, creating the sockets named by
// cfg.TransportMode: a TCP socket for TransportTCP, a UDP socket for
// TransportUDP, or both for TransportHybrid/TransportAuto. For any mode
// other than plain TCP, the dialed sockets are wrapped in an HTP endpoint.
func (f *Forwarder) connectTarget(pair *Pair) {
	pair.transitionTo(StateConnecting)

	targetAddr := net.JoinHostPort(f.cfg.TargetIP, strconv.Itoa(f.cfg.TargetPort))

	var tcpConn, udpConn net.Conn

	if f.cfg.TransportMode != config.TransportUDP {
		conn, err := net.DialTimeout("tcp", targetAddr, time.Duration(f.cfg.ConnectionTimeout)*time.Second)
		if err != nil {
			pair.fail(errors.Join(ErrConnectRefused, err))
			return
		}
		tuneSocket(conn, f.cfg.SocketTimeout)
		tcpConn = conn
	}

	if f.cfg.TransportMode != config.TransportTCP {
		udpAddr, err := net.ResolveUDPAddr("udp", targetAddr)
		if err != nil {
			closeIfNotNil(tcpConn)
			pair.fail(errors.Join(ErrConnectRefused, err))
			return
		}

		conn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			closeIfNotNil(tcpConn)
			pair.fail(errors.Join(ErrConnectRefused, err))
			return
		}
		udpConn = conn
	}

	if f.cfg.TransportMode == config.TransportTCP {
		pair.TargetConn = tcpConn
	} else {
		endpointCfg := htp.DefaultEndpointConfig()
		endpointCfg.Mode = mapTransportMode(f.cfg.TransportMode)
		endpointCfg.UDPPreference = f.cfg.UDPPreference
		endpointCfg.RetransmitTimeout = time.Duration(f.cfg.RetransmitTimeoutMS) * time.Millisecond
		endpointCfg.MaxRetransmits = f.cfg.MaxRetransmit
		endpointCfg.HeartbeatInterval = time.Duration(f.cfg.HeartbeatIntervalMS) * time.Millisecond

		pair.Endpoint = htp.NewEndpoint(f.rt, endpointCfg, udpConn, tcpConn)

		// TargetConn tracks whichever socket exists, purely for fd-gauge
		// reporting and pair.close() cleanup; forwarding itself goes
		// through the endpoint, not TargetConn, once Endpoint is set.
		if tcpConn != nil {
			pair.TargetConn = tcpConn
		} else {
			pair.TargetConn = udpConn
		}
	}

	f.stats.TrackTarget(pair)
	pair.transitionTo(StateConnected)
}

func closeIfNotNil(conn net.Conn) {
	if conn != nil {
		conn.Close()
	}
}

func mapTransportMode(m config.TransportMode) htp.TransportMode {
	switch m {
	case config.TransportUDP:
		return htp.ModeUDPOnly
	case config.TransportTCP:
		return htp.ModeTCPOnly
	case config.TransportAuto:
		return htp.ModeAuto
	default:
		return htp.ModeHybrid
	}
}

// servicePair drives forwarding, timeout checks and, for hybrid pairs,
// the HTP endpoint's poll/tick for a single pair. Idle timeout applies
// regardless of state, so a pair parked in ClientDisconnected waiting
// for reuse is still reclaimed if nothing ever reconnects.
func (f *Forwarder) servicePair(pair *Pair) {
	if pair.idleFor() > time.Duration(f.cfg.ConnectionTimeout)*time.Second {
		pair.transitionTo(StateClosing)
		return
	}

	switch pair.State {
	case StateClientDisconnected, StateClosing, StateError:
		return
	}

	if pair.State == StateConnected {
		pair.transitionTo(StateActive)
	}

	if pair.Endpoint != nil {
		f.serviceHybridPair(pair)
		return
	}

	f.serviceTCPPair(pair)
}

func (f *Forwarder) serviceTCPPair(pair *Pair) {
	timeout := time.Duration(f.cfg.SocketTimeout) * time.Second

	n, err := forwardOnce(pair.ClientConn, pair.TargetConn, f.cfg.BufferSize, timeout)
	pair.BytesSent += uint64(n)
	if n > 0 {
		pair.markActivity()
		f.stats.AddBytesSent(n)
	}
	if err != nil {
		pair.onClientDisconnect(f.cfg.EnableFastReconnect, f.cfg.KeepTargetAlive)
		return
	}

	n, err = forwardOnce(pair.TargetConn, pair.ClientConn, f.cfg.BufferSize, timeout)
	pair.BytesReceived += uint64(n)
	if n > 0 {
		pair.markActivity()
		f.stats.AddBytesReceived(n)
	}
	if err != nil {
		pair.onTargetDisconnect()
	}
}

func (f *Forwarder) serviceHybridPair(pair *Pair) {
	ep := pair.Endpoint

	if err := ep.PollIncoming(); err != nil {
		pair.onTargetDisconnect()
		return
	}
	ep.Tick(time.Now())

	scratch := make([]byte, f.cfg.BufferSize)
	n, err := readNonBlocking(pair.ClientConn, scratch)
	if n > 0 {
		if _, sendErr := ep.SendData(scratch[:n]); sendErr == nil {
			pair.BytesSent += uint64(n)
			pair.markActivity()
			f.stats.AddBytesSent(n)
		}
	}
	if err != nil && !errors.Is(err, htp.ErrWouldBlock) {
		pair.onClientDisconnect(f.cfg.EnableFastReconnect, f.cfg.KeepTargetAlive)
		return
	}

	recvd := ep.RecvData(scratch)
	if recvd > 0 {
		if _, writeErr := pair.ClientConn.Write(scratch[:recvd]); writeErr == nil {
			pair.BytesReceived += uint64(recvd)
			pair.markActivity()
			f.stats.AddBytesReceived(recvd)
		}
	}

	if !ep.Connected() {
		pair.onTargetDisconnect()
	}
}

// forwardOnce reads up to bufferSize bytes from src and writes them to
// dst, retrying would-block writes with a brief sleep until the read is
// fully drained or a non-transient error occurs. timeout, if nonzero,
// bounds the total time spent retrying a single write.
func forwardOnce(src, dst net.Conn, bufferSize int, timeout time.Duration) (int, error) {
	if tcpConn, ok := src.(*net.TCPConn); ok {
		tcpConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	}

	buf := make([]byte, bufferSize)
	n, err := src.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil
		}
		if errors.Is(err, io.EOF) {
			return 0, ErrPeerReset
		}
		return 0, ErrPeerReset
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	written := 0
	for written < n {
		if tcpConn, ok := dst.(*net.TCPConn); ok {
			tcpConn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		}

		w, werr := dst.Write(buf[written:n])
		written += w
		if werr == nil {
			continue
		}

		var netErr net.Error
		if errors.As(werr, &netErr) && netErr.Timeout() {
			if !deadline.IsZero() && time.Now().After(deadline) {
				return written, ErrPeerReset
			}
			time.Sleep(time.Millisecond)
			continue
		}
		return written, ErrPeerReset
	}

	if tcpConn, ok := dst.(*net.TCPConn); ok {
		tcpConn.SetWriteDeadline(time.Time{})
	}

	return written, nil
}

// readNonBlocking performs a single non-blocking read attempt.
func readNonBlocking(conn net.Conn, buf []byte) (int, error) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	}
	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, htp.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// tuneSocket applies the socket tuning every accepted or connected TCP
// socket gets: NO_DELAY and keep-alive. socket_timeout is not set on the
// socket here; forwardOnce uses it to bound its write retries, since the
// loop drives reads and writes non-blockingly on every iteration rather
// than relying on a single connection-lifetime deadline.
func tuneSocket(conn net.Conn, socketTimeoutSeconds int) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(30 * time.Second)
}

func (f *Forwarder) emitStatsIfDue() {
	if !f.cfg.EnableStats {
		return
	}
	if time.Since(f.lastStats) < time.Duration(f.cfg.StatsInterval)*time.Second {
		return
	}
	f.lastStats = time.Now()
	logging.Info("pairs=%d sent=%d recv=%d", f.pool.Len(), f.stats.BytesSent(), f.stats.BytesReceived())
}
