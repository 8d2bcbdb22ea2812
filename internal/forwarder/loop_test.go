package forwarder

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/htp-forwarder/internal/config"
)

// startEchoServer runs a single-connection TCP echo server and returns its
// address. It serves exactly one accepted connection then stops.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	return ln.Addr().String()
}

func testConfig(t *testing.T, targetAddr string) *config.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(targetAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.TargetIP = host
	cfg.TargetPort = port
	cfg.ListenInterface = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.TransportMode = config.TransportTCP
	cfg.BufferSize = 4096
	cfg.SocketTimeout = 2
	cfg.ConnectionTimeout = 5
	return cfg
}

// TestForwarderTCPOnlyRoundTrip exercises a full accept -> connect ->
// forward cycle over a plain TCP target, matching the forwarder's
// TCP-only transport mode.
func TestForwarderTCPOnlyRoundTrip(t *testing.T) {
	targetAddr := startEchoServer(t)
	cfg := testConfig(t, targetAddr)

	fwd := New(cfg)
	require.NoError(t, fwd.Listen())
	t.Cleanup(func() { fwd.listener.Close() })

	listenAddr := fwd.listener.Addr().String()

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(1 * time.Second)
		for time.Now().Before(deadline) {
			fwd.step()
		}
	}()

	client, err := net.Dial("tcp", listenAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello htp"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 32)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello htp", string(buf[:n]))

	<-done
}

// TestServicePairIdleTimeoutAppliesRegardlessOfState verifies a pair
// parked in ClientDisconnected (awaiting reuse) is still reclaimed if
// nothing ever reconnects before connection_timeout elapses.
func TestServicePairIdleTimeoutAppliesRegardlessOfState(t *testing.T) {
	targetAddr := startEchoServer(t)
	cfg := testConfig(t, targetAddr)
	cfg.ConnectionTimeout = 0 // any idle time at all counts as expired

	fwd := New(cfg)
	client, target := net.Pipe()
	defer client.Close()
	defer target.Close()

	pair := NewPair(client)
	pair.TargetConn = target
	pair.State = StateClientDisconnected
	pair.LastActivity = time.Now().Add(-time.Hour)

	fwd.servicePair(pair)

	assert.Equal(t, StateClosing, pair.State)
}

// TestConnectTargetUDPOnlyDialsDatagramSocketOnly verifies UDP-only mode
// creates only a datagram socket to the target. The target port has no
// TCP listener, so a stray TCP dial attempt would fail the pair into
// StateError instead of StateConnected.
func TestConnectTargetUDPOnlyDialsDatagramSocketOnly(t *testing.T) {
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer udpLn.Close()

	host, portStr, err := net.SplitHostPort(udpLn.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.TargetIP = host
	cfg.TargetPort = port
	cfg.TransportMode = config.TransportUDP

	fwd := New(cfg)
	client, _ := net.Pipe()
	defer client.Close()
	pair := NewPair(client)

	fwd.connectTarget(pair)

	require.Equal(t, StateConnected, pair.State)
	require.NotNil(t, pair.Endpoint)
	assert.NotNil(t, pair.TargetConn)
}

// TestConnectTargetHybridDialsBothSockets verifies hybrid mode creates
// both a TCP and a UDP socket to the target, wrapped in one endpoint.
func TestConnectTargetHybridDialsBothSockets(t *testing.T) {
	targetAddr := startEchoServer(t)
	cfg := testConfig(t, targetAddr)
	cfg.TransportMode = config.TransportHybrid

	fwd := New(cfg)
	client, _ := net.Pipe()
	defer client.Close()
	pair := NewPair(client)

	fwd.connectTarget(pair)

	require.Equal(t, StateConnected, pair.State)
	require.NotNil(t, pair.Endpoint)
}

// TestAcceptPendingReusedPairReachesConnectedImmediately verifies a
// fast-reconnected pair (already warm from a prior session) advances
// past Connecting on the very next accept, instead of getting stuck
// there forever since connectTarget is only invoked from StateInit.
func TestAcceptPendingReusedPairReachesConnectedImmediately(t *testing.T) {
	targetAddr := startEchoServer(t)
	cfg := testConfig(t, targetAddr)

	fwd := New(cfg)
	require.NoError(t, fwd.Listen())
	t.Cleanup(func() { fwd.listener.Close() })

	oldClient, _ := net.Pipe()
	defer oldClient.Close()
	warmTarget, warmTargetPeer := net.Pipe()
	defer warmTargetPeer.Close()

	warm := NewPair(oldClient)
	warm.TargetConn = warmTarget
	warm.State = StateClientDisconnected
	fwd.pool.pairs = append(fwd.pool.pairs, warm)

	newClient, err := net.Dial("tcp", fwd.listener.Addr().String())
	require.NoError(t, err)
	defer newClient.Close()

	require.Eventually(t, func() bool {
		fwd.acceptPending()
		return warm.State == StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, warmTarget, warm.TargetConn)
}

func TestMapTransportMode(t *testing.T) {
	cases := map[config.TransportMode]bool{
		config.TransportUDP: true,
		config.TransportTCP: true,
	}
	for mode := range cases {
		_ = mapTransportMode(mode)
	}
	assert.NotPanics(t, func() { mapTransportMode(config.TransportAuto) })
	assert.NotPanics(t, func() { mapTransportMode(config.TransportHybrid) })
}

// tcpLoopbackPair returns two connected *net.TCPConn sockets, since
// forwardOnce's non-blocking read/write deadlines only apply to real TCP
// connections.
func tcpLoopbackPair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestForwardOnceRelaysAvailableData(t *testing.T) {
	srcA, srcB := tcpLoopbackPair(t)
	dstA, dstB := tcpLoopbackPair(t)

	_, err := srcB.Write([]byte("payload"))
	require.NoError(t, err)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := dstB.Read(buf)
		readDone <- buf[:n]
	}()

	var n int
	require.Eventually(t, func() bool {
		var err error
		n, err = forwardOnce(srcA, dstA, 4096, time.Second)
		return err == nil && n > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 7, n)
	assert.Equal(t, []byte("payload"), <-readDone)
}

func TestForwardOnceNoDataIsNotAnError(t *testing.T) {
	srcA, _ := tcpLoopbackPair(t)
	dstA, _ := tcpLoopbackPair(t)

	n, err := forwardOnce(srcA, dstA, 4096, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestForwardOnceReportsPeerResetOnEOF(t *testing.T) {
	srcA, srcB := tcpLoopbackPair(t)
	dstA, _ := tcpLoopbackPair(t)

	srcB.Close()

	require.Eventually(t, func() bool {
		_, err := forwardOnce(srcA, dstA, 4096, time.Second)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
