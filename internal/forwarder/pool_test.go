package forwarder

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClientConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a
}

func TestPoolAcceptAppendsUntilMaxClients(t *testing.T) {
	pool := NewPool(2, 2)

	p1, err := pool.Accept(newTestClientConn(t), 3)
	require.NoError(t, err)
	assert.Equal(t, StateInit, p1.State)

	p2, err := pool.Accept(newTestClientConn(t), 3)
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)

	assert.Equal(t, 2, pool.Len())

	_, err = pool.Accept(newTestClientConn(t), 3)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, pool.Len())
}

func TestPoolAcceptRejectDoesNotLeakSocket(t *testing.T) {
	pool := NewPool(1, 1)
	_, err := pool.Accept(newTestClientConn(t), 3)
	require.NoError(t, err)

	rejected, rejectedPeer := net.Pipe()
	defer rejectedPeer.Close()

	_, err = pool.Accept(rejected, 3)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	// A closed net.Pipe conn returns io.ErrClosedPipe on further use.
	_, writeErr := rejected.Write([]byte("x"))
	assert.Error(t, writeErr)
}

func TestPoolAcceptReusesWarmPairWithinTrailingScan(t *testing.T) {
	pool := NewPool(5, 2)

	for i := 0; i < 3; i++ {
		_, err := pool.Accept(newTestClientConn(t), 3)
		require.NoError(t, err)
	}

	warm := pool.pairs[len(pool.pairs)-1]
	warm.TargetConn = newTestClientConn(t)
	warm.State = StateClientDisconnected

	reconnecting := newTestClientConn(t)
	reused, err := pool.Accept(reconnecting, 3)
	require.NoError(t, err)

	assert.Equal(t, warm.ID, reused.ID)
	assert.Equal(t, reconnecting, reused.ClientConn)
	assert.Equal(t, 3, pool.Len())
}

func TestPoolAcceptIgnoresReusableOutsideTrailingScan(t *testing.T) {
	pool := NewPool(5, 1)

	for i := 0; i < 3; i++ {
		_, err := pool.Accept(newTestClientConn(t), 3)
		require.NoError(t, err)
	}

	oldest := pool.pairs[0]
	oldest.TargetConn = newTestClientConn(t)
	oldest.State = StateClientDisconnected

	before := pool.Len()
	newPair, err := pool.Accept(newTestClientConn(t), 3)
	require.NoError(t, err)

	assert.NotEqual(t, oldest.ID, newPair.ID)
	assert.Equal(t, before+1, pool.Len())
}

func TestPoolCompactRemovesOnlyClosingPairs(t *testing.T) {
	pool := NewPool(5, 5)
	p1, _ := pool.Accept(newTestClientConn(t), 3)
	p2, _ := pool.Accept(newTestClientConn(t), 3)
	p1.State = StateClosing

	removed := pool.Compact()

	require.Len(t, removed, 1)
	assert.Equal(t, p1.ID, removed[0].ID)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, p2.ID, pool.pairs[0].ID)
}

func TestPoolCloseAllClearsPool(t *testing.T) {
	pool := NewPool(5, 5)
	_, _ = pool.Accept(newTestClientConn(t), 3)
	_, _ = pool.Accept(newTestClientConn(t), 3)

	pool.CloseAll()

	assert.Equal(t, 0, pool.Len())
}

func TestFindReusableSkipsExhaustedAttempts(t *testing.T) {
	pool := NewPool(5, 5)
	p, _ := pool.Accept(newTestClientConn(t), 3)
	p.TargetConn = newTestClientConn(t)
	p.State = StateClientDisconnected
	p.ReconnectAttempts = 3

	assert.Nil(t, pool.findReusable(3))
	assert.NotNil(t, pool.findReusable(4))
}

func TestFindReusableIgnoresNilTargetConn(t *testing.T) {
	pool := NewPool(5, 5)
	p, _ := pool.Accept(newTestClientConn(t), 3)
	p.State = StateClientDisconnected
	p.TargetConn = nil

	assert.Nil(t, pool.findReusable(3))
}
