package forwarder

import "net"

// Pool owns the bounded set of connection pairs managed by the event
// loop. It is not safe for concurrent use; the single-threaded loop is
// its only caller.
type Pool struct {
	pairs              []*Pair
	maxClients         int
	connectionPoolSize int
}

// NewPool builds an empty pool bounded by maxClients, scanning at most
// connectionPoolSize trailing slots when searching for a reusable pair.
func NewPool(maxClients, connectionPoolSize int) *Pool {
	return &Pool{
		maxClients:         maxClients,
		connectionPoolSize: connectionPoolSize,
	}
}

// Len returns the number of pairs currently tracked.
func (p *Pool) Len() int {
	return len(p.pairs)
}

// Pairs returns the live pair slice for iteration by the event loop.
// Callers must not retain it across a Compact.
func (p *Pool) Pairs() []*Pair {
	return p.pairs
}

// findReusable scans at most connectionPoolSize trailing pairs — the
// ones most likely to still be warm — for one eligible for fast
// reconnect, per the reuse-eligibility rule.
func (p *Pool) findReusable(maxReconnectAttempts int) *Pair {
	scan := p.connectionPoolSize
	if scan > len(p.pairs) {
		scan = len(p.pairs)
	}

	for i := len(p.pairs) - 1; i >= len(p.pairs)-scan; i-- {
		if p.pairs[i].reusable(maxReconnectAttempts) {
			return p.pairs[i]
		}
	}
	return nil
}

// Accept admits a newly-accepted client connection, reusing a warm pair
// if one is found within the trailing-slot scan, or appending a new pair
// if the pool has not yet reached maxClients. It returns ErrPoolExhausted
// if neither is possible, without leaking the socket.
func (p *Pool) Accept(clientConn net.Conn, maxReconnectAttempts int) (*Pair, error) {
	if reused := p.findReusable(maxReconnectAttempts); reused != nil {
		reused.reuse(clientConn)
		return reused, nil
	}

	if len(p.pairs) >= p.maxClients {
		clientConn.Close()
		return nil, ErrPoolExhausted
	}

	pair := NewPair(clientConn)
	p.pairs = append(p.pairs, pair)
	return pair, nil
}

// Compact removes every pair in StateClosing, closing its sockets first,
// and returns the removed pairs so the caller can release any side
// tracking keyed by pair identity. Relative order of the remaining pairs
// is preserved, since findReusable's trailing-slot scan favors recently
// accepted pairs.
func (p *Pool) Compact() []*Pair {
	var removed []*Pair
	kept := p.pairs[:0]
	for _, pair := range p.pairs {
		if pair.State == StateClosing {
			pair.close()
			removed = append(removed, pair)
			continue
		}
		kept = append(kept, pair)
	}
	p.pairs = kept
	return removed
}

// CloseAll tears down every pair, in reverse order, for graceful
// shutdown.
func (p *Pool) CloseAll() {
	for i := len(p.pairs) - 1; i >= 0; i-- {
		p.pairs[i].close()
	}
	p.pairs = nil
}
