package htp

import "time"

// sentEntry is an unacknowledged packet awaiting ack or retransmission.
type sentEntry struct {
	packet          Packet
	firstSendTime   time.Time
	lastSendTime    time.Time
	retransmitCount int
}

// recvEntry is an out-of-order Data arrival held until it can be drained
// in sequence.
type recvEntry struct {
	packet    Packet
	recvTime  time.Time
	delivered bool
}

// sendBuffer tracks packets sent but not yet acknowledged, bounded by
// sendWindow to prevent unbounded growth when acks stop arriving.
type sendBuffer struct {
	entries    []sentEntry
	sendWindow int
}

func newSendBuffer(sendWindow int) *sendBuffer {
	return &sendBuffer{sendWindow: sendWindow}
}

// add appends a freshly-sent packet, returning ErrBufferFull if the
// buffer is already at its window-bounded capacity.
func (b *sendBuffer) add(p Packet, now time.Time) error {
	if len(b.entries) >= b.sendWindow {
		return ErrBufferFull
	}
	b.entries = append(b.entries, sentEntry{
		packet:        p,
		firstSendTime: now,
		lastSendTime:  now,
	})
	return nil
}

// ack removes the single entry whose sequence matches seq. Duplicate or
// unknown sequences are no-ops.
func (b *sendBuffer) ack(seq uint32) {
	for i, e := range b.entries {
		if e.packet.Header.Sequence == seq {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// expired returns the sequence numbers of entries whose age exceeds
// timeout, for retransmission or loss accounting by the caller.
func (b *sendBuffer) expired(now time.Time, timeout time.Duration) []uint32 {
	var seqs []uint32
	for _, e := range b.entries {
		if now.Sub(e.lastSendTime) > timeout {
			seqs = append(seqs, e.packet.Header.Sequence)
		}
	}
	return seqs
}

// get returns the entry for seq, if present.
func (b *sendBuffer) get(seq uint32) (sentEntry, bool) {
	for _, e := range b.entries {
		if e.packet.Header.Sequence == seq {
			return e, true
		}
	}
	return sentEntry{}, false
}

// markRetransmitted bumps the entry for seq's retransmit count and resets
// its timer, or removes it and reports loss if it has exhausted
// maxRetransmits. A missing seq (already acked concurrently) is a no-op.
func (b *sendBuffer) markRetransmitted(seq uint32, now time.Time, maxRetransmits int) (lost bool) {
	for i := range b.entries {
		if b.entries[i].packet.Header.Sequence != seq {
			continue
		}
		if b.entries[i].retransmitCount >= maxRetransmits {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
		b.entries[i].retransmitCount++
		b.entries[i].lastSendTime = now
		return false
	}
	return false
}

func (b *sendBuffer) len() int {
	return len(b.entries)
}

// recvBuffer holds arrived Data packets until they can be delivered in
// ascending sequence order.
type recvBuffer struct {
	entries map[uint32]*recvEntry

	// drained and next record the delivery cursor after the last drain,
	// so insert can discard late arrivals of already-delivered sequences.
	drained bool
	next    uint32
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{entries: make(map[uint32]*recvEntry)}
}

// insert records an arrival. A duplicate sequence replaces the existing
// entry only if it was not yet delivered; an already-delivered sequence
// is discarded.
func (b *recvBuffer) insert(p Packet, now time.Time) {
	seq := p.Header.Sequence
	if b.drained && int32(seq-b.next) < 0 {
		return
	}
	if existing, ok := b.entries[seq]; ok && existing.delivered {
		return
	}
	b.entries[seq] = &recvEntry{packet: p, recvTime: now}
}

// drain copies payloads starting at recvSeq into out, advancing recvSeq
// for each contiguous match, stopping at the first gap or when out is
// full. It returns the number of bytes written and the updated recvSeq.
func (b *recvBuffer) drain(out []byte, recvSeq uint32) (n int, newRecvSeq uint32) {
	newRecvSeq = recvSeq
	for n < len(out) {
		entry, ok := b.entries[newRecvSeq]
		if !ok || entry.delivered {
			break
		}

		remaining := out[n:]
		copied := copy(remaining, entry.packet.Payload)
		n += copied

		entry.delivered = true
		delete(b.entries, newRecvSeq)
		newRecvSeq++
		b.drained = true
		b.next = newRecvSeq

		if copied < len(entry.packet.Payload) {
			break
		}
	}
	return n, newRecvSeq
}

func (b *recvBuffer) len() int {
	return len(b.entries)
}
