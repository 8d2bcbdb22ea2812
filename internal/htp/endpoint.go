package htp

import (
	"errors"
	"math/rand"
	"net"
	"time"
)

// Stats holds the cumulative counters and RTT estimate for an endpoint.
type Stats struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	BytesSent            uint64
	BytesReceived        uint64
	PacketsLost          uint64
	PacketsRetransmitted uint64
	StreamPacketsSent    uint64
	DatagramPacketsSent  uint64
	RTTMin               time.Duration
	RTTMax               time.Duration
	RTTAvg               time.Duration
}

// LossRate returns the fraction of sent packets that were ultimately
// declared lost.
func (s Stats) LossRate() float64 {
	total := s.PacketsSent
	if total == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(total)
}

// ChannelUseRatio returns the fraction of sent packets that went out on
// the stream (TCP) channel rather than the datagram (UDP) one.
func (s Stats) ChannelUseRatio() float64 {
	total := s.StreamPacketsSent + s.DatagramPacketsSent
	if total == 0 {
		return 0
	}
	return float64(s.StreamPacketsSent) / float64(total)
}

func (s *Stats) updateRTT(sample time.Duration) {
	if s.RTTMin == 0 || sample < s.RTTMin {
		s.RTTMin = sample
	}
	if sample > s.RTTMax {
		s.RTTMax = sample
	}
	if s.RTTAvg == 0 {
		s.RTTAvg = sample
		return
	}
	s.RTTAvg = (7*s.RTTAvg + sample) / 8
}

// Endpoint is one side of a Hybrid Transport Protocol session. All of
// its methods are call-driven (send_data/poll_incoming/tick) rather than
// goroutine-driven, so it can be owned and mutated without locks by a
// single-threaded event loop.
type Endpoint struct {
	cfg EndpointConfig
	rng *rand.Rand

	udpConn net.Conn
	tcpConn net.Conn

	sendSeq uint32
	recvSeq uint32
	ackSeq  uint32

	sendBuf *sendBuffer
	recvBuf *recvBuffer

	lastActivity  time.Time
	lastHeartbeat time.Time

	connected bool
	stats     Stats
}

// NewEndpoint constructs an endpoint over the given channels (either may
// be nil depending on cfg.Mode) using rt for its local PRNG seed.
func NewEndpoint(rt *Runtime, cfg EndpointConfig, udpConn, tcpConn net.Conn) *Endpoint {
	rng := rt.newEndpointRNG()
	now := time.Now()

	return &Endpoint{
		cfg:           cfg,
		rng:           rng,
		udpConn:       udpConn,
		tcpConn:       tcpConn,
		sendSeq:       rng.Uint32(),
		sendBuf:       newSendBuffer(cfg.SendWindow),
		recvBuf:       newRecvBuffer(),
		lastActivity:  now,
		lastHeartbeat: now,
		connected:     true,
	}
}

// Connected reports whether the endpoint still accepts sends.
func (e *Endpoint) Connected() bool {
	return e.connected
}

// Stats returns a snapshot of the endpoint's counters.
func (e *Endpoint) Stats() Stats {
	return e.stats
}

func (e *Endpoint) channelSelectorState() selectorState {
	return selectorState{
		mode:          e.cfg.Mode,
		udpPreference: e.cfg.UDPPreference,
		lossRate:      e.stats.LossRate(),
		rttAvgMS:      float64(e.stats.RTTAvg.Milliseconds()),
	}
}

func (e *Endpoint) preferStream() bool {
	return shouldUseStreamChannel(e.channelSelectorState(), e.rng)
}

// sendOn writes data on the given conn, returning ErrWouldBlock if conn
// is nil.
func (e *Endpoint) sendOn(conn net.Conn, data []byte) error {
	if conn == nil {
		return ErrWouldBlock
	}
	_, err := conn.Write(data)
	return err
}

// sendPacket tries the preferred channel first, falling back to the
// other channel if the first attempt fails.
func (e *Endpoint) sendPacket(data []byte, preferStream bool) error {
	first, second := e.udpConn, e.tcpConn
	if preferStream {
		first, second = e.tcpConn, e.udpConn
	}

	if err := e.sendOn(first, data); err == nil {
		e.recordSent(first, len(data))
		return nil
	}

	if err := e.sendOn(second, data); err == nil {
		e.recordSent(second, len(data))
		return nil
	}

	return ErrWouldBlock
}

// recordSent updates the byte/packet counters and the stream-vs-datagram
// channel-use tally for a packet that went out on conn.
func (e *Endpoint) recordSent(conn net.Conn, n int) {
	e.stats.PacketsSent++
	e.stats.BytesSent += uint64(n)
	if conn == e.tcpConn {
		e.stats.StreamPacketsSent++
	} else {
		e.stats.DatagramPacketsSent++
	}
	e.lastActivity = time.Now()
}

func (e *Endpoint) buildHeader(typ PacketType) Header {
	return Header{
		Version:     Version1,
		Type:        typ,
		AckSequence: e.ackSeq,
		WindowSize:  uint16(e.cfg.RecvWindow),
		Timestamp:   uint32(time.Now().UnixMilli()),
	}
}

// SendData fragments data into payload-sized chunks and queues each as a
// Data packet, picking a channel per fragment via the selector.
func (e *Endpoint) SendData(data []byte) (int, error) {
	if !e.connected {
		return 0, ErrEndpointClosed
	}

	sent := 0
	for sent < len(data) {
		end := sent + MaxPayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]

		h := e.buildHeader(TypeData)
		h.Sequence = e.sendSeq

		wire, err := Encode(h, chunk)
		if err != nil {
			return sent, err
		}

		if err := e.sendBuf.add(Packet{Header: h, Payload: chunk}, time.Now()); err != nil {
			return sent, err
		}

		if err := e.sendPacket(wire, e.preferStream()); err != nil {
			// Revert the buffered entry; nothing was actually sent.
			e.sendBuf.ack(h.Sequence)
			return sent, err
		}

		e.sendSeq++
		sent = end
	}

	return sent, nil
}

// RecvData drains whatever in-order payload is currently buffered into out.
func (e *Endpoint) RecvData(out []byte) int {
	n, newSeq := e.recvBuf.drain(out, e.recvSeq)
	e.recvSeq = newSeq
	return n
}

// pollConn performs a single non-blocking read attempt on conn.
func pollConn(conn net.Conn) ([]byte, error) {
	if conn == nil {
		return nil, ErrWouldBlock
	}

	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, err
	}

	buf := make([]byte, MaxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrWouldBlock
		}
		return nil, err
	}

	return buf[:n], nil
}

// PollIncoming reads whatever is available on the datagram channel, then
// the stream channel, dispatching every validly-decoded packet.
func (e *Endpoint) PollIncoming() error {
	if data, err := pollConn(e.udpConn); err == nil {
		e.handleIncoming(data, e.udpConn)
	} else if !errors.Is(err, ErrWouldBlock) {
		return err
	}

	if data, err := pollConn(e.tcpConn); err == nil {
		e.handleIncoming(data, e.tcpConn)
	} else if !errors.Is(err, ErrWouldBlock) {
		return err
	}

	return nil
}

func (e *Endpoint) handleIncoming(data []byte, arrivedOn net.Conn) {
	pkt, err := Decode(data)
	if err != nil {
		return
	}

	e.stats.PacketsReceived++
	e.stats.BytesReceived += uint64(len(data))
	e.lastActivity = time.Now()

	switch pkt.Header.Type {
	case TypeData:
		e.ackSeq = pkt.Header.Sequence
		e.recvBuf.insert(pkt, time.Now())
		e.sendAck(pkt.Header.Sequence, arrivedOn)
	case TypeAck:
		e.handleAck(pkt.Header.AckSequence)
	case TypeHeartbeat:
		// lastActivity already refreshed above.
	case TypeControl:
		if pkt.Header.HasFlag(FlagClose) {
			e.connected = false
		}
	case TypeNack, TypeRetransmitRequest:
		// Reserved; no-op.
	}
}

func (e *Endpoint) sendAck(ackedSeq uint32, on net.Conn) {
	h := e.buildHeader(TypeAck)
	h.AckSequence = ackedSeq
	wire, err := Encode(h, nil)
	if err != nil {
		return
	}
	_ = e.sendOn(on, wire)
}

func (e *Endpoint) handleAck(seq uint32) {
	for _, entry := range e.sendBuf.entries {
		if entry.packet.Header.Sequence == seq {
			rtt := time.Since(entry.firstSendTime)
			e.stats.updateRTT(rtt)
			break
		}
	}
	e.sendBuf.ack(seq)
}

// Tick runs the retransmission, heartbeat and idle-timeout pass. It
// returns true if the endpoint transitioned to not-connected as a result
// of an idle timeout.
func (e *Endpoint) Tick(now time.Time) bool {
	for _, seq := range e.sendBuf.expired(now, e.cfg.RetransmitTimeout) {
		entry, ok := e.sendBuf.get(seq)
		if !ok {
			continue
		}

		if lost := e.sendBuf.markRetransmitted(seq, now, e.cfg.MaxRetransmits); lost {
			e.stats.PacketsLost++
			continue
		}

		wire, err := Encode(entry.packet.Header, entry.packet.Payload)
		if err == nil {
			_ = e.sendPacket(wire, true)
			e.stats.PacketsRetransmitted++
		}
	}

	if now.Sub(e.lastHeartbeat) > e.cfg.HeartbeatInterval {
		h := e.buildHeader(TypeHeartbeat)
		h.Sequence = e.sendSeq
		wire, err := Encode(h, nil)
		if err == nil {
			if sendErr := e.sendPacket(wire, false); sendErr == nil {
				e.lastHeartbeat = now
				e.sendSeq++
			}
		}
	}

	if now.Sub(e.lastActivity) > e.cfg.IdleTimeout {
		e.connected = false
		return true
	}

	return false
}

// Close marks the endpoint closed, sending a Control packet with the
// close flag on a best-effort basis, then closes whichever of
// udpConn/tcpConn the endpoint was constructed with.
func (e *Endpoint) Close() error {
	if e.connected {
		h := e.buildHeader(TypeControl)
		h.Flags |= FlagClose
		if wire, err := Encode(h, nil); err == nil {
			_ = e.sendPacket(wire, false)
		}
		e.connected = false
	}
	if e.udpConn != nil {
		e.udpConn.Close()
	}
	if e.tcpConn != nil {
		e.tcpConn.Close()
	}
	return nil
}
