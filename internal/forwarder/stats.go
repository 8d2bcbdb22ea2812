package forwarder

import (
	"sync"
	"sync/atomic"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats accumulates forwarder-wide byte counters and doubles as a
// prometheus.Collector exposing them alongside per-pair target file
// descriptor, HTP loss/retransmit/RTT and channel-use gauges, grounded
// on the Describe/Collect split of a connection-tracking collector.
type Stats struct {
	pool *Pool

	bytesSent     uint64
	bytesReceived uint64

	mu  sync.Mutex
	fds map[string]int

	descBytesSent            *prometheus.Desc
	descBytesReceived        *prometheus.Desc
	descTargetFD             *prometheus.Desc
	descPairsActive          *prometheus.Desc
	descPacketsLost          *prometheus.Desc
	descPacketsRetransmitted *prometheus.Desc
	descRTTAvg               *prometheus.Desc
	descChannelUseRatio      *prometheus.Desc
}

// NewStats builds an empty Stats collector reporting on pool's pairs.
func NewStats(pool *Pool) *Stats {
	return &Stats{
		pool: pool,
		fds:  make(map[string]int),
		descBytesSent: prometheus.NewDesc(
			"htpfwd_bytes_sent_total", "Bytes relayed from clients to targets.", nil, nil),
		descBytesReceived: prometheus.NewDesc(
			"htpfwd_bytes_received_total", "Bytes relayed from targets to clients.", nil, nil),
		descTargetFD: prometheus.NewDesc(
			"htpfwd_pair_target_fd", "Raw file descriptor behind a pair's target socket.",
			[]string{"pair_id"}, nil),
		descPairsActive: prometheus.NewDesc(
			"htpfwd_pairs_active", "Connection pairs currently tracked by the pool.", nil, nil),
		descPacketsLost: prometheus.NewDesc(
			"htpfwd_packets_lost_total", "HTP packets declared lost after exhausting retransmits.",
			[]string{"pair_id"}, nil),
		descPacketsRetransmitted: prometheus.NewDesc(
			"htpfwd_packets_retransmitted_total", "HTP packets retransmitted.",
			[]string{"pair_id"}, nil),
		descRTTAvg: prometheus.NewDesc(
			"htpfwd_rtt_avg_milliseconds", "HTP endpoint smoothed round-trip time.",
			[]string{"pair_id"}, nil),
		descChannelUseRatio: prometheus.NewDesc(
			"htpfwd_channel_stream_ratio", "Fraction of HTP packets sent over the stream channel.",
			[]string{"pair_id"}, nil),
	}
}

// AddBytesSent accounts for n bytes forwarded client -> target.
func (s *Stats) AddBytesSent(n int) {
	atomic.AddUint64(&s.bytesSent, uint64(n))
}

// AddBytesReceived accounts for n bytes forwarded target -> client.
func (s *Stats) AddBytesReceived(n int) {
	atomic.AddUint64(&s.bytesReceived, uint64(n))
}

// BytesSent returns the cumulative client -> target byte count.
func (s *Stats) BytesSent() uint64 {
	return atomic.LoadUint64(&s.bytesSent)
}

// BytesReceived returns the cumulative target -> client byte count.
func (s *Stats) BytesReceived() uint64 {
	return atomic.LoadUint64(&s.bytesReceived)
}

// TrackTarget records the raw fd behind pair's target connection. A fast
// reconnect that keeps the target socket warm across a client drop shows
// up here as an unchanged fd for the same pair ID across calls.
func (s *Stats) TrackTarget(pair *Pair) {
	if pair.TargetConn == nil {
		return
	}

	fd := netfd.GetFdFromConn(pair.TargetConn)
	if fd < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fds[pair.ID.String()] = fd
}

// Untrack drops pair's tracked fd once it leaves the pool.
func (s *Stats) Untrack(pair *Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fds, pair.ID.String())
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(descs chan<- *prometheus.Desc) {
	descs <- s.descBytesSent
	descs <- s.descBytesReceived
	descs <- s.descTargetFD
	descs <- s.descPairsActive
	descs <- s.descPacketsLost
	descs <- s.descPacketsRetransmitted
	descs <- s.descRTTAvg
	descs <- s.descChannelUseRatio
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(s.descBytesSent, prometheus.CounterValue, float64(s.BytesSent()))
	metrics <- prometheus.MustNewConstMetric(s.descBytesReceived, prometheus.CounterValue, float64(s.BytesReceived()))

	if s.pool != nil {
		pairs := s.pool.Pairs()
		metrics <- prometheus.MustNewConstMetric(s.descPairsActive, prometheus.GaugeValue, float64(len(pairs)))

		for _, pair := range pairs {
			if pair.Endpoint == nil {
				continue
			}
			pairID := pair.ID.String()
			epStats := pair.Endpoint.Stats()
			metrics <- prometheus.MustNewConstMetric(s.descPacketsLost, prometheus.CounterValue, float64(epStats.PacketsLost), pairID)
			metrics <- prometheus.MustNewConstMetric(s.descPacketsRetransmitted, prometheus.CounterValue, float64(epStats.PacketsRetransmitted), pairID)
			metrics <- prometheus.MustNewConstMetric(s.descRTTAvg, prometheus.GaugeValue, float64(epStats.RTTAvg.Milliseconds()), pairID)
			metrics <- prometheus.MustNewConstMetric(s.descChannelUseRatio, prometheus.GaugeValue, epStats.ChannelUseRatio(), pairID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for pairID, fd := range s.fds {
		metrics <- prometheus.MustNewConstMetric(s.descTargetFD, prometheus.GaugeValue, float64(fd), pairID)
	}
}
