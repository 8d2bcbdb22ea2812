package htp

import "math/rand"

// selectorState is the observed path health consulted by
// shouldUseStreamChannel.
type selectorState struct {
	mode          TransportMode
	udpPreference float64
	lossRate      float64
	rttAvgMS      float64
}

// shouldUseStreamChannel decides, for a single Data packet, whether to
// send over the stream (TCP) channel instead of the datagram (UDP) one.
func shouldUseStreamChannel(s selectorState, rng *rand.Rand) bool {
	switch s.mode {
	case ModeUDPOnly:
		return false
	case ModeTCPOnly:
		return true
	}

	p := 1 - s.udpPreference
	if s.lossRate > 0.05 {
		p += 0.3
	}
	if s.rttAvgMS > 200 {
		p += 0.2
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	return rng.Float64() < p
}
