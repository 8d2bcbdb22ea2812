package htp

import "errors"

var (
	ErrInvalidPacket          = errors.New("htp: invalid packet")
	ErrBufferFull             = errors.New("htp: send buffer full")
	ErrEndpointClosed         = errors.New("htp: endpoint closed")
	ErrMaxRetransmitsExceeded = errors.New("htp: max retransmits exceeded")
	ErrWouldBlock             = errors.New("htp: would block")
)
