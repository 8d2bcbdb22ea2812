package forwarder

import "errors"

var (
	ErrInvalidInput       = errors.New("forwarder: invalid input")
	ErrSocketCreate       = errors.New("forwarder: socket create failed")
	ErrSocketBind         = errors.New("forwarder: socket bind failed")
	ErrConnectRefused     = errors.New("forwarder: target connection refused")
	ErrConnectTimeout     = errors.New("forwarder: target connection timed out")
	ErrConnectUnreachable = errors.New("forwarder: target unreachable")
	ErrPeerReset          = errors.New("forwarder: peer reset connection")
	ErrPoolExhausted      = errors.New("forwarder: connection pool exhausted")
)
