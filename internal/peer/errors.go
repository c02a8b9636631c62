package peer

import "errors"

// Peer-layer errors (spec.md §7, "Peer layer").
var (
	ErrConnectFailed     = errors.New("peer: connect failed")
	ErrHasNoPeerAddr     = errors.New("peer: connection has no remote address")
	ErrHasNoLocalAddr    = errors.New("peer: connection has no local address")
	ErrReadMessageFailed = errors.New("peer: read message failed")
	ErrDisconnected      = errors.New("peer: disconnected")
	ErrShutdown          = errors.New("peer: shutdown requested")
	ErrShutdownFailed    = errors.New("peer: shutdown failed")
	ErrChannelError      = errors.New("peer: channel error")
)
