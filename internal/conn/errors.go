package conn

import "errors"

var (
	ErrChannelBroken      = errors.New("channel broken")
	ErrChannelClosing     = errors.New("channel is closing")
	ErrChannelClosed      = errors.New("channel is closed")
	ErrConnectionTimeout  = errors.New("connection timed out")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReliableBufferFull = errors.New("reliable buffer full")
	ErrBunchOverflow      = errors.New("bunch does not fit in a packet")
	ErrNoFreeChannel      = errors.New("no free channel index")
	ErrChannelInUse       = errors.New("channel index in use")
	ErrUnknownChannelType = errors.New("unknown channel type")
	ErrTemporaryReliable  = errors.New("reliable send on temporary channel")
	ErrControlOverflow    = errors.New("control message queue overflow")
	ErrFileRefused        = errors.New("file transfer refused")
	ErrFileIncomplete     = errors.New("file transfer incomplete")
)
