package protocol

import "errors"

var (
	ErrMalformedBunch         = errors.New("malformed bunch")
	ErrChannelIndexOutOfRange = errors.New("channel index out of range")
	ErrMalformedAck           = errors.New("malformed ack record")
	ErrMalformedPacket        = errors.New("malformed packet")
	ErrMissingTrailer         = errors.New("packet missing trailing bit")
	ErrEmptyPacket            = errors.New("empty packet")
	ErrPayloadTooLarge        = errors.New("bunch payload exceeds packet size")
	ErrMalformedControl       = errors.New("malformed control message")
)
