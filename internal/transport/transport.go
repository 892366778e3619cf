// Package transport provides the datagram socket abstraction the net driver
// polls. This allows swapping UDP, WebSocket, or mock implementations without
// changing connection logic.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Socket is a datagram endpoint.
type Socket interface {
	// SendTo writes one datagram to addr.
	SendTo(data []byte, addr string) (int, error)

	// RecvFrom reads one datagram into buf. In non-blocking mode it returns a
	// *SocketError with code WouldBlock when nothing is pending.
	RecvFrom(buf []byte) (int, string, error)

	// SetNonBlocking switches RecvFrom to non-blocking mode.
	SetNonBlocking() error

	// SetReceiveBufferSize sets the OS receive buffer size in bytes.
	SetReceiveBufferSize(size int) error

	// SetSendBufferSize sets the OS send buffer size in bytes.
	SetSendBufferSize(size int) error

	// LocalAddr returns the local address we're bound to.
	LocalAddr() string

	// Close shuts down the socket.
	Close() error
}

// ErrorCode classifies socket failures.
type ErrorCode int

const (
	Other ErrorCode = iota
	WouldBlock
	PortUnreachable
	Closed
)

func (c ErrorCode) String() string {
	switch c {
	case WouldBlock:
		return "would block"
	case PortUnreachable:
		return "port unreachable"
	case Closed:
		return "closed"
	default:
		return "other"
	}
}

// SocketError is the typed error returned by Socket implementations.
// Addr is the peer the error refers to, when known.
type SocketError struct {
	Code ErrorCode
	Addr string
	Err  error
}

func (e *SocketError) Error() string {
	msg := e.Code.String()
	if e.Addr != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Addr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SocketError) Unwrap() error { return e.Err }

// Code extracts the ErrorCode from err, or Other.
func Code(err error) ErrorCode {
	var se *SocketError
	if errors.As(err, &se) {
		return se.Code
	}
	return Other
}

// IsWouldBlock reports whether err means no datagram is pending.
func IsWouldBlock(err error) bool {
	return err != nil && Code(err) == WouldBlock
}

var errWouldBlock = &SocketError{Code: WouldBlock}

// Config holds socket configuration.
type Config struct {
	MaxMessageSize int
	SendBufferSize int
	RecvBufferSize int
	WriteTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1400, // Safe for UDP
		SendBufferSize: 256 * 1024,
		RecvBufferSize: 256 * 1024,
		WriteTimeout:   5 * time.Second,
	}
}
