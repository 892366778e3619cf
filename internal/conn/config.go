package conn

import (
	"fmt"
	"time"

	"github.com/LemmyAI/gamenet/internal/protocol"
)

// Config holds per-connection tuning.
type Config struct {
	MaxPacket      int // bytes per datagram, at most protocol.MaxPacketSize
	PacketOverhead int // bytes of lower-layer header counted per packet
	NetSpeed       int // bytes per second

	KeepAliveTime         time.Duration
	InitialConnectTimeout time.Duration // while Pending
	ConnectionTimeout     time.Duration // once Open
	ControlResendTime     time.Duration // control channel resend until open is acked
	StatPeriod            time.Duration

	// InternalAck treats every reliable bunch as acknowledged, for lossless
	// links and recording.
	InternalAck bool

	// ExplicitNaks sends nak records for gaps of at most MaxExplicitNaks
	// packet ids.
	ExplicitNaks    bool
	MaxExplicitNaks int

	MaxQueuedControl int // queued control messages before the connection is closed

	// Simulation drops or duplicates outgoing packets.
	Simulation Simulation
}

// Simulation configures packet loss and duplication, in percent.
type Simulation struct {
	Loss int
	Dup  int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPacket:             protocol.MaxPacketSize,
		PacketOverhead:        28, // IPv4 + UDP
		NetSpeed:              10000,
		KeepAliveTime:         200 * time.Millisecond,
		InitialConnectTimeout: 30 * time.Second,
		ConnectionTimeout:     15 * time.Second,
		ControlResendTime:     time.Second,
		StatPeriod:            time.Second,
		ExplicitNaks:          true,
		MaxExplicitNaks:       8,
		MaxQueuedControl:      256,
	}
}

// Validate checks the configuration for values the protocol cannot honour.
func (c Config) Validate() error {
	if c.MaxPacket <= 0 || c.MaxPacket > protocol.MaxPacketSize {
		return fmt.Errorf("max packet %d outside (0, %d]", c.MaxPacket, protocol.MaxPacketSize)
	}
	minPacket := (protocol.MaxPacketHeaderBits + protocol.MaxBunchHeaderBits + protocol.MaxPacketTrailerBits + 7) / 8
	if c.MaxPacket <= minPacket {
		return fmt.Errorf("max packet %d too small for a bunch header", c.MaxPacket)
	}
	if c.NetSpeed <= 0 {
		return fmt.Errorf("net speed must be positive, got %d", c.NetSpeed)
	}
	if c.InitialConnectTimeout <= 0 || c.ConnectionTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Simulation.Loss < 0 || c.Simulation.Loss > 100 || c.Simulation.Dup < 0 || c.Simulation.Dup > 100 {
		return fmt.Errorf("simulation percentages must be within [0, 100]")
	}
	return nil
}
