// Package protocol defines the wire format shared by connections: packet
// framing, ack and bunch records, and the control message codec.
package protocol

import "fmt"

// Protocol-wide limits.
const (
	MaxChannels   = 1023  // channel indices are [0, MaxChannels)
	MaxPacketID   = 16384 // packet ids travel modulo this value
	MaxChSequence = 1024  // reliable sequences travel modulo this value

	// MaxPacketSize is the wire ceiling for one datagram in bytes.
	MaxPacketSize = 1400
	MaxPacketBits = MaxPacketSize * 8

	ReliableBuffer       = 128 // max buffered reliable bunches per direction per channel
	MaxPacketHeaderBits  = 16
	MaxPacketTrailerBits = 1
	MaxBunchHeaderBits   = 64

	// channelIndexBits is the fixed width of the channel index field.
	channelIndexBits = 10
)

// ChannelType selects the behaviour attached to a channel.
type ChannelType uint8

const (
	ChannelTypeNone ChannelType = iota
	ChannelTypeControl
	ChannelTypeActor
	ChannelTypeFile

	// ChannelTypeMax bounds the type field on the wire.
	ChannelTypeMax = 8
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeNone:
		return "none"
	case ChannelTypeControl:
		return "control"
	case ChannelTypeActor:
		return "actor"
	case ChannelTypeFile:
		return "file"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// MakeRelative expands a value truncated modulo max to the full value
// closest to reference. max must be a power of two.
func MakeRelative(value, reference, max int) int {
	return reference + (((value - reference + max/2) & (max - 1)) - max/2)
}
