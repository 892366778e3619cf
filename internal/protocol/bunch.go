package protocol

import (
	"fmt"

	"github.com/LemmyAI/gamenet/internal/bitstream"
)

// Bunch is one logical message on a channel.
//
// ChSequence is the full reliable sequence on the sending side. After
// DecodeBunch it holds the wire value (modulo MaxChSequence); the receiving
// connection expands it with MakeRelative.
type Bunch struct {
	ChIndex      int
	ChType       ChannelType
	ChSequence   int
	PacketID     int
	Reliable     bool
	Open         bool
	Close        bool
	Partial      bool
	PartialFinal bool

	Data    []byte // payload, LSB-first
	NumBits int    // payload length in bits
}

// NumBytes returns the payload size rounded up to whole bytes.
func (b *Bunch) NumBytes() int { return (b.NumBits + 7) / 8 }

// Payload returns the payload trimmed to whole bytes.
func (b *Bunch) Payload() []byte {
	n := b.NumBytes()
	if n > len(b.Data) {
		n = len(b.Data)
	}
	return b.Data[:n]
}

func (b *Bunch) String() string {
	return fmt.Sprintf("bunch{ch=%d type=%s seq=%d rel=%t open=%t close=%t partial=%t/%t bits=%d}",
		b.ChIndex, b.ChType, b.ChSequence, b.Reliable, b.Open, b.Close, b.Partial, b.PartialFinal, b.NumBits)
}

// EncodeBunchHeader writes the record header for b, including the leading
// record-kind bit.
func EncodeBunchHeader(w *bitstream.Writer, b *Bunch) {
	w.WriteBit(false) // not an ack
	control := b.Open || b.Close
	w.WriteBit(control)
	if control {
		w.WriteBit(b.Open)
		w.WriteBit(b.Close)
	}
	w.WriteBit(b.Reliable)
	w.WriteUint(uint32(b.ChIndex), channelIndexBits)
	if b.Reliable {
		w.WriteInt(uint32(wrap(b.ChSequence, MaxChSequence)), MaxChSequence)
	}
	if b.Reliable || b.Open {
		w.WriteInt(uint32(b.ChType), ChannelTypeMax)
	}
	w.WriteBit(b.Partial)
	if b.Partial {
		w.WriteBit(b.PartialFinal)
	}
	w.WriteInt(uint32(b.NumBits), MaxPacketBits)
}

// EncodeBunch serializes b as a complete bunch record.
func EncodeBunch(b *Bunch) (*bitstream.Writer, error) {
	if b.ChIndex < 0 || b.ChIndex >= MaxChannels {
		return nil, fmt.Errorf("encode %d: %w", b.ChIndex, ErrChannelIndexOutOfRange)
	}
	if b.NumBits < 0 || b.NumBits >= MaxPacketBits || b.NumBits > len(b.Data)*8 {
		return nil, fmt.Errorf("encode %d bits: %w", b.NumBits, ErrPayloadTooLarge)
	}
	w := bitstream.NewWriter(MaxBunchHeaderBits + b.NumBits)
	EncodeBunchHeader(w, b)
	w.WriteBits(b.Data, b.NumBits)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode bunch: %w", err)
	}
	return w, nil
}

// DecodeBunch reads one bunch record, including its leading record-kind bit.
// The payload is copied out of the reader.
func DecodeBunch(r *bitstream.Reader) (*Bunch, error) {
	if r.ReadBit() {
		return nil, fmt.Errorf("%w: record is an ack", ErrMalformedBunch)
	}
	b := &Bunch{}
	if r.ReadBit() {
		b.Open = r.ReadBit()
		b.Close = r.ReadBit()
	}
	b.Reliable = r.ReadBit()
	b.ChIndex = int(r.ReadUint(channelIndexBits))
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: header truncated", ErrMalformedBunch)
	}
	if b.ChIndex >= MaxChannels {
		return nil, fmt.Errorf("%w: index %d: %w", ErrMalformedBunch, b.ChIndex, ErrChannelIndexOutOfRange)
	}
	if b.Reliable {
		b.ChSequence = int(r.ReadInt(MaxChSequence))
	}
	if b.Reliable || b.Open {
		b.ChType = ChannelType(r.ReadInt(ChannelTypeMax))
	}
	if b.Partial = r.ReadBit(); b.Partial {
		b.PartialFinal = r.ReadBit()
	}
	b.NumBits = int(r.ReadInt(MaxPacketBits))
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: header truncated", ErrMalformedBunch)
	}
	if b.NumBits > r.Remaining() {
		return nil, fmt.Errorf("%w: payload %d bits exceeds remaining %d", ErrMalformedBunch, b.NumBits, r.Remaining())
	}
	b.Data = r.ReadBits(b.NumBits)
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBunch, r.Err())
	}
	return b, nil
}
