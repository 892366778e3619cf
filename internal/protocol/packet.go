package protocol

import (
	"fmt"

	"github.com/LemmyAI/gamenet/internal/bitstream"
)

// AckRecordBits is the encoded size of one ack or nak record.
const AckRecordBits = 2 + 14

// AckRecord acknowledges (or, with Nak set, negatively acknowledges) one
// packet. PacketID holds the wire value after ReadAck.
type AckRecord struct {
	PacketID int
	Nak      bool
}

// WritePacketHeader starts a packet with its id.
func WritePacketHeader(w *bitstream.Writer, packetID int) {
	w.WriteInt(uint32(wrap(packetID, MaxPacketID)), MaxPacketID)
}

// ReadPacketHeader reads the truncated packet id.
func ReadPacketHeader(r *bitstream.Reader) (int, error) {
	id := int(r.ReadInt(MaxPacketID))
	if r.Err() != nil {
		return 0, fmt.Errorf("%w: header truncated", ErrMalformedPacket)
	}
	return id, nil
}

// WriteAck appends an ack or nak record.
func WriteAck(w *bitstream.Writer, rec AckRecord) {
	w.WriteBit(true)
	w.WriteBit(rec.Nak)
	w.WriteInt(uint32(wrap(rec.PacketID, MaxPacketID)), MaxPacketID)
}

// ReadAck reads one ack record, including its leading record-kind bit.
func ReadAck(r *bitstream.Reader) (AckRecord, error) {
	if !r.ReadBit() {
		return AckRecord{}, fmt.Errorf("%w: record is a bunch", ErrMalformedAck)
	}
	rec := AckRecord{Nak: r.ReadBit()}
	rec.PacketID = int(r.ReadInt(MaxPacketID))
	if r.Err() != nil {
		return AckRecord{}, fmt.Errorf("%w: %v", ErrMalformedAck, r.Err())
	}
	return rec, nil
}

// IsAckRecord reports whether the next record in r is an ack.
func IsAckRecord(r *bitstream.Reader) bool {
	return r.PeekBit()
}

// FinishPacket writes the trailing 1 bit and pads to a byte boundary.
func FinishPacket(w *bitstream.Writer) {
	w.WriteBit(true)
	for w.NumBits()&7 != 0 {
		w.WriteBit(false)
	}
}

// OpenPacket locates the trailer in a received datagram and returns a reader
// positioned at the packet header and bounded before the trailer.
func OpenPacket(data []byte) (*bitstream.Reader, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	last := data[len(data)-1]
	if last == 0 {
		return nil, ErrMissingTrailer
	}
	bits := len(data)*8 - 1
	for last&0x80 == 0 {
		last <<= 1
		bits--
	}
	return bitstream.NewReader(data, bits), nil
}

func wrap(value, max int) int {
	value %= max
	if value < 0 {
		value += max
	}
	return value
}
