// Package bitstream reads and writes LSB-first bit streams over byte buffers.
//
// Bits are packed starting at the least significant bit of each byte. Both
// Writer and Reader carry a sticky error: once a read or write overflows,
// every later operation is a no-op and Err reports ErrOverflow.
package bitstream

import "errors"

// ErrOverflow is reported when a write exceeds the writer's capacity or a
// read runs past the end of the stream.
var ErrOverflow = errors.New("bitstream: overflow")

// ErrValueRange is reported when WriteInt is given a value outside [0, max).
var ErrValueRange = errors.New("bitstream: value out of range")

// Writer accumulates bits into a byte buffer.
type Writer struct {
	buf     []byte
	numBits int
	maxBits int // 0 means unbounded
	err     error
}

// NewWriter creates a writer that accepts at most maxBits bits.
// A maxBits of zero creates an unbounded writer.
func NewWriter(maxBits int) *Writer {
	w := &Writer{maxBits: maxBits}
	if maxBits > 0 {
		w.buf = make([]byte, 0, (maxBits+7)/8)
	}
	return w
}

func (w *Writer) reserve(n int) bool {
	if w.err != nil {
		return false
	}
	if w.maxBits > 0 && w.numBits+n > w.maxBits {
		w.err = ErrOverflow
		return false
	}
	return true
}

func (w *Writer) put(bit bool) {
	if w.numBits&7 == 0 {
		w.buf = append(w.buf, 0)
	}
	if bit {
		w.buf[w.numBits>>3] |= 1 << uint(w.numBits&7)
	}
	w.numBits++
}

// WriteBit appends a single bit.
func (w *Writer) WriteBit(bit bool) {
	if !w.reserve(1) {
		return
	}
	w.put(bit)
}

// WriteInt writes value bounded by max using the fewest bits that can hold
// any value below max. Bits are emitted low to high and emission stops as
// soon as no higher bit could keep the value below max, so the reader must
// be given the same max.
func (w *Writer) WriteInt(value, max uint32) {
	if w.err != nil {
		return
	}
	if value >= max {
		w.err = ErrValueRange
		return
	}
	var acc uint32
	for mask := uint32(1); acc+mask < max && mask != 0; mask <<= 1 {
		bit := value&mask != 0
		if !w.reserve(1) {
			return
		}
		w.put(bit)
		if bit {
			acc += mask
		}
	}
}

// WriteUint writes the low bits of value as a fixed-width field.
func (w *Writer) WriteUint(value uint32, bits int) {
	if !w.reserve(bits) {
		return
	}
	for i := 0; i < bits; i++ {
		w.put(value&(1<<uint(i)) != 0)
	}
}

// WriteBits appends numBits bits taken LSB-first from src.
func (w *Writer) WriteBits(src []byte, numBits int) {
	if numBits > len(src)*8 {
		if w.err == nil {
			w.err = ErrOverflow
		}
		return
	}
	if !w.reserve(numBits) {
		return
	}
	if w.numBits&7 == 0 {
		// Aligned fast path.
		full := numBits >> 3
		w.buf = append(w.buf, src[:full]...)
		w.numBits += full * 8
		for i := full * 8; i < numBits; i++ {
			w.put(src[i>>3]&(1<<uint(i&7)) != 0)
		}
		return
	}
	for i := 0; i < numBits; i++ {
		w.put(src[i>>3]&(1<<uint(i&7)) != 0)
	}
}

// WriteBytes appends whole bytes.
func (w *Writer) WriteBytes(p []byte) {
	w.WriteBits(p, len(p)*8)
}

// WriteFrom appends everything written to other.
func (w *Writer) WriteFrom(other *Writer) {
	w.WriteBits(other.buf, other.numBits)
}

// Truncate discards every bit at or beyond position n.
func (w *Writer) Truncate(n int) {
	if n < 0 || n > w.numBits {
		return
	}
	w.numBits = n
	w.buf = w.buf[:(n+7)/8]
	if n&7 != 0 {
		w.buf[n>>3] &= byte(1<<uint(n&7)) - 1
	}
}

// Reset empties the writer and clears any error.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.numBits = 0
	w.err = nil
}

// NumBits returns the number of bits written.
func (w *Writer) NumBits() int { return w.numBits }

// NumBytes returns the number of bytes needed to hold the written bits.
func (w *Writer) NumBytes() int { return (w.numBits + 7) / 8 }

// MaxBits returns the writer's capacity, or zero when unbounded.
func (w *Writer) MaxBits() int { return w.maxBits }

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Err returns the sticky error, if any.
func (w *Writer) Err() error { return w.err }

// Reader consumes bits from a byte buffer.
type Reader struct {
	buf     []byte
	numBits int
	pos     int
	err     error
}

// NewReader creates a reader over the first numBits bits of data.
func NewReader(data []byte, numBits int) *Reader {
	if numBits > len(data)*8 {
		numBits = len(data) * 8
	}
	return &Reader{buf: data, numBits: numBits}
}

func (r *Reader) take(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > r.numBits {
		r.err = ErrOverflow
		r.pos = r.numBits
		return false
	}
	return true
}

func (r *Reader) get() bool {
	bit := r.buf[r.pos>>3]&(1<<uint(r.pos&7)) != 0
	r.pos++
	return bit
}

// ReadBit consumes one bit.
func (r *Reader) ReadBit() bool {
	if !r.take(1) {
		return false
	}
	return r.get()
}

// PeekBit returns the next bit without consuming it.
func (r *Reader) PeekBit() bool {
	if r.err != nil || r.pos >= r.numBits {
		return false
	}
	return r.buf[r.pos>>3]&(1<<uint(r.pos&7)) != 0
}

// ReadInt reads a value written by Writer.WriteInt with the same max.
func (r *Reader) ReadInt(max uint32) uint32 {
	var value uint32
	for mask := uint32(1); value+mask < max && mask != 0; mask <<= 1 {
		if !r.take(1) {
			return 0
		}
		if r.get() {
			value |= mask
		}
	}
	return value
}

// ReadUint reads a fixed-width field.
func (r *Reader) ReadUint(bits int) uint32 {
	if !r.take(bits) {
		return 0
	}
	var value uint32
	for i := 0; i < bits; i++ {
		if r.get() {
			value |= 1 << uint(i)
		}
	}
	return value
}

// ReadBits consumes numBits bits and returns them packed LSB-first in a new
// slice.
func (r *Reader) ReadBits(numBits int) []byte {
	if numBits < 0 || !r.take(numBits) {
		return nil
	}
	out := make([]byte, (numBits+7)/8)
	if r.pos&7 == 0 {
		full := numBits >> 3
		copy(out, r.buf[r.pos>>3:r.pos>>3+full])
		r.pos += full * 8
		for i := full * 8; i < numBits; i++ {
			if r.get() {
				out[i>>3] |= 1 << uint(i&7)
			}
		}
		return out
	}
	for i := 0; i < numBits; i++ {
		if r.get() {
			out[i>>3] |= 1 << uint(i&7)
		}
	}
	return out
}

// ReadBytes consumes n whole bytes.
func (r *Reader) ReadBytes(n int) []byte {
	return r.ReadBits(n * 8)
}

// Pos returns the current bit position.
func (r *Reader) Pos() int { return r.pos }

// NumBits returns the total number of readable bits.
func (r *Reader) NumBits() int { return r.numBits }

// Remaining returns the number of unread bits.
func (r *Reader) Remaining() int { return r.numBits - r.pos }

// AtEnd reports whether every bit has been consumed.
func (r *Reader) AtEnd() bool { return r.pos >= r.numBits }

// Err returns the sticky error, if any.
func (r *Reader) Err() error { return r.err }
