package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/LemmyAI/gamenet/internal/bitstream"
)

func TestEncodeDecodeBunch(t *testing.T) {
	tests := []struct {
		name  string
		bunch Bunch
	}{
		{"reliable open", Bunch{ChIndex: 5, ChType: ChannelTypeActor, ChSequence: 1, Reliable: true, Open: true, Data: []byte{0xde, 0xad}, NumBits: 16}},
		{"unreliable", Bunch{ChIndex: 7, Data: []byte{0x05}, NumBits: 3}},
		{"close", Bunch{ChIndex: 0, ChType: ChannelTypeControl, ChSequence: 1023, Reliable: true, Close: true, Data: []byte{}, NumBits: 0}},
		{"partial final", Bunch{ChIndex: 1022, ChType: ChannelTypeFile, ChSequence: 44, Reliable: true, Partial: true, PartialFinal: true, Data: []byte{1, 2, 3, 4}, NumBits: 32}},
		{"unreliable open", Bunch{ChIndex: 3, ChType: ChannelTypeActor, Open: true, Data: []byte{0xff}, NumBits: 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := EncodeBunch(&tt.bunch)
			if err != nil {
				t.Fatalf("EncodeBunch failed: %v", err)
			}

			r := bitstream.NewReader(w.Bytes(), w.NumBits())
			got, err := DecodeBunch(r)
			if err != nil {
				t.Fatalf("DecodeBunch failed: %v", err)
			}
			if !r.AtEnd() {
				t.Errorf("expected reader at end, %d bits left", r.Remaining())
			}

			want := tt.bunch
			if got.ChIndex != want.ChIndex || got.ChSequence != want.ChSequence || got.ChType != want.ChType {
				t.Errorf("header mismatch: got %s, want %s", got, &want)
			}
			if got.Reliable != want.Reliable || got.Open != want.Open || got.Close != want.Close ||
				got.Partial != want.Partial || got.PartialFinal != want.PartialFinal {
				t.Errorf("flag mismatch: got %s, want %s", got, &want)
			}
			if got.NumBits != want.NumBits || !bytes.Equal(got.Payload(), want.Payload()) {
				t.Errorf("payload mismatch: got %x/%d, want %x/%d", got.Data, got.NumBits, want.Data, want.NumBits)
			}
		})
	}
}

func TestEncodeBunchDeterministic(t *testing.T) {
	b := Bunch{ChIndex: 9, ChType: ChannelTypeActor, ChSequence: 12, Reliable: true, Data: []byte("payload"), NumBits: 56}
	w1, _ := EncodeBunch(&b)
	w2, _ := EncodeBunch(&b)
	if w1.NumBits() != w2.NumBits() || !bytes.Equal(w1.Bytes(), w2.Bytes()) {
		t.Error("encoding must be deterministic")
	}
}

func TestDecodeBunchPayloadOverflow(t *testing.T) {
	b := Bunch{ChIndex: 2, Data: make([]byte, 10), NumBits: 80}
	w, err := EncodeBunch(&b)
	if err != nil {
		t.Fatalf("EncodeBunch failed: %v", err)
	}

	// Chop the payload so the declared length runs past the packet.
	r := bitstream.NewReader(w.Bytes(), w.NumBits()-16)
	_, err = DecodeBunch(r)
	if !errors.Is(err, ErrMalformedBunch) {
		t.Errorf("expected ErrMalformedBunch, got %v", err)
	}
}

func TestDecodeBunchChannelOutOfRange(t *testing.T) {
	w := bitstream.NewWriter(0)
	w.WriteBit(false) // bunch
	w.WriteBit(false) // no control
	w.WriteBit(false) // unreliable
	w.WriteUint(MaxChannels, channelIndexBits)
	w.WriteBit(false)
	w.WriteInt(0, MaxPacketBits)

	_, err := DecodeBunch(bitstream.NewReader(w.Bytes(), w.NumBits()))
	if !errors.Is(err, ErrChannelIndexOutOfRange) {
		t.Errorf("expected ErrChannelIndexOutOfRange, got %v", err)
	}
	if !errors.Is(err, ErrMalformedBunch) {
		t.Errorf("expected the error to be a malformed bunch, got %v", err)
	}
}

func TestEncodeBunchRejectsBadIndex(t *testing.T) {
	_, err := EncodeBunch(&Bunch{ChIndex: MaxChannels})
	if !errors.Is(err, ErrChannelIndexOutOfRange) {
		t.Errorf("expected ErrChannelIndexOutOfRange, got %v", err)
	}
}

func TestPacketFraming(t *testing.T) {
	w := bitstream.NewWriter(MaxPacketBits)
	WritePacketHeader(w, 16384+77)
	WriteAck(w, AckRecord{PacketID: 41})
	WriteAck(w, AckRecord{PacketID: 40, Nak: true})
	FinishPacket(w)
	if w.NumBits()%8 != 0 {
		t.Fatalf("packet not byte aligned: %d bits", w.NumBits())
	}

	r, err := OpenPacket(w.Bytes())
	if err != nil {
		t.Fatalf("OpenPacket failed: %v", err)
	}
	id, err := ReadPacketHeader(r)
	if err != nil {
		t.Fatalf("ReadPacketHeader failed: %v", err)
	}
	if id != 77 {
		t.Errorf("expected wire id 77, got %d", id)
	}

	if !IsAckRecord(r) {
		t.Fatal("expected ack record")
	}
	ack, err := ReadAck(r)
	if err != nil || ack.PacketID != 41 || ack.Nak {
		t.Errorf("unexpected ack %+v (%v)", ack, err)
	}
	nak, err := ReadAck(r)
	if err != nil || nak.PacketID != 40 || !nak.Nak {
		t.Errorf("unexpected nak %+v (%v)", nak, err)
	}
	if !r.AtEnd() {
		t.Errorf("expected end of packet, %d bits left", r.Remaining())
	}
}

func TestOpenPacketErrors(t *testing.T) {
	if _, err := OpenPacket(nil); !errors.Is(err, ErrEmptyPacket) {
		t.Errorf("expected ErrEmptyPacket, got %v", err)
	}
	if _, err := OpenPacket([]byte{0x12, 0x00}); !errors.Is(err, ErrMissingTrailer) {
		t.Errorf("expected ErrMissingTrailer, got %v", err)
	}
}

func TestMakeRelative(t *testing.T) {
	tests := []struct {
		value, reference, max, want int
	}{
		{0, -1, MaxPacketID, 0},
		{10, 5, MaxPacketID, 10},
		{3, 16380, MaxPacketID, 16387},
		{16383, 2, MaxPacketID, -1},
		{5, 1030, MaxChSequence, 1029},
		{1, 1023, MaxChSequence, 1025},
	}

	for _, tt := range tests {
		if got := MakeRelative(tt.value, tt.reference, tt.max); got != tt.want {
			t.Errorf("MakeRelative(%d, %d, %d) = %d, want %d", tt.value, tt.reference, tt.max, got, tt.want)
		}
	}
}

func TestControlRoundTrip(t *testing.T) {
	hello, err := EncodeControl(NewHello("1.0.0"))
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	join, err := EncodeControl(NewJoin("TestPlayer"))
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}

	msgs, err := DecodeControl(append(hello, join...))
	if err != nil {
		t.Fatalf("DecodeControl failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != MsgHello || msgs[0].Text("version") != "1.0.0" {
		t.Errorf("unexpected hello %+v", msgs[0])
	}
	if msgs[1].Type != MsgJoin || msgs[1].Text("name") != "TestPlayer" {
		t.Errorf("unexpected join %+v", msgs[1])
	}
}

func TestControlNumbers(t *testing.T) {
	data, err := EncodeControl(NewWelcome("abc123", 30))
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	msgs, err := DecodeControl(data)
	if err != nil {
		t.Fatalf("DecodeControl failed: %v", err)
	}
	if msgs[0].Number("tick_rate") != 30 {
		t.Errorf("expected tick_rate 30, got %v", msgs[0].Number("tick_rate"))
	}
}

func TestDecodeControlTruncated(t *testing.T) {
	data, _ := EncodeControl(NewBye())
	_, err := DecodeControl(data[:len(data)-1])
	if !errors.Is(err, ErrMalformedControl) {
		t.Errorf("expected ErrMalformedControl, got %v", err)
	}
}

func BenchmarkEncodeBunch(b *testing.B) {
	bunch := Bunch{ChIndex: 5, ChType: ChannelTypeActor, ChSequence: 9, Reliable: true, Data: make([]byte, 256), NumBits: 2048}
	for i := 0; i < b.N; i++ {
		_, _ = EncodeBunch(&bunch)
	}
}
