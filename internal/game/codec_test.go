package game

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDeltaRoundTrip(t *testing.T) {
	a := Delta{
		Tick: 42,
		Full: true,
		Changed: []PlayerState{
			{ID: "p1", Name: "alice", Position: Vec2{X: 1.5, Y: -2}, Velocity: Vec2{X: 100}, LastInput: 7},
			{ID: "p2", Position: Vec2{X: 999, Y: 0.25}},
		},
	}
	b := Delta{Tick: 43, Removed: []string{"p2"}}

	// Two records in one payload, as when bunches merge.
	data := EncodeDelta(EncodeDelta(nil, a), b)

	got, err := DecodeDeltas(data)
	if err != nil {
		t.Fatalf("DecodeDeltas failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0], a) {
		t.Errorf("first delta: got %+v, want %+v", got[0], a)
	}
	if !reflect.DeepEqual(got[1], b) {
		t.Errorf("second delta: got %+v, want %+v", got[1], b)
	}
}

func TestDeltaSkipsUnknownFields(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, deltaTick, protowire.VarintType)
	body = protowire.AppendVarint(body, 9)
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendString(body, "future")
	data := protowire.AppendBytes(nil, body)

	got, err := DecodeDeltas(data)
	if err != nil {
		t.Fatalf("DecodeDeltas failed: %v", err)
	}
	if len(got) != 1 || got[0].Tick != 9 {
		t.Errorf("unexpected %+v", got)
	}
}

func TestDeltaMalformed(t *testing.T) {
	valid := EncodeDelta(nil, Delta{Tick: 1, Changed: []PlayerState{{ID: "p"}}})

	var noID []byte
	noID = protowire.AppendTag(noID, deltaChanged, protowire.BytesType)
	noID = protowire.AppendBytes(noID, protowire.AppendTag(nil, playerX, protowire.Fixed32Type))

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-2]},
		{"bad length", []byte{0xff}},
		{"player without id", protowire.AppendBytes(nil, noID)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDeltas(tt.data); !errors.Is(err, ErrMalformedDelta) {
				t.Errorf("expected ErrMalformedDelta, got %v", err)
			}
		})
	}
}

func TestDeltaEmpty(t *testing.T) {
	if !(Delta{Tick: 3}).Empty() {
		t.Error("a delta without changes is empty")
	}
	if (Delta{Full: true}).Empty() {
		t.Error("a full sync is never empty")
	}
}

func TestMirrorApply(t *testing.T) {
	m := NewMirror()
	feed := func(d Delta) {
		data := EncodeDelta(nil, d)
		m.OnBunchReceived(data, len(data)*8)
	}

	feed(Delta{Tick: 1, Full: true, Changed: []PlayerState{{ID: "b"}, {ID: "a"}}})
	feed(Delta{Tick: 2, Changed: []PlayerState{{ID: "a", Position: Vec2{X: 5}}}, Removed: []string{"b"}})

	players := m.Players()
	if len(players) != 1 || players[0].ID != "a" || players[0].Position.X != 5 {
		t.Errorf("unexpected players %+v", players)
	}
	if m.Tick() != 2 || m.Updates() != 2 || !m.Open() {
		t.Errorf("unexpected tick %d updates %d open %v", m.Tick(), m.Updates(), m.Open())
	}

	// A full sync replaces everything.
	feed(Delta{Tick: 3, Full: true, Changed: []PlayerState{{ID: "c"}}})
	if _, ok := m.Player("a"); ok {
		t.Error("expected a dropped by full sync")
	}

	m.OnChannelClosed()
	if len(m.Players()) != 0 || m.Open() {
		t.Error("expected mirror cleared on close")
	}
}

func TestServerReplicator(t *testing.T) {
	state := NewState(DefaultConfig(), nil)
	r := NewServerReplicator(state)

	decode := func(data []byte) Delta {
		t.Helper()
		ds, err := DecodeDeltas(data)
		if err != nil || len(ds) != 1 {
			t.Fatalf("decode: %v (%d deltas)", err, len(ds))
		}
		return ds[0]
	}

	data, ok := r.ProduceBunchPayload()
	if !ok || !decode(data).Full {
		t.Fatal("expected the first delta to be a full sync")
	}
	if _, ok := r.ProduceBunchPayload(); ok {
		t.Error("expected nothing until marked due")
	}

	r.MarkDue()
	if _, ok := r.ProduceBunchPayload(); ok {
		t.Error("expected nothing without changes")
	}

	p := state.AddPlayer("alice", "addr")
	r.MarkDue()
	data, ok = r.ProduceBunchPayload()
	if !ok {
		t.Fatal("expected a delta for the new player")
	}
	d := decode(data)
	if d.Full || len(d.Changed) != 1 || d.Changed[0].ID != p.ID || d.Changed[0].Name != "alice" {
		t.Errorf("unexpected delta %+v", d)
	}
	if r.Sent() != 2 {
		t.Errorf("expected 2 deltas sent, got %d", r.Sent())
	}
}
