package game

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedDelta is returned for replication payloads that do not parse.
var ErrMalformedDelta = errors.New("malformed delta")

// Delta is one replication update. A Full delta replaces the receiver's view.
type Delta struct {
	Tick    uint64
	Full    bool
	Changed []PlayerState
	Removed []string
}

// Empty reports whether applying d would change nothing.
func (d Delta) Empty() bool {
	return !d.Full && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Field numbers. Unknown fields are skipped so either side may add more.
const (
	deltaTick    protowire.Number = 1
	deltaFull    protowire.Number = 2
	deltaChanged protowire.Number = 3
	deltaRemoved protowire.Number = 4

	playerID        protowire.Number = 1
	playerName      protowire.Number = 2
	playerX         protowire.Number = 3
	playerY         protowire.Number = 4
	playerVX        protowire.Number = 5
	playerVY        protowire.Number = 6
	playerLastInput protowire.Number = 7
)

// EncodeDelta appends d to buf as a length-delimited record. Bunches may
// carry several records back to back.
func EncodeDelta(buf []byte, d Delta) []byte {
	var body []byte
	body = protowire.AppendTag(body, deltaTick, protowire.VarintType)
	body = protowire.AppendVarint(body, d.Tick)
	if d.Full {
		body = protowire.AppendTag(body, deltaFull, protowire.VarintType)
		body = protowire.AppendVarint(body, 1)
	}
	for _, p := range d.Changed {
		body = protowire.AppendTag(body, deltaChanged, protowire.BytesType)
		body = protowire.AppendBytes(body, encodePlayer(p))
	}
	for _, id := range d.Removed {
		body = protowire.AppendTag(body, deltaRemoved, protowire.BytesType)
		body = protowire.AppendString(body, id)
	}
	return protowire.AppendBytes(buf, body)
}

func encodePlayer(p PlayerState) []byte {
	var b []byte
	b = protowire.AppendTag(b, playerID, protowire.BytesType)
	b = protowire.AppendString(b, p.ID)
	if p.Name != "" {
		b = protowire.AppendTag(b, playerName, protowire.BytesType)
		b = protowire.AppendString(b, p.Name)
	}
	for _, f := range []struct {
		num protowire.Number
		v   float32
	}{
		{playerX, p.Position.X},
		{playerY, p.Position.Y},
		{playerVX, p.Velocity.X},
		{playerVY, p.Velocity.Y},
	} {
		b = protowire.AppendTag(b, f.num, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f.v))
	}
	b = protowire.AppendTag(b, playerLastInput, protowire.VarintType)
	return protowire.AppendVarint(b, p.LastInput)
}

// DecodeDeltas parses every record in a replication payload.
func DecodeDeltas(data []byte) ([]Delta, error) {
	var out []Delta
	for len(data) > 0 {
		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return out, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(n))
		}
		data = data[n:]
		d, err := decodeDelta(body)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeDelta(b []byte) (Delta, error) {
	var d Delta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == deltaTick && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return d, fmt.Errorf("%w: tick: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			d.Tick, n = v, m
		case num == deltaFull && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return d, fmt.Errorf("%w: full: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			d.Full, n = v != 0, m
		case num == deltaChanged && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return d, fmt.Errorf("%w: player: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			p, err := decodePlayer(v)
			if err != nil {
				return d, err
			}
			d.Changed = append(d.Changed, p)
			n = m
		case num == deltaRemoved && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return d, fmt.Errorf("%w: removed: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			d.Removed = append(d.Removed, v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, fmt.Errorf("%w: field %d: %v", ErrMalformedDelta, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return d, nil
}

func decodePlayer(b []byte) (PlayerState, error) {
	var p PlayerState
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			switch num {
			case playerID:
				p.ID = v
			case playerName:
				p.Name = v
			}
			n = m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			f := math.Float32frombits(v)
			switch num {
			case playerX:
				p.Position.X = f
			case playerY:
				p.Position.Y = f
			case playerVX:
				p.Velocity.X = f
			case playerVY:
				p.Velocity.Y = f
			}
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(m))
			}
			if num == playerLastInput {
				p.LastInput = v
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedDelta, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if p.ID == "" {
		return p, fmt.Errorf("%w: player without id", ErrMalformedDelta)
	}
	return p, nil
}
