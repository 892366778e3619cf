package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Control message types exchanged on channel 0.
const (
	MsgHello   = "HELLO"
	MsgWelcome = "WELCOME"
	MsgJoin    = "JOIN"
	MsgInput   = "INPUT"
	MsgFailure = "FAILURE"
	MsgBye     = "BYE"
)

// ControlMessage is one text-like command on the control channel.
// Numeric fields decode as float64.
type ControlMessage struct {
	Type   string
	Fields map[string]any
}

// Text returns a string field, or "" when absent.
func (m ControlMessage) Text(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

// Number returns a numeric field, or 0 when absent.
func (m ControlMessage) Number(key string) float64 {
	switch v := m.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Bool returns a boolean field.
func (m ControlMessage) Bool(key string) bool {
	b, _ := m.Fields[key].(bool)
	return b
}

// EncodeControl serializes a message as a length-delimited protobuf Struct.
// Several encoded messages may be concatenated in one bunch.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	fields := msg.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	s, err := structpb.NewStruct(map[string]any{
		"type":   msg.Type,
		"fields": fields,
	})
	if err != nil {
		return nil, fmt.Errorf("control struct: %w", err)
	}
	body, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return protowire.AppendBytes(nil, body), nil
}

// DecodeControl parses every message in a control bunch payload.
func DecodeControl(data []byte) ([]ControlMessage, error) {
	var msgs []ControlMessage
	for len(data) > 0 {
		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return msgs, fmt.Errorf("%w: %v", ErrMalformedControl, protowire.ParseError(n))
		}
		data = data[n:]

		s := &structpb.Struct{}
		if err := proto.Unmarshal(body, s); err != nil {
			return msgs, fmt.Errorf("unmarshal: %w", err)
		}
		m := s.AsMap()
		typ, ok := m["type"].(string)
		if !ok || typ == "" {
			return msgs, fmt.Errorf("%w: missing type", ErrMalformedControl)
		}
		fields, _ := m["fields"].(map[string]any)
		msgs = append(msgs, ControlMessage{Type: typ, Fields: fields})
	}
	return msgs, nil
}

// NewHello creates the first message a client sends.
func NewHello(version string) ControlMessage {
	return ControlMessage{Type: MsgHello, Fields: map[string]any{"version": version}}
}

// NewWelcome creates the server's reply to HELLO.
func NewWelcome(playerID string, tickRate int) ControlMessage {
	return ControlMessage{Type: MsgWelcome, Fields: map[string]any{
		"player_id": playerID,
		"tick_rate": tickRate,
	}}
}

// NewJoin asks the server to spawn a named player.
func NewJoin(name string) ControlMessage {
	return ControlMessage{Type: MsgJoin, Fields: map[string]any{"name": name}}
}

// NewInput creates a movement input message.
func NewInput(sequence uint64, x, y float32) ControlMessage {
	return ControlMessage{Type: MsgInput, Fields: map[string]any{
		"seq": float64(sequence),
		"x":   float64(x),
		"y":   float64(y),
	}}
}

// NewFailure reports a fatal error before closing.
func NewFailure(reason string) ControlMessage {
	return ControlMessage{Type: MsgFailure, Fields: map[string]any{"reason": reason}}
}

// NewBye announces an orderly disconnect.
func NewBye() ControlMessage {
	return ControlMessage{Type: MsgBye}
}
