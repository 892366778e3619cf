package conn

// Behavior is the type-specific part of a channel. The connection calls it
// from its tick goroutine only.
type Behavior interface {
	// OnBunchReceived is called once per complete in-order message.
	// data holds numBits bits and is owned by the callee.
	OnBunchReceived(ch *Channel, data []byte, numBits int)

	// ProducePayload returns the next payload to send, if any. maxBytes is
	// the room left in the packet under construction; larger reliable
	// payloads are split into partial bunches.
	ProducePayload(ch *Channel, maxBytes int) (Payload, bool)

	// OnClose is called when the channel is destroyed.
	OnClose(ch *Channel)
}

// Ticker is implemented by behaviors that need a per-tick hook before
// ProducePayload runs.
type Ticker interface {
	Tick(ch *Channel)
}

// Payload is one message handed to Channel.Send.
type Payload struct {
	Data     []byte
	Reliable bool
	Close    bool
	Merge    bool // allow merging into the previous bunch of this channel
}
