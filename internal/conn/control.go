package conn

import (
	"github.com/gammazero/deque"

	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/util"
)

// Control is the behavior of channel 0. It carries handshake and session
// messages, and queues them while the reliable buffer is full.
type Control struct {
	queue     deque.Deque[[]byte]
	maxQueued int
}

// NewControl creates a control behavior that closes the connection once
// more than maxQueued messages are waiting.
func NewControl(maxQueued int) *Control {
	return &Control{maxQueued: maxQueued}
}

// Queued returns the number of messages waiting for reliable buffer room.
func (ctl *Control) Queued() int { return ctl.queue.Len() }

// Send encodes msg and sends it reliably, or queues it behind earlier
// messages.
func (ctl *Control) Send(ch *Channel, msg protocol.ControlMessage) error {
	c := ch.conn
	if c == nil {
		return ErrChannelClosed
	}
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	if len(data) > c.maxBunchBytes() {
		util.LogError("[%s] control message %s too large (%d bytes)", c.ID, msg.Type, len(data))
		c.Close()
		return ErrBunchOverflow
	}

	if ctl.queue.Len() > 0 || !ch.canSendReliable() {
		if ctl.queue.Len() >= ctl.maxQueued {
			util.LogWarning("[%s] %v, closing", c.ID, ErrControlOverflow)
			c.Close()
			return ErrControlOverflow
		}
		ctl.queue.PushBack(data)
		return nil
	}

	_, err = ch.SendBunch(&OutBunch{Bunch: protocol.Bunch{
		Reliable: true,
		Data:     data,
		NumBits:  len(data) * 8,
	}}, true)
	return err
}

func (ctl *Control) OnBunchReceived(ch *Channel, data []byte, numBits int) {
	c := ch.conn
	msgs, err := protocol.DecodeControl(data[:(numBits+7)/8])
	for _, msg := range msgs {
		c.notifyControl(msg)
		if ch.conn == nil || c.state == StateClosed {
			return
		}
	}
	if err != nil {
		util.LogWarning("[%s] control bunch: %v", c.ID, err)
	}
}

func (ctl *Control) ProducePayload(ch *Channel, maxBytes int) (Payload, bool) {
	if ctl.queue.Len() == 0 || !ch.canSendReliable() {
		return Payload{}, false
	}
	return Payload{Data: ctl.queue.PopFront(), Reliable: true, Merge: true}, true
}

func (ctl *Control) OnClose(ch *Channel) {
	ctl.queue.Clear()
}
