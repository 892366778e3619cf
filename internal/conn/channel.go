package conn

import (
	"sort"
	"time"

	"github.com/LemmyAI/gamenet/internal/bitstream"
	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/util"
)

// ChannelState is the externally visible lifecycle of a channel.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	default:
		return "closed"
	}
}

// controlResendLimit caps unacked control bunches resent per tick before
// the open is acknowledged.
const controlResendLimit = 8

// OutBunch is a bunch held for retransmission until its packet is acked.
type OutBunch struct {
	protocol.Bunch
	Time        time.Time
	ReceivedAck bool
}

// Channel is one logical, ordered stream inside a connection.
type Channel struct {
	Index int
	Type  protocol.ChannelType

	conn     *Connection
	behavior Behavior

	openedLocally bool
	openAcked     bool
	openTemporary bool
	closing       bool
	broken        bool
	openPacketID  int

	inRec   []*protocol.Bunch // out-of-order reliable bunches, by sequence
	outRec  []*OutBunch       // unacked reliable bunches, by sequence
	partial *bitstream.Writer // reliable partial bunch assembly
}

// Conn returns the owning connection, or nil once the channel is destroyed.
func (ch *Channel) Conn() *Connection { return ch.conn }

// Behavior returns the type-specific handler.
func (ch *Channel) Behavior() Behavior { return ch.behavior }

// OpenedLocally reports whether this side opened the channel.
func (ch *Channel) OpenedLocally() bool { return ch.openedLocally }

// Broken reports whether the channel stopped accepting bunches after a
// receive-side overflow.
func (ch *Channel) Broken() bool { return ch.broken }

// State returns the channel lifecycle state.
func (ch *Channel) State() ChannelState {
	switch {
	case ch.conn == nil:
		return ChannelClosed
	case ch.closing:
		return ChannelClosing
	case ch.openedLocally && !ch.openAcked:
		return ChannelOpening
	default:
		return ChannelOpen
	}
}

// NumOutRec returns the number of reliable bunches awaiting acknowledgement.
func (ch *Channel) NumOutRec() int { return len(ch.outRec) }

// NumInRec returns the number of out-of-order reliable bunches buffered.
func (ch *Channel) NumInRec() int { return len(ch.inRec) }

// IsNetReady reports whether the channel may send now.
func (ch *Channel) IsNetReady(saturate bool) bool {
	if !ch.canSendReliable() {
		return false
	}
	return ch.conn.IsNetReady(saturate)
}

func (ch *Channel) canSendReliable() bool {
	return ch.conn != nil && len(ch.outRec) < protocol.ReliableBuffer-1
}

// MaxSendBytes returns how many payload bytes fit in the packet under
// construction.
func (ch *Channel) MaxSendBytes() int {
	c := ch.conn
	if c == nil {
		return 0
	}
	bits := c.cfg.MaxPacket*8 - c.out.NumBits() - protocol.MaxPacketTrailerBits - protocol.MaxBunchHeaderBits
	if c.out.NumBits() == 0 {
		bits -= protocol.MaxPacketHeaderBits
	}
	if bits < 0 {
		return 0
	}
	return bits / 8
}

// Send transmits a payload, splitting reliable payloads that exceed one
// bunch into partial bunches.
func (ch *Channel) Send(p Payload) error {
	if ch.conn == nil {
		return ErrChannelClosed
	}
	maxBytes := ch.conn.maxBunchBytes()
	if len(p.Data) <= maxBytes {
		_, err := ch.SendBunch(&OutBunch{Bunch: protocol.Bunch{
			Reliable: p.Reliable,
			Close:    p.Close,
			Data:     p.Data,
			NumBits:  len(p.Data) * 8,
		}}, p.Merge)
		return err
	}
	if !p.Reliable {
		return ErrBunchOverflow
	}

	pieces := (len(p.Data) + maxBytes - 1) / maxBytes
	if len(ch.outRec)+pieces > protocol.ReliableBuffer-1 {
		return ErrReliableBufferFull
	}
	for i := 0; i < pieces; i++ {
		part := p.Data[i*maxBytes : min((i+1)*maxBytes, len(p.Data))]
		final := i == pieces-1
		if _, err := ch.SendBunch(&OutBunch{Bunch: protocol.Bunch{
			Reliable:     true,
			Partial:      true,
			PartialFinal: final,
			Close:        final && p.Close,
			Data:         part,
			NumBits:      len(part) * 8,
		}}, false); err != nil {
			return err
		}
	}
	return nil
}

// SendBunch sends one bunch and returns the id of the packet carrying it.
// Reliable bunches get the next sequence for this channel index and are
// held until acknowledged.
func (ch *Channel) SendBunch(b *OutBunch, merge bool) (int, error) {
	c := ch.conn
	if c == nil {
		return noPacket, ErrChannelClosed
	}
	if ch.closing {
		return noPacket, ErrChannelClosing
	}

	// Set bunch flags.
	if ch.openPacketID == noPacket && ch.openedLocally {
		b.Open = true
		ch.openTemporary = !b.Reliable
	}
	if ch.openTemporary && b.Reliable {
		return noPacket, ErrTemporaryReliable
	}
	if b.Reliable {
		limit := protocol.ReliableBuffer - 1
		if b.Close {
			limit++
		}
		if len(ch.outRec) >= limit {
			return noPacket, ErrReliableBufferFull
		}
	}
	if b.NumBits > c.maxBunchBytes()*8 {
		return noPacket, ErrBunchOverflow
	}
	b.ChIndex = ch.Index
	b.ChType = ch.Type

	// Contemplate merging.
	var outBunch *OutBunch
	if merge &&
		c.lastOut.ChIndex == b.ChIndex &&
		c.allowMerge &&
		c.lastEnd > 0 &&
		c.lastEnd == c.out.NumBits() &&
		c.lastOut.Reliable == b.Reliable &&
		c.out.NumBytes()+b.NumBytes()+(protocol.MaxBunchHeaderBits+protocol.MaxPacketTrailerBits+7)/8 <= c.cfg.MaxPacket &&
		!c.lastOut.Partial && !b.Partial {
		data, numBits := concatBits(c.lastOut.Data, c.lastOut.NumBits, b.Data, b.NumBits)
		merged := c.lastOut
		merged.Data = data
		merged.NumBits = numBits
		merged.Open = merged.Open || b.Open
		merged.Close = merged.Close || b.Close
		c.out.Truncate(c.lastStart)
		c.stats.OutBunches.Add(-1)
		if c.lastOutBunch != nil {
			outBunch = c.lastOutBunch
			outBunch.Bunch = merged
		} else {
			outBunch = &OutBunch{Bunch: merged}
		}
	}

	// Find outgoing bunch index.
	if outBunch == nil {
		if b.Reliable {
			c.outReliable[ch.Index]++
			b.ChSequence = c.outReliable[ch.Index]
			rec := *b
			outBunch = &rec
			ch.outRec = append(ch.outRec, outBunch)
		} else {
			outBunch = b
		}
	}

	packetID, err := c.SendRawBunch(outBunch, true)
	if err != nil {
		return noPacket, err
	}
	if ch.openPacketID == noPacket && ch.openedLocally {
		ch.openPacketID = packetID
	}
	if outBunch.Close {
		ch.closing = true
	}

	// Remember last sent bunch for merging.
	c.lastOut = outBunch.Bunch
	if outBunch.Reliable {
		c.lastOutBunch = outBunch
	} else {
		c.lastOutBunch = nil
	}
	c.lastEnd = c.out.NumBits()
	return packetID, nil
}

func concatBits(a []byte, na int, b []byte, nb int) ([]byte, int) {
	w := bitstream.NewWriter(0)
	w.WriteBits(a, na)
	w.WriteBits(b, nb)
	return w.Bytes(), w.NumBits()
}

// resyncPending fills sequences a previous channel at this index sent but
// never saw acknowledged, so the peer's expected sequence catches up.
func (ch *Channel) resyncPending() {
	c := ch.conn
	idx := ch.Index
	pending := c.pendingOutRec[idx]
	if pending <= 0 {
		return
	}
	last := c.outReliable[idx]
	c.outReliable[idx] = pending - 1
	for c.outReliable[idx] < last {
		if _, err := ch.SendBunch(&OutBunch{Bunch: protocol.Bunch{Reliable: true}}, false); err != nil {
			util.LogWarning("[%s] channel %d resync: %v", c.ID, idx, err)
			break
		}
	}
	c.outReliable[idx] = last
	c.pendingOutRec[idx] = 0
}

// Close requests an orderly close. The channel is destroyed once the close
// bunch is acknowledged.
func (ch *Channel) Close() {
	c := ch.conn
	if c == nil || ch.closing {
		return
	}
	if c.state != StateOpen && c.state != StatePending {
		return
	}
	reliable := !ch.openTemporary
	if _, err := ch.SendBunch(&OutBunch{Bunch: protocol.Bunch{Reliable: reliable, Close: true}}, false); err != nil {
		util.LogDebug("[%s] close channel %d: %v", c.ID, ch.Index, err)
		if reliable {
			return
		}
	}
	if !reliable {
		ch.cleanUp()
	}
}

// Tick resends unacknowledged control bunches and pulls payloads from the
// behavior.
func (ch *Channel) Tick() {
	c := ch.conn
	if ch.Index == 0 && !ch.openAcked {
		unacked := 0
		for _, out := range ch.outRec {
			if !out.ReceivedAck {
				unacked++
			}
		}
		if unacked <= controlResendLimit {
			now := c.clk.Now()
			for _, out := range ch.outRec {
				if !out.ReceivedAck && now.Sub(out.Time) > c.cfg.ControlResendTime {
					c.stats.Resends.Add(1)
					if _, err := c.SendRawBunch(out, false); err != nil {
						util.LogDebug("[%s] control resend: %v", c.ID, err)
					}
				}
			}
		}
	}
	if t, ok := ch.behavior.(Ticker); ok {
		t.Tick(ch)
		if ch.conn == nil {
			return
		}
	}
	ch.produce()
}

func (ch *Channel) produce() {
	for i := 0; i < protocol.ReliableBuffer; i++ {
		c := ch.conn
		if c == nil || ch.closing || c.state == StateClosed || ch.behavior == nil {
			return
		}
		size := ch.MaxSendBytes()
		if size == 0 {
			c.FlushNet()
			size = ch.MaxSendBytes()
		}
		p, ok := ch.behavior.ProducePayload(ch, size)
		if !ok {
			return
		}
		if err := ch.Send(p); err != nil {
			util.LogWarning("[%s] channel %d send: %v", c.ID, ch.Index, err)
			return
		}
	}
}

// receivedAcks pops acknowledged bunches from the head of outRec and
// destroys the channel once its close is acknowledged.
func (ch *Channel) receivedAcks() {
	c := ch.conn
	doClose := false
	for len(ch.outRec) > 0 && ch.outRec[0].ReceivedAck {
		out := ch.outRec[0]
		ch.outRec[0] = nil
		ch.outRec = ch.outRec[1:]
		if out.Close {
			doClose = true
		}
		if out == c.lastOutBunch {
			c.lastOutBunch = nil
			c.lastEnd = 0
		}
	}
	if doClose || (ch.openTemporary && ch.openAcked) {
		ch.cleanUp()
	}
}

// receivedNak resends every unacked reliable bunch carried by packetID.
func (ch *Channel) receivedNak(packetID int) {
	c := ch.conn
	for _, out := range ch.outRec {
		if out.PacketID == packetID && !out.ReceivedAck {
			c.stats.Resends.Add(1)
			if _, err := c.SendRawBunch(out, false); err != nil {
				util.LogDebug("[%s] resend seq %d: %v", c.ID, out.ChSequence, err)
			}
		}
	}
}

// receivedRawBunch orders reliable bunches before handing them on.
func (ch *Channel) receivedRawBunch(b *protocol.Bunch) {
	if ch.broken {
		return
	}
	c := ch.conn
	idx := ch.Index

	if b.Reliable && b.ChSequence != c.inReliable[idx]+1 {
		// Queue out-of-order bunch.
		if b.ChSequence > c.inReliable[idx]+protocol.ReliableBuffer || len(ch.inRec) >= protocol.ReliableBuffer {
			ch.markBroken()
			return
		}
		i := sort.Search(len(ch.inRec), func(i int) bool { return ch.inRec[i].ChSequence >= b.ChSequence })
		if i < len(ch.inRec) && ch.inRec[i].ChSequence == b.ChSequence {
			return // duplicate
		}
		ch.inRec = append(ch.inRec, nil)
		copy(ch.inRec[i+1:], ch.inRec[i:])
		ch.inRec[i] = b
		return
	}

	if ch.receivedSequencedBunch(b) {
		return
	}

	// Dispatch any waiting bunches.
	for len(ch.inRec) > 0 && ch.inRec[0].ChSequence == c.inReliable[idx]+1 {
		next := ch.inRec[0]
		ch.inRec[0] = nil
		ch.inRec = ch.inRec[1:]
		if ch.receivedSequencedBunch(next) {
			return
		}
	}
}

// receivedSequencedBunch consumes one in-order bunch. It returns true when
// the channel was destroyed.
func (ch *Channel) receivedSequencedBunch(b *protocol.Bunch) bool {
	c := ch.conn
	if b.Reliable {
		c.inReliable[ch.Index] = b.ChSequence
	}
	if !ch.closing {
		ch.receivedBunch(b)
		if ch.conn == nil {
			return true
		}
	}
	if b.Close {
		ch.cleanUp()
		return true
	}
	return false
}

// receivedBunch reassembles partial bunches and delivers complete messages.
func (ch *Channel) receivedBunch(b *protocol.Bunch) {
	if !b.Partial {
		if ch.partial != nil {
			// A whole bunch in the middle of a partial run means lost pieces.
			ch.markBroken()
			return
		}
		ch.deliver(b.Data, b.NumBits)
		return
	}
	if !b.Reliable {
		util.LogDebug("[%s] dropped unreliable partial on channel %d", ch.conn.ID, ch.Index)
		return
	}
	if ch.partial == nil {
		ch.partial = bitstream.NewWriter(protocol.ReliableBuffer * protocol.MaxPacketBits)
	}
	ch.partial.WriteBits(b.Data, b.NumBits)
	if err := ch.partial.Err(); err != nil {
		ch.markBroken()
		return
	}
	if b.PartialFinal {
		w := ch.partial
		ch.partial = nil
		ch.deliver(w.Bytes(), w.NumBits())
	}
}

func (ch *Channel) deliver(data []byte, numBits int) {
	if numBits == 0 || ch.behavior == nil {
		return
	}
	ch.behavior.OnBunchReceived(ch, data, numBits)
}

func (ch *Channel) markBroken() {
	c := ch.conn
	ch.broken = true
	ch.inRec = nil
	ch.partial = nil
	c.stats.BrokenChannels.Add(1)
	util.LogWarning("[%s] channel %d: %v", c.ID, ch.Index, ErrChannelBroken)
}

// cleanUp destroys the channel.
func (ch *Channel) cleanUp() {
	c := ch.conn
	if c == nil {
		return
	}

	// If this is the control channel, make sure we properly kill the connection.
	if ch.Index == 0 && !ch.closing {
		c.Close()
		if ch.conn == nil {
			return
		}
	}

	// Remember sequence number of first unacked reliable bunch.
	if len(ch.outRec) > 0 {
		c.pendingOutRec[ch.Index] = ch.outRec[0].ChSequence
	}
	ch.outRec = nil
	ch.inRec = nil
	ch.partial = nil

	c.removeChannel(ch)
	ch.conn = nil
	if ch.behavior != nil {
		ch.behavior.OnClose(ch)
	}
}
