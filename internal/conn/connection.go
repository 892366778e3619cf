// Package conn implements reliable, multiplexed channels over an unreliable
// datagram link.
//
// A Connection packs bunches from up to protocol.MaxChannels channels into
// packets, acknowledges every packet it accepts, and retransmits reliable
// bunches whose packets were lost. Connections are not safe for concurrent
// use: the owning driver ticks them from a single goroutine.
package conn

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/LemmyAI/gamenet/internal/bitstream"
	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/util"
)

// State is the connection lifecycle state.
type State int

const (
	StateInvalid State = iota
	StateClosed
	StatePending
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	default:
		return "invalid"
	}
}

// Link writes datagrams to the connection's peer.
type Link interface {
	Send(data []byte) error
	RemoteAddr() string
}

// Notify receives connection events.
type Notify interface {
	// NotifyAcceptingChannel decides whether a channel the peer opened is
	// kept. Refused channels are closed immediately.
	NotifyAcceptingChannel(ch *Channel) bool

	// NotifyReceivedControl delivers one control channel message.
	NotifyReceivedControl(c *Connection, msg protocol.ControlMessage)
}

// BehaviorFactory builds the behavior for a channel the peer opened.
type BehaviorFactory func(ch *Channel) Behavior

const (
	noPacket = -1
	lagRing  = 256
)

// Connection is one endpoint-to-endpoint session.
type Connection struct {
	ID string

	cfg    Config
	link   Link
	notify Notify
	clk    clock.Clock
	stats  *Stats
	rng    *rand.Rand

	state   State
	failure error

	channels      [protocol.MaxChannels]*Channel
	openChannels  []*Channel
	outReliable   [protocol.MaxChannels]int
	inReliable    [protocol.MaxChannels]int
	pendingOutRec [protocol.MaxChannels]int
	factories     [protocol.ChannelTypeMax]BehaviorFactory

	// Outgoing packet under construction.
	out            *bitstream.Writer
	outPacketID    int
	inPacketID     int
	outAckPacketID int
	queuedAcks     []int
	resendAcks     []int

	// Merge bookkeeping: the last bunch written and where it sits in out.
	lastOut       protocol.Bunch
	lastOutBunch  *OutBunch
	lastStart     int
	lastEnd       int
	allowMerge    bool
	timeSensitive bool

	queuedBytes     int
	lastReceiveTime time.Time
	lastSendTime    time.Time
	lastTickTime    time.Time
	statUpdateTime  time.Time

	outLagPacketID [lagRing]int
	outLagTime     [lagRing]time.Time
	lagAcc         time.Duration
	lagCount       int
	avgLag         time.Duration
}

// Option configures a Connection.
type Option func(*Connection)

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) { c.clk = clk }
}

// WithStats shares a counter set, usually the driver's.
func WithStats(stats *Stats) Option {
	return func(c *Connection) { c.stats = stats }
}

// WithNotify sets the event sink.
func WithNotify(n Notify) Option {
	return func(c *Connection) { c.notify = n }
}

// WithChannelFactory registers the behavior used when the peer opens a
// channel of type t. Channel types without a factory are refused.
func WithChannelFactory(t protocol.ChannelType, f BehaviorFactory) Option {
	return func(c *Connection) { c.RegisterChannel(t, f) }
}

// New creates a connection in the given state talking through link.
func New(link Link, state State, cfg Config, opts ...Option) *Connection {
	c := &Connection{
		ID:             uuid.New().String()[:8], // Short ID
		cfg:            cfg,
		link:           link,
		clk:            clock.New(),
		state:          state,
		inPacketID:     noPacket,
		outAckPacketID: noPacket,
	}
	c.factories[protocol.ChannelTypeControl] = func(ch *Channel) Behavior {
		return NewControl(cfg.MaxQueuedControl)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stats == nil {
		c.stats = &Stats{}
	}
	for i := range c.outLagPacketID {
		c.outLagPacketID[i] = noPacket
	}

	now := c.clk.Now()
	c.rng = rand.New(rand.NewSource(now.UnixNano()))
	c.lastReceiveTime = now
	c.lastSendTime = now
	c.lastTickTime = now
	c.statUpdateTime = now
	c.out = bitstream.NewWriter(cfg.MaxPacket * 8)
	return c
}

// RegisterChannel sets the behavior factory for peer-opened channels of type t.
func (c *Connection) RegisterChannel(t protocol.ChannelType, f BehaviorFactory) {
	if int(t) < len(c.factories) {
		c.factories[t] = f
	}
}

// IsKnownChannelType reports whether peer-opened channels of type t are accepted.
func (c *Connection) IsKnownChannelType(t protocol.ChannelType) bool {
	return int(t) < len(c.factories) && c.factories[t] != nil
}

// State returns the connection state.
func (c *Connection) State() State { return c.state }

// SetState moves the connection to s. Handshake code uses this to mark a
// connection Open.
func (c *Connection) SetState(s State) { c.state = s }

// Err returns why the connection failed, or nil.
func (c *Connection) Err() error { return c.failure }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	if c.link == nil {
		return ""
	}
	return c.link.RemoteAddr()
}

// Config returns the connection configuration.
func (c *Connection) Config() Config { return c.cfg }

// Stats returns the counters this connection updates.
func (c *Connection) Stats() *Stats { return c.stats }

// Channel returns the channel at index, or nil.
func (c *Connection) Channel(index int) *Channel {
	if index < 0 || index >= protocol.MaxChannels {
		return nil
	}
	return c.channels[index]
}

// Channels returns the open channels in creation order.
func (c *Connection) Channels() []*Channel {
	return append([]*Channel(nil), c.openChannels...)
}

// OutPacketID returns the id the next flushed packet will carry.
func (c *Connection) OutPacketID() int { return c.outPacketID }

// InPacketID returns the highest packet id accepted from the peer.
func (c *Connection) InPacketID() int { return c.inPacketID }

// OutAckPacketID returns the highest packet id the peer acknowledged.
func (c *Connection) OutAckPacketID() int { return c.outAckPacketID }

// OutReliable returns the last reliable sequence sent on index.
func (c *Connection) OutReliable(index int) int { return c.outReliable[index] }

// InReliable returns the last reliable sequence consumed on index.
func (c *Connection) InReliable(index int) int { return c.inReliable[index] }

// PendingOutRec returns the first unacknowledged sequence a destroyed
// channel left behind at index, or 0.
func (c *Connection) PendingOutRec(index int) int { return c.pendingOutRec[index] }

// AvgLag returns the average ack round trip over the last stat period.
func (c *Connection) AvgLag() time.Duration { return c.avgLag }

// QueuedBytes returns the bytes sent but not yet drained by the net speed.
func (c *Connection) QueuedBytes() int { return c.queuedBytes }

// LastReceiveTime returns when the last packet arrived.
func (c *Connection) LastReceiveTime() time.Time { return c.lastReceiveTime }

// OpenChannel opens a channel of type t at index, or at the first free index
// when index is negative. A nil behavior uses the registered factory.
func (c *Connection) OpenChannel(t protocol.ChannelType, index int, b Behavior) (*Channel, error) {
	if c.state == StateClosed {
		return nil, ErrConnectionClosed
	}
	if index < 0 {
		first := 1
		if t == protocol.ChannelTypeControl {
			first = 0
		}
		for index = first; index < protocol.MaxChannels; index++ {
			if c.channels[index] == nil {
				break
			}
		}
		if index == protocol.MaxChannels {
			return nil, ErrNoFreeChannel
		}
	}
	if index >= protocol.MaxChannels {
		return nil, protocol.ErrChannelIndexOutOfRange
	}
	if c.channels[index] != nil {
		return nil, ErrChannelInUse
	}
	if b == nil && !c.IsKnownChannelType(t) {
		return nil, ErrUnknownChannelType
	}

	ch := c.createChannel(t, true, index)
	if b == nil {
		b = c.factories[t](ch)
	}
	ch.behavior = b
	ch.resyncPending()
	return ch, nil
}

func (c *Connection) createChannel(t protocol.ChannelType, openedLocally bool, index int) *Channel {
	ch := &Channel{
		conn:          c,
		Index:         index,
		Type:          t,
		openedLocally: openedLocally,
		openPacketID:  noPacket,
	}
	c.channels[index] = ch
	c.openChannels = append(c.openChannels, ch)
	return ch
}

func (c *Connection) removeChannel(ch *Channel) {
	for i, other := range c.openChannels {
		if other == ch {
			c.openChannels = append(c.openChannels[:i], c.openChannels[i+1:]...)
			break
		}
	}
	c.channels[ch.Index] = nil
	if c.lastOut.ChIndex == ch.Index {
		c.lastEnd = 0
		c.lastOutBunch = nil
	}
}

// SendControl queues a message on the control channel.
func (c *Connection) SendControl(msg protocol.ControlMessage) error {
	ch := c.channels[0]
	if ch == nil {
		return ErrChannelClosed
	}
	ctl, ok := ch.behavior.(*Control)
	if !ok {
		return ErrUnknownChannelType
	}
	return ctl.Send(ch, msg)
}

func (c *Connection) notifyControl(msg protocol.ControlMessage) {
	if c.notify != nil {
		c.notify.NotifyReceivedControl(c, msg)
	}
}

// IsNetReady reports whether more data can be sent without exceeding the
// net speed. With saturate set the budget is reset first.
func (c *Connection) IsNetReady(saturate bool) bool {
	if saturate {
		c.queuedBytes = -c.out.NumBytes()
	}
	return c.queuedBytes+c.out.NumBytes() <= 0
}

// maxBunchBytes is the largest payload one bunch can carry in an empty packet.
func (c *Connection) maxBunchBytes() int {
	bits := c.cfg.MaxPacket*8 - protocol.MaxPacketHeaderBits - protocol.MaxPacketTrailerBits - protocol.MaxBunchHeaderBits
	return bits / 8
}

func (c *Connection) snapshot() []*Channel {
	return append([]*Channel(nil), c.openChannels...)
}

// ---------------------------------------------------------------------------
// Receive path

// ReceivedRawPacket handles one datagram from the peer.
func (c *Connection) ReceivedRawPacket(data []byte) {
	c.stats.InBytes.Add(int64(len(data) + c.cfg.PacketOverhead))
	c.stats.InPackets.Add(1)

	r, err := protocol.OpenPacket(data)
	if err != nil {
		c.stats.MalformedPackets.Add(1)
		util.LogDebug("[%s] dropped packet: %v", c.ID, err)
		return
	}
	c.receivedPacket(r)
}

func (c *Connection) receivedPacket(r *bitstream.Reader) {
	raw, err := protocol.ReadPacketHeader(r)
	if err != nil {
		c.stats.MalformedPackets.Add(1)
		util.LogDebug("[%s] dropped packet: %v", c.ID, err)
		return
	}

	// Update receive time to avoid timeout.
	c.lastReceiveTime = c.clk.Now()

	packetID := protocol.MakeRelative(raw, c.inPacketID, protocol.MaxPacketID)
	if packetID <= c.inPacketID {
		// Reliability lives at the bunch level; stale packets are discarded.
		c.stats.InOutOfOrderPackets.Add(1)
		return
	}
	if gap := packetID - c.inPacketID - 1; gap > 0 && c.inPacketID != noPacket {
		c.stats.InPacketsLost.Add(int64(gap))
		if c.cfg.ExplicitNaks && gap <= c.cfg.MaxExplicitNaks {
			for id := c.inPacketID + 1; id < packetID; id++ {
				c.sendNak(id)
			}
		}
	}
	c.inPacketID = packetID

	// Disassemble and dispatch all records in the packet.
	for !r.AtEnd() && c.state != StateClosed {
		if protocol.IsAckRecord(r) {
			rec, err := protocol.ReadAck(r)
			if err != nil {
				c.stats.MalformedPackets.Add(1)
				util.LogDebug("[%s] packet %d: %v", c.ID, packetID, err)
				break
			}
			c.receivedAckRecord(rec)
			continue
		}

		b, err := protocol.DecodeBunch(r)
		if err != nil {
			// Bunches already dispatched from this packet stand.
			c.stats.MalformedPackets.Add(1)
			util.LogWarning("[%s] packet %d: %v", c.ID, packetID, err)
			break
		}
		if !c.receivedBunch(packetID, b) {
			break
		}
	}

	// Acknowledge the packet.
	c.SendAck(packetID, true)
}

func (c *Connection) receivedAckRecord(rec protocol.AckRecord) {
	id := protocol.MakeRelative(rec.PacketID, c.outAckPacketID, protocol.MaxPacketID)
	if rec.Nak {
		c.receivedNak(id)
		return
	}

	// Resend any old reliable bunches that the peer hasn't acknowledged.
	if id > c.outAckPacketID {
		for nak := c.outAckPacketID + 1; nak < id; nak++ {
			c.stats.OutPacketsLost.Add(1)
			c.receivedNak(nak)
		}
		c.outAckPacketID = id
	}

	// Update lag.
	idx := id & (lagRing - 1)
	if c.outLagPacketID[idx] == id {
		c.lagAcc += c.clk.Now().Sub(c.outLagTime[idx])
		c.lagCount++
	}

	for _, ch := range c.snapshot() {
		if ch.conn == nil {
			continue
		}
		for _, out := range ch.outRec {
			if out.PacketID == id {
				out.ReceivedAck = true
				if out.Open {
					ch.openAcked = true
				}
			}
		}
		if ch.openPacketID == id {
			ch.openAcked = true
		}
		ch.receivedAcks()
	}
}

func (c *Connection) receivedNak(packetID int) {
	chans := c.snapshot()
	for i := len(chans) - 1; i >= 0; i-- {
		ch := chans[i]
		if ch.conn == nil {
			continue
		}
		ch.receivedNak(packetID)
		if ch.openPacketID == packetID {
			ch.receivedAcks()
		}
	}
}

// receivedBunch routes one decoded bunch. It returns false when the rest of
// the packet must be discarded.
func (c *Connection) receivedBunch(packetID int, b *protocol.Bunch) bool {
	idx := b.ChIndex
	b.PacketID = packetID
	ch := c.channels[idx]

	// Can't handle other channels until the control channel exists.
	if ch == nil && c.channels[0] == nil && (idx != 0 || b.ChType != protocol.ChannelTypeControl) {
		util.LogDebug("[%s] bunch on channel %d before control channel", c.ID, idx)
		return false
	}

	if b.Reliable {
		b.ChSequence = protocol.MakeRelative(b.ChSequence, c.inReliable[idx], protocol.MaxChSequence)
		if b.ChSequence <= c.inReliable[idx] {
			// Already consumed.
			return true
		}
	}

	if ch != nil && ch.broken {
		return true
	}

	// Unreliable bunches are meaningless before the channel is open, unless
	// they are one-shot open+close bunches.
	if !b.Reliable && (!b.Open || !b.Close) && (ch == nil || ch.openPacketID == noPacket) {
		return true
	}

	if ch == nil {
		if !c.IsKnownChannelType(b.ChType) {
			util.LogWarning("[%s] channel %d: %v %s", c.ID, idx, ErrUnknownChannelType, b.ChType)
			return false
		}
		ch = c.createChannel(b.ChType, false, idx)
		ch.behavior = c.factories[b.ChType](ch)

		if c.notify != nil && !c.notify.NotifyAcceptingChannel(ch) {
			// Channel refused, so close it, flush it, and delete it.
			util.LogDebug("[%s] refused channel %d (%s)", c.ID, idx, b.ChType)
			if _, err := ch.SendBunch(&OutBunch{Bunch: protocol.Bunch{Reliable: true, Close: true}}, false); err != nil {
				util.LogDebug("[%s] refusal close on %d: %v", c.ID, idx, err)
			}
			c.FlushNet()
			ch.cleanUp()
			if idx == 0 {
				c.state = StateClosed
			}
			return true
		}
	}
	if b.Open {
		ch.openAcked = true
		ch.openPacketID = packetID
	}

	ch.receivedRawBunch(b)
	c.stats.InBunches.Add(1)
	return true
}

// ---------------------------------------------------------------------------
// Send path

// preSend makes room for sizeBits and starts a packet if needed.
func (c *Connection) preSend(sizeBits int) error {
	limit := c.cfg.MaxPacket * 8
	if c.out.NumBits()+sizeBits+protocol.MaxPacketTrailerBits > limit {
		c.FlushNet()
	}
	if c.out.NumBits() == 0 {
		protocol.WritePacketHeader(c.out, c.outPacketID)
	}
	if c.out.NumBits()+sizeBits+protocol.MaxPacketTrailerBits > limit {
		return ErrBunchOverflow
	}
	return nil
}

// postSend flushes a packet that is exactly full.
func (c *Connection) postSend() {
	if c.out.NumBits() == c.cfg.MaxPacket*8 {
		c.FlushNet()
	}
}

// SendAck acknowledges packetID. First-time acks are remembered and sent
// once more on the next tick.
func (c *Connection) SendAck(packetID int, firstTime bool) {
	if c.cfg.InternalAck {
		return
	}
	if firstTime {
		c.PurgeAcks()
		c.queuedAcks = append(c.queuedAcks, packetID)
	}
	c.writeAck(protocol.AckRecord{PacketID: packetID})
}

func (c *Connection) sendNak(packetID int) {
	if c.cfg.InternalAck {
		return
	}
	c.writeAck(protocol.AckRecord{PacketID: packetID, Nak: true})
}

func (c *Connection) writeAck(rec protocol.AckRecord) {
	if err := c.preSend(protocol.AckRecordBits); err != nil {
		return
	}
	protocol.WriteAck(c.out, rec)
	c.allowMerge = false
	c.postSend()
}

// PurgeAcks resends acks flushed since the last purge.
func (c *Connection) PurgeAcks() {
	acks := c.resendAcks
	c.resendAcks = nil
	for _, id := range acks {
		c.SendAck(id, false)
	}
}

// SendRawBunch writes ob into the outgoing packet and returns the id of the
// packet carrying it.
func (c *Connection) SendRawBunch(ob *OutBunch, allowMerge bool) (int, error) {
	w, err := protocol.EncodeBunch(&ob.Bunch)
	if err != nil {
		return noPacket, err
	}
	c.stats.OutBunches.Add(1)
	c.timeSensitive = true

	// If this data doesn't fit in the current packet, flush it.
	if err := c.preSend(w.NumBits()); err != nil {
		return noPacket, err
	}

	c.allowMerge = allowMerge
	ob.PacketID = c.outPacketID
	ob.Time = c.clk.Now()

	// Remember start position, and write data.
	c.lastStart = c.out.NumBits()
	c.out.WriteFrom(w)

	c.postSend()
	return ob.PacketID, nil
}

// FlushNet closes the packet under construction and sends it, or sends an
// empty keepalive packet when nothing was sent for KeepAliveTime.
func (c *Connection) FlushNet() {
	c.lastEnd = 0
	c.timeSensitive = false

	now := c.clk.Now()
	if c.out.NumBits() > 0 || now.Sub(c.lastSendTime) > c.cfg.KeepAliveTime {
		// If sending keepalive packet, still generate header.
		if c.out.NumBits() == 0 {
			_ = c.preSend(0)
		}
		protocol.FinishPacket(c.out)
		data := append([]byte(nil), c.out.Bytes()...)
		c.lowLevelSend(data)

		idx := c.outPacketID & (lagRing - 1)
		c.outLagPacketID[idx] = c.outPacketID
		c.outLagTime[idx] = now
		c.outPacketID++
		c.stats.OutPackets.Add(1)
		c.lastSendTime = now
		c.queuedBytes += len(data) + c.cfg.PacketOverhead
		c.stats.OutBytes.Add(int64(len(data) + c.cfg.PacketOverhead))
		c.out.Reset()
	}

	// Move acks around.
	c.resendAcks = append(c.resendAcks, c.queuedAcks...)
	c.queuedAcks = c.queuedAcks[:0]
}

func (c *Connection) lowLevelSend(data []byte) {
	if c.link == nil {
		return
	}
	sim := c.cfg.Simulation
	if sim.Loss > 0 && c.rng.Intn(100) < sim.Loss {
		return
	}
	c.send(data)
	if sim.Dup > 0 && c.rng.Intn(100) < sim.Dup {
		c.send(data)
	}
}

func (c *Connection) send(data []byte) {
	if err := c.link.Send(data); err != nil {
		util.LogDebug("[%s] send to %s: %v", c.ID, c.link.RemoteAddr(), err)
	}
}

// ---------------------------------------------------------------------------
// Polling

// Tick advances timers, ticks every channel and flushes pending data.
// A connection that heard nothing for its timeout is closed with
// ErrConnectionTimeout.
func (c *Connection) Tick() {
	now := c.clk.Now()

	// Pretend everything was acked, for lossless links.
	if c.cfg.InternalAck {
		c.lastReceiveTime = now
		chans := c.snapshot()
		for i := len(chans) - 1; i >= 0; i-- {
			ch := chans[i]
			if ch.conn == nil {
				continue
			}
			for _, out := range ch.outRec {
				out.ReceivedAck = true
			}
			ch.openAcked = true
			ch.receivedAcks()
		}
	}

	if now.Sub(c.statUpdateTime) > c.cfg.StatPeriod {
		if c.lagCount > 0 {
			c.avgLag = c.lagAcc / time.Duration(c.lagCount)
		}
		c.lagAcc = 0
		c.lagCount = 0
		c.statUpdateTime = now
	}

	dt := now.Sub(c.lastTickTime)
	c.lastTickTime = now

	timeout := c.cfg.InitialConnectTimeout
	if c.state == StateOpen {
		timeout = c.cfg.ConnectionTimeout
	}
	if silence := now.Sub(c.lastReceiveTime); silence > timeout {
		if c.state != StateClosed {
			util.LogWarning("⏱️ [%s] %s timed out after %v", c.ID, c.RemoteAddr(), silence)
			if c.failure == nil {
				c.failure = ErrConnectionTimeout
			}
		}
		c.Close()
	} else {
		chans := c.snapshot()
		for i := len(chans) - 1; i >= 0; i-- {
			if chans[i].conn != nil {
				chans[i].Tick()
			}
		}

		// If channel 0 has closed, the connection is over.
		if c.channels[0] == nil && (c.outReliable[0] != 0 || c.inReliable[0] != 0) {
			c.state = StateClosed
		}
	}

	c.PurgeAcks()
	if c.timeSensitive || now.Sub(c.lastSendTime) > c.cfg.KeepAliveTime {
		c.FlushNet()
	}

	// Drain the byte budget after sending so the cap applies to this tick.
	deltaBytes := float64(c.cfg.NetSpeed) * dt.Seconds()
	c.queuedBytes -= int(deltaBytes)
	if allowed := 2 * deltaBytes; float64(c.queuedBytes) < -allowed {
		c.queuedBytes = -int(allowed)
	}
}

// Close sends a close on the control channel, marks the connection Closed
// and flushes.
func (c *Connection) Close() {
	if c.state != StateClosed {
		util.LogInfo("❎ [%s] closing connection to %s", c.ID, c.RemoteAddr())
	}
	if ch := c.channels[0]; ch != nil {
		ch.Close()
	}
	c.state = StateClosed
	c.FlushNet()
}

// Fail records err as the failure reason and closes the connection. A
// connection that already closed keeps its original reason.
func (c *Connection) Fail(err error) {
	if c.failure == nil && c.state != StateClosed {
		c.failure = err
	}
	c.Close()
}

// CleanUp closes the connection and destroys every channel.
func (c *Connection) CleanUp() {
	c.Close()
	chans := c.snapshot()
	for i := len(chans) - 1; i >= 0; i-- {
		chans[i].cleanUp()
	}
	c.link = nil
}
