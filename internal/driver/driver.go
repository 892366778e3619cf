// Package driver owns a socket and the connections multiplexed over it.
//
// A Driver is either a client with a single server connection, or a
// listening server that creates a connection for every accepted peer
// address. It is ticked from one goroutine; only Connections() may be
// called concurrently.
package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/packetlog"
	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/transport"
	"github.com/LemmyAI/gamenet/internal/util"
)

var (
	ErrAlreadyConnected = errors.New("driver already has a server connection")
	ErrListening        = errors.New("driver is listening")
	ErrDestroyed        = errors.New("driver destroyed")
)

// Notify receives driver and connection events.
type Notify interface {
	conn.Notify

	// NotifyAcceptingConnection decides whether a datagram from an unknown
	// address opens a new connection.
	NotifyAcceptingConnection(addr string) bool

	// NotifyAcceptedConnection is called after a new connection is created.
	NotifyAcceptedConnection(c *conn.Connection)

	// NotifyConnectionClosed is called exactly once per connection after it
	// closed. err is nil for an orderly close.
	NotifyConnectionClosed(c *conn.Connection, err error)
}

// Config holds driver configuration.
type Config struct {
	Conn conn.Config

	// AllowPeerUnreachable ignores unreachable signals for client
	// connections on a server.
	AllowPeerUnreachable bool

	MaxConnections int // 0 means unlimited
	RecvBufferSize int
	SendBufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Conn:           conn.DefaultConfig(),
		MaxConnections: 64,
		RecvBufferSize: 256 * 1024,
		SendBufferSize: 256 * 1024,
	}
}

// ConnectionInfo is a read-only view of a connection for status pages.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	Channels    int       `json:"channels"`
	AvgLagMs    float64   `json:"avg_lag_ms"`
	QueuedBytes int       `json:"queued_bytes"`
	LastReceive time.Time `json:"last_receive"`
}

// Driver demultiplexes datagrams to connections.
type Driver struct {
	cfg      Config
	socket   transport.Socket
	notify   Notify
	clk      clock.Clock
	stats    *conn.Stats
	packets  *packetlog.Logger
	connOpts []conn.Option

	listening  bool
	serverConn *conn.Connection
	clients    map[string]*conn.Connection
	infos      *xsync.MapOf[string, ConnectionInfo]
	buf        []byte
	destroyed  bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the time source shared by every connection.
func WithClock(clk clock.Clock) Option {
	return func(d *Driver) { d.clk = clk }
}

// WithNotify sets the event sink.
func WithNotify(n Notify) Option {
	return func(d *Driver) { d.notify = n }
}

// WithStats shares a counter set.
func WithStats(stats *conn.Stats) Option {
	return func(d *Driver) { d.stats = stats }
}

// WithPacketLog records every datagram sent and received.
func WithPacketLog(l *packetlog.Logger) Option {
	return func(d *Driver) { d.packets = l }
}

// WithChannel registers a behavior factory on every connection the driver
// creates.
func WithChannel(t protocol.ChannelType, f conn.BehaviorFactory) Option {
	return func(d *Driver) {
		d.connOpts = append(d.connOpts, conn.WithChannelFactory(t, f))
	}
}

// New prepares socket for polling. The socket is switched to non-blocking
// mode and its buffers are sized from cfg.
func New(socket transport.Socket, cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Conn.Validate(); err != nil {
		return nil, fmt.Errorf("connection config: %w", err)
	}
	d := &Driver{
		cfg:     cfg,
		socket:  socket,
		clk:     clock.New(),
		clients: make(map[string]*conn.Connection),
		infos:   xsync.NewMapOf[string, ConnectionInfo](),
		buf:     make([]byte, protocol.MaxPacketSize*2),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.stats == nil {
		d.stats = &conn.Stats{}
	}
	if err := d.initBase(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) initBase() error {
	if err := d.socket.SetNonBlocking(); err != nil {
		return fmt.Errorf("set non-blocking: %w", err)
	}
	if d.cfg.RecvBufferSize > 0 {
		if err := d.socket.SetReceiveBufferSize(d.cfg.RecvBufferSize); err != nil {
			util.LogWarning("receive buffer %d: %v", d.cfg.RecvBufferSize, err)
		}
	}
	if d.cfg.SendBufferSize > 0 {
		if err := d.socket.SetSendBufferSize(d.cfg.SendBufferSize); err != nil {
			util.LogWarning("send buffer %d: %v", d.cfg.SendBufferSize, err)
		}
	}
	return nil
}

// InitListen makes the driver accept connections from unknown peers.
func (d *Driver) InitListen() error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.serverConn != nil {
		return ErrAlreadyConnected
	}
	d.listening = true
	util.LogInfo("🎮 listening on %s", d.socket.LocalAddr())
	return nil
}

// Connect creates the server connection to addr in Pending state with the
// control channel opened locally.
func (d *Driver) Connect(addr string) (*conn.Connection, error) {
	switch {
	case d.destroyed:
		return nil, ErrDestroyed
	case d.listening:
		return nil, ErrListening
	case d.serverConn != nil:
		return nil, ErrAlreadyConnected
	}
	c := d.newConnection(addr, conn.StatePending)
	if _, err := c.OpenChannel(protocol.ChannelTypeControl, 0, nil); err != nil {
		return nil, fmt.Errorf("open control channel: %w", err)
	}
	d.serverConn = c
	d.updateInfo(c)
	util.LogInfo("🔌 connecting to %s (%s)", addr, c.ID)
	return c, nil
}

func (d *Driver) newConnection(addr string, state conn.State) *conn.Connection {
	opts := []conn.Option{conn.WithClock(d.clk), conn.WithStats(d.stats)}
	if d.notify != nil {
		opts = append(opts, conn.WithNotify(d.notify))
	}
	opts = append(opts, d.connOpts...)
	return conn.New(&peerLink{d: d, addr: addr}, state, d.cfg.Conn, opts...)
}

// IsServer reports whether the driver accepts connections.
func (d *Driver) IsServer() bool { return d.listening }

// ServerConnection returns the client's connection to the server, or nil.
func (d *Driver) ServerConnection() *conn.Connection { return d.serverConn }

// ClientConnections returns the server's connections.
func (d *Driver) ClientConnections() []*conn.Connection {
	out := make([]*conn.Connection, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	return out
}

// Connection returns the connection for addr, or nil.
func (d *Driver) Connection(addr string) *conn.Connection {
	if !d.listening {
		if d.serverConn != nil && d.serverConn.RemoteAddr() == addr {
			return d.serverConn
		}
		return nil
	}
	return d.clients[addr]
}

// Stats returns the counters shared by every connection.
func (d *Driver) Stats() *conn.Stats { return d.stats }

// LocalAddr returns the socket address.
func (d *Driver) LocalAddr() string { return d.socket.LocalAddr() }

// Connections returns a snapshot of every live connection. Safe to call
// from other goroutines.
func (d *Driver) Connections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, d.infos.Size())
	d.infos.Range(func(_ string, info ConnectionInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

// Tick dispatches incoming datagrams and then ticks every connection.
func (d *Driver) Tick() {
	d.TickDispatch()
	d.TickFlush()
}

// TickDispatch drains the socket and routes each datagram to its connection.
func (d *Driver) TickDispatch() {
	if d.destroyed {
		return
	}
	for {
		n, from, err := d.socket.RecvFrom(d.buf)
		if err != nil {
			switch transport.Code(err) {
			case transport.WouldBlock:
				return
			case transport.PortUnreachable:
				d.peerUnreachable(from)
				continue
			case transport.Closed:
				return
			default:
				util.LogWarning("recv: %v", err)
				return
			}
		}
		data := d.buf[:n]
		d.packets.Packet(packetlog.DirectionIn, from, data)

		c := d.route(from)
		if c == nil {
			continue
		}
		c.ReceivedRawPacket(data)
	}
}

func (d *Driver) route(from string) *conn.Connection {
	if !d.listening {
		// A client talks to exactly one peer.
		return d.serverConn
	}
	if c, ok := d.clients[from]; ok {
		return c
	}
	if d.cfg.MaxConnections > 0 && len(d.clients) >= d.cfg.MaxConnections {
		util.LogDebug("rejecting %s: %d connections", from, len(d.clients))
		return nil
	}
	if d.notify != nil && !d.notify.NotifyAcceptingConnection(from) {
		return nil
	}

	c := d.newConnection(from, conn.StatePending)
	d.clients[from] = c
	d.updateInfo(c)
	util.LogInfo("👤 new connection %s from %s", c.ID, from)
	if d.notify != nil {
		d.notify.NotifyAcceptedConnection(c)
	}
	return c
}

func (d *Driver) peerUnreachable(addr string) {
	if !d.listening {
		if d.serverConn != nil {
			util.LogWarning("🚫 server %s unreachable", d.serverConn.RemoteAddr())
			d.serverConn.Fail(conn.ErrPeerUnreachable)
		}
		return
	}
	c, ok := d.clients[addr]
	if !ok {
		return
	}
	if d.cfg.AllowPeerUnreachable {
		util.LogDebug("ignoring unreachable from %s", addr)
		return
	}
	util.LogWarning("🚫 client %s unreachable", addr)
	c.Fail(conn.ErrPeerUnreachable)
}

// TickFlush ticks every connection and reaps the ones that closed.
func (d *Driver) TickFlush() {
	if d.destroyed {
		return
	}
	if c := d.serverConn; c != nil {
		c.Tick()
		if c.State() == conn.StateClosed {
			d.serverConn = nil
			d.reap(c)
		} else {
			d.updateInfo(c)
		}
	}
	for addr, c := range d.clients {
		c.Tick()
		if c.State() == conn.StateClosed {
			delete(d.clients, addr)
			d.reap(c)
			continue
		}
		d.updateInfo(c)
	}
}

func (d *Driver) reap(c *conn.Connection) {
	addr := c.RemoteAddr()
	c.CleanUp()
	d.infos.Delete(c.ID)
	if err := c.Err(); err != nil {
		util.LogInfo("👋 connection %s (%s) closed: %v", c.ID, addr, err)
	} else {
		util.LogInfo("👋 connection %s (%s) closed", c.ID, addr)
	}
	if d.notify != nil {
		d.notify.NotifyConnectionClosed(c, c.Err())
	}
}

func (d *Driver) updateInfo(c *conn.Connection) {
	d.infos.Store(c.ID, ConnectionInfo{
		ID:          c.ID,
		Addr:        c.RemoteAddr(),
		State:       c.State().String(),
		Channels:    len(c.Channels()),
		AvgLagMs:    float64(c.AvgLag()) / float64(time.Millisecond),
		QueuedBytes: c.QueuedBytes(),
		LastReceive: c.LastReceiveTime(),
	})
}

// Destroy closes every connection and the socket.
func (d *Driver) Destroy() error {
	if d.destroyed {
		return nil
	}
	if c := d.serverConn; c != nil {
		d.serverConn = nil
		d.reap(c)
	}
	for addr, c := range d.clients {
		delete(d.clients, addr)
		d.reap(c)
	}
	d.destroyed = true
	d.listening = false
	return d.socket.Close()
}

// peerLink sends a connection's datagrams through the driver socket.
type peerLink struct {
	d    *Driver
	addr string
}

func (l *peerLink) Send(data []byte) error {
	l.d.packets.Packet(packetlog.DirectionOut, l.addr, data)
	_, err := l.d.socket.SendTo(data, l.addr)
	return err
}

func (l *peerLink) RemoteAddr() string { return l.addr }
