package game

import (
	"errors"
	"fmt"
	"io"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/driver"
	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/transport"
	"github.com/LemmyAI/gamenet/internal/util"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNotJoined    = errors.New("not joined")
	ErrRefused      = errors.New("refused by server")
)

// Client connects to an Engine, joins as a named player and mirrors the
// replicated state. It is ticked from one goroutine.
type Client struct {
	drv    *driver.Driver
	conn   *conn.Connection
	mirror *Mirror
	name   string

	playerID string
	tickRate int
	inputSeq uint64
	failure  string
	closed   bool
	err      error
}

// NewClient creates a client on socket. Mirror() is filled once the server
// opens its actor channel.
func NewClient(socket transport.Socket, cfg driver.Config, name string, opts ...driver.Option) (*Client, error) {
	c := &Client{mirror: NewMirror(), name: name}
	mirror := c.mirror
	dopts := append([]driver.Option{
		driver.WithNotify(c),
		driver.WithChannel(protocol.ChannelTypeActor, func(ch *conn.Channel) conn.Behavior {
			return conn.NewActor(mirror)
		}),
	}, opts...)
	drv, err := driver.New(socket, cfg, dopts...)
	if err != nil {
		return nil, err
	}
	c.drv = drv
	return c, nil
}

// Connect opens the connection to addr and sends HELLO.
func (c *Client) Connect(addr string) error {
	cn, err := c.drv.Connect(addr)
	if err != nil {
		return err
	}
	c.conn = cn
	return cn.SendControl(protocol.NewHello(ProtocolVersion))
}

// Tick dispatches and flushes the connection.
func (c *Client) Tick() { c.drv.Tick() }

// SendInput queues a movement input for the server.
func (c *Client) SendInput(x, y float32) error {
	if c.conn == nil || c.closed {
		return ErrNotConnected
	}
	if c.playerID == "" {
		return ErrNotJoined
	}
	c.inputSeq++
	return c.conn.SendControl(protocol.NewInput(c.inputSeq, x, y))
}

// RequestFile downloads name from the server into dst. done is called once
// the channel closes.
func (c *Client) RequestFile(name string, dst io.Writer, done func(error)) error {
	if c.conn == nil || c.closed {
		return ErrNotConnected
	}
	_, err := c.conn.OpenChannel(protocol.ChannelTypeFile, -1, conn.NewFileRequest(name, dst, done))
	return err
}

// Leave says BYE and closes the connection.
func (c *Client) Leave() {
	if c.conn == nil || c.closed {
		return
	}
	_ = c.conn.SendControl(protocol.NewBye())
	c.conn.Close()
}

// Destroy closes the connection and the socket.
func (c *Client) Destroy() error { return c.drv.Destroy() }

// Mirror returns the replicated state.
func (c *Client) Mirror() *Mirror { return c.mirror }

// PlayerID returns the id assigned in WELCOME, or "".
func (c *Client) PlayerID() string { return c.playerID }

// TickRate returns the server tick rate announced in WELCOME.
func (c *Client) TickRate() int { return c.tickRate }

// Joined reports whether WELCOME arrived and JOIN was sent.
func (c *Client) Joined() bool { return c.playerID != "" && !c.closed }

// Closed reports whether the connection went away.
func (c *Client) Closed() bool { return c.closed }

// Err returns why the connection closed, or nil.
func (c *Client) Err() error { return c.err }

// Connection returns the server connection, or nil.
func (c *Client) Connection() *conn.Connection { return c.conn }

// ---------------------------------------------------------------------------
// driver.Notify

func (c *Client) NotifyAcceptingConnection(addr string) bool { return false }

func (c *Client) NotifyAcceptedConnection(cn *conn.Connection) {}

func (c *Client) NotifyAcceptingChannel(ch *conn.Channel) bool {
	return ch.Type == protocol.ChannelTypeControl || ch.Type == protocol.ChannelTypeActor
}

func (c *Client) NotifyReceivedControl(cn *conn.Connection, msg protocol.ControlMessage) {
	switch msg.Type {
	case protocol.MsgWelcome:
		if c.playerID != "" {
			return
		}
		cn.SetState(conn.StateOpen)
		c.playerID = msg.Text("player_id")
		c.tickRate = int(msg.Number("tick_rate"))
		util.LogInfo("🎮 welcomed as %s (%d Hz)", c.playerID, c.tickRate)
		if err := cn.SendControl(protocol.NewJoin(c.name)); err != nil {
			util.LogWarning("join: %v", err)
		}
	case protocol.MsgFailure:
		c.failure = msg.Text("reason")
		util.LogWarning("🚫 server: %s", c.failure)
	default:
		util.LogDebug("unexpected control %s", msg.Type)
	}
}

func (c *Client) NotifyConnectionClosed(cn *conn.Connection, err error) {
	c.closed = true
	if err == nil && c.failure != "" {
		err = fmt.Errorf("%w: %s", ErrRefused, c.failure)
	}
	c.err = err
}

var _ driver.Notify = (*Client)(nil)
