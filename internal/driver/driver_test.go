package driver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/packetlog"
	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/transport"
)

// events answers HELLO with WELCOME and records everything else.
type events struct {
	refuse   bool
	accepted []*conn.Connection
	closed   []error
	controls []protocol.ControlMessage
}

func (e *events) NotifyAcceptingChannel(ch *conn.Channel) bool { return true }

func (e *events) NotifyReceivedControl(c *conn.Connection, msg protocol.ControlMessage) {
	e.controls = append(e.controls, msg)
	switch msg.Type {
	case protocol.MsgHello:
		c.SetState(conn.StateOpen)
		_ = c.SendControl(protocol.NewWelcome(c.ID, 30))
	case protocol.MsgWelcome:
		c.SetState(conn.StateOpen)
	}
}

func (e *events) NotifyAcceptingConnection(addr string) bool { return !e.refuse }

func (e *events) NotifyAcceptedConnection(c *conn.Connection) {
	e.accepted = append(e.accepted, c)
}

func (e *events) NotifyConnectionClosed(c *conn.Connection, err error) {
	e.closed = append(e.closed, err)
}

const (
	serverAddr = "server:7777"
	clientAddr = "client:5000"
)

type env struct {
	clk        *clock.Mock
	network    *transport.MockNetwork
	serverSock *transport.MockSocket
	server     *Driver
	client     *Driver
	sn, cn     *events
}

func newEnv(t *testing.T, cfg Config, opts ...Option) *env {
	t.Helper()
	e := &env{
		clk:     clock.NewMock(),
		network: transport.NewMockNetwork(),
		sn:      &events{},
		cn:      &events{},
	}
	e.serverSock = e.network.Socket(serverAddr)

	var err error
	e.server, err = New(e.serverSock, cfg, append([]Option{WithClock(e.clk), WithNotify(e.sn)}, opts...)...)
	if err != nil {
		t.Fatalf("New server failed: %v", err)
	}
	if err := e.server.InitListen(); err != nil {
		t.Fatalf("InitListen failed: %v", err)
	}
	if !e.serverSock.NonBlocking() {
		t.Error("expected the socket switched to non-blocking")
	}

	e.client, err = New(e.network.Socket(clientAddr), cfg, WithClock(e.clk), WithNotify(e.cn))
	if err != nil {
		t.Fatalf("New client failed: %v", err)
	}
	return e
}

// connect runs HELLO/WELCOME between the client and the server.
func (e *env) connect(t *testing.T) *conn.Connection {
	t.Helper()
	c, err := e.client.Connect(serverAddr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if c.State() != conn.StatePending {
		t.Fatalf("expected pending, got %s", c.State())
	}
	if err := c.SendControl(protocol.NewHello("1")); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	e.client.Tick()
	e.server.Tick()
	e.client.Tick()
	return c
}

func TestClientServerHandshake(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	c := e.connect(t)

	if c.State() != conn.StateOpen {
		t.Errorf("expected client open, got %s", c.State())
	}
	clients := e.server.ClientConnections()
	if len(clients) != 1 || clients[0].State() != conn.StateOpen {
		t.Fatalf("expected one open server connection, got %d", len(clients))
	}
	if len(e.sn.accepted) != 1 || e.sn.accepted[0] != clients[0] {
		t.Errorf("expected NotifyAcceptedConnection once, got %d", len(e.sn.accepted))
	}
	if e.server.Connection(clientAddr) != clients[0] {
		t.Error("expected lookup by peer address")
	}
	if len(e.cn.controls) != 1 || e.cn.controls[0].Type != protocol.MsgWelcome {
		t.Errorf("expected WELCOME on the client, got %+v", e.cn.controls)
	}

	infos := e.server.Connections()
	if len(infos) != 1 || infos[0].Addr != clientAddr || infos[0].State != "open" {
		t.Errorf("unexpected connection info %+v", infos)
	}
	if n := e.server.Stats().InPackets.Load(); n == 0 {
		t.Error("expected driver stats to count packets")
	}
}

func TestTimeoutNotifiesOnce(t *testing.T) {
	cfg := DefaultConfig()
	e := newEnv(t, cfg)
	e.connect(t)

	e.clk.Add(cfg.Conn.ConnectionTimeout + time.Second)
	e.server.Tick()
	e.server.Tick()

	if len(e.sn.closed) != 1 {
		t.Fatalf("expected exactly one close notification, got %d", len(e.sn.closed))
	}
	if !errors.Is(e.sn.closed[0], conn.ErrConnectionTimeout) {
		t.Errorf("expected ErrConnectionTimeout, got %v", e.sn.closed[0])
	}
	if len(e.server.ClientConnections()) != 0 || len(e.server.Connections()) != 0 {
		t.Error("expected the timed-out connection removed")
	}
}

func TestServerUnreachable(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	c, err := e.client.Connect("nowhere:1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = c.SendControl(protocol.NewHello("1"))

	e.client.Tick() // send, unreachable queued
	e.client.Tick() // dispatch unreachable, reap

	if e.client.ServerConnection() != nil {
		t.Error("expected the server connection reaped")
	}
	if len(e.cn.closed) != 1 || !errors.Is(e.cn.closed[0], conn.ErrPeerUnreachable) {
		t.Errorf("expected one ErrPeerUnreachable notification, got %v", e.cn.closed)
	}
}

func TestClientUnreachable(t *testing.T) {
	tests := []struct {
		name  string
		allow bool
		kept  bool
	}{
		{"closes", false, false},
		{"tolerated", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AllowPeerUnreachable = tt.allow
			e := newEnv(t, cfg)
			e.connect(t)

			e.serverSock.SimulateUnreachable(clientAddr)
			e.server.Tick()

			if kept := len(e.server.ClientConnections()) == 1; kept != tt.kept {
				t.Fatalf("expected kept=%v, got %v", tt.kept, kept)
			}
			if !tt.kept && (len(e.sn.closed) != 1 || !errors.Is(e.sn.closed[0], conn.ErrPeerUnreachable)) {
				t.Errorf("expected ErrPeerUnreachable notification, got %v", e.sn.closed)
			}
		})
	}
}

func TestRefusedConnection(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.sn.refuse = true
	c := e.connect(t)

	if len(e.server.ClientConnections()) != 0 || len(e.sn.accepted) != 0 {
		t.Error("refused peers must not get a connection")
	}
	if c.State() != conn.StatePending {
		t.Errorf("expected the client still pending, got %s", c.State())
	}
}

func TestMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	e := newEnv(t, cfg)
	e.connect(t)

	other, err := New(e.network.Socket("client2:6000"), cfg, WithClock(e.clk))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c2, _ := other.Connect(serverAddr)
	_ = c2.SendControl(protocol.NewHello("1"))
	other.Tick()
	e.server.Tick()

	if n := len(e.server.ClientConnections()); n != 1 {
		t.Errorf("expected the connection limit to hold, got %d", n)
	}
}

func TestDestroy(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.connect(t)

	if err := e.server.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if len(e.sn.closed) != 1 || e.sn.closed[0] != nil {
		t.Errorf("expected one orderly close notification, got %v", e.sn.closed)
	}
	if err := e.server.InitListen(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}

	// The close sent during teardown reaches the client.
	e.client.Tick()
	if e.client.ServerConnection() != nil {
		t.Error("expected the client to close after the server went away")
	}
	if len(e.cn.closed) != 1 || e.cn.closed[0] != nil {
		t.Errorf("expected an orderly close on the client, got %v", e.cn.closed)
	}
}

func TestConnectErrors(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	if _, err := e.server.Connect("x:1"); !errors.Is(err, ErrListening) {
		t.Errorf("expected ErrListening, got %v", err)
	}
	if _, err := e.client.Connect(serverAddr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := e.client.Connect(serverAddr); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := e.client.InitListen(); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected from InitListen, got %v", err)
	}

	bad := DefaultConfig()
	bad.Conn.MaxPacket = protocol.MaxPacketSize * 2
	if _, err := New(e.network.Socket("bad:1"), bad); err == nil {
		t.Error("expected invalid connection config to be rejected")
	}
}

func TestPacketLog(t *testing.T) {
	var buf bytes.Buffer
	log := packetlog.NewWriter(&buf, "test")
	e := newEnv(t, DefaultConfig(), WithPacketLog(log))
	e.connect(t)
	_ = log.Close()

	dirs := map[string]int{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec packetlog.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad record: %v", err)
		}
		if rec.Peer != clientAddr {
			t.Errorf("unexpected peer %q", rec.Peer)
		}
		dirs[rec.Direction]++
	}
	if dirs[packetlog.DirectionIn] == 0 || dirs[packetlog.DirectionOut] == 0 {
		t.Errorf("expected both directions logged, got %v", dirs)
	}
}

func TestWithChannel(t *testing.T) {
	cfg := DefaultConfig()
	e := newEnv(t, cfg, WithChannel(protocol.ChannelTypeFile, func(ch *conn.Channel) conn.Behavior {
		return conn.NewFileSender(nil)
	}))
	e.connect(t)

	server := e.server.ClientConnections()[0]
	if !server.IsKnownChannelType(protocol.ChannelTypeFile) {
		t.Error("expected the file channel registered on accepted connections")
	}
	if e.client.ServerConnection().IsKnownChannelType(protocol.ChannelTypeFile) {
		t.Error("client driver has no file factory")
	}
}
