package game

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/driver"
	"github.com/LemmyAI/gamenet/internal/metrics"
	"github.com/LemmyAI/gamenet/internal/protocol"
	"github.com/LemmyAI/gamenet/internal/transport"
	"github.com/LemmyAI/gamenet/internal/util"
)

// session is the server's view of one connection.
type session struct {
	conn     *conn.Connection
	rep      *ServerReplicator
	actor    *conn.Channel
	playerID string // set once joined
}

// Engine runs the server tick loop: dispatch, simulate, replicate, flush.
// Everything except Start and Stop runs on the loop goroutine.
type Engine struct {
	state    *State
	config   Config
	clk      clock.Clock
	drv      *driver.Driver
	metrics  *metrics.Metrics
	files    conn.FileProvider
	sessions map[*conn.Connection]*session

	tickRate       time.Duration
	replicateEvery uint64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	clk        clock.Clock
	metrics    *metrics.Metrics
	files      conn.FileProvider
	driverOpts []driver.Option
}

// WithClock sets the time source for the loop, the state and the driver.
func WithClock(clk clock.Clock) Option {
	return func(o *engineOptions) { o.clk = clk }
}

// WithMetrics records tick durations and closed connections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithFiles serves file channel requests from provider.
func WithFiles(provider conn.FileProvider) Option {
	return func(o *engineOptions) { o.files = provider }
}

// WithDriverOptions passes extra options to the driver, e.g. a packet log.
func WithDriverOptions(opts ...driver.Option) Option {
	return func(o *engineOptions) { o.driverOpts = append(o.driverOpts, opts...) }
}

// NewEngine creates a listening server on socket.
func NewEngine(config Config, socket transport.Socket, dcfg driver.Config, opts ...Option) (*Engine, error) {
	if config.TickRate <= 0 {
		return nil, fmt.Errorf("tick rate must be positive, got %d", config.TickRate)
	}
	o := engineOptions{clk: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	every := uint64(1)
	if config.ReplicateRate > 0 && config.ReplicateRate < config.TickRate {
		every = uint64(config.TickRate / config.ReplicateRate)
	}

	e := &Engine{
		state:          NewState(config, o.clk),
		config:         config,
		clk:            o.clk,
		metrics:        o.metrics,
		files:          o.files,
		sessions:       make(map[*conn.Connection]*session),
		tickRate:       time.Second / time.Duration(config.TickRate),
		replicateEvery: every,
		stopCh:         make(chan struct{}),
	}

	// File channels are always known; without a provider they are refused.
	files := e.files
	dopts := []driver.Option{
		driver.WithClock(o.clk),
		driver.WithNotify(e),
		driver.WithChannel(protocol.ChannelTypeFile, func(ch *conn.Channel) conn.Behavior {
			return conn.NewFileSender(files)
		}),
	}
	dopts = append(dopts, o.driverOpts...)

	drv, err := driver.New(socket, dcfg, dopts...)
	if err != nil {
		return nil, err
	}
	if err := drv.InitListen(); err != nil {
		return nil, err
	}
	e.drv = drv
	return e, nil
}

// Start begins the tick loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.wg.Add(1)
	go e.tickLoop()
	util.LogInfo("🎮 Engine started: %d Hz (%v tick interval)", e.config.TickRate, e.tickRate)
}

// Stop stops the tick loop and closes every connection.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	if err := e.drv.Destroy(); err != nil {
		util.LogWarning("close socket: %v", err)
	}
	util.LogInfo("🛑 Engine stopped")
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()

	ticker := e.clk.Ticker(e.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Step()
		}
	}
}

// Step runs one tick.
func (e *Engine) Step() {
	start := e.clk.Now()

	e.drv.TickDispatch()

	tick := e.state.Tick()
	e.state.ProcessInputs()

	if tick%e.replicateEvery == 0 {
		for _, s := range e.sessions {
			if s.rep != nil {
				s.rep.MarkDue()
			}
		}
	}

	e.drv.TickFlush()
	e.metrics.ObserveTick(e.clk.Since(start))
}

// State returns the game state.
func (e *Engine) State() *State { return e.state }

// Driver returns the network driver.
func (e *Engine) Driver() *driver.Driver { return e.drv }

// CurrentTick returns the current game tick.
func (e *Engine) CurrentTick() uint64 { return e.state.CurrentTick() }

// PlayerCount returns current player count.
func (e *Engine) PlayerCount() int { return e.state.PlayerCount() }

// ---------------------------------------------------------------------------
// driver.Notify

func (e *Engine) NotifyAcceptingConnection(addr string) bool {
	return len(e.sessions) < e.config.MaxPlayers
}

func (e *Engine) NotifyAcceptedConnection(c *conn.Connection) {
	e.sessions[c] = &session{conn: c}
}

func (e *Engine) NotifyAcceptingChannel(ch *conn.Channel) bool {
	switch ch.Type {
	case protocol.ChannelTypeControl:
		return true
	case protocol.ChannelTypeFile:
		return e.files != nil
	default:
		return false
	}
}

func (e *Engine) NotifyReceivedControl(c *conn.Connection, msg protocol.ControlMessage) {
	s := e.sessions[c]
	if s == nil {
		return
	}
	switch msg.Type {
	case protocol.MsgHello:
		e.hello(s, msg)
	case protocol.MsgJoin:
		e.join(s, msg)
	case protocol.MsgInput:
		e.input(s, msg)
	case protocol.MsgBye:
		util.LogInfo("👋 [%s] said bye", c.ID)
		c.Close()
	default:
		util.LogDebug("[%s] unexpected control %s", c.ID, msg.Type)
	}
}

func (e *Engine) NotifyConnectionClosed(c *conn.Connection, err error) {
	e.metrics.ConnectionClosed(err)
	s := e.sessions[c]
	delete(e.sessions, c)
	if s == nil || s.playerID == "" {
		return
	}
	if p := e.state.GetPlayer(s.playerID); p != nil {
		e.state.RemovePlayer(s.playerID)
		util.LogInfo("❎ Player left: %s (%s)", p.Name, s.playerID)
	}
}

func (e *Engine) hello(s *session, msg protocol.ControlMessage) {
	c := s.conn
	if c.State() == conn.StateOpen {
		return
	}
	if v := msg.Text("version"); v != ProtocolVersion {
		e.refuse(s, fmt.Sprintf("version mismatch: server %s, client %s", ProtocolVersion, v))
		return
	}

	c.SetState(conn.StateOpen)
	if err := c.SendControl(protocol.NewWelcome(c.ID, e.config.TickRate)); err != nil {
		util.LogWarning("[%s] welcome: %v", c.ID, err)
		return
	}

	rep := NewServerReplicator(e.state)
	ch, err := c.OpenChannel(protocol.ChannelTypeActor, -1, conn.NewActor(rep))
	if err != nil {
		e.refuse(s, fmt.Sprintf("replication: %v", err))
		return
	}
	s.rep = rep
	s.actor = ch
	util.LogDebug("[%s] welcomed, actor channel %d", c.ID, ch.Index)
}

func (e *Engine) join(s *session, msg protocol.ControlMessage) {
	if s.conn.State() != conn.StateOpen || s.playerID != "" {
		return
	}
	name := strings.TrimSpace(msg.Text("name"))
	if name == "" {
		name = "player"
	}
	p := e.state.AddPlayerWithID(name, s.conn.ID, s.conn.RemoteAddr())
	if p == nil {
		e.refuse(s, "server full")
		return
	}
	s.playerID = p.ID
	util.LogInfo("✅ Player joined: %s (%s) at (%.1f, %.1f)", name, p.ID, p.Position.X, p.Position.Y)
}

func (e *Engine) input(s *session, msg protocol.ControlMessage) {
	if s.playerID == "" {
		return
	}
	e.state.ApplyInput(s.playerID, Input{
		Sequence: uint64(msg.Number("seq")),
		Movement: Vec2{X: float32(msg.Number("x")), Y: float32(msg.Number("y"))},
	})
}

// refuse tells the client why and closes the connection.
func (e *Engine) refuse(s *session, reason string) {
	util.LogWarning("🚫 [%s] %s", s.conn.ID, reason)
	_ = s.conn.SendControl(protocol.NewFailure(reason))
	s.conn.Close()
}

var _ driver.Notify = (*Engine)(nil)
