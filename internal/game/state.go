// Package game is a small authoritative game built on the channel layer.
//
// The server keeps the State, simulates it at a fixed tick rate and
// replicates property deltas to every client over an actor channel. Clients
// keep a Mirror of what the server sent them.
package game

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ProtocolVersion must match between client HELLO and server.
const ProtocolVersion = "1"

// Config holds game engine configuration.
type Config struct {
	TickRate      int     // Ticks per second (default: 60)
	ReplicateRate int     // State updates per second (default: 20)
	MaxPlayers    int     // Maximum concurrent players (default: 100)
	PlayerSpeed   float32 // Units per second (default: 100)
	WorldWidth    float32 // World bounds (default: 1000)
	WorldHeight   float32 // World bounds (default: 1000)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickRate:      60,
		ReplicateRate: 20,
		MaxPlayers:    100,
		PlayerSpeed:   100,
		WorldWidth:    1000,
		WorldHeight:   1000,
	}
}

// Player represents a connected player.
type Player struct {
	ID          string
	Name        string
	Addr        string // peer address
	Position    Vec2
	Velocity    Vec2
	LastInput   uint64 // Last processed input sequence
	LastSeen    time.Time
	ConnectedAt time.Time

	// Input queue for deterministic processing
	InputQueue []Input
}

// Vec2 is a 2D vector.
type Vec2 struct {
	X float32
	Y float32
}

// Input represents player input for a single tick.
type Input struct {
	Sequence uint64
	Movement Vec2 // -1 to 1 for each axis
}

// State represents the authoritative game state.
type State struct {
	mu      sync.RWMutex
	players map[string]*Player
	config  Config
	clk     clock.Clock
	tick    uint64
	started time.Time
}

// NewState creates a new game state. clk may be nil for the wall clock.
func NewState(config Config, clk clock.Clock) *State {
	if clk == nil {
		clk = clock.New()
	}
	return &State{
		players: make(map[string]*Player),
		config:  config,
		clk:     clk,
		started: clk.Now(),
	}
}

// AddPlayer creates and adds a new player with a generated ID.
func (s *State) AddPlayer(name, addr string) *Player {
	return s.AddPlayerWithID(name, uuid.New().String()[:8], addr)
}

// AddPlayerWithID creates and adds a new player with a specific ID.
// Returns nil when the ID is taken or the game is full.
func (s *State) AddPlayerWithID(name, playerID, addr string) *Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[playerID]; exists {
		return nil
	}
	if len(s.players) >= s.config.MaxPlayers {
		return nil
	}

	now := s.clk.Now()
	player := &Player{
		ID:          playerID,
		Name:        name,
		Addr:        addr,
		Position:    Vec2{X: s.config.WorldWidth / 2, Y: s.config.WorldHeight / 2}, // Spawn center
		ConnectedAt: now,
		LastSeen:    now,
		InputQueue:  make([]Input, 0, 16),
	}

	s.players[player.ID] = player
	return player
}

// RemovePlayer removes a player by ID.
func (s *State) RemovePlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
}

// GetPlayer returns a player by ID.
func (s *State) GetPlayer(id string) *Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players[id]
}

// GetPlayerByAddr returns a player by address.
func (s *State) GetPlayerByAddr(addr string) *Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.players {
		if p.Addr == addr {
			return p
		}
	}
	return nil
}

// AllPlayers returns all players.
func (s *State) AllPlayers() []*Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	return players
}

// PlayerCount returns the current player count.
func (s *State) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

// Tick increments the tick counter.
func (s *State) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	return s.tick
}

// CurrentTick returns the current tick.
func (s *State) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// Uptime returns how long the state has existed.
func (s *State) Uptime() time.Duration {
	return s.clk.Since(s.started)
}

// Config returns the game configuration.
func (s *State) Config() Config {
	return s.config
}

// ApplyInput queues player input for processing on next tick.
// Returns false if input is stale (already processed).
func (s *State) ApplyInput(playerID string, input Input) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[playerID]
	if !ok {
		return false
	}

	// Skip if we've already processed this or a newer input
	if input.Sequence <= player.LastInput {
		return false
	}

	input.Movement.X = clamp(input.Movement.X, -1, 1)
	input.Movement.Y = clamp(input.Movement.Y, -1, 1)
	player.InputQueue = append(player.InputQueue, input)
	player.LastSeen = s.clk.Now()
	return true
}

// ProcessInputs processes all queued inputs for all players.
// Call this once per tick.
func (s *State) ProcessInputs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := 1.0 / float32(s.config.TickRate)

	for _, player := range s.players {
		for _, input := range player.InputQueue {
			if input.Sequence <= player.LastInput {
				continue
			}
			player.Velocity.X = input.Movement.X * s.config.PlayerSpeed
			player.Velocity.Y = input.Movement.Y * s.config.PlayerSpeed

			player.Position.X = clamp(player.Position.X+player.Velocity.X*dt, 0, s.config.WorldWidth)
			player.Position.Y = clamp(player.Position.Y+player.Velocity.Y*dt, 0, s.config.WorldHeight)

			player.LastInput = input.Sequence
		}

		// Clear processed inputs
		if len(player.InputQueue) > 0 {
			player.InputQueue = player.InputQueue[:0]
		}
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
