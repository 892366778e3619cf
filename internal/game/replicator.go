package game

import (
	"sort"
	"sync"

	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/util"
)

// ServerReplicator feeds one client's actor channel. The first delta it
// produces is a full sync; later ones carry only what changed since the
// previous delta. Deltas are computed when the channel asks for data.
type ServerReplicator struct {
	state   *State
	tracker *DeltaTracker
	due     bool
	synced  bool
	sent    int
}

// NewServerReplicator creates a replicator over state.
func NewServerReplicator(state *State) *ServerReplicator {
	return &ServerReplicator{state: state, tracker: NewDeltaTracker(), due: true}
}

// MarkDue lets the next produce call emit a delta.
func (r *ServerReplicator) MarkDue() { r.due = true }

// Sent returns how many deltas were produced.
func (r *ServerReplicator) Sent() int { return r.sent }

// OnBunchReceived ignores client data; inputs arrive on the control channel.
func (r *ServerReplicator) OnBunchReceived(data []byte, numBits int) {}

func (r *ServerReplicator) ProduceBunchPayload() ([]byte, bool) {
	if !r.due {
		return nil, false
	}
	r.due = false

	full := !r.synced
	changed, removed := r.tracker.ComputeDelta(r.state.AllPlayers(), full)
	d := Delta{Tick: r.state.CurrentTick(), Full: full, Changed: changed, Removed: removed}
	if d.Empty() {
		return nil, false
	}
	r.synced = true
	r.sent++
	return EncodeDelta(nil, d), true
}

var _ conn.Replicator = (*ServerReplicator)(nil)

// Mirror is the client's copy of the replicated players.
type Mirror struct {
	mu      sync.RWMutex
	players map[string]PlayerState
	tick    uint64
	updates int
	open    bool
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{players: make(map[string]PlayerState)}
}

func (m *Mirror) OnBunchReceived(data []byte, numBits int) {
	deltas, err := DecodeDeltas(data[:(numBits+7)/8])
	if err != nil {
		util.LogWarning("replication: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	for _, d := range deltas {
		m.apply(d)
	}
}

func (m *Mirror) apply(d Delta) {
	if d.Full {
		clear(m.players)
	}
	for _, id := range d.Removed {
		delete(m.players, id)
	}
	for _, p := range d.Changed {
		m.players[p.ID] = p
	}
	m.tick = d.Tick
	m.updates++
}

// ProduceBunchPayload never sends; the mirror is read-only.
func (m *Mirror) ProduceBunchPayload() ([]byte, bool) { return nil, false }

// OnChannelClosed forgets everything when the server closes replication.
func (m *Mirror) OnChannelClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.players)
	m.open = false
}

// Players returns the mirrored players ordered by ID.
func (m *Mirror) Players() []PlayerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PlayerState, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Player returns one mirrored player.
func (m *Mirror) Player(id string) (PlayerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[id]
	return p, ok
}

// Tick returns the server tick of the last applied delta.
func (m *Mirror) Tick() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tick
}

// Updates returns the number of applied deltas.
func (m *Mirror) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// Open reports whether a replication channel is delivering.
func (m *Mirror) Open() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

var (
	_ conn.Replicator       = (*Mirror)(nil)
	_ conn.ReplicatorCloser = (*Mirror)(nil)
)
