package game

// DeltaTracker tracks what one viewer has been sent, for delta compression.
type DeltaTracker struct {
	lastStates map[string]*playerSnapshot
}

type playerSnapshot struct {
	x, y   float32
	vx, vy float32
}

// NewDeltaTracker creates a new delta tracker.
func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{
		lastStates: make(map[string]*playerSnapshot),
	}
}

// ComputeDelta returns only changed players since last call.
// If fullSync is true, returns all players.
func (d *DeltaTracker) ComputeDelta(players []*Player, fullSync bool) (changed []PlayerState, removed []string) {
	currentIDs := make(map[string]bool, len(players))
	for _, p := range players {
		currentIDs[p.ID] = true
	}

	for id := range d.lastStates {
		if !currentIDs[id] {
			removed = append(removed, id)
			delete(d.lastStates, id)
		}
	}

	for _, p := range players {
		snapshot := &playerSnapshot{
			x:  p.Position.X,
			y:  p.Position.Y,
			vx: p.Velocity.X,
			vy: p.Velocity.Y,
		}

		last, exists := d.lastStates[p.ID]
		if fullSync || !exists || d.hasChanged(last, snapshot) {
			changed = append(changed, PlayerState{
				ID:        p.ID,
				Name:      p.Name,
				Position:  p.Position,
				Velocity:  p.Velocity,
				LastInput: p.LastInput,
			})
			d.lastStates[p.ID] = snapshot
		}
	}

	return changed, removed
}

// hasChanged checks if player state has meaningfully changed.
// Uses epsilon to avoid sending tiny movements.
func (d *DeltaTracker) hasChanged(old, new *playerSnapshot) bool {
	const epsilon = 0.1

	if abs(new.x-old.x) > epsilon || abs(new.y-old.y) > epsilon {
		return true
	}
	if abs(new.vx-old.vx) > epsilon || abs(new.vy-old.vy) > epsilon {
		return true
	}
	return false
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

// Clear resets all tracked state.
func (d *DeltaTracker) Clear() {
	d.lastStates = make(map[string]*playerSnapshot)
}

// PlayerState is the replicated view of a player.
type PlayerState struct {
	ID        string
	Name      string
	Position  Vec2
	Velocity  Vec2
	LastInput uint64
}
