package conn

// Replicator is the game-side endpoint of an actor channel.
type Replicator interface {
	// OnBunchReceived applies one replication message from the peer.
	OnBunchReceived(data []byte, numBits int)

	// ProduceBunchPayload returns the next replication message, if any.
	ProduceBunchPayload() ([]byte, bool)
}

// ReplicatorCloser is implemented by replicators that release state when
// their channel goes away.
type ReplicatorCloser interface {
	OnChannelClosed()
}

// Actor bridges an actor channel to a Replicator. Payloads go out reliably,
// paced by the connection's net speed.
type Actor struct {
	rep Replicator
}

// NewActor returns an actor behavior driving rep.
func NewActor(rep Replicator) *Actor {
	return &Actor{rep: rep}
}

// Replicator returns the wrapped replicator.
func (a *Actor) Replicator() Replicator { return a.rep }

func (a *Actor) OnBunchReceived(ch *Channel, data []byte, numBits int) {
	if a.rep != nil {
		a.rep.OnBunchReceived(data, numBits)
	}
}

func (a *Actor) ProducePayload(ch *Channel, maxBytes int) (Payload, bool) {
	if a.rep == nil || !ch.IsNetReady(false) {
		return Payload{}, false
	}
	data, ok := a.rep.ProduceBunchPayload()
	if !ok {
		return Payload{}, false
	}
	return Payload{Data: data, Reliable: true, Merge: true}, true
}

func (a *Actor) OnClose(ch *Channel) {
	if cl, ok := a.rep.(ReplicatorCloser); ok {
		cl.OnChannelClosed()
	}
}
