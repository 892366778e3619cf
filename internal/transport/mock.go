package transport

import (
	"sync"
)

// MockNetwork is an in-memory datagram network for testing. Sockets created
// from the same network deliver to each other by address.
type MockNetwork struct {
	mu      sync.Mutex
	sockets map[string]*MockSocket
}

// MockMessage records a sent or received datagram.
type MockMessage struct {
	From string
	To   string
	Data []byte
}

// NewMockNetwork creates an empty network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{sockets: make(map[string]*MockSocket)}
}

// Socket returns the socket bound to addr, creating it if needed.
func (n *MockNetwork) Socket(addr string) *MockSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sockets[addr]; ok {
		return s
	}
	s := &MockSocket{net: n, addr: addr}
	n.sockets[addr] = s
	return s
}

func (n *MockNetwork) lookup(addr string) *MockSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets[addr]
}

// MockSocket is a Socket on a MockNetwork.
//
// While holding, outgoing datagrams are captured instead of delivered so a
// test can drop, duplicate or reorder them with Release.
type MockSocket struct {
	net  *MockNetwork
	addr string

	mu          sync.Mutex
	inbox       []datagram
	sent        []MockMessage
	held        []MockMessage
	hold        bool
	closed      bool
	nonBlocking bool
}

// SendTo delivers data to the socket bound to addr. Sending to an address
// with no open socket queues a PortUnreachable error on this socket, the way
// an ICMP reply would.
func (s *MockSocket) SendTo(data []byte, addr string) (int, error) {
	msg := MockMessage{From: s.addr, To: addr, Data: append([]byte(nil), data...)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, &SocketError{Code: Closed, Addr: addr}
	}
	s.sent = append(s.sent, msg)
	if s.hold {
		s.held = append(s.held, msg)
		s.mu.Unlock()
		return len(data), nil
	}
	s.mu.Unlock()

	s.deliver(msg)
	return len(data), nil
}

func (s *MockSocket) deliver(msg MockMessage) {
	dst := s.net.lookup(msg.To)
	if dst == nil || !dst.enqueue(datagram{addr: msg.From, data: msg.Data}) {
		s.enqueue(datagram{addr: msg.To, err: &SocketError{Code: PortUnreachable, Addr: msg.To}})
	}
}

func (s *MockSocket) enqueue(dg datagram) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inbox = append(s.inbox, dg)
	return true
}

// RecvFrom pops the oldest pending datagram.
func (s *MockSocket) RecvFrom(buf []byte) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, "", &SocketError{Code: Closed}
	}
	if len(s.inbox) == 0 {
		return 0, "", errWouldBlock
	}
	dg := s.inbox[0]
	s.inbox = s.inbox[1:]
	if dg.err != nil {
		return 0, dg.addr, dg.err
	}
	return copy(buf, dg.data), dg.addr, nil
}

// SetNonBlocking records the mode; the mock never blocks.
func (s *MockSocket) SetNonBlocking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonBlocking = true
	return nil
}

// SetReceiveBufferSize does nothing in mock.
func (s *MockSocket) SetReceiveBufferSize(size int) error { return nil }

// SetSendBufferSize does nothing in mock.
func (s *MockSocket) SetSendBufferSize(size int) error { return nil }

// LocalAddr returns the mock address.
func (s *MockSocket) LocalAddr() string { return s.addr }

// Close marks the socket closed; later sends to it become unreachable.
func (s *MockSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.inbox = nil
	return nil
}

// --- Test helpers ---

// NonBlocking reports whether SetNonBlocking was called.
func (s *MockSocket) NonBlocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonBlocking
}

// Hold starts or stops capturing outgoing datagrams.
func (s *MockSocket) Hold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

// Held returns the captured datagrams.
func (s *MockSocket) Held() []MockMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MockMessage{}, s.held...)
}

// Release delivers captured datagrams in the given order, then forgets all
// captured datagrams. Indices may repeat (duplication) or be omitted (loss).
func (s *MockSocket) Release(order ...int) {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()

	for _, i := range order {
		if i >= 0 && i < len(held) {
			s.deliver(held[i])
		}
	}
}

// SimulateMessage injects a datagram as if sent from addr.
func (s *MockSocket) SimulateMessage(from string, data []byte) {
	s.enqueue(datagram{addr: from, data: append([]byte(nil), data...)})
}

// SimulateUnreachable injects a PortUnreachable error for addr.
func (s *MockSocket) SimulateUnreachable(addr string) {
	s.enqueue(datagram{addr: addr, err: &SocketError{Code: PortUnreachable, Addr: addr}})
}

// Pending returns the number of datagrams waiting in the inbox.
func (s *MockSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// SentMessages returns all sent datagrams.
func (s *MockSocket) SentMessages() []MockMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MockMessage{}, s.sent...)
}

// Clear clears all recorded datagrams.
func (s *MockSocket) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = s.sent[:0]
	s.held = s.held[:0]
}
