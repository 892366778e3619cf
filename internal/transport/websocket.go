package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSSocket carries datagrams as binary WebSocket messages, for peers that
// cannot open a raw UDP socket. Each WebSocket connection is one peer,
// addressed by its remote address. A peer whose WebSocket drops is reported
// once as PortUnreachable.
type WSSocket struct {
	config   Config
	upgrader websocket.Upgrader
	local    string

	mu     sync.Mutex
	peers  map[string]*wsPeer
	closed bool

	inbox       chan datagram
	nonBlocking bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

type wsPeer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWSSocket creates a socket that accepts peers through ServeHTTP.
func NewWSSocket(local string, config Config) *WSSocket {
	return &WSSocket{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.MaxMessageSize,
			WriteBufferSize: config.MaxMessageSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		local:  local,
		peers:  make(map[string]*wsPeer),
		inbox:  make(chan datagram, 1024),
		stopCh: make(chan struct{}),
	}
}

// DialWS connects to a WSSocket server at url and returns a client socket
// with the server registered as its only peer, under the address url.
func DialWS(url string, config Config) (*WSSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	s := NewWSSocket(conn.LocalAddr().String(), config)
	s.addPeer(url, conn)
	return s, nil
}

// ServeHTTP upgrades the request and registers the caller as a peer.
func (s *WSSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.addPeer(conn.RemoteAddr().String(), conn)
}

func (s *WSSocket) addPeer(addr string, conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[addr] = &wsPeer{conn: conn}
	s.mu.Unlock()

	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.config.MaxMessageSize))
	}
	s.wg.Add(1)
	go s.readLoop(addr, conn)
}

func (s *WSSocket) readLoop(addr string, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			delete(s.peers, addr)
			closed := s.closed
			s.mu.Unlock()
			_ = conn.Close()
			if !closed {
				s.push(datagram{addr: addr, err: &SocketError{Code: PortUnreachable, Addr: addr, Err: err}})
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.push(datagram{addr: addr, data: data})
	}
}

func (s *WSSocket) push(dg datagram) {
	select {
	case s.inbox <- dg:
	default:
	}
}

// SendTo writes one binary message to the peer at addr.
func (s *WSSocket) SendTo(data []byte, addr string) (int, error) {
	s.mu.Lock()
	p, ok := s.peers[addr]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, &SocketError{Code: Closed, Addr: addr}
	}
	if !ok {
		return 0, &SocketError{Code: PortUnreachable, Addr: addr}
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, &SocketError{Code: Other, Addr: addr, Err: err}
	}
	return len(data), nil
}

// RecvFrom returns the next pending datagram.
func (s *WSSocket) RecvFrom(buf []byte) (int, string, error) {
	var dg datagram
	if s.nonBlocking {
		select {
		case dg = <-s.inbox:
		default:
			return 0, "", errWouldBlock
		}
	} else {
		select {
		case dg = <-s.inbox:
		case <-s.stopCh:
			return 0, "", &SocketError{Code: Closed}
		}
	}
	if dg.err != nil {
		return 0, dg.addr, dg.err
	}
	return copy(buf, dg.data), dg.addr, nil
}

// SetNonBlocking switches RecvFrom to non-blocking mode.
func (s *WSSocket) SetNonBlocking() error {
	s.nonBlocking = true
	return nil
}

// SetReceiveBufferSize is a no-op; WebSocket framing has no datagram buffer.
func (s *WSSocket) SetReceiveBufferSize(size int) error { return nil }

// SetSendBufferSize is a no-op.
func (s *WSSocket) SetSendBufferSize(size int) error { return nil }

// LocalAddr returns the local address.
func (s *WSSocket) LocalAddr() string { return s.local }

// Close disconnects every peer.
func (s *WSSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	peers := s.peers
	s.peers = make(map[string]*wsPeer)
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	s.wg.Wait()
	return nil
}
