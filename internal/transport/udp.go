package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// datagram is one received message, or a receive-side error for an address.
type datagram struct {
	addr string
	data []byte
	err  error
}

// UDPSocket implements Socket using UDP.
//
// A receive loop drains the OS socket into a bounded inbox so RecvFrom can
// report WouldBlock without touching the file descriptor.
type UDPSocket struct {
	config Config
	conn   *net.UDPConn
	remote *net.UDPAddr // set for dialed sockets

	inbox       chan datagram
	nonBlocking bool

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ListenUDP binds an unconnected socket that can talk to many peers. The OS
// does not report ICMP errors on unconnected sockets, so it never yields
// PortUnreachable.
func ListenUDP(addr string, config Config) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return newUDPSocket(conn, nil, config), nil
}

// DialUDP creates a socket connected to a single server. Connected sockets
// surface ICMP port-unreachable as a PortUnreachable receive error.
func DialUDP(addr string, config Config) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return newUDPSocket(conn, udpAddr, config), nil
}

func newUDPSocket(conn *net.UDPConn, remote *net.UDPAddr, config Config) *UDPSocket {
	s := &UDPSocket{
		config: config,
		conn:   conn,
		remote: remote,
		inbox:  make(chan datagram, 1024),
		stopCh: make(chan struct{}),
	}

	// Start receive loop
	s.wg.Add(1)
	go s.receiveLoop()
	return s
}

// SendTo sends one datagram. Dialed sockets ignore addr.
func (s *UDPSocket) SendTo(data []byte, addr string) (int, error) {
	if s.isClosed() {
		return 0, &SocketError{Code: Closed, Addr: addr}
	}
	if s.config.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	var (
		n   int
		err error
	)
	if s.remote != nil {
		n, err = s.conn.Write(data)
		addr = s.remote.String()
	} else {
		udpAddr, rerr := net.ResolveUDPAddr("udp", addr)
		if rerr != nil {
			return 0, &SocketError{Code: Other, Addr: addr, Err: rerr}
		}
		n, err = s.conn.WriteToUDP(data, udpAddr)
	}
	if err != nil {
		return n, classify(err, addr)
	}
	return n, nil
}

// RecvFrom returns the next pending datagram.
func (s *UDPSocket) RecvFrom(buf []byte) (int, string, error) {
	var dg datagram
	if s.nonBlocking {
		select {
		case dg = <-s.inbox:
		default:
			if s.isClosed() {
				return 0, "", &SocketError{Code: Closed}
			}
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
	n := copy(buf, dg.data)
	return n, dg.addr, nil
}

// SetNonBlocking switches RecvFrom to non-blocking mode.
func (s *UDPSocket) SetNonBlocking() error {
	s.nonBlocking = true
	return nil
}

// SetReceiveBufferSize sets the OS receive buffer.
func (s *UDPSocket) SetReceiveBufferSize(size int) error {
	return s.conn.SetReadBuffer(size)
}

// SetSendBufferSize sets the OS send buffer.
func (s *UDPSocket) SetSendBufferSize(size int) error {
	return s.conn.SetWriteBuffer(size)
}

// LocalAddr returns the local address.
func (s *UDPSocket) LocalAddr() string {
	return s.conn.LocalAddr().String()
}

// Close shuts down the socket.
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *UDPSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receiveLoop handles incoming UDP packets.
func (s *UDPSocket) receiveLoop() {
	defer s.wg.Done()

	size := s.config.MaxMessageSize
	if size <= 0 {
		size = 1400
	}
	// One spare byte detects datagrams the kernel would otherwise truncate.
	buf := make([]byte, size+1)

	for {
		var (
			n    int
			from *net.UDPAddr
			err  error
		)
		if s.remote != nil {
			n, err = s.conn.Read(buf)
			from = s.remote
		} else {
			n, from, err = s.conn.ReadFromUDP(buf)
		}

		if err != nil {
			// Check if we're shutting down
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, syscall.ECONNREFUSED) && s.remote != nil {
				s.push(datagram{addr: s.remote.String(), err: classify(err, s.remote.String())})
			}
			continue
		}

		if n > size {
			continue
		}

		// Copy data (buf will be reused)
		data := make([]byte, n)
		copy(data, buf[:n])
		s.push(datagram{addr: from.String(), data: data})
	}
}

// push enqueues without blocking; a full inbox drops like a full OS buffer.
func (s *UDPSocket) push(dg datagram) {
	select {
	case s.inbox <- dg:
	default:
	}
}

func classify(err error, addr string) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &SocketError{Code: PortUnreachable, Addr: addr, Err: err}
	case errors.Is(err, net.ErrClosed):
		return &SocketError{Code: Closed, Addr: addr, Err: err}
	default:
		return &SocketError{Code: Other, Addr: addr, Err: err}
	}
}
