// Package transport provides the datagram transport used by the sender.
package transport

import (
	"fmt"
	"net"

	"github.com/e7canasta/camlink"
)

// UDP opens a connected UDP socket to a fixed destination for every frame.
type UDP struct {
	addr string
}

// NewUDP returns a transport sending to addr ("host:port").
func NewUDP(addr string) *UDP {
	return &UDP{addr: addr}
}

// Addr returns the destination address.
func (u *UDP) Addr() string {
	return u.addr
}

// Open dials the destination. No packets are exchanged.
func (u *UDP) Open() (camlink.Socket, error) {
	conn, err := net.Dial("udp", u.addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.addr, err)
	}
	return &udpSocket{conn: conn}, nil
}

type udpSocket struct {
	conn net.Conn
}

func (s *udpSocket) Send(b []byte) error {
	n, err := s.conn.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("transport: short write %d/%d", n, len(b))
	}
	return nil
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
