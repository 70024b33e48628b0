// Package transport provides the packet-level abstraction the mux
// layer sends and receives datagrams through, plus a net.Conn backed
// implementation so the module is usable against real UDP sockets out
// of the box.
package transport

import (
	"errors"
	"net"
)

// ErrClosed is returned by SendPacket/RecvPacket once the transport
// has been closed.
var ErrClosed = errors.New("kcpflow/transport: closed")

// PacketTransport is the abstract datagram substrate mux is built on:
// send whole datagrams, receive whole datagrams, nothing else. Any
// unreliable, unordered packet medium satisfies it.
type PacketTransport interface {
	SendPacket(b []byte) error
	RecvPacket(buf []byte) (int, error)
	Close() error
}

// UDPTransport adapts a connected net.Conn to PacketTransport. It is
// the only place this module calls net.Dial; everything above it is
// socket-agnostic.
type UDPTransport struct {
	conn net.Conn
}

// DialUDP connects to addr and returns a PacketTransport over it.
func DialUDP(network, addr string) (*UDPTransport, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

// NewUDPTransport wraps an already-established connection (e.g. one
// returned by net.ListenUDP after accepting a peer via RecvPacket's
// source, or by a test harness).
func NewUDPTransport(conn net.Conn) *UDPTransport { return &UDPTransport{conn: conn} }

func (t *UDPTransport) SendPacket(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *UDPTransport) RecvPacket(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

func (t *UDPTransport) Close() error { return t.conn.Close() }
