package transport

import "net"

// Pipe returns two in-memory, connected PacketTransports for tests and
// same-process bridging, built on net.Pipe so datagram boundaries are
// preserved exactly like a real UDP socket would preserve them.
func Pipe() (a, b PacketTransport) {
	ca, cb := net.Pipe()
	return NewUDPTransport(ca), NewUDPTransport(cb)
}
