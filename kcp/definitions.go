// Package kcp implements the per-stream ARQ state machine of the KCP
// protocol: send/receive queues, RTO estimation, fast retransmit,
// selective ACK, windowing and flush scheduling. The engine never
// blocks and never touches a clock itself — callers drive it with an
// explicit millisecond timestamp, which keeps it deterministic and
// friendly to testing.
package kcp

// Value is a 32-bit sequence number that wraps around, compared with
// RFC 1982 serial-number arithmetic rather than plain integer
// ordering, generalized here to KCP's sn/una fields.
type Value uint32

// Add returns v+delta, wrapping around the 32-bit space.
func Add(v Value, delta uint32) Value { return v + Value(delta) }

// LessThan reports whether v precedes other in sequence-number order,
// tolerant of wraparound: it is true for roughly half of the 32-bit
// space ahead of v, matching TCP/KCP serial-number comparison.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v precedes or equals other.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// State enumerates the lifecycle of a KCP stream:
// Connecting → Established → Closing → Closed.
type State uint8

const (
	StateConnecting State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsClosed reports whether no further progress is possible.
func (s State) IsClosed() bool { return s == StateClosed }
