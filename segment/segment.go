// Package segment implements the wire encoding for KCP protocol
// segments: the atomic PDU carried inside datagrams exchanged by the
// kcp engine.
package segment

import (
	"encoding/binary"
	"errors"
)

// Cmd identifies the purpose of a segment.
type Cmd uint8

const (
	CmdPush Cmd = iota + 1 // CmdPush carries application payload.
	CmdAck                 // CmdAck acknowledges a sequence number.
	CmdWAsk                // CmdWAsk asks the peer to report its window (window probe).
	CmdWIns                // CmdWIns reports the local window in response to CmdWAsk.
	CmdPing                // CmdPing is a keepalive carrying no new information.
	CmdFin                 // CmdFin signals the sender has no more data to send.
	CmdSyn                 // CmdSyn opens a new conversation.
)

// String returns a short human-readable name for the command.
func (c Cmd) String() string {
	switch c {
	case CmdPush:
		return "PUSH"
	case CmdAck:
		return "ACK"
	case CmdWAsk:
		return "WASK"
	case CmdWIns:
		return "WINS"
	case CmdPing:
		return "PING"
	case CmdFin:
		return "FIN"
	case CmdSyn:
		return "SYN"
	default:
		return "UNKNOWN"
	}
}

func (c Cmd) valid() bool { return c >= CmdPush && c <= CmdSyn }

// Size is the fixed header size of a segment, matching the canonical
// KCP wire format: conv(4) cmd(1) frg(1) wnd(2) ts(4) sn(4) una(4) len(4).
const Size = 24

var (
	// ErrInvalidSegment is returned when a datagram is too short, holds
	// an unknown cmd, or declares a length exceeding the remaining buffer.
	// Per the decode policy, this rejects the whole datagram — no
	// partial application of the segments that did parse.
	ErrInvalidSegment = errors.New("kcpflow/segment: invalid segment")
)

// Segment is the decoded value of one KCP PDU.
type Segment struct {
	Conv    uint32
	Cmd     Cmd
	Frg     uint8
	Wnd     uint16
	Ts      uint32
	Sn      uint32
	Una     uint32
	Payload []byte // shares backing storage with the datagram it was parsed from.
}

// AppendTo serializes seg onto buf, returning the extended slice.
func AppendTo(buf []byte, seg Segment) []byte {
	var hdr [Size]byte
	binary.LittleEndian.PutUint32(hdr[0:4], seg.Conv)
	hdr[4] = byte(seg.Cmd)
	hdr[5] = seg.Frg
	binary.LittleEndian.PutUint16(hdr[6:8], seg.Wnd)
	binary.LittleEndian.PutUint32(hdr[8:12], seg.Ts)
	binary.LittleEndian.PutUint32(hdr[12:16], seg.Sn)
	binary.LittleEndian.PutUint32(hdr[16:20], seg.Una)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(seg.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, seg.Payload...)
	return buf
}

// EncodedLen returns the number of bytes AppendTo would add for seg.
func EncodedLen(seg Segment) int { return Size + len(seg.Payload) }

// PeekConv reads the conv field without validating or decoding the
// rest of the datagram, for routing a datagram to the right engine
// before a full parse is worthwhile.
func PeekConv(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[0:4]), true
}

// ParseDatagram walks a whole datagram (the concatenation of one or
// more segments, as produced by AppendTo) into its segments, appending
// them to dst. Per the decode policy, on any error the datagram is
// rejected as a whole: either every segment parses or none are
// returned to the caller.
func ParseDatagram(dst []Segment, datagram []byte) ([]Segment, error) {
	start := len(dst)
	buf := datagram
	for len(buf) > 0 {
		seg, n, err := parseOne(buf)
		if err != nil {
			return dst[:start], err
		}
		dst = append(dst, seg)
		buf = buf[n:]
	}
	return dst, nil
}

func parseOne(buf []byte) (Segment, int, error) {
	if len(buf) < Size {
		return Segment{}, 0, ErrInvalidSegment
	}
	cmd := Cmd(buf[4])
	if !cmd.valid() {
		return Segment{}, 0, ErrInvalidSegment
	}
	plen := binary.LittleEndian.Uint32(buf[20:24])
	total := Size + int(plen)
	if plen > 0xffff || total > len(buf) {
		return Segment{}, 0, ErrInvalidSegment
	}
	seg := Segment{
		Conv: binary.LittleEndian.Uint32(buf[0:4]),
		Cmd:  cmd,
		Frg:  buf[5],
		Wnd:  binary.LittleEndian.Uint16(buf[6:8]),
		Ts:   binary.LittleEndian.Uint32(buf[8:12]),
		Sn:   binary.LittleEndian.Uint32(buf[12:16]),
		Una:  binary.LittleEndian.Uint32(buf[16:20]),
	}
	if plen > 0 {
		seg.Payload = buf[Size:total]
	}
	return seg, total, nil
}
