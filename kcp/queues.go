package kcp

import "github.com/latticenet/kcpflow/segment"

// fragment is a user payload slice (or a bare control marker for
// SYN/FIN/PING) waiting for a sequence number to be assigned. SYN and
// FIN travel through the same send queue as data fragments — like TCP,
// they each consume exactly one sequence number slot, which lets a
// single ACK/retransmit pipeline carry both control and data.
type fragment struct {
	cmd  segment.Cmd
	frg  uint8
	data []byte
}

// segState is an in-flight segment: assigned a sequence number and
// tracked for retransmission. Kept in a slice ordered by ascending sn,
// keyed directly by sn instead of byte offsets since KCP segments are
// always whole units; O(n) removal by sn is acceptable for windows up
// to a few thousand segments.
type segState struct {
	sn       Value
	cmd      segment.Cmd
	frg      uint8
	data     []byte
	ts       uint32 // timestamp of the most recent transmission
	rto      uint32
	resendts uint32
	xmit     uint32
	fastack  uint32
}

// rcvSeg is a received segment held either out-of-order (rcvBuf) or
// ready for delivery (rcvQueue).
type rcvSeg struct {
	sn   Value
	cmd  segment.Cmd
	frg  uint8
	data []byte
}

type pendingAck struct {
	sn Value
	ts uint32
}

// insertSorted inserts seg into buf (ascending by sn, no duplicates),
// returning the updated slice.
func insertSorted(buf []rcvSeg, seg rcvSeg) []rcvSeg {
	i := len(buf)
	for i > 0 && seg.sn.LessThan(buf[i-1].sn) {
		i--
	}
	if i < len(buf) && buf[i].sn == seg.sn {
		return buf // duplicate, drop silently.
	}
	if i > 0 && buf[i-1].sn == seg.sn {
		return buf
	}
	buf = append(buf, rcvSeg{})
	copy(buf[i+1:], buf[i:])
	buf[i] = seg
	return buf
}
