package kcp

import (
	"log/slog"

	"github.com/latticenet/kcpflow/internal/logging"
	"github.com/latticenet/kcpflow/segment"
)

// defaultInitialRTO is the RTO assumed before any RTT sample exists,
// matching the classic KCP default of 200ms.
const defaultInitialRTO = 200

// defaultSsthresh is the initial slow-start threshold (classic KCP's
// IKCP_THRESH_INIT).
const defaultSsthresh = 2

// defaultLingerMillis bounds how long a Closing stream waits for the
// peer's FIN once the local side has closed.
const defaultLingerMillis = 5000

// defaultProbeMillis is the first zero-window probe backoff.
const defaultProbeMillis = 3000

// maxProbeMillis caps the probe backoff growth.
const maxProbeMillis = 30_000

// maxFragmentsPerMessage is the largest number of fragments Send can
// split one call's payload into: segment.Segment.Frg is a single byte
// counting down from n-1, so n cannot exceed 256 without wrapping.
const maxFragmentsPerMessage = 256

// ControlBlock is the per-conversation ARQ state machine: send/receive
// queues, RTT estimation, fast retransmit, selective ACK and flush
// scheduling, driven entirely by caller-supplied timestamps. There are
// no goroutines and no internal clock reads here: it is a plain struct
// walked forward by Send/Recv/Update calls from a caller that owns the
// event loop.
type ControlBlock struct {
	logging.Logger

	conv   uint32
	cfg    Config
	mss    int
	active bool // true: this side sent the opening SYN.

	state   State
	deadErr error

	// send side.
	sndNxt   Value
	sndUna   Value
	sndQueue []fragment
	sndBuf   []segState

	cwnd        uint32
	ssthresh    uint32
	incr        uint32
	rmtWnd      uint32
	retransmits uint64

	// receive side.
	rcvNxt    Value
	rcvBuf    []rcvSeg
	rcvQueue  []rcvSeg
	rcvWndCap uint32

	// RTT / RTO estimation (Jacobson's algorithm).
	srtt   uint32
	rtt0   bool // whether srtt has a sample yet.
	rttvar uint32
	rto    uint32

	// flush scheduling.
	current uint32
	tsFlush uint32

	// zero-window probing.
	probeWait uint32
	tsProbe   uint32
	sendWAsk  bool
	sendWIns  bool

	acklist []pendingAck

	// lifecycle.
	localFinAssigned bool
	localFinSn       Value
	localFinAcked    bool
	peerFinReceived  bool
	closingSince     uint32
}

// NewControlBlock creates a ControlBlock for one conversation. mss is
// the maximum application payload per segment, already reduced by
// header and crypto overhead (see Config.MSS). active distinguishes
// the connecting side (which owes the peer a SYN) from the accepting
// side (which starts Established directly).
func NewControlBlock(conv uint32, cfg Config, mss int, active bool) *ControlBlock {
	cb := &ControlBlock{
		conv:      conv,
		cfg:       cfg,
		mss:       mss,
		active:    active,
		rcvWndCap: cfg.RcvWnd,
		rmtWnd:    cfg.SndWnd,
		rto:       clamp32(defaultInitialRTO, cfg.RTOMin, cfg.RTOMax),
		ssthresh:  defaultSsthresh,
	}
	if cfg.NoCongestionControl {
		cb.cwnd = cfg.SndWnd
	} else {
		cb.cwnd = minCwnd
	}
	if active {
		cb.state = StateConnecting
		cb.sndQueue = append(cb.sndQueue, fragment{cmd: segment.CmdSyn})
	} else {
		cb.state = StateEstablished
	}
	return cb
}

// Conv returns the conversation id.
func (cb *ControlBlock) Conv() uint32 { return cb.conv }

// State returns the current lifecycle state.
func (cb *ControlBlock) State() State { return cb.state }

// Dead reports the error that killed the link (exceeding DeadLink
// retransmissions on a single segment), if any.
func (cb *ControlBlock) Dead() error { return cb.deadErr }

// PeerClosed reports whether the peer's FIN has been observed and
// delivered in order.
func (cb *ControlBlock) PeerClosed() bool { return cb.peerFinReceived }

// QueuedFragments returns the number of fragments queued or in flight,
// for backpressure decisions against SendQueueMax.
func (cb *ControlBlock) QueuedFragments() int { return len(cb.sndQueue) + len(cb.sndBuf) }

// MaxMessageBytes returns the largest payload a single Send call can
// accept before it would need more fragments than the wire format can
// index. Callers layering a byte-stream over Send (see stream.Stream)
// chunk writes larger than this themselves.
func (cb *ControlBlock) MaxMessageBytes() int { return maxFragmentsPerMessage * cb.mss }

// Stats is a point-in-time snapshot of a ControlBlock's ARQ and
// congestion state, for exporting as metrics.
type Stats struct {
	Conv        uint32
	State       State
	SRTT        uint32
	RTO         uint32
	Cwnd        uint32
	RmtWnd      uint32
	Retransmits uint64
	Inflight    int
}

// Stats returns a snapshot of the current ARQ state.
func (cb *ControlBlock) Stats() Stats {
	return Stats{
		Conv:        cb.conv,
		State:       cb.state,
		SRTT:        cb.srtt,
		RTO:         cb.rto,
		Cwnd:        cb.cwnd,
		RmtWnd:      cb.rmtWnd,
		Retransmits: cb.retransmits,
		Inflight:    len(cb.sndBuf),
	}
}

// Send submits b for reliable delivery, fragmenting it across ceil(len(b)/mss)
// segments.
func (cb *ControlBlock) Send(b []byte) error {
	if cb.state == StateClosing || cb.state == StateClosed {
		return newErr(ErrKindStreamClosed, nil)
	}
	if cb.deadErr != nil {
		return newErr(ErrKindDeadLink, cb.deadErr)
	}
	if len(b) == 0 {
		return nil
	}
	n := (len(b) + cb.mss - 1) / cb.mss
	if n > maxFragmentsPerMessage {
		return errSegmentTooLarge
	}
	if cb.QueuedFragments()+n > cb.cfg.SendQueueMax {
		return newErr(ErrKindSendQueueFull, nil)
	}
	for i := 0; i < n; i++ {
		lo := i * cb.mss
		hi := lo + cb.mss
		if hi > len(b) {
			hi = len(b)
		}
		data := append([]byte(nil), b[lo:hi]...)
		cb.sndQueue = append(cb.sndQueue, fragment{
			cmd:  segment.CmdPush,
			frg:  uint8(n - 1 - i),
			data: data,
		})
	}
	return nil
}

// Close begins an orderly shutdown: the send queue drains, then a FIN
// is sent and the stream waits for the peer's FIN.
func (cb *ControlBlock) Close() error {
	if cb.state == StateClosing || cb.state == StateClosed {
		return nil
	}
	cb.state = StateClosing
	cb.closingSince = cb.current
	cb.sndQueue = append(cb.sndQueue, fragment{cmd: segment.CmdFin})
	return nil
}

// Recv returns the next complete in-order message, or ErrWouldBlock if
// none is ready yet.
func (cb *ControlBlock) Recv() ([]byte, error) {
	end := -1
	for i, s := range cb.rcvQueue {
		if s.frg == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, ErrWouldBlock
	}
	total := 0
	for i := 0; i <= end; i++ {
		total += len(cb.rcvQueue[i].data)
	}
	out := make([]byte, 0, total)
	for i := 0; i <= end; i++ {
		out = append(out, cb.rcvQueue[i].data...)
	}
	cb.rcvQueue = cb.rcvQueue[end+1:]
	return out, nil
}

// Input feeds one received datagram (possibly carrying several
// segments) into the engine. now is the caller's monotonic clock in
// milliseconds.
func (cb *ControlBlock) Input(datagram []byte, now uint32) (int, error) {
	cb.current = now
	segs, err := segment.ParseDatagram(nil, datagram)
	if err != nil {
		return 0, newErr(ErrKindInvalidSegment, err)
	}
	for _, seg := range segs {
		cb.applySegment(seg)
	}
	if cb.cfg.NoDelay && len(cb.acklist) > 0 {
		cb.tsFlush = now // pending ACKs go out on the next Update.
	}
	return len(datagram), nil
}

func (cb *ControlBlock) applySegment(seg segment.Segment) {
	if cb.active && cb.state == StateConnecting {
		cb.state = StateEstablished
		cb.Trace("kcp: connecting to established", slog.Uint64("conv", uint64(cb.conv)))
	}
	cb.rmtWnd = uint32(seg.Wnd)
	cb.ackUna(Value(seg.Una))

	switch seg.Cmd {
	case segment.CmdAck:
		cb.handleAck(Value(seg.Sn), seg.Ts)
	case segment.CmdPush:
		cb.handlePush(seg)
	case segment.CmdSyn:
		// The accepting side is created already Established (see
		// NewControlBlock); only the connecting side's transition above
		// applies here. SYN still needs to flow through handlePush to
		// consume its sequence number and be acked like any other segment.
		cb.handlePush(seg)
	case segment.CmdFin:
		cb.handlePush(seg)
	case segment.CmdWAsk:
		cb.sendWIns = true
	case segment.CmdWIns:
		// seg.Wnd already applied above.
	case segment.CmdPing:
		// keepalive; window already applied above.
	}
}

func (cb *ControlBlock) ackUna(una Value) {
	if cb.sndUna.LessThan(una) {
		cb.sndUna = una
	}
	kept := cb.sndBuf[:0]
	for _, st := range cb.sndBuf {
		if st.sn.LessThan(cb.sndUna) {
			continue
		}
		kept = append(kept, st)
	}
	cb.sndBuf = kept
	if cb.localFinAssigned && cb.localFinSn.LessThan(cb.sndUna) {
		cb.localFinAcked = true
	}
}

func (cb *ControlBlock) handleAck(sn Value, ts uint32) {
	if !TsLess(cb.current, ts) {
		cb.updateRTT(cb.current - ts)
	}
	idx := -1
	for i, st := range cb.sndBuf {
		switch {
		case st.sn == sn:
			idx = i
		case st.sn.LessThan(sn):
			cb.sndBuf[i].fastack++
		}
	}
	if idx >= 0 {
		cb.sndBuf = append(cb.sndBuf[:idx], cb.sndBuf[idx+1:]...)
	}
	if len(cb.sndBuf) > 0 {
		if cb.sndUna.LessThan(cb.sndBuf[0].sn) {
			cb.sndUna = cb.sndBuf[0].sn
		}
	} else {
		cb.sndUna = cb.sndNxt
	}
	if cb.localFinAssigned && cb.localFinSn.LessThan(cb.sndUna) {
		cb.localFinAcked = true
	}
	if !cb.cfg.NoCongestionControl {
		cb.onAckGrowth(uint32(len(cb.sndBuf)) + 1)
	}
}

func (cb *ControlBlock) updateRTT(sample uint32) {
	if !cb.rtt0 {
		cb.rtt0 = true
		cb.srtt = sample
		cb.rttvar = sample / 2
	} else {
		delta := int32(cb.srtt) - int32(sample)
		if delta < 0 {
			delta = -delta
		}
		cb.rttvar = (3*cb.rttvar + uint32(delta)) / 4
		cb.srtt = (7*cb.srtt + sample) / 8
	}
	rto := cb.srtt + max32(cb.cfg.Interval, 4*cb.rttvar)
	cb.rto = clamp32(rto, cb.cfg.RTOMin, cb.cfg.RTOMax)
}

func (cb *ControlBlock) handlePush(seg segment.Segment) {
	sn := Value(seg.Sn)
	if sn.LessThan(cb.rcvNxt) {
		cb.acklist = append(cb.acklist, pendingAck{sn: sn, ts: seg.Ts})
		return
	}
	windowEnd := Value(uint32(cb.rcvNxt) + cb.rcvWndCap)
	if !sn.LessThan(windowEnd) {
		return // out of window, silently dropped.
	}
	cb.acklist = append(cb.acklist, pendingAck{sn: sn, ts: seg.Ts})
	data := append([]byte(nil), seg.Payload...)
	cb.rcvBuf = insertSorted(cb.rcvBuf, rcvSeg{sn: sn, cmd: seg.Cmd, frg: seg.Frg, data: data})
	cb.deliverReady()
}

func (cb *ControlBlock) deliverReady() {
	for len(cb.rcvBuf) > 0 && cb.rcvBuf[0].sn == cb.rcvNxt {
		s := cb.rcvBuf[0]
		cb.rcvBuf = cb.rcvBuf[1:]
		cb.rcvNxt++
		switch s.cmd {
		case segment.CmdPush:
			cb.rcvQueue = append(cb.rcvQueue, s)
		case segment.CmdFin:
			cb.peerFinReceived = true
		case segment.CmdSyn:
			// state transition already handled on receipt.
		}
	}
}

func (cb *ControlBlock) advertisedWnd() uint16 {
	free := int(cb.rcvWndCap) - len(cb.rcvQueue)
	if free < 0 {
		free = 0
	}
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

// Update drives the flush schedule: if now has reached the next due
// time, it flushes and returns the datagrams to send; otherwise it
// returns nil. Callers should also consult Check to know when to call
// Update next.
func (cb *ControlBlock) Update(now uint32) [][]byte {
	cb.current = now
	if TsLess(now, cb.tsFlush) {
		return nil
	}
	out := cb.flush(now)
	cb.tsFlush = now + cb.cfg.Interval
	return out
}

// Check reports the next timestamp at which Update should be called:
// the earlier of the flush tick, the soonest retransmit deadline and
// any pending probe deadline, never earlier than now.
func (cb *ControlBlock) Check(now uint32) uint32 {
	next := cb.tsFlush
	for _, st := range cb.sndBuf {
		if TsLess(st.resendts, next) {
			next = st.resendts
		}
	}
	if cb.probeWait > 0 && TsLess(cb.tsProbe, next) {
		next = cb.tsProbe
	}
	if TsLess(next, now) {
		next = now
	}
	return next
}

func (cb *ControlBlock) flush(now uint32) [][]byte {
	if cb.state == StateClosed {
		return nil
	}
	if cb.state == StateClosing && now-cb.closingSince > defaultLingerMillis {
		cb.state = StateClosed
		cb.Trace("kcp: closing lingered out", slog.Uint64("conv", uint64(cb.conv)))
	}

	var out []segment.Segment

	cwndEff := cb.cfg.SndWnd
	if cb.rmtWnd < cwndEff {
		cwndEff = cb.rmtWnd
	}
	if !cb.cfg.NoCongestionControl && cb.cwnd < cwndEff {
		cwndEff = cb.cwnd
	}
	for len(cb.sndQueue) > 0 && uint32(cb.sndNxt-cb.sndUna) < cwndEff {
		frag := cb.sndQueue[0]
		cb.sndQueue = cb.sndQueue[1:]
		sn := cb.sndNxt
		cb.sndNxt++
		if frag.cmd == segment.CmdFin {
			cb.localFinAssigned = true
			cb.localFinSn = sn
		}
		cb.sndBuf = append(cb.sndBuf, segState{
			sn:       sn,
			cmd:      frag.cmd,
			frg:      frag.frg,
			data:     frag.data,
			rto:      cb.rto,
			resendts: now + cb.rto + cb.cfg.RTOMin,
		})
	}

	lost, retransmitted := false, false
	inflight := uint32(len(cb.sndBuf))
	for i := range cb.sndBuf {
		st := &cb.sndBuf[i]
		transmit := false
		switch {
		case st.xmit == 0:
			transmit = true
		case !TsLess(now, st.resendts):
			if cb.cfg.NoDelay {
				st.rto += st.rto / 2
			} else {
				st.rto *= 2
			}
			if st.rto > cb.cfg.RTOMax {
				st.rto = cb.cfg.RTOMax
			}
			st.resendts = now + st.rto
			transmit = true
			lost = true
		case cb.cfg.Resend > 0 && st.fastack >= cb.cfg.Resend:
			st.fastack = 0
			st.resendts = now + st.rto
			transmit = true
			retransmitted = true
		}
		if !transmit {
			continue
		}
		if st.xmit > 0 {
			cb.retransmits++
		}
		st.xmit++
		st.ts = now
		if st.xmit > cb.cfg.DeadLink {
			cb.deadErr = newErr(ErrKindDeadLink, nil)
			cb.state = StateClosed
			return nil
		}
		out = append(out, segment.Segment{
			Conv:    cb.conv,
			Cmd:     st.cmd,
			Frg:     st.frg,
			Wnd:     cb.advertisedWnd(),
			Ts:      now,
			Sn:      uint32(st.sn),
			Una:     uint32(cb.rcvNxt),
			Payload: st.data,
		})
	}
	if retransmitted {
		cb.onFastRetransmit(inflight)
	}
	if lost {
		cb.onTimeout(inflight)
	}

	for _, ack := range cb.acklist {
		out = append(out, segment.Segment{
			Conv: cb.conv,
			Cmd:  segment.CmdAck,
			Wnd:  cb.advertisedWnd(),
			Ts:   ack.ts,
			Sn:   uint32(ack.sn),
			Una:  uint32(cb.rcvNxt),
		})
	}
	cb.acklist = cb.acklist[:0]

	if cb.rmtWnd == 0 {
		if cb.probeWait == 0 {
			cb.probeWait = defaultProbeMillis
			cb.tsProbe = now + cb.probeWait
		} else if !TsLess(now, cb.tsProbe) {
			cb.probeWait += cb.probeWait / 2
			if cb.probeWait > maxProbeMillis {
				cb.probeWait = maxProbeMillis
			}
			cb.tsProbe = now + cb.probeWait
			cb.sendWAsk = true
		}
	} else {
		cb.probeWait = 0
		cb.tsProbe = 0
	}
	if cb.sendWAsk {
		out = append(out, segment.Segment{Conv: cb.conv, Cmd: segment.CmdWAsk, Wnd: cb.advertisedWnd(), Ts: now, Una: uint32(cb.rcvNxt)})
		cb.sendWAsk = false
	}
	if cb.sendWIns {
		out = append(out, segment.Segment{Conv: cb.conv, Cmd: segment.CmdWIns, Wnd: cb.advertisedWnd(), Ts: now, Una: uint32(cb.rcvNxt)})
		cb.sendWIns = false
	}

	if cb.state == StateClosing && cb.localFinAcked && cb.peerFinReceived {
		cb.state = StateClosed
	}

	return packDatagrams(out, cb.cfg.MTU)
}

// packDatagrams greedily packs segments into datagrams no larger than
// mtu bytes, preserving order.
func packDatagrams(segs []segment.Segment, mtu int) [][]byte {
	if len(segs) == 0 {
		return nil
	}
	var out [][]byte
	var cur []byte
	for _, s := range segs {
		n := segment.EncodedLen(s)
		if len(cur) > 0 && len(cur)+n > mtu {
			out = append(out, cur)
			cur = nil
		}
		cur = segment.AppendTo(cur, s)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// TsLess compares two millisecond timestamps with wraparound-safe
// serial arithmetic, the same comparison Check and Update use
// internally. mux uses it to merge several streams' deadlines.
func TsLess(a, b uint32) bool { return int32(a-b) < 0 }

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func clamp32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
