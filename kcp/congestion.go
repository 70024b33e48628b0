package kcp

// congestion control: classic slow-start below ssthresh, additive
// increase above it, multiplicative decrease on loss.

const minCwnd = 1

// onAckGrowth applies the per-ACK cwnd growth rule: one segment per
// ACK below ssthresh; above it, mss/cwnd bytes per ACK go into the incr
// accumulator and cwnd grows by one each time a full MSS has
// accumulated. inflight is not used by this rule.
func (cb *ControlBlock) onAckGrowth(inflight uint32) {
	if cb.cfg.NoCongestionControl {
		return
	}
	if cb.cwnd < cb.ssthresh {
		cb.cwnd++
		return
	}
	mss := uint32(cb.mss)
	cb.incr += mss / cb.cwnd
	if cb.incr >= mss {
		cb.incr -= mss
		cb.cwnd++
	}
}

// onFastRetransmit applies the fast-retransmit cwnd/ssthresh update.
func (cb *ControlBlock) onFastRetransmit(inflight uint32) {
	if cb.cfg.NoCongestionControl {
		return
	}
	cb.ssthresh = inflight / 2
	if cb.ssthresh < 2 {
		cb.ssthresh = 2
	}
	cb.cwnd = cb.ssthresh + cb.cfg.Resend
}

// onTimeout applies the retransmission-timeout cwnd/ssthresh update.
func (cb *ControlBlock) onTimeout(inflight uint32) {
	if cb.cfg.NoCongestionControl {
		return
	}
	cb.ssthresh = inflight / 2
	if cb.ssthresh < 2 {
		cb.ssthresh = 2
	}
	cb.cwnd = minCwnd
	cb.incr = 0
}
