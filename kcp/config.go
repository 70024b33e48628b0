package kcp

import "errors"

// Config recognizes the engine's tunable options. Zero-value fields
// are filled in with the documented defaults by Config.WithDefaults,
// a validating reset-style setup: construct with only the fields that
// matter, then resolve the rest.
type Config struct {
	// MTU bounds outgoing datagram size. MSS is derived as
	// MTU - segment.Size - crypto overhead (set by the caller that
	// knows whether AEAD is enabled).
	MTU int
	// Interval is the flush tick in milliseconds.
	Interval uint32
	// NoDelay selects additive RTO backoff and forces ACKs out sooner
	// instead of the multiplicative backoff used otherwise.
	NoDelay bool
	// Resend is the fast-retransmit threshold: number of later ACKs
	// that must arrive before a gap triggers a retransmit. Zero
	// disables fast retransmit.
	Resend uint32
	// NoCongestionControl disables slow-start/AIMD; cwnd tracks SndWnd.
	NoCongestionControl bool
	SndWnd              uint32 // send window, segments.
	RcvWnd              uint32 // receive window, segments.
	RTOMin              uint32 // milliseconds.
	RTOMax              uint32 // milliseconds.
	DeadLink            uint32 // max transmissions before a segment kills the stream.
	SendQueueMax        int    // max unsent+inflight fragments held by Send.
}

const (
	defaultMTU          = 1400
	defaultInterval     = 10
	defaultSndWnd       = 1024
	defaultRcvWnd       = 1024
	defaultRTOMin       = 100
	defaultRTOMax       = 60_000
	defaultDeadLink     = 20
	defaultSendQueueMax = 1 << 16
	minMSS              = 64
)

// SegmentHeaderSize is the fixed KCP segment header size, the same
// value as segment.Size. Callers computing overhead for
// WithDefaults/MSS add any crypto framing on top of this.
const SegmentHeaderSize = 24

// WithDefaults fills in zero fields with the documented defaults and
// validates the result. overhead is the total per-datagram framing
// consumed on top of application payload (segment header plus, when
// AEAD is enabled, nonce and tag); callers compute it before calling
// MSS.
func (c Config) WithDefaults(overhead int) (Config, error) {
	if c.MTU == 0 {
		c.MTU = defaultMTU
	}
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.SndWnd == 0 {
		c.SndWnd = defaultSndWnd
	}
	if c.RcvWnd == 0 {
		c.RcvWnd = defaultRcvWnd
	}
	if c.RTOMin == 0 {
		c.RTOMin = defaultRTOMin
	}
	if c.RTOMax == 0 {
		c.RTOMax = defaultRTOMax
	}
	if c.DeadLink == 0 {
		c.DeadLink = defaultDeadLink
	}
	if c.SendQueueMax == 0 {
		c.SendQueueMax = defaultSendQueueMax
	}
	if overhead < SegmentHeaderSize {
		return c, errors.New("kcpflow/kcp: overhead smaller than the segment header")
	}
	if c.MTU-overhead < minMSS {
		return c, errors.New("kcpflow/kcp: MTU too small to fit a minimal segment")
	}
	return c, nil
}

// MSS returns the maximum application payload per segment once
// overhead bytes of framing (segment header plus any crypto overhead)
// are accounted for.
func (c Config) MSS(overhead int) int { return c.MTU - overhead }
