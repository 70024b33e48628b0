// Package mux owns a packet transport and multiplexes many KCP
// conversations over it: a background inbound task demultiplexes
// received datagrams by conv id, a background outbound task flushes
// every live stream's engine on its own schedule, and Connect/Accept
// hand out stream.Stream handles to callers.
package mux

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/latticenet/kcpflow/aead"
	"github.com/latticenet/kcpflow/internal/backoff"
	"github.com/latticenet/kcpflow/internal/logging"
	"github.com/latticenet/kcpflow/internal/metrics"
	"github.com/latticenet/kcpflow/internal/xrand"
	"github.com/latticenet/kcpflow/kcp"
	"github.com/latticenet/kcpflow/segment"
	"github.com/latticenet/kcpflow/stream"
	"github.com/latticenet/kcpflow/transport"
)

// ErrClosed is returned by Connect/Accept once the Mux has been closed.
var ErrClosed = errors.New("kcpflow/mux: closed")

// Mux multiplexes KCP conversations over one packet transport.
type Mux struct {
	logging.Logger

	transport transport.PacketTransport
	cfg       Config
	mss       int
	overhead  int

	sealer *aead.Sealer
	opener *aead.Opener

	rng *xrand.Source32

	mu      sync.Mutex
	streams map[uint32]*stream.Stream
	closed  bool

	acceptCh chan *stream.Stream
	dirtyCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	start time.Time

	metrics *metrics.Collector

	// flushBackoff covers the sub-millisecond case: kcp.ControlBlock.Check
	// reports time in whole milliseconds, so a deadline that is already
	// due (e.g. right after a fast retransmit queues more work) resolves
	// to a zero wait. Parking on a zero-duration timer would spin the
	// scheduler as fast as the Go runtime allows; flushBackoff bounds
	// that instead.
	flushBackoff backoff.Backoff
}

const maxSubMillisecondWait = 2 * time.Millisecond

// New creates a Mux over transport, starting its inbound and outbound
// background goroutines. log may be the zero value to disable logging.
func New(t transport.PacketTransport, cfg Config, log logging.Logger) (*Mux, error) {
	full, overhead, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	rng := xrand.NewSource32(xrand.SeedFromEntropy(seed[:]))

	m := &Mux{
		Logger:       log,
		transport:    t,
		cfg:          full,
		mss:          full.Config.MSS(overhead),
		overhead:     overhead,
		rng:          rng,
		streams:      make(map[uint32]*stream.Stream),
		acceptCh:     make(chan *stream.Stream, full.AcceptQueueMax),
		dirtyCh:      make(chan struct{}, 1),
		start:        time.Now(),
		metrics:      metrics.NewCollector("kcpflow"),
		flushBackoff: backoff.New(maxSubMillisecondWait),
	}
	if full.Crypto != nil {
		sealer, err := aead.NewSealer(*full.Crypto, xrand.NewSource32(rng.Uint32()))
		if err != nil {
			return nil, err
		}
		opener, err := aead.NewOpener(*full.Crypto)
		if err != nil {
			return nil, err
		}
		m.sealer = sealer
		m.opener = opener
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(2)
	go m.inboundLoop()
	go m.outboundLoop()
	return m, nil
}

func (m *Mux) now() uint32 { return uint32(time.Since(m.start).Milliseconds()) }

// Metrics returns the Mux's prometheus.Collector, for registration
// with a prometheus.Registerer. Safe to call at any point in the
// Mux's lifetime.
func (m *Mux) Metrics() *metrics.Collector { return m.metrics }

// streamStats adapts *stream.Stream to metrics.StatsSource, translating
// kcp.Stats into the metrics package's dependency-free snapshot type.
type streamStats struct{ s *stream.Stream }

func (a streamStats) Conv() uint32 { return a.s.Conv() }

func (a streamStats) Stats() metrics.Stats {
	st := a.s.Stats()
	return metrics.Stats{
		SRTT:        st.SRTT,
		RTO:         st.RTO,
		Cwnd:        st.Cwnd,
		RmtWnd:      st.RmtWnd,
		Retransmits: st.Retransmits,
		Inflight:    st.Inflight,
	}
}

func (m *Mux) nudge() {
	select {
	case m.dirtyCh <- struct{}{}:
	default:
	}
}

// Connect allocates a new conversation and returns its stream handle.
// The SYN and the eventual handshake completion happen asynchronously
// via the background tasks; callers can Write immediately, and Read
// will block until data arrives.
func (m *Mux) Connect() (*stream.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	conv := m.allocConvLocked()
	cb := kcp.NewControlBlock(conv, m.cfg.Config, m.mss, true)
	s := stream.New(cb, m.Logger, m.nudge)
	m.streams[conv] = s
	m.metrics.Add(conv, streamStats{s})
	m.nudge()
	return s, nil
}

func (m *Mux) allocConvLocked() uint32 {
	for {
		conv := m.rng.Uint32()
		if conv == 0 {
			continue
		}
		if _, exists := m.streams[conv]; !exists {
			return conv
		}
	}
}

// Accept returns the next inbound stream that completed a SYN
// handshake, blocking until one arrives or the Mux is closed.
func (m *Mux) Accept() (*stream.Stream, error) {
	select {
	case s := <-m.acceptCh:
		return s, nil
	case <-m.ctx.Done():
		return nil, ErrClosed
	}
}

// StreamCount reports the number of live conversations.
func (m *Mux) StreamCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.streams))
}

// Close stops the background tasks, closes the transport, and fans
// ErrClosed out to every live stream's blocked Read/Write calls.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := make([]*stream.Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	m.cancel()
	err := m.transport.Close()
	for _, s := range streams {
		s.MarkTransportDead(ErrClosed)
	}
	m.wg.Wait()
	return err
}

func (m *Mux) inboundLoop() {
	defer m.wg.Done()
	buf := make([]byte, m.cfg.MTU)
	for {
		n, err := m.transport.RecvPacket(buf)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.Error("mux: recv failed", slog.Any("err", err))
			continue
		}
		m.metrics.AddBytesRecv(n)
		m.handleInbound(buf[:n])
	}
}

func (m *Mux) handleInbound(datagram []byte) {
	plaintext := datagram
	if m.opener != nil {
		out, err := m.opener.Open(nil, datagram)
		if err != nil {
			m.Trace("mux: dropping datagram that failed authentication")
			m.metrics.Dropped("decrypt_failed")
			return
		}
		plaintext = out
	}
	segs, err := segment.ParseDatagram(nil, plaintext)
	if err != nil || len(segs) == 0 {
		m.Trace("mux: dropping invalid datagram")
		m.metrics.Dropped("malformed_segment")
		return
	}
	conv := segs[0].Conv
	now := m.now()

	m.mu.Lock()
	s, exists := m.streams[conv]
	if !exists && m.closed {
		m.mu.Unlock()
		return
	}
	if !exists {
		if segs[0].Cmd != segment.CmdSyn {
			m.mu.Unlock()
			m.Trace("mux: dropping datagram for unknown conv", slog.Uint64("conv", uint64(conv)))
			m.metrics.Dropped("unknown_conv")
			return
		}
		cb := kcp.NewControlBlock(conv, m.cfg.Config, m.mss, false)
		s = stream.New(cb, m.Logger, m.nudge)
		m.streams[conv] = s
		m.metrics.Add(conv, streamStats{s})
		accepted := m.offerAcceptLocked(s)
		m.mu.Unlock()
		if !accepted {
			m.mu.Lock()
			delete(m.streams, conv)
			m.mu.Unlock()
			m.metrics.Remove(conv)
			m.Trace("mux: accept queue full, dropping new conversation", slog.Uint64("conv", uint64(conv)))
			m.metrics.Dropped("accept_queue_full")
			return
		}
	} else {
		m.mu.Unlock()
	}

	if _, err := s.Deliver(plaintext, now); err != nil {
		m.Trace("mux: invalid segment dropped", slog.Any("err", err))
	}
	m.nudge()
}

// offerAcceptLocked must be called with m.mu held; it releases nothing
// itself, per the *Locked naming convention used throughout this file
// for lock-expectation documentation.
func (m *Mux) offerAcceptLocked(s *stream.Stream) bool {
	select {
	case m.acceptCh <- s:
		return true
	default:
		return false
	}
}

func (m *Mux) outboundLoop() {
	defer m.wg.Done()
	for {
		now := m.now()
		next := m.flushAll(now)

		if !kcp.TsLess(now, next) {
			// next is already due (millisecond-resolution deadline that
			// elapsed between computing it and now, or new work queued
			// mid-flush). Too soon for a useful timer; take one bounded
			// backoff step and recompute.
			m.flushBackoff.Miss()
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			continue
		}
		m.flushBackoff.Hit()

		timer := time.NewTimer(time.Duration(next-now) * time.Millisecond)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.dirtyCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// flushAll runs FlushDue on every live stream and returns the earliest
// next deadline across all of them.
func (m *Mux) flushAll(now uint32) uint32 {
	m.mu.Lock()
	streams := make([]*stream.Stream, 0, len(m.streams))
	for conv, s := range m.streams {
		if s.State().IsClosed() {
			delete(m.streams, conv)
			m.metrics.Remove(conv)
			continue
		}
		streams = append(streams, s)
	}
	m.mu.Unlock()

	next := now + m.cfg.Interval
	for _, s := range streams {
		for _, dgram := range s.FlushDue(now) {
			m.sendDatagram(dgram)
		}
		if d := s.NextDeadline(now); kcp.TsLess(d, next) {
			next = d
		}
	}
	return next
}

func (m *Mux) sendDatagram(dgram []byte) {
	out := dgram
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(nil, dgram)
		if err != nil {
			m.Error("mux: sealer exhausted, closing", slog.Any("err", err))
			go m.Close()
			return
		}
		out = sealed
	}
	if err := m.transport.SendPacket(out); err != nil {
		m.Error("mux: send failed", slog.Any("err", err))
		return
	}
	m.metrics.AddBytesSent(len(out))
}
