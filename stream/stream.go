// Package stream adapts the kcp engine's message-oriented Send/Recv
// into the byte-stream semantics applications expect: io.ReadWriteCloser
// plus net.Conn-style deadlines, with blocking calls woken by progress
// on the underlying ControlBlock rather than by polling.
package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/latticenet/kcpflow/internal/logging"
	"github.com/latticenet/kcpflow/internal/ring"
	"github.com/latticenet/kcpflow/kcp"
)

// ErrStreamClosed is returned by Read once the stream has been closed
// locally and its engine has reached StateClosed. Write on a closed
// stream returns a *kcp.Error of kind ErrKindStreamClosed instead.
var ErrStreamClosed = errors.New("kcpflow/stream: closed")

// partialBufSize is the initial size of the scratch ring used to hold a
// message that Recv returned whole but the caller only partially
// consumed; Read grows the ring for a larger message.
const partialBufSize = 1 << 16

// Stream is a single KCP conversation's byte-stream handle. It is safe
// for concurrent use by one reader and one writer (the common net.Conn
// usage pattern); the embedded mutex also guards the two methods mux's
// inbound/outbound goroutines call (Deliver, FlushDue), so a Stream is
// the single synchronization point between application code and the
// background tasks driving its ControlBlock — one mutex, short
// critical sections, never held across a suspend point.
type Stream struct {
	logging.Logger

	mu       sync.Mutex
	cb       *kcp.ControlBlock
	ring     ring.Ring
	progress chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time

	closedLocally bool
	transportDead error // set by mux when the whole mux is closed.

	onDirty func() // nudges mux's outbound scheduler; nil when unset.
}

// New wraps cb as a byte-stream handle. onDirty, if non-nil, is called
// (without the Stream's lock held) whenever Send/Close queues new work
// the outbound scheduler should consider sooner than its current
// deadline.
func New(cb *kcp.ControlBlock, log logging.Logger, onDirty func()) *Stream {
	return &Stream{
		Logger:   log,
		cb:       cb,
		ring:     ring.Ring{Buf: make([]byte, partialBufSize)},
		progress: make(chan struct{}),
		onDirty:  onDirty,
	}
}

// Conv returns the underlying conversation id.
func (s *Stream) Conv() uint32 { return s.cb.Conv() }

// wake signals anything blocked in Read/Write that state has changed,
// by closing and replacing the progress channel. Must be called with
// mu held.
func (s *Stream) wake() {
	close(s.progress)
	s.progress = make(chan struct{})
}

func (s *Stream) deadlineChan(d time.Time) (<-chan time.Time, func()) {
	if d.IsZero() {
		return nil, func() {}
	}
	timer := time.NewTimer(time.Until(d))
	return timer.C, func() { timer.Stop() }
}

// Read implements io.Reader. It blocks until at least one byte is
// available, the peer's FIN has drained the stream (io.EOF), the
// stream is closed, or the read deadline expires.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.ring.Buffered() > 0 {
			n, _ := s.ring.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		if msg, err := s.cb.Recv(); err == nil {
			// The ring is guaranteed empty here (we only ever refill it
			// once drained), so grow it to fit rather than risk ErrFull
			// on a message larger than the current capacity.
			if len(msg) > len(s.ring.Buf) {
				s.ring.Buf = make([]byte, len(msg))
			}
			if _, err := s.ring.Write(msg); err != nil {
				s.mu.Unlock()
				return 0, err
			}
			s.mu.Unlock()
			continue
		}
		if s.transportDead != nil {
			err := s.transportDead
			s.mu.Unlock()
			return 0, err
		}
		if s.cb.PeerClosed() {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if dead := s.cb.Dead(); dead != nil {
			s.mu.Unlock()
			return 0, dead
		}
		if s.closedLocally && s.cb.State().IsClosed() {
			s.mu.Unlock()
			return 0, ErrStreamClosed
		}
		progress := s.progress
		deadline := s.readDeadline
		s.mu.Unlock()

		timerC, stop := s.deadlineChan(deadline)
		select {
		case <-progress:
		case <-timerC:
			stop()
			return 0, errTimeout{}
		}
		stop()
	}
}

// Write implements io.Writer. A write larger than the engine can
// fragment into a single message (kcp.ControlBlock.MaxMessageBytes) is
// split into several Send calls, invisibly to the caller: Recv on the
// peer reassembles each chunk independently and the ring on the
// peer's Read side concatenates them back into one byte stream. Write
// blocks while the send queue is full and retries the outstanding
// chunk once space frees up (kcp.Send is all-or-nothing per call).
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		s.mu.Lock()
		if s.transportDead != nil {
			err := s.transportDead
			s.mu.Unlock()
			return written, err
		}
		chunk := p
		if max := s.cb.MaxMessageBytes(); len(chunk) > max {
			chunk = chunk[:max]
		}
		err := s.cb.Send(chunk)
		if err == nil {
			s.mu.Unlock()
			if s.onDirty != nil {
				s.onDirty()
			}
			written += len(chunk)
			p = p[len(chunk):]
			continue
		}
		var kerr *kcp.Error
		full := errors.As(err, &kerr) && kerr.Kind == kcp.ErrKindSendQueueFull
		if !full {
			s.mu.Unlock()
			return written, err
		}
		progress := s.progress
		deadline := s.writeDeadline
		s.mu.Unlock()

		timerC, stop := s.deadlineChan(deadline)
		select {
		case <-progress:
		case <-timerC:
			stop()
			return written, errTimeout{}
		}
		stop()
	}
	return written, nil
}

// Close begins an orderly shutdown (Close on the engine) and wakes any
// blocked Read/Write calls so they observe the new state.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closedLocally = true
	err := s.cb.Close()
	s.wake()
	s.mu.Unlock()
	if s.onDirty != nil {
		s.onDirty()
	}
	return err
}

// SetReadDeadline sets the deadline for future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	return nil
}

// SetDeadline sets both the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.writeDeadline = t
	s.mu.Unlock()
	return nil
}

// Deliver feeds one received datagram into the underlying engine. It
// is called by mux's inbound goroutine, never by application code.
func (s *Stream) Deliver(datagram []byte, now uint32) (int, error) {
	s.mu.Lock()
	n, err := s.cb.Input(datagram, now)
	if err != nil {
		s.Trace("stream: dropping invalid datagram", slog.Uint64("conv", uint64(s.cb.Conv())), slog.Any("err", err))
	}
	s.wake()
	s.mu.Unlock()
	return n, err
}

// FlushDue runs the engine's flush schedule if due, returning any
// datagrams to send. It is called by mux's outbound goroutine.
func (s *Stream) FlushDue(now uint32) [][]byte {
	s.mu.Lock()
	out := s.cb.Update(now)
	s.wake()
	s.mu.Unlock()
	return out
}

// NextDeadline reports when FlushDue should next be called.
func (s *Stream) NextDeadline(now uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb.Check(now)
}

// State returns the engine's lifecycle state.
func (s *Stream) State() kcp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb.State()
}

// Stats returns a snapshot of the underlying engine's ARQ state, for
// metrics collection.
func (s *Stream) Stats() kcp.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb.Stats()
}

// MarkTransportDead makes blocked and later Read/Write calls return
// err; called by mux with ErrClosed when the whole mux is closed.
func (s *Stream) MarkTransportDead(err error) {
	s.mu.Lock()
	s.transportDead = err
	s.wake()
	s.mu.Unlock()
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "kcpflow/stream: i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
