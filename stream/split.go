package stream

import "time"

// Reader is the read half of a Stream, returned by Split.
type Reader struct{ s *Stream }

func (r Reader) Read(p []byte) (int, error)        { return r.s.Read(p) }
func (r Reader) SetReadDeadline(t time.Time) error { return r.s.SetReadDeadline(t) }
func (r Reader) Close() error                      { return r.s.Close() }

// Writer is the write half of a Stream, returned by Split.
type Writer struct{ s *Stream }

func (w Writer) Write(p []byte) (int, error)        { return w.s.Write(p) }
func (w Writer) SetWriteDeadline(t time.Time) error { return w.s.SetWriteDeadline(t) }
func (w Writer) Close() error                       { return w.s.Close() }

// Split returns independent read and write handles sharing the same
// underlying Stream, for callers that want to hand the two halves to
// different goroutines without exposing the full ReadWriteCloser.
func Split(s *Stream) (Reader, Writer) { return Reader{s: s}, Writer{s: s} }

// Reunite recovers the shared *Stream from a Reader/Writer pair
// produced by Split. It panics if r and w do not share the same
// Stream, since that pairing is always a programmer error — never a
// runtime condition a caller should recover from.
func Reunite(r Reader, w Writer) *Stream {
	if r.s != w.s {
		panic("kcpflow/stream: Reunite called with a Reader and Writer from different streams")
	}
	return r.s
}
