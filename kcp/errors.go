package kcp

import "errors"

// ErrKind classifies the terminal or per-call errors the engine and
// its collaborators (mux, stream) can surface.
type ErrKind uint8

const (
	_ ErrKind = iota
	ErrKindInvalidSegment
	ErrKindUnknownConv
	ErrKindConvExists
	ErrKindSendQueueFull
	ErrKindStreamClosed
	ErrKindTransportClosed
	ErrKindIOError
	ErrKindDeadLink
	ErrKindCryptoFailure
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindInvalidSegment:
		return "InvalidSegment"
	case ErrKindUnknownConv:
		return "UnknownConv"
	case ErrKindConvExists:
		return "ConvExists"
	case ErrKindSendQueueFull:
		return "SendQueueFull"
	case ErrKindStreamClosed:
		return "StreamClosed"
	case ErrKindTransportClosed:
		return "TransportClosed"
	case ErrKindIOError:
		return "IoError"
	case ErrKindDeadLink:
		return "DeadLink"
	case ErrKindCryptoFailure:
		return "CryptoFailure"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned across package boundaries: a kind
// for switch-based handling plus an optional wrapped cause for
// errors.Is/errors.As, rather than bare sentinels for errors that
// carry structured information.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "kcpflow/kcp: " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "kcpflow/kcp: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, cause error) *Error { return &Error{Kind: kind, Err: cause} }

var (
	// ErrWouldBlock is returned by Recv when no complete message is ready.
	ErrWouldBlock = errors.New("kcpflow/kcp: would block")

	// errSegmentTooLarge is returned by Send when a single call would
	// fragment into more pieces than the wire format's one-byte
	// fragment-index field (segment.Segment.Frg) can represent.
	errSegmentTooLarge = errors.New("kcpflow/kcp: payload exceeds the maximum fragments per message")
)
