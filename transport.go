package h3conn

import (
	"context"
	"io"
	"net"
)

// ErrorCode is an HTTP/3 error code, sent on CONNECTION_CLOSE or on a
// stream reset (RFC 9114 §8.1).
type ErrorCode uint64

// Error codes used directly by the core (spec.md §6). Any other code
// surfaced by a stream collaborator is passed through verbatim.
const (
	ErrNoError            ErrorCode = 0x100
	ErrGeneralProtocol    ErrorCode = 0x101
	ErrStreamCreationError ErrorCode = 0x103
	ErrSettingsError      ErrorCode = 0x109
	ErrRequestRejected    ErrorCode = 0x10b
)

// Direction describes which ends of a stream this side can use.
type Direction struct {
	CanRead  bool
	CanWrite bool
}

// Bidirectional reports whether both ends are usable, the hallmark of an
// HTTP/3 request stream as opposed to a unidirectional control/QPACK
// stream (spec.md §4.1).
func (d Direction) Bidirectional() bool { return d.CanRead && d.CanWrite }

// StreamContext is the per-stream handle the QUIC transport collaborator
// hands to the dispatcher on accept, and that the dispatcher hands back to
// open an outbound stream. Out of scope per spec.md §1: the transport
// itself, TLS, and datagram/migration concerns. The method set mirrors
// quic-go's quic.Stream (CancelRead/CancelWrite take an error code and
// reset that half of the stream), so a real QUIC transport can satisfy
// this interface with a thin adapter.
type StreamContext interface {
	io.Reader
	io.Writer

	// StreamID is the QUIC stream ID, stable for the life of the stream.
	StreamID() int64
	// Direction reports which ends of the stream this side can use.
	Direction() Direction
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// CancelRead aborts the read side with the given application error
	// code, as if the peer had reset it.
	CancelRead(ErrorCode)
	// CancelWrite aborts the write side with the given application error
	// code.
	CancelWrite(ErrorCode)
}

// Transport is the multiplexed QUIC connection collaborator (spec.md §6).
// It is consumed, never implemented, by this package in production; tests
// supply a fake.
type Transport interface {
	// AcceptStream returns the next inbound stream. A nil StreamContext
	// with a nil error means the peer has no more streams to offer right
	// now; spec.md §9 treats that as benign end-of-accepts.
	AcceptStream(ctx context.Context) (StreamContext, error)
	// OpenUniStream opens the single outbound, write-only control stream.
	OpenUniStream(ctx context.Context) (StreamContext, error)
	// Abort forcibly unblocks any pending AcceptStream call and, for an
	// abortive close, tears down the whole connection. Idempotent: a
	// second call after the first is a no-op. Graceful close relies on
	// this only to wake AcceptStream; it does not need to affect streams
	// already handed off to the dispatcher.
	Abort(reason error)
}

// Application is the per-request pipeline collaborator (spec.md §1: "out
// of scope ... the per-stream request pipeline that turns request bytes
// into application calls"). ServeRequestStream must call
// stream.MarkStarted once it has read enough of the stream to know it is
// a well-formed request (HEADERS received), so the starting-stream
// timeout does not expire it out from under the pipeline.
type Application interface {
	ServeRequestStream(ctx context.Context, stream *RequestStream) error
}
