package h3conn

import (
	"sync/atomic"
	"time"
)

// streamHandle is the polymorphic stream state described in spec.md §3:
// it backs both request streams (tracked in the StreamRegistry) and
// control-role streams (only ever seen by the StartingStreamQueue).
type streamHandle struct {
	ctx       StreamContext
	isRequest bool
	started   atomic.Bool

	// expiration is touched only by the starting-stream queue's single
	// consumer goroutine; no synchronization needed for this field alone.
	expiration time.Time

	conn *Connection
}

func newStreamHandle(conn *Connection, ctx StreamContext, isRequest bool) *streamHandle {
	return &streamHandle{ctx: ctx, isRequest: isRequest, conn: conn}
}

// StreamID satisfies registry.Stream and startqueue.Stream.
func (h *streamHandle) StreamID() int64 { return h.ctx.StreamID() }

// HasStarted satisfies startqueue.Stream.
func (h *streamHandle) HasStarted() bool { return h.started.Load() }

// MarkStarted records that the stream has received the minimum bytes to
// be classified (HEADERS for a request stream, the stream-type varint for
// a control stream). Safe to call from the stream's worker goroutine
// while the heartbeat concurrently ticks the starting queue.
func (h *streamHandle) MarkStarted() { h.started.Store(true) }

// Expiration satisfies startqueue.Stream.
func (h *streamHandle) Expiration() time.Time { return h.expiration }

// SetExpiration satisfies startqueue.Stream.
func (h *streamHandle) SetExpiration(t time.Time) { h.expiration = t }

// Expire satisfies startqueue.Stream: the stream failed to start before
// its deadline. Request streams get RequestRejected, control-role streams
// get StreamCreationError (spec.md §4.2).
func (h *streamHandle) Expire() {
	if h.isRequest {
		h.abort(&StartupTimeoutError{StreamID: h.StreamID(), IsRequest: true, ErrorCode: ErrRequestRejected}, ErrRequestRejected)
	} else {
		h.abort(&StartupTimeoutError{StreamID: h.StreamID(), IsRequest: false, ErrorCode: ErrStreamCreationError}, ErrStreamCreationError)
	}
}

// abort is the stream handle's abort(reason, error_code) capability
// (spec.md §3): it resets both halves of the underlying transport stream.
func (h *streamHandle) abort(reason error, code ErrorCode) {
	h.ctx.CancelRead(code)
	h.ctx.CancelWrite(code)
}

// RequestStream is the handle passed to the Application collaborator for
// a bidirectional request stream (spec.md §6).
type RequestStream struct {
	*streamHandle
}

// StreamContext exposes the underlying transport stream for the
// Application to read the request and write the response on.
func (r *RequestStream) StreamContext() StreamContext { return r.streamHandle.ctx }
