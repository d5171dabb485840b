// Package h3conn implements the core of an HTTP/3 connection dispatcher:
// it owns one QUIC connection for its lifetime, classifies inbound
// streams, drives the outbound control stream and SETTINGS exchange,
// enforces per-stream startup deadlines, tracks active requests, and
// orchestrates graceful and abortive shutdown with correctly ordered
// GOAWAY emission. See SPEC_FULL.md for the full contract.
package h3conn

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/caddyserver/h3conn/internal/wire"
)

// ConnectionDispatcher runs the dispatch loop for one QUIC connection from
// handoff to full shutdown (spec.md §4.1).
type ConnectionDispatcher struct {
	conn      *Connection
	transport Transport
	app       Application

	acceptCtx    context.Context
	cancelAccept context.CancelFunc
}

// NewConnectionDispatcher constructs a dispatcher for one connection. The
// dispatcher owns conn for its lifetime; callers must not reuse a
// Connection across dispatchers.
func NewConnectionDispatcher(conn *Connection, transport Transport, app Application) *ConnectionDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionDispatcher{
		conn:         conn,
		transport:    transport,
		app:          app,
		acceptCtx:    ctx,
		cancelAccept: cancel,
	}
}

// Run drives the connection to completion: it opens the outbound control
// stream, accepts and classifies streams until told to stop or the
// transport signals an end, then drains and closes (spec.md §4.1).
func (d *ConnectionDispatcher) Run(ctx context.Context) (err error) {
	go func() {
		select {
		case <-ctx.Done():
			d.cancelAccept()
		case <-d.acceptCtx.Done():
		}
	}()

	heartbeatStop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		d.heartbeatLoop(heartbeatStop)
	}()
	defer func() {
		close(heartbeatStop)
		<-heartbeatDone
	}()

	if openErr := d.openControlStream(ctx); openErr != nil {
		d.abort(openErr, ErrGeneralProtocol)
		return openErr
	}

	loopErr := d.shutdown(d.acceptLoop())
	return loopErr
}

// openControlStream opens the single outbound control stream and sends,
// in order, the stream-type identifier then a SETTINGS frame carrying the
// connection's server settings (spec.md §4.1 step 1, §6).
func (d *ConnectionDispatcher) openControlStream(ctx context.Context) error {
	stream, err := d.transport.OpenUniStream(ctx)
	if err != nil {
		return &IOFailureError{Err: err}
	}
	if err := wire.WriteControlStreamType(stream); err != nil {
		return &IOFailureError{Err: err}
	}
	if err := wire.WriteSettings(stream, d.conn.opts.serverSettings()); err != nil {
		return &IOFailureError{Err: err}
	}
	d.conn.control.SetOutbound(stream)
	return nil
}

// heartbeatLoop ticks the starting-stream queue on a fixed interval until
// stopped, mirroring the timer-thread callback described in spec.md §5.
func (d *ConnectionDispatcher) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(d.conn.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.conn.starting.Tick(now, d.conn.opts.RequestHeadersTimeout)
		}
	}
}

// acceptLoop is the main accept-and-classify loop (spec.md §4.1 step 2).
// It returns the error that ended it, or nil for a clean peer-initiated
// end of accepts.
func (d *ConnectionDispatcher) acceptLoop() error {
	for {
		if d.conn.IsClosed() {
			return nil
		}

		stream, err := d.transport.AcceptStream(d.acceptCtx)
		if err != nil {
			if d.acceptCtx.Err() != nil {
				// Our own Abort call unblocked this, not the peer or the
				// transport: benign, the shutdown path takes it from here.
				return nil
			}
			var transportReset *TransportResetError
			if errors.As(err, &transportReset) && d.conn.ActiveRequestCount() > 0 {
				d.conn.ev.requestProcessingError(err)
			}
			return classifyAcceptError(err)
		}
		if stream == nil {
			// spec.md §9: the transport returning null while requests may
			// still be active is benign end-of-accepts; proceed to drain.
			return nil
		}

		d.dispatchAccepted(stream)
		d.conn.updateConnectionState()
	}
}

func (d *ConnectionDispatcher) dispatchAccepted(stream StreamContext) {
	dir := stream.Direction()
	if !dir.Bidirectional() {
		handle := newStreamHandle(d.conn, stream, false)
		d.conn.starting.Enqueue(handle)
		go d.runControlWorker(handle)
		return
	}

	handle := newStreamHandle(d.conn, stream, true)
	d.conn.observeAcceptedStreamID(stream.StreamID())
	d.conn.registry.Register(handle)
	d.conn.starting.Enqueue(handle)
	d.conn.ev.requestQueuedStart(stream.StreamID())
	go d.runRequestWorker(handle)
}

func (d *ConnectionDispatcher) runControlWorker(handle *streamHandle) {
	if err := serveUnidirectionalStream(d.conn, handle); err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			d.conn.ev.connectionError(connErr)
			d.abort(connErr, connErr.Code)
		}
	}
}

func (d *ConnectionDispatcher) runRequestWorker(handle *streamHandle) {
	req := &RequestStream{streamHandle: handle}
	defer d.onStreamCompleted(handle.StreamID())

	err := d.app.ServeRequestStream(d.acceptCtx, req)
	if err == nil {
		return
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		d.conn.ev.connectionError(connErr)
		d.abort(connErr, connErr.Code)
		return
	}
	d.conn.ev.requestProcessingError(err)
}

// onStreamCompleted removes a request stream from the registry and
// re-evaluates shutdown state, since active_request_count reaching zero
// during drain must still trigger the terminal GOAWAY (spec.md §4.3,
// called "conceptually after every on_stream_completed").
func (d *ConnectionDispatcher) onStreamCompleted(streamID int64) {
	d.conn.registry.OnStreamCompleted(streamID)
	d.conn.updateConnectionState()
}

// StopProcessingNextRequest marks graceful-close intent and wakes the
// accept loop. Idempotent: repeated calls have the same observable effect
// as one (spec.md §4.1, §8).
func (d *ConnectionDispatcher) StopProcessingNextRequest(serverInitiated bool) {
	initiator := InitiatorClient
	if serverInitiated {
		initiator = InitiatorServer
	}
	d.conn.beginGracefulClose(initiator)
	d.conn.updateConnectionState()
	d.cancelAccept()
	d.transport.Abort(&ConnectionAbortedError{Reason: errors.New("graceful close requested")})
}

var errClientClosed = errors.New("client closed the connection")

// OnConnectionClosed is invoked when the QUIC transport signals the
// connection closed out from under us. Idempotent after the first call
// (spec.md §4.1, §8).
func (d *ConnectionDispatcher) OnConnectionClosed() {
	d.conn.selectionMu.Lock()
	already := d.conn.aborted
	d.conn.aborted = true
	d.conn.selectionMu.Unlock()
	if already {
		return
	}
	d.cancelAccept()
	d.transport.Abort(&ConnectionAbortedError{Reason: errClientClosed})
}

// abort marks the connection aborted, records the error code, attempts
// the single terminal GOAWAY, then aborts the transport (spec.md §4.1).
func (d *ConnectionDispatcher) abort(reason error, code ErrorCode) {
	d.conn.selectionMu.Lock()
	already := d.conn.aborted
	d.conn.aborted = true
	d.conn.selectionMu.Unlock()

	d.conn.setErrorCode(code)
	if !already {
		d.conn.tryTerminalClose()
	}
	d.cancelAccept()
	d.transport.Abort(reason)
}

// shutdown runs once the accept loop has exited (spec.md §4.1 step 3) and
// picks one of two paths. A clean exit with no out-of-band abort is a
// cooperative drain: requests already in flight keep running to
// completion under the application's own control, and updateConnectionState
// (already invoked from onStreamCompleted) is what emits the terminal
// GOAWAY exactly when the last one finishes (spec.md §8 scenarios 2-3).
// Anything else - a transport/protocol error, or abort() having fired out
// of band from a control-stream or request-stream worker - is treated as
// abortive: every still-registered stream is force-aborted instead of
// waited on, since nothing will otherwise make them finish.
func (d *ConnectionDispatcher) shutdown(loopErr error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := &connectionFaultedError{Err: panicToError(r)}
			d.abort(panicErr, ErrNoError)
			err = multierr.Append(err, panicErr)
		}
	}()

	if loopErr == nil && !d.conn.isAborted() {
		d.conn.registry.WaitForDrain()
		d.conn.tryTerminalClose()
		return nil
	}

	d.conn.tryTerminalClose()

	reason := loopErr
	if reason == nil {
		reason = &ConnectionAbortedError{}
	}
	code := d.conn.ErrorCode()
	var connErr *ConnectionError
	if errors.As(loopErr, &connErr) {
		code = connErr.Code
	}

	for _, s := range d.conn.registry.Snapshot() {
		if h, ok := s.(*streamHandle); ok {
			h.abort(reason, code)
		}
	}
	d.conn.registry.WaitForDrain()
	return loopErr
}

func classifyAcceptError(err error) error {
	var transportReset *TransportResetError
	if errors.As(err, &transportReset) {
		return &connectionFaultedError{Err: transportReset}
	}
	return &connectionFaultedError{Err: &IOFailureError{Err: err}}
}

func panicToError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return errors.New("panic during connection shutdown")
}
