package h3conn

import "fmt"

// ConnectionError is a protocol violation reported by a stream
// collaborator (or detected by the dispatcher itself) that must escalate
// to a connection-wide abort with the given error code (spec.md §7).
type ConnectionError struct {
	Code ErrorCode
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("http3: connection error %#x: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps err as a connection-wide protocol violation
// carrying code.
func NewConnectionError(code ErrorCode, err error) *ConnectionError {
	return &ConnectionError{Code: code, Err: err}
}

// StartupTimeoutError is raised by the starting-stream queue when a
// stream never delivers its initial frame in time (spec.md §4.2). It is
// stream-local: only the offending stream is aborted, the connection
// continues.
type StartupTimeoutError struct {
	StreamID  int64
	IsRequest bool
	ErrorCode ErrorCode
}

func (e *StartupTimeoutError) Error() string {
	kind := "control"
	if e.IsRequest {
		kind = "request"
	}
	return fmt.Sprintf("http3: %s stream %d timed out before starting", kind, e.StreamID)
}

// TransportResetError wraps a reset reported by the transport collaborator
// (spec.md §7): logged as a request-processing error if a request was in
// flight. Either way it ends the accept loop and the connection is torn
// down as faulted.
type TransportResetError struct {
	Err error
}

func (e *TransportResetError) Error() string { return fmt.Sprintf("http3: transport reset: %v", e.Err) }
func (e *TransportResetError) Unwrap() error { return e.Err }

// IOFailureError wraps a generic I/O error on the transport.
type IOFailureError struct {
	Err error
}

func (e *IOFailureError) Error() string { return fmt.Sprintf("http3: io failure: %v", e.Err) }
func (e *IOFailureError) Unwrap() error { return e.Err }

// ConnectionAbortedError marks a cooperative abort whose reason should
// propagate unchanged to every active stream.
type ConnectionAbortedError struct {
	Reason error
}

func (e *ConnectionAbortedError) Error() string {
	if e.Reason == nil {
		return "http3: connection aborted"
	}
	return fmt.Sprintf("http3: connection aborted: %v", e.Reason)
}
func (e *ConnectionAbortedError) Unwrap() error { return e.Reason }

// connectionFaultedError is the synthetic top-level wrapper spec.md §4.1
// describes for transport-reset and I/O errors surfaced out of the accept
// loop.
type connectionFaultedError struct {
	Err error
}

func (e *connectionFaultedError) Error() string {
	return fmt.Sprintf("http3: connection faulted: %v", e.Err)
}
func (e *connectionFaultedError) Unwrap() error { return e.Err }
