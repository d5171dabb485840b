package h3conn

import (
	"go.uber.org/zap"

	"github.com/caddyserver/h3conn/internal/shutstate"
	"github.com/caddyserver/h3conn/internal/wire"
)

// Initiator identifies who asked for a graceful close.
type Initiator = shutstate.Initiator

const (
	InitiatorNone   = shutstate.InitiatorNone
	InitiatorServer = shutstate.InitiatorServer
	InitiatorClient = shutstate.InitiatorClient
)

// beginGracefulClose performs the None->{Server,Client} transition exactly
// once (spec.md §3, §8). It returns true only for the caller that won the
// transition; callers should still invoke updateConnectionState afterward
// regardless of the return value, since stop_processing_next_request must
// be idempotent and updateConnectionState is itself safe to call any
// number of times.
func (c *Connection) beginGracefulClose(initiator Initiator) bool {
	_, won := c.gracefulInitiator.TrySet(initiator)
	return won
}

// updateConnectionState drives the shutdown state machine described in
// spec.md §4.3. It is called after every accept and after every stream
// completion; it is cheap and safe to call redundantly.
func (c *Connection) updateConnectionState() {
	if initiator := c.gracefulInitiator.Get(); initiator != InitiatorNone {
		if _, started := c.gracefulStarted.TryClose(); started {
			c.ev.connectionClosing()
			c.log.Info("closing", zap.Stringer("initiator", initiator))
			if initiator == InitiatorServer && c.ActiveRequestCount() > 0 {
				_ = c.control.SendGoaway(wire.MaxStreamID)
			}
		}
	}

	if c.ActiveRequestCount() == 0 && c.gracefulStarted.Closed() {
		if _, won := c.closed.TryClose(); won {
			highest := uint64(c.HighestOpenedRequestStreamID())
			_ = c.control.SendGoaway(highest)
			c.ev.connectionClosed(highest)
		}
	}
}

// tryTerminalClose attempts the single 0->1 close transition directly,
// used by the dispatcher's abort path, which must emit the terminal
// GOAWAY even when no requests were ever in flight and graceful close was
// never announced.
func (c *Connection) tryTerminalClose() bool {
	_, won := c.closed.TryClose()
	if won {
		highest := uint64(c.HighestOpenedRequestStreamID())
		_ = c.control.SendGoaway(highest)
		c.ev.connectionClosed(highest)
	}
	return won
}
