// Package control enforces at-most-one-per-role for the three recognized
// inbound unidirectional streams (control, QPACK encoder, QPACK decoder)
// and holds the single outbound control stream, per spec.md §4.4.
package control

import (
	"fmt"
	"io"
	"sync"

	"github.com/caddyserver/h3conn/internal/wire"
)

// Setting mirrors wire.Setting to keep this package's public surface free
// of the wire codec's encode/decode details.
type Setting = wire.Setting

// ErrUnknownSetting is returned by OnInboundControlStreamSetting for any
// SETTINGS identifier this core does not recognize (spec.md §4.4).
type ErrUnknownSetting struct {
	ID uint64
}

func (e *ErrUnknownSetting) Error() string {
	return fmt.Sprintf("control: unrecognized SETTINGS identifier %#x", e.ID)
}

// Channels holds the four stream-role slots under a single mutex, which
// may be held across the GOAWAY write because the outbound control stream
// is owned solely by this connection (spec.md §5).
type Channels struct {
	mu sync.Mutex

	outbound io.Writer // nil until the outbound control stream is open

	inboundControl bool
	inboundEncoder bool
	inboundDecoder bool
}

// New returns an empty Channels with no outbound stream yet.
func New() *Channels {
	return &Channels{}
}

// SetOutbound records the outbound control stream once it has been opened
// and its preamble (stream type + SETTINGS) sent.
func (c *Channels) SetOutbound(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = w
}

// OnInboundControlStream claims the control-stream role. ok is true only
// for the first caller.
func (c *Channels) OnInboundControlStream() (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inboundControl {
		return false
	}
	c.inboundControl = true
	return true
}

// OnInboundEncoderStream claims the QPACK encoder-stream role.
func (c *Channels) OnInboundEncoderStream() (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inboundEncoder {
		return false
	}
	c.inboundEncoder = true
	return true
}

// OnInboundDecoderStream claims the QPACK decoder-stream role.
func (c *Channels) OnInboundDecoderStream() (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inboundDecoder {
		return false
	}
	c.inboundDecoder = true
	return true
}

// OnInboundControlStreamSetting recognizes QPackMaxTableCapacity,
// MaxFieldSectionSize, and QPackBlockedStreams (effect deferred to the
// QPACK collaborator, out of scope here); any other identifier is a
// protocol violation.
func (c *Channels) OnInboundControlStreamSetting(s Setting) error {
	switch s.ID {
	case wire.SettingQPackMaxTableCapacity, wire.SettingMaxFieldSectionSize, wire.SettingQPackBlockedStreams:
		return nil
	default:
		return &ErrUnknownSetting{ID: s.ID}
	}
}

// SendGoaway forwards a GOAWAY frame to the outbound control stream if one
// is open; otherwise it is a no-op, since the connection has not yet
// progressed far enough for the peer to expect one.
func (c *Channels) SendGoaway(streamID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbound == nil {
		return nil
	}
	return wire.WriteGoaway(c.outbound, streamID)
}
