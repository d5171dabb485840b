package h3conn

import (
	"bufio"
	"errors"
	"io"

	"github.com/caddyserver/h3conn/internal/wire"
)

// serveUnidirectionalStream is the control-stream worker sketched in
// spec.md §6: it reads the leading varint to classify the stream as
// control/encoder/decoder, claims the matching role, and, for the
// control stream, decodes inbound SETTINGS and forwards each identifier
// to ControlChannels. It returns a *ConnectionError when the violation
// must escalate to a connection-wide abort; any other error is
// stream-local and safe to ignore once the stream is torn down.
func serveUnidirectionalStream(conn *Connection, handle *streamHandle) error {
	r := bufio.NewReader(handle.ctx)

	streamType, err := wire.ReadUnidirectionalStreamType(r)
	if err != nil {
		return nil // peer closed before sending even the type varint
	}
	handle.MarkStarted()

	switch streamType {
	case wire.StreamTypeControl:
		if !conn.control.OnInboundControlStream() {
			return NewConnectionError(ErrStreamCreationError, errors.New("duplicate control stream"))
		}
		return serveControlStreamSettings(conn, r)
	case wire.StreamTypeEncoder:
		if !conn.control.OnInboundEncoderStream() {
			return NewConnectionError(ErrStreamCreationError, errors.New("duplicate QPACK encoder stream"))
		}
		drain(r)
		return nil
	case wire.StreamTypeDecoder:
		if !conn.control.OnInboundDecoderStream() {
			return NewConnectionError(ErrStreamCreationError, errors.New("duplicate QPACK decoder stream"))
		}
		drain(r)
		return nil
	default:
		// HTTP/3 requires unrecognized unidirectional stream types to be
		// tolerated, not rejected.
		drain(r)
		return nil
	}
}

// serveControlStreamSettings reads frames off the peer's control stream
// until EOF, forwarding every SETTINGS identifier/value pair to
// ControlChannels. Frame types other than SETTINGS are skipped: parsing
// their payloads is the HTTP/3 frame layer's job, out of scope here
// (spec.md §1) except for the SETTINGS ingestion this core owns.
func serveControlStreamSettings(conn *Connection, r wire.VarintReader) error {
	for {
		frameType, length, err := wire.ReadFrameHeader(r)
		if err != nil {
			return nil // EOF or transport error: stream is done either way
		}

		if frameType != wire.FrameTypeSettings {
			if err := skip(r, length); err != nil {
				return nil
			}
			continue
		}

		settings, err := wire.ReadSettings(r, length)
		if err != nil {
			return nil
		}
		for _, s := range settings {
			if err := conn.control.OnInboundControlStreamSetting(s); err != nil {
				return NewConnectionError(ErrSettingsError, err)
			}
		}
	}
}

func skip(r io.Reader, n uint64) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
