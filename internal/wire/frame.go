// Package wire encodes and decodes the small set of HTTP/3 control-stream
// bytes the connection dispatcher itself is responsible for: the leading
// stream-type varint, the SETTINGS frame it sends once per connection, and
// the GOAWAY frame it may send one or more times during shutdown. Request
// body framing and QPACK are out of scope here; see spec.md §1.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Unidirectional stream type identifiers, as sent by the peer (and by us)
// as the first varint on a unidirectional stream.
const (
	StreamTypeControl = 0x00
	StreamTypeEncoder = 0x02
	StreamTypeDecoder = 0x03
)

// Frame type identifiers relevant to the connection core.
const (
	FrameTypeSettings = 0x04
	FrameTypeGoaway   = 0x07
)

// SETTINGS identifiers the core recognizes. Any other identifier on an
// inbound SETTINGS frame is a protocol violation (spec.md §4.4).
const (
	// SettingQPackMaxTableCapacity is SETTINGS_QPACK_MAX_TABLE_CAPACITY
	// (RFC 9204 §5), which the dispatcher sends as the connection's
	// header-table-size limit.
	SettingQPackMaxTableCapacity = 0x01
	SettingMaxFieldSectionSize   = 0x06
	SettingQPackBlockedStreams   = 0x07
)

// MaxStreamID is 2^62-1, reserved by the GOAWAY frame to mean "no
// commitment yet" (spec.md §6).
const MaxStreamID uint64 = (1 << 62) - 1

// VarintReader is anything quicvarint can read a varint from: an
// io.Reader that also implements io.ByteReader. bufio.Reader and
// bytes.Buffer both satisfy it.
type VarintReader = quicvarint.Reader

// Setting is a single (identifier, value) SETTINGS entry.
type Setting struct {
	ID    uint64
	Value uint64
}

// WriteControlStreamType writes the leading varint identifying this stream
// as the connection's outbound control stream.
func WriteControlStreamType(w io.Writer) error {
	return writeVarint(w, StreamTypeControl)
}

// WriteSettings encodes and writes a SETTINGS frame.
func WriteSettings(w io.Writer, settings []Setting) error {
	var payload bytes.Buffer
	for _, s := range settings {
		payload.Write(quicvarint.Append(nil, s.ID))
		payload.Write(quicvarint.Append(nil, s.Value))
	}
	return writeFrame(w, FrameTypeSettings, payload.Bytes())
}

// WriteGoaway encodes and writes a GOAWAY frame carrying the given stream
// ID (or MaxStreamID for the "no commitment yet" preparatory form).
func WriteGoaway(w io.Writer, streamID uint64) error {
	payload := quicvarint.Append(nil, streamID)
	return writeFrame(w, FrameTypeGoaway, payload)
}

func writeFrame(w io.Writer, frameType uint64, payload []byte) error {
	buf := quicvarint.Append(nil, frameType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func writeVarint(w io.Writer, v uint64) error {
	_, err := w.Write(quicvarint.Append(nil, v))
	return err
}

// ErrUnknownStreamType names a unidirectional stream type this core does
// not recognize. ReadUnidirectionalStreamType does not return it: it
// returns every type varint as read, and the caller classifies it (HTTP/3
// allows unrecognized unidirectional stream types and requires only that
// implementations not error out on them).
var ErrUnknownStreamType = errors.New("wire: unrecognized unidirectional stream type")

// ReadUnidirectionalStreamType reads the leading varint that classifies a
// peer-initiated unidirectional stream.
func ReadUnidirectionalStreamType(r quicvarint.Reader) (uint64, error) {
	return quicvarint.Read(r)
}

// ReadSettings reads and decodes a SETTINGS frame body already identified
// by its frame type and length. length is the number of payload bytes to
// consume from r.
func ReadSettings(r quicvarint.Reader, length uint64) ([]Setting, error) {
	lr := &io.LimitedReader{R: r, N: int64(length)}
	lvr := quicvarint.NewReader(lr)
	var out []Setting
	for lr.N > 0 {
		id, err := quicvarint.Read(lvr)
		if err != nil {
			return nil, fmt.Errorf("wire: reading setting identifier: %w", err)
		}
		val, err := quicvarint.Read(lvr)
		if err != nil {
			return nil, fmt.Errorf("wire: reading setting value: %w", err)
		}
		out = append(out, Setting{ID: id, Value: val})
	}
	return out, nil
}

// ReadFrameHeader reads a frame's (type, length) header.
func ReadFrameHeader(r quicvarint.Reader) (frameType uint64, length uint64, err error) {
	frameType, err = quicvarint.Read(r)
	if err != nil {
		return 0, 0, err
	}
	length, err = quicvarint.Read(r)
	if err != nil {
		return 0, 0, err
	}
	return frameType, length, nil
}
