package h3conn

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caddyserver/h3conn/internal/wire"
)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return a.s }

type fakeStream struct {
	id  int64
	dir Direction

	in *io.PipeReader

	mu        sync.Mutex
	out       bytes.Buffer
	readCode  atomic.Uint64
	writeCode atomic.Uint64
	canceled  atomic.Bool
}

func newFakeStream(id int64, dir Direction, in *io.PipeReader) *fakeStream {
	return &fakeStream{id: id, dir: dir, in: in}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if f.in == nil {
		return 0, io.EOF
	}
	return f.in.Read(p)
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(p)
}

func (f *fakeStream) writtenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.out.Bytes()...)
}

func (f *fakeStream) StreamID() int64      { return f.id }
func (f *fakeStream) Direction() Direction { return f.dir }
func (f *fakeStream) LocalAddr() net.Addr  { return fakeAddr{"local"} }
func (f *fakeStream) RemoteAddr() net.Addr { return fakeAddr{"remote"} }

func (f *fakeStream) CancelRead(code ErrorCode) {
	f.readCode.Store(uint64(code))
	f.canceled.Store(true)
	if f.in != nil {
		_ = f.in.CloseWithError(io.ErrClosedPipe)
	}
}

func (f *fakeStream) CancelWrite(code ErrorCode) {
	f.writeCode.Store(uint64(code))
}

type fakeTransport struct {
	streams   chan StreamContext
	outbound  *fakeStream
	closeOnce sync.Once
	abortErr  atomic.Value
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		streams:  make(chan StreamContext, 16),
		outbound: newFakeStream(0, Direction{CanWrite: true}, nil),
	}
}

func (t *fakeTransport) AcceptStream(ctx context.Context) (StreamContext, error) {
	select {
	case s, ok := <-t.streams:
		if !ok {
			return nil, nil
		}
		return s, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (t *fakeTransport) OpenUniStream(ctx context.Context) (StreamContext, error) {
	return t.outbound, nil
}

func (t *fakeTransport) Abort(reason error) {
	t.abortErr.Store(reason)
	t.closeOnce.Do(func() { close(t.streams) })
}

// blockingApp serves each request stream by blocking until release is
// closed, so tests can control exactly when a request "completes".
type blockingApp struct {
	release chan struct{}
	served  chan int64
}

func newBlockingApp() *blockingApp {
	return &blockingApp{release: make(chan struct{}), served: make(chan int64, 16)}
}

func (a *blockingApp) ServeRequestStream(ctx context.Context, stream *RequestStream) error {
	stream.MarkStarted()
	a.served <- stream.StreamID()
	<-a.release
	return nil
}

func testOptions() Options {
	return Options{
		HeaderTableSize:           0,
		MaxRequestHeaderFieldSize: 16384,
		RequestHeadersTimeout:     50 * time.Millisecond,
		HeartbeatInterval:         5 * time.Millisecond,
	}
}

func decodeSettings(t *testing.T, raw []byte) []wire.Setting {
	t.Helper()
	require.True(t, len(raw) >= 1)
	require.Equal(t, byte(wire.StreamTypeControl), raw[0])
	r := quicvarint.NewReader(bytes.NewReader(raw[1:]))
	frameType, length, err := wire.ReadFrameHeader(r)
	require.NoError(t, err)
	require.Equal(t, uint64(wire.FrameTypeSettings), frameType)
	settings, err := wire.ReadSettings(r, length)
	require.NoError(t, err)
	return settings
}

func TestHappyPathSendsControlPreambleAndServesRequest(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection("conn-1", testOptions(), zap.NewNop())
	app := newBlockingApp()
	d := NewConnectionDispatcher(conn, transport, app)

	reqPipeR, reqPipeW := io.Pipe()
	req := newFakeStream(0, Direction{CanRead: true, CanWrite: true}, reqPipeR)
	transport.streams <- req

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	streamID := <-app.served
	require.Equal(t, int64(0), streamID)

	settings := decodeSettings(t, transport.outbound.writtenBytes())
	require.Equal(t, []wire.Setting{
		{ID: wire.SettingQPackMaxTableCapacity, Value: 0},
		{ID: wire.SettingMaxFieldSectionSize, Value: 16384},
	}, settings)

	require.Equal(t, 1, conn.ActiveRequestCount())
	require.Equal(t, 0, framesAfterPreamble(t, transport.outbound.writtenBytes()))

	close(app.release)
	reqPipeW.Close()

	d.StopProcessingNextRequest(true)
	require.NoError(t, <-runDone)
	require.True(t, conn.IsClosed())
}

func TestServerGracefulCloseWithActiveRequestSendsTwoGoaways(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection("conn-2", testOptions(), zap.NewNop())
	app := newBlockingApp()
	d := NewConnectionDispatcher(conn, transport, app)

	reqPipeR, _ := io.Pipe()
	req := newFakeStream(0, Direction{CanRead: true, CanWrite: true}, reqPipeR)
	transport.streams <- req

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	<-app.served // stream 0 is now in flight

	d.StopProcessingNextRequest(true)

	require.Eventually(t, func() bool {
		return framesAfterPreamble(t, transport.outbound.writtenBytes()) >= 1
	}, time.Second, time.Millisecond)

	close(app.release)

	require.NoError(t, <-runDone)
	require.True(t, conn.IsClosed())
	require.Equal(t, 0, conn.ActiveRequestCount())
	require.Equal(t, 2, framesAfterPreamble(t, transport.outbound.writtenBytes()))
}

// framesAfterPreamble decodes the settings-frame preamble off raw and
// returns how many further frames (GOAWAYs, in practice) follow it.
func framesAfterPreamble(t *testing.T, raw []byte) int {
	t.Helper()
	if len(raw) < 1 {
		return 0
	}
	r := quicvarint.NewReader(bytes.NewReader(raw[1:]))
	frameType, length, err := wire.ReadFrameHeader(r)
	if err != nil {
		return 0
	}
	require.Equal(t, uint64(wire.FrameTypeSettings), frameType)
	_, err = wire.ReadSettings(r, length)
	require.NoError(t, err)

	count := 0
	for {
		_, length, err := wire.ReadFrameHeader(r)
		if err != nil {
			break
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			break
		}
		count++
	}
	return count
}

func TestClientGracefulCloseNoActiveRequestsSingleGoaway(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection("conn-3", testOptions(), zap.NewNop())
	app := newBlockingApp()
	d := NewConnectionDispatcher(conn, transport, app)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	// give the dispatcher a moment to open the control stream before close
	time.Sleep(10 * time.Millisecond)

	d.StopProcessingNextRequest(false)

	require.NoError(t, <-runDone)
	require.True(t, conn.IsClosed())
	require.Equal(t, InitiatorClient, conn.gracefulInitiator.Get())
	require.Equal(t, 1, framesAfterPreamble(t, transport.outbound.writtenBytes()))
}

func TestDuplicateControlStreamAbortsConnection(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection("conn-4", testOptions(), zap.NewNop())
	app := newBlockingApp()
	d := NewConnectionDispatcher(conn, transport, app)

	first := controlStreamBytes(wire.StreamTypeControl)
	second := controlStreamBytes(wire.StreamTypeControl)

	transport.streams <- newFakeStream(2, Direction{CanRead: true}, first)
	transport.streams <- newFakeStream(6, Direction{CanRead: true}, second)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return conn.IsClosed() }, time.Second, time.Millisecond)
	require.NoError(t, <-runDone)
	require.Equal(t, ErrStreamCreationError, conn.ErrorCode())
}

func TestUnknownSettingIdentifierAbortsConnection(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection("conn-5", testOptions(), zap.NewNop())
	app := newBlockingApp()
	d := NewConnectionDispatcher(conn, transport, app)

	pr, pw := io.Pipe()
	go func() {
		pw.Write(quicvarint.Append(nil, wire.StreamTypeControl))
		var payload bytes.Buffer
		payload.Write(quicvarint.Append(nil, uint64(0xFF)))
		payload.Write(quicvarint.Append(nil, uint64(1)))
		frame := quicvarint.Append(nil, uint64(wire.FrameTypeSettings))
		frame = quicvarint.Append(frame, uint64(payload.Len()))
		frame = append(frame, payload.Bytes()...)
		pw.Write(frame)
		pw.Close()
	}()
	transport.streams <- newFakeStream(2, Direction{CanRead: true}, pr)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return conn.IsClosed() }, time.Second, time.Millisecond)
	require.NoError(t, <-runDone)
}

func controlStreamBytes(streamType uint64) *io.PipeReader {
	pr, pw := io.Pipe()
	go func() {
		pw.Write(quicvarint.Append(nil, streamType))
		pw.Close()
	}()
	return pr
}
