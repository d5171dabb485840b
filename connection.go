package h3conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caddyserver/h3conn/internal/control"
	"github.com/caddyserver/h3conn/internal/registry"
	"github.com/caddyserver/h3conn/internal/shutstate"
	"github.com/caddyserver/h3conn/internal/startqueue"
	"github.com/caddyserver/h3conn/internal/wire"
)

// Options configures a Connection. Resolving these from server-wide
// configuration is an external collaborator's job (spec.md §1); by the
// time a Connection is built, every value here is already decided.
type Options struct {
	// HeaderTableSize is sent to the peer as the HEADER_TABLE_SIZE
	// SETTINGS value (spec.md §6). Caddy's default is 0 (QPACK dynamic
	// table disabled).
	HeaderTableSize uint64
	// MaxRequestHeaderFieldSize is sent as MAX_FIELD_SECTION_SIZE.
	MaxRequestHeaderFieldSize uint64
	// RequestHeadersTimeout bounds how long a starting stream may linger
	// before delivering its first frame (spec.md §4.2).
	RequestHeadersTimeout time.Duration
	// HeartbeatInterval is how often the starting-stream queue is
	// ticked.
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestHeadersTimeout <= 0 {
		o.RequestHeadersTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	return o
}

// serverSettings returns the SETTINGS entries sent on the outbound
// control stream, fixed at construction from server limits (spec.md §3).
func (o Options) serverSettings() []wire.Setting {
	return []wire.Setting{
		{ID: wire.SettingQPackMaxTableCapacity, Value: o.HeaderTableSize},
		{ID: wire.SettingMaxFieldSectionSize, Value: o.MaxRequestHeaderFieldSize},
	}
}

// Connection is the singleton state owned by one QUIC connection for its
// lifetime (spec.md §3).
type Connection struct {
	ID string

	opts Options
	log  *zap.Logger
	ev   *events

	registry *registry.Registry
	control  *control.Channels
	starting *startqueue.Queue

	highestOpenedRequestStreamID atomic.Int64

	closed            shutstate.CloseFlag
	gracefulInitiator shutstate.InitiatorFlag
	gracefulStarted   shutstate.CloseFlag

	// selectionMu guards aborted together with the check-then-act
	// sequence in abort/onConnectionClosed, preventing the race
	// spec.md §5 calls the "protocol selection lock".
	selectionMu sync.Mutex
	aborted     bool

	errorCode atomic.Uint64
}

// NewConnection constructs the per-connection core state. id identifies
// the connection for logging; callers typically derive it from the
// transport, falling back to a random UUID.
func NewConnection(id string, opts Options, log *zap.Logger) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		ID:       id,
		opts:     opts.withDefaults(),
		log:      log,
		ev:       newEvents(log, id),
		registry: registry.New(),
		control:  control.New(),
		starting: startqueue.New(),
	}
	c.errorCode.Store(uint64(ErrNoError))
	return c
}

// HighestOpenedRequestStreamID returns the largest request-stream ID
// accepted so far. It is updated only from the dispatcher's accept loop
// and read here via atomic load (spec.md §5).
func (c *Connection) HighestOpenedRequestStreamID() int64 {
	return c.highestOpenedRequestStreamID.Load()
}

// observeAcceptedStreamID records id as accepted, monotonically: an
// out-of-order (smaller) update is dropped.
func (c *Connection) observeAcceptedStreamID(id int64) {
	for {
		cur := c.highestOpenedRequestStreamID.Load()
		if id <= cur {
			return
		}
		if c.highestOpenedRequestStreamID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// IsClosed reports whether the connection has transitioned to closed.
func (c *Connection) IsClosed() bool { return c.closed.Closed() }

// ActiveRequestCount returns the number of request streams currently
// registered.
func (c *Connection) ActiveRequestCount() int { return c.registry.ActiveCount() }

// ErrorCode returns the last protocol error code recorded, for inclusion
// in the transport's CONNECTION_CLOSE.
func (c *Connection) ErrorCode() ErrorCode { return ErrorCode(c.errorCode.Load()) }

func (c *Connection) setErrorCode(code ErrorCode) { c.errorCode.Store(uint64(code)) }

func (c *Connection) isAborted() bool {
	c.selectionMu.Lock()
	defer c.selectionMu.Unlock()
	return c.aborted
}
