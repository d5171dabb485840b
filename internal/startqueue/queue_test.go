package startqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	started    bool
	expiration time.Time
	expired    bool
}

func (f *fakeStream) HasStarted() bool          { return f.started }
func (f *fakeStream) Expiration() time.Time     { return f.expiration }
func (f *fakeStream) SetExpiration(t time.Time) { f.expiration = t }
func (f *fakeStream) Expire()                   { f.expired = true }

func TestTickDropsStartedStream(t *testing.T) {
	q := New()
	s := &fakeStream{started: true}
	q.Enqueue(s)

	q.Tick(time.Now(), time.Second)
	require.Equal(t, 0, q.Len())
	require.False(t, s.expired)
}

func TestTickSetsExpirationOnFirstSight(t *testing.T) {
	q := New()
	s := &fakeStream{}
	q.Enqueue(s)

	now := time.Now()
	q.Tick(now, 5*time.Second)

	require.False(t, s.expiration.IsZero())
	require.Equal(t, 1, q.Len())
	require.False(t, s.expired)
}

func TestTickExpiresOverdueStream(t *testing.T) {
	q := New()
	s := &fakeStream{}
	q.Enqueue(s)

	base := time.Now()
	q.Tick(base, time.Second)
	require.False(t, s.expired)

	q.Tick(base.Add(2*time.Second), time.Second)
	require.True(t, s.expired)
	require.Equal(t, 0, q.Len())
}

func TestTickOnlyProcessesSnapshotLength(t *testing.T) {
	q := New()
	first := &fakeStream{}
	q.Enqueue(first)

	now := time.Now()
	// Only the first stream is present when Tick takes its snapshot; the
	// second is enqueued after Tick returns and must stay untouched until
	// the next tick.
	q.Tick(now, time.Minute)
	second := &fakeStream{}
	q.Enqueue(second)

	require.Equal(t, 2, q.Len())
	// second hasn't been ticked yet, so it has no expiration recorded.
	require.True(t, second.expiration.IsZero())
	require.False(t, first.expiration.IsZero())
}

func TestTickSaturatesOnOverflow(t *testing.T) {
	q := New()
	s := &fakeStream{}
	q.Enqueue(s)

	now := time.Now()
	// A timeout near the Duration maximum must still give a deadline after
	// now, never one wrapped into the past. time.Time holds now+2^62ns
	// without overflowing, so this checks the direction of the deadline,
	// not that it was clamped to maxTime.
	q.Tick(now, time.Duration(1<<62))
	require.True(t, s.expiration.After(now))
}
