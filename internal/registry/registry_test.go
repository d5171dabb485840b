package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct{ id int64 }

func (f fakeStream) StreamID() int64 { return f.id }

func TestRegisterAndComplete(t *testing.T) {
	r := New()
	r.Register(fakeStream{id: 0})
	r.Register(fakeStream{id: 4})
	require.Equal(t, 2, r.ActiveCount())

	r.OnStreamCompleted(0)
	require.Equal(t, 1, r.ActiveCount())

	r.OnStreamCompleted(4)
	require.Equal(t, 0, r.ActiveCount())
}

func TestOnStreamCompletedDuplicateIsNoop(t *testing.T) {
	r := New()
	r.Register(fakeStream{id: 0})
	r.OnStreamCompleted(0)
	require.Equal(t, 0, r.ActiveCount())
	// duplicate completion notification must not panic or go negative
	r.OnStreamCompleted(0)
	require.Equal(t, 0, r.ActiveCount())
}

func TestWaitForDrainWakesOnCompletion(t *testing.T) {
	r := New()
	r.Register(fakeStream{id: 0})

	drained := make(chan struct{})
	go func() {
		r.WaitForDrain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before completion")
	case <-time.After(20 * time.Millisecond):
	}

	r.OnStreamCompleted(0)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not wake after completion")
	}
}

func TestWaitForDrainReturnsImmediatelyWhenEmpty(t *testing.T) {
	r := New()
	done := make(chan struct{})
	go func() {
		r.WaitForDrain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain with no active streams should return immediately")
	}
}

func TestSnapshotIndependentOfMutation(t *testing.T) {
	r := New()
	r.Register(fakeStream{id: 1})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	r.OnStreamCompleted(1)
	require.Len(t, snap, 1) // snapshot unaffected by later mutation
	require.Equal(t, 0, r.ActiveCount())
}
