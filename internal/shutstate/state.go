// Package shutstate models the single-shot state transitions the
// connection core performs under compare-and-swap: the closed flag and the
// graceful-close initiator. Each transitions at most once; the caller that
// wins the transition receives a witness value that is the only thing
// allowed to trigger the action gated on that transition (emitting the
// terminal GOAWAY, or announcing which side asked for a graceful close).
// This removes the "who sends GOAWAY?" race named in spec.md §9.
package shutstate

import "sync/atomic"

// Initiator identifies who asked for a graceful close.
type Initiator int32

const (
	InitiatorNone Initiator = iota
	InitiatorServer
	InitiatorClient
)

func (i Initiator) String() string {
	switch i {
	case InitiatorServer:
		return "server"
	case InitiatorClient:
		return "client"
	default:
		return "none"
	}
}

// CloseFlag is a 0->1 single-shot flag. The zero value is open.
type CloseFlag struct {
	closed atomic.Bool
}

// CloseWitness is held only by the goroutine that won the transition to
// closed; it is the sole permission slip for emitting the terminal GOAWAY
// and logging final closure.
type CloseWitness struct{}

// TryClose attempts the 0->1 transition. ok is true only for the single
// caller that performed it.
func (f *CloseFlag) TryClose() (CloseWitness, bool) {
	if f.closed.CompareAndSwap(false, true) {
		return CloseWitness{}, true
	}
	return CloseWitness{}, false
}

// Closed reports whether the flag has transitioned.
func (f *CloseFlag) Closed() bool {
	return f.closed.Load()
}

// InitiatorFlag is a None->{Server,Client} single-shot transition.
type InitiatorFlag struct {
	value atomic.Int32
}

// InitiatorWitness is held only by the goroutine that performed the
// None->X transition; it carries the initiator that won.
type InitiatorWitness struct {
	Initiator Initiator
}

// TrySet attempts the None->want transition. ok is true only for the
// single caller whose value won the race; the witness always carries the
// initiator that actually won (which may differ from want if another
// caller raced it first; callers should treat ok==false as "someone else
// already decided").
func (f *InitiatorFlag) TrySet(want Initiator) (InitiatorWitness, bool) {
	if f.value.CompareAndSwap(int32(InitiatorNone), int32(want)) {
		return InitiatorWitness{Initiator: want}, true
	}
	return InitiatorWitness{Initiator: Initiator(f.value.Load())}, false
}

// Get returns the current initiator without attempting a transition.
func (f *InitiatorFlag) Get() Initiator {
	return Initiator(f.value.Load())
}
