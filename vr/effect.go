package vr

// Effect is an intended side effect of a state transition. The core only
// produces these values; the driver (simulator or real transport) drains
// the returned slice and has sole responsibility for enacting them.
type Effect[I, O any] interface {
	isEffect()
}

// Send delivers a message point-to-point to a peer replica.
type Send[I, O any] struct {
	To      uint64
	Message Message[I, O]
}

func (Send[I, O]) isEffect() {}

// Broadcast delivers a message to every listed replica. The list may
// include the sender; the transport treats a self-send as a no-op.
type Broadcast[I, O any] struct {
	To      []uint64
	Message Message[I, O]
}

func (Broadcast[I, O]) isEffect() {}

// Reply delivers a message to the originating client.
type Reply[I, O any] struct {
	ClientID string
	Message  Message[I, O]
}

func (Reply[I, O]) isEffect() {}

// SetTimer arms (or re-arms) the named timer at an absolute virtual time.
type SetTimer struct {
	Kind TimerKind
	At   VirtualTime
}

func (SetTimer) isEffect() {}

// CancelTimer disarms the named timer. A firing scheduled for an earlier
// deadline must check the replica's current deadline and no-op on
// mismatch, so the driver never has to scan its timing wheel.
type CancelTimer struct {
	Kind TimerKind
}

func (CancelTimer) isEffect() {}

// ApplyCommitted instructs the driver to run the state machine for the
// named log position. Produced on backups when a Prepare or Commit
// advances the commit number; the primary applies inline before replying.
type ApplyCommitted struct {
	OpNumber uint64
}

func (ApplyCommitted) isEffect() {}
