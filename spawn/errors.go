package spawn

import "fmt"

// SpawnFailureError reports that the OS rejected fork/exec for a dispatcher
// launch. No exit event is emitted for a failure of this kind because no
// child ever existed.
type SpawnFailureError struct {
	Op  string
	Err error
}

func (e *SpawnFailureError) Error() string {
	return fmt.Sprintf("spawn: %s: %v", e.Op, e.Err)
}

func (e *SpawnFailureError) Unwrap() error { return e.Err }

// WriteError wraps an OS-level error returned while writing to the
// dispatcher's stdin.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: write to stdin failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ShortWriteError reports that a stdin write completed without error but
// wrote fewer bytes than requested. Treated as a protocol break: no retry
// happens inside the Spawner.
type ShortWriteError struct {
	Op    string
	Wrote int
	Want  int
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("%s: short write: wrote %d of %d bytes", e.Op, e.Wrote, e.Want)
}

// SignalSendError reports that sending a signal to the dispatcher process
// failed (EINVAL, EPERM, or the process already gone).
type SignalSendError struct {
	Op     string
	Signal string
	Err    error
}

func (e *SignalSendError) Error() string {
	return fmt.Sprintf("%s: failed to send %s: %v", e.Op, e.Signal, e.Err)
}

func (e *SignalSendError) Unwrap() error { return e.Err }

// ProtocolMisuseError reports a caller-side sequencing error: graceful_exit
// called while already sending exit, or kill/graceful_exit called after the
// child has already finished.
type ProtocolMisuseError struct {
	Op     string
	Reason string
}

func (e *ProtocolMisuseError) Error() string {
	return fmt.Sprintf("%s: protocol misuse: %s", e.Op, e.Reason)
}

// InvariantViolationError marks a programmer error: installing a poll tick
// when one already exists, or ticking after the child has been reaped.
// These are fatal; the Spawner panics rather than limping on with
// inconsistent state.
type InvariantViolationError struct {
	Op     string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: invariant violation: %s", e.Op, e.Reason)
}

func panicInvariant(op, reason string) {
	panic(&InvariantViolationError{Op: op, Reason: reason})
}
