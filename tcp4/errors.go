package tcp4

import "errors"

// Error kinds returned by the public API and surfaced by the receiver's
// logging. Each is a sentinel wrapped with call-site context via %w so
// errors.Is still matches.
var (
	// ErrIoError wraps a raw send/receive failure.
	ErrIoError = errors.New("tcp4: raw I/O error")

	// ErrNoFreePort is returned when the ephemeral port range is exhausted.
	ErrNoFreePort = errors.New("tcp4: no free ephemeral port")

	// ErrNoSuchSocket is returned by Accept on an unknown listening id.
	ErrNoSuchSocket = errors.New("tcp4: no such socket")

	// ErrQueueEmpty is returned when Accept wakes but no child is queued;
	// it indicates a spurious notification and should not occur if the
	// engine's ordering guarantees hold.
	ErrQueueEmpty = errors.New("tcp4: accept queue empty")

	// ErrLockPoisoned exists for taxonomy parity with a lock that can poison
	// on a panicked critical section. Go's sync.RWMutex cannot poison, so
	// this is unreachable in the current engine; it exists so a future
	// panic-prone hook has somewhere to report through.
	ErrLockPoisoned = errors.New("tcp4: lock poisoned")

	// ErrUnimplemented is returned for a segment that reaches a socket in a
	// state other than Listen, SynSent or SynReceived; it is fatal to the
	// receiver. A segment with unexpected flags in one of those three states
	// does not produce it: the segment is logged and dropped.
	ErrUnimplemented = errors.New("tcp4: unimplemented state transition")
)
