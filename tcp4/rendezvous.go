package tcp4

import (
	"context"
	"sync"
)

// EventKind tags the single kind of Event this core produces.
type EventKind int

const (
	EventConnectionEstablished EventKind = iota
)

// Event is a tagged notification delivered through the rendezvous.
type Event struct {
	Kind EventKind
	ID   SocketId
}

// rendezvous is a single-slot signal: a mutex-protected optional Event plus
// a condition variable. It tolerates exactly one outstanding waiter at a
// time; a second concurrent WaitUntil call can have its wakeup stolen by the
// first. A per-socket waiter channel would fix this but is out of scope for
// a handshake-only engine.
type rendezvous struct {
	mu    sync.Mutex
	cond  *sync.Cond
	event *Event
}

func newRendezvous() *rendezvous {
	r := &rendezvous{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// WaitUntil blocks until target is notified or ctx is done. No lock is ever
// held across this call by its callers; they release the socket-table write
// guard first.
func (r *rendezvous) WaitUntil(ctx context.Context, target Event) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		close(done)
		r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.event != nil && *r.event == target {
			r.event = nil
			return nil
		}
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		r.cond.Wait()
	}
}

// Notify overwrites the slot with event and wakes every waiter.
func (r *rendezvous) Notify(event Event) {
	r.mu.Lock()
	r.event = &event
	r.mu.Unlock()
	r.cond.Broadcast()
}
