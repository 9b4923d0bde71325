// Package backoff implements the shard backpressure core: the Backoff
// record, the session-side interval index that answers "is this object
// currently plugged for this client", and the PG-side mirror that creates
// and releases backoffs.
//
// A Backoff represents one instance of a key range being plugged at the
// client. It is linked from the owning PG's map and from the owning
// Session's index; either link may go away independently, and the record is
// garbage collected once nothing references it.
//
// Lock order (outermost first): Backoff.mu, PG.mu, Session.mu. See
// lockcheck.go.
package backoff

import (
	"fmt"
	"sync/atomic"
)

// ShardID identifies a placement group ("1.7a" style, but opaque here).
type ShardID string

// Backoff states. Readers may load the state without any lock; transitions
// happen under Backoff.mu so at most one transition races the readers.
type State int32

const (
	StateNew      State = iota + 1 // in flight to the client, not yet acked
	StateAcked                     // client acknowledged the block
	StateDeleting                  // released by the PG, removal not yet acked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAcked:
		return "acked"
	case StateDeleting:
		return "deleting"
	}
	return "???"
}

// Backoff is one plugged key range within one shard. Begin and End are
// immutable after construction; Begin == End means a single object,
// otherwise the half-open range [Begin, End).
type Backoff struct {
	ID      uint64 // unique within the owning session
	ShardID ShardID
	Begin   string
	End     string

	state atomic.Int32

	mu orderedMutex
	// The owning PG and session are either both set, or both nil
	// (teardown), or only session is set (and state == deleting).
	pg      *PG
	session *Session
}

func newBackoff(shard ShardID, pg *PG, s *Session, id uint64, begin, end string) *Backoff {
	b := &Backoff{
		ID:      id,
		ShardID: shard,
		Begin:   begin,
		End:     end,
		mu:      orderedMutex{rank: rankBackoff},
		pg:      pg,
		session: s,
	}
	b.state.Store(int32(StateNew))
	return b
}

func (b *Backoff) State() State     { return State(b.state.Load()) }
func (b *Backoff) IsNew() bool      { return b.State() == StateNew }
func (b *Backoff) IsAcked() bool    { return b.State() == StateAcked }
func (b *Backoff) IsDeleting() bool { return b.State() == StateDeleting }

// StateName returns the lowercase state name for logs and stats.
func (b *Backoff) StateName() string { return b.State().String() }

// setStateLocked transitions the state. Caller must hold b.mu.
func (b *Backoff) setStateLocked(s State) {
	if !b.mu.heldByCurrent() {
		panic("backoff: state transition without backoff lock")
	}
	b.state.Store(int32(s))
}

func (b *Backoff) String() string {
	return fmt.Sprintf("Backoff(%s %d %s [%s,%s))", b.ShardID, b.ID, b.StateName(), b.Begin, b.End)
}
