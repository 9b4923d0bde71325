package backoff

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/krunerge/ceph/internal/metrics"
)

// Notifier delivers backoff control messages to a client connection.
// Implementations must not block: they are invoked with the backoff lock
// held so that block and unblock for the same record are delivered in
// order. A typical implementation posts to a buffered per-connection
// channel and drops or cancels on overflow.
type Notifier interface {
	SendBlock(b *Backoff)
	SendUnblock(b *Backoff)
}

// indexEntry holds every backoff whose range starts at begin. Multiple
// distinct ranges may start at the same key (different ends); the covering
// scan takes the first match and the order within the slice carries no
// other meaning.
type indexEntry struct {
	begin string
	set   []*Backoff
}

func entryLess(a, b *indexEntry) bool { return a.begin < b.begin }

const indexDegree = 8

// Session is the per-client-connection state: identity, map-epoch
// bookkeeping, and the index of backoffs currently plugging this client.
//
// Session.mu protects the index and orders inside Backoff.mu and PG.mu.
// count mirrors the total number of indexed backoffs so the unthrottled hot
// path can skip the lock entirely; it is only a hint and is re-validated
// under the lock.
type Session struct {
	ID   uint64 // connection id
	Addr string // peer address, fixed at construction

	notifier Notifier
	log      *slog.Logger

	lastSentEpoch    atomic.Uint64
	receivedMapEpoch atomic.Uint64 // largest epoch the client reported back

	backoffSeq atomic.Uint64
	count      atomic.Int64

	mu       orderedMutex
	backoffs map[ShardID]*btree.BTreeG[*indexEntry]
}

// NewSession binds a session to a connection identity. notifier may be nil
// (backoffs are then tracked but nothing is pushed), which tests use.
func NewSession(id uint64, addr string, notifier Notifier, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:       id,
		Addr:     addr,
		notifier: notifier,
		log:      log,
		mu:       orderedMutex{rank: rankSession},
		backoffs: make(map[ShardID]*btree.BTreeG[*indexEntry]),
	}
}

// nextBackoffID allocates the next per-session backoff id.
func (s *Session) nextBackoffID() uint64 { return s.backoffSeq.Add(1) }

// BackoffCount returns the lock-free mirror of the index size.
func (s *Session) BackoffCount() int64 { return s.count.Load() }

// NoteSentEpoch records a map epoch pushed to this client.
func (s *Session) NoteSentEpoch(e uint64) { storeMax(&s.lastSentEpoch, e) }

// LastSentEpoch returns the largest epoch pushed to this client.
func (s *Session) LastSentEpoch() uint64 { return s.lastSentEpoch.Load() }

// NoteReceivedEpoch records the largest epoch the client has reported.
func (s *Session) NoteReceivedEpoch(e uint64) { storeMax(&s.receivedMapEpoch, e) }

// ReceivedEpoch returns the largest epoch the client has reported.
func (s *Session) ReceivedEpoch() uint64 { return s.receivedMapEpoch.Load() }

func storeMax(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// assertCountLocked checks the count/emptiness invariant. Caller holds s.mu.
func (s *Session) assertCountLocked() {
	if (s.count.Load() == 0) != (len(s.backoffs) == 0) {
		panic("backoff: session backoff count does not mirror index emptiness")
	}
}

// HaveBackoff returns the backoff covering (shard, key), or nil. The
// zero-count fast path takes no lock; everything else runs under s.mu.
func (s *Session) HaveBackoff(shard ShardID, key string) *Backoff {
	if s.count.Load() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertCountLocked()
	tr := s.backoffs[shard]
	if tr == nil {
		return nil
	}
	var found *Backoff
	// Only the last entry with begin <= key can cover key.
	tr.DescendLessOrEqual(&indexEntry{begin: key}, func(e *indexEntry) bool {
		r := strings.Compare(key, e.begin)
		if r < 0 {
			// Cannot happen given the descend bound; treat as a miss.
			return false
		}
		for _, b := range e.set {
			if r == 0 || key < b.End {
				found = b
				break
			}
		}
		return false
	})
	return found
}

// AddBackoff links b into the index. The session lock is the innermost of
// the hierarchy, so callers may legally hold b.mu and the PG lock here.
func (s *Session) AddBackoff(b *Backoff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertCountLocked()
	tr := s.backoffs[b.ShardID]
	if tr == nil {
		tr = btree.NewG(indexDegree, entryLess)
		s.backoffs[b.ShardID] = tr
	}
	if e, ok := tr.Get(&indexEntry{begin: b.Begin}); ok {
		e.set = append(e.set, b)
	} else {
		tr.ReplaceOrInsert(&indexEntry{begin: b.Begin, set: []*Backoff{b}})
	}
	s.count.Add(1)
	metrics.BackoffsActive.Inc()
	s.assertCountLocked()
}

// RmBackoff unlinks b from the index. Caller must hold b.mu and b must
// still name this session. Idempotent: the entry may already be gone when
// racing ClearBackoffs or a PG-side release.
func (s *Session) RmBackoff(b *Backoff) {
	if !b.mu.heldByCurrent() {
		panic("backoff: RmBackoff called without the backoff lock")
	}
	if b.session != s {
		panic("backoff: RmBackoff called on a foreign session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertCountLocked()
	tr := s.backoffs[b.ShardID]
	if tr == nil {
		return
	}
	e, ok := tr.Get(&indexEntry{begin: b.Begin})
	if !ok {
		return
	}
	for i, x := range e.set {
		if x == b {
			e.set = append(e.set[:i], e.set[i+1:]...)
			s.count.Add(-1)
			metrics.BackoffsActive.Dec()
			break
		}
	}
	if len(e.set) == 0 {
		tr.Delete(e)
		if tr.Len() == 0 {
			delete(s.backoffs, b.ShardID)
		}
	}
	s.assertCountLocked()
}

// ClearBackoffs detaches every still-linked backoff; called when the
// connection goes away. Phase one swaps the whole index out under s.mu and
// zeroes the counter; phase two walks the snapshot with no session lock
// held, so taking each Backoff.mu (and PG.mu for still-linked records)
// never inverts the hierarchy. Safe to call more than once.
func (s *Session) ClearBackoffs() {
	s.mu.Lock()
	old := s.backoffs
	s.backoffs = make(map[ShardID]*btree.BTreeG[*indexEntry])
	n := s.count.Swap(0)
	s.mu.Unlock()
	if n > 0 {
		s.log.Debug("clearing session backoffs", "session", s.ID, "count", n)
		metrics.BackoffsActive.Sub(float64(n))
	}
	for _, tr := range old {
		tr.Ascend(func(e *indexEntry) bool {
			for _, b := range e.set {
				b.mu.Lock()
				b.session = nil
				if pg := b.pg; pg != nil {
					pg.mu.Lock()
					pg.removeLocked(b)
					pg.mu.Unlock()
					b.pg = nil
				}
				b.mu.Unlock()
			}
			return true
		})
	}
}

// AckBackoff applies a client acknowledgment for (shard, id, begin, end).
// A new backoff becomes acked; a deleting one is finally unlinked (the
// removal handshake). Unknown ids or a range that no longer matches are
// legitimate races with teardown and are dropped without effect.
func (s *Session) AckBackoff(shard ShardID, id uint64, begin, end string) {
	// Locate the record under s.mu only; the transition itself needs b.mu,
	// which must never be acquired while the session lock is held.
	s.mu.Lock()
	var b *Backoff
	if tr := s.backoffs[shard]; tr != nil {
		if e, ok := tr.Get(&indexEntry{begin: begin}); ok {
			for _, x := range e.set {
				if x.ID == id && x.End == end {
					b = x
					break
				}
			}
		}
	}
	s.mu.Unlock()
	if b == nil {
		s.log.Debug("dropping ack for unknown backoff",
			"session", s.ID, "shard", shard, "id", id)
		return
	}

	b.mu.Lock()
	switch {
	case b.session != s:
		// Teardown won the race after we dropped s.mu.
	case b.IsNew():
		b.setStateLocked(StateAcked)
		metrics.BackoffsAcked.Inc()
		s.log.Debug("backoff acked", "session", s.ID, "shard", shard, "id", id)
	case b.IsDeleting():
		s.RmBackoff(b)
		b.session = nil
		s.log.Debug("backoff removal acked", "session", s.ID, "shard", shard, "id", id)
	}
	b.mu.Unlock()
}

// CheckBackoff is the admission decision for an inbound op: it returns the
// covering backoff when the op must be held, nil when it may proceed.
func (s *Session) CheckBackoff(shard ShardID, key string) *Backoff {
	b := s.HaveBackoff(shard, key)
	if b != nil {
		metrics.OpsBlocked.Inc()
		s.log.Debug("op held by backoff",
			"session", s.ID, "shard", shard, "key", key, "backoff", b.ID)
	}
	return b
}

// Info is a stats snapshot of one indexed backoff.
type Info struct {
	Shard ShardID `json:"shard"`
	ID    uint64  `json:"id"`
	State string  `json:"state"`
	Begin string  `json:"begin"`
	End   string  `json:"end"`
}

// BackoffInfos snapshots the index for the stats surface.
func (s *Session) BackoffInfos() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Info{}
	for shard, tr := range s.backoffs {
		tr.Ascend(func(e *indexEntry) bool {
			for _, b := range e.set {
				out = append(out, Info{
					Shard: shard,
					ID:    b.ID,
					State: b.StateName(),
					Begin: b.Begin,
					End:   b.End,
				})
			}
			return true
		})
	}
	return out
}
