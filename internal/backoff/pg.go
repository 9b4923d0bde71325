package backoff

import (
	"log/slog"

	"github.com/krunerge/ceph/internal/metrics"
	"github.com/krunerge/ceph/internal/store"
)

// Range is a half-open key range [Begin, End); Begin == End names a single
// object.
type Range struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// Covers reports whether key falls inside the range.
func (r Range) Covers(key string) bool {
	if r.Begin == r.End {
		return key == r.Begin
	}
	return key >= r.Begin && key < r.End
}

// contains reports whether b lies entirely within [begin, end].
func (b *Backoff) containedIn(begin, end string) bool {
	return begin <= b.Begin && b.End <= end
}

// PG is one placement group: the shard's object store, the degraded-range
// policy, and the mirror map of backoffs handed out to sessions.
//
// PG.mu protects the mirror map and the degraded list. It orders inside
// Backoff.mu and outside Session.mu.
type PG struct {
	ID ShardID

	st  store.Store
	log *slog.Logger

	mu       orderedMutex
	backoffs map[string][]*Backoff // begin key -> backoffs starting there
	degraded []Range
}

// NewPG creates a placement group backed by st.
func NewPG(id ShardID, st store.Store, log *slog.Logger) *PG {
	if log == nil {
		log = slog.Default()
	}
	return &PG{
		ID:       id,
		st:       st,
		log:      log,
		mu:       orderedMutex{rank: rankPG},
		backoffs: make(map[string][]*Backoff),
	}
}

// Store returns the shard's object store.
func (p *PG) Store() store.Store { return p.st }

// BackoffCount returns the number of linked backoffs in the mirror map.
func (p *PG) BackoffCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.backoffs {
		n += len(list)
	}
	return n
}

// removeLocked unlinks b from the mirror map. Idempotent: a session
// teardown may race a targeted release that already took the entry out.
// Caller holds p.mu.
func (p *PG) removeLocked(b *Backoff) {
	list, ok := p.backoffs[b.Begin]
	if !ok {
		return
	}
	for i, x := range list {
		if x == b {
			p.backoffs[b.Begin] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.backoffs[b.Begin]) == 0 {
		delete(p.backoffs, b.Begin)
	}
}

// AddBackoff plugs [begin, end) for one session: it constructs the record,
// links it into the mirror map and the session index (acquiring
// Backoff.mu, PG.mu, Session.mu in hierarchy order), and pushes the block
// notification. The notification goes out under b.mu so a racing release
// cannot reorder unblock before block.
func (p *PG) AddBackoff(s *Session, begin, end string) *Backoff {
	b := newBackoff(p.ID, p, s, s.nextBackoffID(), begin, end)
	b.mu.Lock()
	p.mu.Lock()
	p.backoffs[begin] = append(p.backoffs[begin], b)
	p.mu.Unlock()
	s.AddBackoff(b)
	metrics.BackoffsCreated.Inc()
	if n := s.notifier; n != nil {
		n.SendBlock(b)
	}
	b.mu.Unlock()
	p.log.Debug("backoff added",
		"shard", p.ID, "session", s.ID, "id", b.ID, "begin", begin, "end", end)
	return b
}

// ReleaseBackoffs releases every backoff contained in [begin, end] and
// returns how many it found. Two phases: matching records are collected and
// unlinked from the mirror under p.mu, then each is transitioned under its
// own lock — never the other way around, PG.mu is inside Backoff.mu.
//
// A record whose block the client has not acked yet (state new) keeps its
// session link in state deleting until the removal ack lands; an acked one
// is unlinked from the session immediately.
func (p *PG) ReleaseBackoffs(begin, end string) int {
	return p.release(func(b *Backoff) bool { return b.containedIn(begin, end) })
}

// ClearBackoffs releases everything; used when the shard is recovered
// wholesale or shut down.
func (p *PG) ClearBackoffs() int {
	return p.release(func(*Backoff) bool { return true })
}

func (p *PG) release(match func(*Backoff) bool) int {
	p.mu.Lock()
	var found []*Backoff
	for key, list := range p.backoffs {
		keep := list[:0]
		for _, b := range list {
			if match(b) {
				found = append(found, b)
			} else {
				keep = append(keep, b)
			}
		}
		if len(keep) == 0 {
			delete(p.backoffs, key)
		} else {
			p.backoffs[key] = keep
		}
	}
	p.mu.Unlock()

	for _, b := range found {
		b.mu.Lock()
		if s := b.session; s != nil {
			if n := s.notifier; n != nil {
				n.SendUnblock(b)
			}
			if b.IsNew() {
				// Block not acked yet; leave the session link and let
				// the removal ack finish the unlink.
				b.setStateLocked(StateDeleting)
			} else {
				b.setStateLocked(StateDeleting)
				s.RmBackoff(b)
				b.session = nil
			}
		} else {
			b.setStateLocked(StateDeleting)
		}
		b.pg = nil
		b.mu.Unlock()
		metrics.BackoffsReleased.Inc()
		p.log.Debug("backoff released", "shard", p.ID, "id", b.ID)
	}
	return len(found)
}

// Degrade marks [begin, end) degraded: subsequent ops covered by it get a
// backoff instead of hitting the store.
func (p *PG) Degrade(begin, end string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.degraded {
		if r.Begin == begin && r.End == end {
			return
		}
	}
	p.degraded = append(p.degraded, Range{Begin: begin, End: end})
}

// Recover drops the degraded mark for [begin, end) and releases the
// backoffs it produced. Returns the number released.
func (p *PG) Recover(begin, end string) int {
	p.mu.Lock()
	keep := p.degraded[:0]
	for _, r := range p.degraded {
		if !(r.Begin == begin && r.End == end) {
			keep = append(keep, r)
		}
	}
	p.degraded = keep
	p.mu.Unlock()
	return p.ReleaseBackoffs(begin, end)
}

// RecoverAll clears every degraded range and releases all backoffs.
func (p *PG) RecoverAll() int {
	p.mu.Lock()
	p.degraded = nil
	p.mu.Unlock()
	return p.ClearBackoffs()
}

// DegradedRange returns the degraded range covering key, if any.
func (p *PG) DegradedRange(key string) (Range, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.degraded {
		if r.Covers(key) {
			return r, true
		}
	}
	return Range{}, false
}

// DegradedRanges snapshots the policy list for the stats surface.
func (p *PG) DegradedRanges() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Range, len(p.degraded))
	copy(out, p.degraded)
	return out
}
