package backoff

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// The three locks in this package form a strict hierarchy:
//
//	Backoff.mu
//	  PG.mu
//	    Session.mu
//
// A goroutine holding a lock may only acquire locks strictly further down
// the list. orderedMutex enforces that at runtime when checking is enabled
// (tests always enable it; the daemon does with -lock-check). With checking
// off, Lock/Unlock cost one extra atomic load each.

type lockRank int32

const (
	rankBackoff lockRank = iota + 1
	rankPG
	rankSession
)

func (r lockRank) String() string {
	switch r {
	case rankBackoff:
		return "backoff"
	case rankPG:
		return "pg"
	case rankSession:
		return "session"
	}
	return "unknown"
}

var lockCheck atomic.Bool

// SetLockCheck toggles lock-order verification process-wide.
func SetLockCheck(on bool) { lockCheck.Store(on) }

var (
	heldMu sync.Mutex
	held   = make(map[int64][]lockRank)
)

// goid parses the current goroutine id out of the stack header. Only used
// on checked paths; never in production lock/unlock.
func goid() int64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [...":
	f := bytes.Fields(buf[:n])
	if len(f) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(string(f[1]), 10, 64)
	return id
}

type orderedMutex struct {
	rank  lockRank
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id while held, checked builds only
}

func (m *orderedMutex) Lock() {
	if lockCheck.Load() {
		g := goid()
		heldMu.Lock()
		for _, r := range held[g] {
			if r >= m.rank {
				heldMu.Unlock()
				panic(fmt.Sprintf("lock order violation: acquiring %s lock while holding %s lock", m.rank, r))
			}
		}
		held[g] = append(held[g], m.rank)
		heldMu.Unlock()
		m.mu.Lock()
		m.owner.Store(g)
		return
	}
	m.mu.Lock()
}

func (m *orderedMutex) Unlock() {
	if lockCheck.Load() {
		g := goid()
		m.owner.Store(0)
		heldMu.Lock()
		rs := held[g]
		for i := len(rs) - 1; i >= 0; i-- {
			if rs[i] == m.rank {
				held[g] = append(rs[:i], rs[i+1:]...)
				break
			}
		}
		if len(held[g]) == 0 {
			delete(held, g)
		}
		heldMu.Unlock()
	}
	m.mu.Unlock()
}

// heldByCurrent reports whether the calling goroutine holds m. Best effort:
// always true when checking is disabled, so callers can assert on it.
func (m *orderedMutex) heldByCurrent() bool {
	if !lockCheck.Load() {
		return true
	}
	return m.owner.Load() == goid()
}
