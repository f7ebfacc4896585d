// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/procnet/governor/internal/logging"
)

// Snapshot is an immutable view of the policy set. In-flight decisions
// hold one snapshot for their whole evaluation and may be one
// generation stale; they are never torn.
type Snapshot struct {
	entries []Entry
	byPID   map[uint32][]int // indexes into entries, order preserved
	gen     uint64
}

// Generation returns the snapshot's monotonically increasing version.
func (s *Snapshot) Generation() uint64 {
	return s.gen
}

// Entries returns the ordered policy entries.
func (s *Snapshot) Entries() []Entry {
	return s.entries
}

// Lookup is the result of matching a process against the snapshot.
type Lookup struct {
	Entry Entry
	Found bool
	// Ambiguous is set when more than one enabled matcher applied; the
	// precedence order (exact PID, then path pattern, then declaration
	// order) chose the winner.
	Ambiguous bool
}

// Get matches a process against the snapshot. Precedence: exact-PID
// matchers first, then path-pattern matchers in declaration order.
func (s *Snapshot) Get(pid uint32, path string) Lookup {
	var (
		winner  *Entry
		matches int
	)

	for _, i := range s.byPID[pid] {
		e := &s.entries[i]
		if !e.Enabled {
			continue
		}
		matches++
		if winner == nil {
			winner = e
		}
	}

	for i := range s.entries {
		e := &s.entries[i]
		if !e.Enabled || e.Matcher.PathPattern == "" {
			continue
		}
		if e.Matcher.MatchesPath(path) {
			matches++
			if winner == nil {
				winner = e
			}
		}
	}

	if winner == nil {
		return Lookup{}
	}
	return Lookup{Entry: *winner, Found: true, Ambiguous: matches > 1}
}

// RejectedEntry reports why one entry of an update was not applied.
type RejectedEntry struct {
	Entry  Entry
	Reason string
}

// ApplyResult summarizes a policy-set update. Rejections do not fail
// the rest of the update; the collaborator renders them.
type ApplyResult struct {
	Applied  int
	Rejected []RejectedEntry
}

// Store holds the current policy set. Writers serialize on a mutex and
// publish a fresh snapshot atomically; the governor's hot path loads
// the pointer and never blocks on a write.
type Store struct {
	logger *logging.Logger

	mu   sync.Mutex // writers only
	gen  uint64
	snap atomic.Pointer[Snapshot]
}

// NewStore creates an empty policy store.
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	st := &Store{logger: logger.WithComponent("policy")}
	st.snap.Store(&Snapshot{byPID: map[uint32][]int{}})
	return st
}

// Snapshot returns the current immutable policy view.
func (st *Store) Snapshot() *Snapshot {
	return st.snap.Load()
}

// Set adds or replaces the entry with the matcher's ID.
func (st *Store) Set(m Matcher, p Policy) error {
	e := Entry{Matcher: m, Policy: p, Enabled: true}
	if err := e.Validate(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	entries := st.cloneEntries()
	replaced := false
	for i := range entries {
		if entries[i].Matcher.ID == m.ID {
			entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, e)
	}
	st.publish(entries)
	return nil
}

// Remove deletes the entry with the given ID. Returns false if absent.
func (st *Store) Remove(id uuid.UUID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries := st.cloneEntries()
	for i := range entries {
		if entries[i].Matcher.ID == id {
			entries = append(entries[:i], entries[i+1:]...)
			st.publish(entries)
			return true
		}
	}
	return false
}

// Replace swaps in a whole new policy set, applying valid entries and
// collecting rejections.
func (st *Store) Replace(entries []Entry) ApplyResult {
	var result ApplyResult
	accepted := make([]Entry, 0, len(entries))

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			st.logger.WithError(err).Warn("Rejecting policy entry", "matcher", e.Matcher.String())
			result.Rejected = append(result.Rejected, RejectedEntry{Entry: e, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, e)
		result.Applied++
	}

	st.mu.Lock()
	st.publish(accepted)
	st.mu.Unlock()
	return result
}

// cloneEntries and publish run with st.mu held.
func (st *Store) cloneEntries() []Entry {
	cur := st.snap.Load().entries
	out := make([]Entry, len(cur))
	copy(out, cur)
	return out
}

func (st *Store) publish(entries []Entry) {
	byPID := make(map[uint32][]int)
	for i, e := range entries {
		if e.Matcher.PID != 0 {
			byPID[e.Matcher.PID] = append(byPID[e.Matcher.PID], i)
		}
	}
	st.gen++
	st.snap.Store(&Snapshot{entries: entries, byPID: byPID, gen: st.gen})
}
