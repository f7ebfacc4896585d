// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rate

import (
	"sync"

	"github.com/google/uuid"

	"github.com/procnet/governor/internal/clock"
	"github.com/procnet/governor/internal/policy"
)

type bucketKey struct {
	id      uuid.UUID
	inbound bool
}

// Limiter owns the token buckets for every limit policy, one per
// direction, created lazily on first traffic and discarded when the
// policy disappears from the set.
type Limiter struct {
	clk clock.Clock

	mu      sync.Mutex
	buckets map[bucketKey]*Bucket
	gen     uint64
}

// NewLimiter creates an empty limiter.
func NewLimiter(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Limiter{clk: clk, buckets: make(map[bucketKey]*Bucket)}
}

// Bucket returns the bucket for the entry's given direction, creating
// it on first use. Changed rate parameters reconfigure the existing
// bucket so accumulated debt survives a policy edit.
func (l *Limiter) Bucket(e policy.Entry, inbound bool) *Bucket {
	rate, burst := e.Policy.UploadRate, e.Policy.UploadBurst
	if inbound {
		rate, burst = e.Policy.DownloadRate, e.Policy.DownloadBurst
	}
	if burst == 0 {
		burst = rate
	}

	key := bucketKey{id: e.Matcher.ID, inbound: inbound}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = NewBucket(l.clk, rate, burst)
		l.buckets[key] = b
		return b
	}
	b.mu.Lock()
	stale := b.rate != rate || b.burst != burst
	b.mu.Unlock()
	if stale {
		b.Reconfigure(rate, burst)
	}
	return b
}

// Sync drops buckets for policies no longer present in the snapshot.
// Repeated calls for the same generation are no-ops.
func (l *Limiter) Sync(snap *policy.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if snap.Generation() == l.gen {
		return
	}
	l.gen = snap.Generation()

	live := make(map[uuid.UUID]struct{})
	for _, e := range snap.Entries() {
		live[e.Matcher.ID] = struct{}{}
	}
	for key := range l.buckets {
		if _, ok := live[key.id]; !ok {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
