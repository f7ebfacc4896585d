// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rate implements the token buckets behind limit policies.
// All arithmetic is integer; token counts are bytes.
package rate

import (
	"sync"
	"time"

	"github.com/procnet/governor/internal/clock"
)

// Bucket is a token bucket refilled at a fixed byte rate. Tokens are
// capped at the burst size; a Reserve may drive the balance negative
// until the debt refills.
type Bucket struct {
	clk clock.Clock

	mu     sync.Mutex
	rate   int64 // bytes per second
	burst  int64 // bytes
	tokens int64
	last   time.Time
}

// NewBucket creates a full bucket. rate and burst must be positive.
func NewBucket(clk clock.Clock, rate, burst int64) *Bucket {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Bucket{
		clk:    clk,
		rate:   rate,
		burst:  burst,
		tokens: burst,
		last:   clk.Now(),
	}
}

// Allow consumes n tokens if available. Packets larger than the burst
// can never pass.
func (b *Bucket) Allow(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clk.Now())
	if n > b.tokens {
		return false
	}
	b.tokens -= n
	return true
}

// Reserve consumes n tokens, reporting how long the caller must hold
// the packet before the debt is repaid. When the projected wait
// exceeds maxWait nothing is consumed and ok is false. A zero wait
// means the packet may pass immediately.
func (b *Bucket) Reserve(n int64, maxWait time.Duration) (wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.burst {
		return 0, false
	}

	b.refill(b.clk.Now())
	if n <= b.tokens {
		b.tokens -= n
		return 0, true
	}

	missing := n - b.tokens
	wait = time.Duration(missing*int64(time.Second)/b.rate + 1)
	if wait > maxWait {
		return 0, false
	}
	b.tokens -= n
	return wait, true
}

// Reconfigure changes the rate and burst in place, clamping the
// current balance to the new burst.
func (b *Bucket) Reconfigure(rate, burst int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clk.Now())
	b.rate = rate
	b.burst = burst
	if b.tokens > burst {
		b.tokens = burst
	}
}

// Tokens returns the current balance after refill.
func (b *Bucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clk.Now())
	return b.tokens
}

// refill runs with b.mu held. A clock that steps backward contributes
// zero tokens rather than a negative balance.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		b.last = now
		return
	}

	// Long idle periods fill the bucket outright; this also keeps the
	// multiplication below from overflowing.
	if elapsed > time.Duration(b.burst/b.rate+1)*time.Second {
		b.tokens = b.burst
		b.last = now
		return
	}

	add := elapsed.Nanoseconds() * b.rate / int64(time.Second)
	if add == 0 {
		// Sub-token interval; leave last alone so fractions accumulate.
		return
	}
	b.tokens += add
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = b.last.Add(time.Duration(add * int64(time.Second) / b.rate))
}
