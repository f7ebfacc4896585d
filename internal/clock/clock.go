// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts time so rate-limiting and TTL logic can be
// tested deterministically. The real clock is monotonic: Elapsed never
// goes backward even if the wall clock is adjusted.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock is the real clock. time.Now carries a monotonic reading,
// so Since and Sub on values it returned are immune to wall adjustments.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

var system Clock = SystemClock{}

// Now returns the current time from the package default clock.
func Now() time.Time {
	return system.Now()
}

// Since returns the elapsed time from the package default clock.
func Since(t time.Time) time.Duration {
	return system.Since(t)
}
