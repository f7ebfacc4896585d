// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rate

import (
	"testing"
	"time"

	"github.com/procnet/governor/internal/clock"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/policy"
)

func limitEntry(t *testing.T, down, up int64) policy.Entry {
	t.Helper()
	return policy.Entry{
		Matcher: policy.NewPIDMatcher(100),
		Policy:  policy.Policy{Mode: policy.ModeLimit, DownloadRate: down, UploadRate: up},
		Enabled: true,
	}
}

func TestLimiterPerDirectionBuckets(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	l := NewLimiter(clk)
	e := limitEntry(t, 1000, 2000)

	down := l.Bucket(e, true)
	up := l.Bucket(e, false)
	if down == up {
		t.Fatal("Expected distinct buckets per direction")
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 buckets, got %d", l.Len())
	}

	if got := l.Bucket(e, true); got != down {
		t.Error("Expected the same bucket on repeat lookup")
	}

	down.Allow(1000)
	if up.Tokens() != 2000 {
		t.Error("Expected directions to drain independently")
	}
}

func TestLimiterDefaultsBurstToRate(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	l := NewLimiter(clk)

	b := l.Bucket(limitEntry(t, 4000, 0), true)
	if got := b.Tokens(); got != 4000 {
		t.Errorf("Expected burst to default to one second of rate, got %d", got)
	}
}

func TestLimiterReconfiguresOnPolicyEdit(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	l := NewLimiter(clk)
	e := limitEntry(t, 1000, 0)

	b := l.Bucket(e, true)
	b.Allow(700)

	e.Policy.DownloadRate = 2000
	b2 := l.Bucket(e, true)
	if b2 != b {
		t.Fatal("Expected the edited policy to keep its bucket")
	}
	if got := b2.Tokens(); got != 300 {
		t.Errorf("Expected the balance to survive the edit, got %d", got)
	}
}

func TestLimiterSync(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	l := NewLimiter(clk)

	st := policy.NewStore(logging.New(logging.DefaultConfig()))
	m1 := policy.NewPIDMatcher(100)
	m2 := policy.NewPIDMatcher(200)
	if err := st.Set(m1, policy.Policy{Mode: policy.ModeLimit, DownloadRate: 1000}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := st.Set(m2, policy.Policy{Mode: policy.ModeLimit, DownloadRate: 1000}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	snap := st.Snapshot()
	for _, e := range snap.Entries() {
		l.Bucket(e, true)
	}
	if l.Len() != 2 {
		t.Fatalf("Expected 2 buckets, got %d", l.Len())
	}

	st.Remove(m2.ID)
	l.Sync(st.Snapshot())
	if l.Len() != 1 {
		t.Errorf("Expected the removed policy's bucket to be dropped, got %d", l.Len())
	}

	// Same generation again is a no-op.
	l.Sync(st.Snapshot())
	if l.Len() != 1 {
		t.Errorf("Expected repeat sync to change nothing, got %d", l.Len())
	}
}
