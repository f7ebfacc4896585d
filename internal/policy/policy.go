// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy holds the process-to-policy mapping the governor
// consults on its hot path. Policies are owned and mutated by the
// surrounding application; the governor only reads immutable snapshots.
package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Mode is what the governor does with a matched process's traffic.
type Mode int

const (
	// ModeAllow forwards traffic untouched and skips the rate limiter.
	ModeAllow Mode = iota
	// ModeBlock suppresses all traffic for the process.
	ModeBlock
	// ModeLimit enforces a token-bucket throughput cap.
	ModeLimit
)

func (m Mode) String() string {
	switch m {
	case ModeAllow:
		return "allow"
	case ModeBlock:
		return "block"
	case ModeLimit:
		return "limit"
	default:
		return fmt.Sprintf("mode-%d", int(m))
	}
}

// Policy is the action applied to a matched process.
type Policy struct {
	Mode Mode

	// Limit parameters, independent per direction. Rates are bytes per
	// second, bursts are bytes. A zero rate leaves that direction
	// unlimited.
	DownloadRate  int64
	DownloadBurst int64
	UploadRate    int64
	UploadBurst   int64
}

// Limited reports whether the policy caps the given direction.
func (p Policy) Limited(inbound bool) bool {
	if p.Mode != ModeLimit {
		return false
	}
	if inbound {
		return p.DownloadRate > 0
	}
	return p.UploadRate > 0
}

// Matcher selects processes by exact PID or by executable-path glob.
type Matcher struct {
	// ID identifies the entry across snapshot generations; token
	// buckets are keyed by it.
	ID uuid.UUID
	// PID matches exactly when nonzero.
	PID uint32
	// PathPattern is a glob over the executable path (case-insensitive).
	PathPattern string

	compiled glob.Glob
}

// NewPIDMatcher matches a single process id.
func NewPIDMatcher(pid uint32) Matcher {
	return Matcher{ID: uuid.New(), PID: pid}
}

// NewPathMatcher matches executable paths against a glob pattern, e.g.
// "*\\browser.exe" or "/usr/bin/curl".
func NewPathMatcher(pattern string) (Matcher, error) {
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return Matcher{}, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
	}
	return Matcher{ID: uuid.New(), PathPattern: pattern, compiled: g}, nil
}

// MatchesPID reports an exact PID match.
func (m Matcher) MatchesPID(pid uint32) bool {
	return m.PID != 0 && m.PID == pid
}

// MatchesPath reports a path-pattern match. The bare executable name is
// also tried so "browser.exe" matches a full path.
func (m Matcher) MatchesPath(path string) bool {
	if m.compiled == nil || path == "" {
		return false
	}
	lower := strings.ToLower(path)
	if m.compiled.Match(lower) {
		return true
	}
	if i := strings.LastIndexAny(lower, `/\`); i >= 0 {
		return m.compiled.Match(lower[i+1:])
	}
	return false
}

func (m Matcher) String() string {
	if m.PID != 0 {
		return fmt.Sprintf("pid:%d", m.PID)
	}
	return "path:" + m.PathPattern
}

// Entry is one ordered element of a policy set.
type Entry struct {
	Matcher Matcher
	Policy  Policy
	// Enabled entries participate in matching; disabled entries are
	// kept but skipped, so a rule can be toggled without losing it.
	Enabled bool
}

// systemProcesses are never throttled or blocked; severing them breaks
// the host.
var systemProcesses = map[string]struct{}{
	"svchost.exe":  {},
	"system":       {},
	"registry":     {},
	"dwm.exe":      {},
	"winlogon.exe": {},
	"csrss.exe":    {},
	"lsass.exe":    {},
	"services.exe": {},
	"spoolsv.exe":  {},
	"wininit.exe":  {},
	"smss.exe":     {},
}

// IsSystemProcess reports whether name (an executable base name) is a
// protected OS process.
func IsSystemProcess(name string) bool {
	_, ok := systemProcesses[strings.ToLower(name)]
	return ok
}

// Validate rejects entries that are malformed or target protected
// system processes with anything but Allow.
func (e Entry) Validate() error {
	if e.Matcher.PID == 0 && e.Matcher.PathPattern == "" {
		return fmt.Errorf("matcher needs a pid or a path pattern")
	}
	if e.Matcher.PID != 0 && e.Matcher.PathPattern != "" {
		return fmt.Errorf("matcher %s: pid and path pattern are mutually exclusive", e.Matcher)
	}
	if e.Policy.Mode == ModeLimit {
		if e.Policy.DownloadRate <= 0 && e.Policy.UploadRate <= 0 {
			return fmt.Errorf("matcher %s: limit policy needs a rate for at least one direction", e.Matcher)
		}
		if e.Policy.DownloadRate < 0 || e.Policy.UploadRate < 0 ||
			e.Policy.DownloadBurst < 0 || e.Policy.UploadBurst < 0 {
			return fmt.Errorf("matcher %s: negative rate or burst", e.Matcher)
		}
	}
	if e.Policy.Mode != ModeAllow && IsSystemProcess(pathBase(e.Matcher.PathPattern)) {
		return fmt.Errorf("matcher %s: refusing to %s a protected system process", e.Matcher, e.Policy.Mode)
	}
	return nil
}

func pathBase(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
