// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolver maps a packet's transport 5-tuple to the owning
// process. It keeps a snapshot of the OS connection table, refreshed on
// a fixed interval and on cache misses behind a debounce. Entries carry
// a last-confirmed timestamp; an entry older than the TTL never
// authorizes traffic, which protects against the OS recycling a PID
// after the original process exited.
package resolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/procnet/governor/internal/clock"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/packet"
)

// Process identifies the owner of a connection.
type Process struct {
	PID  uint32
	Path string
	Name string
}

// Row is one OS connection-table entry as reported by a TableProvider.
// Remote may be the zero Addr/port for listening or unconnected sockets.
type Row struct {
	Protocol   packet.Protocol
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	PID        uint32
	Path       string
}

// TableProvider dumps the live OS connection table. Implementations are
// per-platform; tests use a StaticProvider.
type TableProvider interface {
	Table() ([]Row, error)
}

// Config controls snapshot freshness.
type Config struct {
	// TTL is the maximum age of an entry before it must be re-confirmed
	// against the OS table.
	TTL time.Duration
	// RefreshInterval is the periodic snapshot cadence.
	RefreshInterval time.Duration
	// MissDebounce limits miss-triggered refreshes to one per window.
	MissDebounce time.Duration
}

// DefaultConfig returns the standard resolver configuration.
func DefaultConfig() Config {
	return Config{
		TTL:             10 * time.Second,
		RefreshInterval: 500 * time.Millisecond,
		MissDebounce:    250 * time.Millisecond,
	}
}

type entry struct {
	proc      Process
	confirmed time.Time
}

type localKey struct {
	proto packet.Protocol
	ip    netip.Addr
	port  uint16
}

// Resolver resolves 5-tuples against a periodically refreshed snapshot.
type Resolver struct {
	provider TableProvider
	cfg      Config
	clk      clock.Clock
	logger   *logging.Logger

	// snapshot state; exact connections first, then bound-socket and
	// wildcard-bind fallbacks for UDP and not-yet-accepted flows.
	mu       sync.RWMutex
	exact    map[packet.FiveTuple]*entry
	local    map[localKey]*entry
	wildcard map[localKey]*entry // ip is the zero Addr ("any" bind)

	refreshMu   sync.Mutex // at most one refresh in flight
	lastMiss    time.Time
	lastRefresh time.Time

	stopCh  chan struct{}
	stopped sync.Once

	// Misses counts resolutions that stayed unknown after a refresh.
	misses uint64
}

// New creates a resolver over the given provider.
func New(provider TableProvider, cfg Config, clk clock.Clock, logger *logging.Logger) *Resolver {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if cfg.MissDebounce <= 0 {
		cfg.MissDebounce = DefaultConfig().MissDebounce
	}
	return &Resolver{
		provider: provider,
		cfg:      cfg,
		clk:      clk,
		logger:   logger.WithComponent("resolver"),
		exact:    make(map[packet.FiveTuple]*entry),
		local:    make(map[localKey]*entry),
		wildcard: make(map[localKey]*entry),
		stopCh:   make(chan struct{}),
	}
}

// Start primes the snapshot and begins the periodic refresh loop.
func (r *Resolver) Start() error {
	if err := r.Refresh(); err != nil {
		// Not fatal: the first miss will retry, and the loop keeps going.
		r.logger.WithError(err).Warn("Initial connection table refresh failed")
	}
	go r.refreshLoop()
	return nil
}

// Stop terminates the refresh loop.
func (r *Resolver) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
}

func (r *Resolver) refreshLoop() {
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// A miss-triggered refresh may have just rebuilt the
			// snapshot; skip the tick rather than scan the table twice.
			if r.refreshedWithin(r.cfg.RefreshInterval / 2) {
				continue
			}
			if err := r.Refresh(); err != nil {
				r.logger.WithError(err).Warn("Connection table refresh failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// refreshedWithin reports whether a snapshot was rebuilt in the last d.
func (r *Resolver) refreshedWithin(d time.Duration) bool {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return !r.lastRefresh.IsZero() && r.clk.Now().Sub(r.lastRefresh) < d
}

// Refresh rebuilds the snapshot from the OS table. Concurrent callers
// serialize; readers always see either the old or the new table, never
// a partial one.
func (r *Resolver) Refresh() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	rows, err := r.provider.Table()
	if err != nil {
		return err
	}
	now := r.clk.Now()

	exact := make(map[packet.FiveTuple]*entry, len(rows))
	local := make(map[localKey]*entry, len(rows))
	wildcard := make(map[localKey]*entry)

	for _, row := range rows {
		e := &entry{
			proc: Process{
				PID:  row.PID,
				Path: row.Path,
				Name: baseName(row.Path),
			},
			confirmed: now,
		}

		lk := localKey{proto: row.Protocol, ip: row.LocalIP, port: row.LocalPort}
		if row.LocalIP.IsUnspecified() || !row.LocalIP.IsValid() {
			wildcard[localKey{proto: row.Protocol, port: row.LocalPort}] = e
		} else {
			local[lk] = e
		}

		if row.RemoteIP.IsValid() && !row.RemoteIP.IsUnspecified() && row.RemotePort != 0 {
			exact[packet.FiveTuple{
				Protocol: row.Protocol,
				SrcIP:    row.LocalIP,
				SrcPort:  row.LocalPort,
				DstIP:    row.RemoteIP,
				DstPort:  row.RemotePort,
			}] = e
		}
	}

	r.mu.Lock()
	r.exact = exact
	r.local = local
	r.wildcard = wildcard
	r.mu.Unlock()
	r.lastRefresh = now
	return nil
}

// Resolve maps a captured packet's tuple to its owning process. The
// tuple is interpreted relative to the host: for outbound packets the
// source is the local endpoint, for inbound the destination. A miss
// triggers at most one debounced refresh before giving up; false means
// the caller must apply the configured fallback policy.
func (r *Resolver) Resolve(t packet.FiveTuple, dir packet.Direction) (Process, bool) {
	lt := t
	if dir == packet.Inbound {
		lt = t.Reversed()
	}

	if proc, ok := r.lookup(lt); ok {
		return proc, true
	}

	if r.shouldRefreshOnMiss() {
		if err := r.Refresh(); err != nil {
			r.logger.WithError(err).Warn("Miss-triggered refresh failed")
		}
		if proc, ok := r.lookup(lt); ok {
			return proc, true
		}
	}

	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
	return Process{}, false
}

func (r *Resolver) lookup(lt packet.FiveTuple) (Process, bool) {
	now := r.clk.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.exact[lt]; ok && r.fresh(e, now) {
		return e.proc, true
	}
	if e, ok := r.local[localKey{proto: lt.Protocol, ip: lt.SrcIP, port: lt.SrcPort}]; ok && r.fresh(e, now) {
		return e.proc, true
	}
	if e, ok := r.wildcard[localKey{proto: lt.Protocol, port: lt.SrcPort}]; ok && r.fresh(e, now) {
		return e.proc, true
	}
	return Process{}, false
}

// fresh enforces the TTL: a stale entry never authorizes traffic, even
// if it is the only candidate.
func (r *Resolver) fresh(e *entry, now time.Time) bool {
	return now.Sub(e.confirmed) <= r.cfg.TTL
}

func (r *Resolver) shouldRefreshOnMiss() bool {
	now := r.clk.Now()
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if now.Sub(r.lastMiss) < r.cfg.MissDebounce {
		return false
	}
	r.lastMiss = now
	return true
}

// NotifyProcessExit drops every entry owned by the given PID so a
// recycled PID cannot inherit its predecessor's attribution.
func (r *Resolver) NotifyProcessExit(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.exact {
		if e.proc.PID == pid {
			delete(r.exact, k)
		}
	}
	for k, e := range r.local {
		if e.proc.PID == pid {
			delete(r.local, k)
		}
	}
	for k, e := range r.wildcard {
		if e.proc.PID == pid {
			delete(r.wildcard, k)
		}
	}
}

// Misses returns the count of resolutions that remained unknown.
func (r *Resolver) Misses() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.misses
}

// baseName handles both separator styles; Windows paths must split
// correctly even when the governor's tests run elsewhere.
func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
