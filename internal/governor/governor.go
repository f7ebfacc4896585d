// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package governor runs the capture, classify, decide, act loop. It
// pulls packets from a capture source, attributes each to an owning
// process, applies that process's policy, and reinjects or drops the
// packet. Packets of one connection are always decided in arrival
// order; connections shard across worker lanes by 5-tuple hash.
package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procnet/governor/internal/capture"
	"github.com/procnet/governor/internal/clock"
	"github.com/procnet/governor/internal/errors"
	"github.com/procnet/governor/internal/logging"
	"github.com/procnet/governor/internal/packet"
	"github.com/procnet/governor/internal/policy"
	"github.com/procnet/governor/internal/rate"
	"github.com/procnet/governor/internal/resolver"
	"github.com/procnet/governor/internal/telemetry"
)

// State is the governor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ExhaustionMode is what happens to a packet when its limit bucket has
// too few tokens.
type ExhaustionMode int

const (
	// ExhaustDrop discards the packet immediately.
	ExhaustDrop ExhaustionMode = iota
	// ExhaustHold delays the packet until tokens refill, up to the
	// configured maximum latency, then drops it.
	ExhaustHold
)

// Config controls the packet loop.
type Config struct {
	// Filter is passed to the capture backend at start.
	Filter string
	// Lanes is the worker count. Connections hash to a lane; one lane
	// serializes all packets of a connection.
	Lanes int
	// Fallback applies to packets whose owning process cannot be
	// attributed. Only ModeAllow and ModeBlock are valid; there is no
	// implicit default.
	Fallback policy.Mode
	// Exhaustion selects drop or hold behavior for limit policies.
	Exhaustion ExhaustionMode
	// MaxHoldLatency bounds how long a held packet may wait.
	MaxHoldLatency time.Duration
	// ReinjectRetries is the retry budget for a failed reinjection
	// before the packet is dropped and counted.
	ReinjectRetries int
	// ShutdownTimeout bounds Stop. Exceeding it is a fatal shutdown
	// fault.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the standard governor configuration.
func DefaultConfig() Config {
	return Config{
		Lanes:           4,
		Fallback:        policy.ModeBlock,
		Exhaustion:      ExhaustDrop,
		MaxHoldLatency:  200 * time.Millisecond,
		ReinjectRetries: 3,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if c.Lanes <= 0 {
		return errors.New(errors.KindValidation, "lane count must be positive")
	}
	if c.Fallback != policy.ModeAllow && c.Fallback != policy.ModeBlock {
		return errors.Errorf(errors.KindValidation, "fallback must be allow or block, not %s", c.Fallback)
	}
	if c.Exhaustion == ExhaustHold && c.MaxHoldLatency <= 0 {
		return errors.New(errors.KindValidation, "hold mode needs a positive max hold latency")
	}
	if c.ReinjectRetries < 0 {
		return errors.New(errors.KindValidation, "reinject retries must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New(errors.KindValidation, "shutdown timeout must be positive")
	}
	return nil
}

// Governor owns the packet loop. Construct with New, drive with Start,
// UpdatePolicies, and Stop; these are the only mutation points.
type Governor struct {
	cfg     Config
	logger  *logging.Logger
	clk     clock.Clock
	source  capture.Source
	res     *resolver.Resolver
	store   *policy.Store
	limiter *rate.Limiter
	bus     *telemetry.Bus
	metrics *telemetry.Metrics

	state    atomic.Int32
	draining atomic.Bool

	mu       sync.Mutex // guards lifecycle transitions and fatalErr
	fatalErr error

	lanes    []chan *packet.Packet
	wg       sync.WaitGroup // pump + workers
	busWg    sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	// sleep is swapped out by tests so held packets need no real time.
	sleep func(ctx context.Context, d time.Duration)
}

// Deps are the governor's collaborators. Source is required; the rest
// default when nil.
type Deps struct {
	Source   capture.Source
	Resolver *resolver.Resolver
	Store    *policy.Store
	Limiter  *rate.Limiter
	Bus      *telemetry.Bus
	Metrics  *telemetry.Metrics
	Clock    clock.Clock
	Logger   *logging.Logger
}

// New creates a governor in the Idle state.
func New(cfg Config, deps Deps) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, errors.New(errors.KindValidation, "a capture source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	store := deps.Store
	if store == nil {
		store = policy.NewStore(logger)
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(clk)
	}
	bus := deps.Bus
	if bus == nil {
		bus = telemetry.NewBus(logger, clk, deps.Metrics, time.Second, 4)
	}

	g := &Governor{
		cfg:     cfg,
		logger:  logger.WithComponent("governor"),
		clk:     clk,
		source:  deps.Source,
		res:     deps.Resolver,
		store:   store,
		limiter: limiter,
		bus:     bus,
		metrics: deps.Metrics,
		done:    make(chan struct{}),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
	g.state.Store(int32(StateIdle))
	return g, nil
}

// State returns the current lifecycle state.
func (g *Governor) State() State {
	return State(g.state.Load())
}

// Err returns the fault that moved the governor to Error, if any.
func (g *Governor) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatalErr
}

// Done is closed when the governor reaches a terminal state.
func (g *Governor) Done() <-chan struct{} {
	return g.done
}

func (g *Governor) closeDone() {
	g.doneOnce.Do(func() { close(g.done) })
}

// Store exposes the policy store for the surrounding application.
func (g *Governor) Store() *policy.Store {
	return g.store
}

// Start applies the initial policy set and begins capturing. A capture
// capability that cannot be acquired is a fatal startup condition.
func (g *Governor) Start(initial []policy.Entry) (policy.ApplyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if State(g.state.Load()) != StateIdle {
		return policy.ApplyResult{}, errors.Errorf(errors.KindInternal, "cannot start from state %s", g.State())
	}

	result := g.store.Replace(initial)

	stream, err := g.source.Start(g.cfg.Filter)
	if err != nil {
		err = errors.Wrap(err, errors.KindCapture, "failed to acquire capture capability")
		g.fatalErr = err
		g.state.Store(int32(StateError))
		g.closeDone()
		return result, err
	}

	if g.res != nil {
		if err := g.res.Start(); err != nil {
			g.logger.WithError(err).Warn("Initial connection table refresh failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.busWg.Add(1)
	go func() {
		defer g.busWg.Done()
		g.bus.Run(ctx)
	}()

	g.lanes = make([]chan *packet.Packet, g.cfg.Lanes)
	for i := range g.lanes {
		g.lanes[i] = make(chan *packet.Packet, 256)
		g.wg.Add(1)
		go g.worker(ctx, g.lanes[i])
	}

	g.wg.Add(1)
	go g.pump(stream)

	g.state.Store(int32(StateCapturing))
	g.logger.Info("Governor capturing",
		"lanes", g.cfg.Lanes,
		"fallback", g.cfg.Fallback.String(),
		"policies", result.Applied)
	return result, nil
}

// UpdatePolicies swaps in a new policy set. It takes effect on the
// next packet evaluated; the capture loop is untouched.
func (g *Governor) UpdatePolicies(entries []policy.Entry) policy.ApplyResult {
	result := g.store.Replace(entries)
	g.limiter.Sync(g.store.Snapshot())
	return result
}

// NotifyProcessExit evicts the process from the attribution cache so a
// recycled PID cannot inherit its predecessor's mapping. Policies that
// matched the PID stay until the collaborator removes them.
func (g *Governor) NotifyProcessExit(pid uint32) {
	if g.res != nil {
		g.res.NotifyProcessExit(pid)
	}
}

// Stop requests shutdown. In-flight packets are reinjected where
// feasible. Stop must complete within the configured timeout or the
// governor transitions to Error with a shutdown fault.
func (g *Governor) Stop() error {
	g.mu.Lock()
	st := State(g.state.Load())
	if st == StateStopped || st == StateError {
		g.mu.Unlock()
		return nil
	}
	if st == StateIdle {
		g.state.Store(int32(StateStopped))
		g.closeDone()
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	g.draining.Store(true)
	if err := g.source.StopIntake(); err != nil {
		g.logger.WithError(err).Warn("Capture intake stop failed")
	}

	// Drain with the verdict path still open so in-flight packets are
	// reinjected rather than stranded without a verdict.
	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()

	var fault error
	select {
	case <-drained:
	case <-time.After(g.cfg.ShutdownTimeout):
		fault = errors.Errorf(errors.KindTimeout, "shutdown did not drain within %s", g.cfg.ShutdownTimeout)
	}

	if err := g.source.Stop(); err != nil {
		g.logger.WithError(err).Warn("Capture source stop failed")
	}
	if g.res != nil {
		g.res.Stop()
	}
	g.cancel()
	g.busWg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	if fault != nil {
		g.logger.WithError(fault).Error("Shutdown fault")
		g.fatalErr = fault
		g.state.Store(int32(StateError))
		g.closeDone()
		return fault
	}
	if State(g.state.Load()) == StateError {
		// A capture fault raced the stop request and won.
		return g.fatalErr
	}
	g.state.Store(int32(StateStopped))
	g.closeDone()
	g.logger.Info("Governor stopped")
	return nil
}

// pump moves packets from the capture stream onto worker lanes. The
// stream closing with a backend fault is the trigger for Error.
func (g *Governor) pump(stream <-chan *packet.Packet) {
	defer g.wg.Done()

	for pkt := range stream {
		lane := pkt.Tuple.Hash() % uint32(len(g.lanes))
		g.lanes[lane] <- pkt
	}
	for _, lane := range g.lanes {
		close(lane)
	}

	if err := g.source.Err(); err != nil {
		g.fault(err)
	}
}

// fault performs the orderly teardown out of Capturing on a fatal
// capture fault. Workers drain their lanes (already closed by pump),
// the bus flushes, and the error surfaces through Err and Done.
func (g *Governor) fault(err error) {
	g.mu.Lock()
	if State(g.state.Load()) != StateCapturing {
		g.mu.Unlock()
		return
	}
	g.fatalErr = errors.Wrap(err, errors.KindCapture, "capture fault")
	g.state.Store(int32(StateError))
	g.mu.Unlock()

	g.logger.WithError(err).Error("Fatal capture fault, tearing down")
	g.draining.Store(true)

	go func() {
		// Workers exit as their lanes drain; pump already returned.
		g.wg.Wait()
		if stopErr := g.source.Stop(); stopErr != nil {
			g.logger.WithError(stopErr).Debug("Source stop after fault")
		}
		if g.res != nil {
			g.res.Stop()
		}
		g.cancel()
		g.busWg.Wait()
		g.closeDone()
	}()
}

func (g *Governor) worker(ctx context.Context, lane <-chan *packet.Packet) {
	defer g.wg.Done()
	for pkt := range lane {
		g.process(ctx, pkt)
	}
}

// process is the per-packet Classify -> Decide -> Act cycle.
func (g *Governor) process(ctx context.Context, pkt *packet.Packet) {
	snap := g.store.Snapshot()
	g.limiter.Sync(snap)

	proc, resolved := g.resolve(pkt)
	if !resolved {
		g.countMiss()
		if g.cfg.Fallback == policy.ModeBlock {
			g.block(pkt, 0, "")
			return
		}
		g.allow(pkt, 0, "", policy.ModeAllow)
		return
	}

	lk := snap.Get(proc.PID, proc.Path)
	if lk.Ambiguous {
		if g.metrics != nil {
			g.metrics.PolicyAmbiguities.Inc()
		}
		g.logger.Warn("Multiple policy matchers apply, precedence chose",
			"pid", proc.PID, "path", proc.Path, "matcher", lk.Entry.Matcher.String())
	}
	if !lk.Found {
		// Unmanaged traffic passes untouched.
		g.allow(pkt, proc.PID, proc.Name, policy.ModeAllow)
		return
	}

	switch lk.Entry.Policy.Mode {
	case policy.ModeAllow:
		g.allow(pkt, proc.PID, proc.Name, policy.ModeAllow)
	case policy.ModeBlock:
		g.block(pkt, proc.PID, proc.Name)
	case policy.ModeLimit:
		g.limit(ctx, pkt, proc, lk.Entry)
	}
}

func (g *Governor) resolve(pkt *packet.Packet) (resolver.Process, bool) {
	if g.res == nil {
		if pkt.PIDHint != 0 {
			return resolver.Process{PID: pkt.PIDHint}, true
		}
		return resolver.Process{}, false
	}
	if proc, ok := g.res.Resolve(pkt.Tuple, pkt.Direction); ok {
		return proc, true
	}
	if pkt.PIDHint != 0 {
		return resolver.Process{PID: pkt.PIDHint}, true
	}
	return resolver.Process{}, false
}

func (g *Governor) limit(ctx context.Context, pkt *packet.Packet, proc resolver.Process, e policy.Entry) {
	inbound := pkt.Direction == packet.Inbound
	if !e.Policy.Limited(inbound) {
		g.allow(pkt, proc.PID, proc.Name, policy.ModeLimit)
		return
	}

	bucket := g.limiter.Bucket(e, inbound)
	size := int64(pkt.Size())

	if g.cfg.Exhaustion == ExhaustDrop || g.draining.Load() {
		if bucket.Allow(size) {
			g.allow(pkt, proc.PID, proc.Name, policy.ModeLimit)
		} else {
			g.exhaust(pkt, proc)
		}
		return
	}

	wait, ok := bucket.Reserve(size, g.cfg.MaxHoldLatency)
	if !ok {
		g.exhaust(pkt, proc)
		return
	}
	if wait > 0 {
		if g.metrics != nil {
			g.metrics.PacketsDelayed.Inc()
		}
		g.sleep(ctx, wait)
	}
	g.allow(pkt, proc.PID, proc.Name, policy.ModeLimit)
}

// allow reinjects with a bounded retry budget; a packet that cannot be
// reinjected is dropped and counted, never silently lost.
func (g *Governor) allow(pkt *packet.Packet, pid uint32, name string, mode policy.Mode) {
	var err error
	for attempt := 0; attempt <= g.cfg.ReinjectRetries; attempt++ {
		if err = g.source.Reinject(pkt); err == nil {
			if g.metrics != nil {
				g.metrics.PacketsAllowed.Inc()
				g.metrics.BytesAllowed.Add(float64(pkt.Size()))
			}
			g.bus.Record(pid, name, mode, pkt.Size(), true)
			return
		}
		if g.metrics != nil {
			g.metrics.ReinjectionFailures.Inc()
		}
		if errors.Is(err, capture.ErrStopped) {
			break
		}
	}

	g.logger.WithError(err).Warn("Reinjection retries exhausted, dropping",
		"tuple", pkt.Tuple.String(), "pid", pid)
	if dropErr := g.source.Drop(pkt); dropErr != nil && !errors.Is(dropErr, capture.ErrStopped) {
		g.logger.WithError(dropErr).Debug("Drop after failed reinjection")
	}
	if g.metrics != nil {
		g.metrics.PacketsDropped.Inc()
		g.metrics.BytesBlocked.Add(float64(pkt.Size()))
	}
	g.bus.Record(pid, name, mode, pkt.Size(), false)
}

func (g *Governor) block(pkt *packet.Packet, pid uint32, name string) {
	if err := g.source.Drop(pkt); err != nil && !errors.Is(err, capture.ErrStopped) {
		g.logger.WithError(err).Debug("Drop failed", "tuple", pkt.Tuple.String())
	}
	if g.metrics != nil {
		g.metrics.PacketsBlocked.Inc()
		g.metrics.BytesBlocked.Add(float64(pkt.Size()))
	}
	g.bus.Record(pid, name, policy.ModeBlock, pkt.Size(), false)
}

// exhaust drops a packet whose limit bucket ran dry.
func (g *Governor) exhaust(pkt *packet.Packet, proc resolver.Process) {
	if err := g.source.Drop(pkt); err != nil && !errors.Is(err, capture.ErrStopped) {
		g.logger.WithError(err).Debug("Drop failed", "tuple", pkt.Tuple.String())
	}
	if g.metrics != nil {
		g.metrics.PacketsDropped.Inc()
		g.metrics.BytesBlocked.Add(float64(pkt.Size()))
	}
	g.bus.Record(proc.PID, proc.Name, policy.ModeLimit, pkt.Size(), false)
}

func (g *Governor) countMiss() {
	if g.metrics != nil {
		g.metrics.ResolutionMisses.Inc()
	}
}
