// Package coordinator implements the Resilience Coordinator: the
// type-state machine that drives one collect/transform/write cycle at a
// time, routes writes to whichever sinks the current state permits, and
// runs rate-limited recovery probes that trigger drain-on-recovery.
//
// States are modeled as a sum type (Kind) carried in a single State
// value; every transition between states is decided inside step and its
// per-kind helpers. Outside step, State values are only built as a
// starting state (Healthy) or as Shutdown when Run's context is
// cancelled.
package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/ryansname/pvcoordinator/internal/cache"
	"github.com/ryansname/pvcoordinator/internal/model"
	"github.com/ryansname/pvcoordinator/internal/transform"
	"github.com/ryansname/pvcoordinator/internal/upstream"
)

// Kind enumerates the five coordinator states.
type Kind int

const (
	KindHealthy Kind = iota
	KindDegradedNoDB
	KindDegradedNoMqtt
	KindCacheOnly
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindHealthy:
		return "Healthy"
	case KindDegradedNoDB:
		return "DegradedNoDB"
	case KindDegradedNoMqtt:
		return "DegradedNoMqtt"
	case KindCacheOnly:
		return "CacheOnly"
	case KindShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// State is the tagged-union value carried between cycles. LastRecoveryAttempt
// rate-limits recovery probes independently per state instance.
type State struct {
	Kind                Kind
	LastRecoveryAttempt time.Time
}

// CacheStore is the subset of *cache.Store the coordinator drives.
type CacheStore interface {
	PutPower(ctx context.Context, p model.PowerSample) error
	PutEnergy(ctx context.Context, e model.EnergySample) error
	DrainPower(ctx context.Context, upstream cache.UpstreamWriter, n int) (cache.DrainReport, error)
	DrainEnergy(ctx context.Context, upstream cache.UpstreamWriter, n int) (cache.DrainReport, error)
	ArchiveAllPower(ctx context.Context) (int64, error)
	ArchiveAllEnergy(ctx context.Context) (int64, error)
	Close() error
}

// UpstreamStore is the subset of *upstream.Store the coordinator drives.
type UpstreamStore interface {
	PutPower(ctx context.Context, p model.PowerSample) error
	PutEnergy(ctx context.Context, e model.EnergySample) error
	DrainPower(ctx context.Context, p model.PowerSample) error
	DrainEnergy(ctx context.Context, e model.EnergySample) error
	Probe(ctx context.Context) upstream.Health
	Close()
}

// BrokerPublisher is the subset of *broker.Publisher the coordinator drives.
type BrokerPublisher interface {
	PublishPower(p model.PowerSample) error
	PublishEnergy(e model.EnergySample) error
	PublishAvailability(online bool)
	IsHealthy() bool
}

// CollectFunc produces one RawSample per call, retrying internally per
// spec.md §6.1. A cycle error here never triggers a state transition —
// it just skips writes for this cycle.
type CollectFunc func(ctx context.Context) (model.RawSample, error)

// Config holds the timing and batch-size knobs of the cycle loop.
type Config struct {
	CycleInterval  time.Duration // spec.md §4.4: 60s between cycles
	ProbeInterval  time.Duration // spec.md §4.4: recovery probes at most every 10s
	DrainBatchSize int           // CACHE_SYNC_BATCH_SIZE
}

// Coordinator owns the cache, upstream, and broker handles for its
// entire lifetime (spec.md §3 "Ownership & lifecycle").
type Coordinator struct {
	cache    CacheStore
	upstream UpstreamStore
	broker   BrokerPublisher
	collect  CollectFunc
	params   model.BatteryParams
	cfg      Config

	// Now is the injected clock; defaults to time.Now but tests override
	// it directly to control timestamps and probe rate-limiting.
	Now func() time.Time
}

// New wires a Coordinator from its four collaborators.
func New(cacheStore CacheStore, upstreamStore UpstreamStore, brokerPub BrokerPublisher, collect CollectFunc, params model.BatteryParams, cfg Config) *Coordinator {
	return &Coordinator{
		cache:    cacheStore,
		upstream: upstreamStore,
		broker:   brokerPub,
		collect:  collect,
		params:   params,
		cfg:      cfg,
		Now:      time.Now,
	}
}

// Run drives cycles until ctx is cancelled, then executes the shutdown
// sequence. Sleep between cycles is cooperative: cancellation during
// sleep is observed promptly (spec.md §5).
func (co *Coordinator) Run(ctx context.Context) error {
	state := State{Kind: KindHealthy}

	for state.Kind != KindShutdown {
		select {
		case <-ctx.Done():
			state = State{Kind: KindShutdown}
		default:
			next, err := co.step(ctx, state)
			if err != nil {
				log.Printf("coordinator: cycle error: %v\n", err)
			}
			state = next
		}

		if state.Kind == KindShutdown {
			break
		}

		select {
		case <-ctx.Done():
			state = State{Kind: KindShutdown}
		case <-time.After(co.cfg.CycleInterval):
		}
	}

	co.runShutdown(context.Background())
	return nil
}

// Step runs a single cycle from the given state. Exposed for operational
// single-shot runs (cmd/pvcoordinator's -once flag) and for tests.
func (co *Coordinator) Step(ctx context.Context, s State) (State, error) {
	return co.step(ctx, s)
}

// step is the single typed transition function: every state-to-state
// transition of a cycle is constructed here.
func (co *Coordinator) step(ctx context.Context, s State) (State, error) {
	raw, err := co.collect(ctx)
	if err != nil {
		return s, err
	}

	power, energy := transform.Derive(raw, co.params, co.Now())

	switch s.Kind {
	case KindHealthy:
		return co.stepHealthy(ctx, power, energy), nil
	case KindDegradedNoDB:
		return co.stepDegradedNoDB(ctx, s, power, energy), nil
	case KindDegradedNoMqtt:
		return co.stepDegradedNoMqtt(ctx, s, power, energy), nil
	case KindCacheOnly:
		return co.stepCacheOnly(ctx, s, power, energy), nil
	default:
		return State{Kind: KindShutdown}, nil
	}
}

func (co *Coordinator) stepHealthy(ctx context.Context, power model.PowerSample, energy model.EnergySample) State {
	dbOK := co.writeUpstream(ctx, power, energy)
	mqOK := co.writeBroker(power, energy)

	switch {
	case dbOK && mqOK:
		return State{Kind: KindHealthy}
	case !dbOK && mqOK:
		if !co.writeCache(ctx, power, energy) {
			return State{Kind: KindShutdown}
		}
		return State{Kind: KindDegradedNoDB}
	case dbOK && !mqOK:
		return State{Kind: KindDegradedNoMqtt}
	default: // !dbOK && !mqOK
		if !co.writeCache(ctx, power, energy) {
			return State{Kind: KindShutdown}
		}
		return State{Kind: KindCacheOnly}
	}
}

func (co *Coordinator) stepDegradedNoDB(ctx context.Context, s State, power model.PowerSample, energy model.EnergySample) State {
	if !co.writeCache(ctx, power, energy) {
		return State{Kind: KindShutdown}
	}
	if !co.writeBroker(power, energy) {
		return State{Kind: KindCacheOnly}
	}

	if !co.probeDue(s) {
		return State{Kind: KindDegradedNoDB, LastRecoveryAttempt: s.LastRecoveryAttempt}
	}
	attempt := co.Now()

	if co.upstream.Probe(ctx) != upstream.HealthHealthy {
		return State{Kind: KindDegradedNoDB, LastRecoveryAttempt: attempt}
	}
	if co.drainBoth(ctx) {
		return State{Kind: KindHealthy}
	}
	// Drain failed: downgrade the destination back to a cache-retaining state.
	return State{Kind: KindCacheOnly, LastRecoveryAttempt: attempt}
}

func (co *Coordinator) stepDegradedNoMqtt(ctx context.Context, s State, power model.PowerSample, energy model.EnergySample) State {
	dbOK := co.writeUpstream(ctx, power, energy)
	if !dbOK {
		if !co.writeCache(ctx, power, energy) {
			return State{Kind: KindShutdown}
		}
		return State{Kind: KindCacheOnly}
	}

	if !co.probeDue(s) {
		return State{Kind: KindDegradedNoMqtt, LastRecoveryAttempt: s.LastRecoveryAttempt}
	}
	attempt := co.Now()

	if co.broker.IsHealthy() {
		return State{Kind: KindHealthy}
	}
	return State{Kind: KindDegradedNoMqtt, LastRecoveryAttempt: attempt}
}

func (co *Coordinator) stepCacheOnly(ctx context.Context, s State, power model.PowerSample, energy model.EnergySample) State {
	if !co.writeCache(ctx, power, energy) {
		return State{Kind: KindShutdown}
	}

	if !co.probeDue(s) {
		return State{Kind: KindCacheOnly, LastRecoveryAttempt: s.LastRecoveryAttempt}
	}
	attempt := co.Now()

	dbUp := co.upstream.Probe(ctx) == upstream.HealthHealthy
	mqUp := co.broker.IsHealthy()

	switch {
	case dbUp && mqUp:
		if co.drainBoth(ctx) {
			return State{Kind: KindHealthy}
		}
		return State{Kind: KindCacheOnly, LastRecoveryAttempt: attempt}
	case dbUp && !mqUp:
		if co.drainBoth(ctx) {
			return State{Kind: KindDegradedNoMqtt, LastRecoveryAttempt: attempt}
		}
		return State{Kind: KindCacheOnly, LastRecoveryAttempt: attempt}
	case !dbUp && mqUp:
		return State{Kind: KindDegradedNoDB, LastRecoveryAttempt: attempt}
	default:
		return State{Kind: KindCacheOnly, LastRecoveryAttempt: attempt}
	}
}

// probeDue applies the 10s recovery-probe rate limit.
func (co *Coordinator) probeDue(s State) bool {
	return co.Now().Sub(s.LastRecoveryAttempt) >= co.cfg.ProbeInterval
}

func (co *Coordinator) writeUpstream(ctx context.Context, power model.PowerSample, energy model.EnergySample) bool {
	errPower := co.upstream.PutPower(ctx, power)
	errEnergy := co.upstream.PutEnergy(ctx, energy)
	return errPower == nil && errEnergy == nil
}

func (co *Coordinator) writeCache(ctx context.Context, power model.PowerSample, energy model.EnergySample) bool {
	errPower := co.cache.PutPower(ctx, power)
	errEnergy := co.cache.PutEnergy(ctx, energy)
	if errPower != nil || errEnergy != nil {
		log.Printf("coordinator: cache write failed, escalating to shutdown: power=%v energy=%v\n", errPower, errEnergy)
		return false
	}
	return true
}

func (co *Coordinator) writeBroker(power model.PowerSample, energy model.EnergySample) bool {
	if err := co.broker.PublishPower(power); err != nil {
		log.Printf("coordinator: broker publish power failed: %v\n", err)
	}
	if err := co.broker.PublishEnergy(energy); err != nil {
		log.Printf("coordinator: broker publish energy failed: %v\n", err)
	}
	return co.broker.IsHealthy()
}

// drainBoth replays both kinds and reports whether both drains ran
// cleanly to completion (no hard error, no early stop).
func (co *Coordinator) drainBoth(ctx context.Context) bool {
	reportPower, errPower := co.cache.DrainPower(ctx, co.upstream, co.cfg.DrainBatchSize)
	if errPower != nil {
		log.Printf("coordinator: drain power error: %v\n", errPower)
	}
	reportEnergy, errEnergy := co.cache.DrainEnergy(ctx, co.upstream, co.cfg.DrainBatchSize)
	if errEnergy != nil {
		log.Printf("coordinator: drain energy error: %v\n", errEnergy)
	}
	return errPower == nil && errEnergy == nil && !reportPower.StoppedEarly && !reportEnergy.StoppedEarly
}

// runShutdown implements spec.md §4.5: publish offline, best-effort
// final drain, close pools.
func (co *Coordinator) runShutdown(ctx context.Context) {
	log.Println("coordinator: entering shutdown")
	co.broker.PublishAvailability(false)
	if !co.drainBoth(ctx) {
		log.Println("coordinator: final drain did not fully complete")
	}
	co.upstream.Close()
	if err := co.cache.Close(); err != nil {
		log.Printf("coordinator: cache close error: %v\n", err)
	}
}
