package cache

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied by New when the corresponding Options field is zero.
const (
	// DefaultCapacity is the total byte budget (8 MiB).
	DefaultCapacity int64 = 8 << 20
	// DefaultMaxPruneDeferralDelay bounds how long a deferred prune may wait.
	DefaultMaxPruneDeferralDelay = 500 * time.Millisecond
	// DefaultMinDelayBeforeLiveDecodedPrune is the minimum age of a decoded
	// payload before AutomaticPrune may destroy it on a live resource.
	DefaultMinDelayBeforeLiveDecodedPrune = time.Second
)

const (
	// targetPrunePercentage leaves headroom below the capacity after a pass
	// so the next insertion does not immediately trigger another one.
	targetPrunePercentage = 0.95
	// deferredPruneDeadCapacityFactor sizes the safety-valve ceiling
	// as a multiple of the dead capacity.
	deferredPruneDeadCapacityFactor = 2
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictPrune: removed by a dead-resource prune pass.
	EvictPrune EvictReason = iota
	// EvictSafetyValve: a just-released resource evicted immediately
	// because dead bytes exceeded the deferred-prune ceiling.
	EvictSafetyValve
	// EvictFlush: removed by EvictResources.
	EvictFlush
	// EvictReplaced: overwritten by Add of another resource with the same key.
	EvictReplaced
)

func (r EvictReason) String() string {
	switch r {
	case EvictPrune:
		return "prune"
	case EvictSafetyValve:
		return "safety_valve"
	case EvictFlush:
		return "flush"
	case EvictReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// PruneStrategy selects how aggressive a prune pass is.
type PruneStrategy int

const (
	// AutomaticPrune stops at 95% of the relevant capacity and respects the
	// minimum age of live decoded payloads.
	AutomaticPrune PruneStrategy = iota
	// MaximalPrune treats both capacities as zero and ignores the age gate.
	MaximalPrune
)

func (s PruneStrategy) String() string {
	if s == MaximalPrune {
		return "maximal"
	}
	return "automatic"
}

// Metrics exposes cache-level observability hooks. Calls happen on the loop
// goroutine, inline with the operation that caused them.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Hit and Miss are reported by ResourceForURL.
	Hit()
	Miss()
	Evict(reason EvictReason)
	// DecodedPruned reports a destroyed decoded payload; live tells whether
	// the resource had clients at the time.
	DecodedPruned(live bool)
	PrunePass(strategy PruneStrategy, deferred bool)
	Size(live, dead int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Scheduler is the host's cooperative task loop.
//
// AfterTask registers fn to run exactly once on the loop goroutine when the
// current outermost unit of work finishes (or the next one, when called
// between tasks). The returned cancel func unregisters fn if it has not run
// yet; calling it after fn ran is a no-op.
//
// A Scheduler that also has an OnLoop() bool method (loop.Loop does) lets the
// cache check thread affinity: mutating calls made while OnLoop reports
// false panic.
type Scheduler interface {
	AfterTask(fn func()) (cancel func())
}

// Options configures the cache. Zero values are safe;
// defaults are applied in New():
//   - Capacity <= 0                        => DefaultCapacity
//   - MaxDeadCapacity <= 0                 => Capacity
//   - MaxPruneDeferralDelay <= 0           => DefaultMaxPruneDeferralDelay
//   - MinDelayBeforeLiveDecodedPrune <= 0  => DefaultMinDelayBeforeLiveDecodedPrune
//   - nil Scheduler => prunes run synchronously, never deferred
//   - nil Metrics   => NoopMetrics
//   - nil Logger    => zap.NewNop()
type Options struct {
	// Capacity is the total byte budget for live and dead resources.
	Capacity int64
	// MinDeadCapacity and MaxDeadCapacity bound the share of Capacity that
	// dead resources may use regardless of how much live resources take.
	MinDeadCapacity int64
	MaxDeadCapacity int64

	MaxPruneDeferralDelay          time.Duration
	MinDelayBeforeLiveDecodedPrune time.Duration

	Scheduler Scheduler

	// Observability
	Metrics Metrics
	Logger  *zap.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}
