package cache

import (
	"time"

	"go.uber.org/zap"
)

// EvictPolicy selects what EvictResources keeps.
type EvictPolicy int

const (
	// PreserveUnusedPreloads re-inserts unused preloads after the sweep so a
	// full flush (e.g. a navigation) does not throw away speculative work.
	PreserveUnusedPreloads EvictPolicy = iota
	// EvictAll removes every entry unconditionally.
	EvictAll
)

// MemoryPressureLevel is the severity reported by a host-wide broadcaster.
type MemoryPressureLevel int

const (
	MemoryPressureNone MemoryPressureLevel = iota
	MemoryPressureModerate
	MemoryPressureCritical
)

// Prune brings the cache back under its capacities, now or at the end of
// the current task. See prune for the scheduling rules.
func (c *Cache) Prune() {
	c.mustBeOnLoop("Prune")
	c.prune(nil)
}

// PruneAll runs a MaximalPrune synchronously: every dead resource that is not
// an unused preload is evicted and every loaded live decoded payload is
// destroyed. Live resources themselves are never evicted.
func (c *Cache) PruneAll() {
	c.mustBeOnLoop("PruneAll")
	if c.closed {
		return
	}
	c.pruneNow(c.now(), MaximalPrune, false)
}

// OnMemoryPressure is the hook for a host-wide memory-pressure broadcaster.
func (c *Cache) OnMemoryPressure(level MemoryPressureLevel) {
	if level == MemoryPressureNone {
		return
	}
	c.log.Info("memory pressure", zap.Int("level", int(level)))
	c.PruneAll()
}

// prune is the scheduling front end.
//
// Fast path: nothing to do while live+dead fits the capacity. Otherwise the
// pass is deferred to the end of the current task unless MaxPruneDeferralDelay
// has elapsed since the last pass, in which case it runs now. At most one
// deferred pass is pending; further calls fold into it.
//
// While a pass is pending and dead bytes exceed the safety-valve ceiling,
// justReleased (the resource that just lost its last client) is evicted in
// O(1); if that is not enough a full pass runs synchronously.
func (c *Cache) prune(justReleased Resource) {
	if c.closed || c.inPrune {
		return
	}
	if c.liveSize+c.deadSize <= c.capacity {
		return
	}

	now := c.now()
	overdue := time.Duration(now-c.lastPrune) >= c.opt.MaxPruneDeferralDelay
	switch {
	case c.prunePending:
		if overdue {
			c.pruneNow(now, AutomaticPrune, false)
		}
	case overdue || c.opt.Scheduler == nil:
		c.pruneNow(now, AutomaticPrune, false)
	default:
		c.cancelPending = c.opt.Scheduler.AfterTask(c.didProcessTask)
		c.prunePending = true
	}

	ceiling := c.maxDeferredPruneDeadCapacity()
	if !c.prunePending || justReleased == nil || c.deadSize <= ceiling {
		return
	}
	if e, ok := c.byResource[justReleased]; ok && !e.live {
		c.log.Warn("safety valve eviction",
			zap.String("url", e.key),
			zap.Int64("size", e.size),
			zap.Int64("dead_size", c.deadSize),
			zap.Int64("ceiling", ceiling),
		)
		c.evict(e, EvictSafetyValve)
	}
	if c.deadSize > ceiling {
		c.pruneNow(now, AutomaticPrune, false)
	}
}

// didProcessTask runs the deferred pass at the end of the host task.
func (c *Cache) didProcessTask() {
	c.cancelPending = nil
	if !c.prunePending || c.closed {
		return
	}
	c.pruneNow(c.now(), AutomaticPrune, true)
}

func (c *Cache) pruneNow(now int64, strategy PruneStrategy, deferred bool) {
	if c.prunePending {
		c.prunePending = false
		if c.cancelPending != nil {
			c.cancelPending()
			c.cancelPending = nil
		}
	}
	if c.inPrune {
		return
	}
	c.inPrune = true
	defer func() { c.inPrune = false }()

	liveBefore, deadBefore := c.liveSize, c.deadSize
	// Dead first, in case it was borrowing capacity from live.
	c.pruneDeadResources(strategy)
	c.pruneLiveResources(strategy, now)
	c.lastPrune = now

	c.opt.Metrics.PrunePass(strategy, deferred)
	c.log.Debug("prune pass",
		zap.Stringer("strategy", strategy),
		zap.Bool("deferred", deferred),
		zap.Int64("live_before", liveBefore),
		zap.Int64("dead_before", deadBefore),
		zap.Int64("live_after", c.liveSize),
		zap.Int64("dead_after", c.deadSize),
	)
}

// pruneDeadResources walks the buckets from the most evictable index down.
// Pass one destroys decoded payloads of loaded dead entries; pass two evicts
// dead entries. Unused preloads are skipped by both.
func (c *Cache) pruneDeadResources(strategy PruneStrategy) {
	capacity := c.DeadCapacity()
	if strategy == MaximalPrune {
		capacity = 0
	}
	if c.deadSize == 0 || (capacity > 0 && c.deadSize <= capacity) {
		return
	}
	target := int64(float64(capacity) * targetPrunePercentage)
	defer c.trimBuckets()

	for i := len(c.buckets) - 1; i >= 0; i-- {
		for e := c.buckets[i].tail; e != nil; {
			prev := e.lru.prev
			r := e.res
			if !e.live && !r.IsUnusedPreload() && r.IsLoaded() && r.DecodedSize() > 0 {
				c.pruneDecoded(e)
				if target > 0 && c.deadSize <= target {
					return
				}
			}
			// Owner code may have moved or evicted the neighbour.
			if prev != nil && (prev.evicted || prev.bucket != i) {
				break
			}
			e = prev
		}

		for e := c.buckets[i].tail; e != nil; {
			prev := e.lru.prev
			if !e.live && !e.res.IsUnusedPreload() {
				c.evict(e, EvictPrune)
				if target > 0 && c.deadSize <= target {
					return
				}
			}
			if prev != nil && (prev.evicted || prev.bucket != i) {
				break
			}
			e = prev
		}
	}
}

// pruneLiveResources destroys decoded payloads of live entries, oldest decode
// access first. AutomaticPrune stops at entries younger than
// MinDelayBeforeLiveDecodedPrune.
func (c *Cache) pruneLiveResources(strategy PruneStrategy, now int64) {
	capacity := c.LiveCapacity()
	if strategy == MaximalPrune {
		capacity = 0
	}
	if c.liveSize == 0 || (capacity > 0 && c.liveSize <= capacity) {
		return
	}
	target := int64(float64(capacity) * targetPrunePercentage)
	minAge := int64(c.opt.MinDelayBeforeLiveDecodedPrune)

	for e := c.liveDecoded.tail; e != nil; {
		prev := e.liveLinks.prev
		r := e.res
		if r.IsLoaded() && r.DecodedSize() > 0 {
			if strategy == AutomaticPrune && now-e.lastDecodedAccess < minAge {
				return
			}
			c.pruneDecoded(e)
			if target > 0 && c.liveSize <= target {
				return
			}
		}
		if prev != nil && (prev.evicted || !prev.inLiveDecoded) {
			break
		}
		e = prev
	}
}

// pruneDecoded asks the owner to drop the decoded payload and then
// re-validates the entry, since Prune runs arbitrary owner code.
func (c *Cache) pruneDecoded(e *entry) {
	live := e.live
	e.res.Prune()
	if e.evicted {
		return
	}
	c.resync(e)
	c.opt.Metrics.DecodedPruned(live)
}

// EvictResources removes every entry in every partition. With
// PreserveUnusedPreloads, unused preloads are put back after the sweep.
// Empty partitions are dropped.
func (c *Cache) EvictResources(policy EvictPolicy) {
	c.mustBeOnLoop("EvictResources")
	if c.closed {
		return
	}
	var kept []*entry
	for part, m := range c.partitions {
		for _, e := range m {
			if policy != EvictAll && e.res.IsUnusedPreload() {
				kept = append(kept, e)
				c.unlink(e)
				continue
			}
			c.evict(e, EvictFlush)
		}
		delete(c.partitions, part)
	}
	for _, e := range kept {
		c.insert(e)
	}
	c.trimBuckets()
	c.log.Debug("evicted resources",
		zap.Bool("preserve_preloads", policy != EvictAll),
		zap.Int("preserved", len(kept)),
	)
}
