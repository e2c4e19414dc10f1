package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/rescache/internal/util"
)

// Cache is the process-wide memory cache of fetched resources.
//
// Cache is NOT safe for concurrent use: every method must be called from the
// goroutine that runs the host task loop (the one Options.Scheduler fires
// callbacks on). There is no internal locking.
//
// Cache never surfaces errors. Invalid input is ignored; corrupted internal
// bookkeeping panics.
type Cache struct {
	opt Options
	log *zap.Logger
	// onLoop reports whether the caller runs on the host loop; nil => unchecked.
	onLoop func() bool

	// partition key -> normalized URL -> entry
	partitions map[string]map[string]*entry
	// identity index; lets Update and friends skip URL normalization and
	// lets ResourceDestroyed avoid touching the resource.
	byResource map[Resource]*entry

	buckets     []*entryList
	liveDecoded *entryList

	capacity        int64
	minDeadCapacity int64
	maxDeadCapacity int64
	liveSize        int64
	deadSize        int64

	prunePending   bool
	cancelPending  func()
	inPrune        bool
	lastPrune      int64 // UnixNano of the last completed prune pass
	lastFramePaint int64 // UnixNano; 0 until the host reports a frame

	closed bool
}

// New constructs a Cache with the provided Options.
// Defaults are documented on Options.
func New(opt Options) *Cache {
	if opt.Capacity <= 0 {
		opt.Capacity = DefaultCapacity
	}
	if opt.MaxPruneDeferralDelay <= 0 {
		opt.MaxPruneDeferralDelay = DefaultMaxPruneDeferralDelay
	}
	if opt.MinDelayBeforeLiveDecodedPrune <= 0 {
		opt.MinDelayBeforeLiveDecodedPrune = DefaultMinDelayBeforeLiveDecodedPrune
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	c := &Cache{
		opt:         opt,
		log:         opt.Logger.Named("memcache"),
		partitions:  make(map[string]map[string]*entry),
		byResource:  make(map[Resource]*entry),
		liveDecoded: newLiveDecodedList(),
	}
	if a, ok := opt.Scheduler.(interface{ OnLoop() bool }); ok {
		c.onLoop = a.OnLoop
	}
	c.setCapacities(opt.MinDeadCapacity, opt.MaxDeadCapacity, opt.Capacity)
	return c
}

// mustBeOnLoop panics when a mutating call arrives off the host loop.
func (c *Cache) mustBeOnLoop(op string) {
	if c.onLoop != nil && !c.onLoop() {
		panic("cache: " + op + " called outside a loop task")
	}
}

// ---- insertion / lookup ----

// Add starts tracking r under (r.PartitionKey(), normalized r.URL()).
// A different resource already tracked under the same key is evicted first.
// Resources with an empty or relative URL are ignored, as is re-adding r.
func (c *Cache) Add(r Resource) {
	c.mustBeOnLoop("Add")
	if c.closed || r == nil {
		return
	}
	key, ok := normalizeURL(r.URL())
	if !ok {
		return
	}
	if _, tracked := c.byResource[r]; tracked {
		return
	}
	part := r.PartitionKey()
	if old, ok := c.partitions[part][key]; ok {
		c.evict(old, EvictReplaced)
	}

	e := &entry{res: r, partition: part, key: key, bucket: -1}
	c.insert(e)
	c.prune(nil)
}

// insert links a fresh or preserved entry into the map, index and accountant.
func (c *Cache) insert(e *entry) {
	m := c.partitions[e.partition]
	if m == nil {
		m = make(map[string]*entry)
		c.partitions[e.partition] = m
	}
	m[e.key] = e
	c.byResource[e.res] = e
	e.evicted = false

	e.live = e.res.HasClients()
	e.size = checkedSize(e.res.Size())
	c.insertInLRU(e)
	if e.live {
		c.liveSize += e.size
		if e.res.DecodedSize() > 0 {
			e.lastDecodedAccess = c.now()
			c.insertInLiveDecoded(e)
		}
	} else {
		c.deadSize += e.size
	}
	c.opt.Metrics.Size(c.liveSize, c.deadSize)
}

// ResourceForURL returns the resource tracked for (partition, rawURL).
// The URL is fragment-normalized the same way Add does it.
func (c *Cache) ResourceForURL(rawURL, partition string) (Resource, bool) {
	key, ok := normalizeURL(rawURL)
	if !ok {
		c.opt.Metrics.Miss()
		return nil, false
	}
	e, ok := c.partitions[partition][key]
	if !ok {
		c.opt.Metrics.Miss()
		return nil, false
	}
	c.opt.Metrics.Hit()
	return e.res, true
}

// ResourcesForURL returns the resources tracked for rawURL across all partitions.
func (c *Cache) ResourcesForURL(rawURL string) []Resource {
	key, ok := normalizeURL(rawURL)
	if !ok {
		return nil
	}
	var out []Resource
	for _, m := range c.partitions {
		if e, ok := m[key]; ok {
			out = append(out, e.res)
		}
	}
	return out
}

// Contains reports whether r is the resource registered under its own
// partition and URL. A resource tracked under a stale key does not count.
func (c *Cache) Contains(r Resource) bool {
	if r == nil {
		return false
	}
	key, ok := normalizeURL(r.URL())
	if !ok {
		return false
	}
	e, ok := c.partitions[r.PartitionKey()][key]
	return ok && e.res == r
}

// ---- removal ----

// Remove stops tracking r. It is a no-op when r is not tracked.
func (c *Cache) Remove(r Resource) {
	c.mustBeOnLoop("Remove")
	if r == nil {
		return
	}
	if e, ok := c.byResource[r]; ok {
		c.unlink(e)
	}
}

// ResourceDestroyed is the owner's notification that r became unreachable.
// The entry is cleared using only the tracked size; r is never called.
func (c *Cache) ResourceDestroyed(r Resource) {
	c.Remove(r)
}

// evict removes e and reports the eviction.
func (c *Cache) evict(e *entry, reason EvictReason) {
	c.unlink(e)
	c.opt.Metrics.Evict(reason)
}

// unlink removes e from the index, the live-decoded list, the partition map
// and the accountant. It treats the full tracked size as freed.
func (c *Cache) unlink(e *entry) {
	if e.evicted {
		return
	}
	c.removeFromLRU(e)
	c.removeFromLiveDecoded(e)
	c.adjust(e.live, -e.size)

	if m := c.partitions[e.partition]; m[e.key] == e {
		delete(m, e.key)
		if len(m) == 0 {
			delete(c.partitions, e.partition)
		}
	}
	delete(c.byResource, e.res)
	e.evicted = true
	c.opt.Metrics.Size(c.liveSize, c.deadSize)
}

// ---- size and client transitions ----

// Update is the single choke point for size changes of a tracked resource.
// It repositions the entry in the bucketed index and moves the signed delta
// into the live or dead tally. wasAccessed bumps the access counter first.
//
// oldSize must equal the size last reported for r; a mismatch means the
// owner skipped a notification and panics.
func (c *Cache) Update(r Resource, oldSize, newSize int64, wasAccessed bool) {
	c.mustBeOnLoop("Update")
	e, ok := c.byResource[r]
	if !ok {
		return
	}
	c.update(e, oldSize, newSize, wasAccessed)
	if newSize > oldSize {
		c.prune(nil)
	}
}

func (c *Cache) update(e *entry, oldSize, newSize int64, wasAccessed bool) {
	if oldSize != e.size {
		panic(fmt.Sprintf("cache: update of %q from size %d, tracked size is %d", e.key, oldSize, e.size))
	}
	newSize = checkedSize(newSize)

	c.removeFromLRU(e)
	if wasAccessed {
		e.accessCount++
	}
	e.size = newSize
	c.insertInLRU(e)

	c.adjust(e.live, newSize-oldSize)
	c.opt.Metrics.Size(c.liveSize, c.deadSize)
}

// MakeLive records that r gained its first client.
func (c *Cache) MakeLive(r Resource) {
	c.mustBeOnLoop("MakeLive")
	e, ok := c.byResource[r]
	if !ok || e.live {
		return
	}
	c.adjust(false, -e.size)
	e.live = true
	c.adjust(true, e.size)
	c.opt.Metrics.Size(c.liveSize, c.deadSize)
	if r.DecodedSize() > 0 {
		c.insertInLiveDecoded(e)
	}
}

// MakeDead records that r lost its last client. The resource becomes a
// candidate for dead pruning and, while a deferred prune is pending, for
// immediate safety-valve eviction.
func (c *Cache) MakeDead(r Resource) {
	c.mustBeOnLoop("MakeDead")
	e, ok := c.byResource[r]
	if !ok || !e.live {
		return
	}
	c.adjust(true, -e.size)
	e.live = false
	c.adjust(false, e.size)
	c.opt.Metrics.Size(c.liveSize, c.deadSize)
	c.removeFromLiveDecoded(e)
	c.prune(r)
}

// UpdateDecodedResource repositions r in the live-decoded list after its
// decoded payload was produced, destroyed or used. For UpdateForAccess it
// stamps the decode-access time; images use the last frame-paint time so an
// animation does not keep its frames permanently young.
func (c *Cache) UpdateDecodedResource(r Resource, reason UpdateReason) {
	c.mustBeOnLoop("UpdateDecodedResource")
	e, ok := c.byResource[r]
	if !ok {
		return
	}
	c.removeFromLiveDecoded(e)
	if e.live && r.DecodedSize() > 0 {
		c.insertInLiveDecoded(e)
	}
	if reason != UpdateForAccess {
		return
	}
	var ts int64
	if r.Type() == TypeImage {
		ts = c.lastFramePaint
	}
	if ts == 0 {
		ts = c.now()
	}
	e.lastDecodedAccess = ts
}

// UpdateFramePaintTimestamp records that the host just painted a frame.
func (c *Cache) UpdateFramePaintTimestamp() {
	c.mustBeOnLoop("UpdateFramePaintTimestamp")
	c.lastFramePaint = c.now()
}

// resync re-reads r after a callback that may have run arbitrary owner code
// and reconciles whatever the owner did not report itself.
func (c *Cache) resync(e *entry) {
	if e.evicted {
		return
	}
	if size := e.res.Size(); size != e.size {
		c.update(e, e.size, size, false)
	}
	if e.inLiveDecoded && (!e.live || e.res.DecodedSize() == 0) {
		c.removeFromLiveDecoded(e)
	}
}

// adjust adds delta to the live or dead tally.
func (c *Cache) adjust(live bool, delta int64) {
	if live {
		c.liveSize += delta
		if c.liveSize < 0 {
			panic(fmt.Sprintf("cache: live size underflow (%d)", c.liveSize))
		}
		return
	}
	c.deadSize += delta
	if c.deadSize < 0 {
		panic(fmt.Sprintf("cache: dead size underflow (%d)", c.deadSize))
	}
}

func checkedSize(n int64) int64 {
	if n < 0 {
		panic(fmt.Sprintf("cache: negative resource size %d", n))
	}
	return n
}

// ---- capacity ----

// SetCapacity sets the total byte budget and prunes if it is now exceeded.
// Dead sub-limits configured earlier are clamped to the new total.
func (c *Cache) SetCapacity(total int64) {
	c.SetCapacities(c.opt.MinDeadCapacity, c.opt.MaxDeadCapacity, total)
}

// SetCapacities sets the dead sub-limits and the total budget, then prunes.
// maxDead <= 0 means "same as total".
func (c *Cache) SetCapacities(minDead, maxDead, total int64) {
	c.mustBeOnLoop("SetCapacities")
	if c.closed || total < 0 {
		return
	}
	c.opt.MinDeadCapacity, c.opt.MaxDeadCapacity = minDead, maxDead
	c.setCapacities(minDead, maxDead, total)
	c.log.Info("capacity changed",
		zap.Int64("capacity", c.capacity),
		zap.Int64("min_dead", c.minDeadCapacity),
		zap.Int64("max_dead", c.maxDeadCapacity),
	)
	c.prune(nil)
}

func (c *Cache) setCapacities(minDead, maxDead, total int64) {
	if maxDead <= 0 || maxDead > total {
		maxDead = total
	}
	c.capacity = total
	c.maxDeadCapacity = maxDead
	c.minDeadCapacity = util.Clamp(minDead, 0, maxDead)
}

// DeadCapacity is whatever live resources leave free, bounded by the
// minimum and maximum dead capacity.
func (c *Cache) DeadCapacity() int64 {
	free := c.capacity - min(c.liveSize, c.capacity)
	return util.Clamp(free, c.minDeadCapacity, c.maxDeadCapacity)
}

// LiveCapacity is the part of Capacity not reserved for dead resources.
func (c *Cache) LiveCapacity() int64 { return c.capacity - c.DeadCapacity() }

// maxDeferredPruneDeadCapacity is the safety-valve ceiling.
func (c *Cache) maxDeferredPruneDeadCapacity() int64 {
	return deferredPruneDeadCapacityFactor * c.maxDeadCapacity
}

// ---- introspection ----

func (c *Cache) Capacity() int64    { return c.capacity }
func (c *Cache) LiveSize() int64    { return c.liveSize }
func (c *Cache) DeadSize() int64    { return c.deadSize }
func (c *Cache) PrunePending() bool { return c.prunePending }

// Len returns the number of tracked entries across all partitions.
func (c *Cache) Len() int { return len(c.byResource) }

// Close unregisters a pending deferred prune and marks the cache closed.
// Later Add, prune and capacity calls are ignored; lookups, Remove and owner
// notifications keep working so owners can wind down.
func (c *Cache) Close() error {
	if c.cancelPending != nil {
		c.cancelPending()
		c.cancelPending = nil
	}
	c.prunePending = false
	c.closed = true
	return nil
}

func (c *Cache) now() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
