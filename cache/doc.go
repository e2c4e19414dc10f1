// Package cache provides a bounded, in-memory cache of fetched resources
// (images, stylesheets, scripts, fonts, other) shared by every consumer in a
// process. It avoids redundant fetches and redundant decode work while staying
// under a byte budget. It does not fetch, parse or decode anything: resources
// are created and owned by another subsystem, and the cache only decides when
// their decoded payload, or the whole entry, should go.
//
// Design
//
//   - Ownership: one *Cache per process, built by the application root and
//     injected into the subsystems that need it. Not safe for concurrent use;
//     all calls happen on the host task-loop goroutine.
//
//   - Storage: partition key -> normalized URL -> entry. HTTP(S) URLs lose
//     their fragment; other schemes keep it.
//
//   - Index: every entry sits in one of an array of intrusive lists, indexed
//     by floor(log2(size / max(accessCount, 1))). Large or rarely used
//     resources land in high buckets and are evicted first. Repositioning on
//     Update is O(1). A second list holds live entries with decoded payload,
//     ordered by decode access.
//
//   - Budget: Capacity is split at query time between live resources (with
//     clients) and dead ones (without). DeadCapacity is the space live
//     resources leave free, clamped to [MinDeadCapacity, MaxDeadCapacity].
//
//   - Pruning: dead resources first lose their decoded payload and are then
//     evicted, highest bucket first. Live resources only ever lose their
//     decoded payload, least recently decoded first, and not before
//     MinDelayBeforeLiveDecodedPrune under AutomaticPrune.
//
//   - Scheduling: crossing the capacity defers a pass to the end of the
//     current host task (Options.Scheduler) unless MaxPruneDeferralDelay has
//     elapsed since the last one. While a pass is pending, a resource released
//     by its last client is evicted on the spot if dead bytes exceed twice the
//     dead capacity.
//
//   - Metrics: Options.Metrics receives evictions, decoded prunes, prune passes
//     and size updates. NoopMetrics is the default; see metrics/prom.
//
// Basic usage
//
//	l := loop.New(loop.Options{})
//	c := cache.New(cache.Options{Capacity: 32 << 20, Scheduler: l})
//	c.Add(res)                       // res implements cache.Resource
//	r, ok := c.ResourceForURL("https://example.com/a.png", "partition")
//	c.MakeDead(res)                  // last client gone; may prune
//	c.PruneAll()                     // low-memory signal
//
// Owner callbacks
//
// The resource owner reports every change: Update for size changes, MakeLive
// and MakeDead for client-count transitions to and from zero,
// UpdateDecodedResource when a decoded payload is produced, used or destroyed,
// and ResourceDestroyed when the resource object goes away.
package cache
