package cache

import (
	"testing"
	"time"
)

// The entry in the highest bucket goes first.
func TestPrune_HighestBucketFirst(t *testing.T) {
	t.Parallel()

	m := newCountingMetrics()
	c := New(Options{Capacity: 1000, Metrics: m})
	a := newRes(c, "https://example.com/a", 100) // bucket 6
	b := newRes(c, "https://example.com/b", 600) // bucket 9
	cc := newRes(c, "https://example.com/c", 200)
	d := newRes(c, "https://example.com/d", 150)
	for _, r := range []*fakeResource{a, b, cc, d} {
		c.Add(r)
	}

	if c.Contains(b) {
		t.Fatal("largest entry must be evicted")
	}
	for _, r := range []*fakeResource{a, cc, d} {
		if !c.Contains(r) {
			t.Fatalf("%s evicted, want kept", r.url)
		}
	}
	if m.evicts[EvictPrune] != 1 || c.DeadSize() != 450 {
		t.Fatalf("evictions=%d dead=%d", m.evicts[EvictPrune], c.DeadSize())
	}
	checkInvariants(t, c)
}

// Dropping a dead decoded payload is preferred over evicting the entry.
func TestPrune_DecodedBeforeEviction(t *testing.T) {
	t.Parallel()

	m := newCountingMetrics()
	c := New(Options{Capacity: 1000, Metrics: m})
	a := newRes(c, "https://example.com/a.png", 100)
	a.decoded = 500
	b := newRes(c, "https://example.com/b.css", 450)
	c.Add(a)
	c.Add(b)

	if c.Len() != 2 || a.prunes != 1 {
		t.Fatalf("len=%d prunes=%d, want 2/1", c.Len(), a.prunes)
	}
	if c.DeadSize() != 550 || m.decodedDead != 1 || len(m.evicts) != 0 {
		t.Fatalf("dead=%d decoded=%d evicts=%v", c.DeadSize(), m.decodedDead, m.evicts)
	}
	checkInvariants(t, c)
}

func TestPrune_SkipsUnusedPreloads(t *testing.T) {
	t.Parallel()

	c := New(Options{Capacity: 1000})
	p := newRes(c, "https://example.com/preload.js", 600)
	p.decoded = 300
	p.unusedPreload = true
	x := newRes(c, "https://example.com/x.js", 200)
	c.Add(p)
	c.Add(x)

	if !c.Contains(p) || p.prunes != 0 {
		t.Fatal("unused preload must be neither pruned nor evicted")
	}
	if c.Contains(x) {
		t.Fatal("the other dead entry must make room")
	}

	c.PruneAll()
	if !c.Contains(p) || p.prunes != 0 {
		t.Fatal("PruneAll must keep unused preloads too")
	}
	checkInvariants(t, c)
}

// PruneAll leaves only live entries, all without decoded payload.
func TestPruneAll_Converges(t *testing.T) {
	t.Parallel()

	c := New(Options{Capacity: 1 << 20, Clock: newClock()})
	l := newRes(c, "https://example.com/live.png", 100)
	l.typ = TypeImage
	l.decoded = 300
	l.clients = 1
	d1 := newRes(c, "https://example.com/d1", 200)
	d2 := newRes(c, "https://example.com/d2", 300)
	d2.decoded = 50
	for _, r := range []*fakeResource{l, d1, d2} {
		c.Add(r)
	}

	c.PruneAll()
	if c.Len() != 1 || !c.Contains(l) {
		t.Fatalf("len=%d, want only the live entry", c.Len())
	}
	if c.DeadSize() != 0 || c.LiveSize() != 100 || l.prunes != 1 {
		t.Fatalf("dead=%d live=%d prunes=%d", c.DeadSize(), c.LiveSize(), l.prunes)
	}
	if c.liveDecoded.len != 0 {
		t.Fatal("live-decoded list must be empty")
	}
	checkInvariants(t, c)

	c.PruneAll()
	if c.Len() != 1 || l.prunes != 1 {
		t.Fatal("second PruneAll must be a no-op")
	}
}

// AutomaticPrune waits for a live decoded payload to age; MaximalPrune does not.
func TestPrune_LiveAgeGate(t *testing.T) {
	t.Parallel()

	clk := newClock()
	m := newCountingMetrics()
	c := New(Options{Capacity: 1000, Clock: clk, Metrics: m})
	l := newRes(c, "https://example.com/hero.png", 100)
	l.decoded = 1000
	l.clients = 1
	c.Add(l)

	if l.prunes != 0 || c.LiveSize() != 1100 {
		t.Fatalf("fresh payload pruned: prunes=%d live=%d", l.prunes, c.LiveSize())
	}

	clk.add(300 * time.Millisecond)
	c.Prune()
	if l.prunes != 0 {
		t.Fatal("payload younger than the minimum delay must survive")
	}

	clk.add(time.Second)
	c.Prune()
	if l.prunes != 1 || c.LiveSize() != 100 || m.decodedLive != 1 {
		t.Fatalf("prunes=%d live=%d decodedLive=%d", l.prunes, c.LiveSize(), m.decodedLive)
	}
	if !c.Contains(l) {
		t.Fatal("live resources are never evicted")
	}
	checkInvariants(t, c)

	l2 := newRes(c, "https://example.com/other.png", 10)
	l2.decoded = 20
	l2.clients = 1
	c.Add(l2)
	c.PruneAll()
	if l2.prunes != 1 {
		t.Fatal("MaximalPrune must ignore the age gate")
	}
	checkInvariants(t, c)
}

// Images age by the frame-paint clock rather than by wall time of access.
func TestPrune_ImageUsesFramePaintTimestamp(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := New(Options{Capacity: 1000, Clock: clk})
	c.UpdateFramePaintTimestamp()

	img := newRes(c, "https://example.com/anim.gif", 100)
	img.typ = TypeImage
	img.clients = 1
	c.Add(img)

	clk.add(2 * time.Second)
	img.decode(1000) // stamped with the paint time, already 2s old
	c.Prune()
	if img.prunes != 1 {
		t.Fatal("image decoded payload must age from the last frame paint")
	}
	checkInvariants(t, c)
}

// With a scheduler, a second over-capacity event inside the deferral window is
// folded into one pass at the end of the task.
func TestPrune_DeferredToEndOfTask(t *testing.T) {
	t.Parallel()

	clk := newClock()
	sched := &fakeScheduler{}
	m := newCountingMetrics()
	c := New(Options{Capacity: 100, Scheduler: sched, Clock: clk, Metrics: m})

	c.Add(newRes(c, "https://example.com/1", 150))
	if m.passes != 1 || m.deferred != 0 {
		t.Fatalf("first prune must run now: passes=%d", m.passes)
	}

	clk.add(10 * time.Millisecond)
	r2 := newRes(c, "https://example.com/2", 150)
	r3 := newRes(c, "https://example.com/3", 10)
	c.Add(r2)
	c.Add(r3)
	if m.passes != 1 || !c.PrunePending() || sched.active() != 1 {
		t.Fatalf("passes=%d pending=%v registered=%d", m.passes, c.PrunePending(), sched.active())
	}
	if !c.Contains(r2) {
		t.Fatal("nothing may be evicted before the task ends")
	}

	sched.endTask()
	if m.passes != 2 || m.deferred != 1 || c.PrunePending() {
		t.Fatalf("passes=%d deferred=%d pending=%v", m.passes, m.deferred, c.PrunePending())
	}
	if c.Contains(r2) || !c.Contains(r3) {
		t.Fatal("deferred pass must evict the large entry only")
	}
	checkInvariants(t, c)
}

// Once MaxPruneDeferralDelay has passed, a prune runs synchronously and
// replaces the pending one.
func TestPrune_OverdueRunsNow(t *testing.T) {
	t.Parallel()

	clk := newClock()
	sched := &fakeScheduler{}
	m := newCountingMetrics()
	c := New(Options{Capacity: 100, Scheduler: sched, Clock: clk, Metrics: m})

	c.Add(newRes(c, "https://example.com/1", 150))
	clk.add(10 * time.Millisecond)
	c.Add(newRes(c, "https://example.com/2", 150))
	if !c.PrunePending() {
		t.Fatal("expected a pending prune")
	}

	clk.add(600 * time.Millisecond)
	c.Add(newRes(c, "https://example.com/3", 10))
	if m.passes != 2 || m.deferred != 0 {
		t.Fatalf("overdue prune must run now: passes=%d deferred=%d", m.passes, m.deferred)
	}
	if c.PrunePending() || sched.active() != 0 {
		t.Fatal("pending prune must be cancelled")
	}
	sched.endTask()
	if m.passes != 2 {
		t.Fatal("cancelled pass must not run")
	}
	checkInvariants(t, c)
}

// While a pass is pending, a released resource pushing dead bytes past twice
// the dead capacity is evicted on the spot.
func TestPrune_SafetyValve(t *testing.T) {
	t.Parallel()

	clk := newClock()
	sched := &fakeScheduler{}
	m := newCountingMetrics()
	c := New(Options{Capacity: 1000, MaxDeadCapacity: 100, Scheduler: sched, Clock: clk, Metrics: m})

	c.Add(newRes(c, "https://example.com/warmup", 1100)) // sync first pass
	clk.add(10 * time.Millisecond)

	l := newRes(c, "https://example.com/page.js", 1050)
	l.clients = 1
	c.Add(l)
	if !c.PrunePending() {
		t.Fatal("expected a pending prune")
	}

	l.removeClient()
	if m.evicts[EvictSafetyValve] != 1 || c.Contains(l) {
		t.Fatalf("safety valve evictions = %d", m.evicts[EvictSafetyValve])
	}
	if !c.PrunePending() || m.passes != 1 {
		t.Fatalf("eviction alone was enough: pending=%v passes=%d", c.PrunePending(), m.passes)
	}
	checkInvariants(t, c)
}

// If evicting the released resource is not enough, a full pass runs now.
func TestPrune_SafetyValveForcesPass(t *testing.T) {
	t.Parallel()

	clk := newClock()
	sched := &fakeScheduler{}
	m := newCountingMetrics()
	c := New(Options{Capacity: 1000, MaxDeadCapacity: 100, Scheduler: sched, Clock: clk, Metrics: m})

	c.Add(newRes(c, "https://example.com/warmup", 1100))
	clk.add(10 * time.Millisecond)

	d := newRes(c, "https://example.com/dead", 250)
	c.Add(d)
	l := newRes(c, "https://example.com/live", 800)
	l.clients = 1
	c.Add(l)
	if !c.PrunePending() {
		t.Fatal("expected a pending prune")
	}

	l.removeClient()
	if m.evicts[EvictSafetyValve] != 1 {
		t.Fatalf("safety valve evictions = %d", m.evicts[EvictSafetyValve])
	}
	if m.passes != 2 || c.PrunePending() || sched.active() != 0 {
		t.Fatalf("passes=%d pending=%v registered=%d", m.passes, c.PrunePending(), sched.active())
	}
	if c.Contains(d) || c.DeadSize() != 0 {
		t.Fatalf("dead=%d, want 0", c.DeadSize())
	}
	checkInvariants(t, c)
}

// Without a scheduler, losing the last client prunes synchronously.
func TestPrune_MakeDeadWithoutScheduler(t *testing.T) {
	t.Parallel()

	c := New(Options{Capacity: 1000})
	l := newRes(c, "https://example.com/big", 1200)
	l.clients = 1
	c.Add(l)
	if !c.Contains(l) {
		t.Fatal("live resources are never evicted")
	}

	l.removeClient()
	if c.Contains(l) || c.DeadSize() != 0 {
		t.Fatal("dead resource over capacity must be evicted")
	}
	checkInvariants(t, c)
}

// Owners that do not report what Prune did are reconciled by the cache.
func TestPrune_SilentOwnerResync(t *testing.T) {
	t.Parallel()

	c := New(Options{Capacity: 1000})
	s := newRes(c, "https://example.com/s.png", 100)
	s.decoded = 500
	s.silent = true
	b := newRes(c, "https://example.com/b.css", 450)
	c.Add(s)
	c.Add(b)

	if s.prunes != 1 || c.DeadSize() != 550 || !c.Contains(s) {
		t.Fatalf("prunes=%d dead=%d", s.prunes, c.DeadSize())
	}
	checkInvariants(t, c)

	l := newRes(c, "https://example.com/l.png", 10)
	l.decoded = 90
	l.clients = 1
	l.silent = true
	c.Add(l)
	c.PruneAll()
	if l.prunes != 1 || c.LiveSize() != 10 || c.byResource[l].inLiveDecoded {
		t.Fatalf("live prunes=%d live=%d", l.prunes, c.LiveSize())
	}
	checkInvariants(t, c)
}

// An owner that removes another entry from inside Prune must not derail the
// sweep.
func TestPrune_OwnerRemovesNeighbour(t *testing.T) {
	t.Parallel()

	c := New(Options{Capacity: 1 << 20})
	p1 := newRes(c, "https://example.com/p1", 10)
	p1.decoded = 590
	p2 := newRes(c, "https://example.com/p2", 520)
	q := newRes(c, "https://example.com/q", 400)
	p1.onPrune = func() { c.Remove(p2) }
	for _, r := range []*fakeResource{p1, p2, q} {
		c.Add(r)
	}

	c.PruneAll()
	if c.Len() != 0 || c.DeadSize() != 0 {
		t.Fatalf("len=%d dead=%d, want empty", c.Len(), c.DeadSize())
	}
	checkInvariants(t, c)
}

func TestEvictResources(t *testing.T) {
	t.Parallel()

	m := newCountingMetrics()
	c := New(Options{Capacity: 1 << 20, Metrics: m})
	a := newRes(c, "https://example.com/a.js", 100)
	a.unusedPreload = true
	b := newRes(c, "https://example.com/b.js", 100)
	b.part = "q"
	cc := newRes(c, "https://example.com/c.js", 100)
	cc.clients = 1
	for _, r := range []*fakeResource{a, b, cc} {
		c.Add(r)
	}
	a.access()
	a.access()

	c.EvictResources(PreserveUnusedPreloads)
	if !c.Contains(a) || c.Contains(b) || c.Contains(cc) {
		t.Fatal("only the unused preload must survive")
	}
	if c.byResource[a].accessCount != 2 {
		t.Fatal("preserved entry must keep its access count")
	}
	if _, ok := c.partitions["q"]; ok {
		t.Fatal("emptied partition must be dropped")
	}
	if c.LiveSize() != 0 || c.DeadSize() != 100 || m.evicts[EvictFlush] != 2 {
		t.Fatalf("live=%d dead=%d flush=%d", c.LiveSize(), c.DeadSize(), m.evicts[EvictFlush])
	}
	checkInvariants(t, c)

	c.EvictResources(EvictAll)
	if c.Len() != 0 || len(c.partitions) != 0 || len(c.buckets) != 0 {
		t.Fatalf("len=%d partitions=%d buckets=%d", c.Len(), len(c.partitions), len(c.buckets))
	}
	checkInvariants(t, c)
}

func TestOnMemoryPressure(t *testing.T) {
	t.Parallel()

	c := New(Options{Capacity: 1 << 20})
	d := newRes(c, "https://example.com/d", 100)
	c.Add(d)

	c.OnMemoryPressure(MemoryPressureNone)
	if !c.Contains(d) {
		t.Fatal("no pressure must not prune")
	}
	c.OnMemoryPressure(MemoryPressureModerate)
	if c.Contains(d) {
		t.Fatal("pressure must run a maximal prune")
	}
}
