package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

// newClock starts well past zero so the first prune counts as overdue.
func newClock() *fakeClock { return &fakeClock{t: int64(10 * time.Second)} }

// fakeResource behaves like a well-mannered owner: it reports every change
// back to the cache it was created for.
type fakeResource struct {
	c *Cache

	url, part string
	typ       Type

	encoded, decoded, overhead int64

	loaded        bool
	clients       int
	unusedPreload bool

	// silent owners do not report what Prune did; the cache must resync.
	silent bool
	// destroyed resources must not be touched by the cache.
	destroyed bool
	prunes    int
	// onPrune runs inside Prune, before the payload is dropped.
	onPrune func()
}

func newRes(c *Cache, url string, encoded int64) *fakeResource {
	return &fakeResource{c: c, url: url, part: "p", encoded: encoded, loaded: true}
}

func (r *fakeResource) check() {
	if r.destroyed {
		panic("cache touched a destroyed resource")
	}
}

func (r *fakeResource) URL() string           { r.check(); return r.url }
func (r *fakeResource) PartitionKey() string  { r.check(); return r.part }
func (r *fakeResource) Type() Type            { r.check(); return r.typ }
func (r *fakeResource) Size() int64           { r.check(); return r.encoded + r.decoded + r.overhead }
func (r *fakeResource) EncodedSize() int64    { r.check(); return r.encoded }
func (r *fakeResource) DecodedSize() int64    { r.check(); return r.decoded }
func (r *fakeResource) OverheadSize() int64   { r.check(); return r.overhead }
func (r *fakeResource) IsLoaded() bool        { r.check(); return r.loaded }
func (r *fakeResource) HasClients() bool      { r.check(); return r.clients > 0 }
func (r *fakeResource) IsUnusedPreload() bool { r.check(); return r.unusedPreload }

func (r *fakeResource) Prune() {
	r.check()
	r.prunes++
	if r.onPrune != nil {
		r.onPrune()
	}
	old := r.Size()
	r.decoded = 0
	if r.silent {
		return
	}
	r.c.Update(r, old, r.Size(), false)
	r.c.UpdateDecodedResource(r, UpdateForSize)
}

func (r *fakeResource) setEncoded(n int64) {
	old := r.Size()
	r.encoded = n
	r.c.Update(r, old, r.Size(), false)
}

func (r *fakeResource) decode(n int64) {
	old := r.Size()
	r.decoded = n
	r.c.Update(r, old, r.Size(), false)
	r.c.UpdateDecodedResource(r, UpdateForAccess)
}

func (r *fakeResource) addClient() {
	r.clients++
	if r.clients == 1 {
		r.c.MakeLive(r)
	}
}

func (r *fakeResource) removeClient() {
	if r.clients == 0 {
		return
	}
	r.clients--
	if r.clients == 0 {
		r.c.MakeDead(r)
	}
}

func (r *fakeResource) access() {
	r.c.Update(r, r.Size(), r.Size(), true)
}

// fakeScheduler collects AfterTask callbacks until endTask is called.
type fakeScheduler struct{ pending []*fakeTask }

type fakeTask struct {
	fn        func()
	cancelled bool
}

func (s *fakeScheduler) AfterTask(fn func()) func() {
	t := &fakeTask{fn: fn}
	s.pending = append(s.pending, t)
	return func() { t.cancelled = true }
}

func (s *fakeScheduler) active() int {
	n := 0
	for _, t := range s.pending {
		if !t.cancelled {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) endTask() {
	p := s.pending
	s.pending = nil
	for _, t := range p {
		if !t.cancelled {
			t.fn()
		}
	}
}

type countingMetrics struct {
	hits        int
	misses      int
	evicts      map[EvictReason]int
	passes      int
	deferred    int
	decodedLive int
	decodedDead int
	live, dead  int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{evicts: make(map[EvictReason]int)}
}

func (m *countingMetrics) Hit()                { m.hits++ }
func (m *countingMetrics) Miss()               { m.misses++ }
func (m *countingMetrics) Evict(r EvictReason) { m.evicts[r]++ }
func (m *countingMetrics) DecodedPruned(live bool) {
	if live {
		m.decodedLive++
	} else {
		m.decodedDead++
	}
}
func (m *countingMetrics) PrunePass(_ PruneStrategy, deferred bool) {
	m.passes++
	if deferred {
		m.deferred++
	}
}
func (m *countingMetrics) Size(live, dead int64) { m.live, m.dead = live, dead }

// checkInvariants verifies the accounting and index invariants.
func checkInvariants(t testing.TB, c *Cache) {
	t.Helper()

	var live, dead int64
	n := 0
	for part, m := range c.partitions {
		if len(m) == 0 {
			t.Fatalf("empty partition %q kept", part)
		}
		for key, e := range m {
			n++
			if e.partition != part || e.key != key {
				t.Fatalf("entry %q filed under %q/%q", e.key, part, key)
			}
			if c.byResource[e.res] != e {
				t.Fatalf("entry %q missing from identity index", key)
			}
			if e.size != e.res.Size() {
				t.Fatalf("entry %q tracked size %d, resource size %d", key, e.size, e.res.Size())
			}
			if e.live {
				live += e.size
			} else {
				dead += e.size
			}
			wantLD := e.live && e.res.DecodedSize() > 0
			if e.inLiveDecoded != wantLD {
				t.Fatalf("entry %q inLiveDecoded=%v want %v", key, e.inLiveDecoded, wantLD)
			}
			if e.bucket != bucketIndex(e.size, e.accessCount) {
				t.Fatalf("entry %q in bucket %d want %d", key, e.bucket, bucketIndex(e.size, e.accessCount))
			}
		}
	}
	if n != len(c.byResource) {
		t.Fatalf("identity index has %d entries, maps have %d", len(c.byResource), n)
	}
	if live != c.liveSize || dead != c.deadSize {
		t.Fatalf("live/dead = %d/%d, want %d/%d", c.liveSize, c.deadSize, live, dead)
	}
	linked := 0
	for _, b := range c.buckets {
		linked += b.len
	}
	if linked != n {
		t.Fatalf("buckets hold %d entries, want %d", linked, n)
	}
	if c.DeadCapacity()+c.LiveCapacity() != c.capacity {
		t.Fatalf("dead+live capacity != capacity")
	}
}

// inBucket reports whether e is reachable from bucket i.
func inBucket(c *Cache, i int, e *entry) bool {
	if i >= len(c.buckets) {
		return false
	}
	for x := c.buckets[i].head; x != nil; x = x.lru.next {
		if x == e {
			return true
		}
	}
	return false
}

// loopScheduler is a fakeScheduler that also reports loop affinity.
type loopScheduler struct {
	fakeScheduler
	on bool
}

func (s *loopScheduler) OnLoop() bool { return s.on }
