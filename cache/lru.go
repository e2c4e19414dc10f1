package cache

import "github.com/IvanBrykalov/rescache/internal/util"

// entryList is an intrusive doubly linked list of entries (head=newest,
// tail=oldest). sel picks which pair of links in the entry it threads through,
// so the same code serves bucket lists and the live-decoded list.
type entryList struct {
	head *entry
	tail *entry
	len  int
	sel  func(*entry) *links
}

func newBucketList() *entryList {
	return &entryList{sel: func(e *entry) *links { return &e.lru }}
}

func newLiveDecodedList() *entryList {
	return &entryList{sel: func(e *entry) *links { return &e.liveLinks }}
}

// pushFront inserts e at the head in O(1).
func (l *entryList) pushFront(e *entry) {
	ln := l.sel(e)
	ln.prev = nil
	ln.next = l.head
	if l.head != nil {
		l.sel(l.head).prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
	l.len++
}

// remove detaches e in O(1). e must be a member.
func (l *entryList) remove(e *entry) {
	ln := l.sel(e)
	if ln.prev != nil {
		l.sel(ln.prev).next = ln.next
	}
	if ln.next != nil {
		l.sel(ln.next).prev = ln.prev
	}
	if l.head == e {
		l.head = ln.next
	}
	if l.tail == e {
		l.tail = ln.prev
	}
	ln.prev, ln.next = nil, nil
	l.len--
}

// bucketIndex maps (size, accessCount) to floor(log2(size / max(accessCount, 1))).
// Small, frequently used entries get low indices and are evicted last.
func bucketIndex(size int64, accessCount uint32) int {
	if size <= 0 {
		return 0
	}
	n := uint64(accessCount)
	if n == 0 {
		n = 1
	}
	return util.FloorLog2(uint64(size) / n)
}

// bucketFor returns the list for index i, growing the array lazily.
func (c *Cache) bucketFor(i int) *entryList {
	for len(c.buckets) <= i {
		c.buckets = append(c.buckets, newBucketList())
	}
	return c.buckets[i]
}

func (c *Cache) insertInLRU(e *entry) {
	e.bucket = bucketIndex(e.size, e.accessCount)
	c.bucketFor(e.bucket).pushFront(e)
}

func (c *Cache) removeFromLRU(e *entry) {
	if e.bucket < 0 {
		return
	}
	c.buckets[e.bucket].remove(e)
	e.bucket = -1
}

// trimBuckets drops trailing empty buckets to bound future sweep cost.
func (c *Cache) trimBuckets() {
	n := len(c.buckets)
	for n > 0 && c.buckets[n-1].head == nil {
		n--
	}
	c.buckets = c.buckets[:n]
}

func (c *Cache) insertInLiveDecoded(e *entry) {
	if e.inLiveDecoded {
		c.liveDecoded.remove(e)
	}
	c.liveDecoded.pushFront(e)
	e.inLiveDecoded = true
}

func (c *Cache) removeFromLiveDecoded(e *entry) {
	if !e.inLiveDecoded {
		return
	}
	c.liveDecoded.remove(e)
	e.inLiveDecoded = false
}
