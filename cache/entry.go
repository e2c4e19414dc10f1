package cache

// links is one pair of intrusive list pointers.
type links struct {
	prev *entry
	next *entry
}

// entry tracks one resource under one (partition, normalized URL) key.
// It is a member of exactly one bucket list, and of the live-decoded list
// iff the resource is live and has a non-zero decoded size.
type entry struct {
	res       Resource
	partition string
	key       string // normalized URL

	// size is the resource size last reported through update; accounting
	// and the bucket index use it, never a fresh Size() snapshot.
	size int64
	// live mirrors the resource's client state as reported by Add/MakeLive/MakeDead.
	live bool

	accessCount uint32
	// lastDecodedAccess is a UnixNano stamp used by the live prune age gate.
	lastDecodedAccess int64

	bucket int   // index into Cache.buckets, -1 when unlinked
	lru    links // bucket list; head is most recently repositioned

	inLiveDecoded bool
	liveLinks     links // live-decoded list; head is most recently decoded

	evicted bool
}
