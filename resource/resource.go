package resource

import (
	"errors"
	"fmt"

	"github.com/IvanBrykalov/rescache/cache"
)

var (
	// ErrNotLoaded is returned by Decode before Finish.
	ErrNotLoaded = errors.New("resource: not loaded")
	// ErrDestroyed is returned by operations on a destroyed resource.
	ErrDestroyed = errors.New("resource: destroyed")
	// ErrPruned is returned by Decode when the prune triggered by the new
	// payload dropped that payload again.
	ErrPruned = errors.New("resource: decoded payload pruned")
)

// DecodeFunc turns encoded bytes into a decoded payload and returns its size.
type DecodeFunc func(encoded []byte) (int64, error)

// Params describe a resource at creation.
type Params struct {
	URL       string
	Partition string
	Type      cache.Type
	// Overhead is the fixed bookkeeping cost charged on top of the payloads.
	Overhead int64
	// Decode; nil => DefaultDecode.
	Decode DecodeFunc
}

// DefaultDecode models a decoded payload that is four times the encoded size
// for images (RGBA expansion) and the same size for everything else.
func DefaultDecode(t cache.Type) DecodeFunc {
	return func(encoded []byte) (int64, error) {
		if t == cache.TypeImage {
			return int64(len(encoded)) * 4, nil
		}
		return int64(len(encoded)), nil
	}
}

// Resource is a fetched resource that keeps its cache informed.
//
// It implements cache.Resource. Every state change that affects the cache
// (size, clients, decoded payload, destruction) is reported to the Cache it
// was created for. Like the cache itself, a Resource must only be used from
// the loop goroutine.
type Resource struct {
	c *cache.Cache
	p Params

	encoded  []byte
	decoded  int64
	loaded   bool
	clients  int
	preload  bool
	accessed bool // a client has used the resource since it was preloaded
	dead     bool // destroyed
}

// New creates a resource for c. It is not tracked until c.Add is called.
func New(c *cache.Cache, p Params) *Resource {
	if p.Decode == nil {
		p.Decode = DefaultDecode(p.Type)
	}
	return &Resource{c: c, p: p}
}

// ---- cache.Resource ----

func (r *Resource) URL() string          { return r.p.URL }
func (r *Resource) PartitionKey() string { return r.p.Partition }
func (r *Resource) Type() cache.Type     { return r.p.Type }
func (r *Resource) EncodedSize() int64   { return int64(len(r.encoded)) }
func (r *Resource) DecodedSize() int64   { return r.decoded }
func (r *Resource) OverheadSize() int64  { return r.p.Overhead }
func (r *Resource) IsLoaded() bool       { return r.loaded }
func (r *Resource) HasClients() bool     { return r.clients > 0 }

func (r *Resource) Size() int64 {
	return r.EncodedSize() + r.decoded + r.p.Overhead
}

// IsUnusedPreload is true for a preload no client has picked up yet.
func (r *Resource) IsUnusedPreload() bool { return r.preload && !r.accessed }

// Prune drops the decoded payload and reports the new size.
func (r *Resource) Prune() {
	if r.decoded == 0 {
		return
	}
	r.resize(func() { r.decoded = 0 }, false)
	r.c.UpdateDecodedResource(r, cache.UpdateForSize)
}

// ---- owner operations ----

// SetEncodedData replaces the encoded bytes, e.g. as a response streams in.
// A previously decoded payload no longer matches and is dropped.
func (r *Resource) SetEncodedData(data []byte) error {
	if r.dead {
		return ErrDestroyed
	}
	hadDecoded := r.decoded > 0
	r.resize(func() {
		r.encoded = data
		r.decoded = 0
	}, false)
	if hadDecoded {
		r.c.UpdateDecodedResource(r, cache.UpdateForSize)
	}
	return nil
}

// AppendEncodedData adds a chunk of encoded bytes.
func (r *Resource) AppendEncodedData(chunk []byte) error {
	if r.dead {
		return ErrDestroyed
	}
	buf := make([]byte, 0, len(r.encoded)+len(chunk))
	buf = append(append(buf, r.encoded...), chunk...)
	return r.SetEncodedData(buf)
}

// Finish marks loading as complete; only loaded resources are decoded or pruned.
func (r *Resource) Finish() { r.loaded = true }

// MarkPreload flags the resource as a speculative preload.
func (r *Resource) MarkPreload() { r.preload = true }

// Decode produces the decoded payload if it is missing and records a decode
// access. The cache uses the access time to age live payloads.
//
// Growing the resource may prune the cache synchronously. For a resource
// without clients that prune can drop the new payload (Decode returns
// ErrPruned) or evict the resource altogether; hold a client across Decode
// to keep the result.
func (r *Resource) Decode() error {
	switch {
	case r.dead:
		return ErrDestroyed
	case !r.loaded:
		return ErrNotLoaded
	}
	if r.decoded == 0 {
		n, err := r.p.Decode(r.encoded)
		if err != nil {
			return fmt.Errorf("resource: decode %s: %w", r.p.URL, err)
		}
		if n < 0 {
			return fmt.Errorf("resource: decode %s: negative size %d", r.p.URL, n)
		}
		r.resize(func() { r.decoded = n }, true)
		if n > 0 && r.decoded == 0 {
			return ErrPruned
		}
	} else {
		r.Access()
	}
	r.c.UpdateDecodedResource(r, cache.UpdateForAccess)
	return nil
}

// Access records a use of the resource without changing its size.
// Frequently accessed resources move to lower eviction buckets.
func (r *Resource) Access() {
	s := r.Size()
	r.c.Update(r, s, s, true)
}

// AddClient registers a consumer. The first one makes the resource live.
func (r *Resource) AddClient() {
	r.clients++
	r.accessed = true
	if r.clients == 1 {
		r.c.MakeLive(r)
	}
}

// RemoveClient unregisters a consumer. The last one makes the resource dead,
// which may evict it right away.
func (r *Resource) RemoveClient() {
	if r.clients == 0 {
		return
	}
	r.clients--
	if r.clients == 0 {
		r.c.MakeDead(r)
	}
}

// Clients returns the current consumer count.
func (r *Resource) Clients() int { return r.clients }

// Destroy tells the cache the resource is gone and releases its payloads.
// The cache clears its entry without calling back into r.
func (r *Resource) Destroy() {
	if r.dead {
		return
	}
	r.c.ResourceDestroyed(r)
	r.dead = true
	r.encoded = nil
	r.decoded = 0
}

// resize applies mutate and reports the size change to the cache.
func (r *Resource) resize(mutate func(), accessed bool) {
	old := r.Size()
	mutate()
	r.c.Update(r, old, r.Size(), accessed)
}
