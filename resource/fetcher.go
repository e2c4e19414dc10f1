package resource

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/rescache/cache"
	"github.com/IvanBrykalov/rescache/internal/singleflight"
	"github.com/IvanBrykalov/rescache/loop"
)

// FetchFunc retrieves the encoded bytes for url.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// Fetcher loads resources through the cache: a hit is served from memory, a
// miss is fetched once (concurrent misses for the same key share one fetch),
// wrapped in a Resource and added to the cache.
//
// Fetcher methods are called from worker goroutines, never from the loop
// goroutine. Cache access is marshalled onto the loop with Do; only the
// network fetch runs on the caller.
type Fetcher struct {
	loop  *loop.Loop
	cache *cache.Cache
	fetch FetchFunc
	log   *zap.Logger

	flight singleflight.Group[[]byte]
}

// NewFetcher wires a fetcher to the loop that owns c. log may be nil.
func NewFetcher(l *loop.Loop, c *cache.Cache, fetch FetchFunc, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{loop: l, cache: c, fetch: fetch, log: log.Named("fetcher")}
}

// Request identifies what to load.
type Request struct {
	URL       string
	Partition string
	Type      cache.Type
	Preload   bool
	// Client attaches one client to the resource in the same loop task that
	// looks it up or stores it, so no prune can run in between. The caller
	// owes a RemoveClient. Ignored for preloads.
	Client bool
}

// Load returns the resource for req, fetching it on a miss. fromCache
// reports whether no fetch was needed.
func (f *Fetcher) Load(ctx context.Context, req Request) (r *Resource, fromCache bool, err error) {
	if err := f.do(ctx, req, func() { r = f.lookup(req) }); err != nil {
		return nil, false, err
	}
	if r != nil {
		return r, true, nil
	}

	key := req.Partition + "\x00" + req.URL
	data, shared, err := f.flight.Do(ctx, key, func() ([]byte, error) {
		data, err := f.fetch(ctx, req.URL)
		if err != nil {
			return nil, fmt.Errorf("resource: fetch %s: %w", req.URL, err)
		}
		f.log.Debug("fetched",
			zap.String("url", req.URL),
			zap.String("partition", req.Partition),
			zap.Int("bytes", len(data)),
		)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		f.log.Debug("fetch shared", zap.String("url", req.URL))
	}
	if err := f.do(ctx, req, func() { r = f.store(req, data) }); err != nil {
		return nil, false, err
	}
	return r, false, nil
}

// do runs fn on the loop. A task that attaches a client is waited for even
// after ctx ends, so the caller never loses track of a client it owns.
func (f *Fetcher) do(ctx context.Context, req Request, fn func()) error {
	if req.Client && !req.Preload {
		ctx = context.WithoutCancel(ctx)
	}
	return f.loop.Do(ctx, fn)
}

// lookup returns the tracked resource for req, with req's client attached.
func (f *Fetcher) lookup(req Request) *Resource {
	cr, ok := f.cache.ResourceForURL(req.URL, req.Partition)
	if !ok {
		return nil
	}
	r, ok := cr.(*Resource)
	if !ok {
		return nil
	}
	f.attach(r, req)
	return r
}

// store tracks a new resource for data unless another caller of the same
// fetch got there first. The client is attached before Add so the resource
// enters the cache live and the prune Add runs cannot evict it.
func (f *Fetcher) store(req Request, data []byte) *Resource {
	// Not ResourceForURL: the miss was already counted by Load.
	for _, cr := range f.cache.ResourcesForURL(req.URL) {
		if r, ok := cr.(*Resource); ok && r.PartitionKey() == req.Partition {
			f.attach(r, req)
			return r
		}
	}
	r := New(f.cache, Params{URL: req.URL, Partition: req.Partition, Type: req.Type})
	if req.Preload {
		r.MarkPreload()
	}
	_ = r.SetEncodedData(data)
	r.Finish()
	f.attach(r, req)
	f.cache.Add(r)
	return r
}

func (f *Fetcher) attach(r *Resource, req Request) {
	if req.Client && !req.Preload {
		r.AddClient()
	}
}
