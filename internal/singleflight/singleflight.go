package singleflight

import (
	"context"
	"sync"
)

// Group coalesces concurrent fetches of the same resource key so the network
// work runs at most once per key at a time. Callers that arrive while a fetch
// is in flight wait for its result instead of starting their own.
//
// Concurrency notes:
//   - The first caller for a key is the leader and runs fn.
//   - Followers wait on c.done. The leader publishes (val, err) before
//     close(c.done), so followers observe the final values.
//   - A follower whose ctx is cancelled stops waiting; the leader keeps
//     going. Thread ctx into fn if the fetch itself must be cancellable.
type Group[V any] struct {
	mu sync.Mutex
	m  map[string]*call[V]
}

type call[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
}

// Do runs fn once for key. shared reports whether the result was also
// delivered to other callers.
func (g *Group[V]) Do(ctx context.Context, key string, fn func() (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()
	close(c.done)

	g.mu.Lock()
	delete(g.m, key)
	shared = c.waiters > 0
	g.mu.Unlock()

	return c.val, shared, c.err
}

// InFlight returns the number of keys with a running fetch.
func (g *Group[V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
