// Package loop provides the cooperative task loop the cache runs on.
//
// The cache is single-threaded: every call happens on one goroutine, and
// pruning that can wait is attached to the end of the current unit of work
// rather than handed to a background worker. Loop supplies both halves. Any
// goroutine may Post work; one goroutine runs it; AfterTask observers fire
// when a task finishes.
//
//	l := loop.New(loop.Options{Logger: log})
//	c := cache.New(cache.Options{Scheduler: l})
//	go l.Run(ctx)
//	_ = l.Do(ctx, func() { c.Add(res) })
package loop
