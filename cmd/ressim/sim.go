package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/rescache/cache"
	"github.com/IvanBrykalov/rescache/internal/config"
	"github.com/IvanBrykalov/rescache/loop"
	pmet "github.com/IvanBrykalov/rescache/metrics/prom"
	"github.com/IvanBrykalov/rescache/resource"
)

// framePeriod is the simulated display refresh interval.
const framePeriod = 16 * time.Millisecond

// sharedAssets are referenced by every page of a partition (site chrome).
const sharedAssets = 3

type report struct {
	pages, requests, hits, errors int64
}

// simulator models browser tabs: each worker picks a page by Zipf
// popularity, loads its resources through the fetcher, keeps them as
// clients for a dwell time and then navigates away.
type simulator struct {
	cfg     config.Sim
	loop    *loop.Loop
	cache   *cache.Cache
	metrics *pmet.Adapter
	log     *zap.Logger
	fetcher *resource.Fetcher

	pages, requests, hits, errors atomic.Int64
}

func newSimulator(cfg config.Sim, l *loop.Loop, c *cache.Cache, m *pmet.Adapter, zl *zap.Logger) *simulator {
	s := &simulator{cfg: cfg, loop: l, cache: c, metrics: m, log: zl.Named("sim")}
	s.fetcher = resource.NewFetcher(l, c, s.fetch, zl)
	return s
}

func (s *simulator) run(ctx context.Context) (report, error) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.tick(ctx, framePeriod, s.cache.UpdateFramePaintTimestamp) })
	if s.cfg.StatsInterval > 0 {
		g.Go(func() error {
			return s.tick(ctx, s.cfg.StatsInterval, func() { s.metrics.ObserveStatistics(s.cache.Statistics()) })
		})
	}
	for w := 0; w < s.cfg.Workers; w++ {
		g.Go(func() error { return s.worker(ctx, w) })
	}

	err := g.Wait()
	return report{
		pages:    s.pages.Load(),
		requests: s.requests.Load(),
		hits:     s.hits.Load(),
		errors:   s.errors.Load(),
	}, err
}

// tick posts fn to the loop every d until ctx is done.
func (s *simulator) tick(ctx context.Context, d time.Duration, fn func()) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.loop.Post(ctx, fn); err != nil {
				return err
			}
		}
	}
}

func (s *simulator) worker(ctx context.Context, id int) error {
	// rand.Rand is not goroutine-safe; one per worker.
	rng := rand.New(rand.NewSource(s.cfg.Seed + int64(id)*9973))
	zipf := rand.NewZipf(rng, s.cfg.ZipfS, 1, uint64(s.cfg.Pages-1))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := int(zipf.Uint64())
		if err := s.loadPage(ctx, s.partition(page), page); err != nil {
			return err
		}
	}
}

// loadPage fetches and decodes every resource of a page, holds them for the
// dwell time and releases them again. Load attaches the page as a client, so
// a resource cannot be pruned between its fetch and its first use.
func (s *simulator) loadPage(ctx context.Context, part string, page int) error {
	held := make([]*resource.Resource, 0, s.cfg.ResourcesPerPage)
	defer func() {
		if len(held) == 0 {
			return
		}
		// Release even when ctx is done; the loop is still running.
		_ = s.loop.Do(context.Background(), func() {
			for _, r := range held {
				r.RemoveClient()
			}
		})
	}()

	for i := 0; i < s.cfg.ResourcesPerPage; i++ {
		req := s.request(part, page, i)
		req.Client = !req.Preload
		s.requests.Add(1)
		r, hit, err := s.fetcher.Load(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.errors.Add(1)
			s.log.Warn("load failed", zap.String("url", req.URL), zap.Error(err))
			continue
		}
		if hit {
			s.hits.Add(1)
		}
		if req.Preload {
			continue // speculative; nobody uses it on this page
		}
		held = append(held, r)

		var decErr error
		if err := s.loop.Do(ctx, func() {
			if req.Type == cache.TypeImage || req.Type == cache.TypeFont {
				decErr = r.Decode()
			} else {
				r.Access()
			}
		}); err != nil {
			return err
		}
		if decErr != nil {
			s.log.Debug("decode failed", zap.String("url", req.URL), zap.Error(decErr))
		}
	}
	s.pages.Add(1)

	if s.cfg.PageDwell > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.PageDwell):
		}
	}
	return nil
}

// request describes resource i of a page. The first few are site-wide
// assets, then comes the page's hero image. The last resource of every
// fifth page preloads the hero of the next page.
func (s *simulator) request(part string, page, i int) resource.Request {
	typ := cache.Type(i % 5) // spread across all types
	switch {
	case i < sharedAssets:
		return resource.Request{
			URL:       fmt.Sprintf("https://%s.example/static/common%d.%s", part, i, ext(typ)),
			Partition: part,
			Type:      typ,
		}
	case i == s.cfg.ResourcesPerPage-1 && page%5 == 0:
		return heroRequest(s.partition(page+1), page+1, true)
	case i == sharedAssets:
		return heroRequest(part, page, false)
	default:
		// Fragments are per-visit noise and must not defeat the cache.
		return resource.Request{
			URL:       fmt.Sprintf("https://%s.example/p%d/asset%d.%s#v%d", part, page, i, ext(typ), rand.Intn(4)),
			Partition: part,
			Type:      typ,
		}
	}
}

// partition spreads pages over sites; each site is its own cache partition.
func (s *simulator) partition(page int) string {
	return fmt.Sprintf("site%d", page%s.cfg.Partitions)
}

func heroRequest(part string, page int, preload bool) resource.Request {
	return resource.Request{
		URL:       fmt.Sprintf("https://%s.example/p%d/hero.png", part, page),
		Partition: part,
		Type:      cache.TypeImage,
		Preload:   preload,
	}
}

// fetch fabricates a body whose size depends only on the URL without its
// fragment.
func (s *simulator) fetch(ctx context.Context, url string) ([]byte, error) {
	if s.cfg.FetchLatency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.FetchLatency):
		}
	}
	url, _, _ = strings.Cut(url, "#")
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	size := 512 + int(h.Sum32()%(48<<10))
	return make([]byte, size), nil
}

func ext(t cache.Type) string {
	switch t {
	case cache.TypeImage:
		return "png"
	case cache.TypeStyleSheet:
		return "css"
	case cache.TypeScript:
		return "js"
	case cache.TypeFont:
		return "woff2"
	default:
		return "json"
	}
}
