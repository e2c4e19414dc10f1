// Command ressim drives the resource cache with a synthetic page-load workload
// and exposes Prometheus metrics plus a few diagnostics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/rescache/cache"
	"github.com/IvanBrykalov/rescache/internal/config"
	"github.com/IvanBrykalov/rescache/internal/logger"
	"github.com/IvanBrykalov/rescache/loop"
	pmet "github.com/IvanBrykalov/rescache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		configPath = flag.String("config", "", "YAML config file (empty = defaults + env)")
		envPath    = flag.String("env", ".env", "dotenv file loaded before config (missing is fine)")
	)
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		log.Fatalf("ressim: %v", err)
	}
}

func run(configPath, envPath string) error {
	_ = godotenv.Load(envPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	zl, closeLog, err := logger.New(logger.Options{Dir: cfg.Log.Dir, Level: cfg.Log.Level, Tee: cfg.Log.Tee})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Loop + cache ----
	reg := prometheus.NewRegistry()
	metrics := pmet.New(reg, "rescache", "sim", nil)

	l := loop.New(loop.Options{QueueSize: cfg.Loop.QueueSize, Logger: zl})
	defer func() { _ = l.Close() }()
	c := cache.New(cache.Options{
		Capacity:                       cfg.Cache.Capacity,
		MinDeadCapacity:                cfg.Cache.MinDeadCapacity,
		MaxDeadCapacity:                cfg.Cache.MaxDeadCapacity,
		MaxPruneDeferralDelay:          cfg.Cache.MaxPruneDeferralDelay,
		MinDelayBeforeLiveDecodedPrune: cfg.Cache.MinDelayBeforeLiveDecodedPrune,
		Scheduler:                      l,
		Metrics:                        metrics,
		Logger:                         zl,
	})

	// The loop outlives the signal context so the final report can still
	// read the cache after an interrupt.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopErr := make(chan error, 1)
	go func() { loopErr <- l.Run(loopCtx) }()

	// ---- HTTP diagnostics ----
	if cfg.HTTP.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           newRouter(l, c, reg, zl),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			zl.Info("http: serving", zap.String("addr", cfg.HTTP.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("http: serve failed", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	// ---- Host signals ----
	go watchPressure(ctx, l, c, zl)

	// ---- Workload ----
	simCtx, cancel := context.WithTimeout(ctx, cfg.Sim.Duration)
	defer cancel()

	sim := newSimulator(cfg.Sim, l, c, metrics, zl)
	start := time.Now()
	rep, err := sim.run(simCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report ----
	var (
		st         cache.Statistics
		live, dead int64
		entries    int
	)
	if err := l.Do(context.Background(), func() {
		st, live, dead, entries = c.Statistics(), c.LiveSize(), c.DeadSize(), c.Len()
	}); err != nil {
		return err
	}
	zl.Info("simulation finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("page_loads", rep.pages),
		zap.Int64("requests", rep.requests),
		zap.Int64("cache_hits", rep.hits),
		zap.Int64("errors", rep.errors),
	)

	hitRate := 0.0
	if rep.requests > 0 {
		hitRate = float64(rep.hits) / float64(rep.requests) * 100
	}
	fmt.Printf("workers=%d pages=%d dur=%v seed=%d\n",
		cfg.Sim.Workers, cfg.Sim.Pages, elapsed, cfg.Sim.Seed)
	fmt.Printf("page loads=%d (%.0f/s)  requests=%d  hit-rate=%.2f%%\n",
		rep.pages, float64(rep.pages)/elapsed.Seconds(), rep.requests, hitRate)
	fmt.Printf("entries=%d  live=%d  dead=%d  capacity=%d\n", entries, live, dead, cfg.Cache.Capacity)
	for _, t := range allTypes {
		s := st.ByType(t)
		fmt.Printf("  %-10s count=%-5d size=%-9d decoded=%d\n", t, s.Count, s.Size, s.DecodedSize)
	}

	stopLoop()
	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchPressure maps SIGUSR1 to a critical memory-pressure signal.
func watchPressure(ctx context.Context, l *loop.Loop, c *cache.Cache, zl *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			zl.Info("SIGUSR1: critical memory pressure")
			_ = l.Post(ctx, func() { c.OnMemoryPressure(cache.MemoryPressureCritical) })
		}
	}
}
