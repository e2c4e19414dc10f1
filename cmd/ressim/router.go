package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/rescache/cache"
	"github.com/IvanBrykalov/rescache/loop"
)

// statsResponse is the /stats payload.
type statsResponse struct {
	Entries      int              `json:"entries"`
	Capacity     int64            `json:"capacity"`
	LiveSize     int64            `json:"live_size"`
	DeadSize     int64            `json:"dead_size"`
	LiveCapacity int64            `json:"live_capacity"`
	DeadCapacity int64            `json:"dead_capacity"`
	PrunePending bool             `json:"prune_pending"`
	Types        map[string]typeJ `json:"types"`
}

type typeJ struct {
	Count        int   `json:"count"`
	Size         int64 `json:"size"`
	LiveSize     int64 `json:"live_size"`
	DecodedSize  int64 `json:"decoded_size"`
	EncodedSize  int64 `json:"encoded_size"`
	OverheadSize int64 `json:"overhead_size"`
}

var pressureLevels = map[string]cache.MemoryPressureLevel{
	"none":     cache.MemoryPressureNone,
	"moderate": cache.MemoryPressureModerate,
	"critical": cache.MemoryPressureCritical,
}

// newRouter serves diagnostics. Every cache access is marshalled onto the loop.
//
//	GET  /metrics                  Prometheus exposition
//	GET  /stats                    sizes, capacities and per-type statistics
//	POST /prune                    PruneAll
//	POST /pressure?level=critical  OnMemoryPressure
//	PUT  /capacity?bytes=N         SetCapacity
func newRouter(l *loop.Loop, c *cache.Cache, reg *prometheus.Registry, zl *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		var resp statsResponse
		err := l.Do(req.Context(), func() {
			resp = statsResponse{
				Entries:      c.Len(),
				Capacity:     c.Capacity(),
				LiveSize:     c.LiveSize(),
				DeadSize:     c.DeadSize(),
				LiveCapacity: c.LiveCapacity(),
				DeadCapacity: c.DeadCapacity(),
				PrunePending: c.PrunePending(),
				Types:        statsByType(c.Statistics()),
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Post("/prune", func(w http.ResponseWriter, req *http.Request) {
		if err := l.Do(req.Context(), c.PruneAll); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		zl.Info("manual prune")
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/pressure", func(w http.ResponseWriter, req *http.Request) {
		level, ok := pressureLevels[req.URL.Query().Get("level")]
		if !ok {
			http.Error(w, "level must be none, moderate or critical", http.StatusBadRequest)
			return
		}
		if err := l.Do(req.Context(), func() { c.OnMemoryPressure(level) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Put("/capacity", func(w http.ResponseWriter, req *http.Request) {
		n, err := strconv.ParseInt(req.URL.Query().Get("bytes"), 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "bytes must be a positive integer", http.StatusBadRequest)
			return
		}
		if err := l.Do(req.Context(), func() { c.SetCapacity(n) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func statsByType(s cache.Statistics) map[string]typeJ {
	out := make(map[string]typeJ, len(allTypes))
	for _, t := range allTypes {
		st := s.ByType(t)
		out[t.String()] = typeJ(*st)
	}
	return out
}

var allTypes = []cache.Type{cache.TypeImage, cache.TypeStyleSheet, cache.TypeScript, cache.TypeFont, cache.TypeOther}
