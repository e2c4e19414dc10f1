package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/rescache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	evicts        *prometheus.CounterVec
	decodedPrunes *prometheus.CounterVec
	passes        *prometheus.CounterVec
	liveBytes     prometheus.Gauge
	deadBytes     prometheus.Gauge

	// per-type statistics, refreshed by ObserveStatistics
	typeCount *prometheus.GaugeVec
	typeBytes *prometheus.GaugeVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Resource lookups that found an entry",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Resource lookups that found nothing",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Evicted entries by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		decodedPrunes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "decoded_prunes_total",
				Help:        "Destroyed decoded payloads by resource state",
				ConstLabels: constLabels,
			},
			[]string{"state"},
		),
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "prune_passes_total",
				Help:        "Prune passes by strategy and scheduling",
				ConstLabels: constLabels,
			},
			[]string{"strategy", "deferred"},
		),
		liveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "live_bytes",
			Help:        "Bytes held by resources with clients",
			ConstLabels: constLabels,
		}),
		deadBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "dead_bytes",
			Help:        "Bytes held by resources without clients",
			ConstLabels: constLabels,
		}),
		typeCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "resources",
				Help:        "Tracked resources by type",
				ConstLabels: constLabels,
			},
			[]string{"type"},
		),
		typeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "resource_bytes",
				Help:        "Tracked bytes by resource type and kind",
				ConstLabels: constLabels,
			},
			[]string{"type", "kind"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.decodedPrunes, a.passes,
		a.liveBytes, a.deadBytes, a.typeCount, a.typeBytes)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// DecodedPruned counts a destroyed decoded payload.
func (a *Adapter) DecodedPruned(live bool) {
	a.decodedPrunes.WithLabelValues(state(live)).Inc()
}

// PrunePass counts a completed prune pass.
func (a *Adapter) PrunePass(s cache.PruneStrategy, deferred bool) {
	d := "false"
	if deferred {
		d = "true"
	}
	a.passes.WithLabelValues(s.String(), d).Inc()
}

// Size updates the live and dead byte gauges.
func (a *Adapter) Size(live, dead int64) {
	a.liveBytes.Set(float64(live))
	a.deadBytes.Set(float64(dead))
}

// ObserveStatistics publishes a per-type snapshot. Call it periodically from
// the loop goroutine, e.g. on a ticker or from a diagnostics handler.
func (a *Adapter) ObserveStatistics(s cache.Statistics) {
	for _, t := range types {
		st := s.ByType(t)
		name := t.String()
		a.typeCount.WithLabelValues(name).Set(float64(st.Count))
		a.typeBytes.WithLabelValues(name, "total").Set(float64(st.Size))
		a.typeBytes.WithLabelValues(name, "live").Set(float64(st.LiveSize))
		a.typeBytes.WithLabelValues(name, "decoded").Set(float64(st.DecodedSize))
		a.typeBytes.WithLabelValues(name, "encoded").Set(float64(st.EncodedSize))
		a.typeBytes.WithLabelValues(name, "overhead").Set(float64(st.OverheadSize))
	}
}

var types = []cache.Type{
	cache.TypeImage,
	cache.TypeStyleSheet,
	cache.TypeScript,
	cache.TypeFont,
	cache.TypeOther,
}

func state(live bool) string {
	if live {
		return "live"
	}
	return "dead"
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
