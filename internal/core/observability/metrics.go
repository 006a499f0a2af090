// Package observability holds the process-wide Prometheus collectors for the
// HTTP surface, raster reads, the read cache and layer synchronization.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	rasterReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raster_reads_total",
			Help: "Raster reads by outcome.",
		},
		[]string{"outcome"},
	)

	rasterReadSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raster_read_duration_seconds",
			Help:    "End-to-end raster read latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"outcome"},
	)

	rasterTilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raster_tiles_total",
			Help: "Tiles fetched during reads by result (found|missing).",
		},
		[]string{"result"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Read cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation latency by op and result.",
			Buckets: prometheus.ExponentialBuckets(0.0002, 2, 14),
		},
		[]string{"op", "result"},
	)

	syncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layersync_cycles_total",
			Help: "Reconciliation cycles by store and result (ok|partial|fatal|canceled).",
		},
		[]string{"store", "result"},
	)

	syncActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layersync_actions_total",
			Help: "Catalog changes made by the synchronizer (add|remove|republish|failure).",
		},
		[]string{"store", "action"},
	)

	syncCycleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "layersync_cycle_duration_seconds",
			Help:    "Duration of one reconciliation cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"store"},
	)

	syncState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "layersync_state",
			Help: "Synchronizer state: 0 idle, 1 reconciling, 2 sleeping, 3 terminated.",
		},
		[]string{"store"},
	)

	all = []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		rasterReadsTotal, rasterReadSeconds, rasterTilesTotal,
		cacheResults, cacheOpSeconds,
		syncCycles, syncActions, syncCycleSeconds, syncState,
	}
)

func init() {
	_ = Init(prometheus.DefaultRegisterer)
}

// Init registers the collectors with reg. Registering twice with the same
// registry is not an error.
func Init(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveRasterRead(outcome string, durationSeconds float64) {
	rasterReadsTotal.WithLabelValues(outcome).Inc()
	rasterReadSeconds.WithLabelValues(outcome).Observe(durationSeconds)
}

func AddTiles(found, missing int) {
	if found > 0 {
		rasterTilesTotal.WithLabelValues("found").Add(float64(found))
	}
	if missing > 0 {
		rasterTilesTotal.WithLabelValues("missing").Add(float64(missing))
	}
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

// IncCacheBypass counts reads served without touching the cache, for example
// results too large to index.
func IncCacheBypass() { cacheResults.WithLabelValues("bypass").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpSeconds.WithLabelValues(op, res).Observe(durationSeconds)
}

func ObserveSyncCycle(store, result string, durationSeconds float64) {
	syncCycles.WithLabelValues(store, result).Inc()
	syncCycleSeconds.WithLabelValues(store).Observe(durationSeconds)
}

func AddSyncActions(store, action string, n int) {
	if n > 0 {
		syncActions.WithLabelValues(store, action).Add(float64(n))
	}
}

func SetSyncState(store string, state int) {
	syncState.WithLabelValues(store).Set(float64(state))
}
