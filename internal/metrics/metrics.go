// Package metrics collects Prometheus instrumentation for the storage
// engine's cache and checkpoint activity (SPEC_FULL.md Domain Stack #4).
// The cache hit/miss/eviction/partial-eviction counters are updated by
// internal/cachetable and the checkpoint started/finished counters by
// internal/checkpoint; PinWaitSeconds, CheckpointDuration and the two
// allocator gauges are defined here but no package in this module
// updates them. This package only owns the prometheus.Collector plumbing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is one tree's metric collectors, registered under a caller-chosen
// namespace so multiple open trees in one process don't collide.
type Set struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	PartialEvictions prometheus.Counter
	PinWaitSeconds  prometheus.Histogram

	CheckpointsStarted  prometheus.Counter
	CheckpointsFinished prometheus.Counter
	CheckpointDuration  prometheus.Histogram

	AllocatorLiveBytes prometheus.Gauge
	AllocatorFreeBytes prometheus.Gauge
}

// NewSet builds a Set of collectors named under the given
// namespace/subsystem. It registers nothing; pass Collectors() to a
// prometheus.Registerer to do so.
func NewSet(namespace, subsystem string) *Set {
	return &Set{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cache_hits_total", Help: "Cache pair lookups satisfied without a disk read.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cache_misses_total", Help: "Cache pair lookups that required reading from disk.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cache_evictions_total", Help: "Full pair evictions performed by the clock sweep.",
		}),
		PartialEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cache_partial_evictions_total", Help: "Partition-level partial evictions performed by PartialEvict.",
		}),
		PinWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cache_pin_wait_seconds", Help: "Time spent blocked acquiring a pair pin.",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "checkpoints_started_total", Help: "Checkpoints that entered the Begin phase.",
		}),
		CheckpointsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "checkpoints_finished_total", Help: "Checkpoints that completed the End phase.",
		}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "checkpoint_duration_seconds", Help: "Wall time from Begin to End for a checkpoint.",
			Buckets: prometheus.DefBuckets,
		}),
		AllocatorLiveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "allocator_live_bytes", Help: "Bytes currently allocated in the block allocator.",
		}),
		AllocatorFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "allocator_free_bytes", Help: "Bytes free between the reserved header and the allocator's high-water mark.",
		}),
	}
}

// Collectors returns every collector in the set, for bulk registration:
// for _, c := range set.Collectors() { registerer.MustRegister(c) }
func (s *Set) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.CacheHits, s.CacheMisses, s.CacheEvictions, s.PartialEvictions, s.PinWaitSeconds,
		s.CheckpointsStarted, s.CheckpointsFinished, s.CheckpointDuration,
		s.AllocatorLiveBytes, s.AllocatorFreeBytes,
	}
}
