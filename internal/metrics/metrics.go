// Package metrics wires prometheus gauges and counters into the frame
// allocator and block cache in place of ad hoc debug counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

/// Registry bundles the metrics the kernel harness exposes, one instance
/// per boot session so repeated test-driven boots don't collide on
/// prometheus's default global registerer.
type Registry struct {
	reg *prometheus.Registry

	FramesFree prometheus.Gauge
	FramesUsed prometheus.Gauge
	CacheHits  prometheus.Counter
	CacheMiss  prometheus.Counter
	CowFaults  prometheus.Counter
	PageFaults prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		FramesFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rvkernel_frames_free", Help: "Physical frames currently on the free list.",
		}),
		FramesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rvkernel_frames_used", Help: "Physical frames currently allocated.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rvkernel_block_cache_hits_total", Help: "Block cache hits.",
		}),
		CacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rvkernel_block_cache_misses_total", Help: "Block cache misses.",
		}),
		CowFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rvkernel_cow_faults_total", Help: "Copy-on-write page faults serviced.",
		}),
		PageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rvkernel_page_faults_total", Help: "Page faults dispatched by the address space.",
		}),
	}
	reg.MustRegister(r.FramesFree, r.FramesUsed, r.CacheHits, r.CacheMiss, r.CowFaults, r.PageFaults)
	return r
}

/// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
