// Package dvmetrics is a thin abstraction over Prometheus so docvault can run
// with or without metrics. Passing a *prometheus.Registry to New wires real
// counters/gauges; passing nil installs a no-op sink so the hot path never
// pays for label lookups when nobody scrapes.
//
// All metrics are shard-level where that makes sense; aggregation across
// shards is left to the Prometheus side (sum(), rate()).
//
// © 2025 docvault authors. MIT License.
package dvmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the internal interface every docvault component that reports
// metrics depends on. Callers never see the concrete noop/prom type.
type Sink interface {
	IncCacheHit(shard string)
	IncCacheMiss(shard string)
	IncConflict(shard string)
	IncKeyRotation(shard string)
	IncGroupCompleted()
	IncGroupFailed()
	SetInFlightGroups(n int)
}

type noopSink struct{}

func (noopSink) IncCacheHit(string)      {}
func (noopSink) IncCacheMiss(string)     {}
func (noopSink) IncConflict(string)      {}
func (noopSink) IncKeyRotation(string)   {}
func (noopSink) IncGroupCompleted()      {}
func (noopSink) IncGroupFailed()         {}
func (noopSink) SetInFlightGroups(int)   {}

// Noop returns a Sink that discards everything.
func Noop() Sink { return noopSink{} }

type promSink struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	keyRotations *prometheus.CounterVec
	groupsOK     prometheus.Counter
	groupsFailed prometheus.Counter
	inFlight     prometheus.Gauge
}

// New wires real Prometheus collectors into reg and returns a Sink. If reg is
// nil, New returns the no-op sink instead.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	shardLabel := []string{"shard"}
	p := &promSink{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docvault",
			Name:      "cache_hits_total",
			Help:      "Number of shardcache reads served from the in-process cache.",
		}, shardLabel),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docvault",
			Name:      "cache_misses_total",
			Help:      "Number of shardcache reads that hit the storage adapter.",
		}, shardLabel),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docvault",
			Name:      "cas_conflicts_total",
			Help:      "Number of adapter CAS conflicts observed on shard write.",
		}, shardLabel),
		keyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docvault",
			Name:      "key_rotations_total",
			Help:      "Number of key-sequence rotations triggered by usage limits.",
		}, shardLabel),
		groupsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docvault",
			Name:      "groups_completed_total",
			Help:      "Number of scheduler groups committed successfully.",
		}),
		groupsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docvault",
			Name:      "groups_failed_total",
			Help:      "Number of scheduler groups that failed and cancelled descendants.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docvault",
			Name:      "executor_inflight_groups",
			Help:      "Number of groups currently being applied by the executor.",
		}),
	}
	reg.MustRegister(p.cacheHits, p.cacheMisses, p.conflicts, p.keyRotations,
		p.groupsOK, p.groupsFailed, p.inFlight)
	return p
}

func (p *promSink) IncCacheHit(shard string)    { p.cacheHits.WithLabelValues(shard).Inc() }
func (p *promSink) IncCacheMiss(shard string)   { p.cacheMisses.WithLabelValues(shard).Inc() }
func (p *promSink) IncConflict(shard string)    { p.conflicts.WithLabelValues(shard).Inc() }
func (p *promSink) IncKeyRotation(shard string) { p.keyRotations.WithLabelValues(shard).Inc() }
func (p *promSink) IncGroupCompleted()          { p.groupsOK.Inc() }
func (p *promSink) IncGroupFailed()             { p.groupsFailed.Inc() }
func (p *promSink) SetInFlightGroups(n int)     { p.inFlight.Set(float64(n)) }
