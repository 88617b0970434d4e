// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics instruments the storage stack with Prometheus. Every
// metrics type tolerates a nil receiver, which means metrics are disabled
// and calls cost nothing. Layers therefore take a possibly-nil pointer and
// never check it themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cache holds the block cache instrumentation.
type Cache struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	readAhead prometheus.Counter
	dirty     prometheus.Gauge
	writeBack prometheus.Counter
}

// NewCache registers and returns the block cache metrics. A nil registerer
// disables them.
func NewCache(reg prometheus.Registerer) *Cache {
	if reg == nil {
		return nil
	}

	c := &Cache{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "cache", Name: "hits_total",
			Help: "Block cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "cache", Name: "misses_total",
			Help: "Block cache misses.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "cache", Name: "evictions_total",
			Help: "Clean entries evicted to make room.",
		}),
		readAhead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "cache", Name: "readahead_total",
			Help: "Blocks fetched by the read-ahead heuristic.",
		}),
		dirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bds3", Subsystem: "cache", Name: "dirty_blocks",
			Help: "Entries waiting for write-back.",
		}),
		writeBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "cache", Name: "writebacks_total",
			Help: "Completed write-back operations.",
		}),
	}

	reg.MustRegister(c.hits, c.misses, c.evictions, c.readAhead, c.dirty, c.writeBack)

	return c
}

func (c *Cache) Hit() {
	if c != nil {
		c.hits.Inc()
	}
}

func (c *Cache) Miss() {
	if c != nil {
		c.misses.Inc()
	}
}

func (c *Cache) Eviction() {
	if c != nil {
		c.evictions.Inc()
	}
}

func (c *Cache) ReadAhead() {
	if c != nil {
		c.readAhead.Inc()
	}
}

func (c *Cache) DirtyDelta(d int) {
	if c != nil {
		c.dirty.Add(float64(d))
	}
}

func (c *Cache) WriteBack() {
	if c != nil {
		c.writeBack.Inc()
	}
}

// S3 holds the object backend instrumentation.
type S3 struct {
	requests *prometheus.CounterVec
	retries  prometheus.Counter
	latency  *prometheus.HistogramVec
}

// NewS3 registers and returns the backend metrics. A nil registerer
// disables them.
func NewS3(reg prometheus.Registerer) *S3 {
	if reg == nil {
		return nil
	}

	s := &S3{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "s3", Name: "requests_total",
			Help: "Object operations by type and result.",
		}, []string{"op", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bds3", Subsystem: "s3", Name: "retries_total",
			Help: "Transient failures retried with backoff.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bds3", Subsystem: "s3", Name: "request_seconds",
			Help:    "Object operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"op"}),
	}

	reg.MustRegister(s.requests, s.retries, s.latency)

	return s
}

func (s *S3) Request(op, result string) {
	if s != nil {
		s.requests.WithLabelValues(op, result).Inc()
	}
}

func (s *S3) Retry() {
	if s != nil {
		s.retries.Inc()
	}
}

func (s *S3) Latency(op string, seconds float64) {
	if s != nil {
		s.latency.WithLabelValues(op).Observe(seconds)
	}
}
