// Package metrics tracks what the offline worker did with each request.
package metrics

import (
	"fmt"
	"sync/atomic"
)

// WorkerMetrics counts worker activity. Safe for concurrent use.
type WorkerMetrics struct {
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
	PassThrough        atomic.Int64
	BackgroundRefresh  atomic.Int64
	BackgroundFailures atomic.Int64
	OfflineFallbacks   atomic.Int64
	StaleServed        atomic.Int64
}

// Snapshot is a point-in-time copy of WorkerMetrics.
type Snapshot struct {
	CacheHits          int64 `json:"cacheHits"`
	CacheMisses        int64 `json:"cacheMisses"`
	PassThrough        int64 `json:"passThrough"`
	BackgroundRefresh  int64 `json:"backgroundRefresh"`
	BackgroundFailures int64 `json:"backgroundFailures"`
	OfflineFallbacks   int64 `json:"offlineFallbacks"`
	StaleServed        int64 `json:"staleServed"`
}

// New creates a zeroed metrics instance.
func New() *WorkerMetrics {
	return &WorkerMetrics{}
}

// Snapshot copies the current counters.
func (m *WorkerMetrics) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:          m.CacheHits.Load(),
		CacheMisses:        m.CacheMisses.Load(),
		PassThrough:        m.PassThrough.Load(),
		BackgroundRefresh:  m.BackgroundRefresh.Load(),
		BackgroundFailures: m.BackgroundFailures.Load(),
		OfflineFallbacks:   m.OfflineFallbacks.Load(),
		StaleServed:        m.StaleServed.Load(),
	}
}

// CacheHitRate returns the cache hit percentage.
func (s Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total) * 100
}

// String returns a single-line summary.
func (s Snapshot) String() string {
	return fmt.Sprintf("📊 cache: %d/%d hits (%.0f%%), %d stale served, %d refreshed, %d refresh failures, %d offline, %d passed through",
		s.CacheHits,
		s.CacheHits+s.CacheMisses,
		s.CacheHitRate(),
		s.StaleServed,
		s.BackgroundRefresh,
		s.BackgroundFailures,
		s.OfflineFallbacks,
		s.PassThrough,
	)
}
