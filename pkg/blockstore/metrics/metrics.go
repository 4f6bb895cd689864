// Package metrics exposes a blockstore.Store's counters to Prometheus.
// It follows the enable/registry indirection used throughout the
// reference pack's metrics packages (see pkg/metrics/prometheus): callers
// opt in with SetRegistry, and collectors built before that call quietly
// become no-ops.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tvandijck/longtail/pkg/blockstore"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	enabled  atomic.Bool
)

// SetRegistry installs reg as the registry new collectors register against
// and marks metrics collection enabled. Passing nil disables collection.
func SetRegistry(reg *prometheus.Registry) {
	mu.Lock()
	registry = reg
	mu.Unlock()
	enabled.Store(reg != nil)
}

// GetRegistry returns the currently installed registry, or nil if none has
// been set.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// IsEnabled reports whether SetRegistry has installed a non-nil registry.
func IsEnabled() bool {
	return enabled.Load()
}

// StoreMetrics records the blockstore.Store GetStats snapshots passed to
// Observe into Prometheus counters, labeled by store name (typically "fs"
// or "cache"). It does no sampling of its own.
type StoreMetrics struct {
	name string

	getCount      prometheus.Counter
	getRetryCount prometheus.Counter
	getFailCount  prometheus.Counter
	getChunkCount prometheus.Counter
	getByteCount  prometheus.Counter

	putCount      prometheus.Counter
	putRetryCount prometheus.Counter
	putFailCount  prometheus.Counter
	putChunkCount prometheus.Counter
	putByteCount  prometheus.Counter

	retargetCount     prometheus.Counter
	retargetFailCount prometheus.Counter
	preflightCount    prometheus.Counter
	preflightFail     prometheus.Counter
	flushCount        prometheus.Counter
	flushFailCount    prometheus.Counter

	last blockstore.Stats
}

// NewStoreMetrics constructs a StoreMetrics for the named store. Returns
// nil when metrics are not enabled, so call sites can unconditionally
// invoke (*StoreMetrics).Observe on the result.
func NewStoreMetrics(name string) *StoreMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	labels := prometheus.Labels{"store": name}

	counter := func(metric, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "longtail_blockstore_" + metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &StoreMetrics{
		name:              name,
		getCount:          counter("get_stored_block_total", "Total GetStoredBlock calls"),
		getRetryCount:     counter("get_stored_block_retry_total", "Total GetStoredBlock spin retries"),
		getFailCount:      counter("get_stored_block_fail_total", "Total failed GetStoredBlock calls"),
		getChunkCount:     counter("get_stored_block_chunks_total", "Total chunks fetched"),
		getByteCount:      counter("get_stored_block_bytes_total", "Total bytes fetched"),
		putCount:          counter("put_stored_block_total", "Total PutStoredBlock calls"),
		putRetryCount:     counter("put_stored_block_retry_total", "Total PutStoredBlock spin retries"),
		putFailCount:      counter("put_stored_block_fail_total", "Total failed PutStoredBlock calls"),
		putChunkCount:     counter("put_stored_block_chunks_total", "Total chunks stored"),
		putByteCount:      counter("put_stored_block_bytes_total", "Total bytes stored"),
		retargetCount:     counter("retarget_content_total", "Total RetargetContent calls"),
		retargetFailCount: counter("retarget_content_fail_total", "Total failed RetargetContent calls"),
		preflightCount:    counter("preflight_get_total", "Total PreflightGet calls"),
		preflightFail:     counter("preflight_get_fail_total", "Total failed PreflightGet calls"),
		flushCount:        counter("flush_total", "Total Flush calls"),
		flushFailCount:    counter("flush_fail_total", "Total failed Flush calls"),
	}
}

// Observe samples snap and adds the delta against the last observed
// snapshot to the underlying counters. Safe to call on a nil receiver.
func (m *StoreMetrics) Observe(snap blockstore.Stats) {
	if m == nil {
		return
	}
	add := func(c prometheus.Counter, stat blockstore.Stat) {
		delta := snap.Get(stat) - m.last.Get(stat)
		if delta > 0 {
			c.Add(float64(delta))
		}
	}
	add(m.getCount, blockstore.GetStoredBlockCount)
	add(m.getRetryCount, blockstore.GetStoredBlockRetryCount)
	add(m.getFailCount, blockstore.GetStoredBlockFailCount)
	add(m.getChunkCount, blockstore.GetStoredBlockChunkCount)
	add(m.getByteCount, blockstore.GetStoredBlockByteCount)
	add(m.putCount, blockstore.PutStoredBlockCount)
	add(m.putRetryCount, blockstore.PutStoredBlockRetryCount)
	add(m.putFailCount, blockstore.PutStoredBlockFailCount)
	add(m.putChunkCount, blockstore.PutStoredBlockChunkCount)
	add(m.putByteCount, blockstore.PutStoredBlockByteCount)
	add(m.retargetCount, blockstore.RetargetContentCount)
	add(m.retargetFailCount, blockstore.RetargetContentFailCount)
	add(m.preflightCount, blockstore.PreflightGetCount)
	add(m.preflightFail, blockstore.PreflightGetFailCount)
	add(m.flushCount, blockstore.FlushCount)
	add(m.flushFailCount, blockstore.FlushFailCount)
	m.last = snap
}
