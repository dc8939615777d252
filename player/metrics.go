package player

import (
	"github.com/prometheus/client_golang/prometheus"
)

// playerMetrics holds Prometheus metrics for one session.
type playerMetrics struct {
	cacheBytes  prometheus.Gauge
	cacheBlocks prometheus.Gauge
	evictions   prometheus.Counter
	extensions  prometheus.Counter
	dropped     prometheus.Counter
	stalls      prometheus.Counter
	backfills   *prometheus.CounterVec
}

// newPlayerMetrics creates and registers session metrics with reg.
// A nil registerer yields unregistered collectors that still count.
func newPlayerMetrics(reg prometheus.Registerer) (*playerMetrics, error) {
	m := &playerMetrics{
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logscope",
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Bytes held by sealed blocks in the block cache",
		}),
		cacheBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logscope",
			Subsystem: "cache",
			Name:      "blocks",
			Help:      "Number of sealed blocks in the block cache",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logscope",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of evicted blocks",
		}),
		extensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logscope",
			Subsystem: "cache",
			Name:      "extensions_total",
			Help:      "Total number of read-ahead extensions sealed into blocks",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logscope",
			Subsystem: "cache",
			Name:      "oversize_messages_total",
			Help:      "Total number of messages larger than a block that were not cached",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logscope",
			Subsystem: "playback",
			Name:      "stalls_total",
			Help:      "Total number of ticks that could not reach their target time",
		}),
		backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logscope",
			Subsystem: "playback",
			Name:      "backfill_topics_total",
			Help:      "Backfilled topics by where the answer came from",
		}, []string{"from"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.cacheBytes, m.cacheBlocks, m.evictions, m.extensions, m.dropped, m.stalls, m.backfills} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *playerMetrics) updateCache(bytes int64, blocks int) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheBlocks.Set(float64(blocks))
}

func (m *playerMetrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *playerMetrics) recordExtension() {
	if m == nil {
		return
	}
	m.extensions.Inc()
}

func (m *playerMetrics) recordDropped(n int) {
	if m == nil {
		return
	}
	m.dropped.Add(float64(n))
}

func (m *playerMetrics) recordStall() {
	if m == nil {
		return
	}
	m.stalls.Inc()
}

func (m *playerMetrics) recordBackfill(fromCache, fromSource int) {
	if m == nil {
		return
	}
	m.backfills.WithLabelValues("cache").Add(float64(fromCache))
	m.backfills.WithLabelValues("source").Add(float64(fromSource))
}
