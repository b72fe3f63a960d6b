package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	LabelKeyspace = "keyspace"
	LabelLevel    = "level"
	LabelJob      = "job"
)

// Counters.
const (
	Flushes            = "lsmdb_flushes_total"
	Compactions        = "lsmdb_compactions_total"
	BackgroundFailures = "lsmdb_background_failures_total"
	Commits            = "lsmdb_commits_total"
	Conflicts          = "lsmdb_conflicts_total"
	Rollbacks          = "lsmdb_rollbacks_total"
)

// Gauges.
const (
	MemtableBytes    = "lsmdb_memtable_bytes"
	SSTables         = "lsmdb_sstables"
	LevelBytes       = "lsmdb_level_bytes"
	BlockCacheHits   = "lsmdb_block_cache_hits"
	BlockCacheMisses = "lsmdb_block_cache_misses"
	ActiveTxns       = "lsmdb_active_transactions"
)

// Histograms.
const (
	FlushSeconds      = "lsmdb_flush_duration_seconds"
	CompactionSeconds = "lsmdb_compaction_duration_seconds"
)

// Prometheus is a Collector backed by a private prometheus registry.
type Prometheus struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	p.counter(Flushes, "Memtables flushed to level 0.", LabelKeyspace)
	p.counter(Compactions, "Compaction tasks completed.", LabelKeyspace)
	p.counter(BackgroundFailures, "Failed flush or compaction attempts.", LabelKeyspace, LabelJob)
	p.counter(Commits, "Committed transactions with writes.")
	p.counter(Conflicts, "Commits rejected by a write-write conflict.")
	p.counter(Rollbacks, "Rolled back transactions.")

	p.gauge(MemtableBytes, "Bytes held by the memtables of a keyspace.", LabelKeyspace)
	p.gauge(SSTables, "SSTables per level.", LabelKeyspace, LabelLevel)
	p.gauge(LevelBytes, "Bytes stored per level.", LabelKeyspace, LabelLevel)
	p.gauge(BlockCacheHits, "Block cache hits since open.", LabelKeyspace)
	p.gauge(BlockCacheMisses, "Block cache misses since open.", LabelKeyspace)
	p.gauge(ActiveTxns, "Transactions currently running.")

	p.histogram(FlushSeconds, "Time spent flushing one memtable.", LabelKeyspace)
	p.histogram(CompactionSeconds, "Time spent running one compaction task.", LabelKeyspace)

	return p
}

func (p *Prometheus) counter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	p.registry.MustRegister(vec)
	p.counters[name] = vec
}

func (p *Prometheus) gauge(name, help string, labels ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	p.registry.MustRegister(vec)
	p.gauges[name] = vec
}

func (p *Prometheus) histogram(name, help string, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, labels)
	p.registry.MustRegister(vec)
	p.histograms[name] = vec
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	vec, ok := p.counters[name]
	if !ok {
		slog.Warn("unknown counter", "name", name)
		return
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad counter labels", "name", name, "error", err)
		return
	}
	c.Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	vec, ok := p.gauges[name]
	if !ok {
		slog.Warn("unknown gauge", "name", name)
		return
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad gauge labels", "name", name, "error", err)
		return
	}
	g.Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	vec, ok := p.histograms[name]
	if !ok {
		slog.Warn("unknown histogram", "name", name)
		return
	}
	h, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad histogram labels", "name", name, "error", err)
		return
	}
	h.Observe(value)
}

// Registry exposes the underlying registry, mostly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Nop drops everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// Since observes the seconds elapsed from start into histogram name.
func Since(c Collector, name string, labels map[string]string, start time.Time) {
	c.ObserveHistogram(name, labels, time.Since(start).Seconds())
}
