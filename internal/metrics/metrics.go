// Package metrics exposes the quilt service on a Prometheus registry.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"img2brick.ai/internal/persistence/indexdb"
	"img2brick.ai/internal/quilt"
)

const namespace = "quilt"

// StoreMetrics is the store view the recorder reads; *quilt.Store satisfies it.
type StoreMetrics interface {
	Metrics() quilt.Metrics
}

// Sources are read at scrape time. Any of them may be nil.
type Sources struct {
	Store    StoreMetrics
	Index    *indexdb.SQLiteIndex
	Sessions func() int
}

// Recorder owns the registry. It also counts applied events as a quilt.EventSink.
type Recorder struct {
	reg    *prom.Registry
	src    Sources
	events *prom.CounterVec
}

func New(src Sources) *Recorder {
	r := &Recorder{reg: prom.NewRegistry(), src: src}
	r.events = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Applied grid mutations by kind",
	}, []string{"kind"})

	gauge := func(name, help string, f func() float64) prom.GaugeFunc {
		return prom.NewGaugeFunc(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, f)
	}
	counter := func(name, help string, f func() float64) prom.CounterFunc {
		return prom.NewCounterFunc(prom.CounterOpts{Namespace: namespace, Name: name, Help: help}, f)
	}
	index := func(f func(indexdb.QueueStats) float64) func() float64 {
		return func() float64 { return f(r.src.Index.Stats()) }
	}

	r.reg.MustRegister(
		r.events,
		newStoreCollector(src.Store),
		gauge("index_queue_depth", "Pending index writes", index(func(s indexdb.QueueStats) float64 { return float64(s.QueueDepth) })),
		counter("index_dropped_events_total", "Events the index dropped under backpressure", index(func(s indexdb.QueueStats) float64 { return float64(s.DropEventTotal) })),
		gauge("bridge_sessions", "Connected bridge sessions", func() float64 {
			if r.src.Sessions == nil {
				return 0
			}
			return float64(r.src.Sessions())
		}),
		promcollect.NewGoCollector(),
		promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}),
	)
	return r
}

type storeMetric struct {
	desc *prom.Desc
	typ  prom.ValueType
	val  func(quilt.Metrics) float64
}

// storeCollector reads Store.Metrics once per scrape; it walks the whole grid.
type storeCollector struct {
	src     StoreMetrics
	metrics []storeMetric
}

func newStoreCollector(src StoreMetrics) *storeCollector {
	m := func(name, help string, typ prom.ValueType, val func(quilt.Metrics) float64) storeMetric {
		return storeMetric{desc: prom.NewDesc(prom.BuildFQName(namespace, "", name), help, nil, nil), typ: typ, val: val}
	}
	return &storeCollector{src: src, metrics: []storeMetric{
		m("cell_size", "Current grid cell size in pixels (0 when uninitialized)", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.CellSize) }),
		m("owners", "Registered owners", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.Owners) }),
		m("images", "Committed images", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.Images) }),
		m("image_cells", "Grid cells held by images", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.ImageCells) }),
		m("marker_cells", "Grid cells held by ownerless markers", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.MarkerCells) }),
		m("reserved_cells", "Grid cells held by pending reservations", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.ReservedCells) }),
		m("reservations", "Pending reservations", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.Reservations) }),
		m("last_save_timestamp_seconds", "Unix time of the last successful snapshot", prom.GaugeValue, func(m quilt.Metrics) float64 { return float64(m.LastSaveUnix) }),
		m("snapshot_saves_total", "Successful snapshot writes", prom.CounterValue, func(m quilt.Metrics) float64 { return float64(m.SavesOK) }),
		m("snapshot_save_failures_total", "Failed snapshot writes", prom.CounterValue, func(m quilt.Metrics) float64 { return float64(m.SavesFailed) }),
	}}
}

func (c *storeCollector) Describe(ch chan<- *prom.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *storeCollector) Collect(ch chan<- prom.Metric) {
	var snap quilt.Metrics
	if c.src != nil {
		snap = c.src.Metrics()
	}
	for _, m := range c.metrics {
		ch <- prom.MustNewConstMetric(m.desc, m.typ, m.val(snap))
	}
}

func (r *Recorder) RecordEvent(ev quilt.Event) {
	r.events.WithLabelValues(string(ev.Kind)).Inc()
}

func (r *Recorder) Registry() *prom.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
