// Package telemetry exposes Prometheus metrics for the ingest pipeline and
// both HTTP planes.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/store"
)

// Inventory is the subset of the store read on each scrape.
type Inventory interface {
	Counts(ctx context.Context) (total, active int64, err error)
	SnapshotCount(ctx context.Context) (int64, error)
}

// Metrics owns a private registry and the collectors registered in it.
type Metrics struct {
	reg *prometheus.Registry

	ingestTotal     *prometheus.CounterVec
	bottleneckTotal *prometheus.CounterVec
	writeDuration   prometheus.Histogram
	httpTotal       *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New builds the metric set. inv may be nil, in which case the inventory
// gauges are not exported.
func New(inv Inventory) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talonscope_ingest_total",
			Help: "Ingest attempts by result.",
		}, []string{"result"}),
		bottleneckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talonscope_snapshots_by_bottleneck_total",
			Help: "Stored snapshots by bottleneck label.",
		}, []string{"bottleneck"}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "talonscope_snapshot_write_duration_seconds",
			Help:    "Time spent in the snapshot write transaction.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talonscope_http_requests_total",
			Help: "HTTP requests by plane, route and status code.",
		}, []string{"plane", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talonscope_http_request_duration_seconds",
			Help:    "HTTP request latency by plane and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"plane", "route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestTotal,
		m.bottleneckTotal,
		m.writeDuration,
		m.httpTotal,
		m.httpDuration,
	)
	if inv != nil {
		m.reg.MustRegister(newInventoryCollector(inv))
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe implements ingest.Observer.
func (m *Metrics) Observe(o ingest.Outcome) {
	m.ingestTotal.WithLabelValues(string(o.Result)).Inc()
	if o.Snapshot != nil {
		m.bottleneckTotal.WithLabelValues(o.Snapshot.Bottleneck).Inc()
	}
	if o.Took > 0 {
		m.writeDuration.Observe(o.Took.Seconds())
	}
}

// Middleware records request counts and latency for plane. The route label
// is gin's matched pattern, so cardinality stays bounded; unmatched requests
// are reported as "unmatched".
func (m *Metrics) Middleware(plane string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpTotal.WithLabelValues(plane, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(plane, route).Observe(time.Since(start).Seconds())
	}
}

// inventoryCollector queries the store on each scrape.
type inventoryCollector struct {
	inv       Inventory
	servers   *prometheus.Desc
	active    *prometheus.Desc
	snapshots *prometheus.Desc
}

func newInventoryCollector(inv Inventory) *inventoryCollector {
	return &inventoryCollector{
		inv:       inv,
		servers:   prometheus.NewDesc("talonscope_servers", "Registered servers.", nil, nil),
		active:    prometheus.NewDesc("talonscope_servers_active", "Servers accepting ingest.", nil, nil),
		snapshots: prometheus.NewDesc("talonscope_snapshots_stored", "Snapshots currently stored.", nil, nil),
	}
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.servers
	ch <- c.active
	ch <- c.snapshots
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	total, active, err := c.inv.Counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.servers, err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.servers, prometheus.GaugeValue, float64(total))
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(active))
	}
	n, err := c.inv.SnapshotCount(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.snapshots, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.snapshots, prometheus.GaugeValue, float64(n))
}

// StoreInventory adapts the registry and snapshot store to Inventory.
type StoreInventory struct {
	Registry  *store.Registry
	Snapshots *store.SnapshotStore
}

func (s StoreInventory) Counts(ctx context.Context) (int64, int64, error) {
	return s.Registry.Counts(ctx)
}

func (s StoreInventory) SnapshotCount(ctx context.Context) (int64, error) {
	return s.Snapshots.Count(ctx)
}
