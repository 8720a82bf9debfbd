package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	CachedShapes    prometheus.Gauge
	LastUpdated     prometheus.Gauge       // unix seconds, 0 when empty
	Refreshes       *prometheus.CounterVec // result label: success|error
	RefreshDuration prometheus.Histogram
	FetchRetries    prometheus.Counter
	SnapshotLoads   *prometheus.CounterVec // result label: hit|miss|corrupt|error
	Estimates       *prometheus.CounterVec // method, confidence labels

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure

	RefreshInterval prometheus.Gauge // seconds
	MaxAge          prometheus.Gauge // seconds
}

func NewCollector(refreshInterval, maxAge time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		CachedShapes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivals_cached_shapes",
			Help: "Number of route shapes held by the shape cache.",
		}),
		LastUpdated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivals_shapes_last_updated_seconds",
			Help: "Unix time of the last successful shape refresh.",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivals_shape_refreshes_total",
			Help: "Shape cache refreshes by result.",
		}, []string{"result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arrivals_shape_refresh_duration_seconds",
			Help:    "Duration of a full shape refresh including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivals_shape_fetch_retries_total",
			Help: "Shape fetch attempts retried after a transient failure.",
		}),
		SnapshotLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivals_snapshot_loads_total",
			Help: "Persisted snapshot loads by result.",
		}, []string{"result"}),
		Estimates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivals_estimates_total",
			Help: "Arrival estimates by method and confidence.",
		}, []string{"method", "confidence"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivals_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivals_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivals_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arrivals_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivals_db_switches_total",
			Help: "Number of database switches.",
		}, []string{"reason"}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivals_refresh_interval_seconds",
			Help: "Periodic shape refresh interval in seconds.",
		}),
		MaxAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivals_shapes_max_age_seconds",
			Help: "Age after which cached shapes are refetched.",
		}),
	}

	reg.MustRegister(
		c.CachedShapes, c.LastUpdated,
		c.Refreshes, c.RefreshDuration, c.FetchRetries, c.SnapshotLoads,
		c.Estimates,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.DBSwitches, c.RefreshInterval, c.MaxAge,
	)

	c.RefreshInterval.Set(refreshInterval.Seconds())
	c.MaxAge.Set(maxAge.Seconds())

	return c
}

func (c *Collector) RefreshObserved(result string, d time.Duration) {
	c.Refreshes.WithLabelValues(result).Inc()
	c.RefreshDuration.Observe(d.Seconds())
}

func (c *Collector) FetchRetried() { c.FetchRetries.Inc() }

func (c *Collector) ShapesCached(count int, updatedAt time.Time) {
	c.CachedShapes.Set(float64(count))
	if updatedAt.IsZero() {
		c.LastUpdated.Set(0)
		return
	}
	c.LastUpdated.Set(float64(updatedAt.Unix()))
}

func (c *Collector) SnapshotLoaded(result string) { c.SnapshotLoads.WithLabelValues(result).Inc() }

func (c *Collector) EstimateObserved(method, confidence string) {
	c.Estimates.WithLabelValues(method, confidence).Inc()
}

func (c *Collector) DBSwitched(reason string) { c.DBSwitches.WithLabelValues(reason).Inc() }

// Handler serves the registry, gzip-compressed when the scraper accepts it.
func (c *Collector) Handler() http.Handler {
	return gzhttp.GzipHandler(promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{DisableCompression: true}))
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
