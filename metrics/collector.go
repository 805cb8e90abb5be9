package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes loop measurements for scraping on /metrics.
type Collector struct {
	registry *prometheus.Registry

	lightLevel     prometheus.Gauge
	occupied       prometheus.Gauge
	darkpoint      prometheus.Gauge
	sampleDuration prometheus.Histogram
	sampleErrors   prometheus.Counter
	notifications  *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry, so tests can
// create as many as they like.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		lightLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "officelight_light_level",
			Help: "Last averaged RC charge time in 10µs ticks. Higher is darker.",
		}),
		occupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "officelight_occupied",
			Help: "1 when the office lights are on.",
		}),
		darkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "officelight_darkpoint",
			Help: "Configured reading threshold between on and off.",
		}),
		sampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "officelight_sample_duration_seconds",
			Help:    "Time taken by one multi-cycle sample.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		sampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "officelight_sample_errors_total",
			Help: "Samples that failed, usually for lack of signal.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officelight_notifications_total",
			Help: "Status message deliveries by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.lightLevel,
		c.occupied,
		c.darkpoint,
		c.sampleDuration,
		c.sampleErrors,
		c.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveSample records one successful reading and its classification.
func (c *Collector) ObserveSample(reading float64, occupied bool, darkpoint float64, took time.Duration) {
	c.lightLevel.Set(reading)
	if occupied {
		c.occupied.Set(1)
	} else {
		c.occupied.Set(0)
	}
	c.darkpoint.Set(darkpoint)
	c.sampleDuration.Observe(took.Seconds())
}

// ObserveSampleError counts a failed sample.
func (c *Collector) ObserveSampleError() {
	c.sampleErrors.Inc()
}

// ObserveNotification counts a notification attempt by result.
func (c *Collector) ObserveNotification(result string) {
	c.notifications.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}
