// Package metrics exports bus activity as Prometheus metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

const namespace = "messagebus"

// Collector turns monitor events into metrics.
type Collector struct {
	events        *prometheus.CounterVec
	channels      prometheus.Gauge
	subscriptions prometheus.Gauge
	requests      *prometheus.CounterVec
	panics        prometheus.Counter
	bridgeConns   prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers the bus metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	f := promauto.With(reg)

	return &Collector{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus monitor events by type",
		}, []string{"event"}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Number of open channels",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Number of live subscriptions",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished requests by outcome",
		}, []string{"outcome"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered subscriber panics",
		}),
		bridgeConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connections",
			Help:      "Open bridge websocket connections",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Observe records one monitor event. It satisfies cbus.Monitor.
func (c *Collector) Observe(ev cbus.MonitorEvent) {
	c.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case cbus.MonitorChannelCreated:
		c.channels.Inc()
	case cbus.MonitorChannelDestroyed:
		c.channels.Dec()
	case cbus.MonitorSubscribed:
		c.subscriptions.Inc()
	case cbus.MonitorUnsubscribed:
		c.subscriptions.Dec()
	case cbus.MonitorRequestCompleted:
		c.requests.WithLabelValues("completed").Inc()
	case cbus.MonitorRequestFailed:
		c.requests.WithLabelValues("failed").Inc()
	case cbus.MonitorHandlerPanic:
		c.panics.Inc()
	}
}

// Attach feeds every event of m into the collector and returns the detach function.
func (c *Collector) Attach(m interface{ Monitor(cbus.Monitor) func() }) func() {
	return m.Monitor(c.Observe)
}

func (c *Collector) ConnOpened() { c.bridgeConns.Inc() }
func (c *Collector) ConnClosed() { c.bridgeConns.Dec() }

// Instrument counts and times requests served by next.
func (c *Collector) Instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		c.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler serves g in the Prometheus text format. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets websocket upgrades pass through the instrumented handler.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}

	w.status = http.StatusSwitchingProtocols

	return h.Hijack()
}
