package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/opsboard/internal/audit"
	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/persistence"
)

// StatsSource reports queue counts for the collector.
type StatsSource interface {
	Stats(ctx context.Context) (persistence.NotificationStats, error)
}

// queueCollector reads queue stats on every scrape.
type queueCollector struct {
	source StatsSource
	bus    *bus.Bus

	pending     *prometheus.Desc
	due         *prometheus.Desc
	delivered   *prometheus.Desc
	failing     *prometheus.Desc
	maxAttempts *prometheus.Desc
	denies      *prometheus.Desc
	dropped     *prometheus.Desc
	up          *prometheus.Desc
}

func newQueueCollector(source StatsSource, b *bus.Bus) *queueCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("opsboard", "", name), help, nil, nil)
	}
	return &queueCollector{
		source:      source,
		bus:         b,
		pending:     desc("notifications_pending", "Undelivered notifications."),
		due:         desc("notifications_due", "Undelivered notifications whose next attempt is due."),
		delivered:   desc("notifications_delivered_total", "Notifications marked delivered."),
		failing:     desc("notifications_failing", "Undelivered notifications with at least one failed attempt."),
		maxAttempts: desc("notifications_max_attempts", "Highest attempt count among undelivered notifications."),
		denies:      desc("audit_denies_total", "Requests or mutations rejected and written to the audit log."),
		dropped:     desc("bus_dropped_events_total", "Bus events dropped for slow subscribers."),
		up:          desc("store_up", "Whether the last stats query succeeded."),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.pending, c.due, c.delivered, c.failing, c.maxAttempts, c.denies, c.dropped, c.up} {
		ch <- d
	}
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(c.denies, prometheus.CounterValue, float64(audit.DenyCount()))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.bus.Dropped()))

	st, err := c.source.Stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.Pending))
	ch <- prometheus.MustNewConstMetric(c.due, prometheus.GaugeValue, float64(st.Due))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(st.Delivered))
	ch <- prometheus.MustNewConstMetric(c.failing, prometheus.GaugeValue, float64(st.Failing))
	ch <- prometheus.MustNewConstMetric(c.maxAttempts, prometheus.GaugeValue, float64(st.MaxAttempts))
}

type httpMetrics struct {
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) (*httpMetrics, error) {
	m := &httpMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opsboard",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency by route pattern and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	if err := reg.Register(m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// newRegistry adds the runtime, queue and HTTP collectors to reg. The global
// registry is never used so servers in the same process do not collide.
func newRegistry(reg *prometheus.Registry, source StatsSource, b *bus.Bus) (*prometheus.Registry, *httpMetrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if err := registerAll(reg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newQueueCollector(source, b),
	); err != nil {
		return nil, nil, err
	}
	hm, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, hm, nil
}

func registerAll(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the WebSocket upgrade on /ws.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController and websocket.Accept reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (m *httpMetrics) observe(method, route string, code int, d time.Duration) {
	m.duration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
