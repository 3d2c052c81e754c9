// Package metrics exposes report generation instrumentation on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	registry        *prometheus.Registry
	handler         http.Handler
	renders         *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	sessions        prometheus.Gauge
	pollerTicks     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_render_total",
			Help: "Report renders by source, format and outcome",
		}, []string{"source", "format", "outcome"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reports_render_duration_seconds",
			Help:    "Wall time of a report render including browser launch",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"source", "format"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reports_browser_sessions",
			Help: "Browser sessions currently open",
		}),
		pollerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_poller_ticks_total",
			Help: "Job poller ticks by outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reports_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		r.renders,
		r.renderDuration,
		r.sessions,
		r.pollerTicks,
		r.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return r.handler
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveRender(source, format, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.renders.WithLabelValues(source, format, outcome).Inc()
	r.renderDuration.WithLabelValues(source, format).Observe(d.Seconds())
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

func (r *Recorder) PollerTick(outcome string) {
	if r == nil {
		return
	}
	r.pollerTicks.WithLabelValues(outcome).Inc()
}

// unmatchedRoute labels requests no route matched, keeping raw paths out of label values.
const unmatchedRoute = "unmatched"

// Middleware records request durations labelled by the chi route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := unmatchedRoute
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.requestDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
