// Package metrics exposes service counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "regiflex"

// Collector holds the service metric vectors. A nil *Collector is valid and
// records nothing, so components can take one optionally.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	BillingEvents       *prometheus.CounterVec
	BillingEventLatency *prometheus.HistogramVec
	Provisioning        *prometheus.CounterVec
	GatewayCalls        *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		BillingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Inbound processor events by type and outcome",
		}, []string{"event_type", "outcome"}),
		BillingEventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_event_duration_seconds",
			Help:      "Time to reconcile one inbound processor event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		Provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_total",
			Help:      "Clinic and administrator provisioning attempts",
		}, []string{"kind", "result"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Payment processor calls by operation and result",
		}, []string{"operation", "result"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Clinic subscription status changes",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
		c.BillingEvents,
		c.BillingEventLatency,
		c.Provisioning,
		c.GatewayCalls,
		c.StatusTransitions,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordBillingEvent(eventType, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.BillingEvents.WithLabelValues(eventType, outcome).Inc()
	c.BillingEventLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) RecordProvisioning(kind, result string) {
	if c == nil {
		return
	}
	c.Provisioning.WithLabelValues(kind, result).Inc()
}

func (c *Collector) RecordGatewayCall(operation, result string) {
	if c == nil {
		return
	}
	c.GatewayCalls.WithLabelValues(operation, result).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.StatusTransitions.WithLabelValues(from, to).Inc()
}

// Middleware records request counts and latency keyed by the route template,
// not the raw path, to bound label cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := ctx.Path()
			if path == "" {
				path = "unmatched"
			}
			method := ctx.Request().Method

			c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			c.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
