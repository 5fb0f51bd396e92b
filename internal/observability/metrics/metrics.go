// Package metrics exposes Prometheus counters for the offline cache worker.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "offlinecache"

// Label values for result counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds every collector of the worker.
type Metrics struct {
	registry *prometheus.Registry

	fetchOutcomes      *prometheus.CounterVec
	fetchDuration      *prometheus.HistogramVec
	installs           *prometheus.CounterVec
	activations        *prometheus.CounterVec
	deletedGenerations prometheus.Counter
	storeFailures      prometheus.Counter
	storedBytes        prometheus.Counter
	notifications      *prometheus.CounterVec
	pushes             *prometheus.CounterVec
	forwards           *prometheus.CounterVec
	events             *prometheus.CounterVec
}

// New creates a registry with the worker collectors plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewWithRegisterer(reg)
	m.registry = reg
	return m
}

// NewWithRegisterer registers the worker collectors with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "outcomes_total",
			Help:      "Intercepted requests by outcome",
		}, []string{"outcome", "destination"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Time to answer an intercepted request",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"outcome"}),
		installs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Install attempts by result",
		}, []string{"result"}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Activation attempts by result",
		}, []string{"result"}),
		deletedGenerations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_generations_total",
			Help:      "Stale cache generations deleted during activation",
		}),
		storeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "store_failures_total",
			Help:      "Network responses served but not written to the cache",
		}),
		storedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "stored_bytes_total",
			Help:      "Response bytes written to the cache by fetch interception",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification actions",
		}, []string{"action"}), // shown, clicked, closed
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Push messages by result",
		}, []string{"result"}), // shown, ignored, invalid
		forwards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "forwards_total",
			Help:      "Notifications forwarded to push targets",
		}, []string{"target", "result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events dispatched by kind and result",
		}, []string{"kind", "result"}),
	}
}

// RecordFetch counts an intercepted request.
func (m *Metrics) RecordFetch(outcome, destination string, seconds float64) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "empty"
	}
	m.fetchOutcomes.WithLabelValues(outcome, destination).Inc()
	m.fetchDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) RecordInstall(err error) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordActivate(err error, deleted int) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(result(err)).Inc()
	m.deletedGenerations.Add(float64(deleted))
}

func (m *Metrics) RecordStore(bytes int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.storeFailures.Inc()
		return
	}
	m.storedBytes.Add(float64(bytes))
}

func (m *Metrics) RecordNotification(action string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordPush(res string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(res).Inc()
}

func (m *Metrics) RecordForward(target string, err error) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(target, result(err)).Inc()
}

func (m *Metrics) RecordEvent(kind string, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the registry backing m, or the default gatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// Totals sums every counter family with the worker namespace, keyed by
// family name. Used by the health endpoint.
func Totals(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		out[name] = sumCounters(mf.GetMetric())
	}
	return out, nil
}

func sumCounters(ms []*dto.Metric) float64 {
	var total float64
	for _, m := range ms {
		total += m.GetCounter().GetValue()
	}
	return total
}

// SortedNames returns the keys of totals in order.
func SortedNames(totals map[string]float64) []string {
	return slices.Sorted(maps.Keys(totals))
}
